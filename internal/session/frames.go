package session

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kitehq/kite/internal/events/bus"
	"github.com/kitehq/kite/internal/journal"
	v1 "github.com/kitehq/kite/pkg/api/v1"
	"github.com/kitehq/kite/pkg/ws"
)

// handleClientFrame processes frames from client and channel sockets.
// Malformed JSON is logged and dropped; unknown types are logged and
// ignored.
func (h *Holder) handleClientFrame(c *conn, raw []byte) {
	env, err := ws.DecodeEnvelope(raw)
	if err != nil {
		h.log.Warn("Dropping malformed client frame", zap.Error(err))
		return
	}

	switch env.Type {
	case ws.TypePrompt:
		var frame ws.PromptFrame
		if err := ws.Decode(raw, &frame); err != nil {
			h.log.Warn("Dropping malformed prompt frame", zap.Error(err))
			return
		}
		mode := frame.QueueMode
		if mode == "" {
			mode = ws.QueueFollowup
		}
		p := QueuedPrompt{
			Content:          frame.Content,
			Model:            frame.Model,
			Attachments:      frame.Attachments,
			ModelPreferences: frame.ModelPreferences,
			ChannelType:      frame.ChannelType,
			ChannelID:        frame.ChannelID,
			QueueMode:        mode,
		}
		if c.role == roleClient {
			p.Author = &v1.Author{ID: c.user.UserID, Name: c.user.Name, Avatar: c.user.Avatar}
		} else {
			p.ScopeKey = c.scope
			if p.ChannelType == "" {
				p.ChannelType = c.chType
				p.ChannelID = c.chID
			}
		}
		h.acceptPrompt(p)

	case ws.TypeAbort:
		h.abortInFlight("client abort")

	case ws.TypeRevert:
		var frame ws.RevertFrame
		if err := ws.Decode(raw, &frame); err != nil {
			return
		}
		removed, err := h.journal.RemoveFrom(context.Background(), h.sessionID, frame.MessageID)
		if err != nil {
			h.log.Warn("Revert failed", zap.String("message_id", frame.MessageID), zap.Error(err))
			c.enqueueFrame(ws.ErrorFrame{Type: ws.TypeError, Code: "revert_failed", Message: err.Error()})
			return
		}
		if h.open != nil {
			for _, id := range removed {
				if id == h.open.ID {
					h.open = nil
					h.streamBuf = ""
					break
				}
			}
		}
		h.broadcast(ws.MessagesRemovedFrame{Type: ws.TypeMessagesRemoved, MessageIDs: removed})
		if h.runner != nil {
			h.runner.enqueueFrame(frame)
		}
		actor := c.user.UserID
		if c.role == roleChannel {
			actor = c.scope
		}
		h.appendAudit(actor, "messages.reverted", frame.MessageID)

	case ws.TypeAnswer:
		var frame ws.AnswerFrame
		if err := ws.Decode(raw, &frame); err != nil {
			return
		}
		h.resolveQuestion(frame.QuestionID, frame.Answer)

	case ws.TypeDiff, ws.TypeReview, ws.TypeCommand:
		if h.runner == nil {
			c.enqueueFrame(ws.ErrorFrame{Type: ws.TypeError, Code: "no_runner", Message: "no runner attached"})
			return
		}
		h.runner.enqueue(raw)

	case ws.TypePing:
		c.enqueueFrame(ws.PongFrame{Type: ws.TypePong})

	default:
		h.log.Debug("Ignoring unknown client frame", zap.String("frame_type", env.Type))
	}
}

func (h *Holder) abortInFlight(reason string) {
	h.streamBuf = ""
	if h.open != nil {
		journal.FinalizeStreaming(h.open)
	}
	if h.runner != nil && h.inFlight != nil {
		h.runner.enqueueFrame(ws.StopFrame{Type: ws.TypeStop, Reason: reason})
	}
	h.setAgentStatus(v1.AgentIdle, "")
}

// handleRunnerFrame processes frames from the active runner socket. Frames
// from a superseded runner still draining are ignored.
func (h *Holder) handleRunnerFrame(c *conn, raw []byte) {
	if h.runner != c {
		return
	}
	env, err := ws.DecodeEnvelope(raw)
	if err != nil {
		h.log.Warn("Dropping malformed runner frame", zap.Error(err))
		return
	}

	switch env.Type {
	case ws.TypeStream:
		var frame ws.StreamFrame
		if err := ws.Decode(raw, &frame); err != nil {
			return
		}
		h.handleStream(frame)

	case ws.TypeResult:
		var frame ws.ResultFrame
		if err := ws.Decode(raw, &frame); err != nil {
			return
		}
		h.handleResult(frame)

	case ws.TypeTool:
		var frame ws.ToolFrame
		if err := ws.Decode(raw, &frame); err != nil {
			return
		}
		h.handleTool(frame)

	case ws.TypeQuestion:
		var frame ws.QuestionFrame
		if err := ws.Decode(raw, &frame); err != nil {
			return
		}
		if frame.Question.QuestionID == "" {
			frame.Question.QuestionID = uuid.NewString()
		}
		h.questions = append(h.questions, frame.Question)
		if err := h.store.SaveQuestion(context.Background(), h.sessionID, frame.Question); err != nil {
			h.log.Error("Failed to persist question", zap.Error(err))
		}
		h.broadcast(frame)

	case ws.TypeAgentStatus:
		var frame ws.AgentStatusFrame
		if err := ws.Decode(raw, &frame); err != nil {
			return
		}
		h.setAgentStatus(frame.Status, frame.Detail)

	case ws.TypeModels:
		var frame ws.ModelsFrame
		if err := ws.Decode(raw, &frame); err != nil {
			return
		}
		h.models = frame.Models
		h.broadcast(frame)

	case ws.TypeGitState:
		var frame ws.GitStateFrame
		if err := ws.Decode(raw, &frame); err != nil {
			return
		}
		h.gitState = &frame.State
		if err := h.store.SaveGitState(context.Background(), h.sessionID, frame.State); err != nil {
			h.log.Error("Failed to persist git state", zap.Error(err))
		}
		h.broadcast(frame)

	case ws.TypeFilesChanged:
		var frame ws.FilesChangedFrame
		if err := ws.Decode(raw, &frame); err != nil {
			return
		}
		if err := h.store.ReplaceFilesChanged(context.Background(), h.sessionID, frame.Files); err != nil {
			h.log.Error("Failed to persist changed files", zap.Error(err))
		}
		h.broadcast(frame)

	case ws.TypePRCreated:
		var frame ws.PRCreatedFrame
		if err := ws.Decode(raw, &frame); err != nil {
			return
		}
		h.broadcast(frame)
		h.appendAudit("runner", "pr.created", frame.URL)

	case ws.TypeReviewResult, ws.TypeCommandResult:
		h.broadcast(rawFrame(raw))

	case ws.TypeTitle:
		var frame ws.TitleFrame
		if err := ws.Decode(raw, &frame); err != nil {
			return
		}
		h.sess.Title = frame.Title
		if err := h.store.UpdateTitle(context.Background(), h.sessionID, frame.Title); err != nil {
			h.log.Error("Failed to persist title", zap.Error(err))
		}
		h.broadcast(frame)

	case ws.TypeRunnerRequest:
		var frame ws.RunnerRequestFrame
		if err := ws.Decode(raw, &frame); err != nil {
			return
		}
		h.handleRunnerRequest(c, frame)

	case ws.TypeRunnerResponse:
		var frame ws.RunnerResponseFrame
		if err := ws.Decode(raw, &frame); err != nil {
			return
		}
		h.pending.Resolve(frame)

	default:
		h.log.Debug("Ignoring unknown runner frame", zap.String("frame_type", env.Type))
	}
}

// rawFrame re-broadcasts an already-marshalled frame verbatim.
type rawFrame []byte

func (r rawFrame) MarshalJSON() ([]byte, error) { return r, nil }

func (h *Holder) handleStream(frame ws.StreamFrame) {
	h.setAgentStatus(v1.AgentStreaming, "")

	if frame.MessageID == "" {
		// v1 format: accumulate in the side buffer only; the journal is
		// untouched until the final message arrives.
		h.streamBuf += frame.Delta
		h.broadcast(ws.ChunkFrame{Type: ws.TypeChunk, Delta: frame.Delta})
		return
	}

	h.ensureOpenMessage(frame.MessageID)
	journal.ApplyChunk(h.open, frame.Delta)
	h.broadcast(ws.ChunkFrame{Type: ws.TypeChunk, MessageID: frame.MessageID, Delta: frame.Delta})

	h.chunkCount++
	if h.chunkCount%snapshotEvery == 0 {
		if err := h.journal.Update(context.Background(), *h.open); err != nil {
			h.log.Error("Failed to persist streaming snapshot", zap.Error(err))
		}
		h.broadcast(ws.MessageUpdatedFrame{Type: ws.TypeMessageUpdated, Message: *h.open})
	}
}

// ensureOpenMessage creates (and persists) the assistant message a stream
// or tool frame addresses, if it is not already the open head.
func (h *Holder) ensureOpenMessage(messageID string) {
	if h.open != nil && h.open.ID == messageID {
		return
	}
	msg := journal.Message{
		ID:        messageID,
		SessionID: h.sessionID,
		Role:      v1.RoleAssistant,
		Format:    v1.FormatV2,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.journal.Append(context.Background(), msg); err != nil {
		h.log.Error("Failed to open assistant message", zap.Error(err))
	}
	h.open = &msg
	h.chunkCount = 0
	h.broadcast(ws.MessageFrame{Type: ws.TypeMessage, Message: msg})
}

func (h *Holder) handleResult(frame ws.ResultFrame) {
	ctx := context.Background()
	final := frame.Message
	final.SessionID = h.sessionID
	if final.Role == "" {
		final.Role = v1.RoleAssistant
	}

	switch {
	case h.open != nil && (final.ID == "" || final.ID == h.open.ID):
		merged := journal.MergeUpdate(*h.open, final)
		journal.FinalizeStreaming(&merged)
		if err := h.journal.Update(ctx, merged); err != nil {
			h.log.Error("Failed to finalize assistant message", zap.Error(err))
		}
		final = merged
	default:
		if final.ID == "" {
			final.ID = uuid.NewString()
		}
		if final.Content == "" && h.streamBuf != "" {
			// v1: the side buffer becomes the stored content.
			final.Content = h.streamBuf
			final.Format = v1.FormatV1
		}
		if final.CreatedAt.IsZero() {
			final.CreatedAt = time.Now().UTC()
		}
		journal.FinalizeStreaming(&final)
		if err := h.journal.Append(ctx, final); err != nil {
			h.log.Error("Failed to append assistant message", zap.Error(err))
		}
	}

	h.open = nil
	h.streamBuf = ""
	h.chunkCount = 0
	h.inFlight = nil
	h.steering = false

	h.broadcast(ws.MessageFrame{Type: ws.TypeMessage, Message: final})
	h.publishEvent(bus.SubjectSessionMessage, map[string]interface{}{
		"session_id": h.sessionID,
		"message_id": final.ID,
		"role":       string(final.Role),
	})
	if final.ChannelType != "" {
		h.broadcastToChannel(final.ChannelType, final.ChannelID,
			ws.MessageFrame{Type: ws.TypeMessage, Message: final})
	}

	h.setAgentStatus(v1.AgentIdle, "")
	_ = h.store.Touch(ctx, h.sessionID)
	h.dispatchNext()
}

func (h *Holder) handleTool(frame ws.ToolFrame) {
	h.ensureOpenMessage(frame.MessageID)
	journal.UpsertToolPart(h.open, frame.Part)
	if err := h.journal.Update(context.Background(), *h.open); err != nil {
		h.log.Error("Failed to persist tool part", zap.Error(err))
	}
	detail := frame.Part.ToolName
	h.setAgentStatus(v1.AgentToolCalling, detail)
	h.broadcast(ws.MessageUpdatedFrame{Type: ws.TypeMessageUpdated, Message: *h.open})

	if frame.Part.ToolName == "spawn_session" && frame.Part.Status == "completed" {
		childID := extractChildID(stringify(frame.Part.Result))
		if childID != "" {
			event := ws.ChildSessionEvent{
				Event:          "spawned",
				ChildSessionID: childID,
				Task:           stringify(frame.Part.Args),
				MessageID:      frame.MessageID,
			}
			h.childEvents = append(h.childEvents, event)
			h.broadcast(ws.ChildSessionFrame{Type: ws.TypeChildSession, Event: event})
		}
	}
}

// handleRunnerRequest serves the in-store operations directly and delegates
// the rest to the wired RunnerOps. Handling runs off the loop so a slow
// store or a cross-session call cannot stall this session's inbox.
func (h *Holder) handleRunnerRequest(c *conn, frame ws.RunnerRequestFrame) {
	sess := h.sess
	go func() {
		resp := h.serveRunnerRequest(context.Background(), sess, frame)
		c.enqueueFrame(resp)
	}()
}

func (h *Holder) serveRunnerRequest(ctx context.Context, sess v1.Session, frame ws.RunnerRequestFrame) ws.RunnerResponseFrame {
	reply := func(payload any, err error) ws.RunnerResponseFrame {
		if err != nil {
			return ws.NewRunnerError(frame.RequestID, err.Error())
		}
		resp, mErr := ws.NewRunnerResponse(frame.RequestID, payload)
		if mErr != nil {
			return ws.NewRunnerError(frame.RequestID, mErr.Error())
		}
		return resp
	}

	switch frame.Op {
	case ws.OpMemoryRead:
		var req ws.MemoryReadRequest
		if err := ws.Decode(frame.Payload, &req); err != nil {
			return ws.NewRunnerError(frame.RequestID, "malformed payload: "+err.Error())
		}
		value, found, err := h.store.MemoryRead(ctx, sess.UserID, req.Key)
		return reply(ws.MemoryReadResponse{Key: req.Key, Value: value, Found: found}, err)

	case ws.OpMemoryWrite:
		var req ws.MemoryWriteRequest
		if err := ws.Decode(frame.Payload, &req); err != nil {
			return ws.NewRunnerError(frame.RequestID, "malformed payload: "+err.Error())
		}
		return reply(map[string]bool{"ok": true}, h.store.MemoryWrite(ctx, sess.UserID, req.Key, req.Value))

	case ws.OpMailboxSend:
		var req ws.MailboxSendRequest
		if err := ws.Decode(frame.Payload, &req); err != nil {
			return ws.NewRunnerError(frame.RequestID, "malformed payload: "+err.Error())
		}
		id, err := h.store.MailboxSend(ctx, sess.ID, req)
		return reply(map[string]string{"id": id}, err)

	case ws.OpMailboxPoll:
		msgs, err := h.store.MailboxDrain(ctx, sess.ID)
		return reply(ws.MailboxPollResponse{Messages: msgs}, err)

	case ws.OpTaskUpsert:
		var req ws.TaskUpsertRequest
		if err := ws.Decode(frame.Payload, &req); err != nil {
			return ws.NewRunnerError(frame.RequestID, "malformed payload: "+err.Error())
		}
		id, err := h.store.UpsertBoardTask(ctx, sess.UserID, req)
		return reply(ws.TaskUpsertResponse{TaskID: id}, err)

	case ws.OpTaskList:
		tasks, err := h.store.ListBoardTasks(ctx, sess.UserID)
		return reply(ws.TaskListResponse{Tasks: tasks}, err)

	default:
		if h.ops == nil {
			return ws.NewRunnerError(frame.RequestID, "operation not supported: "+frame.Op)
		}
		payload, err := h.ops.Handle(ctx, sess, frame)
		return reply(payload, err)
	}
}

func stringify(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	raw, err := ws.Marshal(v)
	if err != nil {
		return ""
	}
	return string(raw)
}
