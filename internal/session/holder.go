package session

import (
	"context"
	"crypto/subtle"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kitehq/kite/internal/common/apperr"
	"github.com/kitehq/kite/internal/common/logger"
	"github.com/kitehq/kite/internal/events/bus"
	"github.com/kitehq/kite/internal/journal"
	v1 "github.com/kitehq/kite/pkg/api/v1"
	"github.com/kitehq/kite/pkg/ws"
)

const (
	// maxAuditEntries bounds the in-memory audit log replayed into init
	// snapshots.
	maxAuditEntries = 500

	// questionSweepInterval drives the periodic pending-question expiry
	// check; expiry is additionally checked on every client attach.
	questionSweepInterval = 30 * time.Second

	// snapshotEvery controls how often a full message.updated snapshot is
	// broadcast between lossy chunk frames.
	snapshotEvery = 10
)

// childIDFromResult accepts either "Child session spawned: {uuid}" or a bare
// UUID in a spawn_session tool result.
var (
	childSpawnedPattern = regexp.MustCompile(`(?i)child session spawned:\s*([0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12})`)
	bareUUIDPattern     = regexp.MustCompile(`\b[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}\b`)
)

// RunnerOps handles the runner-request operations that need control-plane
// services beyond the session store (spawn/terminate child, PR operations,
// workflow and trigger API, channel replies). Wired in at startup.
type RunnerOps interface {
	Handle(ctx context.Context, sess v1.Session, req ws.RunnerRequestFrame) (any, error)
}

// Holder is the single-writer actor owning one session's sockets, queue,
// questions, and journal head. All state mutations run on the inbox
// goroutine; the order of inbox delivery defines the session's event order.
type Holder struct {
	sessionID string
	store     *Store
	journal   *journal.Store
	bus       bus.EventBus
	ops       RunnerOps
	log       *logger.Logger

	inbox chan func()
	done  chan struct{}

	// Loop-owned state. Never touched off the inbox goroutine.
	sess         v1.Session
	clients      map[*conn]struct{}
	channelConns map[*conn]struct{}
	runner       *conn
	agentStatus  v1.AgentStatus
	queue        *promptQueue
	inFlight     *QueuedPrompt
	steering     bool
	open         *journal.Message
	streamBuf    string // v1 side buffer; journal untouched until result
	chunkCount   int
	questions    []v1.Question
	childEvents  []ws.ChildSessionEvent
	audit        []ws.AuditEntry
	models       []ws.ModelInfo
	gitState     *ws.GitState

	pending *pendingRequests
}

// HolderOptions configures a holder at construction.
type HolderOptions struct {
	CollectDebounce time.Duration
	RunnerOps       RunnerOps
}

// NewHolder loads persisted state and rebuilds the in-memory view: queued
// prompts, pending questions, the bounded audit log, and the child-session
// event list reconstructed from spawn_session tool parts in the journal.
func NewHolder(ctx context.Context, sessionID string, store *Store, jstore *journal.Store, eventBus bus.EventBus, log *logger.Logger, opts HolderOptions) (*Holder, error) {
	sess, err := store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	restored, err := store.LoadQueue(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	questions, err := store.LoadQuestions(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	audit, err := store.LoadAudit(ctx, sessionID, maxAuditEntries)
	if err != nil {
		return nil, err
	}
	gitState, err := store.LoadGitState(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	msgs, err := jstore.List(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	h := &Holder{
		sessionID:    sessionID,
		store:        store,
		journal:      jstore,
		bus:          eventBus,
		ops:          opts.RunnerOps,
		log:          log.WithSessionID(sessionID),
		inbox:        make(chan func(), 256),
		done:         make(chan struct{}),
		sess:         sess,
		clients:      make(map[*conn]struct{}),
		channelConns: make(map[*conn]struct{}),
		agentStatus:  v1.AgentIdle,
		queue:        newPromptQueue(opts.CollectDebounce, restored),
		questions:    questions,
		childEvents:  rebuildChildEvents(msgs),
		audit:        audit,
		gitState:     gitState,
		pending:      newPendingRequests(),
	}
	if h.queue.Len() > 0 {
		h.agentStatus = v1.AgentQueued
	}
	return h, nil
}

// rebuildChildEvents scans persisted tool parts for spawn_session calls and
// extracts child ids so reconnecting clients can rebuild the session tree.
func rebuildChildEvents(msgs []journal.Message) []ws.ChildSessionEvent {
	var events []ws.ChildSessionEvent
	for _, m := range msgs {
		for _, part := range m.Parts {
			if part.Type != v1.PartToolCall || part.ToolName != "spawn_session" {
				continue
			}
			childID := extractChildID(fmt.Sprintf("%v", part.Result))
			if childID == "" {
				continue
			}
			events = append(events, ws.ChildSessionEvent{
				Event:          "spawned",
				ChildSessionID: childID,
				Task:           fmt.Sprintf("%v", part.Args),
				MessageID:      m.ID,
			})
		}
	}
	return events
}

func extractChildID(result string) string {
	if m := childSpawnedPattern.FindStringSubmatch(result); len(m) == 2 {
		return m[1]
	}
	return bareUUIDPattern.FindString(result)
}

// Run processes the inbox until the context is cancelled. Exactly one Run
// per holder.
func (h *Holder) Run(ctx context.Context) {
	sweep := time.NewTicker(questionSweepInterval)
	defer sweep.Stop()
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case fn := <-h.inbox:
			fn()
		case <-sweep.C:
			h.expireQuestions(time.Now().UTC())
		}
	}
}

// post delivers a closure to the run loop. Returns false once the holder
// has shut down.
func (h *Holder) post(fn func()) bool {
	select {
	case <-h.done:
		return false
	case h.inbox <- fn:
		return true
	}
}

// call posts a closure and waits for it to finish.
func (h *Holder) call(fn func()) bool {
	done := make(chan struct{})
	if !h.post(func() { defer close(done); fn() }) {
		return false
	}
	<-done
	return true
}

func (h *Holder) closeAll() {
	for c := range h.clients {
		c.closeWith(websocket.CloseGoingAway, "shutting down")
	}
	for c := range h.channelConns {
		c.closeWith(websocket.CloseGoingAway, "shutting down")
	}
	if h.runner != nil {
		h.runner.closeWith(websocket.CloseGoingAway, "shutting down")
	}
	h.pending.FailAll("session holder shutting down")
}

// SessionID returns the owned session id.
func (h *Holder) SessionID() string { return h.sessionID }

// Session returns a copy of the current session row.
func (h *Holder) Session() v1.Session {
	var out v1.Session
	h.call(func() { out = h.sess })
	return out
}

// AttachClient admits an authenticated client socket: pumps start, the
// roster gains the user, and an init snapshot is sent.
func (h *Holder) AttachClient(sock *websocket.Conn, user ConnectedUser) {
	c := newConn(uuid.NewString(), roleClient, sock, h.log)
	c.user = user
	go c.writePump()

	h.post(func() {
		h.clients[c] = struct{}{}
		h.expireQuestions(time.Now().UTC())
		_ = h.store.UpsertParticipant(context.Background(), h.sessionID, ws.ParticipantInfo{
			UserID: user.UserID, Name: user.Name, Avatar: user.Avatar, Role: user.Role,
		})
		h.sendInit(c)
		h.broadcast(ws.UserJoinedFrame{
			Type: ws.TypeUserJoined,
			Participant: ws.ParticipantInfo{
				UserID: user.UserID, Name: user.Name, Avatar: user.Avatar, Role: user.Role,
			},
		})
		h.appendAudit(user.UserID, "client.connected", "")
	})

	go c.readPump(
		func(raw []byte) { h.post(func() { h.handleClientFrame(c, raw) }) },
		func(error) {
			h.post(func() {
				delete(h.clients, c)
				h.broadcast(ws.UserLeftFrame{Type: ws.TypeUserLeft, UserID: user.UserID})
			})
		},
	)
}

// AttachChannel admits an adapter-owned socket bound to a scope key.
func (h *Holder) AttachChannel(sock *websocket.Conn, scopeKey, channelType, channelID string) {
	c := newConn(uuid.NewString(), roleChannel, sock, h.log)
	c.scope = scopeKey
	c.chType = channelType
	c.chID = channelID
	go c.writePump()

	h.post(func() { h.channelConns[c] = struct{}{} })

	go c.readPump(
		func(raw []byte) { h.post(func() { h.handleClientFrame(c, raw) }) },
		func(error) { h.post(func() { delete(h.channelConns, c) }) },
	)
}

// AttachRunner verifies the single-use runner token against the stored
// hash. On success any previously attached runner is closed with a normal
// close and the supersession reason; on failure the socket is closed with
// code 1002.
func (h *Holder) AttachRunner(sock *websocket.Conn, token string) {
	c := newConn(uuid.NewString(), roleRunner, sock, h.log)
	admitted := false

	ok := h.call(func() {
		hash := HashRunnerToken(token)
		if h.sess.RunnerTokenHash == "" ||
			subtle.ConstantTimeCompare([]byte(hash), []byte(h.sess.RunnerTokenHash)) != 1 {
			return
		}
		if h.runner != nil {
			h.runner.closeWith(ws.CloseNormal, ws.ReasonSuperseded)
			h.pending.FailAll("runner superseded")
		}
		h.runner = c
		admitted = true
		h.appendAudit("runner", "runner.connected", "")
	})
	if !ok || !admitted {
		c.closeWith(ws.CloseUpgradeRejected, "invalid runner token")
		return
	}

	go c.writePump()
	go c.readPump(
		func(raw []byte) { h.post(func() { h.handleRunnerFrame(c, raw) }) },
		func(err error) { h.post(func() { h.runnerDisconnected(c, err) }) },
	)

	h.post(func() {
		if h.runner != c {
			return
		}
		h.setStatus(v1.SessionRunning)
		h.dispatchNext()
	})
}

func (h *Holder) runnerDisconnected(c *conn, err error) {
	if h.runner != c {
		// A superseded runner going away is not a state change.
		return
	}
	h.runner = nil
	h.inFlight = nil
	h.steering = false
	h.open = nil
	h.streamBuf = ""
	h.pending.FailAll("runner disconnected")

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		h.setStatus(v1.SessionIdle)
	} else {
		reason := ""
		if err != nil {
			reason = err.Error()
		}
		h.log.Warn("Runner socket closed abnormally", zap.String("reason", reason))
		h.setStatus(v1.SessionError)
	}
	if h.queue.Len() > 0 {
		h.setAgentStatus(v1.AgentQueued, "")
	}
}

// SubmitPrompt enqueues a prompt on behalf of a channel adapter or an HTTP
// route. The journal gains a user message immediately.
func (h *Holder) SubmitPrompt(p QueuedPrompt) {
	h.post(func() { h.acceptPrompt(p) })
}

// Answer resolves a pending question from outside a socket (channel
// adapters answering on behalf of their users).
func (h *Holder) Answer(questionID, answer string) {
	h.post(func() { h.resolveQuestion(questionID, answer) })
}

// Request performs a correlated round-trip to the attached runner. The
// deadline follows the operation class. Callers block outside the holder
// loop.
func (h *Holder) Request(ctx context.Context, op string, payload []byte) (ws.RunnerResponseFrame, error) {
	requestID := uuid.NewString()
	var ch <-chan requestResult
	var attachErr error

	h.call(func() {
		if h.runner == nil {
			attachErr = apperr.Upstream(0, "", "no runner attached to session %s", h.sessionID)
			return
		}
		ch = h.pending.Add(requestID, ws.RequestDeadline(op))
		h.runner.enqueueFrame(ws.RunnerRequestFrame{
			Type:      ws.TypeRunnerRequest,
			RequestID: requestID,
			Op:        op,
			Payload:   payload,
		})
	})
	if attachErr != nil {
		return ws.RunnerResponseFrame{}, attachErr
	}

	select {
	case <-ctx.Done():
		return ws.RunnerResponseFrame{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return ws.RunnerResponseFrame{}, res.Err
		}
		if !res.Resp.OK {
			return res.Resp, apperr.Upstream(0, res.Resp.Error, "runner rejected %s", op)
		}
		return res.Resp, nil
	}
}

// ExecuteWorkflowStep runs one workflow step prompt on the attached runner
// and waits for the correlated response. Step prompts run far longer than
// API round-trips, so the caller supplies the deadline.
func (h *Holder) ExecuteWorkflowStep(ctx context.Context, frame ws.WorkflowExecuteFrame, deadline time.Duration) (ws.RunnerResponseFrame, error) {
	frame.Type = ws.TypeWorkflowExecute
	frame.RequestID = uuid.NewString()
	var ch <-chan requestResult
	var attachErr error

	h.call(func() {
		if h.runner == nil {
			attachErr = apperr.Upstream(0, "", "no runner attached to session %s", h.sessionID)
			return
		}
		ch = h.pending.Add(frame.RequestID, deadline)
		h.runner.enqueueFrame(frame)
	})
	if attachErr != nil {
		return ws.RunnerResponseFrame{}, attachErr
	}

	select {
	case <-ctx.Done():
		return ws.RunnerResponseFrame{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return ws.RunnerResponseFrame{}, res.Err
		}
		if !res.Resp.OK {
			return res.Resp, apperr.Upstream(0, res.Resp.Error, "runner failed step %s", frame.StepID)
		}
		return res.Resp, nil
	}
}

// SendToRunner delivers a one-way frame to the attached runner, reporting
// whether a runner was attached.
func (h *Holder) SendToRunner(frame any) bool {
	delivered := false
	h.call(func() {
		if h.runner != nil {
			h.runner.enqueueFrame(frame)
			delivered = true
		}
	})
	return delivered
}

// SetStatus transitions the session status from outside the loop.
func (h *Holder) SetStatus(status v1.SessionStatus) {
	h.post(func() { h.setStatus(status) })
}

// --- loop-side helpers below; must only run on the inbox goroutine ---

func (h *Holder) sendInit(c *conn) {
	ctx := context.Background()
	msgs, err := h.journal.List(ctx, h.sessionID)
	if err != nil {
		h.log.Error("Failed to load journal for init", zap.Error(err))
		msgs = nil
	}
	if h.open != nil {
		msgs = overlayOpenMessage(msgs, *h.open)
	}
	participants, err := h.store.ListParticipants(ctx, h.sessionID)
	if err != nil {
		h.log.Error("Failed to load participants for init", zap.Error(err))
	}
	c.enqueueFrame(ws.InitFrame{
		Type:               ws.TypeInit,
		Session:            h.sess,
		Messages:           msgs,
		AgentStatus:        h.agentStatus,
		QueuedPrompts:      h.queue.Snapshot(),
		PendingQuestions:   append([]v1.Question(nil), h.questions...),
		Participants:       participants,
		ChildSessionEvents: append([]ws.ChildSessionEvent(nil), h.childEvents...),
		AuditLog:           append([]ws.AuditEntry(nil), h.audit...),
		GitState:           h.gitState,
	})
}

// overlayOpenMessage substitutes the in-memory streaming head for its
// persisted row so new clients see accumulated text.
func overlayOpenMessage(msgs []journal.Message, open journal.Message) []journal.Message {
	for i := range msgs {
		if msgs[i].ID == open.ID {
			msgs[i] = open
			return msgs
		}
	}
	return append(msgs, open)
}

// broadcast fans a frame out to every client and channel socket.
func (h *Holder) broadcast(frame any) {
	data, err := ws.Marshal(frame)
	if err != nil {
		h.log.Error("Failed to marshal broadcast frame", zap.Error(err))
		return
	}
	for c := range h.clients {
		c.enqueue(data)
	}
	for c := range h.channelConns {
		c.enqueue(data)
	}
}

// broadcastToChannel additionally addresses adapter sockets bound to one
// (channelType, channelId) pair.
func (h *Holder) broadcastToChannel(channelType, channelID string, frame any) {
	data, err := ws.Marshal(frame)
	if err != nil {
		return
	}
	for c := range h.channelConns {
		if c.chType == channelType && c.chID == channelID {
			c.enqueue(data)
		}
	}
}

func (h *Holder) setStatus(status v1.SessionStatus) {
	if h.sess.Status == status {
		return
	}
	if h.sess.Status.IsTerminal() {
		return
	}
	h.sess.Status = status
	if err := h.store.UpdateStatus(context.Background(), h.sessionID, status); err != nil {
		h.log.Error("Failed to persist session status", zap.Error(err))
	}
	h.broadcast(ws.StatusFrame{Type: ws.TypeStatus, Status: status})
	h.publishEvent(bus.SubjectSessionStatus, map[string]interface{}{
		"session_id": h.sessionID,
		"status":     string(status),
	})

	// Terminal statuses and error clear any streaming markers and force
	// the agent out of its active state.
	switch {
	case status == v1.SessionError:
		h.streamBuf = ""
		h.open = nil
		h.setAgentStatus(v1.AgentError, "")
	case status.IsTerminal():
		h.streamBuf = ""
		h.open = nil
		h.setAgentStatus(v1.AgentIdle, "")
	}
}

func (h *Holder) setAgentStatus(status v1.AgentStatus, detail string) {
	if h.agentStatus == status {
		return
	}
	h.agentStatus = status
	h.broadcast(ws.AgentStatusFrame{Type: ws.TypeAgentStatus, Status: status, Detail: detail})
	h.publishEvent(bus.SubjectAgentStatus, map[string]interface{}{
		"session_id":   h.sessionID,
		"agent_status": string(status),
	})
}

func (h *Holder) publishEvent(subject string, data map[string]interface{}) {
	if h.bus == nil {
		return
	}
	evt := bus.NewEvent(subject, "session-holder", data)
	if err := h.bus.Publish(context.Background(), subject+"."+h.sessionID, evt); err != nil {
		h.log.Warn("Failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}

func (h *Holder) appendAudit(actor, action, detail string) {
	entry := ws.AuditEntry{
		ID:        uuid.NewString(),
		Actor:     actor,
		Action:    action,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.store.AppendAudit(context.Background(), h.sessionID, entry); err != nil {
		h.log.Error("Failed to persist audit entry", zap.Error(err))
	}
	h.audit = append(h.audit, entry)
	if len(h.audit) > maxAuditEntries {
		h.audit = h.audit[len(h.audit)-maxAuditEntries:]
	}
	h.broadcast(ws.AuditLogFrame{Type: ws.TypeAuditLog, Entry: entry})
}

func (h *Holder) acceptPrompt(p QueuedPrompt) {
	now := time.Now().UTC()
	res := h.queue.Enqueue(p, now)
	ctx := context.Background()

	switch {
	case res.Fused != nil:
		if err := h.store.UpdatePromptContent(ctx, res.Fused.ID, res.Fused.Content, res.Fused.EnqueuedAt); err != nil {
			h.log.Error("Failed to persist fused prompt", zap.Error(err))
		}
	case res.Added != nil:
		if err := h.store.EnqueuePrompt(ctx, h.sessionID, *res.Added); err != nil {
			h.log.Error("Failed to persist queued prompt", zap.Error(err))
		}
		// The journal gains the user message immediately, even while queued.
		msg := journal.Message{
			ID:          uuid.NewString(),
			SessionID:   h.sessionID,
			Role:        v1.RoleUser,
			Content:     res.Added.Content,
			Author:      res.Added.Author,
			ChannelType: res.Added.ChannelType,
			ChannelID:   res.Added.ChannelID,
			Format:      v1.FormatV2,
			CreatedAt:   now,
		}
		if err := h.journal.Append(ctx, msg); err != nil {
			h.log.Error("Failed to append user message", zap.Error(err))
		}
		h.broadcast(ws.MessageFrame{Type: ws.TypeMessage, Message: msg})
		h.publishEvent(bus.SubjectSessionMessage, map[string]interface{}{
			"session_id": h.sessionID,
			"message_id": msg.ID,
			"role":       string(msg.Role),
		})
	}

	_ = h.store.Touch(ctx, h.sessionID)

	if res.Steer && h.inFlight != nil && h.runner != nil {
		// Interrupt the running prompt; dispatch resumes when the runner
		// acknowledges with an aborted result.
		h.steering = true
		h.streamBuf = ""
		h.runner.enqueueFrame(ws.StopFrame{Type: ws.TypeStop, Reason: "steer"})
		return
	}
	h.dispatchNext()
}

// dispatchNext forwards the queue head when the runner is attached, nothing
// is in flight, and no steer abort is outstanding.
func (h *Holder) dispatchNext() {
	if h.runner == nil {
		if h.queue.Len() > 0 {
			h.setAgentStatus(v1.AgentQueued, "")
		}
		return
	}
	if h.inFlight != nil || h.steering {
		return
	}
	head, ok := h.queue.Dequeue()
	if !ok {
		return
	}
	if err := h.store.DeletePrompt(context.Background(), head.ID); err != nil {
		h.log.Error("Failed to remove dispatched prompt", zap.Error(err))
	}
	h.inFlight = &head
	h.runner.enqueueFrame(ws.PromptFrame{
		Type:             ws.TypePrompt,
		Content:          head.Content,
		Model:            head.Model,
		Attachments:      head.Attachments,
		QueueMode:        head.QueueMode,
		ModelPreferences: head.ModelPreferences,
		ChannelType:      head.ChannelType,
		ChannelID:        head.ChannelID,
	})
	h.setAgentStatus(v1.AgentThinking, "")
}

func (h *Holder) resolveQuestion(questionID, answer string) {
	idx := -1
	for i := range h.questions {
		if h.questions[i].QuestionID == questionID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	h.questions = append(h.questions[:idx], h.questions[idx+1:]...)
	if err := h.store.DeleteQuestion(context.Background(), questionID); err != nil {
		h.log.Error("Failed to delete answered question", zap.Error(err))
	}
	if h.runner != nil {
		h.runner.enqueueFrame(ws.AnswerFrame{Type: ws.TypeAnswer, QuestionID: questionID, Answer: answer})
	}
	h.broadcast(statusEvent("questionResolved", questionID))
}

func (h *Holder) expireQuestions(now time.Time) {
	var kept []v1.Question
	for _, q := range h.questions {
		if q.ExpiresAt != nil && q.ExpiresAt.Before(now) {
			if err := h.store.DeleteQuestion(context.Background(), q.QuestionID); err != nil {
				h.log.Error("Failed to delete expired question", zap.Error(err))
			}
			h.broadcast(statusEvent("questionExpired", q.QuestionID))
			continue
		}
		kept = append(kept, q)
	}
	h.questions = kept
}

// statusEvent is the small question-lifecycle announcement shape.
type questionStatusFrame struct {
	Type       string `json:"type"`
	Event      string `json:"event"`
	QuestionID string `json:"questionId"`
}

func statusEvent(event, questionID string) questionStatusFrame {
	return questionStatusFrame{Type: ws.TypeStatus, Event: event, QuestionID: questionID}
}
