// Package ops serves the runner-request operations that need control-plane
// services beyond the session store: child session lifecycle, pull
// requests, the workflow/trigger/execution API, channel replies, and the
// cross-session message projection.
package ops

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/kitehq/kite/internal/channels"
	"github.com/kitehq/kite/internal/common/apperr"
	"github.com/kitehq/kite/internal/common/logger"
	"github.com/kitehq/kite/internal/github"
	"github.com/kitehq/kite/internal/journal"
	"github.com/kitehq/kite/internal/session"
	"github.com/kitehq/kite/internal/trigger"
	"github.com/kitehq/kite/internal/workflow"
	v1 "github.com/kitehq/kite/pkg/api/v1"
	"github.com/kitehq/kite/pkg/ws"
)

const defaultMessageLimit = 50

// Options carries the deployment-level knobs.
type Options struct {
	// GatewayBaseURL, when set, is prefixed to spawned child session ids to
	// form the gateway URL handed back to the parent runner.
	GatewayBaseURL string

	// Personas are the configured agent presets served by list-personas.
	Personas []ws.PersonaInfo
}

// Service implements session.RunnerOps.
type Service struct {
	sessions   *session.Registry
	journal    *journal.Store
	workflows  *workflow.Store
	triggers   *trigger.Store
	dispatcher *trigger.Dispatcher
	channels   *channels.Dispatcher
	github     *github.Service
	opts       Options
	log        *logger.Logger
}

// NewService wires the op handlers.
func NewService(
	sessions *session.Registry,
	jstore *journal.Store,
	workflows *workflow.Store,
	triggers *trigger.Store,
	dispatcher *trigger.Dispatcher,
	channelDispatcher *channels.Dispatcher,
	githubService *github.Service,
	opts Options,
	log *logger.Logger,
) *Service {
	return &Service{
		sessions:   sessions,
		journal:    jstore,
		workflows:  workflows,
		triggers:   triggers,
		dispatcher: dispatcher,
		channels:   channelDispatcher,
		github:     githubService,
		opts:       opts,
		log:        log.WithFields(zap.String("component", "runner_ops")),
	}
}

// Handle dispatches one runner request. The returned payload is marshaled
// into the response frame; errors surface to the runner as error strings.
func (s *Service) Handle(ctx context.Context, sess v1.Session, req ws.RunnerRequestFrame) (any, error) {
	switch req.Op {
	case ws.OpSpawnChild:
		return s.spawnChild(ctx, sess, req.Payload)
	case ws.OpTerminateChild:
		return s.terminateChild(ctx, sess, req.Payload)
	case ws.OpCreatePR:
		return s.createPR(ctx, sess, req.Payload)
	case ws.OpUpdatePR:
		return s.updatePR(ctx, sess, req.Payload)
	case ws.OpWorkflowList:
		return s.workflows.ListWorkflows(ctx, sess.UserID)
	case ws.OpWorkflowGet:
		var in ws.WorkflowGetRequest
		if err := ws.Decode(req.Payload, &in); err != nil {
			return nil, apperr.Validation("malformed payload: %v", err)
		}
		return s.workflows.GetWorkflow(ctx, in.WorkflowID, sess.UserID)
	case ws.OpWorkflowRun:
		return s.runWorkflow(ctx, sess, req.Payload)
	case ws.OpTriggerList:
		triggers, err := s.triggers.List(ctx, sess.UserID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"triggers": triggers}, nil
	case ws.OpExecutionGet:
		return s.getExecution(ctx, sess, req.Payload)
	case ws.OpChannelReply:
		return s.channelReply(ctx, req.Payload)
	case ws.OpSessionMessages:
		return s.sessionMessages(ctx, sess, req.Payload)
	case ws.OpListRepos:
		return s.listRepos(ctx, sess)
	case ws.OpListPersonas:
		return ws.ListPersonasResponse{Personas: s.opts.Personas}, nil
	default:
		return nil, apperr.Validation("operation not supported: %s", req.Op)
	}
}

func (s *Service) spawnChild(ctx context.Context, sess v1.Session, payload []byte) (any, error) {
	var in ws.SpawnChildRequest
	if err := ws.Decode(payload, &in); err != nil {
		return nil, apperr.Validation("malformed payload: %v", err)
	}
	if in.Task == "" {
		return nil, apperr.Validation("task is required")
	}
	workspace := in.Workspace
	if workspace == "" {
		workspace = sess.Workspace
	}
	child, _, err := s.sessions.CreateSession(ctx, v1.Session{
		UserID:    sess.UserID,
		Workspace: workspace,
		Purpose:   v1.PurposeInteractive,
		ParentID:  sess.ID,
		PersonaID: in.PersonaID,
		Title:     in.Task,
	})
	if err != nil {
		return nil, err
	}

	// Hand the task to the child as its first prompt; it runs when the
	// child's runner attaches.
	holder, err := s.sessions.Get(ctx, child.ID)
	if err != nil {
		return nil, err
	}
	holder.SubmitPrompt(session.QueuedPrompt{Content: in.Task, QueueMode: ws.QueueFollowup})

	s.log.Info("Spawned child session",
		zap.String("parent_id", sess.ID), zap.String("child_id", child.ID))
	return ws.SpawnChildResponse{
		SessionID:  child.ID,
		GatewayURL: s.gatewayURL(child.ID),
	}, nil
}

func (s *Service) gatewayURL(sessionID string) string {
	if s.opts.GatewayBaseURL == "" {
		return ""
	}
	return strings.TrimSuffix(s.opts.GatewayBaseURL, "/") + "/" + sessionID
}

func (s *Service) terminateChild(ctx context.Context, sess v1.Session, payload []byte) (any, error) {
	var in ws.TerminateChildRequest
	if err := ws.Decode(payload, &in); err != nil {
		return nil, apperr.Validation("malformed payload: %v", err)
	}
	child, err := s.sessions.Store().Get(ctx, in.SessionID)
	if err != nil {
		return nil, err
	}
	// A session may terminate its own children only.
	if child.ParentID != sess.ID {
		return nil, apperr.NotFound("session %s not found", in.SessionID)
	}
	if err := s.sessions.Store().UpdateStatus(ctx, child.ID, v1.SessionTerminated); err != nil {
		return nil, err
	}
	s.sessions.Release(child.ID)
	s.log.Info("Terminated child session",
		zap.String("parent_id", sess.ID), zap.String("child_id", child.ID))
	return map[string]bool{"ok": true}, nil
}

// repoForSession resolves owner/repo from the remote URL the runner last
// reported in its git state.
func (s *Service) repoForSession(ctx context.Context, sessionID string) (owner, repo, branch string, err error) {
	state, err := s.sessions.Store().LoadGitState(ctx, sessionID)
	if err != nil {
		return "", "", "", err
	}
	if state == nil || state.RemoteURL == "" {
		return "", "", "", apperr.Validation("session has not reported a git remote")
	}
	owner, repo, err = github.ParseRemote(state.RemoteURL)
	if err != nil {
		return "", "", "", apperr.Validation("unrecognized git remote %q", state.RemoteURL)
	}
	return owner, repo, state.Branch, nil
}

func (s *Service) createPR(ctx context.Context, sess v1.Session, payload []byte) (any, error) {
	var in ws.CreatePRRequest
	if err := ws.Decode(payload, &in); err != nil {
		return nil, apperr.Validation("malformed payload: %v", err)
	}
	if in.Title == "" {
		return nil, apperr.Validation("title is required")
	}
	owner, repo, branch, err := s.repoForSession(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	if in.Branch != "" {
		branch = in.Branch
	}
	if branch == "" {
		return nil, apperr.Validation("no branch to open a pull request from")
	}
	base := in.Base
	if base == "" {
		base = "main"
	}
	client, err := s.github.ClientFor(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}
	pr, err := client.CreatePR(ctx, owner, repo, github.CreatePRInput{
		Title:  in.Title,
		Body:   in.Body,
		Branch: branch,
		Base:   base,
		Draft:  in.Draft,
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUpstream, err, "pull request creation failed")
	}
	return ws.CreatePRResponse{URL: pr.HTMLURL, Number: pr.Number}, nil
}

func (s *Service) updatePR(ctx context.Context, sess v1.Session, payload []byte) (any, error) {
	var in ws.UpdatePRRequest
	if err := ws.Decode(payload, &in); err != nil {
		return nil, apperr.Validation("malformed payload: %v", err)
	}
	if in.Number == 0 {
		return nil, apperr.Validation("number is required")
	}
	owner, repo, _, err := s.repoForSession(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	client, err := s.github.ClientFor(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}
	pr, err := client.UpdatePR(ctx, owner, repo, in.Number, github.UpdatePRInput{
		Title: in.Title,
		Body:  in.Body,
		State: in.State,
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUpstream, err, "pull request update failed")
	}
	return ws.CreatePRResponse{URL: pr.HTMLURL, Number: pr.Number}, nil
}

func (s *Service) runWorkflow(ctx context.Context, sess v1.Session, payload []byte) (any, error) {
	var in ws.WorkflowRunRequest
	if err := ws.Decode(payload, &in); err != nil {
		return nil, apperr.Validation("malformed payload: %v", err)
	}
	if in.WorkflowID == "" {
		return nil, apperr.Validation("workflowId is required")
	}
	outcome, err := s.dispatcher.RunFromSession(ctx, sess, in.WorkflowID, in.ClientRequestID, in.Variables)
	if err != nil {
		// A replayed clientRequestId is a success from the runner's side.
		if hit, ok := apperr.AsIdempotencyHit(err); ok {
			return ws.WorkflowRunResponse{
				ExecutionID:  hit.ExecutionID,
				Status:       hit.Status,
				Deduplicated: true,
			}, nil
		}
		return nil, err
	}
	return ws.WorkflowRunResponse{ExecutionID: outcome.ExecutionID, Status: outcome.Status}, nil
}

func (s *Service) getExecution(ctx context.Context, sess v1.Session, payload []byte) (any, error) {
	var in ws.ExecutionGetRequest
	if err := ws.Decode(payload, &in); err != nil {
		return nil, apperr.Validation("malformed payload: %v", err)
	}
	exec, err := s.workflows.GetExecution(ctx, in.ExecutionID)
	if err != nil {
		return nil, err
	}
	if exec.UserID != sess.UserID {
		return nil, apperr.NotFound("execution %s not found", in.ExecutionID)
	}
	steps, err := s.workflows.ListSteps(ctx, exec.ID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"execution": exec, "steps": steps}, nil
}

func (s *Service) channelReply(ctx context.Context, payload []byte) (any, error) {
	var in ws.ChannelReplyRequest
	if err := ws.Decode(payload, &in); err != nil {
		return nil, apperr.Validation("malformed payload: %v", err)
	}
	if in.ChannelType == "" || in.Text == "" {
		return nil, apperr.Validation("channelType and text are required")
	}
	if err := s.channels.Deliver(ctx, in.ChannelType, in.ChannelID, in.Text); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

// sessionMessages returns the narrow {role, content, createdAt} projection
// of another session's conversation. Authoring metadata stays behind the
// control plane.
func (s *Service) sessionMessages(ctx context.Context, sess v1.Session, payload []byte) (any, error) {
	var in ws.SessionMessagesRequest
	if err := ws.Decode(payload, &in); err != nil {
		return nil, apperr.Validation("malformed payload: %v", err)
	}
	target, err := s.sessions.Store().GetVisible(ctx, in.SessionID, sess.UserID)
	if err != nil {
		return nil, err
	}
	messages, err := s.journal.List(ctx, target.ID)
	if err != nil {
		return nil, err
	}
	limit := in.Limit
	if limit <= 0 || limit > 200 {
		limit = defaultMessageLimit
	}
	if len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	out := make([]ws.SessionMessageSummary, 0, len(messages))
	for _, m := range messages {
		out = append(out, ws.SessionMessageSummary{
			Role:      string(m.Role),
			Content:   m.Content,
			CreatedAt: m.CreatedAt,
		})
	}
	return ws.SessionMessagesResponse{Messages: out}, nil
}

func (s *Service) listRepos(ctx context.Context, sess v1.Session) (any, error) {
	client, err := s.github.ClientFor(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}
	repos, err := client.ListRepos(ctx, 0)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUpstream, err, "repository listing failed")
	}
	out := make([]ws.RepoInfo, 0, len(repos))
	for _, r := range repos {
		out = append(out, ws.RepoInfo{
			FullName: r.FullName,
			Owner:    r.Owner,
			Name:     r.Name,
			Private:  r.Private,
		})
	}
	return ws.ListReposResponse{Repos: out}, nil
}
