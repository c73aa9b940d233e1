package trigger

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/itchyny/gojq"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kitehq/kite/internal/common/apperr"
	"github.com/kitehq/kite/internal/common/logger"
	"github.com/kitehq/kite/internal/session"
	"github.com/kitehq/kite/internal/workflow"
	v1 "github.com/kitehq/kite/pkg/api/v1"
	"github.com/kitehq/kite/pkg/ws"
)

// Limits caps concurrently active executions. Zero means the default.
type Limits struct {
	PerUser int
	Global  int

	// Webhook ingress token bucket, per trigger.
	WebhookRate  rate.Limit
	WebhookBurst int
}

func (l Limits) withDefaults() Limits {
	if l.PerUser <= 0 {
		l.PerUser = 10
	}
	if l.Global <= 0 {
		l.Global = 100
	}
	if l.WebhookRate <= 0 {
		l.WebhookRate = rate.Every(time.Second)
	}
	if l.WebhookBurst <= 0 {
		l.WebhookBurst = 10
	}
	return l
}

// Outcome reports a dispatch that created (or re-used) an execution.
type Outcome struct {
	ExecutionID  string `json:"executionId,omitempty"`
	SessionID    string `json:"sessionId,omitempty"`
	Status       string `json:"status"`
	Deduplicated bool   `json:"deduplicated,omitempty"`
	RetryNeeded  bool   `json:"retryNeeded,omitempty"`
}

// Dispatcher routes trigger firings: admission control, idempotency, then
// either a workflow execution or a prompt into the user's orchestrator
// session.
type Dispatcher struct {
	triggers  *Store
	workflows *workflow.Store
	executor  *workflow.Executor
	sessions  *session.Registry
	limits    Limits
	log       *logger.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewDispatcher wires the dispatcher.
func NewDispatcher(triggers *Store, workflows *workflow.Store, executor *workflow.Executor, sessions *session.Registry, limits Limits, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		triggers:  triggers,
		workflows: workflows,
		executor:  executor,
		sessions:  sessions,
		limits:    limits.withDefaults(),
		log:       log.WithFields(zap.String("component", "trigger_dispatcher")),
		limiters:  make(map[string]*rate.Limiter),
	}
}

// admit rejects when either active-execution counter is at its cap.
func (d *Dispatcher) admit(ctx context.Context, userID string) error {
	activeUser, activeGlobal, err := d.workflows.CountActive(ctx, userID)
	if err != nil {
		return err
	}
	if activeUser >= d.limits.PerUser {
		return apperr.Concurrency(activeUser, activeGlobal, d.limits.PerUser)
	}
	if activeGlobal >= d.limits.Global {
		return apperr.Concurrency(activeUser, activeGlobal, d.limits.Global)
	}
	return nil
}

// RunManual dispatches a workflow directly. The same clientRequestId maps
// to the same execution.
func (d *Dispatcher) RunManual(ctx context.Context, userID, workflowID, clientRequestID string, variables map[string]any) (Outcome, error) {
	if clientRequestID == "" {
		clientRequestID = uuid.NewString()
	}
	key := fmt.Sprintf("manual:%s:%s:%s", workflowID, userID, clientRequestID)
	if err := d.admit(ctx, userID); err != nil {
		return Outcome{}, err
	}
	return d.dispatchWorkflow(ctx, userID, workflowID, nil, "user", key, variables, map[string]any{
		"source": "manual",
	})
}

// RunFromSession dispatches a workflow on behalf of an agent session
// (runner workflow-run op). Deduplication shares the manual key space so a
// retried op cannot double-start.
func (d *Dispatcher) RunFromSession(ctx context.Context, sess v1.Session, workflowID, clientRequestID string, variables map[string]any) (Outcome, error) {
	if clientRequestID == "" {
		clientRequestID = uuid.NewString()
	}
	key := fmt.Sprintf("manual:%s:%s:%s", workflowID, sess.UserID, clientRequestID)
	if err := d.admit(ctx, sess.UserID); err != nil {
		return Outcome{}, err
	}
	return d.dispatchWorkflow(ctx, sess.UserID, workflowID, nil, "agent", key, variables, map[string]any{
		"source":    "agent",
		"sessionId": sess.ID,
	})
}

// RunTrigger fires a trigger by hand, regardless of its type.
func (d *Dispatcher) RunTrigger(ctx context.Context, userID, triggerID, clientRequestID string, variables map[string]any) (Outcome, error) {
	tr, err := d.triggers.Get(ctx, triggerID, userID)
	if err != nil {
		return Outcome{}, err
	}
	if clientRequestID == "" {
		clientRequestID = uuid.NewString()
	}
	key := fmt.Sprintf("manual-trigger:%s:%s:%s", tr.ID, userID, clientRequestID)
	return d.Fire(ctx, tr, key, variables, map[string]any{
		"source":    "manual-trigger",
		"triggerId": tr.ID,
	})
}

// HandleWebhook resolves a webhook trigger by path and fires it with the
// delivery id as the idempotency discriminator. secret is the caller's
// X-Webhook-Secret header, checked only when the trigger configures one.
func (d *Dispatcher) HandleWebhook(ctx context.Context, userID, path, method, deliveryID, secret string, body []byte) (Outcome, error) {
	tr, err := d.triggers.FindWebhook(ctx, userID, path)
	if err != nil {
		return Outcome{}, err
	}
	if !tr.Enabled {
		return Outcome{}, apperr.NotFound("no webhook registered at %s", path)
	}
	if tr.Config.Secret != "" && subtle.ConstantTimeCompare([]byte(secret), []byte(tr.Config.Secret)) != 1 {
		return Outcome{}, apperr.Permission("webhook secret mismatch")
	}
	if !strings.EqualFold(method, tr.Config.Method) {
		return Outcome{}, apperr.Validation("webhook %s accepts %s, got %s", path, tr.Config.Method, method)
	}
	if !d.limiter(tr.ID).Allow() {
		return Outcome{}, apperr.Concurrency(0, 0, d.limits.WebhookBurst)
	}

	variables, err := d.applyMapping(tr.VariableMapping, body)
	if err != nil {
		return Outcome{}, err
	}
	if deliveryID == "" {
		deliveryID = uuid.NewString()
	}
	key := fmt.Sprintf("webhook:%s:%s", tr.ID, deliveryID)
	return d.Fire(ctx, tr, key, variables, map[string]any{
		"source":     "webhook",
		"triggerId":  tr.ID,
		"deliveryId": deliveryID,
	})
}

// Fire runs admission control and routes by the trigger's target.
func (d *Dispatcher) Fire(ctx context.Context, tr v1.Trigger, idempotencyKey string, variables map[string]any, metadata map[string]any) (Outcome, error) {
	if err := d.admit(ctx, tr.UserID); err != nil {
		return Outcome{}, err
	}
	if tr.Type == v1.TriggerSchedule && tr.Config.Target == v1.TargetOrchestrator {
		return d.dispatchOrchestrator(ctx, tr)
	}
	if tr.WorkflowID == "" {
		return Outcome{}, apperr.Validation("trigger %s has no workflow to run", tr.ID)
	}
	metadata["triggerType"] = string(tr.Type)
	return d.dispatchWorkflow(ctx, tr.UserID, tr.WorkflowID, &tr, "trigger", idempotencyKey, variables, metadata)
}

// dispatchOrchestrator posts the configured prompt into the user's
// orchestrator session. lastRunAt moves only when the post succeeds; a
// failed dispatch persists nothing.
func (d *Dispatcher) dispatchOrchestrator(ctx context.Context, tr v1.Trigger) (Outcome, error) {
	sess, err := d.sessions.Store().FindOrchestrator(ctx, tr.UserID)
	if err != nil {
		return Outcome{}, apperr.Wrap(apperr.KindConflict, err, "orchestrator dispatch failed")
	}
	holder, err := d.sessions.Get(ctx, sess.ID)
	if err != nil {
		return Outcome{}, apperr.Wrap(apperr.KindConflict, err, "orchestrator dispatch failed")
	}
	holder.SubmitPrompt(session.QueuedPrompt{
		Content:   tr.Config.Prompt,
		QueueMode: ws.QueueFollowup,
	})
	if err := d.triggers.MarkRun(ctx, tr.ID, time.Now().UTC()); err != nil {
		d.log.Error("Failed to record trigger run", zap.String("trigger_id", tr.ID), zap.Error(err))
	}
	d.log.Info("Posted schedule prompt to orchestrator",
		zap.String("trigger_id", tr.ID), zap.String("session_id", sess.ID))
	return Outcome{SessionID: sess.ID, Status: "queued"}, nil
}

// dispatchWorkflow snapshots the workflow, creates its session and
// execution row, and hands the execution to the worker pool. lastRunAt
// moves only when the enqueue succeeds; a full queue leaves the row
// pending with a retry flag.
func (d *Dispatcher) dispatchWorkflow(ctx context.Context, userID, workflowID string, tr *v1.Trigger, initiatorType, idempotencyKey string, variables, metadata map[string]any) (Outcome, error) {
	wf, err := d.workflows.GetWorkflow(ctx, workflowID, userID)
	if err != nil {
		return Outcome{}, err
	}
	if !wf.Enabled {
		return Outcome{}, apperr.Validation("workflow %s is disabled", workflowID)
	}

	sess, _, err := d.sessions.CreateSession(ctx, v1.Session{
		UserID:  wf.UserID,
		Purpose: v1.PurposeWorkflow,
		Title:   wf.Name,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to create workflow session: %w", err)
	}

	exec := v1.WorkflowExecution{
		WorkflowID:       wf.ID,
		UserID:           wf.UserID,
		Status:           v1.ExecutionPending,
		TriggerMetadata:  metadata,
		Variables:        variables,
		WorkflowVersion:  wf.Version,
		WorkflowHash:     workflow.Hash(wf.Data),
		WorkflowSnapshot: wf.Data,
		IdempotencyKey:   idempotencyKey,
		SessionID:        sess.ID,
		InitiatorType:    initiatorType,
		InitiatorUserID:  userID,
	}
	if tr != nil {
		exec.TriggerID = tr.ID
		exec.TriggerType = string(tr.Type)
	} else {
		exec.TriggerType = "manual"
	}

	created, err := d.workflows.CreateExecution(ctx, exec)
	if err != nil {
		// A duplicate key surfaces the prior row; the fresh session is
		// surplus and gets released.
		if _, ok := apperr.AsIdempotencyHit(err); ok {
			d.sessions.Release(sess.ID)
		}
		return Outcome{}, err
	}

	if err := d.executor.Enqueue(created.ID); err != nil {
		d.log.Warn("Executor queue full, leaving execution pending",
			zap.String("execution_id", created.ID), zap.Error(err))
		return Outcome{ExecutionID: created.ID, SessionID: sess.ID, Status: string(created.Status), RetryNeeded: true}, nil
	}
	if tr != nil {
		if err := d.triggers.MarkRun(ctx, tr.ID, time.Now().UTC()); err != nil {
			d.log.Error("Failed to record trigger run", zap.String("trigger_id", tr.ID), zap.Error(err))
		}
	}
	return Outcome{ExecutionID: created.ID, SessionID: sess.ID, Status: string(created.Status)}, nil
}

// applyMapping extracts variables from the trigger body via the
// `$.foo.bar` paths configured on the trigger. Paths that resolve to
// nothing yield null values rather than failing the dispatch.
func (d *Dispatcher) applyMapping(mapping map[string]string, body []byte) (map[string]any, error) {
	if len(mapping) == 0 {
		return nil, nil
	}
	var input any
	if len(body) > 0 {
		if err := json.Unmarshal(body, &input); err != nil {
			return nil, apperr.Validation("trigger body is not JSON: %v", err)
		}
	}

	variables := make(map[string]any, len(mapping))
	for name, path := range mapping {
		query, err := gojq.Parse(strings.TrimPrefix(path, "$"))
		if err != nil {
			return nil, apperr.Validation("variable %q has invalid path %q", name, path)
		}
		iter := query.Run(input)
		value, ok := iter.Next()
		if !ok {
			variables[name] = nil
			continue
		}
		if _, isErr := value.(error); isErr {
			variables[name] = nil
			continue
		}
		variables[name] = value
	}
	return variables, nil
}

func (d *Dispatcher) limiter(triggerID string) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	limiter, ok := d.limiters[triggerID]
	if !ok {
		limiter = rate.NewLimiter(d.limits.WebhookRate, d.limits.WebhookBurst)
		d.limiters[triggerID] = limiter
	}
	return limiter
}
