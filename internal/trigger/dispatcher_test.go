package trigger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/kitehq/kite/internal/common/apperr"
	"github.com/kitehq/kite/internal/common/logger"
	"github.com/kitehq/kite/internal/db/dbtest"
	"github.com/kitehq/kite/internal/events/bus"
	"github.com/kitehq/kite/internal/journal"
	"github.com/kitehq/kite/internal/session"
	"github.com/kitehq/kite/internal/workflow"
	v1 "github.com/kitehq/kite/pkg/api/v1"
)

type dispatcherFixture struct {
	triggers   *Store
	workflows  *workflow.Store
	sessions   *session.Registry
	dispatcher *Dispatcher
}

func newDispatcherFixture(t *testing.T, limits Limits) *dispatcherFixture {
	t.Helper()
	log := logger.Default()
	pool := dbtest.NewPool(t)

	sessStore, err := session.NewStore(pool)
	require.NoError(t, err)
	jStore, err := journal.NewStore(pool)
	require.NoError(t, err)
	wfStore, err := workflow.NewStore(pool)
	require.NoError(t, err)
	trStore, err := NewStore(pool)
	require.NoError(t, err)

	sessions := session.NewRegistry(sessStore, jStore, bus.NewMemoryEventBus(log), log, session.HolderOptions{})
	t.Cleanup(sessions.Close)

	executor := workflow.NewExecutor(wfStore, sessions, log, workflow.ExecutorOptions{})
	return &dispatcherFixture{
		triggers:   trStore,
		workflows:  wfStore,
		sessions:   sessions,
		dispatcher: NewDispatcher(trStore, wfStore, executor, sessions, limits, log),
	}
}

const shipDoc = `
name: ship
steps:
  - id: emit
    type: script
    expr: '"ok"'
    output: result
`

func (f *dispatcherFixture) createWorkflow(t *testing.T, userID string) workflow.Workflow {
	t.Helper()
	wf, err := f.workflows.CreateWorkflow(context.Background(), userID, shipDoc)
	require.NoError(t, err)
	return wf
}

func TestDispatcherRunsWorkflowManually(t *testing.T) {
	f := newDispatcherFixture(t, Limits{})
	ctx := context.Background()
	wf := f.createWorkflow(t, "u1")

	outcome, err := f.dispatcher.RunManual(ctx, "u1", wf.ID, "crid-1", map[string]any{"n": 4})
	require.NoError(t, err)
	require.NotEmpty(t, outcome.ExecutionID)
	require.NotEmpty(t, outcome.SessionID)
	assert.Equal(t, string(v1.ExecutionPending), outcome.Status)
	assert.False(t, outcome.Deduplicated)
	assert.False(t, outcome.RetryNeeded)

	exec, err := f.workflows.GetExecution(ctx, outcome.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, "manual", exec.TriggerType)
	assert.Equal(t, workflow.Hash(wf.Data), exec.WorkflowHash)
	assert.Equal(t, wf.Version, exec.WorkflowVersion)
	assert.EqualValues(t, 4, exec.Variables["n"])
	assert.Equal(t, outcome.SessionID, exec.SessionID)
}

func TestDispatcherManualRunsDeduplicate(t *testing.T) {
	f := newDispatcherFixture(t, Limits{})
	ctx := context.Background()
	wf := f.createWorkflow(t, "u1")

	first, err := f.dispatcher.RunManual(ctx, "u1", wf.ID, "crid-1", nil)
	require.NoError(t, err)

	_, err = f.dispatcher.RunManual(ctx, "u1", wf.ID, "crid-1", nil)
	require.Error(t, err)
	hit, ok := apperr.AsIdempotencyHit(err)
	require.True(t, ok)
	assert.Equal(t, first.ExecutionID, hit.ExecutionID)

	execs, err := f.workflows.ListExecutions(ctx, "u1", wf.ID, 0)
	require.NoError(t, err)
	assert.Len(t, execs, 1)
}

func TestDispatcherRejectsAtConcurrencyLimit(t *testing.T) {
	f := newDispatcherFixture(t, Limits{PerUser: 1})
	ctx := context.Background()
	wf := f.createWorkflow(t, "u1")

	_, err := f.dispatcher.RunManual(ctx, "u1", wf.ID, "crid-1", nil)
	require.NoError(t, err)

	_, err = f.dispatcher.RunManual(ctx, "u1", wf.ID, "crid-2", nil)
	require.Error(t, err)
	var appErr *apperr.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, apperr.KindConcurrency, appErr.Kind)
	assert.Equal(t, 1, appErr.ActiveUser)
	assert.Equal(t, 1, appErr.Limit)
}

func TestDispatcherRejectsDisabledWorkflow(t *testing.T) {
	f := newDispatcherFixture(t, Limits{})
	ctx := context.Background()
	wf := f.createWorkflow(t, "u1")
	require.NoError(t, f.workflows.SetEnabled(ctx, wf.ID, "u1", false))

	_, err := f.dispatcher.RunManual(ctx, "u1", wf.ID, "crid-1", nil)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func (f *dispatcherFixture) createWebhook(t *testing.T, wf workflow.Workflow) v1.Trigger {
	t.Helper()
	tr, err := f.triggers.Create(context.Background(), v1.Trigger{
		UserID:     "u1",
		WorkflowID: wf.ID,
		Name:       "deploy hook",
		Enabled:    true,
		Type:       v1.TriggerWebhook,
		Config:     v1.TriggerConfig{Path: "deploy", Method: "POST", Secret: "s3cret"},
		VariableMapping: map[string]string{
			"branch": "$.ref",
			"author": "$.commits[0].author",
			"absent": "$.nothing.here",
		},
	})
	require.NoError(t, err)
	return tr
}

func TestWebhookDispatchMapsVariables(t *testing.T) {
	f := newDispatcherFixture(t, Limits{})
	ctx := context.Background()
	wf := f.createWorkflow(t, "u1")
	tr := f.createWebhook(t, wf)

	body := []byte(`{"ref": "main", "commits": [{"author": "ann"}]}`)
	outcome, err := f.dispatcher.HandleWebhook(ctx, "u1", "deploy", "POST", "dlv-1", "s3cret", body)
	require.NoError(t, err)
	require.NotEmpty(t, outcome.ExecutionID)

	exec, err := f.workflows.GetExecution(ctx, outcome.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, "main", exec.Variables["branch"])
	assert.Equal(t, "ann", exec.Variables["author"])
	assert.Nil(t, exec.Variables["absent"])
	assert.Equal(t, tr.ID, exec.TriggerID)
	assert.Equal(t, "webhook", exec.TriggerType)

	ran, err := f.triggers.Get(ctx, tr.ID, "u1")
	require.NoError(t, err)
	assert.NotNil(t, ran.LastRunAt)
}

func TestWebhookDeliveryIDDeduplicates(t *testing.T) {
	f := newDispatcherFixture(t, Limits{})
	ctx := context.Background()
	wf := f.createWorkflow(t, "u1")
	f.createWebhook(t, wf)

	first, err := f.dispatcher.HandleWebhook(ctx, "u1", "deploy", "POST", "dlv-1", "s3cret", nil)
	require.NoError(t, err)

	_, err = f.dispatcher.HandleWebhook(ctx, "u1", "deploy", "POST", "dlv-1", "s3cret", nil)
	require.Error(t, err)
	hit, ok := apperr.AsIdempotencyHit(err)
	require.True(t, ok)
	assert.Equal(t, first.ExecutionID, hit.ExecutionID)
}

func TestWebhookRejections(t *testing.T) {
	f := newDispatcherFixture(t, Limits{})
	ctx := context.Background()
	wf := f.createWorkflow(t, "u1")
	tr := f.createWebhook(t, wf)

	_, err := f.dispatcher.HandleWebhook(ctx, "u1", "deploy", "POST", "dlv-1", "wrong", nil)
	assert.True(t, apperr.Is(err, apperr.KindPermission))

	_, err = f.dispatcher.HandleWebhook(ctx, "u1", "deploy", "GET", "dlv-2", "s3cret", nil)
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = f.dispatcher.HandleWebhook(ctx, "u1", "missing", "POST", "dlv-3", "s3cret", nil)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	tr.Enabled = false
	_, err = f.triggers.Update(ctx, tr)
	require.NoError(t, err)
	_, err = f.dispatcher.HandleWebhook(ctx, "u1", "deploy", "POST", "dlv-4", "s3cret", nil)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestWebhookIngressRateLimit(t *testing.T) {
	f := newDispatcherFixture(t, Limits{WebhookRate: rate.Every(time.Hour), WebhookBurst: 1})
	ctx := context.Background()
	wf := f.createWorkflow(t, "u1")
	f.createWebhook(t, wf)

	_, err := f.dispatcher.HandleWebhook(ctx, "u1", "deploy", "POST", "dlv-1", "s3cret", nil)
	require.NoError(t, err)

	_, err = f.dispatcher.HandleWebhook(ctx, "u1", "deploy", "POST", "dlv-2", "s3cret", nil)
	assert.True(t, apperr.Is(err, apperr.KindConcurrency))
}

func (f *dispatcherFixture) createOrchestratorSchedule(t *testing.T) v1.Trigger {
	t.Helper()
	tr, err := f.triggers.Create(context.Background(), v1.Trigger{
		UserID:  "u1",
		Name:    "standup",
		Enabled: true,
		Type:    v1.TriggerSchedule,
		Config: v1.TriggerConfig{
			Cron:   "0 9 * * 1-5",
			Target: v1.TargetOrchestrator,
			Prompt: "summarize open tasks",
		},
	})
	require.NoError(t, err)
	return tr
}

func TestSchedulePromptsOrchestrator(t *testing.T) {
	f := newDispatcherFixture(t, Limits{})
	ctx := context.Background()

	sess, _, err := f.sessions.CreateSession(ctx, v1.Session{UserID: "u1", Purpose: v1.PurposeOrchestrator})
	require.NoError(t, err)
	tr := f.createOrchestratorSchedule(t)

	outcome, err := f.dispatcher.Fire(ctx, tr, "schedule:test:1", nil, map[string]any{"source": "schedule"})
	require.NoError(t, err)
	assert.Equal(t, sess.ID, outcome.SessionID)
	assert.Equal(t, "queued", outcome.Status)
	assert.Empty(t, outcome.ExecutionID)

	ran, err := f.triggers.Get(ctx, tr.ID, "u1")
	require.NoError(t, err)
	assert.NotNil(t, ran.LastRunAt)
}

func TestScheduleWithoutOrchestratorFailsWithoutMarkingRun(t *testing.T) {
	f := newDispatcherFixture(t, Limits{})
	ctx := context.Background()
	tr := f.createOrchestratorSchedule(t)

	_, err := f.dispatcher.Fire(ctx, tr, "schedule:test:1", nil, map[string]any{"source": "schedule"})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindConflict))

	got, err := f.triggers.Get(ctx, tr.ID, "u1")
	require.NoError(t, err)
	assert.Nil(t, got.LastRunAt)
}
