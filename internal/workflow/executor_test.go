package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kitehq/kite/internal/common/logger"
	"github.com/kitehq/kite/internal/db/dbtest"
	"github.com/kitehq/kite/internal/events/bus"
	"github.com/kitehq/kite/internal/journal"
	"github.com/kitehq/kite/internal/session"
	v1 "github.com/kitehq/kite/pkg/api/v1"
)

type executorFixture struct {
	store    *Store
	executor *Executor
	sessions *session.Registry
}

func newExecutorFixture(t *testing.T) *executorFixture {
	t.Helper()
	log := logger.Default()
	pool := dbtest.NewPool(t)

	sessStore, err := session.NewStore(pool)
	require.NoError(t, err)
	jStore, err := journal.NewStore(pool)
	require.NoError(t, err)
	store, err := NewStore(pool)
	require.NoError(t, err)

	sessions := session.NewRegistry(sessStore, jStore, bus.NewMemoryEventBus(log), log, session.HolderOptions{})
	t.Cleanup(sessions.Close)

	return &executorFixture{
		store:    store,
		executor: NewExecutor(store, sessions, log, ExecutorOptions{}),
		sessions: sessions,
	}
}

func (f *executorFixture) createExecution(t *testing.T, doc, key string) v1.WorkflowExecution {
	t.Helper()
	ctx := context.Background()
	wf, err := f.store.CreateWorkflow(ctx, "u1", doc)
	require.NoError(t, err)
	sess, _, err := f.sessions.CreateSession(ctx, v1.Session{UserID: "u1", Purpose: v1.PurposeWorkflow})
	require.NoError(t, err)
	exec := pendingExecution(wf, key)
	exec.SessionID = sess.ID
	created, err := f.store.CreateExecution(ctx, exec)
	require.NoError(t, err)
	return created
}

const scriptDoc = `
name: arithmetic
steps:
  - id: double
    type: script
    expr: variables.n * 2
    output: doubled
  - id: check
    type: script
    expr: outputs.doubled == 8
    output: ok
`

func TestExecutorRunsScriptSteps(t *testing.T) {
	f := newExecutorFixture(t)
	ctx := context.Background()

	exec := f.createExecution(t, scriptDoc, "k1")
	_, err := f.store.pool.Writer().ExecContext(ctx,
		`UPDATE workflow_executions SET variables = '{"n": 4}' WHERE id = ?`, exec.ID)
	require.NoError(t, err)

	f.executor.runExecution(ctx, exec.ID)

	got, err := f.store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.ExecutionCompleted, got.Status)
	assert.EqualValues(t, 8, got.Outputs["doubled"])
	assert.Equal(t, true, got.Outputs["ok"])
	assert.Equal(t, 1, got.AttemptCount)

	steps, err := f.store.ListSteps(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	for _, step := range steps {
		assert.Equal(t, v1.StepCompleted, step.Status)
	}
}

const conditionalDoc = `
name: conditional
variables:
  env: staging
steps:
  - id: prod-only
    type: script
    condition: variables.env == "prod"
    expr: '"ran"'
    output: result
  - id: always
    type: script
    expr: '"done"'
    output: done
`

func TestExecutorSkipsFailedConditions(t *testing.T) {
	f := newExecutorFixture(t)
	ctx := context.Background()

	exec := f.createExecution(t, conditionalDoc, "k1")
	f.executor.runExecution(ctx, exec.ID)

	got, err := f.store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.ExecutionCompleted, got.Status)
	assert.Equal(t, "done", got.Outputs["done"])
	_, ran := got.Outputs["result"]
	assert.False(t, ran, "skipped step must not produce output")

	steps, err := f.store.ListSteps(ctx, exec.ID)
	require.NoError(t, err)
	statuses := map[string]v1.StepStatus{}
	for _, step := range steps {
		statuses[step.StepID] = step.Status
	}
	assert.Equal(t, v1.StepSkipped, statuses["prod-only"])
	assert.Equal(t, v1.StepCompleted, statuses["always"])
}

const gatedDoc = `
name: gated
steps:
  - id: gate
    type: approval
    message: proceed?
  - id: after
    type: script
    expr: '"approved work"'
    output: result
`

func TestExecutorSuspendsOnApprovalAndResumes(t *testing.T) {
	f := newExecutorFixture(t)
	ctx := context.Background()

	exec := f.createExecution(t, gatedDoc, "k1")
	f.executor.runExecution(ctx, exec.ID)

	waiting, err := f.store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, v1.ExecutionWaitingApproval, waiting.Status)
	require.NotEmpty(t, waiting.ResumeToken)
	assert.Equal(t, "gate", waiting.RuntimeState["stepId"])

	// Approve, then let the worker re-enter after the gate.
	_, err = f.store.Resume(ctx, exec.ID, waiting.ResumeToken, map[string]any{"stepId": "gate"})
	require.NoError(t, err)
	f.executor.runExecution(ctx, exec.ID)

	done, err := f.store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.ExecutionCompleted, done.Status)
	assert.Equal(t, "approved work", done.Outputs["result"])
}

const badScriptDoc = `
name: broken
steps:
  - id: boom
    type: script
    expr: unknown_function()
`

func TestExecutorFailsOnScriptError(t *testing.T) {
	f := newExecutorFixture(t)
	ctx := context.Background()

	exec := f.createExecution(t, badScriptDoc, "k1")
	f.executor.runExecution(ctx, exec.ID)

	got, err := f.store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.ExecutionFailed, got.Status)
	assert.Contains(t, got.Error, "step boom")

	steps, err := f.store.ListSteps(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, v1.StepFailed, steps[0].Status)
}

func TestExecutorIgnoresTerminalExecutions(t *testing.T) {
	f := newExecutorFixture(t)
	ctx := context.Background()

	exec := f.createExecution(t, scriptDoc, "k1")
	require.NoError(t, f.store.Finalize(ctx, exec.ID, v1.ExecutionCancelled, "", nil))

	f.executor.runExecution(ctx, exec.ID)

	got, err := f.store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.ExecutionCancelled, got.Status)
	assert.Equal(t, 0, got.AttemptCount)
}
