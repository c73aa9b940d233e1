package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/expr-lang/expr"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kitehq/kite/internal/common/apperr"
	"github.com/kitehq/kite/internal/common/logger"
	"github.com/kitehq/kite/internal/session"
	v1 "github.com/kitehq/kite/pkg/api/v1"
	"github.com/kitehq/kite/pkg/ws"
)

// ExecutorOptions tunes the worker pool.
type ExecutorOptions struct {
	Workers     int
	QueueDepth  int
	StepTimeout time.Duration
}

func (o ExecutorOptions) withDefaults() ExecutorOptions {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.QueueDepth <= 0 {
		o.QueueDepth = 256
	}
	if o.StepTimeout <= 0 {
		o.StepTimeout = 10 * time.Minute
	}
	return o
}

// Executor drains the execution queue with a fixed worker pool. Each
// execution runs its step graph against the runner attached to its
// workflow-purpose session.
type Executor struct {
	store    *Store
	sessions *session.Registry
	log      *logger.Logger
	opts     ExecutorOptions
	queue    chan string
}

// NewExecutor creates the executor; Run starts the workers.
func NewExecutor(store *Store, sessions *session.Registry, log *logger.Logger, opts ExecutorOptions) *Executor {
	opts = opts.withDefaults()
	return &Executor{
		store:    store,
		sessions: sessions,
		log:      log.WithFields(zap.String("component", "workflow_executor")),
		opts:     opts,
		queue:    make(chan string, opts.QueueDepth),
	}
}

// Enqueue hands an execution to the worker pool. A full queue is reported
// to the caller so dispatch can leave the row pending for retry.
func (e *Executor) Enqueue(executionID string) error {
	select {
	case e.queue <- executionID:
		return nil
	default:
		return apperr.Upstream(0, "", "executor queue is full")
	}
}

// Run blocks until ctx is cancelled, processing queued executions.
func (e *Executor) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	for i := 0; i < e.opts.Workers; i++ {
		group.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case id := <-e.queue:
					e.runExecution(ctx, id)
				}
			}
		})
	}
	return group.Wait()
}

// runExecution drives one execution from its current position: fresh rows
// start at the first step, resumed rows re-enter at the step the runtime
// state names.
func (e *Executor) runExecution(ctx context.Context, id string) {
	log := e.log.WithFields(zap.String("execution_id", id))

	exec, err := e.store.GetExecution(ctx, id)
	if err != nil {
		log.Error("Failed to load execution", zap.Error(err))
		return
	}
	if exec.Status.IsTerminal() {
		return
	}
	if err := e.store.MarkRunning(ctx, id); err != nil {
		log.Warn("Execution not runnable", zap.Error(err))
		return
	}
	exec.AttemptCount++

	def, err := Parse(exec.WorkflowSnapshot)
	if err != nil {
		e.finalize(ctx, log, id, v1.ExecutionFailed, fmt.Sprintf("invalid workflow snapshot: %v", err), nil)
		return
	}

	vars := make(map[string]any, len(def.Variables)+len(exec.Variables))
	for k, v := range def.Variables {
		vars[k] = v
	}
	for k, v := range exec.Variables {
		vars[k] = v
	}
	outputs := exec.Outputs
	if outputs == nil {
		outputs = make(map[string]any)
	}

	start := 0
	if stepID, ok := exec.RuntimeState["stepId"].(string); ok {
		if idx := def.StepIndex(stepID); idx >= 0 {
			// Re-enter after the suspended step; its gate already passed.
			start = idx + 1
		}
	}

	for i := start; i < len(def.Steps); i++ {
		step := def.Steps[i]
		env := map[string]any{
			"variables": vars,
			"outputs":   outputs,
			"trigger":   exec.TriggerMetadata,
		}

		if step.Condition != "" {
			pass, cerr := evalCondition(step.Condition, env)
			if cerr != nil {
				e.traceStep(ctx, log, id, step.ID, exec.AttemptCount, v1.StepFailed, nil, nil, cerr.Error())
				e.finalize(ctx, log, id, v1.ExecutionFailed, fmt.Sprintf("step %s condition: %v", step.ID, cerr), outputs)
				return
			}
			if !pass {
				e.traceStep(ctx, log, id, step.ID, exec.AttemptCount, v1.StepSkipped, nil, nil, "")
				continue
			}
		}

		switch step.Type {
		case StepTypeApproval:
			token := uuid.NewString()
			if err := e.store.Suspend(ctx, id, token, map[string]any{"stepId": step.ID}); err != nil {
				log.Error("Failed to suspend for approval", zap.Error(err))
				return
			}
			e.traceStep(ctx, log, id, step.ID, exec.AttemptCount, v1.StepWaiting, nil, nil, "")
			log.Info("Execution waiting for approval", zap.String("step_id", step.ID))
			return

		case StepTypePrompt:
			e.traceStep(ctx, log, id, step.ID, exec.AttemptCount, v1.StepRunning,
				map[string]any{"prompt": step.Prompt}, nil, "")
			output, perr := e.runPromptStep(ctx, exec.SessionID, id, step, vars)
			if perr != nil {
				e.traceStep(ctx, log, id, step.ID, exec.AttemptCount, v1.StepFailed, nil, nil, perr.Error())
				e.finalize(ctx, log, id, v1.ExecutionFailed, fmt.Sprintf("step %s: %v", step.ID, perr), outputs)
				return
			}
			if step.Output != "" {
				outputs[step.Output] = output
			}
			e.traceStep(ctx, log, id, step.ID, exec.AttemptCount, v1.StepCompleted,
				nil, map[string]any{"result": output}, "")

		case StepTypeScript:
			result, serr := expr.Eval(step.Expr, env)
			if serr != nil {
				e.traceStep(ctx, log, id, step.ID, exec.AttemptCount, v1.StepFailed, nil, nil, serr.Error())
				e.finalize(ctx, log, id, v1.ExecutionFailed, fmt.Sprintf("step %s: %v", step.ID, serr), outputs)
				return
			}
			if step.Output != "" {
				outputs[step.Output] = result
			}
			e.traceStep(ctx, log, id, step.ID, exec.AttemptCount, v1.StepCompleted,
				nil, map[string]any{"result": result}, "")
		}
	}

	e.finalize(ctx, log, id, v1.ExecutionCompleted, "", outputs)
}

// runPromptStep sends the step prompt to the runner attached to the
// workflow session and decodes its result.
func (e *Executor) runPromptStep(ctx context.Context, sessionID, executionID string, step Step, vars map[string]any) (string, error) {
	holder, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("workflow session unavailable: %w", err)
	}
	resp, err := holder.ExecuteWorkflowStep(ctx, ws.WorkflowExecuteFrame{
		ExecutionID: executionID,
		StepID:      step.ID,
		Prompt:      step.Prompt,
		Variables:   vars,
	}, e.opts.StepTimeout)
	if err != nil {
		return "", err
	}
	var result struct {
		Content string `json:"content"`
	}
	if len(resp.Payload) > 0 {
		if err := json.Unmarshal(resp.Payload, &result); err != nil {
			return "", fmt.Errorf("malformed step result: %w", err)
		}
	}
	return result.Content, nil
}

func evalCondition(condition string, env map[string]any) (bool, error) {
	result, err := expr.Eval(condition, env)
	if err != nil {
		return false, err
	}
	pass, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q is not boolean", condition)
	}
	return pass, nil
}

func (e *Executor) traceStep(ctx context.Context, log *logger.Logger, executionID, stepID string, attempt int, status v1.StepStatus, input, output map[string]any, stepErr string) {
	now := time.Now().UTC()
	step := v1.ExecutionStep{
		ExecutionID: executionID,
		StepID:      stepID,
		Attempt:     attempt,
		Status:      status,
		Input:       input,
		Output:      output,
		Error:       stepErr,
		StartedAt:   &now,
	}
	switch status {
	case v1.StepCompleted, v1.StepFailed, v1.StepSkipped:
		step.CompletedAt = &now
	}
	if err := e.store.UpsertStep(ctx, step); err != nil {
		log.Error("Failed to record step trace", zap.String("step_id", stepID), zap.Error(err))
	}
}

func (e *Executor) finalize(ctx context.Context, log *logger.Logger, id string, status v1.ExecutionStatus, execErr string, outputs map[string]any) {
	if err := e.store.Finalize(ctx, id, status, execErr, outputs); err != nil && !apperr.Is(err, apperr.KindConflict) {
		log.Error("Failed to finalize execution", zap.Error(err))
		return
	}
	log.Info("Execution finished", zap.String("status", string(status)))
}
