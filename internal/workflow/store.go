package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kitehq/kite/internal/common/apperr"
	"github.com/kitehq/kite/internal/db"
	v1 "github.com/kitehq/kite/pkg/api/v1"
)

// Proposal statuses.
const (
	ProposalPending  = "pending"
	ProposalApproved = "approved"
	ProposalRejected = "rejected"
	ProposalApplied  = "applied"
	ProposalExpired  = "expired"
)

// History entry sources.
const (
	SourceUpdate        = "update"
	SourceSync          = "sync"
	SourceSystem        = "system"
	SourceProposalApply = "proposal_apply"
	SourceRollback      = "rollback"
)

// DefaultProposalExpiry bounds how long an unapplied proposal stays
// actionable.
const DefaultProposalExpiry = 14 * 24 * time.Hour

// Workflow is the stored aggregate: the raw document plus derived version
// and hash.
type Workflow struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Data        string    `json:"data"`
	Version     string    `json:"version"`
	Hash        string    `json:"hash"`
	Enabled     bool      `json:"enabled"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Proposal is a self-modification request raised by a running execution.
type Proposal struct {
	ID               string     `json:"id"`
	WorkflowID       string     `json:"workflow_id"`
	ExecutionID      string     `json:"execution_id,omitempty"`
	UserID           string     `json:"user_id"`
	Status           string     `json:"status"`
	BaseWorkflowHash string     `json:"base_workflow_hash"`
	ProposedData     string     `json:"proposed_data"`
	Reason           string     `json:"reason,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	ExpiresAt        time.Time  `json:"expires_at"`
	AppliedAt        *time.Time `json:"applied_at,omitempty"`
}

// HistoryEntry archives one prior workflow snapshot.
type HistoryEntry struct {
	WorkflowID   string    `json:"workflow_id"`
	WorkflowHash string    `json:"workflow_hash"`
	Version      string    `json:"version"`
	Data         string    `json:"data"`
	Source       string    `json:"source"`
	CreatedAt    time.Time `json:"created_at"`
}

// Store persists workflows, executions, step traces, proposals, and
// version history.
type Store struct {
	pool *db.Pool
}

// NewStore creates the workflow store and its schema.
func NewStore(pool *db.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize workflow schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT,
			data TEXT NOT NULL,
			version TEXT NOT NULL DEFAULT '1.0.0',
			hash TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_user ON workflows(user_id)`,
		`CREATE TABLE IF NOT EXISTS workflow_executions (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			trigger_id TEXT,
			status TEXT NOT NULL,
			trigger_type TEXT NOT NULL DEFAULT '',
			trigger_metadata TEXT,
			variables TEXT,
			outputs TEXT,
			error TEXT,
			started_at DATETIME NOT NULL,
			completed_at DATETIME,
			waiting_since DATETIME,
			workflow_version TEXT,
			workflow_hash TEXT NOT NULL,
			workflow_snapshot TEXT NOT NULL,
			idempotency_key TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			resume_token TEXT,
			runtime_state TEXT,
			initiator_type TEXT,
			initiator_user_id TEXT,
			attempt_count INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_executions_idempotency
			ON workflow_executions(workflow_id, idempotency_key)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_user_status
			ON workflow_executions(user_id, status)`,
		`CREATE TABLE IF NOT EXISTS workflow_execution_steps (
			execution_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			status TEXT NOT NULL,
			input TEXT,
			output TEXT,
			error TEXT,
			started_at DATETIME,
			completed_at DATETIME,
			PRIMARY KEY (execution_id, step_id, attempt)
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_version_history (
			workflow_id TEXT NOT NULL,
			workflow_hash TEXT NOT NULL,
			version TEXT NOT NULL,
			data TEXT NOT NULL,
			source TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			PRIMARY KEY (workflow_id, workflow_hash)
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_mutation_proposals (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			execution_id TEXT,
			user_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			base_workflow_hash TEXT NOT NULL,
			proposed_data TEXT NOT NULL,
			reason TEXT,
			created_at DATETIME NOT NULL,
			expires_at DATETIME NOT NULL,
			applied_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_proposals_workflow
			ON workflow_mutation_proposals(workflow_id, status)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Writer().Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// --- workflows ---

type workflowRow struct {
	ID          string         `db:"id"`
	UserID      string         `db:"user_id"`
	Name        string         `db:"name"`
	Description sql.NullString `db:"description"`
	Data        string         `db:"data"`
	Version     string         `db:"version"`
	Hash        string         `db:"hash"`
	Enabled     int            `db:"enabled"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

func (r *workflowRow) toWorkflow() Workflow {
	return Workflow{
		ID:          r.ID,
		UserID:      r.UserID,
		Name:        r.Name,
		Description: r.Description.String,
		Data:        r.Data,
		Version:     r.Version,
		Hash:        r.Hash,
		Enabled:     r.Enabled != 0,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

// CreateWorkflow validates and stores a new workflow document.
func (s *Store) CreateWorkflow(ctx context.Context, userID, data string) (Workflow, error) {
	def, err := Parse(data)
	if err != nil {
		return Workflow{}, apperr.Validation("%v", err)
	}
	version := def.Version
	if version == "" {
		version = "1.0.0"
	}
	wf := Workflow{
		ID:          uuid.NewString(),
		UserID:      userID,
		Name:        def.Name,
		Description: def.Description,
		Data:        data,
		Version:     version,
		Hash:        Hash(data),
		Enabled:     true,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	_, err = s.pool.Writer().ExecContext(ctx, `
		INSERT INTO workflows (id, user_id, name, description, data, version, hash, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.UserID, wf.Name, nullable(wf.Description), wf.Data, wf.Version, wf.Hash, 1, wf.CreatedAt, wf.UpdatedAt)
	if err != nil {
		return Workflow{}, fmt.Errorf("failed to create workflow: %w", err)
	}
	if err := s.SaveHistory(ctx, HistoryEntry{
		WorkflowID: wf.ID, WorkflowHash: wf.Hash, Version: wf.Version,
		Data: wf.Data, Source: SourceSystem,
	}); err != nil {
		return Workflow{}, err
	}
	return wf, nil
}

// GetWorkflow loads a workflow visible to the user.
func (s *Store) GetWorkflow(ctx context.Context, id, userID string) (Workflow, error) {
	var row workflowRow
	err := s.pool.Reader().GetContext(ctx, &row,
		`SELECT * FROM workflows WHERE id = ? AND user_id = ?`, id, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return Workflow{}, apperr.NotFound("workflow %s not found", id)
	}
	if err != nil {
		return Workflow{}, fmt.Errorf("failed to load workflow: %w", err)
	}
	return row.toWorkflow(), nil
}

// ListWorkflows returns the user's workflows, newest first.
func (s *Store) ListWorkflows(ctx context.Context, userID string) ([]Workflow, error) {
	var rows []workflowRow
	err := s.pool.Reader().SelectContext(ctx, &rows,
		`SELECT * FROM workflows WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	out := make([]Workflow, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toWorkflow())
	}
	return out, nil
}

// UpdateWorkflow replaces the document, bumps the patch version, and
// archives the prior snapshot.
func (s *Store) UpdateWorkflow(ctx context.Context, id, userID, data string) (Workflow, error) {
	current, err := s.GetWorkflow(ctx, id, userID)
	if err != nil {
		return Workflow{}, err
	}
	def, err := Parse(data)
	if err != nil {
		return Workflow{}, apperr.Validation("%v", err)
	}
	if err := s.SaveHistory(ctx, HistoryEntry{
		WorkflowID: id, WorkflowHash: current.Hash, Version: current.Version,
		Data: current.Data, Source: SourceUpdate,
	}); err != nil {
		return Workflow{}, err
	}
	version := BumpPatch(current.Version)
	hash := Hash(data)
	now := time.Now().UTC()
	_, err = s.pool.Writer().ExecContext(ctx, `
		UPDATE workflows SET name = ?, description = ?, data = ?, version = ?, hash = ?, updated_at = ?
		WHERE id = ?`,
		def.Name, nullable(def.Description), data, version, hash, now, id)
	if err != nil {
		return Workflow{}, fmt.Errorf("failed to update workflow: %w", err)
	}
	current.Name = def.Name
	current.Description = def.Description
	current.Data = data
	current.Version = version
	current.Hash = hash
	current.UpdatedAt = now
	return current, nil
}

// DeleteWorkflow removes a workflow; executions and history stay for audit.
func (s *Store) DeleteWorkflow(ctx context.Context, id, userID string) error {
	res, err := s.pool.Writer().ExecContext(ctx,
		`DELETE FROM workflows WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("workflow %s not found", id)
	}
	return nil
}

// SetEnabled toggles the workflow.
func (s *Store) SetEnabled(ctx context.Context, id, userID string, enabled bool) error {
	res, err := s.pool.Writer().ExecContext(ctx,
		`UPDATE workflows SET enabled = ?, updated_at = ? WHERE id = ? AND user_id = ?`,
		boolToInt(enabled), time.Now().UTC(), id, userID)
	if err != nil {
		return fmt.Errorf("failed to toggle workflow: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("workflow %s not found", id)
	}
	return nil
}

// --- executions ---

type executionRow struct {
	ID              string         `db:"id"`
	WorkflowID      string         `db:"workflow_id"`
	UserID          string         `db:"user_id"`
	TriggerID       sql.NullString `db:"trigger_id"`
	Status          string         `db:"status"`
	TriggerType     string         `db:"trigger_type"`
	TriggerMetadata sql.NullString `db:"trigger_metadata"`
	Variables       sql.NullString `db:"variables"`
	Outputs         sql.NullString `db:"outputs"`
	Error           sql.NullString `db:"error"`
	StartedAt       time.Time      `db:"started_at"`
	CompletedAt     sql.NullTime   `db:"completed_at"`
	WaitingSince    sql.NullTime   `db:"waiting_since"`
	WorkflowVersion sql.NullString `db:"workflow_version"`
	WorkflowHash    string         `db:"workflow_hash"`
	WorkflowSnapshot string        `db:"workflow_snapshot"`
	IdempotencyKey  string         `db:"idempotency_key"`
	SessionID       string         `db:"session_id"`
	ResumeToken     sql.NullString `db:"resume_token"`
	RuntimeState    sql.NullString `db:"runtime_state"`
	InitiatorType   sql.NullString `db:"initiator_type"`
	InitiatorUserID sql.NullString `db:"initiator_user_id"`
	AttemptCount    int            `db:"attempt_count"`
}

func (r *executionRow) toExecution() v1.WorkflowExecution {
	exec := v1.WorkflowExecution{
		ID:               r.ID,
		WorkflowID:       r.WorkflowID,
		UserID:           r.UserID,
		TriggerID:        r.TriggerID.String,
		Status:           v1.ExecutionStatus(r.Status),
		TriggerType:      r.TriggerType,
		Error:            r.Error.String,
		StartedAt:        r.StartedAt,
		WorkflowVersion:  r.WorkflowVersion.String,
		WorkflowHash:     r.WorkflowHash,
		WorkflowSnapshot: r.WorkflowSnapshot,
		IdempotencyKey:   r.IdempotencyKey,
		SessionID:        r.SessionID,
		ResumeToken:      r.ResumeToken.String,
		InitiatorType:    r.InitiatorType.String,
		InitiatorUserID:  r.InitiatorUserID.String,
		AttemptCount:     r.AttemptCount,
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time
		exec.CompletedAt = &t
	}
	decodeJSON(r.TriggerMetadata, &exec.TriggerMetadata)
	decodeJSON(r.Variables, &exec.Variables)
	decodeJSON(r.Outputs, &exec.Outputs)
	decodeJSON(r.RuntimeState, &exec.RuntimeState)
	return exec
}

// CreateExecution inserts a pending execution row. A prior row under the
// same (workflowId, idempotencyKey) short-circuits with an IdempotencyHit
// carrying the existing identifiers; the unique index backstops the
// pre-insert lookup under races.
func (s *Store) CreateExecution(ctx context.Context, exec v1.WorkflowExecution) (v1.WorkflowExecution, error) {
	if hit, err := s.lookupIdempotent(ctx, exec.WorkflowID, exec.IdempotencyKey); err != nil {
		return v1.WorkflowExecution{}, err
	} else if hit != nil {
		return v1.WorkflowExecution{}, hit
	}

	if exec.ID == "" {
		exec.ID = uuid.NewString()
	}
	if exec.Status == "" {
		exec.Status = v1.ExecutionPending
	}
	if exec.StartedAt.IsZero() {
		exec.StartedAt = time.Now().UTC()
	}
	meta, err := encodeNullableJSON(exec.TriggerMetadata)
	if err != nil {
		return v1.WorkflowExecution{}, err
	}
	vars, err := encodeNullableJSON(exec.Variables)
	if err != nil {
		return v1.WorkflowExecution{}, err
	}
	_, err = s.pool.Writer().ExecContext(ctx, `
		INSERT INTO workflow_executions (
			id, workflow_id, user_id, trigger_id, status, trigger_type, trigger_metadata,
			variables, started_at, workflow_version, workflow_hash, workflow_snapshot,
			idempotency_key, session_id, initiator_type, initiator_user_id, attempt_count
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.WorkflowID, exec.UserID, nullable(exec.TriggerID), string(exec.Status),
		exec.TriggerType, meta, vars, exec.StartedAt, nullable(exec.WorkflowVersion),
		exec.WorkflowHash, exec.WorkflowSnapshot, exec.IdempotencyKey, exec.SessionID,
		nullable(exec.InitiatorType), nullable(exec.InitiatorUserID), exec.AttemptCount)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			if hit, lerr := s.lookupIdempotent(ctx, exec.WorkflowID, exec.IdempotencyKey); lerr == nil && hit != nil {
				return v1.WorkflowExecution{}, hit
			}
		}
		return v1.WorkflowExecution{}, fmt.Errorf("failed to create execution: %w", err)
	}
	return exec, nil
}

func (s *Store) lookupIdempotent(ctx context.Context, workflowID, key string) (*apperr.IdempotencyHit, error) {
	var prior struct {
		ID        string `db:"id"`
		Status    string `db:"status"`
		SessionID string `db:"session_id"`
	}
	err := s.pool.Reader().GetContext(ctx, &prior, `
		SELECT id, status, session_id FROM workflow_executions
		WHERE workflow_id = ? AND idempotency_key = ?`, workflowID, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed idempotency lookup: %w", err)
	}
	return &apperr.IdempotencyHit{ExecutionID: prior.ID, Status: prior.Status, SessionID: prior.SessionID}, nil
}

// GetExecution loads one execution row.
func (s *Store) GetExecution(ctx context.Context, id string) (v1.WorkflowExecution, error) {
	var row executionRow
	err := s.pool.Reader().GetContext(ctx, &row,
		`SELECT * FROM workflow_executions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return v1.WorkflowExecution{}, apperr.NotFound("execution %s not found", id)
	}
	if err != nil {
		return v1.WorkflowExecution{}, fmt.Errorf("failed to load execution: %w", err)
	}
	return row.toExecution(), nil
}

// ListExecutions returns a user's executions, newest first, optionally
// filtered by workflow.
func (s *Store) ListExecutions(ctx context.Context, userID, workflowID string, limit int) ([]v1.WorkflowExecution, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `SELECT * FROM workflow_executions WHERE user_id = ?`
	args := []any{userID}
	if workflowID != "" {
		query += ` AND workflow_id = ?`
		args = append(args, workflowID)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	var rows []executionRow
	if err := s.pool.Reader().SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	out := make([]v1.WorkflowExecution, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toExecution())
	}
	return out, nil
}

// CountActive returns the admission counters: executions in
// pending/running/waiting_approval for the user and globally.
func (s *Store) CountActive(ctx context.Context, userID string) (activeUser, activeGlobal int, err error) {
	const active = `('pending', 'running', 'waiting_approval')`
	err = s.pool.Reader().GetContext(ctx, &activeUser,
		`SELECT COUNT(*) FROM workflow_executions WHERE user_id = ? AND status IN `+active, userID)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count user executions: %w", err)
	}
	err = s.pool.Reader().GetContext(ctx, &activeGlobal,
		`SELECT COUNT(*) FROM workflow_executions WHERE status IN `+active)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count global executions: %w", err)
	}
	return activeUser, activeGlobal, nil
}

// MarkRunning moves a pending (or resumed) execution to running and bumps
// the attempt counter.
func (s *Store) MarkRunning(ctx context.Context, id string) error {
	res, err := s.pool.Writer().ExecContext(ctx, `
		UPDATE workflow_executions
		SET status = 'running', attempt_count = attempt_count + 1
		WHERE id = ? AND status IN ('pending', 'running')`, id)
	if err != nil {
		return fmt.Errorf("failed to mark execution running: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.Conflict("execution %s is not runnable", id)
	}
	return nil
}

// Finalize moves an execution to a terminal status. Rows already terminal
// are left untouched and the call reports a conflict.
func (s *Store) Finalize(ctx context.Context, id string, status v1.ExecutionStatus, execErr string, outputs map[string]any) error {
	if !status.IsTerminal() {
		return apperr.Validation("status %s is not terminal", status)
	}
	out, err := encodeNullableJSON(outputs)
	if err != nil {
		return err
	}
	res, err := s.pool.Writer().ExecContext(ctx, `
		UPDATE workflow_executions
		SET status = ?, error = ?, outputs = COALESCE(?, outputs), completed_at = ?,
		    resume_token = NULL, waiting_since = NULL
		WHERE id = ? AND status NOT IN ('completed', 'failed', 'cancelled')`,
		string(status), nullable(execErr), out, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to finalize execution: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.Conflict("execution %s is already terminal", id)
	}
	return nil
}

// Suspend parks a running execution behind an approval gate. The resume
// token is non-null exactly while the row is waiting_approval.
func (s *Store) Suspend(ctx context.Context, id, resumeToken string, runtimeState map[string]any) error {
	state, err := encodeNullableJSON(runtimeState)
	if err != nil {
		return err
	}
	res, err := s.pool.Writer().ExecContext(ctx, `
		UPDATE workflow_executions
		SET status = 'waiting_approval', resume_token = ?, runtime_state = ?, waiting_since = ?
		WHERE id = ? AND status = 'running'`,
		resumeToken, state, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to suspend execution: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.Conflict("execution %s is not running", id)
	}
	return nil
}

// Resume restores a waiting execution to running after a token match,
// clearing the token and any prior error and writing the new runtime
// state. A terminal row conflicts; a token mismatch is a permission error.
func (s *Store) Resume(ctx context.Context, id, resumeToken string, runtimeState map[string]any) (v1.WorkflowExecution, error) {
	exec, err := s.GetExecution(ctx, id)
	if err != nil {
		return v1.WorkflowExecution{}, err
	}
	if exec.Status.IsTerminal() {
		return v1.WorkflowExecution{}, apperr.Conflict("execution %s is already %s", id, exec.Status)
	}
	if exec.Status != v1.ExecutionWaitingApproval {
		return v1.WorkflowExecution{}, apperr.Conflict("execution %s is not waiting for approval", id)
	}
	if exec.ResumeToken == "" || exec.ResumeToken != resumeToken {
		return v1.WorkflowExecution{}, apperr.Permission("resume token mismatch for execution %s", id)
	}
	state, err := encodeNullableJSON(runtimeState)
	if err != nil {
		return v1.WorkflowExecution{}, err
	}
	_, err = s.pool.Writer().ExecContext(ctx, `
		UPDATE workflow_executions
		SET status = 'running', resume_token = NULL, error = NULL,
		    runtime_state = COALESCE(?, runtime_state), waiting_since = NULL
		WHERE id = ? AND status = 'waiting_approval'`, state, id)
	if err != nil {
		return v1.WorkflowExecution{}, fmt.Errorf("failed to resume execution: %w", err)
	}
	return s.GetExecution(ctx, id)
}

// Cancel finalizes an execution as cancelled; terminal rows are a no-op.
func (s *Store) Cancel(ctx context.Context, id, userID string) error {
	exec, err := s.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	if exec.UserID != userID {
		return apperr.NotFound("execution %s not found", id)
	}
	if exec.Status.IsTerminal() {
		return nil
	}
	return s.Finalize(ctx, id, v1.ExecutionCancelled, "cancelled by user", nil)
}

// --- step trace ---

// UpsertStep records one step attempt. On conflict, status and error
// overwrite while startedAt and input keep their earliest non-null values,
// so a retry never regresses the trace.
func (s *Store) UpsertStep(ctx context.Context, step v1.ExecutionStep) error {
	input, err := encodeNullableJSON(step.Input)
	if err != nil {
		return err
	}
	output, err := encodeNullableJSON(step.Output)
	if err != nil {
		return err
	}
	if step.Attempt < 1 {
		step.Attempt = 1
	}
	_, err = s.pool.Writer().ExecContext(ctx, `
		INSERT INTO workflow_execution_steps (
			execution_id, step_id, attempt, status, input, output, error, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(execution_id, step_id, attempt) DO UPDATE SET
			status = excluded.status,
			error = excluded.error,
			output = COALESCE(excluded.output, output),
			input = COALESCE(input, excluded.input),
			started_at = COALESCE(started_at, excluded.started_at),
			completed_at = excluded.completed_at`,
		step.ExecutionID, step.StepID, step.Attempt, string(step.Status),
		input, output, nullable(step.Error), nullTime(step.StartedAt), nullTime(step.CompletedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert step: %w", err)
	}
	return nil
}

type stepRow struct {
	ExecutionID string         `db:"execution_id"`
	StepID      string         `db:"step_id"`
	Attempt     int            `db:"attempt"`
	Status      string         `db:"status"`
	Input       sql.NullString `db:"input"`
	Output      sql.NullString `db:"output"`
	Error       sql.NullString `db:"error"`
	StartedAt   sql.NullTime   `db:"started_at"`
	CompletedAt sql.NullTime   `db:"completed_at"`
}

// ListSteps returns the trace rows for an execution in step order.
func (s *Store) ListSteps(ctx context.Context, executionID string) ([]v1.ExecutionStep, error) {
	var rows []stepRow
	err := s.pool.Reader().SelectContext(ctx, &rows, `
		SELECT * FROM workflow_execution_steps
		WHERE execution_id = ? ORDER BY started_at, step_id, attempt`, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	out := make([]v1.ExecutionStep, 0, len(rows))
	for _, r := range rows {
		step := v1.ExecutionStep{
			ExecutionID: r.ExecutionID,
			StepID:      r.StepID,
			Attempt:     r.Attempt,
			Status:      v1.StepStatus(r.Status),
			Error:       r.Error.String,
		}
		decodeJSON(r.Input, &step.Input)
		decodeJSON(r.Output, &step.Output)
		if r.StartedAt.Valid {
			t := r.StartedAt.Time
			step.StartedAt = &t
		}
		if r.CompletedAt.Valid {
			t := r.CompletedAt.Time
			step.CompletedAt = &t
		}
		out = append(out, step)
	}
	return out, nil
}

// --- reconciliation ---

// DefaultApprovalTTL applies when a workflow's constraints name no
// approval timeout.
const DefaultApprovalTTL = 24 * time.Hour

// ReconcileApprovals finalizes waiting_approval executions older than
// their workflow's approval TTL, clearing the resume token. Returns the
// ids it failed.
func (s *Store) ReconcileApprovals(ctx context.Context, now time.Time) ([]string, error) {
	var rows []executionRow
	err := s.pool.Reader().SelectContext(ctx, &rows, `
		SELECT * FROM workflow_executions
		WHERE status = 'waiting_approval' AND waiting_since IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("failed to load waiting executions: %w", err)
	}

	var failed []string
	for i := range rows {
		ttl := DefaultApprovalTTL
		action := TimeoutActionFail
		if def, perr := Parse(rows[i].WorkflowSnapshot); perr == nil {
			if def.Constraints.ApprovalTimeoutSeconds > 0 {
				ttl = time.Duration(def.Constraints.ApprovalTimeoutSeconds) * time.Second
			}
			if state := decodeRuntimeStep(rows[i].RuntimeState); state != "" {
				if idx := def.StepIndex(state); idx >= 0 && def.Steps[idx].OnTimeout != "" {
					action = def.Steps[idx].OnTimeout
				}
			}
		}
		if !rows[i].WaitingSince.Valid || now.Sub(rows[i].WaitingSince.Time) <= ttl {
			continue
		}
		status := v1.ExecutionFailed
		reason := "approval timeout"
		if action == TimeoutActionDeny {
			status = v1.ExecutionCancelled
			reason = "approval denied on timeout"
		}
		if err := s.Finalize(ctx, rows[i].ID, status, reason, nil); err != nil && !apperr.Is(err, apperr.KindConflict) {
			return failed, err
		}
		failed = append(failed, rows[i].ID)
	}
	return failed, nil
}

func decodeRuntimeStep(state sql.NullString) string {
	if !state.Valid {
		return ""
	}
	var decoded struct {
		StepID string `json:"stepId"`
	}
	if err := json.Unmarshal([]byte(state.String), &decoded); err != nil {
		return ""
	}
	return decoded.StepID
}

// FailStale finalizes non-terminal executions whose workflow session is
// gone (terminated, archived, or hibernated). Sessions in error are left
// alone: the runner bridge reconnects and recovers them.
func (s *Store) FailStale(ctx context.Context) ([]string, error) {
	var rows []struct {
		ID            string `db:"id"`
		SessionStatus string `db:"session_status"`
	}
	err := s.pool.Reader().SelectContext(ctx, &rows, `
		SELECT e.id AS id, s.status AS session_status
		FROM workflow_executions e
		JOIN sessions s ON s.id = e.session_id
		WHERE e.status IN ('pending', 'running', 'waiting_approval')
		  AND s.status IN ('terminated', 'archived', 'hibernated')`)
	if err != nil {
		return nil, fmt.Errorf("failed to find stale executions: %w", err)
	}
	var failed []string
	for _, row := range rows {
		reason := fmt.Sprintf("session %s", row.SessionStatus)
		if err := s.Finalize(ctx, row.ID, v1.ExecutionFailed, reason, nil); err != nil && !apperr.Is(err, apperr.KindConflict) {
			return failed, err
		}
		failed = append(failed, row.ID)
	}
	return failed, nil
}

// --- version history ---

// SaveHistory archives a snapshot keyed by (workflowId, workflowHash).
// Re-archiving the same snapshot is a no-op.
func (s *Store) SaveHistory(ctx context.Context, entry HistoryEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Writer().ExecContext(ctx, `
		INSERT INTO workflow_version_history (workflow_id, workflow_hash, version, data, source, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(workflow_id, workflow_hash) DO NOTHING`,
		entry.WorkflowID, entry.WorkflowHash, entry.Version, entry.Data, entry.Source, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save history: %w", err)
	}
	return nil
}

type historyRow struct {
	WorkflowID   string    `db:"workflow_id"`
	WorkflowHash string    `db:"workflow_hash"`
	Version      string    `db:"version"`
	Data         string    `db:"data"`
	Source       string    `db:"source"`
	CreatedAt    time.Time `db:"created_at"`
}

// GetHistory looks up one archived snapshot by hash.
func (s *Store) GetHistory(ctx context.Context, workflowID, hash string) (HistoryEntry, error) {
	var row historyRow
	err := s.pool.Reader().GetContext(ctx, &row, `
		SELECT * FROM workflow_version_history WHERE workflow_id = ? AND workflow_hash = ?`,
		workflowID, hash)
	if errors.Is(err, sql.ErrNoRows) {
		return HistoryEntry{}, apperr.NotFound("no history for workflow %s at %s", workflowID, hash)
	}
	if err != nil {
		return HistoryEntry{}, fmt.Errorf("failed to load history: %w", err)
	}
	return HistoryEntry(row), nil
}

// ListHistory returns a workflow's archived versions, newest first.
func (s *Store) ListHistory(ctx context.Context, workflowID string) ([]HistoryEntry, error) {
	var rows []historyRow
	err := s.pool.Reader().SelectContext(ctx, &rows, `
		SELECT * FROM workflow_version_history WHERE workflow_id = ? ORDER BY created_at DESC`,
		workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	out := make([]HistoryEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, HistoryEntry(r))
	}
	return out, nil
}

// Rollback reinstates an archived version as current. The pre-rollback
// snapshot is archived with source=rollback so the operation is itself
// reversible.
func (s *Store) Rollback(ctx context.Context, workflowID, userID, hash string) (Workflow, error) {
	current, err := s.GetWorkflow(ctx, workflowID, userID)
	if err != nil {
		return Workflow{}, err
	}
	if current.Hash == hash {
		return current, nil
	}
	entry, err := s.GetHistory(ctx, workflowID, hash)
	if err != nil {
		return Workflow{}, err
	}
	if err := s.SaveHistory(ctx, HistoryEntry{
		WorkflowID: workflowID, WorkflowHash: current.Hash, Version: current.Version,
		Data: current.Data, Source: SourceRollback,
	}); err != nil {
		return Workflow{}, err
	}
	now := time.Now().UTC()
	_, err = s.pool.Writer().ExecContext(ctx, `
		UPDATE workflows SET data = ?, version = ?, hash = ?, updated_at = ? WHERE id = ?`,
		entry.Data, entry.Version, entry.WorkflowHash, now, workflowID)
	if err != nil {
		return Workflow{}, fmt.Errorf("failed to roll back workflow: %w", err)
	}
	current.Data = entry.Data
	current.Version = entry.Version
	current.Hash = entry.WorkflowHash
	current.UpdatedAt = now
	return current, nil
}

// --- self-modification proposals ---

// CreateProposal records a mutation proposal from a running execution.
// The workflow must opt in via constraints.allowSelfModification; the
// current hash is captured for the optimistic check at apply time.
func (s *Store) CreateProposal(ctx context.Context, workflowID, userID, executionID, proposedData, reason string, expiry time.Duration) (Proposal, error) {
	wf, err := s.GetWorkflow(ctx, workflowID, userID)
	if err != nil {
		return Proposal{}, err
	}
	def, err := Parse(wf.Data)
	if err != nil {
		return Proposal{}, fmt.Errorf("stored workflow %s is unparseable: %w", workflowID, err)
	}
	if !def.Constraints.AllowSelfModification {
		return Proposal{}, apperr.Permission("workflow %s does not allow self-modification", workflowID)
	}
	if _, err := Parse(proposedData); err != nil {
		return Proposal{}, apperr.Validation("proposed document: %v", err)
	}
	if expiry <= 0 {
		expiry = DefaultProposalExpiry
	}
	p := Proposal{
		ID:               uuid.NewString(),
		WorkflowID:       workflowID,
		ExecutionID:      executionID,
		UserID:           userID,
		Status:           ProposalPending,
		BaseWorkflowHash: wf.Hash,
		ProposedData:     proposedData,
		Reason:           reason,
		CreatedAt:        time.Now().UTC(),
		ExpiresAt:        time.Now().UTC().Add(expiry),
	}
	_, err = s.pool.Writer().ExecContext(ctx, `
		INSERT INTO workflow_mutation_proposals (
			id, workflow_id, execution_id, user_id, status, base_workflow_hash,
			proposed_data, reason, created_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.WorkflowID, nullable(p.ExecutionID), p.UserID, p.Status,
		p.BaseWorkflowHash, p.ProposedData, nullable(p.Reason), p.CreatedAt, p.ExpiresAt)
	if err != nil {
		return Proposal{}, fmt.Errorf("failed to create proposal: %w", err)
	}
	return p, nil
}

type proposalRow struct {
	ID               string         `db:"id"`
	WorkflowID       string         `db:"workflow_id"`
	ExecutionID      sql.NullString `db:"execution_id"`
	UserID           string         `db:"user_id"`
	Status           string         `db:"status"`
	BaseWorkflowHash string         `db:"base_workflow_hash"`
	ProposedData     string         `db:"proposed_data"`
	Reason           sql.NullString `db:"reason"`
	CreatedAt        time.Time      `db:"created_at"`
	ExpiresAt        time.Time      `db:"expires_at"`
	AppliedAt        sql.NullTime   `db:"applied_at"`
}

func (r *proposalRow) toProposal() Proposal {
	p := Proposal{
		ID:               r.ID,
		WorkflowID:       r.WorkflowID,
		ExecutionID:      r.ExecutionID.String,
		UserID:           r.UserID,
		Status:           r.Status,
		BaseWorkflowHash: r.BaseWorkflowHash,
		ProposedData:     r.ProposedData,
		Reason:           r.Reason.String,
		CreatedAt:        r.CreatedAt,
		ExpiresAt:        r.ExpiresAt,
	}
	if r.AppliedAt.Valid {
		t := r.AppliedAt.Time
		p.AppliedAt = &t
	}
	return p
}

// GetProposal loads one proposal.
func (s *Store) GetProposal(ctx context.Context, id string) (Proposal, error) {
	var row proposalRow
	err := s.pool.Reader().GetContext(ctx, &row,
		`SELECT * FROM workflow_mutation_proposals WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Proposal{}, apperr.NotFound("proposal %s not found", id)
	}
	if err != nil {
		return Proposal{}, fmt.Errorf("failed to load proposal: %w", err)
	}
	return row.toProposal(), nil
}

// ListProposals returns a workflow's proposals, newest first.
func (s *Store) ListProposals(ctx context.Context, workflowID string) ([]Proposal, error) {
	var rows []proposalRow
	err := s.pool.Reader().SelectContext(ctx, &rows, `
		SELECT * FROM workflow_mutation_proposals WHERE workflow_id = ? ORDER BY created_at DESC`,
		workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list proposals: %w", err)
	}
	out := make([]Proposal, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toProposal())
	}
	return out, nil
}

// ReviewProposal approves or rejects a pending proposal.
func (s *Store) ReviewProposal(ctx context.Context, id string, approve bool) (Proposal, error) {
	status := ProposalRejected
	if approve {
		status = ProposalApproved
	}
	res, err := s.pool.Writer().ExecContext(ctx, `
		UPDATE workflow_mutation_proposals SET status = ? WHERE id = ? AND status = 'pending'`,
		status, id)
	if err != nil {
		return Proposal{}, fmt.Errorf("failed to review proposal: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		p, gerr := s.GetProposal(ctx, id)
		if gerr != nil {
			return Proposal{}, gerr
		}
		return Proposal{}, apperr.Conflict("proposal %s is already %s", id, p.Status)
	}
	return s.GetProposal(ctx, id)
}

// ApplyProposal makes an approved proposal the current workflow version:
// the base hash must still match the workflow (optimistic concurrency),
// the prior snapshot is archived, and the patch version is bumped.
func (s *Store) ApplyProposal(ctx context.Context, id string) (Workflow, error) {
	p, err := s.GetProposal(ctx, id)
	if err != nil {
		return Workflow{}, err
	}
	if p.Status != ProposalApproved {
		return Workflow{}, apperr.Conflict("proposal %s is %s, not approved", id, p.Status)
	}
	if time.Now().After(p.ExpiresAt) {
		_, _ = s.pool.Writer().ExecContext(ctx,
			`UPDATE workflow_mutation_proposals SET status = 'expired' WHERE id = ?`, id)
		return Workflow{}, apperr.Conflict("proposal %s has expired", id)
	}
	wf, err := s.GetWorkflow(ctx, p.WorkflowID, p.UserID)
	if err != nil {
		return Workflow{}, err
	}
	if wf.Hash != p.BaseWorkflowHash {
		return Workflow{}, apperr.Conflict("workflow %s changed since proposal was made", p.WorkflowID)
	}
	if err := s.SaveHistory(ctx, HistoryEntry{
		WorkflowID: wf.ID, WorkflowHash: wf.Hash, Version: wf.Version,
		Data: wf.Data, Source: SourceProposalApply,
	}); err != nil {
		return Workflow{}, err
	}
	version := BumpPatch(wf.Version)
	hash := Hash(p.ProposedData)
	now := time.Now().UTC()
	_, err = s.pool.Writer().ExecContext(ctx, `
		UPDATE workflows SET data = ?, version = ?, hash = ?, updated_at = ? WHERE id = ?`,
		p.ProposedData, version, hash, now, wf.ID)
	if err != nil {
		return Workflow{}, fmt.Errorf("failed to apply proposal: %w", err)
	}
	_, err = s.pool.Writer().ExecContext(ctx, `
		UPDATE workflow_mutation_proposals SET status = 'applied', applied_at = ? WHERE id = ?`,
		now, id)
	if err != nil {
		return Workflow{}, fmt.Errorf("failed to mark proposal applied: %w", err)
	}
	wf.Data = p.ProposedData
	wf.Version = version
	wf.Hash = hash
	wf.UpdatedAt = now
	return wf, nil
}

// ExpireProposals marks overdue pending/approved proposals expired.
func (s *Store) ExpireProposals(ctx context.Context, now time.Time) (int, error) {
	res, err := s.pool.Writer().ExecContext(ctx, `
		UPDATE workflow_mutation_proposals SET status = 'expired'
		WHERE status IN ('pending', 'approved') AND expires_at < ?`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to expire proposals: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// --- helpers ---

func encodeNullableJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	if m, ok := v.(map[string]any); ok && len(m) == 0 {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode JSON column: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func decodeJSON(col sql.NullString, dst any) {
	if !col.Valid {
		return
	}
	_ = json.Unmarshal([]byte(col.String), dst)
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
