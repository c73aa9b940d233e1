package trigger

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

// Store persists triggers. Webhook path uniqueness per user is enforced
// with a partial unique index over the config JSON.
type Store struct {
	pool *db.Pool
}

// NewStore creates the trigger store and its schema.
func NewStore(pool *db.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize trigger schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS triggers (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			workflow_id TEXT,
			name TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			type TEXT NOT NULL,
			config TEXT NOT NULL,
			variable_mapping TEXT,
			last_run_at DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_triggers_webhook_path
			ON triggers(user_id, json_extract(config, '$.path'))
			WHERE type = 'webhook'`,
		`CREATE INDEX IF NOT EXISTS idx_triggers_user ON triggers(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_triggers_schedule ON triggers(type, enabled)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Writer().Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

type triggerRow struct {
	ID              string         `db:"id"`
	UserID          string         `db:"user_id"`
	WorkflowID      sql.NullString `db:"workflow_id"`
	Name            string         `db:"name"`
	Enabled         int            `db:"enabled"`
	Type            string         `db:"type"`
	Config          string         `db:"config"`
	VariableMapping sql.NullString `db:"variable_mapping"`
	LastRunAt       sql.NullTime   `db:"last_run_at"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

func (r *triggerRow) toTrigger() (v1.Trigger, error) {
	tr := v1.Trigger{
		ID:         r.ID,
		UserID:     r.UserID,
		WorkflowID: r.WorkflowID.String,
		Name:       r.Name,
		Enabled:    r.Enabled != 0,
		Type:       v1.TriggerType(r.Type),
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(r.Config), &tr.Config); err != nil {
		return v1.Trigger{}, fmt.Errorf("trigger %s has malformed config: %w", r.ID, err)
	}
	if r.VariableMapping.Valid {
		if err := json.Unmarshal([]byte(r.VariableMapping.String), &tr.VariableMapping); err != nil {
			return v1.Trigger{}, fmt.Errorf("trigger %s has malformed mapping: %w", r.ID, err)
		}
	}
	if r.LastRunAt.Valid {
		t := r.LastRunAt.Time
		tr.LastRunAt = &t
	}
	return tr, nil
}

// Create validates, normalizes, and stores a trigger.
func (s *Store) Create(ctx context.Context, tr v1.Trigger) (v1.Trigger, error) {
	normalize(&tr)
	if err := Validate(tr); err != nil {
		return v1.Trigger{}, err
	}
	tr.ID = uuid.NewString()
	tr.CreatedAt = time.Now().UTC()
	tr.UpdatedAt = tr.CreatedAt
	if err := s.insert(ctx, tr); err != nil {
		return v1.Trigger{}, err
	}
	return tr, nil
}

func (s *Store) insert(ctx context.Context, tr v1.Trigger) error {
	config, err := json.Marshal(tr.Config)
	if err != nil {
		return fmt.Errorf("failed to encode trigger config: %w", err)
	}
	mapping, err := encodeMapping(tr.VariableMapping)
	if err != nil {
		return err
	}
	_, err = s.pool.Writer().ExecContext(ctx, `
		INSERT INTO triggers (id, user_id, workflow_id, name, enabled, type, config, variable_mapping, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.ID, tr.UserID, nullable(tr.WorkflowID), tr.Name, boolToInt(tr.Enabled),
		string(tr.Type), string(config), mapping, tr.CreatedAt, tr.UpdatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return apperr.Conflict("webhook path %q is already in use", tr.Config.Path)
		}
		return fmt.Errorf("failed to create trigger: %w", err)
	}
	return nil
}

// Get loads a trigger visible to the user.
func (s *Store) Get(ctx context.Context, id, userID string) (v1.Trigger, error) {
	var row triggerRow
	err := s.pool.Reader().GetContext(ctx, &row,
		`SELECT * FROM triggers WHERE id = ? AND user_id = ?`, id, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return v1.Trigger{}, apperr.NotFound("trigger %s not found", id)
	}
	if err != nil {
		return v1.Trigger{}, fmt.Errorf("failed to load trigger: %w", err)
	}
	return row.toTrigger()
}

// List returns the user's triggers, newest first.
func (s *Store) List(ctx context.Context, userID string) ([]v1.Trigger, error) {
	var rows []triggerRow
	err := s.pool.Reader().SelectContext(ctx, &rows,
		`SELECT * FROM triggers WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list triggers: %w", err)
	}
	return rowsToTriggers(rows)
}

// Update replaces a trigger's mutable fields after revalidation.
func (s *Store) Update(ctx context.Context, tr v1.Trigger) (v1.Trigger, error) {
	current, err := s.Get(ctx, tr.ID, tr.UserID)
	if err != nil {
		return v1.Trigger{}, err
	}
	normalize(&tr)
	if err := Validate(tr); err != nil {
		return v1.Trigger{}, err
	}
	config, err := json.Marshal(tr.Config)
	if err != nil {
		return v1.Trigger{}, fmt.Errorf("failed to encode trigger config: %w", err)
	}
	mapping, err := encodeMapping(tr.VariableMapping)
	if err != nil {
		return v1.Trigger{}, err
	}
	tr.UpdatedAt = time.Now().UTC()
	_, err = s.pool.Writer().ExecContext(ctx, `
		UPDATE triggers SET workflow_id = ?, name = ?, enabled = ?, type = ?, config = ?, variable_mapping = ?, updated_at = ?
		WHERE id = ? AND user_id = ?`,
		nullable(tr.WorkflowID), tr.Name, boolToInt(tr.Enabled), string(tr.Type),
		string(config), mapping, tr.UpdatedAt, tr.ID, tr.UserID)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return v1.Trigger{}, apperr.Conflict("webhook path %q is already in use", tr.Config.Path)
		}
		return v1.Trigger{}, fmt.Errorf("failed to update trigger: %w", err)
	}
	tr.CreatedAt = current.CreatedAt
	tr.LastRunAt = current.LastRunAt
	return tr, nil
}

// Delete removes a trigger.
func (s *Store) Delete(ctx context.Context, id, userID string) error {
	res, err := s.pool.Writer().ExecContext(ctx,
		`DELETE FROM triggers WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete trigger: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("trigger %s not found", id)
	}
	return nil
}

// FindWebhook resolves a user's webhook trigger by path.
func (s *Store) FindWebhook(ctx context.Context, userID, path string) (v1.Trigger, error) {
	var row triggerRow
	err := s.pool.Reader().GetContext(ctx, &row, `
		SELECT * FROM triggers
		WHERE user_id = ? AND type = 'webhook' AND json_extract(config, '$.path') = ?`,
		userID, path)
	if errors.Is(err, sql.ErrNoRows) {
		return v1.Trigger{}, apperr.NotFound("no webhook registered at %s", path)
	}
	if err != nil {
		return v1.Trigger{}, fmt.Errorf("failed to resolve webhook: %w", err)
	}
	return row.toTrigger()
}

// ListSchedules returns every enabled schedule trigger, for the cron loop.
func (s *Store) ListSchedules(ctx context.Context) ([]v1.Trigger, error) {
	var rows []triggerRow
	err := s.pool.Reader().SelectContext(ctx, &rows,
		`SELECT * FROM triggers WHERE type = 'schedule' AND enabled = 1`)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	return rowsToTriggers(rows)
}

// MarkRun records a successful dispatch.
func (s *Store) MarkRun(ctx context.Context, id string, at time.Time) error {
	_, err := s.pool.Writer().ExecContext(ctx,
		`UPDATE triggers SET last_run_at = ? WHERE id = ?`, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark trigger run: %w", err)
	}
	return nil
}

func rowsToTriggers(rows []triggerRow) ([]v1.Trigger, error) {
	out := make([]v1.Trigger, 0, len(rows))
	for i := range rows {
		tr, err := rows[i].toTrigger()
		if err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, nil
}

func encodeMapping(mapping map[string]string) (sql.NullString, error) {
	if len(mapping) == 0 {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(mapping)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode variable mapping: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
