package channels

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kitehq/kite/internal/common/apperr"
	"github.com/kitehq/kite/internal/db"
	"github.com/kitehq/kite/internal/scope"
)

// Binding maps a scope key to the session owning that conversation lane,
// plus the queue policy and credentials used when dispatching through it.
type Binding struct {
	ScopeKey    string `db:"scope_key"`
	SessionID   string `db:"session_id"`
	UserID      string `db:"user_id"`
	ChannelType string `db:"channel_type"`
	ChannelID   string `db:"channel_id"`
	// CollectDebounce is the per-binding collect fusion window in
	// milliseconds. Zero means use the server-wide default.
	CollectDebounce int       `db:"collect_debounce_ms"`
	Routing         Routing   `db:"-"`
	CreatedAt       time.Time `db:"created_at"`
}

// IdentityLink maps an external channel identity onto an internal user.
type IdentityLink struct {
	UserID       string `db:"user_id"`
	Provider     string `db:"provider"`
	ExternalID   string `db:"external_id"`
	ExternalName string `db:"external_name"`
	TeamID       string `db:"team_id"`
}

// Store persists channel bindings and identity links.
type Store struct {
	pool *db.Pool
}

// NewStore creates the channel store and its schema.
func NewStore(pool *db.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize channel schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS channel_bindings (
			scope_key TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			channel_type TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			collect_debounce_ms INTEGER NOT NULL DEFAULT 0,
			routing TEXT,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bindings_session ON channel_bindings(session_id)`,
		`CREATE TABLE IF NOT EXISTS user_identity_links (
			user_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			external_id TEXT NOT NULL,
			external_name TEXT,
			team_id TEXT,
			PRIMARY KEY (provider, external_id, team_id)
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Writer().Exec(stmt); err != nil {
			return fmt.Errorf("failed to create channel tables: %w", err)
		}
	}
	return nil
}

// SaveBinding inserts or replaces the binding for a scope key.
func (s *Store) SaveBinding(ctx context.Context, b Binding) error {
	routing, err := json.Marshal(b.Routing)
	if err != nil {
		return fmt.Errorf("failed to encode binding routing: %w", err)
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	_, err = s.pool.Writer().ExecContext(ctx, `
		INSERT OR REPLACE INTO channel_bindings
			(scope_key, session_id, user_id, channel_type, channel_id, collect_debounce_ms, routing, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ScopeKey, b.SessionID, b.UserID, b.ChannelType, b.ChannelID,
		b.CollectDebounce, string(routing), b.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save channel binding: %w", err)
	}
	return nil
}

// GetBinding resolves a scope key to its binding.
func (s *Store) GetBinding(ctx context.Context, key scope.Key) (Binding, error) {
	type row struct {
		Binding
		RoutingJSON sql.NullString `db:"routing"`
	}
	var r row
	err := s.pool.Reader().GetContext(ctx, &r, `
		SELECT scope_key, session_id, user_id, channel_type, channel_id,
		       collect_debounce_ms, routing, created_at
		FROM channel_bindings WHERE scope_key = ?`, string(key))
	if errors.Is(err, sql.ErrNoRows) {
		return Binding{}, apperr.NotFound("no binding for scope key %s", key)
	}
	if err != nil {
		return Binding{}, fmt.Errorf("failed to load channel binding: %w", err)
	}
	b := r.Binding
	if r.RoutingJSON.Valid {
		_ = json.Unmarshal([]byte(r.RoutingJSON.String), &b.Routing)
	}
	return b, nil
}

// ListBindingsForSession returns every binding attached to a session.
func (s *Store) ListBindingsForSession(ctx context.Context, sessionID string) ([]Binding, error) {
	type row struct {
		Binding
		RoutingJSON sql.NullString `db:"routing"`
	}
	var rows []row
	err := s.pool.Reader().SelectContext(ctx, &rows, `
		SELECT scope_key, session_id, user_id, channel_type, channel_id,
		       collect_debounce_ms, routing, created_at
		FROM channel_bindings WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list channel bindings: %w", err)
	}
	out := make([]Binding, 0, len(rows))
	for _, r := range rows {
		b := r.Binding
		if r.RoutingJSON.Valid {
			_ = json.Unmarshal([]byte(r.RoutingJSON.String), &b.Routing)
		}
		out = append(out, b)
	}
	return out, nil
}

// DeleteBinding removes a binding by scope key.
func (s *Store) DeleteBinding(ctx context.Context, key scope.Key) error {
	_, err := s.pool.Writer().ExecContext(ctx,
		`DELETE FROM channel_bindings WHERE scope_key = ?`, string(key))
	return err
}

// LinkIdentity records an external-identity → user mapping.
func (s *Store) LinkIdentity(ctx context.Context, link IdentityLink) error {
	_, err := s.pool.Writer().ExecContext(ctx, `
		INSERT OR REPLACE INTO user_identity_links (user_id, provider, external_id, external_name, team_id)
		VALUES (?, ?, ?, ?, ?)`,
		link.UserID, link.Provider, link.ExternalID, link.ExternalName, link.TeamID,
	)
	if err != nil {
		return fmt.Errorf("failed to link identity: %w", err)
	}
	return nil
}

// ResolveIdentity maps (provider, externalID, teamID) to the internal user.
func (s *Store) ResolveIdentity(ctx context.Context, provider, externalID, teamID string) (string, error) {
	var userID string
	err := s.pool.Reader().GetContext(ctx, &userID, `
		SELECT user_id FROM user_identity_links
		WHERE provider = ? AND external_id = ? AND team_id = ?`,
		provider, externalID, teamID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", apperr.NotFound("no user linked to %s identity %s", provider, externalID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve identity: %w", err)
	}
	return userID, nil
}
