package github

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kitehq/kite/internal/common/apperr"
	"github.com/kitehq/kite/internal/db"
)

// Service resolves a per-user GitHub client from stored tokens.
type Service struct {
	pool    *db.Pool
	apiBase string

	// factory builds clients; tests swap it for mocks.
	factory func(token string) Client
}

// NewService creates the token store and its schema. apiBase empty means
// api.github.com.
func NewService(pool *db.Pool, apiBase string) (*Service, error) {
	s := &Service{pool: pool, apiBase: apiBase}
	if s.apiBase == "" {
		s.apiBase = defaultAPIBase
	}
	s.factory = func(token string) Client {
		return NewPATClientWithBase(token, s.apiBase)
	}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize github schema: %w", err)
	}
	return s, nil
}

func (s *Service) initSchema() error {
	_, err := s.pool.Writer().Exec(`
		CREATE TABLE IF NOT EXISTS github_tokens (
			user_id TEXT PRIMARY KEY,
			token TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		)`)
	return err
}

// SetClientFactory swaps the client constructor. Tests inject mocks here.
func (s *Service) SetClientFactory(f func(token string) Client) {
	s.factory = f
}

// SetToken stores or replaces a user's personal access token.
func (s *Service) SetToken(ctx context.Context, userID, token string) error {
	if token == "" {
		return apperr.Validation("token is required")
	}
	_, err := s.pool.Writer().ExecContext(ctx, `
		INSERT INTO github_tokens (user_id, token, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET token = excluded.token, updated_at = excluded.updated_at`,
		userID, token, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to store github token: %w", err)
	}
	return nil
}

// DeleteToken removes a user's token.
func (s *Service) DeleteToken(ctx context.Context, userID string) error {
	_, err := s.pool.Writer().ExecContext(ctx,
		`DELETE FROM github_tokens WHERE user_id = ?`, userID)
	return err
}

// ClientFor returns a client authenticated as the user.
func (s *Service) ClientFor(ctx context.Context, userID string) (Client, error) {
	var token string
	err := s.pool.Reader().GetContext(ctx, &token,
		`SELECT token FROM github_tokens WHERE user_id = ?`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("no GitHub token configured for user %s", userID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load github token: %w", err)
	}
	return s.factory(token), nil
}
