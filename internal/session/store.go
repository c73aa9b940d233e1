// Package session implements the per-session single-writer state holder,
// its socket roles, and the durable session store.
package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kitehq/kite/internal/common/apperr"
	"github.com/kitehq/kite/internal/db"
	v1 "github.com/kitehq/kite/pkg/api/v1"
	"github.com/kitehq/kite/pkg/ws"
)

// Store persists sessions and their satellite rows: participants, share
// links, audit log, git state, changed files, queued prompts, and pending
// questions.
type Store struct {
	pool *db.Pool
}

// NewStore creates the session store and its schema.
func NewStore(pool *db.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize session schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			workspace TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			purpose TEXT NOT NULL DEFAULT 'interactive',
			parent_id TEXT,
			persona_id TEXT,
			gateway_url TEXT,
			sandbox_id TEXT,
			runner_token_hash TEXT,
			title TEXT,
			created_at DATETIME NOT NULL,
			last_active_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id, status)`,
		`CREATE TABLE IF NOT EXISTS session_prompt_queue (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			session_id TEXT NOT NULL,
			content TEXT NOT NULL,
			model TEXT,
			author TEXT,
			model_preferences TEXT,
			attachments TEXT,
			channel_type TEXT,
			channel_id TEXT,
			queue_mode TEXT NOT NULL DEFAULT 'followup',
			scope_key TEXT,
			enqueued_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_prompt_queue_session ON session_prompt_queue(session_id, seq)`,
		`CREATE TABLE IF NOT EXISTS session_pending_questions (
			question_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			text TEXT NOT NULL,
			options TEXT,
			expires_at DATETIME,
			channel_type TEXT,
			channel_id TEXT,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS session_participants (
			session_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			name TEXT,
			avatar TEXT,
			role TEXT NOT NULL DEFAULT 'viewer',
			joined_at DATETIME NOT NULL,
			PRIMARY KEY (session_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS session_share_links (
			token TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'viewer',
			created_by TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			expires_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS session_audit_log (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			actor TEXT NOT NULL,
			action TEXT NOT NULL,
			detail TEXT,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_session ON session_audit_log(session_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS session_git_state (
			session_id TEXT PRIMARY KEY,
			branch TEXT NOT NULL DEFAULT '',
			ahead INTEGER NOT NULL DEFAULT 0,
			behind INTEGER NOT NULL DEFAULT 0,
			dirty INTEGER NOT NULL DEFAULT 0,
			changed_files INTEGER NOT NULL DEFAULT 0,
			last_commit_sha TEXT,
			last_commit_msg TEXT,
			remote_url TEXT,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS session_files_changed (
			session_id TEXT NOT NULL,
			path TEXT NOT NULL,
			status TEXT NOT NULL,
			additions INTEGER NOT NULL DEFAULT 0,
			deletions INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (session_id, path)
		)`,
		`CREATE TABLE IF NOT EXISTS session_mailbox (
			id TEXT PRIMARY KEY,
			to_session_id TEXT NOT NULL,
			from_session_id TEXT NOT NULL,
			subject TEXT,
			body TEXT NOT NULL,
			sent_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_mailbox_to ON session_mailbox(to_session_id, sent_at)`,
		`CREATE TABLE IF NOT EXISTS board_tasks (
			task_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT,
			status TEXT NOT NULL DEFAULT 'todo',
			assignee_id TEXT,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agent_memory (
			user_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (user_id, key)
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Writer().Exec(stmt); err != nil {
			return fmt.Errorf("failed to create session tables: %w", err)
		}
	}
	return nil
}

type sessionRow struct {
	ID              string         `db:"id"`
	UserID          string         `db:"user_id"`
	Workspace       string         `db:"workspace"`
	Status          string         `db:"status"`
	Purpose         string         `db:"purpose"`
	ParentID        sql.NullString `db:"parent_id"`
	PersonaID       sql.NullString `db:"persona_id"`
	GatewayURL      sql.NullString `db:"gateway_url"`
	SandboxID       sql.NullString `db:"sandbox_id"`
	RunnerTokenHash sql.NullString `db:"runner_token_hash"`
	Title           sql.NullString `db:"title"`
	CreatedAt       time.Time      `db:"created_at"`
	LastActiveAt    time.Time      `db:"last_active_at"`
}

func (r *sessionRow) toSession() v1.Session {
	return v1.Session{
		ID:              r.ID,
		UserID:          r.UserID,
		Workspace:       r.Workspace,
		Status:          v1.SessionStatus(r.Status),
		Purpose:         v1.SessionPurpose(r.Purpose),
		ParentID:        r.ParentID.String,
		PersonaID:       r.PersonaID.String,
		GatewayURL:      r.GatewayURL.String,
		SandboxID:       r.SandboxID.String,
		RunnerTokenHash: r.RunnerTokenHash.String,
		Title:           r.Title.String,
		CreatedAt:       r.CreatedAt,
		LastActiveAt:    r.LastActiveAt,
	}
}

// Create inserts a new session row. Missing id, status, and timestamps are
// filled in.
func (s *Store) Create(ctx context.Context, sess v1.Session) (v1.Session, error) {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.Status == "" {
		sess.Status = v1.SessionInitializing
	}
	if sess.Purpose == "" {
		sess.Purpose = v1.PurposeInteractive
	}
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.LastActiveAt = now
	_, err := s.pool.Writer().ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, workspace, status, purpose, parent_id, persona_id,
			gateway_url, sandbox_id, runner_token_hash, title, created_at, last_active_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.UserID, sess.Workspace, string(sess.Status), string(sess.Purpose),
		nullable(sess.ParentID), nullable(sess.PersonaID), nullable(sess.GatewayURL),
		nullable(sess.SandboxID), nullable(sess.RunnerTokenHash), nullable(sess.Title),
		sess.CreatedAt, sess.LastActiveAt,
	)
	if err != nil {
		return v1.Session{}, fmt.Errorf("failed to create session: %w", err)
	}
	return sess, nil
}

// Get loads one session by id.
func (s *Store) Get(ctx context.Context, id string) (v1.Session, error) {
	var row sessionRow
	err := s.pool.Reader().GetContext(ctx, &row, `SELECT * FROM sessions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return v1.Session{}, apperr.NotFound("session %s not found", id)
	}
	if err != nil {
		return v1.Session{}, fmt.Errorf("failed to load session: %w", err)
	}
	return row.toSession(), nil
}

// GetVisible loads a session and enforces owner-only visibility for
// orchestrator and workflow sessions.
func (s *Store) GetVisible(ctx context.Context, id, userID string) (v1.Session, error) {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return v1.Session{}, err
	}
	if sess.Purpose != v1.PurposeInteractive && sess.UserID != userID {
		return v1.Session{}, apperr.NotFound("session %s not found", id)
	}
	return sess, nil
}

// ListByUser returns the user's sessions, newest first.
func (s *Store) ListByUser(ctx context.Context, userID string) ([]v1.Session, error) {
	var rows []sessionRow
	err := s.pool.Reader().SelectContext(ctx, &rows,
		`SELECT * FROM sessions WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	out := make([]v1.Session, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toSession())
	}
	return out, nil
}

// FindOrchestrator returns the user's orchestrator session, creating one if
// none exists.
func (s *Store) FindOrchestrator(ctx context.Context, userID string) (v1.Session, error) {
	var row sessionRow
	err := s.pool.Reader().GetContext(ctx, &row, `
		SELECT * FROM sessions
		WHERE user_id = ? AND purpose = 'orchestrator' AND status NOT IN ('terminated', 'archived', 'error')
		ORDER BY created_at DESC LIMIT 1`, userID)
	if err == nil {
		return row.toSession(), nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return v1.Session{}, fmt.Errorf("failed to find orchestrator session: %w", err)
	}
	return s.Create(ctx, v1.Session{
		UserID:  userID,
		Purpose: v1.PurposeOrchestrator,
		Status:  v1.SessionInitializing,
		Title:   "Orchestrator",
	})
}

// UpdateStatus writes a status transition and bumps last_active_at for
// non-terminal statuses (lastActiveAt is monotonic until terminal).
func (s *Store) UpdateStatus(ctx context.Context, id string, status v1.SessionStatus) error {
	var err error
	if status.IsTerminal() {
		_, err = s.pool.Writer().ExecContext(ctx,
			`UPDATE sessions SET status = ? WHERE id = ?`, string(status), id)
	} else {
		_, err = s.pool.Writer().ExecContext(ctx,
			`UPDATE sessions SET status = ?, last_active_at = ? WHERE id = ?`,
			string(status), time.Now().UTC(), id)
	}
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	return nil
}

// UpdateTitle sets the session title.
func (s *Store) UpdateTitle(ctx context.Context, id, title string) error {
	if _, err := s.pool.Writer().ExecContext(ctx,
		`UPDATE sessions SET title = ? WHERE id = ?`, title, id); err != nil {
		return fmt.Errorf("failed to update session title: %w", err)
	}
	return nil
}

// Touch bumps last_active_at.
func (s *Store) Touch(ctx context.Context, id string) error {
	_, err := s.pool.Writer().ExecContext(ctx,
		`UPDATE sessions SET last_active_at = ? WHERE id = ? AND status NOT IN ('terminated', 'archived', 'error')`,
		time.Now().UTC(), id)
	return err
}

// RotateRunnerToken mints a fresh runner token, stores only its hash, and
// returns the plaintext exactly once. All previously issued tokens stop
// verifying immediately.
func (s *Store) RotateRunnerToken(ctx context.Context, id string) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate runner token: %w", err)
	}
	token := hex.EncodeToString(raw)
	hash := HashRunnerToken(token)
	res, err := s.pool.Writer().ExecContext(ctx,
		`UPDATE sessions SET runner_token_hash = ? WHERE id = ?`, hash, id)
	if err != nil {
		return "", fmt.Errorf("failed to rotate runner token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", apperr.NotFound("session %s not found", id)
	}
	return token, nil
}

// HashRunnerToken is the canonical token digest stored in the session row.
func HashRunnerToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Queued prompt persistence. The holder mirrors these rows in memory; they
// survive holder restarts.

func (s *Store) EnqueuePrompt(ctx context.Context, sessionID string, p QueuedPrompt) error {
	author, err := encodeNullableJSON(p.Author)
	if err != nil {
		return err
	}
	prefs, err := encodeNullableJSON(p.ModelPreferences)
	if err != nil {
		return err
	}
	attachments, err := encodeNullableJSON(p.Attachments)
	if err != nil {
		return err
	}
	_, err = s.pool.Writer().ExecContext(ctx, `
		INSERT INTO session_prompt_queue
			(id, session_id, content, model, author, model_preferences, attachments,
			 channel_type, channel_id, queue_mode, scope_key, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, sessionID, p.Content, nullable(p.Model), author, prefs, attachments,
		nullable(p.ChannelType), nullable(p.ChannelID), string(p.QueueMode),
		nullable(p.ScopeKey), p.EnqueuedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to persist queued prompt: %w", err)
	}
	return nil
}

func (s *Store) UpdatePromptContent(ctx context.Context, promptID, content string, enqueuedAt time.Time) error {
	_, err := s.pool.Writer().ExecContext(ctx,
		`UPDATE session_prompt_queue SET content = ?, enqueued_at = ? WHERE id = ?`,
		content, enqueuedAt, promptID)
	return err
}

func (s *Store) DeletePrompt(ctx context.Context, promptID string) error {
	_, err := s.pool.Writer().ExecContext(ctx,
		`DELETE FROM session_prompt_queue WHERE id = ?`, promptID)
	return err
}

func (s *Store) LoadQueue(ctx context.Context, sessionID string) ([]QueuedPrompt, error) {
	type row struct {
		ID               string         `db:"id"`
		Content          string         `db:"content"`
		Model            sql.NullString `db:"model"`
		Author           sql.NullString `db:"author"`
		ModelPreferences sql.NullString `db:"model_preferences"`
		Attachments      sql.NullString `db:"attachments"`
		ChannelType      sql.NullString `db:"channel_type"`
		ChannelID        sql.NullString `db:"channel_id"`
		QueueMode        string         `db:"queue_mode"`
		ScopeKey         sql.NullString `db:"scope_key"`
		EnqueuedAt       time.Time      `db:"enqueued_at"`
	}
	var rows []row
	err := s.pool.Reader().SelectContext(ctx, &rows, `
		SELECT id, content, model, author, model_preferences, attachments,
		       channel_type, channel_id, queue_mode, scope_key, enqueued_at
		FROM session_prompt_queue WHERE session_id = ? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load prompt queue: %w", err)
	}
	out := make([]QueuedPrompt, 0, len(rows))
	for _, r := range rows {
		p := QueuedPrompt{
			ID:          r.ID,
			Content:     r.Content,
			Model:       r.Model.String,
			ChannelType: r.ChannelType.String,
			ChannelID:   r.ChannelID.String,
			QueueMode:   ws.QueueMode(r.QueueMode),
			ScopeKey:    r.ScopeKey.String,
			EnqueuedAt:  r.EnqueuedAt,
		}
		if r.Author.Valid {
			_ = json.Unmarshal([]byte(r.Author.String), &p.Author)
		}
		if r.ModelPreferences.Valid {
			_ = json.Unmarshal([]byte(r.ModelPreferences.String), &p.ModelPreferences)
		}
		if r.Attachments.Valid {
			_ = json.Unmarshal([]byte(r.Attachments.String), &p.Attachments)
		}
		out = append(out, p)
	}
	return out, nil
}

// Pending question persistence.

func (s *Store) SaveQuestion(ctx context.Context, sessionID string, q v1.Question) error {
	options, err := encodeNullableJSON(q.Options)
	if err != nil {
		return err
	}
	var expires any
	if q.ExpiresAt != nil {
		expires = *q.ExpiresAt
	}
	_, err = s.pool.Writer().ExecContext(ctx, `
		INSERT OR REPLACE INTO session_pending_questions
			(question_id, session_id, text, options, expires_at, channel_type, channel_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		q.QuestionID, sessionID, q.Text, options, expires,
		nullable(q.ChannelType), nullable(q.ChannelID), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to persist pending question: %w", err)
	}
	return nil
}

func (s *Store) DeleteQuestion(ctx context.Context, questionID string) error {
	_, err := s.pool.Writer().ExecContext(ctx,
		`DELETE FROM session_pending_questions WHERE question_id = ?`, questionID)
	return err
}

func (s *Store) LoadQuestions(ctx context.Context, sessionID string) ([]v1.Question, error) {
	type row struct {
		QuestionID  string         `db:"question_id"`
		Text        string         `db:"text"`
		Options     sql.NullString `db:"options"`
		ExpiresAt   sql.NullTime   `db:"expires_at"`
		ChannelType sql.NullString `db:"channel_type"`
		ChannelID   sql.NullString `db:"channel_id"`
	}
	var rows []row
	err := s.pool.Reader().SelectContext(ctx, &rows, `
		SELECT question_id, text, options, expires_at, channel_type, channel_id
		FROM session_pending_questions WHERE session_id = ? ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending questions: %w", err)
	}
	out := make([]v1.Question, 0, len(rows))
	for _, r := range rows {
		q := v1.Question{
			QuestionID:  r.QuestionID,
			Text:        r.Text,
			ChannelType: r.ChannelType.String,
			ChannelID:   r.ChannelID.String,
		}
		if r.Options.Valid {
			_ = json.Unmarshal([]byte(r.Options.String), &q.Options)
		}
		if r.ExpiresAt.Valid {
			t := r.ExpiresAt.Time
			q.ExpiresAt = &t
		}
		out = append(out, q)
	}
	return out, nil
}

// Audit log persistence, bounded on read.

func (s *Store) AppendAudit(ctx context.Context, sessionID string, e ws.AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Writer().ExecContext(ctx, `
		INSERT INTO session_audit_log (id, session_id, actor, action, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, sessionID, e.Actor, e.Action, nullable(e.Detail), e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// LoadAudit returns the most recent entries (oldest first), capped at limit.
func (s *Store) LoadAudit(ctx context.Context, sessionID string, limit int) ([]ws.AuditEntry, error) {
	type row struct {
		ID        string         `db:"id"`
		Actor     string         `db:"actor"`
		Action    string         `db:"action"`
		Detail    sql.NullString `db:"detail"`
		CreatedAt time.Time      `db:"created_at"`
	}
	var rows []row
	err := s.pool.Reader().SelectContext(ctx, &rows, `
		SELECT id, actor, action, detail, created_at FROM (
			SELECT id, actor, action, detail, created_at
			FROM session_audit_log WHERE session_id = ?
			ORDER BY created_at DESC LIMIT ?
		) ORDER BY created_at ASC`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load audit log: %w", err)
	}
	out := make([]ws.AuditEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, ws.AuditEntry{
			ID: r.ID, Actor: r.Actor, Action: r.Action,
			Detail: r.Detail.String, CreatedAt: r.CreatedAt,
		})
	}
	return out, nil
}

// Git state and changed files.

func (s *Store) SaveGitState(ctx context.Context, sessionID string, g ws.GitState) error {
	_, err := s.pool.Writer().ExecContext(ctx, `
		INSERT OR REPLACE INTO session_git_state
			(session_id, branch, ahead, behind, dirty, changed_files,
			 last_commit_sha, last_commit_msg, remote_url, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, g.Branch, g.Ahead, g.Behind, boolToInt(g.Dirty), g.ChangedFiles,
		nullable(g.LastCommitSHA), nullable(g.LastCommitMsg), nullable(g.RemoteURL),
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save git state: %w", err)
	}
	return nil
}

func (s *Store) LoadGitState(ctx context.Context, sessionID string) (*ws.GitState, error) {
	type row struct {
		Branch        string         `db:"branch"`
		Ahead         int            `db:"ahead"`
		Behind        int            `db:"behind"`
		Dirty         int            `db:"dirty"`
		ChangedFiles  int            `db:"changed_files"`
		LastCommitSHA sql.NullString `db:"last_commit_sha"`
		LastCommitMsg sql.NullString `db:"last_commit_msg"`
		RemoteURL     sql.NullString `db:"remote_url"`
	}
	var r row
	err := s.pool.Reader().GetContext(ctx, &r, `
		SELECT branch, ahead, behind, dirty, changed_files, last_commit_sha, last_commit_msg, remote_url
		FROM session_git_state WHERE session_id = ?`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load git state: %w", err)
	}
	return &ws.GitState{
		Branch: r.Branch, Ahead: r.Ahead, Behind: r.Behind, Dirty: r.Dirty != 0,
		ChangedFiles: r.ChangedFiles, LastCommitSHA: r.LastCommitSHA.String,
		LastCommitMsg: r.LastCommitMsg.String, RemoteURL: r.RemoteURL.String,
	}, nil
}

func (s *Store) ReplaceFilesChanged(ctx context.Context, sessionID string, files []ws.FileChange) error {
	tx, err := s.pool.Writer().BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin files-changed transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM session_files_changed WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to clear changed files: %w", err)
	}
	for _, f := range files {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO session_files_changed (session_id, path, status, additions, deletions)
			VALUES (?, ?, ?, ?, ?)`,
			sessionID, f.Path, f.Status, f.Additions, f.Deletions); err != nil {
			return fmt.Errorf("failed to insert changed file: %w", err)
		}
	}
	return tx.Commit()
}

// Participants and share links.

func (s *Store) UpsertParticipant(ctx context.Context, sessionID string, p ws.ParticipantInfo) error {
	_, err := s.pool.Writer().ExecContext(ctx, `
		INSERT OR REPLACE INTO session_participants (session_id, user_id, name, avatar, role, joined_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, p.UserID, nullable(p.Name), nullable(p.Avatar), p.Role, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert participant: %w", err)
	}
	return nil
}

func (s *Store) ListParticipants(ctx context.Context, sessionID string) ([]ws.ParticipantInfo, error) {
	type row struct {
		UserID   string         `db:"user_id"`
		Name     sql.NullString `db:"name"`
		Avatar   sql.NullString `db:"avatar"`
		Role     string         `db:"role"`
		JoinedAt time.Time      `db:"joined_at"`
	}
	var rows []row
	err := s.pool.Reader().SelectContext(ctx, &rows, `
		SELECT user_id, name, avatar, role, joined_at
		FROM session_participants WHERE session_id = ? ORDER BY joined_at ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}
	out := make([]ws.ParticipantInfo, 0, len(rows))
	for _, r := range rows {
		out = append(out, ws.ParticipantInfo{
			UserID: r.UserID, Name: r.Name.String, Avatar: r.Avatar.String,
			Role: r.Role, JoinedAt: r.JoinedAt.Format(time.RFC3339),
		})
	}
	return out, nil
}

// CreateShareLink mints an opaque share token granting the given role.
func (s *Store) CreateShareLink(ctx context.Context, sessionID, createdBy, role string, ttl time.Duration) (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate share token: %w", err)
	}
	token := hex.EncodeToString(raw)
	var expires any
	if ttl > 0 {
		expires = time.Now().UTC().Add(ttl)
	}
	_, err := s.pool.Writer().ExecContext(ctx, `
		INSERT INTO session_share_links (token, session_id, role, created_by, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		token, sessionID, role, createdBy, time.Now().UTC(), expires,
	)
	if err != nil {
		return "", fmt.Errorf("failed to create share link: %w", err)
	}
	return token, nil
}

// ResolveShareLink returns (sessionID, role) for a live share token.
func (s *Store) ResolveShareLink(ctx context.Context, token string) (string, string, error) {
	type row struct {
		SessionID string       `db:"session_id"`
		Role      string       `db:"role"`
		ExpiresAt sql.NullTime `db:"expires_at"`
	}
	var r row
	err := s.pool.Reader().GetContext(ctx, &r,
		`SELECT session_id, role, expires_at FROM session_share_links WHERE token = ?`, token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", apperr.NotFound("share link not found")
	}
	if err != nil {
		return "", "", fmt.Errorf("failed to resolve share link: %w", err)
	}
	if r.ExpiresAt.Valid && r.ExpiresAt.Time.Before(time.Now().UTC()) {
		return "", "", apperr.NotFound("share link expired")
	}
	return r.SessionID, r.Role, nil
}

// Mailbox, task board, and agent memory back the runner request ops.

func (s *Store) MailboxSend(ctx context.Context, fromSessionID string, req ws.MailboxSendRequest) (string, error) {
	id := uuid.NewString()
	_, err := s.pool.Writer().ExecContext(ctx, `
		INSERT INTO session_mailbox (id, to_session_id, from_session_id, subject, body, sent_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, req.ToSessionID, fromSessionID, nullable(req.Subject), req.Body, time.Now().UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to send mailbox message: %w", err)
	}
	return id, nil
}

// MailboxDrain returns and removes the session's pending mail.
func (s *Store) MailboxDrain(ctx context.Context, sessionID string) ([]ws.MailboxMessage, error) {
	type row struct {
		ID            string         `db:"id"`
		FromSessionID string         `db:"from_session_id"`
		Subject       sql.NullString `db:"subject"`
		Body          string         `db:"body"`
		SentAt        time.Time      `db:"sent_at"`
	}
	var rows []row
	err := s.pool.Reader().SelectContext(ctx, &rows, `
		SELECT id, from_session_id, subject, body, sent_at
		FROM session_mailbox WHERE to_session_id = ? ORDER BY sent_at ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to read mailbox: %w", err)
	}
	out := make([]ws.MailboxMessage, 0, len(rows))
	for _, r := range rows {
		out = append(out, ws.MailboxMessage{
			ID: r.ID, FromSessionID: r.FromSessionID,
			Subject: r.Subject.String, Body: r.Body, SentAt: r.SentAt,
		})
	}
	if _, err := s.pool.Writer().ExecContext(ctx,
		`DELETE FROM session_mailbox WHERE to_session_id = ?`, sessionID); err != nil {
		return nil, fmt.Errorf("failed to drain mailbox: %w", err)
	}
	return out, nil
}

func (s *Store) UpsertBoardTask(ctx context.Context, userID string, req ws.TaskUpsertRequest) (string, error) {
	id := req.TaskID
	if id == "" {
		id = uuid.NewString()
	}
	_, err := s.pool.Writer().ExecContext(ctx, `
		INSERT OR REPLACE INTO board_tasks (task_id, user_id, title, description, status, assignee_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, userID, req.Title, nullable(req.Description), req.Status,
		nullable(req.AssigneeID), time.Now().UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to upsert board task: %w", err)
	}
	return id, nil
}

func (s *Store) ListBoardTasks(ctx context.Context, userID string) ([]ws.BoardTask, error) {
	type row struct {
		TaskID      string         `db:"task_id"`
		Title       string         `db:"title"`
		Description sql.NullString `db:"description"`
		Status      string         `db:"status"`
		AssigneeID  sql.NullString `db:"assignee_id"`
		UpdatedAt   time.Time      `db:"updated_at"`
	}
	var rows []row
	err := s.pool.Reader().SelectContext(ctx, &rows, `
		SELECT task_id, title, description, status, assignee_id, updated_at
		FROM board_tasks WHERE user_id = ? ORDER BY updated_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list board tasks: %w", err)
	}
	out := make([]ws.BoardTask, 0, len(rows))
	for _, r := range rows {
		out = append(out, ws.BoardTask{
			TaskID: r.TaskID, Title: r.Title, Description: r.Description.String,
			Status: r.Status, AssigneeID: r.AssigneeID.String, UpdatedAt: r.UpdatedAt,
		})
	}
	return out, nil
}

func (s *Store) MemoryRead(ctx context.Context, userID, key string) (string, bool, error) {
	var value string
	err := s.pool.Reader().GetContext(ctx, &value,
		`SELECT value FROM agent_memory WHERE user_id = ? AND key = ?`, userID, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read memory: %w", err)
	}
	return value, true, nil
}

func (s *Store) MemoryWrite(ctx context.Context, userID, key, value string) error {
	_, err := s.pool.Writer().ExecContext(ctx, `
		INSERT OR REPLACE INTO agent_memory (user_id, key, value, updated_at)
		VALUES (?, ?, ?, ?)`, userID, key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to write memory: %w", err)
	}
	return nil
}

func encodeNullableJSON(v any) (sql.NullString, error) {
	switch val := v.(type) {
	case nil:
		return sql.NullString{}, nil
	case *v1.Author:
		if val == nil {
			return sql.NullString{}, nil
		}
	case *ws.ModelPreferences:
		if val == nil {
			return sql.NullString{}, nil
		}
	case []ws.Attachment:
		if len(val) == 0 {
			return sql.NullString{}, nil
		}
	case []string:
		if len(val) == 0 {
			return sql.NullString{}, nil
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode json column: %w", err)
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
