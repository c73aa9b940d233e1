package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kitehq/kite/internal/db"
	v1 "github.com/kitehq/kite/pkg/api/v1"
)

// Store persists journal messages. Ordering within a session follows the
// seq column, which increases with insertion order.
type Store struct {
	pool *db.Pool
}

// NewStore creates the message store and its schema.
func NewStore(pool *db.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize messages schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		parts TEXT,
		author TEXT,
		channel_type TEXT,
		channel_id TEXT,
		format TEXT NOT NULL DEFAULT 'v2',
		created_at DATETIME NOT NULL,
		UNIQUE (session_id, id)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, seq);
	`
	if _, err := s.pool.Writer().Exec(schema); err != nil {
		return fmt.Errorf("failed to create messages table: %w", err)
	}
	return nil
}

type messageRow struct {
	Seq         int64          `db:"seq"`
	ID          string         `db:"id"`
	SessionID   string         `db:"session_id"`
	Role        string         `db:"role"`
	Content     string         `db:"content"`
	Parts       sql.NullString `db:"parts"`
	Author      sql.NullString `db:"author"`
	ChannelType sql.NullString `db:"channel_type"`
	ChannelID   sql.NullString `db:"channel_id"`
	Format      string         `db:"format"`
	CreatedAt   time.Time      `db:"created_at"`
}

func (r *messageRow) toMessage() (Message, error) {
	msg := Message{
		ID:          r.ID,
		SessionID:   r.SessionID,
		Role:        v1.Role(r.Role),
		Content:     r.Content,
		ChannelType: r.ChannelType.String,
		ChannelID:   r.ChannelID.String,
		Format:      v1.MessageFormat(r.Format),
		CreatedAt:   r.CreatedAt,
	}
	if r.Parts.Valid && r.Parts.String != "" {
		if err := json.Unmarshal([]byte(r.Parts.String), &msg.Parts); err != nil {
			return Message{}, fmt.Errorf("failed to decode message parts: %w", err)
		}
	}
	if r.Author.Valid && r.Author.String != "" {
		if err := json.Unmarshal([]byte(r.Author.String), &msg.Author); err != nil {
			return Message{}, fmt.Errorf("failed to decode message author: %w", err)
		}
	}
	return msg, nil
}

func encodeJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

// Append inserts a new journal entry at the tail of the session's log.
func (s *Store) Append(ctx context.Context, msg Message) error {
	parts, err := encodePartsColumn(msg.Parts)
	if err != nil {
		return fmt.Errorf("failed to encode message parts: %w", err)
	}
	var author sql.NullString
	if msg.Author != nil {
		author, err = encodeJSON(msg.Author)
		if err != nil {
			return fmt.Errorf("failed to encode message author: %w", err)
		}
	}
	format := msg.Format
	if format == "" {
		format = v1.FormatV2
	}
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err = s.pool.Writer().ExecContext(ctx, `
		INSERT INTO messages (id, session_id, role, content, parts, author, channel_type, channel_id, format, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, string(msg.Role), msg.Content, parts, author,
		nullable(msg.ChannelType), nullable(msg.ChannelID), string(format), createdAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

// Update rewrites an existing entry in place. Used for streaming extension
// and content-wins merges; insertion order is unaffected.
func (s *Store) Update(ctx context.Context, msg Message) error {
	parts, err := encodePartsColumn(msg.Parts)
	if err != nil {
		return fmt.Errorf("failed to encode message parts: %w", err)
	}
	var author sql.NullString
	if msg.Author != nil {
		author, err = encodeJSON(msg.Author)
		if err != nil {
			return fmt.Errorf("failed to encode message author: %w", err)
		}
	}
	res, err := s.pool.Writer().ExecContext(ctx, `
		UPDATE messages SET content = ?, parts = ?, author = ?, channel_type = ?, channel_id = ?, format = ?
		WHERE session_id = ? AND id = ?`,
		msg.Content, parts, author, nullable(msg.ChannelType), nullable(msg.ChannelID),
		string(msg.Format), msg.SessionID, msg.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("message %s not found in session %s", msg.ID, msg.SessionID)
	}
	return nil
}

// Get returns one message by id.
func (s *Store) Get(ctx context.Context, sessionID, messageID string) (Message, error) {
	var row messageRow
	err := s.pool.Reader().GetContext(ctx, &row,
		`SELECT * FROM messages WHERE session_id = ? AND id = ?`, sessionID, messageID)
	if err != nil {
		return Message{}, err
	}
	return row.toMessage()
}

// List returns the full journal for a session in insertion order.
func (s *Store) List(ctx context.Context, sessionID string) ([]Message, error) {
	var rows []messageRow
	err := s.pool.Reader().SelectContext(ctx, &rows,
		`SELECT * FROM messages WHERE session_id = ? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	msgs := make([]Message, 0, len(rows))
	for i := range rows {
		msg, err := rows[i].toMessage()
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// Remove deletes the given message ids from a session.
func (s *Store) Remove(ctx context.Context, sessionID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	args = append(args, sessionID)
	for _, id := range ids {
		args = append(args, id)
	}
	query := fmt.Sprintf(`DELETE FROM messages WHERE session_id = ? AND id IN (%s)`, placeholders)
	if _, err := s.pool.Writer().ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to remove messages: %w", err)
	}
	return nil
}

// RemoveFrom deletes the named message and everything appended after it,
// returning the removed ids in journal order. Used by revert.
func (s *Store) RemoveFrom(ctx context.Context, sessionID, messageID string) ([]string, error) {
	var anchor int64
	err := s.pool.Reader().GetContext(ctx, &anchor,
		`SELECT seq FROM messages WHERE session_id = ? AND id = ?`, sessionID, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to locate revert anchor: %w", err)
	}
	var removed []string
	err = s.pool.Reader().SelectContext(ctx, &removed,
		`SELECT id FROM messages WHERE session_id = ? AND seq >= ? ORDER BY seq ASC`, sessionID, anchor)
	if err != nil {
		return nil, fmt.Errorf("failed to collect reverted messages: %w", err)
	}
	_, err = s.pool.Writer().ExecContext(ctx,
		`DELETE FROM messages WHERE session_id = ? AND seq >= ?`, sessionID, anchor)
	if err != nil {
		return nil, fmt.Errorf("failed to revert messages: %w", err)
	}
	return removed, nil
}

func encodePartsColumn(parts []Part) (sql.NullString, error) {
	if len(parts) == 0 {
		return sql.NullString{}, nil
	}
	return encodeJSON(parts)
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
