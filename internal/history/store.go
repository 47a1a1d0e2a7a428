// Package history stores each user's chat transcript. The agent reads
// recent turns when building prompts and writes every user and
// assistant turn through.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultMaxMessages is how many messages are kept per user.
const DefaultMaxMessages = 100

// Message is one stored chat turn.
type Message struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Store is a SQLite-backed transcript store. Only the newest
// maxMessages per user are retained.
type Store struct {
	db          *sql.DB
	maxMessages int
	now         func() time.Time
}

// NewStore opens (or creates) the history database at dbPath.
func NewStore(dbPath string, maxMessages int) (*Store, error) {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db, maxMessages: maxMessages, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		seq        INTEGER PRIMARY KEY AUTOINCREMENT,
		id         TEXT NOT NULL UNIQUE,
		user_id    TEXT NOT NULL,
		role       TEXT NOT NULL,
		content    TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_user ON messages(user_id, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append stores a turn and trims the user's history to the newest
// maxMessages entries.
func (s *Store) Append(ctx context.Context, userID, role, content string) error {
	id, _ := uuid.NewV7()
	now := s.now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, user_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		id.String(), userID, role, content, now.Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM messages
		WHERE user_id = ? AND seq NOT IN (
			SELECT seq FROM messages WHERE user_id = ? ORDER BY seq DESC LIMIT ?
		)`, userID, userID, s.maxMessages,
	); err != nil {
		return fmt.Errorf("trim history: %w", err)
	}

	return tx.Commit()
}

// Recent returns up to limit of the user's newest messages, oldest first.
func (s *Store) Recent(ctx context.Context, userID string, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, role, content, created_at FROM (
			SELECT seq, id, user_id, role, content, created_at
			FROM messages WHERE user_id = ?
			ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent: %w", err)
	}
	return scanMessages(rows)
}

// Search returns up to limit messages whose content contains query,
// case-insensitively, oldest first.
func (s *Store) Search(ctx context.Context, userID, query string, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, role, content, created_at
		FROM messages
		WHERE user_id = ? AND instr(lower(content), lower(?)) > 0
		ORDER BY seq ASC LIMIT ?`, userID, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search history: %w", err)
	}
	return scanMessages(rows)
}

// Count returns the number of stored messages for a user.
func (s *Store) Count(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE user_id = ?`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// Clear deletes all of a user's messages.
func (s *Store) Clear(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var ts string
		if err := rows.Scan(&m.ID, &m.UserID, &m.Role, &m.Content, &ts); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, m)
	}
	return out, rows.Err()
}
