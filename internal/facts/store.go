// Package facts provides long-term memory: small key/value facts a user
// asks the agent to remember, scoped per user.
package facts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned by Get when no fact exists for the key.
var ErrNotFound = errors.New("fact not found")

// Fact is one remembered piece of information.
type Fact struct {
	ID        uuid.UUID `json:"id"`
	UserID    string    `json:"user_id"`
	Key       string    `json:"key"`   // Unique per user
	Value     string    `json:"value"` // The actual information
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store manages fact persistence.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a fact store using the given database path.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS facts (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE(user_id, key)
		);

		CREATE INDEX IF NOT EXISTS idx_facts_user ON facts(user_id, key);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Set creates or replaces the fact stored under key.
func (s *Store) Set(ctx context.Context, userID, key, value string) (*Fact, error) {
	now := s.now().UTC()
	id, _ := uuid.NewV7()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO facts (id, user_id, key, value, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, key) DO UPDATE
		SET value = excluded.value, updated_at = excluded.updated_at
	`, id.String(), userID, key, value, now.Format(time.RFC3339), now.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("upsert fact: %w", err)
	}
	return s.Get(ctx, userID, key)
}

// Get retrieves a fact by key.
func (s *Store) Get(ctx context.Context, userID, key string) (*Fact, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, key, value, created_at, updated_at
		FROM facts WHERE user_id = ? AND key = ?
	`, userID, key)

	var f Fact
	var id, created, updated string
	err := row.Scan(&id, &f.UserID, &f.Key, &f.Value, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get fact: %w", err)
	}
	f.ID, _ = uuid.Parse(id)
	f.CreatedAt, _ = time.Parse(time.RFC3339, created)
	f.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
	return &f, nil
}

// Keys lists the user's fact keys in insertion order.
func (s *Store) Keys(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM facts WHERE user_id = ? ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Delete removes a fact. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, userID, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM facts WHERE user_id = ? AND key = ?`, userID, key); err != nil {
		return fmt.Errorf("delete fact: %w", err)
	}
	return nil
}
