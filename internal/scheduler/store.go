package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a reminder does not exist or belongs to
// another user.
var ErrNotFound = errors.New("reminder not found")

// Store handles reminder persistence.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a reminder store with SQLite backend.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
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

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS reminders (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		message TEXT NOT NULL,
		due_at TEXT NOT NULL,
		created_at TEXT NOT NULL,
		triggered INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_reminders_user ON reminders(user_id, triggered);
	CREATE INDEX IF NOT EXISTS idx_reminders_due ON reminders(triggered, due_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Create stores a new reminder and returns it with its assigned ID.
func (s *Store) Create(ctx context.Context, userID, message string, due time.Time) (*Reminder, error) {
	r := &Reminder{
		UserID:    userID,
		Message:   message,
		Due:       due.UTC(),
		CreatedAt: s.now().UTC(),
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO reminders (user_id, message, due_at, created_at)
		VALUES (?, ?, ?, ?)
	`, r.UserID, r.Message, r.Due.Format(time.RFC3339), r.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("insert reminder: %w", err)
	}
	if r.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("reminder id: %w", err)
	}
	return r, nil
}

// Active returns the user's untriggered reminders ordered by ID.
func (s *Store) Active(ctx context.Context, userID string) ([]*Reminder, error) {
	return s.query(ctx, `
		SELECT id, user_id, message, due_at, created_at, triggered
		FROM reminders WHERE user_id = ? AND triggered = 0
		ORDER BY id
	`, userID)
}

// Due returns every untriggered reminder whose time is at or before now.
func (s *Store) Due(ctx context.Context, now time.Time) ([]*Reminder, error) {
	return s.query(ctx, `
		SELECT id, user_id, message, due_at, created_at, triggered
		FROM reminders WHERE triggered = 0 AND due_at <= ?
		ORDER BY due_at, id
	`, now.UTC().Format(time.RFC3339))
}

// MarkTriggered flags a reminder as delivered.
func (s *Store) MarkTriggered(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE reminders SET triggered = 1 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("mark triggered: %w", err)
	}
	return nil
}

// Delete removes one of the user's reminders and returns it.
func (s *Store) Delete(ctx context.Context, userID string, id int64) (*Reminder, error) {
	list, err := s.query(ctx, `
		SELECT id, user_id, message, due_at, created_at, triggered
		FROM reminders WHERE id = ? AND user_id = ?
	`, id, userID)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM reminders WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("delete reminder: %w", err)
	}
	return list[0], nil
}

// ClearActive deletes the user's untriggered reminders and returns how
// many were removed.
func (s *Store) ClearActive(ctx context.Context, userID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM reminders WHERE user_id = ? AND triggered = 0`, userID)
	if err != nil {
		return 0, fmt.Errorf("clear reminders: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clear reminders: %w", err)
	}
	return int(n), nil
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]*Reminder, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query reminders: %w", err)
	}
	defer rows.Close()

	var out []*Reminder
	for rows.Next() {
		var r Reminder
		var due, created string
		var triggered int
		if err := rows.Scan(&r.ID, &r.UserID, &r.Message, &due, &created, &triggered); err != nil {
			return nil, fmt.Errorf("scan reminder: %w", err)
		}
		r.Due, _ = time.Parse(time.RFC3339, due)
		r.CreatedAt, _ = time.Parse(time.RFC3339, created)
		r.Triggered = triggered != 0
		out = append(out, &r)
	}
	return out, rows.Err()
}
