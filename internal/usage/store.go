// Package usage keeps a persistent log of agent requests and tool calls
// and aggregates it for the API. Records are append-only and indexed by
// timestamp.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Request is one finished agent request.
type Request struct {
	ID         string
	Timestamp  time.Time
	RequestID  string
	UserID     string
	State      string // terminal loop state, e.g. FINISHING or TIMED_OUT
	Iterations int
	Elapsed    time.Duration
}

// ToolCall is one plugin invocation.
type ToolCall struct {
	ID        string
	Timestamp time.Time
	RequestID string
	Tool      string // "plugin.function"
	OK        bool
	Duration  time.Duration
}

// Summary aggregates requests in a time range.
type Summary struct {
	Requests     int           `json:"requests"`
	Failures     int           `json:"failures"`
	Iterations   int64         `json:"iterations"`
	AvgElapsed   time.Duration `json:"avg_elapsed"`
	ToolCalls    int           `json:"tool_calls"`
	ToolFailures int           `json:"tool_failures"`
}

// ToolSummary aggregates calls to one tool.
type ToolSummary struct {
	Calls       int           `json:"calls"`
	Failures    int           `json:"failures"`
	AvgDuration time.Duration `json:"avg_duration"`
}

// timeLayout is fixed-width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// Store is an append-only SQLite store. All public methods are safe for
// concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore creates a usage store at the given database path. The schema
// is created automatically on first use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open usage database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS requests (
		id          TEXT PRIMARY KEY,
		timestamp   TEXT NOT NULL,
		request_id  TEXT NOT NULL,
		user_id     TEXT NOT NULL,
		state       TEXT NOT NULL,
		iterations  INTEGER NOT NULL,
		elapsed_ms  INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_requests_timestamp ON requests(timestamp);

	CREATE TABLE IF NOT EXISTS tool_calls (
		id          TEXT PRIMARY KEY,
		timestamp   TEXT NOT NULL,
		request_id  TEXT NOT NULL,
		tool        TEXT NOT NULL,
		ok          INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_timestamp ON tool_calls(timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

func newID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate usage record ID: %w", err)
	}
	return id.String(), nil
}

func stamp(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// RecordRequest persists a finished request. An empty ID gets a UUIDv7.
func (s *Store) RecordRequest(ctx context.Context, r Request) error {
	if r.ID == "" {
		var err error
		if r.ID, err = newID(); err != nil {
			return err
		}
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO requests (id, timestamp, request_id, user_id, state, iterations, elapsed_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, stamp(r.Timestamp), r.RequestID, r.UserID, r.State, r.Iterations, r.Elapsed.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert request record: %w", err)
	}
	return nil
}

// RecordToolCall persists a tool invocation. An empty ID gets a UUIDv7.
func (s *Store) RecordToolCall(ctx context.Context, c ToolCall) error {
	if c.ID == "" {
		var err error
		if c.ID, err = newID(); err != nil {
			return err
		}
	}
	if c.Timestamp.IsZero() {
		c.Timestamp = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_calls (id, timestamp, request_id, tool, ok, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, stamp(c.Timestamp), c.RequestID, c.Tool, c.OK, c.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert tool call record: %w", err)
	}
	return nil
}

// Summary returns totals for records within [start, end).
func (s *Store) Summary(ctx context.Context, start, end time.Time) (*Summary, error) {
	from, to := stamp(start), stamp(end)

	var sum Summary
	var avgMS float64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN state IN (?, ?) THEN 1 ELSE 0 END), 0), -- failed states
		        COALESCE(SUM(iterations), 0),
		        COALESCE(AVG(elapsed_ms), 0)
		 FROM requests
		 WHERE timestamp >= ? AND timestamp < ?`,
		"FAILED", "TIMED_OUT", from, to,
	).Scan(&sum.Requests, &sum.Failures, &sum.Iterations, &avgMS)
	if err != nil {
		return nil, fmt.Errorf("query request summary: %w", err)
	}
	sum.AvgElapsed = time.Duration(avgMS * float64(time.Millisecond))

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN ok = 0 THEN 1 ELSE 0 END), 0)
		 FROM tool_calls
		 WHERE timestamp >= ? AND timestamp < ?`,
		from, to,
	).Scan(&sum.ToolCalls, &sum.ToolFailures)
	if err != nil {
		return nil, fmt.Errorf("query tool summary: %w", err)
	}
	return &sum, nil
}

// SummaryByTool returns per-tool totals for calls within [start, end).
func (s *Store) SummaryByTool(ctx context.Context, start, end time.Time) (map[string]*ToolSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tool, COUNT(*), SUM(CASE WHEN ok = 0 THEN 1 ELSE 0 END), AVG(duration_ms)
		 FROM tool_calls
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY tool`,
		stamp(start), stamp(end),
	)
	if err != nil {
		return nil, fmt.Errorf("query usage by tool: %w", err)
	}
	defer rows.Close()

	result := make(map[string]*ToolSummary)
	for rows.Next() {
		var tool string
		var ts ToolSummary
		var avgMS float64
		if err := rows.Scan(&tool, &ts.Calls, &ts.Failures, &avgMS); err != nil {
			return nil, fmt.Errorf("scan usage by tool: %w", err)
		}
		ts.AvgDuration = time.Duration(avgMS * float64(time.Millisecond))
		result[tool] = &ts
	}
	return result, rows.Err()
}
