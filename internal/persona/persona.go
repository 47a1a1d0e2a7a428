// Package persona stores the per-user persona description injected into
// the agent system prompt, and resolves the built-in presets.
package persona

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Default is used for users who never chose a persona.
const Default = "Helpful Assistant"

// Preset is a named, ready-made persona.
type Preset struct {
	Name        string
	Description string
}

// Presets lists the built-in personas in display order.
var Presets = []Preset{
	{"cyberpunk", "A futuristic, high-tech, low-life AI from 2077. Uses technical jargon and neon aesthetics."},
	{"medieval", "A poetic medieval bard. Speaks in old English and loves flowery metaphors."},
	{"minimalist", "A surgically minimal AI. Extremely concise, professional, and direct."},
	{"creative", "A boundless creative spirit. Loves ASCII art, metaphors, and wild ideas."},
}

// LookupPreset returns the preset named name, ignoring case.
func LookupPreset(name string) (Preset, bool) {
	for _, p := range Presets {
		if strings.EqualFold(p.Name, strings.TrimSpace(name)) {
			return p, true
		}
	}
	return Preset{}, false
}

// Store persists persona choices keyed by user. All methods are safe for
// concurrent use.
type Store struct {
	db       *sql.DB
	fallback string
}

// NewStore opens (and creates if needed) the persona table at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// SetDefault replaces Default as the persona for users without a stored
// choice. An empty text restores Default. Call before first use.
func (s *Store) SetDefault(text string) {
	s.fallback = strings.TrimSpace(text)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS personas (
		user_id    TEXT PRIMARY KEY,
		label      TEXT NOT NULL,
		persona    TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Choice is a user's persona selection. Label is the preset name, or
// "Custom" for free text.
type Choice struct {
	Label   string
	Persona string
}

// Get returns the user's persona. ok is false when none is stored.
func (s *Store) Get(ctx context.Context, userID string) (Choice, bool, error) {
	var c Choice
	err := s.db.QueryRowContext(ctx,
		`SELECT label, persona FROM personas WHERE user_id = ?`, userID,
	).Scan(&c.Label, &c.Persona)
	if errors.Is(err, sql.ErrNoRows) {
		return Choice{}, false, nil
	}
	if err != nil {
		return Choice{}, false, fmt.Errorf("get persona %s: %w", userID, err)
	}
	return c, true, nil
}

// Persona returns the persona text for the user. Users without a stored
// choice, and lookup errors, get the store default.
func (s *Store) Persona(ctx context.Context, userID string) string {
	c, ok, err := s.Get(ctx, userID)
	if err != nil || !ok {
		if s.fallback != "" {
			return s.fallback
		}
		return Default
	}
	return c.Persona
}

// Set stores a persona chosen by preset name or free text and returns
// the stored choice.
func (s *Store) Set(ctx context.Context, userID, arg string) (Choice, error) {
	arg = strings.TrimSpace(arg)
	c := Choice{Label: "Custom", Persona: arg}
	if p, ok := LookupPreset(arg); ok {
		c = Choice{Label: p.Name, Persona: p.Description}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO personas (user_id, label, persona, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE
		 SET label = excluded.label, persona = excluded.persona, updated_at = excluded.updated_at`,
		userID, c.Label, c.Persona, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return Choice{}, fmt.Errorf("set persona %s: %w", userID, err)
	}
	return c, nil
}

// Reset removes the user's persona so Default applies again.
func (s *Store) Reset(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM personas WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("reset persona %s: %w", userID, err)
	}
	return nil
}
