// Package session tracks the per-user reasoning trace of an in-flight
// agent request and enforces that each user has at most one active
// request at a time.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// ObservationLimit caps how much of a single observation is rendered
// into follow-up prompts.
const ObservationLimit = 200

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
)

var (
	// ErrSessionActive is returned by TryBegin when the user already has
	// an active session.
	ErrSessionActive = errors.New("session already active")

	// ErrNoSession is returned when an operation targets a user without
	// an active session.
	ErrNoSession = errors.New("no active session")
)

// IterationRecord is one step of the reasoning trace.
type IterationRecord struct {
	Thought     string `json:"thought,omitempty"`
	Action      string `json:"action,omitempty"`
	Observation string `json:"observation,omitempty"`
	// Failed is set when any call in Action returned an error.
	Failed    bool      `json:"failed,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is a snapshot of one user's request.
type Session struct {
	UserID      string            `json:"user_id"`
	Goal        string            `json:"goal"`
	Iterations  []IterationRecord `json:"iterations"`
	Status      Status            `json:"status"`
	StartTime   time.Time         `json:"start_time"`
	EndTime     time.Time         `json:"end_time"`
	FinalAnswer string            `json:"final_answer,omitempty"`
}

// Last returns the most recent iteration, if any.
func (s *Session) Last() (IterationRecord, bool) {
	if len(s.Iterations) == 0 {
		return IterationRecord{}, false
	}
	return s.Iterations[len(s.Iterations)-1], true
}

func (s *Session) clone() Session {
	c := *s
	c.Iterations = make([]IterationRecord, len(s.Iterations))
	copy(c.Iterations, s.Iterations)
	return c
}

// Stats summarizes a session.
type Stats struct {
	Iterations int           `json:"iterations"`
	Duration   time.Duration `json:"duration"`
	Status     Status        `json:"status"`
	ToolsUsed  []string      `json:"tools_used"`
}

// Manager owns every active session. All methods are safe for
// concurrent use; TryBegin is the only way to create a session.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	now      func() time.Time
	logger   *slog.Logger
}

// NewManager creates an empty session manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sessions: make(map[string]*Session),
		now:      time.Now,
		logger:   logger.With("component", "session"),
	}
}

// TryBegin starts a session for userID. It fails with ErrSessionActive
// if one is already running; check and insert happen under one lock.
func (m *Manager) TryBegin(userID, goal string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[userID]; ok && s.Status == StatusActive {
		return ErrSessionActive
	}
	m.sessions[userID] = &Session{
		UserID:    userID,
		Goal:      goal,
		Status:    StatusActive,
		StartTime: m.now(),
	}
	m.logger.Debug("session started", "user", userID)
	return nil
}

// Get returns a copy of the user's session.
func (m *Manager) Get(userID string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[userID]
	if !ok {
		return Session{}, false
	}
	return s.clone(), true
}

// Active reports whether userID has an active session.
func (m *Manager) Active(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[userID]
	return ok && s.Status == StatusActive
}

// Count returns the number of active sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sessions {
		if s.Status == StatusActive {
			n++
		}
	}
	return n
}

// AddIteration appends rec to the user's active session, stamping it
// with the current time.
func (m *Manager) AddIteration(userID string, rec IterationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[userID]
	if !ok || s.Status != StatusActive {
		return ErrNoSession
	}
	rec.Timestamp = m.now()
	s.Iterations = append(s.Iterations, rec)
	return nil
}

// End marks the session completed, removes it, and returns the final
// snapshot.
func (m *Manager) End(userID, finalAnswer string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[userID]
	if !ok {
		return Session{}, false
	}
	delete(m.sessions, userID)

	s.Status = StatusCompleted
	s.FinalAnswer = finalAnswer
	s.EndTime = m.now()
	m.logger.Debug("session ended",
		"user", userID,
		"iterations", len(s.Iterations),
		"elapsed", s.EndTime.Sub(s.StartTime).Round(time.Millisecond),
	)
	return s.clone(), true
}

// Clear discards the user's session without completing it.
func (m *Manager) Clear(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, userID)
}

// Stats summarizes the user's session.
func (m *Manager) Stats(userID string) (Stats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[userID]
	if !ok {
		return Stats{}, false
	}
	st := Stats{
		Iterations: len(s.Iterations),
		Duration:   m.now().Sub(s.StartTime),
		Status:     s.Status,
		ToolsUsed:  []string{},
	}
	for _, it := range s.Iterations {
		if it.Action != "" && it.Action != "Finish" {
			st.ToolsUsed = append(st.ToolsUsed, it.Action)
		}
	}
	return st, true
}

// Context renders the session's trace for inclusion in the next
// prompt. It returns "" when there is nothing to show.
func (m *Manager) Context(userID string) string {
	s, ok := m.Get(userID)
	if !ok {
		return ""
	}
	return Render(&s)
}

// Render formats a session trace. Observations longer than
// ObservationLimit are cut and marked with an ellipsis.
func Render(s *Session) string {
	if s == nil || len(s.Iterations) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("\n**AGENT CONTEXT** (Current Task Progress):\n")
	fmt.Fprintf(&b, "Goal: %s\n\n", s.Goal)

	for i, it := range s.Iterations {
		fmt.Fprintf(&b, "Iteration %d:\n", i+1)
		if it.Thought != "" {
			fmt.Fprintf(&b, "  Thought: %s\n", it.Thought)
		}
		if it.Action != "" {
			fmt.Fprintf(&b, "  Action: %s\n", it.Action)
		}
		if it.Observation != "" {
			fmt.Fprintf(&b, "  Observation: %s\n", truncate(it.Observation, ObservationLimit))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// truncate cuts s to at most n runes and appends "..." when it did.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
