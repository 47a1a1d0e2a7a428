// Package agent implements the tool-use loop: analyze a request, then
// alternate model generations and plugin calls until the model answers,
// repeats itself, or runs out of iterations.
package agent

import (
	"context"
	"errors"
	"time"

	"github.com/nugget/tether-agent/internal/analyzer"
	"github.com/nugget/tether-agent/internal/history"
	"github.com/nugget/tether-agent/internal/llm"
	"github.com/nugget/tether-agent/internal/plugins"
	"github.com/nugget/tether-agent/internal/prompts"
)

// ErrBusy is returned by Run when the user already has a request in
// flight. Nothing is sent to the user in that case.
var ErrBusy = errors.New("request already in progress")

// Defaults applied by NewLoop to zero Config fields.
const (
	DefaultMaxIterations = 10
	DefaultActionDelay   = 800 * time.Millisecond
	DefaultContextTurns  = 10
	DefaultAnalysisTurns = 5
)

// StatusHandle identifies a progress message so it can be edited or
// deleted later.
type StatusHandle struct {
	UserID string
	ID     string
}

// Transport delivers text to users. Status updates are progress
// feedback only; their failures never affect the loop.
type Transport interface {
	SendText(ctx context.Context, userID, text string) error
	SendStatus(ctx context.Context, userID, text string) (StatusHandle, error)
	EditStatus(ctx context.Context, h StatusHandle, text string) error
	DeleteStatus(ctx context.Context, h StatusHandle) error
}

// History is the persistent conversation log.
type History interface {
	Append(ctx context.Context, userID, role, content string) error
	Recent(ctx context.Context, userID string, limit int) ([]history.Message, error)
}

// Model produces the next generation from a system prompt and the
// conversation so far.
type Model interface {
	Converse(ctx context.Context, system string, turns []llm.Message) (string, error)
}

// Analyzer decides how a request should be handled.
type Analyzer interface {
	Analyze(ctx context.Context, message string, recent []prompts.Turn) analyzer.Result
}

// Catalog exposes the loaded plugins.
type Catalog interface {
	List() []*plugins.Descriptor
	Resolve(name string) *plugins.Descriptor
}

// Executor runs one tool call. Failures are reported in the Result.
type Executor interface {
	Execute(ctx context.Context, call plugins.Call) plugins.Result
}

// Personas looks up the persona a user has chosen.
type Personas interface {
	Persona(ctx context.Context, userID string) string
}

// State is a step of the loop's state machine.
type State string

const (
	StateAnalyzing       State = "ANALYZING"
	StateClarifying      State = "CLARIFYING"
	StateAnsweringDirect State = "ANSWERING_DIRECT"
	StateConversing      State = "CONVERSING"
	StateIterating       State = "ITERATING"
	StateExecuting       State = "EXECUTING"
	StateFinishing       State = "FINISHING"
	StateTimedOut        State = "TIMED_OUT"

	// StateFailed ends a request that aborted on an error.
	StateFailed State = "FAILED"
)

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	switch s {
	case StateClarifying, StateAnsweringDirect, StateFinishing, StateTimedOut, StateFailed:
		return true
	}
	return false
}

// Config controls identity and loop limits.
type Config struct {
	AgentName string
	OwnerName string

	// MaxIterations is the global iteration ceiling.
	MaxIterations int

	// ActionDelay is the pause after a tool iteration that produced no
	// answer.
	ActionDelay time.Duration

	// ContextTurns is how many history messages accompany each
	// generation; AnalysisTurns is how many the analyzer sees.
	ContextTurns  int
	AnalysisTurns int
}

func (c Config) withDefaults() Config {
	if c.MaxIterations < 1 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.ActionDelay <= 0 {
		c.ActionDelay = DefaultActionDelay
	}
	if c.ContextTurns < 1 {
		c.ContextTurns = DefaultContextTurns
	}
	if c.AnalysisTurns < 1 {
		c.AnalysisTurns = DefaultAnalysisTurns
	}
	return c
}

// Request is one inbound user message bound for the loop.
type Request struct {
	UserID string
	Text   string
}

// Outcome describes how a request ended.
type Outcome struct {
	RequestID string   `json:"request_id"`
	UserID    string   `json:"user_id"`
	State     State    `json:"state"`
	Trace     []State  `json:"trace"`
	Strategy  string   `json:"strategy,omitempty"`
	Budget    int      `json:"budget"`
	Reply     string   `json:"reply,omitempty"`
	Tools     []string `json:"tools,omitempty"`

	// Iterations counts generation calls made by the loop.
	Iterations int           `json:"iterations"`
	Elapsed    time.Duration `json:"elapsed"`
}

func (o *Outcome) enter(s State) {
	o.State = s
	o.Trace = append(o.Trace, s)
}
