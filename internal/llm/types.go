package llm

import (
	"log/slog"
	"time"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Roles used in Message.Role.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one conversational turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a provider-neutral generation request. An empty Model
// means the router's default model.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// Response is the unified response from any provider. Wire format
// conversion happens at provider boundaries.
type Response struct {
	Model        string
	Text         string
	InputTokens  int
	OutputTokens int
	Duration     time.Duration
}

// DefaultMaxTokens caps output when a request leaves MaxTokens unset.
const DefaultMaxTokens = 2048
