// Package chat is the inbound side of the agent: it screens each user
// message, answers commands itself, and hands everything else to the
// agent loop. It also owns the per-user idle timers that send a
// follow-up when a conversation goes quiet.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nugget/tether-agent/internal/agent"
	"github.com/nugget/tether-agent/internal/events"
	"github.com/nugget/tether-agent/internal/history"
	"github.com/nugget/tether-agent/internal/llm"
	"github.com/nugget/tether-agent/internal/prompts"
)

// DefaultIdleTimeout is how long a conversation may sit idle before a
// follow-up is attempted.
const DefaultIdleTimeout = 60 * time.Second

// ClearedReply answers /clear.
const ClearedReply = "Conversation history cleared."

// UnknownCommandReply answers slash commands the handler does not know.
const UnknownCommandReply = "Unknown command. Try /help."

// Agent runs requests through the tool-use loop.
type Agent interface {
	Run(ctx context.Context, req agent.Request) (*agent.Outcome, error)
	Busy(userID string) bool
}

// History is the conversation store the handler reads and writes.
type History interface {
	Append(ctx context.Context, userID, role, content string) error
	Recent(ctx context.Context, userID string, limit int) ([]history.Message, error)
	Clear(ctx context.Context, userID string) error
}

// Sender delivers text to a user.
type Sender interface {
	SendText(ctx context.Context, userID, text string) error
}

// Personas handles the /persona command.
type Personas interface {
	Command(ctx context.Context, userID, args string) (string, error)
}

// Config controls access, rate limits and idle follow-ups.
type Config struct {
	// AllowedUsers lists the user ids that may talk to the agent. Empty
	// allows everyone.
	AllowedUsers []string

	// IdleTimeout defaults to DefaultIdleTimeout; negative disables
	// follow-ups.
	IdleTimeout time.Duration

	// RatePerMinute is the sustained per-user message rate; zero
	// disables limiting. RateBurst defaults to 1.
	RatePerMinute float64
	RateBurst     int
}

// Deps are the handler's collaborators. Personas, Generator and Events
// may be nil; without a Generator there are no idle follow-ups.
type Deps struct {
	Agent     Agent
	History   History
	Sender    Sender
	Personas  Personas
	Generator llm.Generator
	Events    *events.Bus
}

// Handler processes inbound messages. It is safe for concurrent use;
// call Close to stop pending idle timers.
type Handler struct {
	cfg     Config
	allowed map[string]bool

	agent     Agent
	history   History
	sender    Sender
	personas  Personas
	generator llm.Generator
	bus       *events.Bus
	logger    *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	timers   map[string]*idleTimer
	seq      uint64
	closed   bool

	// bg scopes follow-up work so Close can cancel it.
	bg     context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHandler creates a handler.
func NewHandler(cfg Config, deps Deps, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.RateBurst < 1 {
		cfg.RateBurst = 1
	}

	allowed := make(map[string]bool, len(cfg.AllowedUsers))
	for _, u := range cfg.AllowedUsers {
		if u = strings.TrimSpace(u); u != "" {
			allowed[u] = true
		}
	}

	bg, cancel := context.WithCancel(context.Background())
	return &Handler{
		cfg:       cfg,
		allowed:   allowed,
		agent:     deps.Agent,
		history:   deps.History,
		sender:    deps.Sender,
		personas:  deps.Personas,
		generator: deps.Generator,
		bus:       deps.Events,
		logger:    logger.With("component", "chat"),
		limiters:  make(map[string]*rate.Limiter),
		timers:    make(map[string]*idleTimer),
		bg:        bg,
		cancel:    cancel,
	}
}

// Allowed reports whether userID may use the agent.
func (h *Handler) Allowed(userID string) bool {
	return len(h.allowed) == 0 || h.allowed[userID]
}

// Handle processes one inbound message. Replies go out through the
// Sender; the returned error reports only delivery failures of replies
// the handler produced itself.
func (h *Handler) Handle(ctx context.Context, userID, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	if !h.Allowed(userID) {
		h.logger.Warn("message from unauthorized user", "user", userID)
		return h.sender.SendText(ctx, userID, prompts.AccessDeniedReply)
	}
	if !h.allow(userID) {
		h.logger.Info("rate limited", "user", userID)
		h.bus.Emit(events.SourceChat, events.KindRateLimited, map[string]any{"user": userID})
		return h.sender.SendText(ctx, userID, prompts.RateLimitedReply)
	}

	h.bus.Emit(events.SourceChat, events.KindMessageReceived, map[string]any{
		"user":        userID,
		"message_len": len(text),
	})
	h.resetIdle(userID)

	if handled, err := h.command(ctx, userID, text); handled {
		return err
	}

	_, err := h.agent.Run(ctx, agent.Request{UserID: userID, Text: text})
	switch {
	case errors.Is(err, agent.ErrBusy):
		h.logger.Info("request rejected, previous one still running", "user", userID)
		return h.sender.SendText(ctx, userID, prompts.BusyReply)
	case err != nil:
		// The loop has already apologized to the user.
		h.logger.Debug("agent request failed", "user", userID, "error", err)
	}
	return nil
}

// command answers built-in commands. It reports false for text the
// agent should handle.
func (h *Handler) command(ctx context.Context, userID, text string) (bool, error) {
	if strings.EqualFold(text, "ping") || strings.EqualFold(text, "/ping") {
		h.remember(ctx, userID, llm.RoleUser, text)
		if err := h.sender.SendText(ctx, userID, prompts.PongReply); err != nil {
			return true, err
		}
		h.remember(ctx, userID, llm.RoleAssistant, prompts.PongReply)
		return true, nil
	}
	if !strings.HasPrefix(text, "/") {
		return false, nil
	}

	name, args, _ := strings.Cut(text[1:], " ")
	// Telegram-style "/cmd@botname".
	name, _, _ = strings.Cut(name, "@")

	var reply string
	switch strings.ToLower(name) {
	case "clear":
		if err := h.history.Clear(ctx, userID); err != nil {
			h.logger.Error("history clear failed", "user", userID, "error", err)
			reply = prompts.ErrorReply
			break
		}
		h.stopIdle(userID)
		reply = ClearedReply
	case "help", "start":
		reply = prompts.HelpText
	case "persona":
		if h.personas == nil {
			reply = UnknownCommandReply
			break
		}
		r, err := h.personas.Command(ctx, userID, args)
		if err != nil {
			h.logger.Error("persona command failed", "user", userID, "error", err)
			r = prompts.ErrorReply
		}
		reply = r
	default:
		reply = UnknownCommandReply
	}
	return true, h.sender.SendText(ctx, userID, reply)
}

// allow consumes a token from the user's bucket.
func (h *Handler) allow(userID string) bool {
	if h.cfg.RatePerMinute <= 0 {
		return true
	}
	h.mu.Lock()
	lim, ok := h.limiters[userID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(h.cfg.RatePerMinute/60), h.cfg.RateBurst)
		h.limiters[userID] = lim
	}
	h.mu.Unlock()
	return lim.Allow()
}

func (h *Handler) remember(ctx context.Context, userID, role, content string) {
	if err := h.history.Append(ctx, userID, role, content); err != nil {
		h.logger.Warn("history write failed", "user", userID, "role", role, "error", err)
	}
}

// Close stops every idle timer and waits for running follow-ups.
func (h *Handler) Close() {
	h.mu.Lock()
	h.closed = true
	for user, t := range h.timers {
		t.timer.Stop()
		delete(h.timers, user)
	}
	h.mu.Unlock()

	h.cancel()
	h.wg.Wait()
}
