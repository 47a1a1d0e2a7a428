package chat

import (
	"context"
	"time"

	"github.com/nugget/tether-agent/internal/events"
	"github.com/nugget/tether-agent/internal/llm"
	"github.com/nugget/tether-agent/internal/prompts"
	"github.com/nugget/tether-agent/internal/sanitize"
)

// Follow-up limits.
const (
	reengageTurns      = 10
	reengageMinHistory = 2
	reengageTimeout    = 2 * time.Minute
)

// idleTimer is one user's pending follow-up. gen identifies the reset
// that armed it; a firing timer whose gen is no longer current does
// nothing.
type idleTimer struct {
	timer *time.Timer
	gen   uint64
}

// resetIdle re-arms the user's idle timer. Stop, re-arm and the
// generation bump happen under one lock so a superseded timer can never
// fire a follow-up.
func (h *Handler) resetIdle(userID string) {
	if h.cfg.IdleTimeout < 0 || h.generator == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	if t, ok := h.timers[userID]; ok {
		t.timer.Stop()
	}
	h.seq++
	gen := h.seq
	h.timers[userID] = &idleTimer{
		gen:   gen,
		timer: time.AfterFunc(h.cfg.IdleTimeout, func() { h.fireIdle(userID, gen) }),
	}
}

func (h *Handler) stopIdle(userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.timers[userID]; ok {
		t.timer.Stop()
		delete(h.timers, userID)
	}
}

func (h *Handler) fireIdle(userID string, gen uint64) {
	h.mu.Lock()
	t, ok := h.timers[userID]
	if h.closed || !ok || t.gen != gen {
		h.mu.Unlock()
		return
	}
	delete(h.timers, userID)
	h.wg.Add(1)
	h.mu.Unlock()
	defer h.wg.Done()

	ctx, cancel := context.WithTimeout(h.bg, reengageTimeout)
	defer cancel()
	h.reengage(ctx, userID)
}

// reengage sends one short follow-up based on the recent conversation.
// It is best effort: every failure is logged and dropped.
func (h *Handler) reengage(ctx context.Context, userID string) {
	if h.agent.Busy(userID) {
		return
	}
	log := h.logger.With("user", userID)

	msgs, err := h.history.Recent(ctx, userID, reengageTurns)
	if err != nil {
		log.Warn("follow-up skipped, history unavailable", "error", err)
		return
	}
	if len(msgs) < reengageMinHistory {
		return
	}

	turns := make([]prompts.Turn, 0, len(msgs))
	for _, m := range msgs {
		turns = append(turns, prompts.Turn{Role: m.Role, Content: m.Content})
	}
	text, err := h.generator.Generate(ctx, prompts.ReengagementPrompt(turns), "")
	if err != nil {
		log.Warn("follow-up generation failed", "error", err)
		return
	}
	text = sanitize.Text(text)
	if text == "" {
		return
	}

	if err := h.sender.SendText(ctx, userID, text); err != nil {
		log.Warn("follow-up delivery failed", "error", err)
		return
	}
	h.remember(ctx, userID, llm.RoleAssistant, text)
	h.bus.Emit(events.SourceChat, events.KindReengaged, map[string]any{"user": userID})
	log.Info("follow-up sent")
}
