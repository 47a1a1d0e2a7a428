package agent

import (
	"context"
	"log/slog"

	"github.com/nugget/tether-agent/internal/events"
	"github.com/nugget/tether-agent/internal/prompts"
)

// status keeps one editable progress message per request.
type status struct {
	transport Transport
	userID    string
	handle    StatusHandle
	sent      bool
	bus       *events.Bus
	logger    *slog.Logger
}

// update sends the first status message and edits it afterwards.
func (s *status) update(ctx context.Context, text string) {
	formatted := prompts.StatusPrefix + text
	s.bus.Emit(events.SourceAgent, events.KindStatus, map[string]any{
		"user": s.userID,
		"text": text,
	})

	if !s.sent {
		h, err := s.transport.SendStatus(ctx, s.userID, formatted)
		if err != nil {
			s.logger.Debug("status send failed", "error", err)
			return
		}
		s.handle = h
		s.sent = true
		return
	}
	if err := s.transport.EditStatus(ctx, s.handle, formatted); err != nil {
		s.logger.Debug("status edit failed", "error", err)
	}
}

// clear deletes the status message, if one was sent.
func (s *status) clear(ctx context.Context) {
	if !s.sent {
		return
	}
	s.sent = false
	if err := s.transport.DeleteStatus(ctx, s.handle); err != nil {
		s.logger.Debug("status delete failed", "error", err)
	}
}
