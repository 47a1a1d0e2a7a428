package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/nugget/tether-agent/internal/events"
	"github.com/nugget/tether-agent/internal/prompts"
)

// DefaultPollInterval is how often the poller scans for due reminders.
const DefaultPollInterval = 30 * time.Second

// Sender delivers a text message to a user.
type Sender interface {
	SendText(ctx context.Context, userID, text string) error
}

// Poller periodically delivers due reminders.
type Poller struct {
	store    *Store
	sender   Sender
	interval time.Duration
	logger   *slog.Logger
	bus      *events.Bus
	now      func() time.Time
}

// NewPoller creates a poller. A non-positive interval selects
// DefaultPollInterval.
func NewPoller(store *Store, sender Sender, interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		store:    store,
		sender:   sender,
		interval: interval,
		logger:   logger.With("component", "reminders"),
		now:      time.Now,
	}
}

// SetEvents publishes a reminder_fired event for each delivery.
func (p *Poller) SetEvents(bus *events.Bus) { p.bus = bus }

// Run scans for due reminders until ctx is cancelled. It always returns
// nil so it can run under an errgroup alongside other services.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("reminder poller started", "interval", p.interval)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("reminder poller stopped")
			return nil
		case <-ticker.C:
			p.CheckDue(ctx)
		}
	}
}

// CheckDue delivers every due reminder once and returns how many were
// sent. A reminder whose delivery fails stays pending for the next scan.
func (p *Poller) CheckDue(ctx context.Context) int {
	due, err := p.store.Due(ctx, p.now())
	if err != nil {
		p.logger.Error("reminder check failed", "error", err)
		return 0
	}

	sent := 0
	for _, r := range due {
		if err := p.sender.SendText(ctx, r.UserID, prompts.ReminderPrefix+r.Message); err != nil {
			p.logger.Error("failed to send reminder", "id", r.ID, "user", r.UserID, "error", err)
			continue
		}
		if err := p.store.MarkTriggered(ctx, r.ID); err != nil {
			p.logger.Error("failed to mark reminder triggered", "id", r.ID, "error", err)
			continue
		}
		sent++
		p.bus.Emit(events.SourceScheduler, events.KindReminderFired, map[string]any{
			"reminder_id": r.ID,
			"user":        r.UserID,
		})
		p.logger.Info("reminder triggered", "id", r.ID, "user", r.UserID)
	}
	return sent
}
