package usage

import (
	"context"
	"log/slog"
	"time"

	"github.com/nugget/tether-agent/internal/events"
)

// Recorder copies request_complete and tool_done events from the bus
// into a Store.
type Recorder struct {
	store  *Store
	bus    *events.Bus
	logger *slog.Logger
}

// NewRecorder creates a recorder.
func NewRecorder(store *Store, bus *events.Bus, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, bus: bus, logger: logger.With("component", "usage")}
}

// Run records events until ctx is cancelled. It returns nil so it can
// run under an errgroup.
func (r *Recorder) Run(ctx context.Context) error {
	if r.bus == nil {
		return nil
	}
	feed := r.bus.Subscribe(256)
	defer r.bus.Unsubscribe(feed)

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-feed:
			if !ok {
				return nil
			}
			r.observe(ctx, e)
		}
	}
}

func (r *Recorder) observe(ctx context.Context, e events.Event) {
	var err error
	switch e.Kind {
	case events.KindRequestComplete:
		err = r.store.RecordRequest(ctx, Request{
			Timestamp:  e.Timestamp,
			RequestID:  str(e.Data["request_id"]),
			UserID:     str(e.Data["user"]),
			State:      str(e.Data["state"]),
			Iterations: int(num(e.Data["iterations"])),
			Elapsed:    time.Duration(num(e.Data["elapsed_ms"])) * time.Millisecond,
		})
	case events.KindToolDone:
		ok, _ := e.Data["ok"].(bool)
		err = r.store.RecordToolCall(ctx, ToolCall{
			Timestamp: e.Timestamp,
			RequestID: str(e.Data["request_id"]),
			Tool:      str(e.Data["tool"]),
			OK:        ok,
			Duration:  time.Duration(num(e.Data["duration_ms"])) * time.Millisecond,
		})
	default:
		return
	}
	if err != nil && ctx.Err() == nil {
		r.logger.Warn("usage record failed", "kind", e.Kind, "error", err)
	}
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

// num reads a numeric event field. In-process events carry Go integer
// types; float64 covers events decoded from JSON.
func num(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	}
	return 0
}
