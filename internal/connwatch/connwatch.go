// Package connwatch tracks whether the services the agent depends on
// (the model providers, mainly) are reachable. Each watched service is
// probed right away, retried with exponential backoff while it is down
// at startup, and then polled. Transitions are logged and published on
// the event bus; the API health endpoint reports the latest status.
package connwatch

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/nugget/tether-agent/internal/events"
)

// ProbeFunc returns nil when the service is reachable.
type ProbeFunc func(ctx context.Context) error

// Backoff controls probe timing. Zero fields take DefaultBackoff values.
type Backoff struct {
	Initial time.Duration // first retry delay
	Max     time.Duration // retry delay ceiling
	Retries int           // startup retries before settling into Poll
	Poll    time.Duration
	Timeout time.Duration // per probe
}

// DefaultBackoff retries at 2s, 4s, 8s ... capped at 60s, ten times,
// then polls every minute.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial: 2 * time.Second,
		Max:     60 * time.Second,
		Retries: 10,
		Poll:    60 * time.Second,
		Timeout: 10 * time.Second,
	}
}

func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.Initial <= 0 {
		b.Initial = d.Initial
	}
	if b.Max <= 0 {
		b.Max = d.Max
	}
	if b.Retries <= 0 {
		b.Retries = d.Retries
	}
	if b.Poll <= 0 {
		b.Poll = d.Poll
	}
	if b.Timeout <= 0 {
		b.Timeout = d.Timeout
	}
	return b
}

// delay returns the wait after the given number of consecutive startup
// failures, or Poll once the service has been up or retries ran out.
func (b Backoff) delay(failures int, everUp bool) time.Duration {
	if everUp || failures > b.Retries {
		return b.Poll
	}
	d := b.Initial
	for i := 1; i < failures && d < b.Max; i++ {
		d *= 2
	}
	return min(d, b.Max)
}

// Status is a service's health as reported by the API.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	Checks    int       `json:"checks"`
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher probes one service.
type Watcher struct {
	name    string
	probe   ProbeFunc
	backoff Backoff
	bus     *events.Bus
	logger  *slog.Logger
	done    chan struct{}

	mu       sync.Mutex
	ready    bool
	everUp   bool
	failures int
	checks   int
	last     time.Time
	lastErr  error
}

// Ready reports whether the last probe succeeded.
func (w *Watcher) Ready() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ready
}

// Status returns a snapshot of the watcher's state.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := Status{Name: w.name, Ready: w.ready, Checks: w.checks, LastCheck: w.last}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		next := w.check(ctx)
		if ctx.Err() != nil {
			return
		}
		timer.Reset(next)
	}
}

// check runs one probe, records it, reports a transition and returns
// the delay until the next probe.
func (w *Watcher) check(ctx context.Context) time.Duration {
	probeCtx, cancel := context.WithTimeout(ctx, w.backoff.Timeout)
	err := w.probe(probeCtx)
	cancel()
	if ctx.Err() != nil {
		return 0
	}

	w.mu.Lock()
	was := w.ready
	w.ready = err == nil
	w.checks++
	w.last = time.Now()
	w.lastErr = err
	if err == nil {
		w.everUp = true
		w.failures = 0
	} else {
		w.failures++
	}
	checks, failures, everUp := w.checks, w.failures, w.everUp
	w.mu.Unlock()

	switch {
	case err == nil && !was:
		w.logger.Info("service reachable", "service", w.name, "checks", checks)
		w.bus.Emit(events.SourceConnwatch, events.KindServiceUp, map[string]any{
			"service":  w.name,
			"attempts": checks,
		})
	case err != nil && was:
		w.logger.Warn("service unreachable", "service", w.name, "error", err)
		w.bus.Emit(events.SourceConnwatch, events.KindServiceDown, map[string]any{
			"service": w.name,
			"error":   err.Error(),
		})
	case err != nil && failures == w.backoff.Retries+1 && !everUp:
		w.logger.Warn("service still unreachable after startup retries, polling",
			"service", w.name, "attempts", checks, "error", err)
	case err != nil:
		w.logger.Debug("service probe failed", "service", w.name, "failures", failures, "error", err)
	}

	return w.backoff.delay(failures, everUp)
}

// Monitor owns a set of watchers.
type Monitor struct {
	bus    *events.Bus
	logger *slog.Logger

	mu       sync.Mutex
	cancel   context.CancelFunc
	ctx      context.Context
	watchers map[string]*Watcher
}

// NewMonitor creates a monitor whose watchers run until ctx is cancelled
// or Stop is called. bus may be nil.
func NewMonitor(ctx context.Context, bus *events.Bus, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Monitor{
		bus:      bus,
		logger:   logger.With("component", "connwatch"),
		ctx:      ctx,
		cancel:   cancel,
		watchers: make(map[string]*Watcher),
	}
}

// Watch starts probing a service. Watching a name twice replaces
// nothing and returns the existing watcher.
func (m *Monitor) Watch(name string, probe ProbeFunc, b Backoff) *Watcher {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.watchers[name]; ok {
		return w
	}
	w := &Watcher{
		name:    name,
		probe:   probe,
		backoff: b.withDefaults(),
		bus:     m.bus,
		logger:  m.logger,
		done:    make(chan struct{}),
	}
	m.watchers[name] = w
	go w.run(m.ctx)
	return w
}

// Status lists every watched service, sorted by name.
func (m *Monitor) Status() []Status {
	m.mu.Lock()
	list := make([]Status, 0, len(m.watchers))
	for _, w := range m.watchers {
		list = append(list, w.Status())
	}
	m.mu.Unlock()
	slices.SortFunc(list, func(a, b Status) int { return cmp.Compare(a.Name, b.Name) })
	return list
}

// Healthy reports whether every watched service is ready.
func (m *Monitor) Healthy() bool {
	for _, s := range m.Status() {
		if !s.Ready {
			return false
		}
	}
	return true
}

// Stop cancels every watcher and waits for them to exit.
func (m *Monitor) Stop() {
	m.cancel()
	m.mu.Lock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.Unlock()
	for _, w := range watchers {
		<-w.done
	}
}
