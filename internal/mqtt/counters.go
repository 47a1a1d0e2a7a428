package mqtt

import (
	"sync"
	"time"

	"github.com/nugget/tether-agent/internal/agent"
	"github.com/nugget/tether-agent/internal/events"
)

// Counts is a snapshot of today's activity.
type Counts struct {
	Requests    int64     `json:"requests_today"`
	ToolCalls   int64     `json:"tool_calls_today"`
	Failures    int64     `json:"failures_today"`
	LastRequest time.Time `json:"last_request"`
}

// DailyCounters tallies agent activity from bus events and resets at
// local midnight. It is safe for concurrent use.
type DailyCounters struct {
	mu     sync.Mutex
	counts Counts
	day    int // year*1000 + day-of-year of the last reset
	loc    *time.Location
	now    func() time.Time
}

// NewDailyCounters creates counters that roll over at midnight in loc.
// A nil loc means [time.Local].
func NewDailyCounters(loc *time.Location) *DailyCounters {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyCounters{loc: loc, now: time.Now}
	d.day = d.dayKey()
	return d
}

// Observe folds one event into the counters. Kinds it does not count
// are ignored.
func (d *DailyCounters) Observe(e events.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maybeReset()

	switch e.Kind {
	case events.KindRequestComplete:
		d.counts.Requests++
		d.counts.LastRequest = e.Timestamp
		state, _ := e.Data["state"].(string)
		if state == string(agent.StateFailed) || state == string(agent.StateTimedOut) {
			d.counts.Failures++
		}
	case events.KindToolDone:
		d.counts.ToolCalls++
	}
}

// Snapshot returns today's counts. LastRequest survives the midnight
// reset.
func (d *DailyCounters) Snapshot() Counts {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maybeReset()
	return d.counts
}

// maybeReset must be called with d.mu held.
func (d *DailyCounters) maybeReset() {
	if today := d.dayKey(); today != d.day {
		d.counts = Counts{LastRequest: d.counts.LastRequest}
		d.day = today
	}
}

func (d *DailyCounters) dayKey() int {
	t := d.now().In(d.loc)
	return t.Year()*1000 + t.YearDay()
}
