// Package events carries operational events from the agent loop, the
// chat handler and the reminder poller to observers such as the
// websocket stream and the MQTT publisher. A nil *Bus is valid and
// discards everything, so publishers never need guard checks.
package events

import (
	"sync"
	"time"
)

// Sources.
const (
	SourceAgent     = "agent"
	SourceChat      = "chat"
	SourceScheduler = "scheduler"
	SourceAPI       = "api"
	SourceConnwatch = "connwatch"
)

// Kinds. The Data keys each kind carries are listed beside it.
const (
	// KindRequestStart: request_id, user, strategy, budget.
	KindRequestStart = "request_start"
	// KindAnalysis: request_id, user, intent, confidence, strategy.
	KindAnalysis = "analysis"
	// KindLLMCall: request_id, iter.
	KindLLMCall = "llm_call"
	// KindLLMResponse: request_id, iter, chars, candidates, dropped.
	KindLLMResponse = "llm_response"
	// KindToolCall: request_id, tool.
	KindToolCall = "tool_call"
	// KindToolDone: request_id, tool, ok, duration_ms.
	KindToolDone = "tool_done"
	// KindRepeat: request_id, iter, action.
	KindRepeat = "repeat_guard"
	// KindRequestComplete: request_id, user, state, iterations, elapsed_ms.
	KindRequestComplete = "request_complete"
	// KindStatus: user, text. Mirrors progress updates sent to a user.
	KindStatus = "status"

	// KindMessageReceived: user, message_len.
	KindMessageReceived = "message_received"
	// KindRateLimited: user.
	KindRateLimited = "rate_limited"
	// KindReengaged: user.
	KindReengaged = "reengaged"

	// KindReminderFired: reminder_id, user.
	KindReminderFired = "reminder_fired"

	// KindMessageSent: user, text. A message delivered to a user by a
	// transport that has no other way to reach them.
	KindMessageSent = "message_sent"

	// KindServiceUp: service, attempts. KindServiceDown: service, error.
	KindServiceUp   = "service_up"
	KindServiceDown = "service_down"
)

// DefaultBacklog is how many recent events a Bus created by New keeps
// for late subscribers.
const DefaultBacklog = 32

// Event is a single operational event.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast bus. Slow subscribers miss events
// rather than blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel handed to a subscriber
	// back to the channel stored in subs.
	recvToSend map[<-chan Event]chan Event

	backlog []Event
	next    int
	filled  bool
}

// New creates a bus that keeps the last DefaultBacklog events.
func New() *Bus {
	return NewWithBacklog(DefaultBacklog)
}

// NewWithBacklog creates a bus that keeps the last n events. n <= 0
// disables the backlog.
func NewWithBacklog(n int) *Bus {
	b := &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
	if n > 0 {
		b.backlog = make([]Event, n)
	}
	return b
}

// Publish sends e to every subscriber, dropping it for any whose buffer
// is full. A zero Timestamp is set to now.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.backlog) > 0 {
		b.backlog[b.next] = e
		b.next = (b.next + 1) % len(b.backlog)
		if b.next == 0 {
			b.filled = true
		}
	}
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit publishes an event stamped with the current time.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Subscribe returns a channel of published events. Callers must call
// Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// SubscribeRecent subscribes and returns the backlog as of the moment
// of subscription, so no event is both replayed and delivered live.
func (b *Bus) SubscribeRecent(bufSize int) (<-chan Event, []Event) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch, b.recentLocked()
}

// Unsubscribe removes a subscription and closes its channel. Unknown or
// already removed channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Recent returns the retained backlog, oldest first.
func (b *Bus) Recent() []Event {
	if b == nil {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.recentLocked()
}

// recentLocked must be called with b.mu held.
func (b *Bus) recentLocked() []Event {
	if !b.filled {
		return append([]Event(nil), b.backlog[:b.next]...)
	}
	out := make([]Event, 0, len(b.backlog))
	out = append(out, b.backlog[b.next:]...)
	return append(out, b.backlog[:b.next]...)
}
