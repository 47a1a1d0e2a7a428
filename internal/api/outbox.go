package api

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/nugget/tether-agent/internal/agent"
	"github.com/nugget/tether-agent/internal/events"
)

// Outbox is the HTTP transport. Text sent to a user while one of their
// POST /v1/messages requests is in flight is captured for that response.
// Every message is also published as a message_sent event so websocket
// and MQTT observers see replies, reminders and follow-ups that arrive
// outside a request.
//
// Status messages have no HTTP representation beyond the status events
// the agent loop already publishes; the Outbox only hands out handles.
type Outbox struct {
	bus *events.Bus

	mu       sync.Mutex
	captures map[string][]*capture

	nextID atomic.Int64
}

type capture struct {
	texts []string
}

// NewOutbox creates an outbox publishing to bus, which may be nil.
func NewOutbox(bus *events.Bus) *Outbox {
	return &Outbox{bus: bus, captures: make(map[string][]*capture)}
}

// SendText implements agent.Transport.
func (o *Outbox) SendText(_ context.Context, userID, text string) error {
	o.mu.Lock()
	for _, c := range o.captures[userID] {
		c.texts = append(c.texts, text)
	}
	o.mu.Unlock()

	o.bus.Emit(events.SourceAPI, events.KindMessageSent, map[string]any{
		"user": userID,
		"text": text,
	})
	return nil
}

// SendStatus implements agent.Transport.
func (o *Outbox) SendStatus(_ context.Context, userID, _ string) (agent.StatusHandle, error) {
	return agent.StatusHandle{UserID: userID, ID: strconv.FormatInt(o.nextID.Add(1), 10)}, nil
}

// EditStatus implements agent.Transport.
func (o *Outbox) EditStatus(context.Context, agent.StatusHandle, string) error { return nil }

// DeleteStatus implements agent.Transport.
func (o *Outbox) DeleteStatus(context.Context, agent.StatusHandle) error { return nil }

// collect starts capturing userID's messages. The returned func stops
// the capture and returns what was sent, in order.
func (o *Outbox) collect(userID string) func() []string {
	c := &capture{}
	o.mu.Lock()
	o.captures[userID] = append(o.captures[userID], c)
	o.mu.Unlock()

	return func() []string {
		o.mu.Lock()
		defer o.mu.Unlock()
		list := o.captures[userID]
		for i, cc := range list {
			if cc == c {
				list = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(list) == 0 {
			delete(o.captures, userID)
		} else {
			o.captures[userID] = list
		}
		return c.texts
	}
}
