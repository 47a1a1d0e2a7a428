package events

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"
)

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e, ok := <-ch:
		if !ok {
			t.Fatal("subscription closed")
		}
		return e
	case <-time.After(time.Second):
		t.Fatal("no event within 1s")
	}
	return Event{}
}

func kinds(evts []Event) string {
	names := make([]string, 0, len(evts))
	for _, e := range evts {
		names = append(names, e.Kind)
	}
	return strings.Join(names, ",")
}

func TestNilBus(t *testing.T) {
	var b *Bus
	b.Publish(Event{Kind: KindRequestStart})
	b.Emit(SourceChat, KindRateLimited, nil)
	if n := b.SubscriberCount(); n != 0 {
		t.Errorf("SubscriberCount() = %d, want 0", n)
	}
	if got := b.Recent(); got != nil {
		t.Errorf("Recent() = %v, want nil", got)
	}
}

func TestEmit_FanOut(t *testing.T) {
	b := New()
	subs := []<-chan Event{b.Subscribe(4), b.Subscribe(4), b.Subscribe(4)}
	t.Cleanup(func() {
		for _, ch := range subs {
			b.Unsubscribe(ch)
		}
	})

	before := time.Now()
	b.Emit(SourceAgent, KindToolDone, map[string]any{
		"request_id": "req-1",
		"tool":       "memory.get_fact",
		"ok":         true,
	})

	for i, ch := range subs {
		e := recv(t, ch)
		if e.Timestamp.Before(before) {
			t.Errorf("subscriber %d: Timestamp %v not stamped by Emit", i, e.Timestamp)
		}
		want := map[string]any{"request_id": "req-1", "tool": "memory.get_fact", "ok": true}
		if diff := cmp.Diff(want, e.Data); diff != "" {
			t.Errorf("subscriber %d data mismatch (-want +got):\n%s", i, diff)
		}
		if e.Source != SourceAgent || e.Kind != KindToolDone {
			t.Errorf("subscriber %d: got %s/%s", i, e.Source, e.Kind)
		}
	}
}

// A slow websocket client must not hold up the agent loop.
func TestPublish_SlowSubscriberMisses(t *testing.T) {
	b := NewWithBacklog(0)
	slow := b.Subscribe(1)
	fast := b.Subscribe(8)
	defer b.Unsubscribe(slow)
	defer b.Unsubscribe(fast)

	for _, k := range []string{KindLLMCall, KindLLMResponse, KindToolCall} {
		b.Publish(Event{Kind: k})
	}

	if e := recv(t, slow); e.Kind != KindLLMCall {
		t.Errorf("slow got %q, want %q", e.Kind, KindLLMCall)
	}
	select {
	case e := <-slow:
		t.Errorf("slow subscriber received %q after its buffer filled", e.Kind)
	default:
	}

	var got []Event
	for range 3 {
		got = append(got, recv(t, fast))
	}
	if k := kinds(got); k != "llm_call,llm_response,tool_call" {
		t.Errorf("fast got %s", k)
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	a := b.Subscribe(2)
	c := b.Subscribe(2)
	if n := b.SubscriberCount(); n != 2 {
		t.Fatalf("SubscriberCount() = %d, want 2", n)
	}

	b.Unsubscribe(a)
	b.Unsubscribe(a)
	if _, ok := <-a; ok {
		t.Error("channel still open after Unsubscribe")
	}
	if n := b.SubscriberCount(); n != 1 {
		t.Errorf("SubscriberCount() = %d, want 1", n)
	}

	b.Publish(Event{Kind: KindStatus})
	if e := recv(t, c); e.Kind != KindStatus {
		t.Errorf("remaining subscriber got %q", e.Kind)
	}
	b.Unsubscribe(c)
	b.Publish(Event{Kind: KindStatus})
}

func TestRecent(t *testing.T) {
	tests := []struct {
		name    string
		backlog int
		publish []string
		want    string
	}{
		{name: "empty", backlog: 3, want: ""},
		{name: "partial", backlog: 3, publish: []string{"a", "b"}, want: "a,b"},
		{name: "wrapped", backlog: 3, publish: []string{"a", "b", "c", "d", "e"}, want: "c,d,e"},
		{name: "disabled", backlog: 0, publish: []string{"a"}, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewWithBacklog(tt.backlog)
			for _, k := range tt.publish {
				b.Publish(Event{Kind: k})
			}
			if got := kinds(b.Recent()); got != tt.want {
				t.Errorf("Recent() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSubscribeRecent_NoGapNoDuplicate(t *testing.T) {
	b := NewWithBacklog(4)
	b.Emit(SourceAgent, KindRequestStart, nil)
	b.Emit(SourceAgent, KindAnalysis, nil)

	ch, backlog := b.SubscribeRecent(4)
	defer b.Unsubscribe(ch)
	b.Emit(SourceAgent, KindRequestComplete, nil)

	if k := kinds(backlog); k != "request_start,analysis" {
		t.Errorf("backlog = %s", k)
	}
	if e := recv(t, ch); e.Kind != KindRequestComplete {
		t.Errorf("live event = %q, want %q", e.Kind, KindRequestComplete)
	}
	select {
	case e := <-ch:
		t.Errorf("unexpected extra event %q", e.Kind)
	default:
	}
}

func TestConcurrentPublishers(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := New()
	ch := b.Subscribe(16)

	var drained sync.WaitGroup
	drained.Add(1)
	go func() {
		defer drained.Done()
		for range ch {
		}
	}()

	var pubs sync.WaitGroup
	for user := range 8 {
		pubs.Add(1)
		go func() {
			defer pubs.Done()
			for iter := range 50 {
				b.Emit(SourceAgent, KindLLMCall, map[string]any{"user": user, "iter": iter})
			}
		}()
	}
	pubs.Wait()

	b.Unsubscribe(ch)
	drained.Wait()

	if n := len(b.Recent()); n != DefaultBacklog {
		t.Errorf("len(Recent()) = %d, want %d", n, DefaultBacklog)
	}
}
