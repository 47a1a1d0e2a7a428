package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/nugget/tether-agent/internal/agent"
	"github.com/nugget/tether-agent/internal/history"
	"github.com/nugget/tether-agent/internal/prompts"
)

type fakeAgent struct {
	mu   sync.Mutex
	reqs []agent.Request
	err  error
	busy bool
}

func (f *fakeAgent) Run(_ context.Context, req agent.Request) (*agent.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return &agent.Outcome{UserID: req.UserID}, f.err
}

func (f *fakeAgent) Busy(string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.busy
}

func (f *fakeAgent) requests() []agent.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]agent.Request(nil), f.reqs...)
}

type memHistory struct {
	mu      sync.Mutex
	msgs    map[string][]history.Message
	cleared []string
}

func (h *memHistory) Append(_ context.Context, userID, role, content string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.msgs == nil {
		h.msgs = make(map[string][]history.Message)
	}
	h.msgs[userID] = append(h.msgs[userID], history.Message{Role: role, Content: content})
	return nil
}

func (h *memHistory) Recent(_ context.Context, userID string, limit int) ([]history.Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	all := h.msgs[userID]
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	return append([]history.Message(nil), all...), nil
}

func (h *memHistory) Clear(_ context.Context, userID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.msgs, userID)
	h.cleared = append(h.cleared, userID)
	return nil
}

func (h *memHistory) lines(userID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, m := range h.msgs[userID] {
		out = append(out, m.Role+": "+m.Content)
	}
	return out
}

type fakeSender struct {
	mu   sync.Mutex
	sent []string
	ch   chan string
}

func (f *fakeSender) SendText(_ context.Context, userID, text string) error {
	f.mu.Lock()
	f.sent = append(f.sent, userID+"|"+text)
	f.mu.Unlock()
	if f.ch != nil {
		f.ch <- text
	}
	return nil
}

func (f *fakeSender) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type fakeGenerator struct {
	mu     sync.Mutex
	calls  int
	prompt string
	reply  string
}

func (f *fakeGenerator) Generate(_ context.Context, prompt, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.prompt = prompt
	return f.reply, nil
}

func (f *fakeGenerator) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakePersonas struct{ args string }

func (f *fakePersonas) Command(_ context.Context, _ string, args string) (string, error) {
	f.args = args
	return "Persona updated to: " + args, nil
}

type fixture struct {
	h       *Handler
	agent   *fakeAgent
	history *memHistory
	sender  *fakeSender
	gen     *fakeGenerator
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		agent:   &fakeAgent{},
		history: &memHistory{},
		sender:  &fakeSender{},
		gen:     &fakeGenerator{reply: "[ANSWER] Want more tips on sourdough?"},
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = -1
	}
	f.h = NewHandler(cfg, Deps{
		Agent:     f.agent,
		History:   f.history,
		Sender:    f.sender,
		Personas:  &fakePersonas{},
		Generator: f.gen,
	}, nil)
	t.Cleanup(f.h.Close)
	return f
}

func TestHandle_Ping(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t, Config{})

	if err := f.h.Handle(context.Background(), "u1", "  Ping "); err != nil {
		t.Fatalf("Handle() error: %v", err)
	}

	if diff := cmp.Diff([]string{"u1|" + prompts.PongReply}, f.sender.messages()); diff != "" {
		t.Errorf("sent mismatch (-want +got):\n%s", diff)
	}
	want := []string{"user: Ping", "assistant: " + prompts.PongReply}
	if diff := cmp.Diff(want, f.history.lines("u1")); diff != "" {
		t.Errorf("history mismatch (-want +got):\n%s", diff)
	}
	if len(f.agent.requests()) != 0 {
		t.Error("ping reached the agent")
	}
}

func TestHandle_Commands(t *testing.T) {
	defer goleak.VerifyNone(t)

	tests := []struct {
		text string
		want string
	}{
		{"/help", prompts.HelpText},
		{"/clear", ClearedReply},
		{"/persona@tether_bot pirate captain", "Persona updated to: pirate captain"},
		{"/frobnicate", UnknownCommandReply},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			f := newFixture(t, Config{})
			if err := f.h.Handle(context.Background(), "u1", tt.text); err != nil {
				t.Fatalf("Handle(%q) error: %v", tt.text, err)
			}
			if diff := cmp.Diff([]string{"u1|" + tt.want}, f.sender.messages()); diff != "" {
				t.Errorf("sent mismatch (-want +got):\n%s", diff)
			}
			if len(f.agent.requests()) != 0 {
				t.Errorf("%q reached the agent", tt.text)
			}
		})
	}
}

func TestHandle_ClearEmptiesHistory(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.history.Append(ctx, "u1", "user", "remember this")

	f.h.Handle(ctx, "u1", "/clear")

	if len(f.history.lines("u1")) != 0 {
		t.Errorf("history after /clear = %v", f.history.lines("u1"))
	}
}

func TestHandle_RunsAgent(t *testing.T) {
	f := newFixture(t, Config{})

	if err := f.h.Handle(context.Background(), "u1", "what's the weather like?"); err != nil {
		t.Fatalf("Handle() error: %v", err)
	}
	want := []agent.Request{{UserID: "u1", Text: "what's the weather like?"}}
	if diff := cmp.Diff(want, f.agent.requests()); diff != "" {
		t.Errorf("requests mismatch (-want +got):\n%s", diff)
	}
	if len(f.sender.messages()) != 0 {
		t.Errorf("handler sent %v itself", f.sender.messages())
	}
}

func TestHandle_Busy(t *testing.T) {
	f := newFixture(t, Config{})
	f.agent.err = agent.ErrBusy

	f.h.Handle(context.Background(), "u1", "another thing")

	if diff := cmp.Diff([]string{"u1|" + prompts.BusyReply}, f.sender.messages()); diff != "" {
		t.Errorf("sent mismatch (-want +got):\n%s", diff)
	}
}

func TestHandle_AgentFailureIsNotResent(t *testing.T) {
	f := newFixture(t, Config{})
	f.agent.err = errors.New("model down")

	if err := f.h.Handle(context.Background(), "u1", "hello there friend"); err != nil {
		t.Errorf("Handle() error = %v, want nil", err)
	}
	if len(f.sender.messages()) != 0 {
		t.Errorf("sent = %v, want nothing", f.sender.messages())
	}
}

func TestHandle_AccessDenied(t *testing.T) {
	f := newFixture(t, Config{AllowedUsers: []string{"owner"}})

	f.h.Handle(context.Background(), "stranger", "hi")
	f.h.Handle(context.Background(), "owner", "hi")

	if diff := cmp.Diff([]string{"stranger|" + prompts.AccessDeniedReply}, f.sender.messages()); diff != "" {
		t.Errorf("sent mismatch (-want +got):\n%s", diff)
	}
	if got := f.agent.requests(); len(got) != 1 || got[0].UserID != "owner" {
		t.Errorf("requests = %+v, want only owner", got)
	}
	if len(f.history.lines("stranger")) != 0 {
		t.Error("denied message was stored")
	}
}

func TestHandle_RateLimited(t *testing.T) {
	f := newFixture(t, Config{RatePerMinute: 1, RateBurst: 2})
	ctx := context.Background()

	for range 3 {
		f.h.Handle(ctx, "u1", "hello agent")
	}
	f.h.Handle(ctx, "u2", "hello agent")

	if got := len(f.agent.requests()); got != 3 {
		t.Errorf("agent requests = %d, want 3 (two for u1, one for u2)", got)
	}
	if diff := cmp.Diff([]string{"u1|" + prompts.RateLimitedReply}, f.sender.messages()); diff != "" {
		t.Errorf("sent mismatch (-want +got):\n%s", diff)
	}
}

func TestHandle_EmptyIgnored(t *testing.T) {
	f := newFixture(t, Config{})
	if err := f.h.Handle(context.Background(), "u1", "   "); err != nil {
		t.Fatalf("Handle() error: %v", err)
	}
	if len(f.sender.messages()) != 0 || len(f.agent.requests()) != 0 {
		t.Error("empty message had effects")
	}
}

func TestIdle_SendsFollowUp(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t, Config{IdleTimeout: 20 * time.Millisecond})
	f.sender.ch = make(chan string, 1)
	ctx := context.Background()
	f.history.Append(ctx, "u1", "user", "how do I bake bread?")
	f.history.Append(ctx, "u1", "assistant", "Start with flour, water, salt and yeast.")

	f.h.Handle(ctx, "u1", "thanks")

	select {
	case got := <-f.sender.ch:
		if got != "Want more tips on sourdough?" {
			t.Errorf("follow-up = %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no follow-up was sent")
	}
	f.h.Close()

	lines := f.history.lines("u1")
	if last := lines[len(lines)-1]; last != "assistant: Want more tips on sourdough?" {
		t.Errorf("last history line = %q", last)
	}
}

func TestIdle_ResetSupersedesPendingTimer(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t, Config{IdleTimeout: 60 * time.Millisecond})
	f.sender.ch = make(chan string, 4)
	ctx := context.Background()
	f.history.Append(ctx, "u1", "user", "first")
	f.history.Append(ctx, "u1", "assistant", "reply")

	for range 3 {
		f.h.Handle(ctx, "u1", "/help")
		<-f.sender.ch
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case <-f.sender.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("no follow-up was sent")
	}
	time.Sleep(150 * time.Millisecond)
	f.h.Close()

	if got := f.gen.count(); got != 1 {
		t.Errorf("follow-ups generated = %d, want 1", got)
	}
}

func TestIdle_NeedsHistory(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t, Config{IdleTimeout: 10 * time.Millisecond})
	f.h.Handle(context.Background(), "u1", "/help")

	time.Sleep(100 * time.Millisecond)
	f.h.Close()

	if got := f.gen.count(); got != 0 {
		t.Errorf("follow-ups generated = %d, want 0", got)
	}
}

func TestIdle_SkippedWhileBusy(t *testing.T) {
	f := newFixture(t, Config{})
	f.agent.busy = true
	ctx := context.Background()
	f.history.Append(ctx, "u1", "user", "a")
	f.history.Append(ctx, "u1", "assistant", "b")

	f.h.reengage(ctx, "u1")

	if f.gen.count() != 0 {
		t.Error("follow-up generated while a request was running")
	}
}

func TestClose_StopsPendingTimers(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t, Config{IdleTimeout: time.Hour})
	f.h.Handle(context.Background(), "u1", "/help")
	f.h.Close()

	// Timers armed after Close are ignored.
	f.h.resetIdle("u1")
	if n := len(f.h.timers); n != 0 {
		t.Errorf("timers after Close = %d, want 0", n)
	}
}
