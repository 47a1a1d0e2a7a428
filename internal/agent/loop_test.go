package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/nugget/tether-agent/internal/analyzer"
	"github.com/nugget/tether-agent/internal/events"
	"github.com/nugget/tether-agent/internal/history"
	"github.com/nugget/tether-agent/internal/llm"
	"github.com/nugget/tether-agent/internal/plugins"
	"github.com/nugget/tether-agent/internal/prompts"
	"github.com/nugget/tether-agent/internal/session"
)

const statsCall = `{"plugin":"system_stats","function":"get_stats","args":{}}`

// scriptedModel answers each Converse call with respond(n), n counting
// from 1.
type scriptedModel struct {
	mu      sync.Mutex
	systems []string
	turns   [][]llm.Message
	respond func(n int) (string, error)
}

func (m *scriptedModel) Converse(_ context.Context, system string, turns []llm.Message) (string, error) {
	m.mu.Lock()
	m.systems = append(m.systems, system)
	m.turns = append(m.turns, turns)
	n := len(m.systems)
	m.mu.Unlock()
	return m.respond(n)
}

func (m *scriptedModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.systems)
}

func replies(texts ...string) func(int) (string, error) {
	return func(n int) (string, error) {
		if n > len(texts) {
			return "", fmt.Errorf("unexpected generation %d", n)
		}
		return texts[n-1], nil
	}
}

type fakeAnalyzer struct {
	result analyzer.Result
	recent []prompts.Turn
	panics bool
}

func (f *fakeAnalyzer) Analyze(_ context.Context, _ string, recent []prompts.Turn) analyzer.Result {
	if f.panics {
		panic("analyzer exploded")
	}
	f.recent = recent
	return f.result
}

type fakeTransport struct {
	mu     sync.Mutex
	sent   []string
	status []string
	nextID int
}

func (f *fakeTransport) SendText(_ context.Context, userID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeTransport) SendStatus(_ context.Context, userID, text string) (StatusHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.status = append(f.status, "send:"+strings.TrimPrefix(text, prompts.StatusPrefix))
	return StatusHandle{UserID: userID, ID: fmt.Sprint(f.nextID)}, nil
}

func (f *fakeTransport) EditStatus(_ context.Context, h StatusHandle, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = append(f.status, "edit:"+strings.TrimPrefix(text, prompts.StatusPrefix))
	return nil
}

func (f *fakeTransport) DeleteStatus(_ context.Context, h StatusHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = append(f.status, "delete")
	return nil
}

func (f *fakeTransport) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type memHistory struct {
	mu   sync.Mutex
	msgs map[string][]history.Message
}

func (h *memHistory) Append(_ context.Context, userID, role, content string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.msgs == nil {
		h.msgs = make(map[string][]history.Message)
	}
	h.msgs[userID] = append(h.msgs[userID], history.Message{UserID: userID, Role: role, Content: content})
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

func (h *memHistory) roles(userID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, m := range h.msgs[userID] {
		out = append(out, m.Role+": "+m.Content)
	}
	return out
}

type fixedPersona string

func (p fixedPersona) Persona(context.Context, string) string { return string(p) }

type harness struct {
	loop      *Loop
	model     *scriptedModel
	analyzer  *fakeAnalyzer
	transport *fakeTransport
	history   *memHistory
	sessions  *session.Manager
	bus       *events.Bus

	statsCalls  atomic.Int32
	searchCalls atomic.Int32
	flakyCalls  atomic.Int32
	logCalls    atomic.Int32
	sleeps      int
}

func newHarness(t *testing.T, result analyzer.Result, respond func(int) (string, error)) *harness {
	t.Helper()
	h := &harness{
		model:     &scriptedModel{respond: respond},
		analyzer:  &fakeAnalyzer{result: result},
		transport: &fakeTransport{},
		history:   &memHistory{},
		sessions:  session.NewManager(nil),
		bus:       events.New(),
	}

	reg := plugins.NewRegistry(nil)
	for _, d := range []*plugins.Descriptor{
		{
			Name:        "system_stats",
			DisplayName: "System Stats",
			Functions: map[string]*plugins.Function{
				"get_stats": plugins.Func("get_stats", "Report host stats", func(ctx context.Context, _ map[string]any) (any, error) {
					h.statsCalls.Add(1)
					if plugins.UserIDFromContext(ctx) != "u1" {
						return nil, errors.New("missing user id")
					}
					return "uptime: 3h", nil
				}),
			},
		},
		{
			Name: "web_search",
			Functions: map[string]*plugins.Function{
				"search": plugins.Func("search", "Search the web", func(_ context.Context, args map[string]any) (any, error) {
					h.searchCalls.Add(1)
					return "results for " + plugins.StringArg(args, "query"), nil
				}, "query"),
			},
		},
		{
			Name: "flaky",
			Functions: map[string]*plugins.Function{
				"run": plugins.Func("run", "Fails the first time", func(context.Context, map[string]any) (any, error) {
					if h.flakyCalls.Add(1) == 1 {
						return nil, errors.New("temporarily unavailable")
					}
					return "ok now", nil
				}),
			},
		},
		{
			Name: "log_tail",
			Functions: map[string]*plugins.Function{
				"read": plugins.Func("read", "Last log line", func(context.Context, map[string]any) (any, error) {
					h.logCalls.Add(1)
					return "ERROR disk /var is 98% full", nil
				}),
			},
		},
	} {
		if err := reg.Register(d); err != nil {
			t.Fatalf("Register(%s): %v", d.Name, err)
		}
	}

	h.loop = NewLoop(Config{AgentName: "Tether", OwnerName: "Sam"}, Deps{
		Model:     h.model,
		Analyzer:  h.analyzer,
		Catalog:   reg,
		Executor:  plugins.NewDispatcher(reg, nil),
		Sessions:  h.sessions,
		History:   h.history,
		Transport: h.transport,
		Personas:  fixedPersona("Pirate"),
		Events:    h.bus,
	}, nil)
	h.loop.sleep = func(context.Context, time.Duration) error {
		h.sleeps++
		return nil
	}
	return h
}

func (h *harness) run(t *testing.T, text string) *Outcome {
	t.Helper()
	out, err := h.loop.Run(context.Background(), Request{UserID: "u1", Text: text})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if h.sessions.Active("u1") {
		t.Error("session still active after Run")
	}
	return out
}

func toolStrategy(est int) analyzer.Result {
	return analyzer.Result{Intent: "SYSTEM_STATS", Strategy: analyzer.StrategySingleTool, EstimatedIterations: est}
}

func TestRun_ToolThenAnswer(t *testing.T) {
	h := newHarness(t, toolStrategy(1), replies(
		"[THOUGHT]\nchecking\n\n[ACTION]\n"+statsCall,
		"[THOUGHT]\nI have it.\n\n[ANSWER]\nThe host has been up for 3 hours.",
	))

	out := h.run(t, "how long has the server been up?")

	if diff := cmp.Diff([]string{"The host has been up for 3 hours."}, h.transport.messages()); diff != "" {
		t.Errorf("sent mismatch (-want +got):\n%s", diff)
	}
	if got := h.statsCalls.Load(); got != 1 {
		t.Errorf("get_stats calls = %d, want 1", got)
	}
	if out.State != StateFinishing || out.Iterations != 2 || out.Budget != 5 {
		t.Errorf("outcome = %+v", out)
	}
	if diff := cmp.Diff([]string{"system_stats.get_stats"}, out.Tools); diff != "" {
		t.Errorf("tools mismatch (-want +got):\n%s", diff)
	}
	if h.sleeps != 1 {
		t.Errorf("sleeps = %d, want 1", h.sleeps)
	}

	second := h.model.systems[1]
	for _, want := range []string{
		"ITERATION: 2 of 5",
		"PERSONA: Pirate",
		"Thought: checking",
		"Observation: uptime: 3h",
	} {
		if !strings.Contains(second, want) {
			t.Errorf("second system prompt missing %q", want)
		}
	}
	if !strings.Contains(h.model.systems[0], prompts.FirstIterationContext) {
		t.Error("first system prompt missing the first-iteration context")
	}

	wantHistory := []string{
		"user: how long has the server been up?",
		"assistant: The host has been up for 3 hours.",
	}
	if diff := cmp.Diff(wantHistory, h.history.roles("u1")); diff != "" {
		t.Errorf("history mismatch (-want +got):\n%s", diff)
	}

	wantStatus := []string{
		"send:" + statusAnalyzing,
		"edit:" + statusStarting,
		"edit:📦 *Running System Stats...*",
		"delete",
	}
	if diff := cmp.Diff(wantStatus, h.transport.status); diff != "" {
		t.Errorf("status mismatch (-want +got):\n%s", diff)
	}
}

func TestRun_StrayBraceDoesNotHideCall(t *testing.T) {
	h := newHarness(t, toolStrategy(1), replies(
		"[THOUGHT]\nI will fill the {name slot.\n\n[ACTION]\n"+statsCall,
		"[ANSWER]\nUp for 3 hours.",
	))

	out := h.run(t, "uptime?")

	if got := h.statsCalls.Load(); got != 1 {
		t.Errorf("get_stats calls = %d, want 1", got)
	}
	if out.Iterations != 2 {
		t.Errorf("Iterations = %d, want 2", out.Iterations)
	}
	if diff := cmp.Diff([]string{"Up for 3 hours."}, h.transport.messages()); diff != "" {
		t.Errorf("sent mismatch (-want +got):\n%s", diff)
	}
}

func TestRun_BudgetExhausted(t *testing.T) {
	h := newHarness(t, toolStrategy(1), func(n int) (string, error) {
		return fmt.Sprintf(`[ACTION] {"plugin":"web_search","function":"search","args":{"query":"q%d"}}`, n), nil
	})

	out := h.run(t, "research everything about everything")

	if out.State != StateTimedOut {
		t.Errorf("State = %s, want %s", out.State, StateTimedOut)
	}
	if out.Budget != 5 || out.Iterations != 5 || h.model.callCount() != 5 {
		t.Errorf("budget=%d iterations=%d generations=%d, want 5/5/5", out.Budget, out.Iterations, h.model.callCount())
	}
	if got := h.searchCalls.Load(); got != 5 {
		t.Errorf("search calls = %d, want 5", got)
	}
	if diff := cmp.Diff([]string{prompts.RephraseReply}, h.transport.messages()); diff != "" {
		t.Errorf("sent mismatch (-want +got):\n%s", diff)
	}
}

func TestRun_BudgetNeverExceeded(t *testing.T) {
	for _, est := range []int{0, 1, 3, 6, 8, 20} {
		h := newHarness(t, toolStrategy(est), func(n int) (string, error) {
			return fmt.Sprintf(`{"plugin":"web_search","args":{"query":"q%d"}}`, n), nil
		})
		out := h.run(t, "keep going")
		want := analyzer.AdaptiveBudget(est, DefaultMaxIterations)
		if out.Iterations != want || h.model.callCount() > want {
			t.Errorf("est %d: iterations = %d (generations %d), want %d", est, out.Iterations, h.model.callCount(), want)
		}
	}
}

func TestRun_RepeatGuard(t *testing.T) {
	h := newHarness(t, toolStrategy(2), replies(
		"[THOUGHT]\nchecking\n\n[ACTION]\n"+statsCall,
		"[THOUGHT]\nchecking again\n\n[ACTION]\n"+statsCall,
		"[ANSWER]\nshould never be generated",
	))

	out := h.run(t, "server stats please")

	if got := h.model.callCount(); got != 2 {
		t.Errorf("generations = %d, want 2", got)
	}
	if got := h.statsCalls.Load(); got != 1 {
		t.Errorf("get_stats calls = %d, want 1", got)
	}
	if out.State != StateFinishing {
		t.Errorf("State = %s, want %s", out.State, StateFinishing)
	}
	if diff := cmp.Diff([]string{"checking again"}, h.transport.messages()); diff != "" {
		t.Errorf("sent mismatch (-want +got):\n%s", diff)
	}
}

func TestRun_RepeatAfterErrorRetries(t *testing.T) {
	call := `[ACTION] {"plugin":"flaky","function":"run","args":{}}`
	h := newHarness(t, toolStrategy(2), replies(call, call, "[ANSWER] It worked on the second try."))

	out := h.run(t, "run the flaky thing")

	if got := h.flakyCalls.Load(); got != 2 {
		t.Errorf("flaky calls = %d, want 2", got)
	}
	if out.Iterations != 3 {
		t.Errorf("Iterations = %d, want 3", out.Iterations)
	}
	if !strings.Contains(h.model.systems[1], "Observation: ERROR: temporarily unavailable") {
		t.Error("second prompt missing the error observation")
	}
}

// A successful observation that happens to mention ERROR is still a
// success, so repeating the call trips the guard.
func TestRun_RepeatGuardIgnoresErrorText(t *testing.T) {
	call := `[ACTION] {"plugin":"log_tail","function":"read","args":{}}`
	h := newHarness(t, toolStrategy(2), replies(call, call, "[ANSWER] should never be generated"))

	out := h.run(t, "anything odd in the logs?")

	if got := h.logCalls.Load(); got != 1 {
		t.Errorf("log_tail calls = %d, want 1", got)
	}
	if got := h.model.callCount(); got != 2 {
		t.Errorf("generations = %d, want 2", got)
	}
	if out.State != StateFinishing {
		t.Errorf("State = %s, want %s", out.State, StateFinishing)
	}
}

func TestRun_UnknownPluginBecomesObservation(t *testing.T) {
	h := newHarness(t, toolStrategy(1), replies(
		`[ACTION] {"plugin":"weather","function":"forecast","args":{"city":"Austin"}}`,
		"[ANSWER] I can't check the weather.",
	))

	out := h.run(t, "weather in austin?")

	if !strings.Contains(h.model.systems[1], "ERROR: ") {
		t.Error("second prompt missing the dispatch error")
	}
	if out.Reply != "I can't check the weather." {
		t.Errorf("Reply = %q", out.Reply)
	}
}

func TestRun_FirstIterationPlainText(t *testing.T) {
	h := newHarness(t, analyzer.Result{Intent: "CASUAL_CHAT", Strategy: analyzer.StrategyConversational}, replies("Hello there!"))

	out := h.run(t, "hey")

	wantTrace := []State{StateAnalyzing, StateConversing, StateIterating, StateFinishing}
	if diff := cmp.Diff(wantTrace, out.Trace); diff != "" {
		t.Errorf("trace mismatch (-want +got):\n%s", diff)
	}
	if out.Budget != DefaultMaxIterations {
		t.Errorf("Budget = %d, want %d", out.Budget, DefaultMaxIterations)
	}
	if diff := cmp.Diff([]string{"Hello there!"}, h.transport.messages()); diff != "" {
		t.Errorf("sent mismatch (-want +got):\n%s", diff)
	}
	if len(h.model.turns[0]) != 1 || h.model.turns[0][0].Content != "hey" {
		t.Errorf("turns = %+v, want the user message", h.model.turns[0])
	}
}

func TestRun_EmptyFirstIterationContinues(t *testing.T) {
	h := newHarness(t, analyzer.Result{Strategy: analyzer.StrategyConversational}, replies(
		"[THOUGHT]",
		"[ANSWER] Second try.",
	))

	out := h.run(t, "hmm okay then")

	if out.Iterations != 2 || out.Reply != "Second try." {
		t.Errorf("outcome = %+v", out)
	}
}

func TestRun_StopsCallingToolsWithoutMarker(t *testing.T) {
	h := newHarness(t, toolStrategy(1), replies(
		"[ACTION] "+statsCall,
		"[THOUGHT] Uptime is three hours.",
	))

	out := h.run(t, "uptime?")

	if out.Iterations != 2 || out.Reply != "Uptime is three hours." {
		t.Errorf("outcome = %+v", out)
	}
}

func TestRun_EmptyFinalAnswerUsesFallback(t *testing.T) {
	h := newHarness(t, toolStrategy(1), replies("[ACTION] "+statsCall, "   "))

	h.run(t, "uptime?")

	if diff := cmp.Diff([]string{prompts.TaskCompleteReply}, h.transport.messages()); diff != "" {
		t.Errorf("sent mismatch (-want +got):\n%s", diff)
	}
}

func TestRun_AnswerWithCallExecutesThenFinishes(t *testing.T) {
	h := newHarness(t, toolStrategy(1), replies(
		"[ACTION]\n"+statsCall+"\n[ANSWER]\nDone, stats collected.",
	))

	out := h.run(t, "collect stats")

	if h.statsCalls.Load() != 1 || out.Iterations != 1 || out.Reply != "Done, stats collected." {
		t.Errorf("stats=%d outcome=%+v", h.statsCalls.Load(), out)
	}
	if h.sleeps != 0 {
		t.Errorf("sleeps = %d, want 0", h.sleeps)
	}
}

func TestRun_Clarify(t *testing.T) {
	h := newHarness(t, analyzer.Result{
		Strategy:           analyzer.StrategyClarify,
		ClarifyingQuestion: "What should I do again?",
	}, replies())

	out := h.run(t, "do that again")

	if h.model.callCount() != 0 || out.Iterations != 0 {
		t.Errorf("generations = %d, iterations = %d; want 0", h.model.callCount(), out.Iterations)
	}
	if out.State != StateClarifying {
		t.Errorf("State = %s, want %s", out.State, StateClarifying)
	}
	if diff := cmp.Diff([]string{"❓ What should I do again?"}, h.transport.messages()); diff != "" {
		t.Errorf("sent mismatch (-want +got):\n%s", diff)
	}
	want := []string{"user: do that again", "assistant: What should I do again?"}
	if diff := cmp.Diff(want, h.history.roles("u1")); diff != "" {
		t.Errorf("history mismatch (-want +got):\n%s", diff)
	}
}

func TestRun_DirectAnswer(t *testing.T) {
	h := newHarness(t, analyzer.Result{
		Strategy:     analyzer.StrategyDirectAnswer,
		DirectAnswer: "You are Sam, and I am Tether.",
	}, replies())

	out := h.run(t, "who am i")

	if out.State != StateAnsweringDirect || h.model.callCount() != 0 {
		t.Errorf("State = %s, generations = %d", out.State, h.model.callCount())
	}
	if diff := cmp.Diff([]string{"You are Sam, and I am Tether."}, h.transport.messages()); diff != "" {
		t.Errorf("sent mismatch (-want +got):\n%s", diff)
	}
}

func TestRun_AnalyzerSeesRecentHistory(t *testing.T) {
	h := newHarness(t, analyzer.Result{Strategy: analyzer.StrategyConversational}, replies("Sure."))
	ctx := context.Background()
	for i := range 8 {
		h.history.Append(ctx, "u1", llm.RoleUser, fmt.Sprintf("old %d", i))
	}

	h.run(t, "new message")

	if len(h.analyzer.recent) != DefaultAnalysisTurns {
		t.Fatalf("analyzer saw %d turns, want %d", len(h.analyzer.recent), DefaultAnalysisTurns)
	}
	if last := h.analyzer.recent[len(h.analyzer.recent)-1]; last.Content != "new message" {
		t.Errorf("last analyzer turn = %q, want the new message", last.Content)
	}
}

func TestRun_ModelErrorClearsSession(t *testing.T) {
	h := newHarness(t, toolStrategy(1), func(int) (string, error) {
		return "", errors.New("connection refused")
	})

	out, err := h.loop.Run(context.Background(), Request{UserID: "u1", Text: "uptime?"})
	if err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("Run() error = %v, want connection refused", err)
	}
	if out.State != StateFailed {
		t.Errorf("State = %s, want %s", out.State, StateFailed)
	}
	if h.sessions.Active("u1") {
		t.Error("session survived a failed request")
	}
	if diff := cmp.Diff([]string{prompts.ErrorReply}, h.transport.messages()); diff != "" {
		t.Errorf("sent mismatch (-want +got):\n%s", diff)
	}
	if last := h.transport.status[len(h.transport.status)-1]; last != "delete" {
		t.Errorf("last status op = %q, want delete", last)
	}
}

func TestRun_PanicRecovered(t *testing.T) {
	h := newHarness(t, analyzer.Result{}, replies())
	h.analyzer.panics = true

	_, err := h.loop.Run(context.Background(), Request{UserID: "u1", Text: "boom"})
	if err == nil || !strings.Contains(err.Error(), "analyzer exploded") {
		t.Fatalf("Run() error = %v, want recovered panic", err)
	}
	if h.sessions.Active("u1") {
		t.Error("session survived a panic")
	}
	if diff := cmp.Diff([]string{prompts.ErrorReply}, h.transport.messages()); diff != "" {
		t.Errorf("sent mismatch (-want +got):\n%s", diff)
	}
}

func TestRun_BusyUser(t *testing.T) {
	h := newHarness(t, analyzer.Result{Strategy: analyzer.StrategyConversational}, replies("hi"))
	if err := h.sessions.TryBegin("u1", "earlier request"); err != nil {
		t.Fatalf("TryBegin: %v", err)
	}

	_, err := h.loop.Run(context.Background(), Request{UserID: "u1", Text: "hello?"})
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("Run() error = %v, want ErrBusy", err)
	}
	if !h.sessions.Active("u1") {
		t.Error("busy rejection cleared the other request's session")
	}
	if len(h.transport.messages()) != 0 || len(h.history.roles("u1")) != 0 {
		t.Error("busy rejection had side effects")
	}
}

func TestRun_SingleFlightConcurrent(t *testing.T) {
	defer goleak.VerifyNone(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	h := newHarness(t, analyzer.Result{Strategy: analyzer.StrategyConversational}, func(int) (string, error) {
		close(entered)
		<-release
		return "finally", nil
	})

	done := make(chan error, 1)
	go func() {
		_, err := h.loop.Run(context.Background(), Request{UserID: "u1", Text: "slow one"})
		done <- err
	}()

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first request never reached the model")
	}

	if !h.loop.Busy("u1") {
		t.Error("Busy(u1) = false during a request")
	}
	if _, err := h.loop.Run(context.Background(), Request{UserID: "u1", Text: "second"}); !errors.Is(err, ErrBusy) {
		t.Errorf("concurrent Run() error = %v, want ErrBusy", err)
	}
	close(release)

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("first Run() error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first request did not finish")
	}
	if h.loop.Busy("u1") {
		t.Error("Busy(u1) = true after the request finished")
	}
}

func TestRun_PublishesEvents(t *testing.T) {
	h := newHarness(t, toolStrategy(1), replies("[ACTION] "+statsCall, "[ANSWER] done"))
	ch := h.bus.Subscribe(64)
	defer h.bus.Unsubscribe(ch)

	out := h.run(t, "stats")

	var kinds []string
	var complete events.Event
	for len(ch) > 0 {
		e := <-ch
		if e.Kind == events.KindStatus {
			continue
		}
		kinds = append(kinds, e.Kind)
		if e.Kind == events.KindRequestComplete {
			complete = e
		}
	}
	want := []string{
		events.KindAnalysis,
		events.KindRequestStart,
		events.KindLLMCall,
		events.KindLLMResponse,
		events.KindToolCall,
		events.KindToolDone,
		events.KindLLMCall,
		events.KindLLMResponse,
		events.KindRequestComplete,
	}
	if diff := cmp.Diff(want, kinds); diff != "" {
		t.Errorf("event kinds mismatch (-want +got):\n%s", diff)
	}
	if complete.Data["request_id"] != out.RequestID || complete.Data["state"] != string(StateFinishing) {
		t.Errorf("request_complete data = %v", complete.Data)
	}
}

func TestStateTerminal(t *testing.T) {
	terminal := map[State]bool{
		StateAnalyzing:       false,
		StateClarifying:      true,
		StateAnsweringDirect: true,
		StateConversing:      false,
		StateIterating:       false,
		StateExecuting:       false,
		StateFinishing:       true,
		StateTimedOut:        true,
		StateFailed:          true,
	}
	for s, want := range terminal {
		if got := s.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", s, got, want)
		}
	}
}

func TestConfigDefaults(t *testing.T) {
	got := Config{MaxIterations: 3}.withDefaults()
	want := Config{
		MaxIterations: 3,
		ActionDelay:   DefaultActionDelay,
		ContextTurns:  DefaultContextTurns,
		AnalysisTurns: DefaultAnalysisTurns,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("withDefaults mismatch (-want +got):\n%s", diff)
	}
}

func TestGenerateRequestID(t *testing.T) {
	seen := make(map[string]bool)
	for range 100 {
		id := generateRequestID()
		if !strings.HasPrefix(id, "r_") || len(id) != 10 {
			t.Fatalf("request ID %q, want r_ plus 8 hex chars", id)
		}
		for _, c := range id[2:] {
			if !strings.ContainsRune("0123456789abcdef", c) {
				t.Fatalf("request ID %q contains non-hex char %q", id, c)
			}
		}
		if seen[id] {
			t.Fatalf("duplicate request ID %q", id)
		}
		seen[id] = true
	}
}
