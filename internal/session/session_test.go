package session

import (
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func fixedClock(m *Manager) *time.Time {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	return &now
}

func TestManager_Lifecycle(t *testing.T) {
	m := NewManager(nil)
	now := fixedClock(m)

	if err := m.TryBegin("u1", "check the weather"); err != nil {
		t.Fatalf("TryBegin error: %v", err)
	}
	if !m.Active("u1") {
		t.Fatal("Active(u1) = false after TryBegin")
	}
	if err := m.TryBegin("u1", "another goal"); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("second TryBegin = %v, want ErrSessionActive", err)
	}

	if err := m.AddIteration("u1", IterationRecord{Thought: "t1", Action: "a1", Observation: "o1"}); err != nil {
		t.Fatalf("AddIteration error: %v", err)
	}
	*now = now.Add(2 * time.Second)
	m.AddIteration("u1", IterationRecord{Thought: "t2"})

	s, ok := m.Get("u1")
	if !ok {
		t.Fatal("Get(u1) missing")
	}
	if len(s.Iterations) != 2 || s.Iterations[0].Action != "a1" {
		t.Fatalf("iterations = %+v", s.Iterations)
	}
	if !s.Iterations[1].Timestamp.After(s.Iterations[0].Timestamp) {
		t.Error("iteration timestamps should follow append order")
	}

	// Snapshots must not alias internal state.
	s.Iterations[0].Action = "mutated"
	again, _ := m.Get("u1")
	if again.Iterations[0].Action != "a1" {
		t.Error("Get returned a snapshot sharing storage with the manager")
	}

	final, ok := m.End("u1", "sunny")
	if !ok {
		t.Fatal("End(u1) = false")
	}
	if final.Status != StatusCompleted || final.FinalAnswer != "sunny" {
		t.Errorf("final = %s/%q, want completed/sunny", final.Status, final.FinalAnswer)
	}
	if final.EndTime.Sub(final.StartTime) != 2*time.Second {
		t.Errorf("elapsed = %s, want 2s", final.EndTime.Sub(final.StartTime))
	}
	if m.Active("u1") {
		t.Error("session still active after End")
	}
	if err := m.AddIteration("u1", IterationRecord{}); !errors.Is(err, ErrNoSession) {
		t.Errorf("AddIteration after End = %v, want ErrNoSession", err)
	}
	if err := m.TryBegin("u1", "next"); err != nil {
		t.Errorf("TryBegin after End error: %v", err)
	}
}

func TestManager_Clear(t *testing.T) {
	m := NewManager(nil)
	m.TryBegin("u1", "goal")
	m.Clear("u1")
	if _, ok := m.Get("u1"); ok {
		t.Error("session survived Clear")
	}
	if m.Count() != 0 {
		t.Errorf("Count = %d, want 0", m.Count())
	}
}

func TestManager_SingleFlight(t *testing.T) {
	m := NewManager(nil)

	var (
		wg      sync.WaitGroup
		started atomic.Int32
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.TryBegin("same-user", "race") == nil {
				started.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := started.Load(); got != 1 {
		t.Errorf("%d concurrent TryBegin calls succeeded, want exactly 1", got)
	}
}

func TestManager_Stats(t *testing.T) {
	m := NewManager(nil)
	now := fixedClock(m)
	m.TryBegin("u1", "goal")
	m.AddIteration("u1", IterationRecord{Action: `{"plugin":"a"}`})
	m.AddIteration("u1", IterationRecord{Thought: "thinking"})
	m.AddIteration("u1", IterationRecord{Action: "Finish"})
	*now = now.Add(5 * time.Second)

	st, ok := m.Stats("u1")
	if !ok {
		t.Fatal("Stats(u1) missing")
	}
	want := Stats{
		Iterations: 3,
		Duration:   5 * time.Second,
		Status:     StatusActive,
		ToolsUsed:  []string{`{"plugin":"a"}`},
	}
	if diff := cmp.Diff(want, st); diff != "" {
		t.Errorf("Stats mismatch (-want +got):\n%s", diff)
	}
	if _, ok := m.Stats("nobody"); ok {
		t.Error("Stats(nobody) should be missing")
	}
}

func TestRender(t *testing.T) {
	long := strings.Repeat("x", 250)
	s := &Session{
		Goal: "find facts",
		Iterations: []IterationRecord{
			{Thought: "look it up", Action: `{"plugin":"memory"}`, Observation: long},
			{Observation: "short"},
		},
	}

	got := Render(s)
	want := "\n**AGENT CONTEXT** (Current Task Progress):\n" +
		"Goal: find facts\n\n" +
		"Iteration 1:\n" +
		"  Thought: look it up\n" +
		"  Action: {\"plugin\":\"memory\"}\n" +
		"  Observation: " + strings.Repeat("x", 200) + "...\n\n" +
		"Iteration 2:\n" +
		"  Observation: short\n\n"
	if got != want {
		t.Errorf("Render mismatch:\n got: %q\nwant: %q", got, want)
	}

	if Render(&Session{Goal: "empty"}) != "" {
		t.Error("Render of a session without iterations should be empty")
	}
}

func TestManager_ContextMissing(t *testing.T) {
	m := NewManager(nil)
	if got := m.Context("ghost"); got != "" {
		t.Errorf("Context(ghost) = %q, want empty", got)
	}
}
