package plugins

import (
	"context"
	"errors"
	"testing"
)

func noop(context.Context, map[string]any) (any, error) { return nil, nil }

func testDescriptor(name string, fns ...string) *Descriptor {
	d := &Descriptor{
		Name:        name,
		DisplayName: name + " display",
		Functions:   make(map[string]*Function),
		Source:      "builtin",
	}
	for _, fn := range fns {
		d.Functions[fn] = Func(fn, fn+" description", noop)
	}
	return d
}

func TestRegistry_ResolveAliases(t *testing.T) {
	r := NewRegistry(nil)
	d := testDescriptor("system_stats", "get_stats")
	d.DisplayName = "System Stats"
	d.Slug = "sysstats"
	if err := r.Register(d); err != nil {
		t.Fatalf("Register error: %v", err)
	}

	for _, name := range []string{"system_stats", "SYSTEM_STATS", "System Stats", "system stats", " sysstats "} {
		if got := r.Resolve(name); got != d {
			t.Errorf("Resolve(%q) = %v, want system_stats", name, got)
		}
	}
	if got := r.Resolve("weather"); got != nil {
		t.Errorf("Resolve(weather) = %v, want nil", got.Name)
	}
	if got := r.Resolve(""); got != nil {
		t.Errorf("Resolve(\"\") = %v, want nil", got.Name)
	}
}

func TestRegistry_DefaultPriority(t *testing.T) {
	r := NewRegistry(nil)
	d := testDescriptor("memory", "get_fact")
	if err := r.Register(d); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	if d.Priority != DefaultPriority {
		t.Errorf("Priority = %d, want %d", d.Priority, DefaultPriority)
	}
}

func TestRegistry_RejectsInvalid(t *testing.T) {
	r := NewRegistry(nil)

	tests := []struct {
		name string
		desc *Descriptor
	}{
		{name: "no name", desc: &Descriptor{Functions: map[string]*Function{"f": Func("f", "", noop)}}},
		{name: "no functions", desc: &Descriptor{Name: "empty"}},
		{name: "nil handler", desc: &Descriptor{Name: "broken", Functions: map[string]*Function{"f": {Name: "f"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := r.Register(tt.desc); err == nil {
				t.Error("Register should fail")
			}
		})
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d, want 0", r.Len())
	}
}

func TestRegistry_DuplicateAlias(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.Register(testDescriptor("memory", "get_fact")); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	dup := testDescriptor("notes", "get")
	dup.Slug = "MEMORY"
	err := r.Register(dup)
	if !errors.Is(err, ErrDuplicatePlugin) {
		t.Fatalf("Register duplicate = %v, want ErrDuplicatePlugin", err)
	}
	if r.Resolve("notes") != nil {
		t.Error("rejected plugin should not be resolvable")
	}
}

func TestRegistry_LoadSkipsFailures(t *testing.T) {
	r := NewRegistry(nil)
	loaded := r.Load([]*Descriptor{
		testDescriptor("a", "f"),
		{Name: "bad"},
		testDescriptor("b", "g"),
	})
	if len(loaded) != 2 {
		t.Fatalf("Load returned %d descriptors, want 2", len(loaded))
	}
}

func TestRegistry_ListOrder(t *testing.T) {
	r := NewRegistry(nil)
	low := testDescriptor("chat", "f")
	low.Priority = 4
	high := testDescriptor("stats", "f")
	high.Priority = 9
	mid := testDescriptor("alpha", "f")
	r.Load([]*Descriptor{low, high, mid})

	list := r.List()
	want := []string{"stats", "alpha", "chat"}
	for i, d := range list {
		if d.Name != want[i] {
			t.Errorf("List()[%d] = %q, want %q", i, d.Name, want[i])
		}
	}
}

func TestResolveFunction(t *testing.T) {
	single := testDescriptor("stats", "get_stats")
	multi := testDescriptor("memory", "save_fact", "get_fact", "list_facts")

	if fn, err := ResolveFunction(single, ""); err != nil || fn.Name != "get_stats" {
		t.Errorf("ResolveFunction(single, \"\") = %v, %v; want get_stats", fn, err)
	}
	if fn, err := ResolveFunction(multi, "GET_FACT"); err != nil || fn.Name != "get_fact" {
		t.Errorf("ResolveFunction(multi, GET_FACT) = %v, %v; want get_fact", fn, err)
	}

	_, err := ResolveFunction(multi, "")
	var nf *ErrFunctionNotFound
	if !errors.As(err, &nf) {
		t.Fatalf("ResolveFunction(multi, \"\") error = %v, want ErrFunctionNotFound", err)
	}

	_, err = ResolveFunction(multi, "forget")
	if err == nil {
		t.Fatal("ResolveFunction(multi, forget) should fail")
	}
	want := `Function "forget" not found. Available: get_fact, list_facts, save_fact`
	if err.Error() != want {
		t.Errorf("error = %q, want %q", err.Error(), want)
	}
}
