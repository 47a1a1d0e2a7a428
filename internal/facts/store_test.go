package facts

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/nugget/tether-agent/internal/plugins"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "facts_test.db")
	s, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSetGet_Upsert(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	first, err := s.Set(ctx, "u1", "bday", "May 4")
	if err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	second, err := s.Set(ctx, "u1", "bday", "May 5")
	if err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("upsert changed ID: %v -> %v", first.ID, second.ID)
	}

	got, err := s.Get(ctx, "u1", "bday")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Value != "May 5" {
		t.Errorf("Value = %q, want %q", got.Value, "May 5")
	}

	if _, err := s.Get(ctx, "u2", "bday"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(other user) error = %v, want ErrNotFound", err)
	}
}

func TestKeysAndDelete(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { clock = clock.Add(time.Second); return clock }

	s.Set(ctx, "u1", "pet", "dog")
	s.Set(ctx, "u1", "city", "Oslo")

	keys, err := s.Keys(ctx, "u1")
	if err != nil {
		t.Fatalf("Keys() error: %v", err)
	}
	if len(keys) != 2 || keys[0] != "pet" || keys[1] != "city" {
		t.Errorf("Keys() = %v, want [pet city]", keys)
	}

	if err := s.Delete(ctx, "u1", "pet"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if err := s.Delete(ctx, "u1", "missing"); err != nil {
		t.Fatalf("Delete(missing) error: %v", err)
	}
	keys, _ = s.Keys(ctx, "u1")
	if len(keys) != 1 || keys[0] != "city" {
		t.Errorf("Keys() after delete = %v", keys)
	}
}

func TestPlugin(t *testing.T) {
	s := testStore(t)
	d := s.Plugin()
	ctx := plugins.WithUserID(context.Background(), "u1")

	call := func(fn string, args map[string]any) any {
		t.Helper()
		out, err := d.Functions[fn].Handler(ctx, args)
		if err != nil {
			t.Fatalf("%s error: %v", fn, err)
		}
		return out
	}

	tests := []struct {
		fn   string
		args map[string]any
		want string
	}{
		{"list_facts", nil, "Memory is empty."},
		{"get_fact", map[string]any{"key": "bday"}, "No memory found for key: bday"},
		{"save_fact", map[string]any{"key": "bday", "value": "May 4"}, "Saved fact: [bday] = May 4"},
		{"get_fact", map[string]any{"key": "bday"}, "Memory [bday]: May 4"},
		{"save_fact", map[string]any{"key": "pet", "value": "Biscuit"}, "Saved fact: [pet] = Biscuit"},
		{"list_facts", nil, "Known topics: bday, pet"},
	}
	for _, tt := range tests {
		if got := call(tt.fn, tt.args); got != tt.want {
			t.Errorf("%s(%v) = %q, want %q", tt.fn, tt.args, got, tt.want)
		}
	}
}
