package facts

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nugget/tether-agent/internal/plugins"
)

// Plugin exposes the store to the agent as the memory plugin.
func (s *Store) Plugin() *plugins.Descriptor {
	return &plugins.Descriptor{
		Name:        "memory",
		DisplayName: "Long-Term Memory",
		Priority:    7,
		Description: "Save and retrieve important facts about the user or world.",
		IntentPatterns: plugins.Patterns(
			`\b(save|store|remember)\s+(this|that|it)\b`,
			`\b(recall|retrieve|get)\s+(fact|memory|info)\b`,
			`\b(what\s+do\s+you\s+remember)\b`,
		),
		Functions: map[string]*plugins.Function{
			"save_fact":  plugins.Func("save_fact", "Saves a fact to long-term memory.", s.saveFact, "key", "value"),
			"get_fact":   plugins.Func("get_fact", "Retrieves a fact from long-term memory.", s.getFact, "key"),
			"list_facts": plugins.Func("list_facts", "Lists all stored memory keys.", s.listFacts),
		},
		Source: "builtin",
	}
}

func (s *Store) saveFact(ctx context.Context, args map[string]any) (any, error) {
	key, value := plugins.StringArg(args, "key"), plugins.StringArg(args, "value")
	f, err := s.Set(ctx, plugins.UserIDFromContext(ctx), key, value)
	if err != nil {
		return nil, err
	}
	return fmt.Sprintf("Saved fact: [%s] = %s", f.Key, f.Value), nil
}

func (s *Store) getFact(ctx context.Context, args map[string]any) (any, error) {
	key := plugins.StringArg(args, "key")
	f, err := s.Get(ctx, plugins.UserIDFromContext(ctx), key)
	if errors.Is(err, ErrNotFound) {
		return "No memory found for key: " + key, nil
	}
	if err != nil {
		return nil, err
	}
	return fmt.Sprintf("Memory [%s]: %s", f.Key, f.Value), nil
}

func (s *Store) listFacts(ctx context.Context, _ map[string]any) (any, error) {
	keys, err := s.Keys(ctx, plugins.UserIDFromContext(ctx))
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return "Memory is empty.", nil
	}
	return "Known topics: " + strings.Join(keys, ", "), nil
}
