package history

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nugget/tether-agent/internal/plugins"
)

// searchLimit caps how many matches the search function returns.
const searchLimit = 5

// Plugin exposes transcript search to the agent as history_search.
func (s *Store) Plugin() *plugins.Descriptor {
	return &plugins.Descriptor{
		Name:        "history_search",
		DisplayName: "Chat History Search",
		Priority:    6,
		Description: "Search the chat history for specific keywords or topics.",
		IntentPatterns: plugins.Patterns(
			`\b(what\s+did\s+(i|we)|previous|earlier)\b`,
			`\b(conversation\s+history|chat\s+history)\b`,
			`\b(before|last\s+time)\b`,
		),
		Functions: map[string]*plugins.Function{
			"search": plugins.Func("search", "Searches the user's past messages.", s.searchHandler, "query"),
		},
		Source: "builtin",
	}
}

func (s *Store) searchHandler(ctx context.Context, args map[string]any) (any, error) {
	query := plugins.StringArg(args, "query")
	if query == "" {
		return nil, fmt.Errorf("query is required")
	}

	msgs, err := s.Search(ctx, plugins.UserIDFromContext(ctx), query, searchLimit)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return fmt.Sprintf("No matches found for %q.", query), nil
	}

	var sb strings.Builder
	sb.WriteString("Found matches:")
	for _, m := range msgs {
		fmt.Fprintf(&sb, "\n[%s] %s: %s", m.Timestamp.Format(time.RFC3339), m.Role, m.Content)
	}
	return sb.String(), nil
}
