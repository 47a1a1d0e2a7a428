package search

import (
	"context"
	"fmt"
	"strings"

	"github.com/nugget/tether-agent/internal/plugins"
)

// Plugin exposes the manager to the agent as web_search.
func (m *Manager) Plugin() *plugins.Descriptor {
	return &plugins.Descriptor{
		Name:        "web_search",
		DisplayName: "Web Search",
		Priority:    8,
		Description: "Search the internet for real-time information.",
		IntentPatterns: plugins.Patterns(
			`\b(search|find|look\s*up|google|bing)\b`,
			`\b(news|information|info)\s+about\b`,
		),
		Functions: map[string]*plugins.Function{
			"search": plugins.Func("search", "Search the web and return the top results.", m.searchHandler, "query"),
		},
		Source: "builtin",
	}
}

func (m *Manager) searchHandler(ctx context.Context, args map[string]any) (any, error) {
	query := plugins.StringArg(args, "query")
	results, err := m.Search(ctx, query, Options{})
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return fmt.Sprintf("No web results found for %q.", query), nil
	}
	return fmt.Sprintf("Search results for %q:\n\n%s", query, FormatResults(results)), nil
}

// FormatResults renders results as a numbered list.
func FormatResults(results []Result) string {
	if len(results) == 0 {
		return "No results found."
	}

	parts := make([]string, 0, len(results))
	for i, r := range results {
		entry := fmt.Sprintf("%d. %s\nLink: %s", i+1, r.Title, r.URL)
		if r.Snippet != "" {
			entry += "\nInfo: " + r.Snippet
		}
		parts = append(parts, entry)
	}
	return strings.Join(parts, "\n\n")
}
