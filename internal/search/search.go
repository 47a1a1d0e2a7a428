// Package search provides web search for the agent.
//
// Each backend implements [Provider] and is registered by name. The
// [Manager] routes queries to the primary provider, falls back to the
// others when it fails, and is exposed to the agent as the web_search
// plugin. Results are cleaned before the model sees them: markup is
// stripped, whitespace collapsed and repeated URLs dropped.
package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/http"
	"regexp"
	"sort"
	"strings"

	"github.com/nugget/tether-agent/internal/httpkit"
)

// ErrNotConfigured is returned when no provider is registered under the
// requested name.
var ErrNotConfigured = errors.New("search provider not configured")

// DefaultCount is the number of results returned when Options.Count is
// zero.
const DefaultCount = 5

// Result is a single search hit.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// Options are optional parameters for a query.
type Options struct {
	// Count caps the number of results. Zero means DefaultCount.
	Count int `json:"count,omitempty"`

	// Language is an ISO 639-1 code such as "en" or "de".
	Language string `json:"language,omitempty"`
}

func (o Options) count() int {
	if o.Count <= 0 {
		return DefaultCount
	}
	return o.Count
}

// Provider is implemented by search backends.
type Provider interface {
	Name() string
	Search(ctx context.Context, query string, opts Options) ([]Result, error)
}

// Manager holds configured providers and routes searches.
type Manager struct {
	providers map[string]Provider
	primary   string
}

// NewManager creates a search manager. The primary provider name
// determines which backend Search uses.
func NewManager(primary string) *Manager {
	return &Manager{
		providers: make(map[string]Provider),
		primary:   primary,
	}
}

// Register adds a provider. The first provider registered becomes the
// primary when none was named.
func (m *Manager) Register(p Provider) {
	m.providers[p.Name()] = p
	if m.primary == "" {
		m.primary = p.Name()
	}
}

// Search runs a query against the primary provider. If it fails, the
// remaining providers are tried in name order and the errors of all
// failed attempts are joined.
func (m *Manager) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	order := []string{m.primary}
	for _, name := range m.Providers() {
		if name != m.primary {
			order = append(order, name)
		}
	}

	var errs []error
	for _, name := range order {
		results, err := m.SearchWith(ctx, name, query, opts)
		if err == nil {
			return results, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, errors.Join(errs...)
}

// SearchWith runs a query against a specific named provider.
func (m *Manager) SearchWith(ctx context.Context, provider, query string, opts Options) ([]Result, error) {
	p, ok := m.providers[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotConfigured, provider)
	}
	results, err := p.Search(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	return tidy(results, opts.count()), nil
}

var (
	tagRE   = regexp.MustCompile(`<[^>]*>`)
	spaceRE = regexp.MustCompile(`\s+`)
)

func clean(s string) string {
	s = html.UnescapeString(tagRE.ReplaceAllString(s, ""))
	return strings.TrimSpace(spaceRE.ReplaceAllString(s, " "))
}

// tidy cleans titles and snippets, drops results without a URL or with
// one already seen (ignoring a trailing slash), and caps the list at n.
func tidy(in []Result, n int) []Result {
	seen := make(map[string]bool, len(in))
	out := make([]Result, 0, min(len(in), n))
	for _, r := range in {
		key := strings.TrimSuffix(r.URL, "/")
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, Result{Title: clean(r.Title), URL: r.URL, Snippet: clean(r.Snippet)})
		if len(out) == n {
			break
		}
	}
	return out
}

// getJSON performs a GET and decodes a 200 response into v. Errors are
// prefixed with the backend name.
func getJSON(ctx context.Context, client *http.Client, backend, rawURL string, hdr http.Header, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", backend, err)
	}
	for k, vals := range hdr {
		req.Header[k] = vals
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: request failed: %w", backend, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: HTTP %d: %s", backend, resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("%s: decode response: %w", backend, err)
	}
	return nil
}

// Providers returns the names of all registered providers, sorted.
func (m *Manager) Providers() []string {
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Configured reports whether at least one provider is registered.
func (m *Manager) Configured() bool {
	return len(m.providers) > 0
}
