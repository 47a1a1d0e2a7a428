package search

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nugget/tether-agent/internal/httpkit"
)

// SearXNG is a self-hosted metasearch instance. It aggregates several
// engines, so the same page often appears more than once; Manager
// removes the repeats.
type SearXNG struct {
	base   string
	client *http.Client
}

// NewSearXNG returns a backend for the instance rooted at baseURL.
func NewSearXNG(baseURL string) *SearXNG {
	return &SearXNG{
		base:   strings.TrimRight(baseURL, "/"),
		client: httpkit.NewClient(httpkit.WithTimeout(15 * time.Second)),
	}
}

func (s *SearXNG) Name() string { return "searxng" }

func (s *SearXNG) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	q := url.Values{"q": {query}, "format": {"json"}, "safesearch": {"1"}}
	if opts.Language != "" {
		q.Set("language", opts.Language)
	}

	var body struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := getJSON(ctx, s.client, s.Name(), s.base+"/search?"+q.Encode(), nil, &body); err != nil {
		return nil, err
	}

	out := make([]Result, 0, len(body.Results))
	for _, r := range body.Results {
		out = append(out, Result{Title: r.Title, URL: r.URL, Snippet: r.Content})
	}
	return out, nil
}
