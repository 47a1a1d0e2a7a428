package search

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/nugget/tether-agent/internal/httpkit"
)

const braveEndpoint = "https://api.search.brave.com/res/v1/web/search"

// Brave is the hosted Brave Search API. Its descriptions carry
// <strong> highlighting, which clean strips.
type Brave struct {
	token    string
	endpoint string
	client   *http.Client
}

func NewBrave(apiKey string) *Brave {
	return &Brave{
		token:    apiKey,
		endpoint: braveEndpoint,
		client:   httpkit.NewClient(httpkit.WithTimeout(15 * time.Second)),
	}
}

func (b *Brave) Name() string { return "brave" }

func (b *Brave) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	q := url.Values{"q": {query}, "count": {strconv.Itoa(opts.count())}}
	if opts.Language != "" {
		q.Set("search_lang", opts.Language)
	}

	var body struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	hdr := http.Header{"X-Subscription-Token": {b.token}}
	if err := getJSON(ctx, b.client, b.Name(), b.endpoint+"?"+q.Encode(), hdr, &body); err != nil {
		return nil, err
	}

	out := make([]Result, 0, len(body.Web.Results))
	for _, r := range body.Web.Results {
		out = append(out, Result{Title: r.Title, URL: r.URL, Snippet: r.Description})
	}
	return out, nil
}
