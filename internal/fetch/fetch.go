// Package fetch downloads web pages and extracts their metadata and
// readable text. It backs the web_extractor plugin.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nugget/tether-agent/internal/httpkit"
)

// DefaultTimeout is the HTTP request timeout for fetching pages.
const DefaultTimeout = 10 * time.Second

// DefaultMaxBytes is the maximum response body size (5 MB).
const DefaultMaxBytes int64 = 5 * 1024 * 1024

// DefaultExcerptChars caps the readable-text excerpt.
const DefaultExcerptChars = 1500

// Page holds what was extracted from one URL.
type Page struct {
	URL         string `json:"url"`
	StatusCode  int    `json:"status_code"`
	ContentType string `json:"content_type,omitempty"`

	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Keywords    string `json:"keywords,omitempty"`
	SiteName    string `json:"site_name,omitempty"`
	Type        string `json:"type,omitempty"`
	Image       string `json:"image,omitempty"`
	Heading     string `json:"heading,omitempty"`
	Canonical   string `json:"canonical,omitempty"`

	// Text is a readable excerpt of the body, stripped of navigation and
	// scripts.
	Text      string `json:"text,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
}

// Fetcher downloads and extracts web pages.
type Fetcher struct {
	client       *http.Client
	maxBytes     int64
	excerptChars int
}

// New creates a Fetcher with default settings.
func New() *Fetcher {
	return &Fetcher{
		client: httpkit.NewClient(
			httpkit.WithTimeout(DefaultTimeout),
		),
		maxBytes:     DefaultMaxBytes,
		excerptChars: DefaultExcerptChars,
	}
}

// Fetch downloads rawURL and extracts its metadata. A missing scheme
// defaults to https.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Page, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, fmt.Errorf("fetch: url is required")
	}
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		rawURL = "https://" + rawURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch: invalid url: %w", err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,text/plain;q=0.8,*/*;q=0.7")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("fetch: HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		return nil, fmt.Errorf("fetch: read response: %w", err)
	}

	page := &Page{
		URL:         rawURL,
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
	}

	switch {
	case isHTML(page.ContentType):
		extractHTML(string(body), page)
	case utf8.Valid(body):
		page.Text = cleanWhitespace(string(body))
	default:
		page.Text = fmt.Sprintf("Binary content (%s), %d bytes", page.ContentType, len(body))
	}

	if page.Canonical == "" {
		page.Canonical = rawURL
	}
	if len(page.Text) > f.excerptChars {
		page.Text = truncateUTF8(page.Text, f.excerptChars)
		page.Truncated = true
	}
	return page, nil
}

func isHTML(ct string) bool {
	ct = strings.ToLower(ct)
	return strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml")
}

// truncateUTF8 cuts s to at most maxBytes without splitting a rune.
func truncateUTF8(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && !utf8.RuneStart(s[maxBytes]) {
		maxBytes--
	}
	return s[:maxBytes]
}
