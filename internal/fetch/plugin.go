package fetch

import (
	"context"
	"fmt"
	"strings"

	"github.com/nugget/tether-agent/internal/plugins"
)

// Plugin exposes the fetcher to the agent as web_extractor.
func (f *Fetcher) Plugin() *plugins.Descriptor {
	return &plugins.Descriptor{
		Name:        "web_extractor",
		DisplayName: "Web Extractor",
		Priority:    8,
		Description: "Extract metadata, title, and site info from any URL. Use this for general websites, blogs, or articles.",
		IntentPatterns: plugins.Patterns(
			`\b(extract|scrape|metadata|og\s*tags|site\s*info)\b`,
			`https?://[^\s]+`,
		),
		Functions: map[string]*plugins.Function{
			"extract_metadata": plugins.Func("extract_metadata",
				"Scrape and extract metadata (title, description, OG tags) from a URL.", f.extractHandler, "url"),
		},
		Source: "builtin",
	}
}

func (f *Fetcher) extractHandler(ctx context.Context, args map[string]any) (any, error) {
	page, err := f.Fetch(ctx, plugins.StringArg(args, "url"))
	if err != nil {
		return nil, err
	}
	return FormatPage(page), nil
}

// FormatPage renders a page summary for the agent.
func FormatPage(p *Page) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "📄 **Page Info: %s**\n\n", orNA(p.Title))
	fmt.Fprintf(&sb, "🔗 **URL**: %s\n", p.URL)
	fmt.Fprintf(&sb, "📝 **Description**: %s\n", orNA(p.Description))
	if p.Keywords != "" {
		fmt.Fprintf(&sb, "🔑 **Keywords**: %s\n", p.Keywords)
	}
	if p.Heading != "" {
		fmt.Fprintf(&sb, "🔝 **Primary Heading**: %s\n", p.Heading)
	}
	if p.SiteName != "" {
		fmt.Fprintf(&sb, "🏢 **Site Name**: %s\n", p.SiteName)
	}
	if p.Type != "" {
		fmt.Fprintf(&sb, "🏷️ **Type**: %s\n", p.Type)
	}
	if p.Image != "" {
		fmt.Fprintf(&sb, "🖼️ **Image**: %s\n", p.Image)
	}
	if p.Canonical != "" && p.Canonical != p.URL {
		fmt.Fprintf(&sb, "📌 **Canonical**: %s\n", p.Canonical)
	}
	if p.Text != "" {
		sb.WriteString("\n**Excerpt**:\n")
		sb.WriteString(p.Text)
		if p.Truncated {
			sb.WriteString("…")
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}
