// Package webpage generates standalone static pages from a short
// description. The model writes the page as markdown; goldmark renders
// it into a self-contained HTML file under the data directory.
package webpage

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/nugget/tether-agent/internal/llm"
)

const authorSystem = `You are a web copywriter and designer. Write the complete content of a single web page for the request below as GitHub-flavored markdown.
Start with a single "# " heading that names the page. Use sections, lists and tables where they help. Do not include HTML, front matter or commentary about the page. Output ONLY the markdown.`

// Builder turns page descriptions into HTML files.
type Builder struct {
	gen    llm.Generator
	dir    string
	md     goldmark.Markdown
	logger *slog.Logger
	now    func() time.Time
}

// NewBuilder creates a builder that writes pages into dir.
func NewBuilder(gen llm.Generator, dir string, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		gen: gen,
		dir: dir,
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
		),
		logger: logger.With("component", "webpage"),
		now:    time.Now,
	}
}

// Site describes one generated page.
type Site struct {
	Title string
	Path  string
	Bytes int
}

// Build asks the model for the page content, renders it and writes the
// file. When the model returns nothing usable a placeholder page naming
// the request is written instead.
func (b *Builder) Build(ctx context.Context, prompt string) (*Site, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, fmt.Errorf("webpage: prompt is required")
	}

	md, err := b.gen.Generate(ctx, prompt, authorSystem)
	if err != nil {
		return nil, fmt.Errorf("webpage: generate content: %w", err)
	}
	md = stripFence(md)
	if md == "" {
		b.logger.Warn("model returned empty page, using placeholder", "prompt", prompt)
		md = "# " + prompt + "\n\nThis page is under construction."
	}

	title := pageTitle(md, prompt)
	doc, err := b.render(title, md)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return nil, fmt.Errorf("webpage: create output dir: %w", err)
	}
	name := fmt.Sprintf("%s-%s.html", slug(title), b.now().UTC().Format("20060102-150405"))
	path := filepath.Join(b.dir, name)
	if err := os.WriteFile(path, doc, 0o644); err != nil {
		return nil, fmt.Errorf("webpage: write file: %w", err)
	}

	b.logger.Info("site built", "title", title, "path", path, "bytes", len(doc))
	return &Site{Title: title, Path: path, Bytes: len(doc)}, nil
}

func (b *Builder) render(title, md string) ([]byte, error) {
	var body bytes.Buffer
	if err := b.md.Convert([]byte(md), &body); err != nil {
		return nil, fmt.Errorf("webpage: render markdown: %w", err)
	}

	var out bytes.Buffer
	fmt.Fprintf(&out, `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>%s</title>
<style>
body { font-family: system-ui, sans-serif; line-height: 1.6; max-width: 48rem; margin: 2rem auto; padding: 0 1rem; color: #1d1d1f; }
h1, h2, h3 { line-height: 1.2; }
table { border-collapse: collapse; }
th, td { border: 1px solid #ccc; padding: .3rem .6rem; }
code { background: #f4f4f4; padding: .1rem .3rem; }
</style>
</head>
<body>
%s</body>
</html>
`, html.EscapeString(title), body.String())
	return out.Bytes(), nil
}

var fenceRe = regexp.MustCompile("(?s)^```[a-zA-Z]*\\s*\\n(.*?)\\n?```\\s*$")

// stripFence removes a code fence wrapping the whole response.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if m := fenceRe.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}
	return s
}

// pageTitle returns the first level-one heading, or fallback.
func pageTitle(md, fallback string) string {
	for _, line := range strings.Split(md, "\n") {
		if t, ok := strings.CutPrefix(strings.TrimSpace(line), "# "); ok && strings.TrimSpace(t) != "" {
			return strings.TrimSpace(t)
		}
	}
	return fallback
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

func slug(s string) string {
	s = strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(s), "-"), "-")
	if len(s) > 40 {
		s = strings.TrimRight(s[:40], "-")
	}
	if s == "" {
		return "site"
	}
	return s
}
