package fetch

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// skipElements are HTML elements whose content is never readable text.
var skipElements = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Iframe:   true,
	atom.Svg:      true,
	atom.Head:     true,
	atom.Nav:      true,
	atom.Footer:   true,
	atom.Header:   true,
}

// extractHTML fills page from a parsed document. Title and description
// fall back to their OpenGraph equivalents.
func extractHTML(raw string, page *Page) {
	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		page.Text = cleanWhitespace(raw)
		return
	}

	meta := map[string]string{}
	collectHead(doc, page, meta)

	page.Title = firstNonEmpty(page.Title, meta["og:title"])
	page.Description = firstNonEmpty(meta["description"], meta["og:description"])
	page.Keywords = meta["keywords"]
	page.SiteName = meta["og:site_name"]
	page.Type = meta["og:type"]
	page.Image = meta["og:image"]

	var text strings.Builder
	extractText(doc, &text)
	page.Text = cleanWhitespace(text.String())
}

// collectHead walks the whole tree once for the title, meta tags, the
// canonical link and the first h1.
func collectHead(n *html.Node, page *Page, meta map[string]string) {
	if n.Type == html.ElementNode {
		switch n.DataAtom {
		case atom.Title:
			if page.Title == "" {
				page.Title = strings.TrimSpace(textContent(n))
			}
		case atom.Meta:
			key := strings.ToLower(firstNonEmpty(attr(n, "property"), attr(n, "name")))
			if key != "" {
				if _, seen := meta[key]; !seen {
					meta[key] = strings.TrimSpace(attr(n, "content"))
				}
			}
		case atom.Link:
			if strings.EqualFold(attr(n, "rel"), "canonical") && page.Canonical == "" {
				page.Canonical = attr(n, "href")
			}
		case atom.H1:
			if page.Heading == "" {
				page.Heading = strings.Join(strings.Fields(textContent(n)), " ")
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectHead(c, page, meta)
	}
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(textContent(c))
	}
	return b.String()
}

// extractText appends the visible text under n to w.
func extractText(n *html.Node, w *strings.Builder) {
	if n.Type == html.ElementNode {
		if skipElements[n.DataAtom] {
			return
		}
		if isBlockElement(n.DataAtom) && w.Len() > 0 {
			w.WriteString("\n\n")
		}
	}

	if n.Type == html.TextNode {
		if text := strings.TrimSpace(n.Data); text != "" {
			w.WriteString(text)
			w.WriteString(" ")
		}
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		extractText(c, w)
	}

	if n.Type == html.ElementNode && (n.DataAtom == atom.Br || n.DataAtom == atom.Li) {
		w.WriteString("\n")
	}
}

func isBlockElement(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.Section, atom.Article, atom.Main,
		atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6,
		atom.Blockquote, atom.Pre, atom.Ul, atom.Ol, atom.Table,
		atom.Tr, atom.Dl, atom.Dd, atom.Dt, atom.Figcaption, atom.Figure,
		atom.Details, atom.Summary, atom.Hr:
		return true
	}
	return false
}

// cleanWhitespace collapses runs of spaces within lines and consecutive
// blank lines.
func cleanWhitespace(s string) string {
	lines := strings.Split(s, "\n")
	cleaned := make([]string, 0, len(lines))
	prevEmpty := false

	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if prevEmpty {
				continue
			}
			prevEmpty = true
		} else {
			prevEmpty = false
		}
		cleaned = append(cleaned, line)
	}
	return strings.TrimSpace(strings.Join(cleaned, "\n"))
}
