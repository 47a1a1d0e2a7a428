package extract

// Span is a half-open byte range [Start, End) of a top-level JSON-like
// object within a larger text.
type Span struct {
	Start int
	End   int
}

// ScanObjects returns the spans of every top-level balanced {...} block
// in text. Braces inside double-quoted strings are ignored and backslash
// escapes inside strings are honored. A block left open at end of text
// is not returned; scanning resumes just after its opening brace, so a
// stray "{" in prose does not hide the blocks that follow it.
func ScanObjects(text string) []Span {
	var (
		spans    []Span
		depth    int
		start    = -1
		inString bool
		escaped  bool
	)

	for i := 0; ; i++ {
		if i == len(text) {
			if depth == 0 {
				break
			}
			i = start
			depth, start, inString, escaped = 0, -1, false, false
			continue
		}
		c := text[i]

		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			// Quotes outside any object are prose, not JSON strings.
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 {
				spans = append(spans, Span{Start: start, End: i + 1})
				start = -1
			}
		}
	}
	return spans
}

// FirstObject returns the first balanced {...} block in text.
func FirstObject(text string) (string, bool) {
	spans := ScanObjects(text)
	if len(spans) == 0 {
		return "", false
	}
	return text[spans[0].Start:spans[0].End], true
}
