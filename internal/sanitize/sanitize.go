// Package sanitize strips internal agent protocol markers from text
// before it is shown to a user.
package sanitize

import (
	"regexp"
	"strings"

	"github.com/nugget/tether-agent/internal/extract"
)

type rule struct {
	re   *regexp.Regexp
	repl string
}

var rules = []rule{
	{regexp.MustCompile(`(?i)\[STEP\s*\d+:?\s*(?:PLANNING|EXECUTING|REPORTING|PLAN|EXECUTE|REPORT|STATUS)\][ \t]*`), ""},
	{regexp.MustCompile(`(?i)\[(?:PLANNING|EXECUTING|REPORTING|PLAN|EXECUTE|REPORT|STATUS)\][ \t]*`), ""},
	{regexp.MustCompile(`(?im)^[ \t]*(?:###\s+)?(?:Thought|Action|Observation|Final Answer):[ \t]*`), ""},
	{regexp.MustCompile(`(?im)^[ \t]*(?:USER|ASSISTANT|SYSTEM|THOUGHT|INTERNAL_[A-Z_]*|TOOL_RESULT):[ \t]*`), ""},
	{regexp.MustCompile(`(?im)^[ \t]*###\s+(?:Thought|Action|Observation|Response|Final Answer)[ \t]*$`), ""},
	{regexp.MustCompile(`(?i)\[(?:THOUGHT|ACTION|ANSWER)\][ \t]*`), ""},
	{regexp.MustCompile(`(?i)\[INTERNAL_[^\]]*\][ \t]*`), ""},
	{regexp.MustCompile(`(?i)\[AGENT_ACTION\][ \t]*`), ""},
	{regexp.MustCompile(`(?i)STEP \d+ \s*:\s*`), ""},
}

var (
	// Unbalanced leftovers of a call the brace scanner could not close.
	danglingCallRe = regexp.MustCompile(`(?s)\{\s*"plugin"\s*:.*$`)
	blankRunRe     = regexp.MustCompile(`\n{3,}`)
	trailingWSRe   = regexp.MustCompile(`(?m)[ \t]+$`)
)

// Text removes protocol markers, role prefixes and tool-call blocks from
// s. Applying Text to its own output returns it unchanged.
//
// pass only deletes, so every pass that changes s shortens it and the
// loop ends.
func Text(s string) string {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	for {
		next := pass(s)
		if next == s {
			return s
		}
		s = next
	}
}

func pass(s string) string {
	for _, r := range rules {
		s = r.re.ReplaceAllString(s, r.repl)
	}
	s = removeCalls(s)
	s = danglingCallRe.ReplaceAllString(s, "")
	s = trailingWSRe.ReplaceAllString(s, "")
	s = blankRunRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// removeCalls drops every balanced block that looks like a tool call.
func removeCalls(s string) string {
	spans := extract.ScanObjects(s)
	if len(spans) == 0 {
		return s
	}
	var b strings.Builder
	last := 0
	for _, sp := range spans {
		if !extract.IsCandidate(s[sp.Start:sp.End]) {
			continue
		}
		b.WriteString(s[last:sp.Start])
		last = sp.End
	}
	b.WriteString(s[last:])
	return b.String()
}
