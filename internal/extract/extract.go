// Package extract parses free-form model output into reasoning, action
// and answer regions and recovers structured tool calls from it,
// tolerating malformed JSON.
package extract

import (
	"regexp"
	"strings"
)

// ToolCall is a structured call recovered from model output.
type ToolCall struct {
	Plugin   string
	Function string
	Args     map[string]any
	List     []any

	// Raw is the candidate block the call was recovered from.
	Raw   string
	Stage Stage
}

// Result is the outcome of parsing one generation.
type Result struct {
	Thought string
	Action  string
	Answer  string

	// HasAnswer reports whether an answer marker was present with
	// non-empty content after it.
	HasAnswer bool

	// Calls holds the tool calls recovered from candidate blocks, in
	// order of appearance.
	Calls []ToolCall

	// Candidates is the number of blocks that looked like tool calls;
	// Dropped counts those no repair could recover.
	Candidates int
	Dropped    int

	// Stripped is the input with every candidate block removed.
	Stripped string
}

// FirstAction returns the raw text of the first recovered call.
func (r Result) FirstAction() string {
	if len(r.Calls) == 0 {
		return ""
	}
	return r.Calls[0].Raw
}

var markerRe = regexp.MustCompile(`(?i)\[(THOUGHT|ACTION|ANSWER)\]`)

type marker struct {
	kind       string
	start, end int
}

// Regions splits text on the [THOUGHT], [ACTION] and [ANSWER] markers.
// The thought runs to the next action or answer marker, the action runs
// to the next answer marker, and the answer runs to end of text. A
// missing marker yields an empty region and found=false for it.
func Regions(text string) (thought, action, answer string, foundAnswer bool) {
	var marks []marker
	for _, loc := range markerRe.FindAllStringSubmatchIndex(text, -1) {
		marks = append(marks, marker{
			kind:  strings.ToUpper(text[loc[2]:loc[3]]),
			start: loc[0],
			end:   loc[1],
		})
	}

	first := func(kind string, after int) *marker {
		for i := range marks {
			if marks[i].kind == kind && marks[i].start >= after {
				return &marks[i]
			}
		}
		return nil
	}
	nextOf := func(after int, kinds ...string) int {
		for _, m := range marks {
			if m.start < after {
				continue
			}
			for _, k := range kinds {
				if m.kind == k {
					return m.start
				}
			}
		}
		return len(text)
	}

	if m := first("THOUGHT", 0); m != nil {
		thought = strings.TrimSpace(text[m.end:nextOf(m.end, "ACTION", "ANSWER")])
	}
	if m := first("ACTION", 0); m != nil {
		action = strings.TrimSpace(text[m.end:nextOf(m.end, "ANSWER")])
	}
	if m := first("ANSWER", 0); m != nil {
		answer = strings.TrimSpace(text[m.end:])
		foundAnswer = true
	}
	return thought, action, answer, foundAnswer
}

// IsCandidate reports whether a block looks like a tool call.
func IsCandidate(block string) bool {
	b := quoteReplacer.Replace(block)
	return strings.Contains(b, `"plugin"`) || strings.Contains(b, `"function"`)
}

// Parse extracts regions and tool calls from one generation. It never
// panics; unparseable candidates are counted in Dropped and removed
// from Stripped.
func Parse(text string) (res Result) {
	defer func() {
		if recover() != nil {
			res = Result{Stripped: text}
		}
	}()

	var foundAnswer bool
	res.Thought, res.Action, res.Answer, foundAnswer = Regions(text)
	res.HasAnswer = foundAnswer && res.Answer != ""

	var b strings.Builder
	last := 0
	for _, sp := range ScanObjects(text) {
		block := text[sp.Start:sp.End]
		if !IsCandidate(block) {
			continue
		}
		res.Candidates++
		b.WriteString(text[last:sp.Start])
		last = sp.End

		call, stage, ok := Repair(block)
		if !ok {
			res.Dropped++
			continue
		}
		call.Raw = block
		call.Stage = stage
		res.Calls = append(res.Calls, call)
	}
	b.WriteString(text[last:])
	res.Stripped = strings.TrimSpace(b.String())

	if res.HasAnswer && res.Candidates > 0 {
		res.Answer = stripCandidates(res.Answer)
		res.HasAnswer = res.Answer != ""
	}
	return res
}

// stripCandidates removes tool-call blocks from s.
func stripCandidates(s string) string {
	var b strings.Builder
	last := 0
	for _, sp := range ScanObjects(s) {
		if !IsCandidate(s[sp.Start:sp.End]) {
			continue
		}
		b.WriteString(s[last:sp.Start])
		last = sp.End
	}
	b.WriteString(s[last:])
	return strings.TrimSpace(b.String())
}
