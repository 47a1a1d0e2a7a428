package extract

import (
	"encoding/json"
	"regexp"
	"strings"
	"unicode"
)

// Stage identifies which rung of the repair ladder produced a call.
type Stage int

const (
	StageNone Stage = iota
	StageStrict
	StageTrailingComma
	StageNormalized
	StageRescued
)

var stageNames = map[Stage]string{
	StageNone:          "none",
	StageStrict:        "strict",
	StageTrailingComma: "trailing_comma",
	StageNormalized:    "normalized",
	StageRescued:       "rescued",
}

// String returns the stage name used in logs.
func (s Stage) String() string {
	if n, ok := stageNames[s]; ok {
		return n
	}
	return "unknown"
}

var (
	trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)

	rescuePluginRe   = regexp.MustCompile(`"plugin"\s*:\s*"([^"]+)"`)
	rescueFunctionRe = regexp.MustCompile(`"function"\s*:\s*"([^"]+)"`)
	rescueArgRe      = regexp.MustCompile(`"(prompt|query)"\s*:\s*"((?:[^"\\]|\\.)*)"`)

	quoteReplacer = strings.NewReplacer(
		"“", `"`, "”", `"`, "„", `"`, "‟", `"`,
		"‘", "'", "’", "'",
		`\r\n`, " ", `\n`, " ", `\r`, " ",
	)
)

// Repair runs the repair ladder over one candidate block and returns
// the first tool call it can recover. ok is false when every rung fails
// or the recovered object names no plugin.
func Repair(block string) (call ToolCall, stage Stage, ok bool) {
	defer func() {
		if recover() != nil {
			call, stage, ok = ToolCall{}, StageNone, false
		}
	}()

	if c, ok := parseCall(block); ok {
		return c, StageStrict, true
	}
	if c, ok := parseCall(stripTrailingCommas(block)); ok {
		return c, StageTrailingComma, true
	}

	norm := normalize(block)
	if c, ok := parseCall(norm); ok {
		return c, StageNormalized, true
	}
	if c, ok := parseCall(stripTrailingCommas(norm)); ok {
		return c, StageNormalized, true
	}

	if c, ok := rescue(norm); ok {
		return c, StageRescued, true
	}
	return ToolCall{}, StageNone, false
}

func stripTrailingCommas(s string) string {
	return trailingCommaRe.ReplaceAllString(s, "$1")
}

// normalize replaces typographic quotes with ASCII ones, turns literal
// and real line breaks into spaces, and drops other control characters.
func normalize(s string) string {
	s = quoteReplacer.Replace(s)
	return strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', '\t':
			return ' '
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}

func parseCall(block string) (ToolCall, bool) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(block), &raw); err != nil {
		return ToolCall{}, false
	}
	return callFromMap(raw)
}

func callFromMap(raw map[string]any) (ToolCall, bool) {
	plugin, _ := raw["plugin"].(string)
	plugin = strings.TrimSpace(plugin)
	if plugin == "" {
		return ToolCall{}, false
	}
	fn, _ := raw["function"].(string)

	c := ToolCall{Plugin: plugin, Function: strings.TrimSpace(fn)}
	switch args := raw["args"].(type) {
	case map[string]any:
		c.Args = args
	case []any:
		c.List = args
	case nil:
	default:
		c.List = []any{args}
	}
	if c.Args == nil {
		c.Args = map[string]any{}
	}
	return c, true
}

// rescue pulls the plugin and function names out of a block that will
// not parse, keeping only prompt/query string arguments.
func rescue(block string) (ToolCall, bool) {
	pm := rescuePluginRe.FindStringSubmatch(block)
	if pm == nil || strings.TrimSpace(pm[1]) == "" {
		return ToolCall{}, false
	}
	c := ToolCall{Plugin: strings.TrimSpace(pm[1]), Args: map[string]any{}}
	if fm := rescueFunctionRe.FindStringSubmatch(block); fm != nil {
		c.Function = strings.TrimSpace(fm[1])
	}
	for _, m := range rescueArgRe.FindAllStringSubmatch(block, -1) {
		if _, set := c.Args[m[1]]; set {
			continue
		}
		var v string
		if err := json.Unmarshal([]byte(`"`+m[2]+`"`), &v); err != nil {
			v = m[2]
		}
		c.Args[m[1]] = v
	}
	return c, true
}
