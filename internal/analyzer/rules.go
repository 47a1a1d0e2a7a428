package analyzer

import (
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/nugget/tether-agent/internal/plugins"
)

// Built-in intents.
const (
	IntentUnknown   = "UNKNOWN"
	IntentAmbiguous = "AMBIGUOUS"
	IntentSearchWeb = "SEARCH_WEB"
	IntentCasual    = "CASUAL_CHAT"
	IntentIdentity  = "IDENTITY"
)

// Rule maps a set of patterns to an intent. Rules are evaluated in
// priority order; within a rule the first matching pattern counts.
type Rule struct {
	Intent       string
	Priority     int
	Patterns     []*regexp.Regexp
	RequiresTool bool
	Tools        []string
}

// Match is the outcome of rule classification.
type Match struct {
	Intent       string
	Priority     int
	Confidence   float64
	RequiresTool bool
	Tools        []string
}

// Rules is an immutable, totally ordered rule list.
type Rules struct {
	rules []Rule
}

var searchPatterns = plugins.Patterns(`\b(search|find|google|bing)\b`)

var identityPatterns = plugins.Patterns(
	`^who\s+am\s+i\b`,
	`^who\s+are\s+you\b`,
	`\bwhat('?s|\s+is)\s+your\s+name\b`,
)

var casualPatterns = plugins.Patterns(
	`^(hi|hello|hey|sup|yo|hiya|howdy|hola|bonjour|salaam|namaste)(\s|$|!|\?)`,
	`^(what'?s?\s+up|wassup|whats\s+up)(\s|$|!|\?)`,
	`^(how\s+(are|is)\s+(you|it)(\s+(doing|going|going on))?)(\s|$|!|\?)`,
	`^(how's\s+it\s+going)(\s|$|!|\?)`,
	`^(what\??)$`,
	`^\?+$`,
	`^(good\s+(morning|afternoon|evening|night))(\s|$|!|\?)`,
	`^(thank(s| you)|thx|ty)(\s|$|!|\?)`,
	`^(ok|okay|cool|nice|alright|got it)(\s|$|!|\?)`,
	`^(bye|goodbye|see\s+ya|cya|later)(\s|$|!|\?)`,
)

// NewRules builds the rule list from plugin intent patterns plus the
// built-in identity, web search and small-talk rules.
func NewRules(descs []*plugins.Descriptor) *Rules {
	rules := []Rule{
		{Intent: IntentIdentity, Priority: 10, Patterns: identityPatterns},
	}
	for _, d := range descs {
		if len(d.IntentPatterns) == 0 {
			continue
		}
		rules = append(rules, Rule{
			Intent:       strings.ToUpper(d.Name),
			Priority:     d.Priority,
			Patterns:     d.IntentPatterns,
			RequiresTool: true,
			Tools:        []string{d.Name},
		})
	}
	rules = append(rules,
		Rule{Intent: IntentSearchWeb, Priority: 8, Patterns: searchPatterns, RequiresTool: true, Tools: []string{"web_search"}},
		Rule{Intent: IntentCasual, Priority: 4, Patterns: casualPatterns},
	)

	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority > rules[j].Priority })
	return &Rules{rules: rules}
}

// Classify returns the best match for text: highest priority first,
// then highest confidence. No match yields IntentUnknown.
func (r *Rules) Classify(text string) Match {
	normalized := strings.ToLower(strings.TrimSpace(text))

	var best *Match
	for _, rule := range r.rules {
		if best != nil && rule.Priority < best.Priority {
			break
		}
		for _, p := range rule.Patterns {
			loc := p.FindStringIndex(normalized)
			if loc == nil {
				continue
			}
			m := Match{
				Intent:       rule.Intent,
				Priority:     rule.Priority,
				Confidence:   Score(normalized, loc),
				RequiresTool: rule.RequiresTool,
				Tools:        rule.Tools,
			}
			if best == nil || m.Confidence > best.Confidence {
				best = &m
			}
			break
		}
	}
	if best == nil {
		return Match{Intent: IntentUnknown}
	}
	return *best
}

// Tools returns the plugins associated with an intent's rule.
func (r *Rules) Tools(intent string) []string {
	for _, rule := range r.rules {
		if rule.Intent == intent {
			return rule.Tools
		}
	}
	return nil
}

// Score is match coverage plus 0.2 when the match starts the text,
// clamped to 1. loc is a [start, end) byte span into text.
func Score(text string, loc []int) float64 {
	total := utf8.RuneCountInString(text)
	if total == 0 {
		return 0
	}
	score := float64(utf8.RuneCountInString(text[loc[0]:loc[1]])) / float64(total)
	if loc[0] == 0 {
		score += 0.2
	}
	return min(score, 1.0)
}

var multiToolPatterns = plugins.Patterns(
	`\b(and|then|after|also)\b`,
	`\b(save|store|remember)\s+(it|that|this|the\s+result)\b`,
	`\b(create|add)\s+(task|todo|reminder)\b`,
)

// DetectMultiTool reports whether a message reads like it needs more
// than one tool call.
func DetectMultiTool(text string) bool {
	for _, p := range multiToolPatterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

var searchPrefixRe = regexp.MustCompile(`(?i)^(search|find|look\s*up|google|bing)\s+((for|about)\s+)?`)
var questionPrefixRe = regexp.MustCompile(`(?i)^(what|who|where)\s+is\s+`)

// SearchQuery strips command words from a search request.
func SearchQuery(text string) string {
	q := searchPrefixRe.ReplaceAllString(strings.TrimSpace(text), "")
	q = strings.TrimSpace(questionPrefixRe.ReplaceAllString(q, ""))
	if q == "" {
		return text
	}
	return q
}
