// Package analyzer decides how a request should be handled before the
// agent loop runs. Cheap deterministic rules go first (identity
// questions, small talk), then an ambiguity check, then model-backed
// intent classification and step planning. Every model call has a
// deterministic fallback, so Analyze never fails.
package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nugget/tether-agent/internal/extract"
	"github.com/nugget/tether-agent/internal/llm"
	"github.com/nugget/tether-agent/internal/plugins"
	"github.com/nugget/tether-agent/internal/prompts"
)

// Strategy is how a request will be satisfied.
type Strategy string

const (
	StrategyClarify        Strategy = "CLARIFY"
	StrategyDirectAnswer   Strategy = "DIRECT_ANSWER"
	StrategyConversational Strategy = "CONVERSATIONAL"
	StrategySingleTool     Strategy = "SINGLE_TOOL"
	StrategyMultiTool      Strategy = "MULTI_TOOL"
)

// UsesTools reports whether the strategy runs with an adaptive budget.
func (s Strategy) UsesTools() bool {
	return s == StrategySingleTool || s == StrategyMultiTool
}

// ShortCircuits reports whether the strategy replies without entering
// the agent loop.
func (s Strategy) ShortCircuits() bool {
	return s == StrategyClarify || s == StrategyDirectAnswer
}

// ClarifyThreshold is the ambiguity confidence above which a request is
// sent back to the user for clarification.
const ClarifyThreshold = 0.7

// DefaultCacheTTL is how long an intent classification is reused.
const DefaultCacheTTL = 60 * time.Second

// Result is the analysis of one request.
type Result struct {
	Intent              string   `json:"intent"`
	Confidence          float64  `json:"confidence"`
	Strategy            Strategy `json:"strategy"`
	SuggestedTools      []string `json:"suggested_tools,omitempty"`
	ClarifyingQuestion  string   `json:"clarifying_question,omitempty"`
	DirectAnswer        string   `json:"direct_answer,omitempty"`
	EstimatedIterations int      `json:"estimated_iterations"`
	Reasoning           string   `json:"reasoning,omitempty"`
	ContextReference    string   `json:"context_reference,omitempty"`
	Guidance            string   `json:"guidance,omitempty"`
	Plan                *Plan    `json:"plan,omitempty"`
}

// Ambiguity is the verdict of the ambiguity pre-check.
type Ambiguity struct {
	IsAmbiguous bool
	Confidence  float64
	Reason      string
	Suggestion  string
}

// Intent is a classified user intent.
type Intent struct {
	Intent             string
	Confidence         float64
	Reasoning          string
	IsAmbiguous        bool
	AmbiguityReason    string
	ClarifyingQuestion string
	RequiresTools      bool
	SuggestedTools     []string
	IsMultiStep        bool
	ContextDependent   bool
	ContextReference   string
}

// Catalog lists the loaded plugins.
type Catalog interface {
	List() []*plugins.Descriptor
}

// Config holds the identity used for direct answers and the cache TTL.
type Config struct {
	AgentName string
	OwnerName string
	CacheTTL  time.Duration
}

type cacheEntry struct {
	intent  Intent
	expires time.Time
}

// Analyzer classifies requests. It is safe for concurrent use.
type Analyzer struct {
	gen     llm.Generator
	catalog Catalog
	rules   *Rules
	cfg     Config
	logger  *slog.Logger

	group singleflight.Group
	mu    sync.Mutex
	cache map[string]cacheEntry
	now   func() time.Time
}

// New creates an analyzer whose deterministic rules are built from the
// catalog's plugins.
func New(gen llm.Generator, catalog Catalog, cfg Config, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.AgentName == "" {
		cfg.AgentName = "your AI assistant"
	}
	if cfg.OwnerName == "" {
		cfg.OwnerName = "my owner"
	}
	return &Analyzer{
		gen:     gen,
		catalog: catalog,
		rules:   NewRules(catalog.List()),
		cfg:     cfg,
		logger:  logger.With("component", "analyzer"),
		cache:   make(map[string]cacheEntry),
		now:     time.Now,
	}
}

// Rules returns the deterministic rule list.
func (a *Analyzer) Rules() *Rules { return a.rules }

// Analyze runs the full decision pipeline for one message. recent is
// the user's latest conversation turns, oldest first.
func (a *Analyzer) Analyze(ctx context.Context, message string, recent []prompts.Turn) Result {
	match := a.rules.Classify(message)
	switch match.Intent {
	case IntentIdentity:
		return Result{
			Intent:       IntentIdentity,
			Confidence:   match.Confidence,
			Strategy:     StrategyDirectAnswer,
			DirectAnswer: fmt.Sprintf("You are %s, and I am %s.", a.cfg.OwnerName, a.cfg.AgentName),
			Reasoning:    "identity question",
		}
	case IntentCasual:
		return Result{
			Intent:     IntentCasual,
			Confidence: match.Confidence,
			Strategy:   StrategyConversational,
			Reasoning:  "small talk",
		}
	}

	amb := a.CheckAmbiguity(ctx, message)
	if amb.IsAmbiguous && amb.Confidence > ClarifyThreshold {
		a.logger.Info("ambiguity detected", "reason", amb.Reason, "confidence", amb.Confidence)
		return Result{
			Intent:             IntentAmbiguous,
			Confidence:         amb.Confidence,
			Strategy:           StrategyClarify,
			ClarifyingQuestion: clarification(amb.Suggestion),
			Reasoning:          amb.Reason,
		}
	}

	in := a.ClassifyIntent(ctx, message, recent)
	a.logger.Info("intent classified",
		"intent", in.Intent,
		"confidence", in.Confidence,
		"requires_tools", in.RequiresTools,
		"reasoning", in.Reasoning,
	)
	if in.ContextReference != "" {
		a.logger.Debug("context reference", "ref", in.ContextReference)
	}

	if in.IsAmbiguous {
		return Result{
			Intent:             in.Intent,
			Confidence:         in.Confidence,
			Strategy:           StrategyClarify,
			ClarifyingQuestion: clarification(in.ClarifyingQuestion),
			Reasoning:          in.Reasoning,
		}
	}
	if !in.RequiresTools {
		return Result{
			Intent:           in.Intent,
			Confidence:       in.Confidence,
			Strategy:         StrategyConversational,
			Reasoning:        in.Reasoning,
			ContextReference: in.ContextReference,
		}
	}

	plan := a.PlanStrategy(ctx, in)
	a.logger.Info("strategy planned",
		"strategy", plan.Strategy,
		"estimated_iterations", plan.EstimatedIterations,
		"steps", len(plan.Steps),
	)
	return Result{
		Intent:              in.Intent,
		Confidence:          in.Confidence,
		Strategy:            plan.Strategy,
		SuggestedTools:      in.SuggestedTools,
		EstimatedIterations: plan.EstimatedIterations,
		Reasoning:           in.Reasoning,
		ContextReference:    in.ContextReference,
		Guidance:            a.Guidance(in.Intent, message),
		Plan:                &plan,
	}
}

func clarification(q string) string {
	if strings.TrimSpace(q) == "" {
		return prompts.DefaultClarification
	}
	return q
}

var ambiguityPatterns = plugins.Patterns(
	`\b(it|that|this|them|those)\b`,
	`^(do|can you|please)\s+(it|that|this)$`,
	`\b(more|again|same)\b`,
)

// MinWords is the word count below which a message is suspect.
const MinWords = 3

// CheckAmbiguity flags messages with bare pronoun references or fewer
// than MinWords words, then asks the model to confirm. When the model
// pass fails the rule verdict stands with confidence 0.6.
func (a *Analyzer) CheckAmbiguity(ctx context.Context, message string) Ambiguity {
	trimmed := strings.TrimSpace(message)
	pronouns := false
	for _, p := range ambiguityPatterns {
		if p.MatchString(trimmed) {
			pronouns = true
			break
		}
	}
	short := len(strings.Fields(trimmed)) < MinWords

	if !pronouns && !short {
		return Ambiguity{Confidence: 0.9}
	}

	var wire struct {
		IsAmbiguous bool     `json:"is_ambiguous"`
		Confidence  *float64 `json:"confidence"`
		Reason      string   `json:"reason"`
		Suggestion  string   `json:"suggested_clarification"`
	}
	err := a.generateJSON(ctx, prompts.AmbiguityUser(message), prompts.AmbiguitySystem, &wire)
	if err == nil {
		return Ambiguity{
			IsAmbiguous: wire.IsAmbiguous,
			Confidence:  confidence(wire.Confidence),
			Reason:      wire.Reason,
			Suggestion:  wire.Suggestion,
		}
	}
	a.logger.Debug("ambiguity confirmation failed", "error", err)

	reason := "Message too short"
	if pronouns {
		reason = "Contains ambiguous pronouns"
	}
	return Ambiguity{
		IsAmbiguous: true,
		Confidence:  0.6,
		Reason:      reason,
		Suggestion:  prompts.DefaultClarification,
	}
}

// ClassifyIntent asks the model for a structured classification.
// Results are cached per (message, recent context) for the cache TTL,
// and concurrent identical requests share one model call.
func (a *Analyzer) ClassifyIntent(ctx context.Context, message string, recent []prompts.Turn) Intent {
	key := cacheKey(message, recent)
	if in, ok := a.cached(key); ok {
		a.logger.Debug("using cached intent analysis", "intent", in.Intent)
		return in
	}

	v, err, shared := a.group.Do(key, func() (any, error) {
		in, err := a.classify(ctx, message, recent)
		if err != nil {
			return nil, err
		}
		a.store(key, in)
		return in, nil
	})
	if err != nil {
		a.logger.Warn("intent classification failed, using keyword fallback", "error", err)
		return FallbackIntent(message)
	}
	if shared {
		a.logger.Debug("intent classification shared with concurrent request")
	}
	return v.(Intent)
}

type intentWire struct {
	PrimaryIntent      string   `json:"primary_intent"`
	Confidence         *float64 `json:"confidence"`
	Reasoning          string   `json:"reasoning"`
	IsAmbiguous        bool     `json:"is_ambiguous"`
	AmbiguityReason    string   `json:"ambiguity_reason"`
	ClarifyingQuestion string   `json:"clarifying_question"`
	RequiresTools      bool     `json:"requires_tools"`
	SuggestedTools     []string `json:"suggested_tools"`
	IsMultiStep        bool     `json:"is_multi_step"`
	ContextDependent   bool     `json:"context_dependent"`
	ContextReference   string   `json:"context_reference"`
}

func (a *Analyzer) classify(ctx context.Context, message string, recent []prompts.Turn) (Intent, error) {
	var names []string
	for _, d := range a.catalog.List() {
		names = append(names, d.Name)
	}

	var w intentWire
	if err := a.generateJSON(ctx, prompts.IntentUser(message, recent, names), prompts.IntentSystem, &w); err != nil {
		return Intent{}, err
	}

	in := Intent{
		Intent:             strings.ToUpper(strings.TrimSpace(w.PrimaryIntent)),
		Confidence:         confidence(w.Confidence),
		Reasoning:          w.Reasoning,
		IsAmbiguous:        w.IsAmbiguous,
		AmbiguityReason:    w.AmbiguityReason,
		ClarifyingQuestion: w.ClarifyingQuestion,
		RequiresTools:      w.RequiresTools,
		SuggestedTools:     w.SuggestedTools,
		IsMultiStep:        w.IsMultiStep,
		ContextDependent:   w.ContextDependent,
		ContextReference:   w.ContextReference,
	}
	if in.Intent == "" {
		in.Intent = IntentUnknown
	}
	if in.Reasoning == "" {
		in.Reasoning = "No reasoning provided"
	}
	return in, nil
}

var fallbackSearchRe = plugins.Patterns(`search|find|look|google`)[0]

// FallbackIntent is the keyword classification used when the model
// cannot be reached or returns something unparseable.
func FallbackIntent(message string) Intent {
	if fallbackSearchRe.MatchString(message) {
		return Intent{
			Intent:         IntentSearchWeb,
			Confidence:     0.6,
			Reasoning:      "Keyword-based fallback detection",
			RequiresTools:  true,
			SuggestedTools: []string{"web_search"},
			IsMultiStep:    DetectMultiTool(message),
		}
	}
	return Intent{
		Intent:      IntentUnknown,
		Confidence:  0.3,
		Reasoning:   "Fallback analysis - model unavailable",
		IsAmbiguous: true,
	}
}

// PlanStrategy asks the model for a step plan. On failure it degrades
// to a linear plan over the suggested tools.
func (a *Analyzer) PlanStrategy(ctx context.Context, in Intent) Plan {
	if in.IsAmbiguous {
		return Plan{Strategy: StrategyClarify, Reasoning: "Need clarification first"}
	}
	if !in.RequiresTools {
		return Plan{Strategy: StrategyConversational, Reasoning: "No tools needed"}
	}

	var lines []string
	for _, d := range a.catalog.List() {
		lines = append(lines, fmt.Sprintf("- %s: %s", d.Name, d.Description))
	}

	var w planWire
	err := a.generateJSON(ctx,
		prompts.PlanUser(in.Intent, in.Confidence, in.Reasoning, in.SuggestedTools, in.IsMultiStep, lines),
		prompts.PlanSystem, &w)
	if err != nil {
		a.logger.Warn("strategy planning failed, using linear plan", "error", err)
		return FallbackPlan(in)
	}
	return w.plan()
}

// Guidance is a one-line hint for the agent prompt based on intent.
func (a *Analyzer) Guidance(intent, message string) string {
	if intent == IntentSearchWeb {
		return fmt.Sprintf("User wants to search the web. Use web_search immediately with query: %q", SearchQuery(message))
	}
	if tools := a.rules.Tools(intent); len(tools) > 0 {
		return fmt.Sprintf("Use the %s plugin with the appropriate function.", tools[0])
	}
	return "Analyze the request and choose appropriate tool."
}

// generateJSON calls the model and decodes the first balanced object in
// its reply into v.
func (a *Analyzer) generateJSON(ctx context.Context, prompt, system string, v any) error {
	if a.gen == nil {
		return llm.ErrNoProvider
	}
	text, err := a.gen.Generate(ctx, prompt, system)
	if err != nil {
		return err
	}
	obj, ok := extract.FirstObject(text)
	if !ok {
		return fmt.Errorf("no JSON object in model reply")
	}
	if err := json.Unmarshal([]byte(obj), v); err != nil {
		return fmt.Errorf("parse model reply: %w", err)
	}
	return nil
}

func confidence(c *float64) float64 {
	if c == nil {
		return 0.5
	}
	return max(0, min(1, *c))
}

func cacheKey(message string, recent []prompts.Turn) string {
	ctx, _ := json.Marshal(recent)
	return message + "\x00" + string(ctx)
}

func (a *Analyzer) cached(key string) (Intent, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.cache[key]
	if !ok || !a.now().Before(e.expires) {
		return Intent{}, false
	}
	return e.intent, true
}

func (a *Analyzer) store(key string, in Intent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	for k, e := range a.cache {
		if !now.Before(e.expires) {
			delete(a.cache, k)
		}
	}
	a.cache[key] = cacheEntry{intent: in, expires: now.Add(a.cfg.CacheTTL)}
}

// ClearCache drops all cached classifications.
func (a *Analyzer) ClearCache() {
	a.mu.Lock()
	defer a.mu.Unlock()
	clear(a.cache)
}

// AdaptiveBudget is the iteration cap for tool strategies:
// estimated+2, at least 5, never above ceiling.
func AdaptiveBudget(estimated, ceiling int) int {
	return min(max(estimated+2, 5), ceiling)
}
