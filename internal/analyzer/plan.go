package analyzer

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Step is one planned tool invocation.
type Step struct {
	Number    int      `json:"step_number"`
	Action    string   `json:"action"`
	Purpose   string   `json:"purpose"`
	DependsOn StepRefs `json:"depends_on"`
}

// Plan is an execution plan for a tool-using request.
type Plan struct {
	Strategy            Strategy `json:"strategy"`
	Steps               []Step   `json:"steps"`
	EstimatedIterations int      `json:"estimated_iterations"`
	Reasoning           string   `json:"reasoning"`
}

// StepRefs is a list of step numbers. Models write it as a number, a
// numeric string, a list of either, or null; all decode.
type StepRefs []int

// UnmarshalJSON implements json.Unmarshaler.
func (r *StepRefs) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = nil
	var add func(v any)
	add = func(v any) {
		switch t := v.(type) {
		case float64:
			*r = append(*r, int(t))
		case string:
			if n, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
				*r = append(*r, n)
			}
		case []any:
			for _, e := range t {
				add(e)
			}
		}
	}
	add(raw)
	return nil
}

type planWire struct {
	Strategy            string `json:"strategy"`
	Steps               []Step `json:"steps"`
	EstimatedIterations int    `json:"estimated_iterations"`
	Reasoning           string `json:"reasoning"`
}

func (w planWire) plan() Plan {
	p := Plan{
		Strategy:            StrategySingleTool,
		Steps:               w.Steps,
		EstimatedIterations: w.EstimatedIterations,
		Reasoning:           w.Reasoning,
	}
	switch strings.ToUpper(strings.TrimSpace(w.Strategy)) {
	case "MULTI_TOOL", "SEQUENTIAL", "PARALLEL":
		p.Strategy = StrategyMultiTool
	}
	if p.EstimatedIterations <= 0 {
		p.EstimatedIterations = 2
	}
	if p.Reasoning == "" {
		p.Reasoning = "Default plan"
	}
	return p
}

// FallbackPlan runs the suggested tools in order, each depending on the
// one before it.
func FallbackPlan(in Intent) Plan {
	p := Plan{
		Strategy:            StrategySingleTool,
		EstimatedIterations: len(in.SuggestedTools) + 1,
		Reasoning:           "Fallback sequential plan",
	}
	if in.IsMultiStep {
		p.Strategy = StrategyMultiTool
	}
	for i, tool := range in.SuggestedTools {
		s := Step{Number: i + 1, Action: tool, Purpose: "Execute tool"}
		if i > 0 {
			s.DependsOn = StepRefs{i}
		}
		p.Steps = append(p.Steps, s)
	}
	return p
}
