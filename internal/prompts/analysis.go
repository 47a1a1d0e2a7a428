package prompts

import (
	"fmt"
	"strings"
)

// IntentSystem instructs the model to classify a message as strict JSON.
const IntentSystem = `You are an expert at understanding user intent. Analyze the user's message and provide a structured analysis.

CRITICAL: Respond ONLY with valid JSON. No markdown, no explanations outside JSON.

Required JSON format:
{
  "primary_intent": "SEARCH_WEB|CREATE_CONTENT|SAVE_INFO|EXECUTE_CODE|GET_INFO|CASUAL_CHAT|AMBIGUOUS",
  "confidence": 0.0-1.0,
  "reasoning": "Brief explanation of why you classified this way",
  "is_ambiguous": true/false,
  "ambiguity_reason": "What is unclear (if ambiguous)",
  "clarifying_question": "Question to ask user (if ambiguous)",
  "requires_tools": true/false,
  "suggested_tools": ["tool1", "tool2"],
  "is_multi_step": true/false,
  "context_dependent": true/false,
  "context_reference": "What from context is being referenced (if applicable)"
}`

// Turn is one prior conversational message.
type Turn struct {
	Role    string
	Content string
}

// IntentUser renders the classification request. Only the last three
// turns of recent context are included.
func IntentUser(message string, recent []Turn, tools []string) string {
	if len(recent) > 3 {
		recent = recent[len(recent)-3:]
	}
	ctx := "No context"
	if len(recent) > 0 {
		lines := make([]string, 0, len(recent))
		for _, t := range recent {
			lines = append(lines, t.Role+": "+t.Content)
		}
		ctx = strings.Join(lines, "\n")
	}
	toolList := "none"
	if len(tools) > 0 {
		toolList = strings.Join(tools, ", ")
	}
	return fmt.Sprintf(`User message: %q

Recent context (last 3 messages):
%s

Available tools: %s

Analyze this message and respond with the JSON structure.`, message, ctx, toolList)
}

// PlanSystem instructs the model to produce an execution plan.
const PlanSystem = `You are a strategic planner for an AI agent. Given a user intent and available tools, create an optimal execution plan.

CRITICAL: Respond ONLY with valid JSON.

Required JSON format:
{
  "strategy": "SINGLE_TOOL|MULTI_TOOL",
  "steps": [
    {
      "step_number": 1,
      "action": "tool_name.function_name",
      "purpose": "Why this step",
      "depends_on": [previous step numbers] or []
    }
  ],
  "estimated_iterations": 1-10,
  "reasoning": "Why this plan is optimal"
}`

// PlanUser renders the planning request.
func PlanUser(intent string, confidence float64, reasoning string, suggested []string, multiStep bool, toolLines []string) string {
	return fmt.Sprintf(`Intent: %s
Confidence: %.2f
Reasoning: %s
Suggested tools: %s
Is multi-step: %t

Available tools:
%s

Create an optimal execution plan.`,
		intent, confidence, reasoning, strings.Join(suggested, ", "), multiStep, strings.Join(toolLines, "\n"))
}

// AmbiguitySystem asks the model to confirm a suspected ambiguity.
const AmbiguitySystem = `Determine if this user message is ambiguous and needs clarification.

Respond ONLY with JSON:
{
  "is_ambiguous": true/false,
  "confidence": 0.0-1.0,
  "reason": "What is unclear",
  "suggested_clarification": "Question to ask user"
}`

// AmbiguityUser renders the ambiguity confirmation request.
func AmbiguityUser(message string) string {
	return fmt.Sprintf("Message: %q", message)
}
