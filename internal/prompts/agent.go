package prompts

import (
	"fmt"
	"strings"
	"time"

	"github.com/nugget/tether-agent/internal/plugins"
)

// FirstIterationContext is rendered when the session has no trace yet.
const FirstIterationContext = "First iteration. Plan your first tool call or response."

const agentTemplate = `You are %[1]s, a professional AI agent.
CURRENT TIME: %[2]s
OWNER: %[3]s
PERSONA: %[4]s
ITERATION: %[5]d of %[6]d

### 🛑 RULES
1. **ACTION FIRST**: If you need information or to perform a task, you MUST use a tool.
2. **ONE STEP AT A TIME**: Only perform one tool call per response.
3. **STRICT FORMAT**: You MUST output exactly in this format:
   [THOUGHT]
   Your reasoning here.

   [ACTION]
   {"plugin": "...", "function": "...", "args": {...}}

   -- OR --

   [THOUGHT]
   Task is complete or this is a greeting.

   [ANSWER]
   Your final message to the user here.
%[7]s
### 🛠️ TOOLS
%[8]s

### ⏳ CONTEXT
%[9]s

---
CRITICAL: You must use [ACTION] with a valid JSON block to run a tool. Do NOT use backticks around JSON. Never say "I will search", just do the [ACTION].`

// AgentData holds the dynamic parts of the agent system prompt.
type AgentData struct {
	AgentName     string
	OwnerName     string
	Persona       string
	Now           time.Time
	Iteration     int
	MaxIterations int

	// Tools is the rendered tool catalog (see ToolCatalog).
	Tools string

	// Context is the rendered session trace; empty means first iteration.
	Context string

	// Guidance is an optional hint derived from request analysis.
	Guidance string
}

// AgentSystemPrompt renders the per-iteration system prompt.
func AgentSystemPrompt(d AgentData) string {
	name := d.AgentName
	if name == "" {
		name = "AI"
	}
	owner := d.OwnerName
	if owner == "" {
		owner = "User"
	}
	persona := d.Persona
	if persona == "" {
		persona = "Helpful Assistant"
	}
	tools := d.Tools
	if tools == "" {
		tools = "No tools are available. Answer directly."
	}
	ctx := strings.TrimSpace(d.Context)
	if ctx == "" {
		ctx = FirstIterationContext
	}
	guidance := ""
	if d.Guidance != "" {
		guidance = "\n### 🧭 GUIDANCE\n" + d.Guidance + "\n"
	}
	now := d.Now
	if now.IsZero() {
		now = time.Now()
	}

	return fmt.Sprintf(agentTemplate,
		name,
		now.Format("Mon Jan 2 2006 15:04 MST"),
		owner,
		persona,
		d.Iteration,
		d.MaxIterations,
		guidance,
		tools,
		ctx,
	)
}

// ToolCatalog renders every plugin with a ready-to-copy call template
// per function.
func ToolCatalog(descs []*plugins.Descriptor) string {
	var b strings.Builder
	for i, d := range descs {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "### %s\n", d.Label())
		if d.Description != "" {
			fmt.Fprintf(&b, "Description: %s\n", d.Description)
		}
		for _, name := range d.FunctionNames() {
			fn := d.Functions[name]
			fmt.Fprintf(&b, "- %s: %s\n", name, CallTemplate(d.Name, fn))
			if fn.Description != "" {
				fmt.Fprintf(&b, "  Purpose: %s\n", fn.Description)
			}
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// CallTemplate renders the JSON call a model should emit for fn.
func CallTemplate(plugin string, fn *plugins.Function) string {
	args := make([]string, 0, len(fn.Parameters))
	for _, p := range fn.Parameters {
		args = append(args, fmt.Sprintf("%q:\"...\"", p))
	}
	return fmt.Sprintf(`{"plugin": %q, "function": %q, "args": {%s}}`, plugin, fn.Name, strings.Join(args, ", "))
}
