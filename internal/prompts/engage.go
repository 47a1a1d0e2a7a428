package prompts

import (
	"fmt"
	"strings"
)

// ReengagementPrompt asks for one short follow-up based on the chat
// history. Each turn is rendered as "role: content".
func ReengagementPrompt(history []Turn) string {
	lines := make([]string, 0, len(history))
	for _, t := range history {
		lines = append(lines, t.Role+": "+t.Content)
	}
	return fmt.Sprintf(`You are a professional AI engagement assistant.
Analyze the following chat history and generate ONE short, curious follow-up question or helpful suggestion to re-engage the user.

CHAT HISTORY:
%s

RULES:
1. Keep it under 20 words.
2. Be specific to the history.
3. Output ONLY the message text.`, strings.Join(lines, "\n"))
}
