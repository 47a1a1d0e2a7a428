package prompts

// Fixed replies sent to users.
const (
	PongReply = "Pong! 🏓"

	// RephraseReply is sent when the iteration budget runs out before
	// the agent finishes.
	RephraseReply = "I've reached my limit for this task. Could you please rephrase or be more specific?"

	// ErrorReply is sent when the loop aborts on an unexpected error.
	ErrorReply = "I encountered an error."

	// TaskCompleteReply replaces a final answer that sanitized to nothing.
	TaskCompleteReply = "Task complete. What's next?"

	BusyReply = "Still working on your previous request. I'll get to this once it's done."

	RateLimitedReply = "You're sending messages faster than I can keep up. Give me a moment."

	AccessDeniedReply = "Access denied."

	DefaultClarification = "Could you provide more details?"

	// StatusPrefix starts every progress status update.
	StatusPrefix = "💎 **Agent Protocol**\n"

	// ReminderPrefix starts every delivered reminder.
	ReminderPrefix = "🔔 **Reminder!**\n\n"

	// ClarifyPrefix is prepended to clarifying questions.
	ClarifyPrefix = "❓ "
)

// HelpText is the reply to /help.
const HelpText = `**Commands**
/ping - check that I'm alive
/clear - forget our conversation and any task in progress
/persona [preset|description|reset] - show or change my persona
/help - this message

Anything else is handled by the agent, which may use tools to answer.`
