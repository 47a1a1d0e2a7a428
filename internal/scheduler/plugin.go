package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/nugget/tether-agent/internal/plugins"
)

// Plugin exposes the store to the agent as the reminder plugin.
func (s *Store) Plugin() *plugins.Descriptor {
	return &plugins.Descriptor{
		Name:        "reminder",
		DisplayName: "Reminder",
		Priority:    7,
		Description: "Set time-based reminders with natural language. Supports 'in X minutes/hours/days', 'tomorrow', 'next week', etc.",
		IntentPatterns: plugins.Patterns(
			`\b(remind|reminder|remind me|set reminder|alert me)\b`,
			`\b(in\s+\d+\s+(minute|hour|day)s?)\b`,
			`\b(tomorrow|next week|later)\b.*\b(remind|remember)\b`,
		),
		Functions: map[string]*plugins.Function{
			"set_reminder": plugins.Func("set_reminder",
				"Set a new reminder with a message and time.", s.setReminder, "message", "time"),
			"list_reminders": plugins.Func("list_reminders",
				"List all active reminders for the user.", s.listReminders),
			"delete_reminder": plugins.Func("delete_reminder",
				"Delete a specific reminder by ID.", s.deleteReminder, "id"),
			"clear_reminders": plugins.Func("clear_reminders",
				"Clear all active reminders for the user.", s.clearReminders),
		},
		Source: "builtin",
	}
}

func (s *Store) setReminder(ctx context.Context, args map[string]any) (any, error) {
	message := plugins.StringArg(args, "message")
	when := plugins.StringArg(args, "time")

	due, ok := ParseTime(when, s.now())
	if !ok {
		return fmt.Sprintf("❌ Could not understand time: %q. Try formats like \"in 5 minutes\", \"tomorrow\", \"in 2 hours\".", when), nil
	}

	r, err := s.Create(ctx, plugins.UserIDFromContext(ctx), message, due)
	if err != nil {
		return nil, err
	}
	return fmt.Sprintf("✅ Reminder set!\n📝 Message: %s\n⏰ Time: %s", r.Message, FormatTime(r.Due)), nil
}

func (s *Store) listReminders(ctx context.Context, _ map[string]any) (any, error) {
	list, err := s.Active(ctx, plugins.UserIDFromContext(ctx))
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return "📭 You have no active reminders.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "📋 Your Reminders (%d):\n", len(list))
	for _, r := range list {
		fmt.Fprintf(&sb, "\n🔔 ID %d: %s\n   ⏰ %s\n", r.ID, r.Message, FormatTime(r.Due))
	}
	return strings.TrimSpace(sb.String()), nil
}

func (s *Store) deleteReminder(ctx context.Context, args map[string]any) (any, error) {
	raw := plugins.StringArg(args, "id")
	notFound := fmt.Sprintf("❌ Reminder ID %s not found or doesn't belong to you.", raw)

	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return notFound, nil
	}
	r, err := s.Delete(ctx, plugins.UserIDFromContext(ctx), id)
	if errors.Is(err, ErrNotFound) {
		return notFound, nil
	}
	if err != nil {
		return nil, err
	}
	return fmt.Sprintf("✅ Deleted reminder: %q", r.Message), nil
}

func (s *Store) clearReminders(ctx context.Context, _ map[string]any) (any, error) {
	n, err := s.ClearActive(ctx, plugins.UserIDFromContext(ctx))
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return "📭 You have no active reminders to clear.", nil
	}
	return fmt.Sprintf("✅ Cleared %d reminder(s).", n), nil
}
