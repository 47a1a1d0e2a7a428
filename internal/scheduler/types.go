// Package scheduler delivers time-based reminders. Reminders are stored
// in SQLite, exposed to the agent as the reminder plugin, and delivered
// by a Poller that scans for due entries on a fixed interval.
package scheduler

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Reminder is a single scheduled notification for one user.
type Reminder struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"user_id"`
	Message   string    `json:"message"`
	Due       time.Time `json:"due"`
	CreatedAt time.Time `json:"created_at"`
	Triggered bool      `json:"triggered"`
}

// displayLayout renders reminder times for users, e.g.
// "Tue, Mar 4, 09:00 AM".
const displayLayout = "Mon, Jan 2, 03:04 PM"

// FormatTime renders t in the local zone for display.
func FormatTime(t time.Time) string {
	return t.Local().Format(displayLayout)
}

var relativeRe = regexp.MustCompile(`in\s+(\d+)\s+(minute|minutes|min|hour|hours|hr|day|days)`)

// dateLayouts are tried in order for absolute times.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseTime resolves a natural-language reminder time relative to now.
// Supported forms are "in N minutes|hours|days", "tomorrow" and
// "next week" (both at 09:00 local), and absolute ISO dates in the
// future. It reports false when the text is not understood or names a
// time that has already passed.
func ParseTime(text string, now time.Time) (time.Time, bool) {
	lower := strings.ToLower(strings.TrimSpace(text))

	if m := relativeRe.FindStringSubmatch(lower); m != nil {
		n, err := strconv.Atoi(m[1])
		if err == nil {
			switch {
			case strings.HasPrefix(m[2], "min"):
				return now.Add(time.Duration(n) * time.Minute), true
			case strings.HasPrefix(m[2], "hour"), strings.HasPrefix(m[2], "hr"):
				return now.Add(time.Duration(n) * time.Hour), true
			case strings.HasPrefix(m[2], "day"):
				return now.AddDate(0, 0, n), true
			}
		}
	}

	if strings.Contains(lower, "tomorrow") {
		return atNine(now.AddDate(0, 0, 1)), true
	}
	if strings.Contains(lower, "next week") {
		return atNine(now.AddDate(0, 0, 7)), true
	}

	for _, layout := range dateLayouts {
		t, err := time.ParseInLocation(layout, strings.TrimSpace(text), now.Location())
		if err != nil {
			continue
		}
		if t.After(now) {
			return t, true
		}
		return time.Time{}, false
	}
	return time.Time{}, false
}

func atNine(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 9, 0, 0, 0, t.Location())
}
