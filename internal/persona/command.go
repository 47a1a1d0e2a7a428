package persona

import (
	"context"
	"fmt"
	"strings"
)

// Command handles "/persona [preset|description|reset]" and returns the
// reply text.
func (s *Store) Command(ctx context.Context, userID, args string) (string, error) {
	args = strings.TrimSpace(args)

	switch {
	case args == "":
		current := "Default"
		c, ok, err := s.Get(ctx, userID)
		if err != nil {
			return "", err
		}
		if ok {
			current = c.Persona
		}
		var sb strings.Builder
		fmt.Fprintf(&sb, "Current Persona: %s\n\n**Presets**:\n", current)
		for _, p := range Presets {
			fmt.Fprintf(&sb, "- /persona %s\n", p.Name)
		}
		sb.WriteString("\nUsage: /persona <any custom persona>\nReset: /persona reset")
		return sb.String(), nil

	case strings.EqualFold(args, "reset"):
		if err := s.Reset(ctx, userID); err != nil {
			return "", err
		}
		return "Persona reset to default.", nil
	}

	c, err := s.Set(ctx, userID, args)
	if err != nil {
		return "", err
	}
	if c.Label == "Custom" {
		return "Persona updated to: Custom", nil
	}
	return "Persona updated to: " + args, nil
}
