package sysstats

import (
	"context"

	"github.com/nugget/tether-agent/internal/plugins"
)

// Plugin exposes the collector to the agent as system_stats.
func (c *Collector) Plugin() *plugins.Descriptor {
	return &plugins.Descriptor{
		Name:        "system_stats",
		DisplayName: "System Stats",
		Priority:    9,
		Description: "Report host CPU, memory and disk usage along with the agent's own process statistics.",
		IntentPatterns: plugins.Patterns(
			`\b(system\s+)?(stats|statistics|status)\b`,
			`\b(cpu|memory|ram|disk|storage)\s*(usage|info|stats)?\b`,
			`\b(how\s+(much|many)|check)\s+(cpu|memory|ram|disk)\b`,
			`\b(performance|resources)\b`,
		),
		Functions: map[string]*plugins.Function{
			"get_stats": plugins.Func("get_stats", "Get current system and agent statistics.", c.statsHandler),
		},
		Source: "builtin",
	}
}

func (c *Collector) statsHandler(context.Context, map[string]any) (any, error) {
	return Format(c.Snapshot()), nil
}
