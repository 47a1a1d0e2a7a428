package webpage

import (
	"context"
	"fmt"

	"github.com/nugget/tether-agent/internal/plugins"
)

// Plugin exposes the builder to the agent as web_builder.
func (b *Builder) Plugin() *plugins.Descriptor {
	return &plugins.Descriptor{
		Name:        "web_builder",
		DisplayName: "Web Builder",
		Priority:    9,
		Description: "Generate a complete static web page from a description and save it as an HTML file.",
		IntentPatterns: plugins.Patterns(
			`\b(build|create|make|generate)\b.*\b(website|site|web\s*page|landing\s*page)\b`,
			`\b(html|css|js|website|site)\b.*\b(builder|generator)\b`,
		),
		Functions: map[string]*plugins.Function{
			"build_site": plugins.Func("build_site", "Build a website based on a description.", b.buildHandler, "prompt"),
		},
		Source: "builtin",
	}
}

func (b *Builder) buildHandler(ctx context.Context, args map[string]any) (any, error) {
	site, err := b.Build(ctx, plugins.StringArg(args, "prompt"))
	if err != nil {
		return nil, err
	}
	return fmt.Sprintf("✅ Website built: %s\n📁 File: %s (%d bytes)", site.Title, site.Path, site.Bytes), nil
}
