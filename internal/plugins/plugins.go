// Package plugins holds the plugin registry and dispatcher. A plugin is
// a named capability exposing one or more callable functions with
// declared argument names. Descriptors are registered once at startup
// and never mutated afterwards.
package plugins

import (
	"context"
	"regexp"
	"sort"
)

// DefaultPriority is used for plugins that do not declare one.
const DefaultPriority = 8

// Handler executes one plugin function. The returned value is
// serialized to text by the dispatcher when it is not already a string.
// A nil value with a nil error is reported as "Done".
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Function describes a single callable function of a plugin.
type Function struct {
	Name        string
	Description string

	// Parameters lists argument names in declaration order. Positional
	// arguments are mapped onto these names by index.
	Parameters []string

	// Required is the subset of Parameters the handler cannot run without.
	Required []string

	Handler Handler
}

// Descriptor is the declarative metadata for one plugin.
type Descriptor struct {
	Name           string
	DisplayName    string
	Slug           string
	Priority       int
	Description    string
	IntentPatterns []*regexp.Regexp
	Functions      map[string]*Function

	// Source records where the descriptor came from ("builtin" or a
	// directory path) for logging and the plugins listing.
	Source string
}

// Label returns the display name, falling back to the plugin name.
func (d *Descriptor) Label() string {
	if d.DisplayName != "" {
		return d.DisplayName
	}
	return d.Name
}

// FunctionNames returns the plugin's function names in sorted order.
func (d *Descriptor) FunctionNames() []string {
	names := make([]string, 0, len(d.Functions))
	for name := range d.Functions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Func is a convenience constructor for built-in plugin functions.
func Func(name, description string, handler Handler, params ...string) *Function {
	return &Function{
		Name:        name,
		Description: description,
		Parameters:  params,
		Required:    params,
		Handler:     handler,
	}
}

// Patterns compiles case-insensitive intent patterns. It panics on an
// invalid expression and is meant for built-in plugin literals only.
func Patterns(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, e := range exprs {
		out = append(out, regexp.MustCompile("(?i)"+e))
	}
	return out
}
