package plugins

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// Registry is the in-memory plugin table. Plugins are registered during
// startup; lookups are safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	plugins []*Descriptor
	byAlias map[string]*Descriptor
	logger  *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		byAlias: make(map[string]*Descriptor),
		logger:  logger.With("component", "plugins"),
	}
}

// Register adds a descriptor. It rejects descriptors without a name or
// functions, functions without handlers, and aliases that collide with
// an already registered plugin.
func (r *Registry) Register(d *Descriptor) error {
	if err := validate(d); err != nil {
		r.logger.Warn("plugin rejected", "plugin", d.Name, "error", err)
		return err
	}
	if d.Priority == 0 {
		d.Priority = DefaultPriority
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	aliases := aliasesOf(d)
	for _, a := range aliases {
		if existing, ok := r.byAlias[a]; ok {
			err := fmt.Errorf("%w: %q already registered by %s", ErrDuplicatePlugin, a, existing.Name)
			r.logger.Warn("plugin rejected", "plugin", d.Name, "error", err)
			return err
		}
	}
	for _, a := range aliases {
		r.byAlias[a] = d
	}
	r.plugins = append(r.plugins, d)

	r.logger.Info("plugin loaded",
		"plugin", d.Name,
		"display_name", d.Label(),
		"functions", len(d.Functions),
		"priority", d.Priority,
		"source", d.Source,
	)
	return nil
}

// Load registers each descriptor, logging and skipping any that fail.
// It returns the descriptors that were accepted.
func (r *Registry) Load(descs []*Descriptor) []*Descriptor {
	loaded := make([]*Descriptor, 0, len(descs))
	for _, d := range descs {
		if err := r.Register(d); err != nil {
			continue
		}
		loaded = append(loaded, d)
	}
	return loaded
}

// Resolve finds a plugin by name, display name or slug, ignoring case.
// Returns nil when nothing matches.
func (r *Registry) Resolve(name string) *Descriptor {
	key := normalize(name)
	if key == "" {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byAlias[key]
}

// List returns all registered plugins ordered by priority (highest
// first), then by name.
func (r *Registry) List() []*Descriptor {
	r.mu.RLock()
	out := make([]*Descriptor, len(r.plugins))
	copy(out, r.plugins)
	r.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Len returns the number of registered plugins.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// ResolveFunction selects a function on d. An empty name selects the
// sole function of a single-function plugin; otherwise an empty or
// unknown name yields *ErrFunctionNotFound.
func ResolveFunction(d *Descriptor, name string) (*Function, error) {
	if name == "" {
		if len(d.Functions) == 1 {
			for _, fn := range d.Functions {
				return fn, nil
			}
		}
		return nil, &ErrFunctionNotFound{Plugin: d.Name, Available: d.FunctionNames()}
	}

	if fn, ok := d.Functions[name]; ok {
		return fn, nil
	}
	// Models frequently vary the case of function names.
	for fname, fn := range d.Functions {
		if strings.EqualFold(fname, name) {
			return fn, nil
		}
	}
	return nil, &ErrFunctionNotFound{Plugin: d.Name, Function: name, Available: d.FunctionNames()}
}

func validate(d *Descriptor) error {
	if d == nil || strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("plugin has no name")
	}
	if len(d.Functions) == 0 {
		return fmt.Errorf("plugin %s declares no functions", d.Name)
	}
	for name, fn := range d.Functions {
		if fn == nil || fn.Handler == nil {
			return fmt.Errorf("plugin %s: function %s has no handler", d.Name, name)
		}
		if fn.Name == "" {
			fn.Name = name
		}
	}
	return nil
}

func aliasesOf(d *Descriptor) []string {
	seen := make(map[string]bool)
	var out []string
	for _, a := range []string{d.Name, d.DisplayName, d.Slug} {
		k := normalize(a)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
