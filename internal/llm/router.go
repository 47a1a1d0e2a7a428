package llm

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// Router routes requests to a provider based on model name and fills in
// the default model. It implements Client and Generator.
type Router struct {
	mu           sync.RWMutex
	clients      map[string]Client // provider name → client
	prefixes     map[string]string // model prefix → provider name
	defaultName  string
	defaultModel string
	temperature  float64
	system       string
	logger       *slog.Logger
}

// RouterConfig names the default provider and model.
type RouterConfig struct {
	Provider    string
	Model       string
	Temperature float64

	// System is used by Generate when the caller passes no system prompt.
	System string
}

// NewRouter creates an empty router.
func NewRouter(cfg RouterConfig, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		clients:      make(map[string]Client),
		prefixes:     make(map[string]string),
		defaultName:  cfg.Provider,
		defaultModel: cfg.Model,
		temperature:  cfg.Temperature,
		system:       cfg.System,
		logger:       logger.With("component", "llm"),
	}
}

// AddProvider registers a client under a provider name.
func (r *Router) AddProvider(name string, c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[name] = c
}

// AddPrefix routes models whose name starts with prefix to a provider.
func (r *Router) AddPrefix(prefix, provider string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prefixes[prefix] = provider
}

// Providers returns the registered provider names, sorted.
func (r *Router) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.clients))
	for n := range r.clients {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// PingProvider checks one registered provider.
func (r *Router) PingProvider(ctx context.Context, name string) error {
	r.mu.RLock()
	c, ok := r.clients[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrNoProvider, name)
	}
	return c.Ping(ctx)
}

// Model returns the default model name.
func (r *Router) Model() string { return r.defaultModel }

// clientFor returns the provider for a model. The longest matching
// prefix wins; otherwise the default provider is used.
func (r *Router) clientFor(model string) (string, Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	name := r.defaultName
	best := -1
	for prefix, provider := range r.prefixes {
		if strings.HasPrefix(model, prefix) && len(prefix) > best {
			name, best = provider, len(prefix)
		}
	}
	c, ok := r.clients[name]
	if !ok {
		return name, nil, fmt.Errorf("%w for model %q (provider %q)", ErrNoProvider, model, name)
	}
	return name, c, nil
}

// Chat sends req to the provider for its model.
func (r *Router) Chat(ctx context.Context, req Request) (*Response, error) {
	if req.Model == "" {
		req.Model = r.defaultModel
	}
	if req.Temperature == 0 {
		req.Temperature = r.temperature
	}
	name, c, err := r.clientFor(req.Model)
	if err != nil {
		return nil, err
	}
	resp, err := c.Chat(ctx, req)
	if err != nil {
		r.logger.Warn("generation failed", "provider", name, "model", req.Model, "error", err)
		return nil, err
	}
	r.logger.Debug("generation complete",
		"provider", name,
		"model", req.Model,
		"duration", resp.Duration,
		"chars", len(resp.Text),
	)
	return resp, nil
}

// Generate sends a single user prompt. An empty system prompt falls
// back to the router's identity prompt.
func (r *Router) Generate(ctx context.Context, prompt, system string) (string, error) {
	if system == "" {
		system = r.system
	}
	resp, err := r.Chat(ctx, Request{
		System:   system,
		Messages: []Message{{Role: RoleUser, Content: prompt}},
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// Converse sends a system prompt plus prior turns.
func (r *Router) Converse(ctx context.Context, system string, turns []Message) (string, error) {
	resp, err := r.Chat(ctx, Request{System: system, Messages: turns})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// Ping checks the default provider.
func (r *Router) Ping(ctx context.Context) error {
	_, c, err := r.clientFor(r.defaultModel)
	if err != nil {
		return err
	}
	return c.Ping(ctx)
}

// IdentityPrompt is the system prompt used when none is supplied.
func IdentityPrompt(agent, owner, model string) string {
	return fmt.Sprintf("You are %s, an AI assistant owned by %s. Your model is %s.", agent, owner, model)
}
