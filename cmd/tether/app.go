package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/nugget/tether-agent/internal/agent"
	"github.com/nugget/tether-agent/internal/analyzer"
	"github.com/nugget/tether-agent/internal/chat"
	"github.com/nugget/tether-agent/internal/config"
	"github.com/nugget/tether-agent/internal/connwatch"
	"github.com/nugget/tether-agent/internal/events"
	"github.com/nugget/tether-agent/internal/facts"
	"github.com/nugget/tether-agent/internal/fetch"
	"github.com/nugget/tether-agent/internal/history"
	"github.com/nugget/tether-agent/internal/llm"
	"github.com/nugget/tether-agent/internal/persona"
	"github.com/nugget/tether-agent/internal/plugins"
	"github.com/nugget/tether-agent/internal/scheduler"
	"github.com/nugget/tether-agent/internal/search"
	"github.com/nugget/tether-agent/internal/session"
	"github.com/nugget/tether-agent/internal/sysstats"
	"github.com/nugget/tether-agent/internal/usage"
	"github.com/nugget/tether-agent/internal/webpage"
)

// app holds every long-lived component for one process. The transport
// differs per command (HTTP outbox for serve, the terminal for ask and
// chat); everything else is wired the same way.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	bus    *events.Bus

	history   *history.Store
	facts     *facts.Store
	reminders *scheduler.Store
	personas  *persona.Store
	usage     *usage.Store

	router   *llm.Router
	registry *plugins.Registry
	sessions *session.Manager
	stats    *sysstats.Collector
	loop     *agent.Loop
	handler  *chat.Handler
	poller   *scheduler.Poller
	recorder *usage.Recorder
}

// newApp opens the stores under the data directory and builds the
// agent. Call Close when done, even after an error from later steps.
func newApp(ctx context.Context, cfg *config.Config, bus *events.Bus, transport agent.Transport, logger *slog.Logger) (_ *app, err error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	a := &app{cfg: cfg, logger: logger, bus: bus}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	// --- Stores ---
	if a.history, err = history.NewStore(cfg.DataPath("history.db"), cfg.Agent.HistoryLimit); err != nil {
		return nil, fmt.Errorf("open history store: %w", err)
	}
	if a.facts, err = facts.NewStore(cfg.DataPath("facts.db")); err != nil {
		return nil, fmt.Errorf("open fact store: %w", err)
	}
	if a.reminders, err = scheduler.NewStore(cfg.DataPath("reminders.db")); err != nil {
		return nil, fmt.Errorf("open reminder store: %w", err)
	}
	if a.personas, err = persona.NewStore(cfg.DataPath("persona.db")); err != nil {
		return nil, fmt.Errorf("open persona store: %w", err)
	}
	a.personas.SetDefault(cfg.Agent.Persona)
	if a.usage, err = usage.NewStore(cfg.DataPath("usage.db")); err != nil {
		return nil, fmt.Errorf("open usage store: %w", err)
	}
	logger.Debug("stores opened", "data_dir", cfg.DataDir)

	// --- Models ---
	if a.router, err = newRouter(ctx, cfg, logger); err != nil {
		return nil, err
	}

	// --- Plugins ---
	a.registry = plugins.NewRegistry(logger)
	a.sessions = session.NewManager(logger)
	a.stats = sysstats.NewCollector(a.sessions, a.registry, cfg.DataDir)

	for _, d := range a.builtinPlugins() {
		if cfg.Plugins.IsDisabled(d.Name) {
			logger.Info("plugin disabled by config", "plugin", d.Name)
			continue
		}
		if err := a.registry.Register(d); err != nil {
			return nil, fmt.Errorf("register plugin %s: %w", d.Name, err)
		}
	}
	if cfg.Plugins.Dir != "" {
		loader := &plugins.DirLoader{Dir: cfg.Plugins.Dir, Timeout: cfg.Plugins.Timeout, Logger: logger}
		descs, err := loader.Load()
		if err != nil {
			return nil, fmt.Errorf("load plugins from %s: %w", cfg.Plugins.Dir, err)
		}
		var enabled []*plugins.Descriptor
		for _, d := range descs {
			if !cfg.Plugins.IsDisabled(d.Name) {
				enabled = append(enabled, d)
			}
		}
		a.registry.Load(enabled)
	}
	logger.Info("plugins registered", "count", a.registry.Len())

	// --- Agent ---
	a.loop = agent.NewLoop(agent.Config{
		AgentName:     cfg.Agent.Name,
		OwnerName:     cfg.Agent.Owner,
		MaxIterations: cfg.Agent.MaxIterations,
		ActionDelay:   cfg.Agent.ActionDelay,
	}, agent.Deps{
		Model: a.router,
		Analyzer: analyzer.New(a.router, a.registry, analyzer.Config{
			AgentName: cfg.Agent.Name,
			OwnerName: cfg.Agent.Owner,
		}, logger),
		Catalog:   a.registry,
		Executor:  plugins.NewDispatcher(a.registry, logger),
		Sessions:  a.sessions,
		History:   a.history,
		Transport: transport,
		Personas:  a.personas,
		Events:    bus,
	}, logger)

	a.handler = chat.NewHandler(chat.Config{
		AllowedUsers:  cfg.Agent.AllowedUsers,
		IdleTimeout:   cfg.Agent.IdleTimeout,
		RatePerMinute: cfg.RateLimit.PerMinute,
		RateBurst:     cfg.RateLimit.Burst,
	}, chat.Deps{
		Agent:     a.loop,
		History:   a.history,
		Sender:    transport,
		Personas:  a.personas,
		Generator: a.router,
		Events:    bus,
	}, logger)

	a.poller = scheduler.NewPoller(a.reminders, transport, cfg.Reminders.PollInterval, logger)
	a.poller.SetEvents(bus)
	a.recorder = usage.NewRecorder(a.usage, bus, logger)

	return a, nil
}

// builtinPlugins returns the in-process plugins. web_search is left out
// when no search backend is configured.
func (a *app) builtinPlugins() []*plugins.Descriptor {
	descs := []*plugins.Descriptor{
		a.stats.Plugin(),
		a.facts.Plugin(),
		a.reminders.Plugin(),
		a.history.Plugin(),
		fetch.New().Plugin(),
		webpage.NewBuilder(a.router, a.cfg.DataPath("sites"), a.logger).Plugin(),
	}

	mgr := search.NewManager(a.cfg.Search.Primary)
	if a.cfg.Search.SearXNGURL != "" {
		mgr.Register(search.NewSearXNG(a.cfg.Search.SearXNGURL))
	}
	if a.cfg.Search.BraveAPIKey != "" {
		mgr.Register(search.NewBrave(a.cfg.Search.BraveAPIKey))
	}
	if mgr.Configured() {
		descs = append(descs, mgr.Plugin())
	} else {
		a.logger.Warn("no search backend configured, web_search unavailable")
	}
	return descs
}

// newRouter registers every configured provider. Ollama needs no
// credentials and is always available.
func newRouter(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*llm.Router, error) {
	m := cfg.Models
	router := llm.NewRouter(llm.RouterConfig{
		Provider:    m.Provider,
		Model:       m.Model,
		Temperature: m.Temperature,
		System:      llm.IdentityPrompt(cfg.Agent.Name, cfg.Agent.Owner, m.Model),
	}, logger)

	router.AddProvider("ollama", llm.NewOllamaClient(m.Ollama.URL, logger))
	if m.Anthropic.Configured() {
		router.AddProvider("anthropic", llm.NewAnthropicClient(m.Anthropic.APIKey, m.Model, logger))
	}
	if m.Gemini.Configured() {
		gc, err := llm.NewGeminiClient(ctx, llm.GeminiConfig{
			APIKey:    m.Gemini.APIKey,
			BaseURL:   m.Gemini.BaseURL,
			PingModel: m.Model,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("gemini client: %w", err)
		}
		router.AddProvider("gemini", gc)
	}
	for prefix, provider := range m.Routes {
		router.AddPrefix(prefix, provider)
	}

	logger.Info("model providers configured", "providers", router.Providers(), "default", m.Provider)
	return router, nil
}

// watchProviders probes every registered model provider in the
// background until ctx is cancelled.
func (a *app) watchProviders(ctx context.Context) *connwatch.Monitor {
	mon := connwatch.NewMonitor(ctx, a.bus, a.logger)
	for _, name := range a.router.Providers() {
		mon.Watch(name, func(ctx context.Context) error {
			return a.router.PingProvider(ctx, name)
		}, connwatch.DefaultBackoff())
	}
	return mon
}

// Close stops idle timers and closes the stores.
func (a *app) Close() error {
	if a.handler != nil {
		a.handler.Close()
	}
	var errs []error
	if a.history != nil {
		errs = append(errs, a.history.Close())
	}
	if a.facts != nil {
		errs = append(errs, a.facts.Close())
	}
	if a.reminders != nil {
		errs = append(errs, a.reminders.Close())
	}
	if a.personas != nil {
		errs = append(errs, a.personas.Close())
	}
	if a.usage != nil {
		errs = append(errs, a.usage.Close())
	}
	return errors.Join(errs...)
}
