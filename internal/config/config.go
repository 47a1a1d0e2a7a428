// Package config handles tether configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/tether/config.yaml, /etc/tether/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "tether", "config.yaml"))
	}

	paths = append(paths, "/etc/tether/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Providers lists the model provider names the config accepts.
var Providers = []string{"ollama", "anthropic", "gemini"}

// Config holds all tether configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Agent     AgentConfig     `yaml:"agent"`
	Models    ModelsConfig    `yaml:"models"`
	Plugins   PluginsConfig   `yaml:"plugins"`
	Search    SearchConfig    `yaml:"search"`
	Reminders RemindersConfig `yaml:"reminders"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	DataDir   string          `yaml:"data_dir"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// AgentConfig shapes the agent loop and the chat front end.
type AgentConfig struct {
	Name    string `yaml:"name"`
	Owner   string `yaml:"owner"`
	Persona string `yaml:"persona"` // default persona text; per-user overrides live in the persona store

	// PersonaFile is read into Persona when Persona is empty. Relative
	// paths resolve against the config file's directory.
	PersonaFile string `yaml:"persona_file"`

	MaxIterations int           `yaml:"max_iterations"`
	ActionDelay   time.Duration `yaml:"action_delay"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"` // negative disables follow-ups
	HistoryLimit  int           `yaml:"history_limit"` // stored messages kept per user

	// AllowedUsers restricts who may talk to the agent. Empty allows
	// everyone.
	AllowedUsers []string `yaml:"allowed_users"`
}

// ModelsConfig selects the text-generation backend.
type ModelsConfig struct {
	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`

	// Routes maps a model-name prefix to a provider, e.g. "claude-" to
	// "anthropic".
	Routes map[string]string `yaml:"routes"`

	Ollama    OllamaConfig    `yaml:"ollama"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	Gemini    GeminiConfig    `yaml:"gemini"`
}

// OllamaConfig points at an Ollama server.
type OllamaConfig struct {
	URL string `yaml:"url"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// Configured reports whether an API key is present.
func (c AnthropicConfig) Configured() bool { return c.APIKey != "" }

// GeminiConfig defines Gemini API settings.
type GeminiConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// Configured reports whether an API key is present.
func (c GeminiConfig) Configured() bool { return c.APIKey != "" }

// PluginsConfig controls which plugins are registered.
type PluginsConfig struct {
	// Dir holds external plugin directories. Empty disables loading.
	Dir      string        `yaml:"dir"`
	Timeout  time.Duration `yaml:"timeout"`
	Disabled []string      `yaml:"disabled"`
}

// IsDisabled reports whether the named plugin was switched off.
func (c PluginsConfig) IsDisabled(name string) bool {
	for _, d := range c.Disabled {
		if strings.EqualFold(strings.TrimSpace(d), name) {
			return true
		}
	}
	return false
}

// SearchConfig configures web_search backends.
type SearchConfig struct {
	Primary     string `yaml:"primary"` // searxng or brave; empty means the first configured
	SearXNGURL  string `yaml:"searxng_url"`
	BraveAPIKey string `yaml:"brave_api_key"`
}

// RemindersConfig configures the reminder poller.
type RemindersConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

// RateLimitConfig is the per-user inbound message budget.
type RateLimitConfig struct {
	PerMinute float64 `yaml:"per_minute"` // 0 disables
	Burst     int     `yaml:"burst"`
}

// MQTTConfig defines the MQTT telemetry connection.
type MQTTConfig struct {
	Broker          string        `yaml:"broker"` // e.g. mqtts://broker:8883
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	DeviceName      string        `yaml:"device_name"`
	DiscoveryPrefix string        `yaml:"discovery_prefix"`
	PublishInterval time.Duration `yaml:"publish_interval"`

	// Inbox subscribes to <base>/inbox and feeds payloads to the chat
	// handler.
	Inbox          bool `yaml:"inbox"`
	InboxPerMinute int  `yaml:"inbox_per_minute"`
}

// Configured reports whether a broker was given.
func (c MQTTConfig) Configured() bool { return c.Broker != "" }

// LoggingConfig configures slog output and optional rotation.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // text or json
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Load reads configuration from a YAML file. Environment variables are
// expanded first and the result is layered over [Default].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if cfg.Agent.Persona == "" && cfg.Agent.PersonaFile != "" {
		pf := cfg.Agent.PersonaFile
		if !filepath.IsAbs(pf) {
			pf = filepath.Join(filepath.Dir(path), pf)
		}
		text, err := os.ReadFile(pf)
		if err != nil {
			return nil, fmt.Errorf("read persona file: %w", err)
		}
		cfg.Agent.Persona = strings.TrimSpace(string(text))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a runnable configuration pointing at a local Ollama.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080},
		Agent: AgentConfig{
			Name:          "Tether",
			Owner:         "User",
			MaxIterations: 10,
			ActionDelay:   800 * time.Millisecond,
			IdleTimeout:   60 * time.Second,
			HistoryLimit:  200,
		},
		Models: ModelsConfig{
			Provider:    "ollama",
			Model:       "qwen3:4b",
			Temperature: 0.4,
			Ollama:      OllamaConfig{URL: "http://localhost:11434"},
		},
		Plugins: PluginsConfig{Timeout: 30 * time.Second},
		Reminders: RemindersConfig{
			PollInterval: 30 * time.Second,
		},
		RateLimit: RateLimitConfig{PerMinute: 20, Burst: 5},
		MQTT: MQTTConfig{
			DeviceName:      "tether",
			DiscoveryPrefix: "homeassistant",
			PublishInterval: 60 * time.Second,
			InboxPerMinute:  10,
		},
		DataDir: "./data",
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
	}
}

// applyDefaults fills values a config file zeroed out.
func (c *Config) applyDefaults() {
	d := Default()
	if c.Listen.Port == 0 {
		c.Listen.Port = d.Listen.Port
	}
	if c.Agent.ActionDelay == 0 {
		c.Agent.ActionDelay = d.Agent.ActionDelay
	}
	if c.Agent.HistoryLimit <= 0 {
		c.Agent.HistoryLimit = d.Agent.HistoryLimit
	}
	if c.Models.Provider == "" {
		c.Models.Provider = d.Models.Provider
	}
	if c.Models.Ollama.URL == "" {
		c.Models.Ollama.URL = d.Models.Ollama.URL
	}
	if c.Plugins.Timeout <= 0 {
		c.Plugins.Timeout = d.Plugins.Timeout
	}
	if c.Reminders.PollInterval <= 0 {
		c.Reminders.PollInterval = d.Reminders.PollInterval
	}
	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = d.MQTT.DeviceName
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = d.MQTT.DiscoveryPrefix
	}
	if c.MQTT.PublishInterval <= 0 {
		c.MQTT.PublishInterval = d.MQTT.PublishInterval
	}
	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
	if c.Logging.Format == "" {
		c.Logging.Format = d.Logging.Format
	}
}

// Validate rejects settings the agent cannot run with. All problems are
// reported together.
func (c *Config) Validate() error {
	var errs []error

	if c.Agent.MaxIterations < 1 {
		errs = append(errs, fmt.Errorf("agent.max_iterations must be at least 1, got %d", c.Agent.MaxIterations))
	}
	if c.Agent.ActionDelay < 0 {
		errs = append(errs, fmt.Errorf("agent.action_delay must not be negative"))
	}

	if !slices.Contains(Providers, c.Models.Provider) {
		errs = append(errs, fmt.Errorf("models.provider %q is not one of %v", c.Models.Provider, Providers))
	}
	for prefix, p := range c.Models.Routes {
		if !slices.Contains(Providers, p) {
			errs = append(errs, fmt.Errorf("models.routes[%q]: unknown provider %q", prefix, p))
		}
	}
	switch c.Models.Provider {
	case "anthropic":
		if !c.Models.Anthropic.Configured() {
			errs = append(errs, fmt.Errorf("models.anthropic.api_key is required for the anthropic provider"))
		}
	case "gemini":
		if !c.Models.Gemini.Configured() {
			errs = append(errs, fmt.Errorf("models.gemini.api_key is required for the gemini provider"))
		}
	}

	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	if c.RateLimit.PerMinute < 0 {
		errs = append(errs, fmt.Errorf("rate_limit.per_minute must not be negative"))
	}
	if _, err := ParseLogLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	if f := c.Logging.Format; f != "text" && f != "json" {
		errs = append(errs, fmt.Errorf("logging.format %q (expected text or json)", f))
	}

	return errors.Join(errs...)
}

// DataPath joins name onto the data directory.
func (c *Config) DataPath(name string) string {
	return filepath.Join(c.DataDir, name)
}
