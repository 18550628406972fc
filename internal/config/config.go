// Package config handles agentgate configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/agentgate/config.yaml, /config/config.yaml,
// /etc/agentgate/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "agentgate", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/agentgate/config.yaml")
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

// Config holds all agentgate configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	SMS       SMSConfig       `yaml:"sms"`
	Engines   EnginesConfig   `yaml:"engines"`
	Outbound  OutboundConfig  `yaml:"outbound"`
	Watchdog  WatchdogConfig  `yaml:"watchdog"`
	Routing   RoutingConfig   `yaml:"routing"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
}

// ListenConfig defines the control-plane HTTP/WebSocket server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// TelegramConfig defines the Telegram Bot API channel adapter.
type TelegramConfig struct {
	Enabled    bool    `yaml:"enabled"`
	BotToken   string  `yaml:"bot_token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
}

// SMSConfig defines the webhook-based SMS channel adapter.
type SMSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
	AuthToken  string `yaml:"auth_token"`
	FromNumber string `yaml:"from_number"`
}

// EnginesConfig defines the default engine binding and per-engine
// context window registry used for near-limit compaction triggers.
type EnginesConfig struct {
	Default  string                 `yaml:"default"`
	Registry map[string]EngineEntry `yaml:"registry"`
}

// EngineEntry describes one registered engine's context window and
// which LLM provider backs it.
type EngineEntry struct {
	ContextWindow int    `yaml:"context_window"`
	Provider      string `yaml:"provider"`           // "anthropic" or "ollama"; default "anthropic"
	Model         string `yaml:"model"`               // wire model name; defaults to the registry key
	BaseURL       string `yaml:"base_url,omitempty"` // ollama only; default http://localhost:11434
}

// OutboundConfig tunes the per-peer delivery queue.
type OutboundConfig struct {
	ThrottleMS            int           `yaml:"throttle_ms"`
	InterSendDelayMS      int           `yaml:"inter_send_delay_ms"`
	MaxRateLimitRetries   int           `yaml:"max_rate_limit_retries"`
	MaxTransientRetries   int           `yaml:"max_transient_retries"`
	IdempotencyRetention  time.Duration `yaml:"idempotency_retention"`
}

// WatchdogConfig tunes the idle/keepalive watchdog.
type WatchdogConfig struct {
	IdleTimeoutMS    int `yaml:"idle_timeout_ms"`
	ConfirmTimeoutMS int `yaml:"confirm_timeout_ms"`
}

// RoutingConfig tunes inbound dedupe and compaction defaults.
type RoutingConfig struct {
	InboundDedupeTTL time.Duration `yaml:"inbound_dedupe_ttl"`
	ReserveTokens    int           `yaml:"reserve_tokens"`
	TriggerRatio     float64       `yaml:"trigger_ratio"`
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates
// the result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${HOME}, ${TELEGRAM_BOT_TOKEN}).
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load. After this, callers can read any field
// without checking for empty strings or zero values.
func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Engines.Default == "" {
		c.Engines.Default = "default"
	}
	for name, e := range c.Engines.Registry {
		if e.Provider == "" {
			e.Provider = "anthropic"
		}
		if e.Model == "" {
			e.Model = name
		}
		c.Engines.Registry[name] = e
	}
	if c.Outbound.ThrottleMS == 0 {
		c.Outbound.ThrottleMS = 400
	}
	if c.Outbound.InterSendDelayMS == 0 {
		c.Outbound.InterSendDelayMS = 1000
	}
	if c.Outbound.MaxRateLimitRetries == 0 {
		c.Outbound.MaxRateLimitRetries = 5
	}
	if c.Outbound.MaxTransientRetries == 0 {
		c.Outbound.MaxTransientRetries = 3
	}
	if c.Outbound.IdempotencyRetention == 0 {
		c.Outbound.IdempotencyRetention = 24 * time.Hour
	}
	if c.Watchdog.IdleTimeoutMS == 0 {
		c.Watchdog.IdleTimeoutMS = int((2 * time.Hour).Milliseconds())
	}
	if c.Watchdog.ConfirmTimeoutMS == 0 {
		c.Watchdog.ConfirmTimeoutMS = int((5 * time.Minute).Milliseconds())
	}
	if c.Routing.InboundDedupeTTL == 0 {
		c.Routing.InboundDedupeTTL = 10 * time.Minute
	}
	if c.Routing.ReserveTokens == 0 {
		c.Routing.ReserveTokens = 16384
	}
	if c.Routing.TriggerRatio == 0 {
		c.Routing.TriggerRatio = 0.9
	}
}

// Validate checks that the configuration is internally consistent.
// It runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range (1-65535)", c.Listen.Port)
	}
	if c.Telegram.Enabled && c.Telegram.BotToken == "" {
		return fmt.Errorf("telegram.enabled requires telegram.bot_token")
	}
	if c.SMS.Enabled && c.SMS.WebhookURL == "" {
		return fmt.Errorf("sms.enabled requires sms.webhook_url")
	}
	for name, e := range c.Engines.Registry {
		if e.Provider != "anthropic" && e.Provider != "ollama" {
			return fmt.Errorf("engines.registry[%s].provider %q must be anthropic or ollama", name, e.Provider)
		}
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// ContextWindowForEngine returns the configured context window for the
// named engine, or defaultSize if the engine is not registered.
func (c *Config) ContextWindowForEngine(name string, defaultSize int) int {
	if e, ok := c.Engines.Registry[name]; ok && e.ContextWindow > 0 {
		return e.ContextWindow
	}
	return defaultSize
}

// Default returns a default configuration suitable for local development.
// All defaults are already applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}
