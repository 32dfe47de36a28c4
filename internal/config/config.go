// Package config loads the layered (file then environment) configuration
// described in the spec's external interfaces section. Grounded on the
// teacher's config.go: BurntSushi/toml decode into a struct pre-populated
// with defaults, then a small validation pass.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

// ServerConfig controls the listener, path rewriting, and upstream target.
type ServerConfig struct {
	ListenAddr     string `toml:"listen_addr"`
	PublicBasePath string `toml:"public_base_path"`
	UpstreamBaseURL string `toml:"upstream_base_url"`
	RequestLogPath string `toml:"request_log_path"`
}

// StorageConfig controls the SQLite-backed store.
type StorageConfig struct {
	DatabasePath string `toml:"database_path"`
}

// DisplayConfig controls the TUI.
type DisplayConfig struct {
	RecentEventsCapacity int `toml:"recent_events_capacity"`
	RefreshHz            int `toml:"refresh_hz"`
}

// IngestConfig controls the optional session-log tail ingestor (a secondary
// source of the same event schema the proxy emits). Left unset, the
// ingestor never starts.
type IngestConfig struct {
	SessionLogPath      string `toml:"session_log_path"`
	OffsetStoreDir      string `toml:"offset_store_dir"`
	PollIntervalSeconds int    `toml:"poll_interval_seconds"`
}

// ModelPricing is one entry of the pricing table as loaded from file.
type ModelPricing struct {
	Model             string  `toml:"model"`
	EffectiveFrom     string  `toml:"effective_from"`
	Currency          string  `toml:"currency"`
	PromptPer1M       float64 `toml:"prompt_per_1m"`
	CachedPromptPer1M *float64 `toml:"cached_prompt_per_1m,omitempty"`
	CompletionPer1M   float64 `toml:"completion_per_1m"`
}

// PricingConfig is the in-memory pricing table seed used for emit-time
// cost computation (informational only, per spec.md §9).
type PricingConfig struct {
	Models []ModelPricing `toml:"model"`
}

// Config is the full layered configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Storage  StorageConfig  `toml:"storage"`
	Display  DisplayConfig  `toml:"display"`
	Pricing  PricingConfig  `toml:"pricing"`
	Ingest   IngestConfig   `toml:"ingest"`
	LogPath  string         `toml:"log_path"`
	LogLevel string         `toml:"log_level"`
}

// Default returns the documented defaults (spec.md §6).
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      "127.0.0.1:8787",
			PublicBasePath:  "/v1",
			UpstreamBaseURL: "https://api.openai.com/v1",
		},
		Storage: StorageConfig{
			DatabasePath: "llmproxy.db",
		},
		Display: DisplayConfig{
			RecentEventsCapacity: 500,
			RefreshHz:            10,
		},
		Ingest: IngestConfig{
			PollIntervalSeconds: 5,
		},
		LogPath:  "llmproxy.log",
		LogLevel: "info",
	}
}

// Load reads path (if it exists) over the defaults, then applies
// environment overrides. A missing file is not an error: defaults plus
// environment are used as-is.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("read config file: %w", err)
			}
			if _, err := toml.Decode(string(data), cfg); err != nil {
				return nil, fmt.Errorf("parse config file: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CODEX_USAGE_LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		cfg.Server.UpstreamBaseURL = v
	}
	if v := os.Getenv("CODEX_USAGE_DB_PATH"); v != "" {
		cfg.Storage.DatabasePath = v
	}
	if v := os.Getenv("LLMPROXY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LLMPROXY_LOG_PATH"); v != "" {
		cfg.LogPath = v
	}
	if v := os.Getenv("LLMPROXY_REFRESH_HZ"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Display.RefreshHz = n
		}
	}
	if v := os.Getenv("LLMPROXY_SESSION_LOG_PATH"); v != "" {
		cfg.Ingest.SessionLogPath = v
	}
}

func (c *Config) validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr must not be empty")
	}
	if c.Server.UpstreamBaseURL == "" {
		return fmt.Errorf("server.upstream_base_url must not be empty")
	}
	if c.Storage.DatabasePath == "" {
		return fmt.Errorf("storage.database_path must not be empty")
	}
	if len(c.Server.PublicBasePath) == 0 || c.Server.PublicBasePath[0] != '/' {
		return fmt.Errorf("server.public_base_path must start with '/'")
	}
	if c.Server.PublicBasePath != "/" {
		for len(c.Server.PublicBasePath) > 1 && c.Server.PublicBasePath[len(c.Server.PublicBasePath)-1] == '/' {
			c.Server.PublicBasePath = c.Server.PublicBasePath[:len(c.Server.PublicBasePath)-1]
		}
	}
	if c.Ingest.SessionLogPath != "" {
		if c.Ingest.OffsetStoreDir == "" {
			c.Ingest.OffsetStoreDir = c.Storage.DatabasePath + ".ingest-offsets"
		}
		if c.Ingest.PollIntervalSeconds <= 0 {
			c.Ingest.PollIntervalSeconds = 5
		}
	}
	return nil
}

// GenerateExample returns a commented example TOML file, in the teacher's
// GenerateExampleConfig style.
func GenerateExample() string {
	return `# llmproxy configuration file

log_path = "llmproxy.log"
log_level = "info"

[server]
listen_addr = "127.0.0.1:8787"
public_base_path = "/v1"
upstream_base_url = "https://api.openai.com/v1"
# request_log_path = "requests.ndjson"

[storage]
database_path = "llmproxy.db"

[display]
recent_events_capacity = 500
refresh_hz = 10

[ingest]
# session_log_path = "session.jsonl"
# offset_store_dir = "llmproxy.db.ingest-offsets"
poll_interval_seconds = 5

# Per-model price overrides. Rates are per one million tokens.
# [[pricing.model]]
# model = "gpt-4.1"
# effective_from = "2025-01-01"
# currency = "USD"
# prompt_per_1m = 2.0
# cached_prompt_per_1m = 0.5
# completion_per_1m = 8.0
`
}
