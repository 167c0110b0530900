package config

import (
	"fmt"
	"path/filepath"
	"time"
)

// ServerJSONConfig holds the bridge process's own listen/runtime
// settings.
type ServerJSONConfig struct {
	Address      string `json:"address"`
	DefaultEngine string `json:"default_engine"`
}

// RateLimitDefaults configures internal/ratelimit's per-channel
// token bucket.
type RateLimitDefaults struct {
	RequestsPerSecond float64 `json:"requests_per_second"`
	Burst             int     `json:"burst"`
}

// SandboxDefaults configures internal/sandbox's optional containerised
// engine execution.
type SandboxDefaults struct {
	Enabled bool   `json:"enabled"`
	Image   string `json:"image"`
}

// StoreDefaults configures internal/store's sqlite-backed resume
// token persistence and internal/schedule's reap cadence.
type StoreDefaults struct {
	Path          string        `json:"path"`
	StaleAfter    time.Duration `json:"-"`
	StaleAfterRaw string        `json:"stale_after"`
	ReapCron      string        `json:"reap_cron"`
}

// RenderDefaults configures internal/handler's terminal-message
// rendering policy.
type RenderDefaults struct {
	// ShowAnswerOnFailure maps to handler.Config.ShowAnswerOnFailure
	// (spec §9 open question on Completed(ok=false) rendering).
	ShowAnswerOnFailure bool `json:"show_answer_on_failure"`
}

// ConfigDefaultsConfig holds default settings applied across
// channels/projects unless a directive overrides them.
type ConfigDefaultsConfig struct {
	RateLimit RateLimitDefaults `json:"rate_limit"`
	Sandbox   SandboxDefaults   `json:"sandbox"`
	Store     StoreDefaults     `json:"store"`
	Render    RenderDefaults    `json:"render"`
}

// LoadedConfig holds all configuration loaded from takopi.jsonc.
type LoadedConfig struct {
	Server         ServerJSONConfig
	ConfigDefaults ConfigDefaultsConfig
	Engines        *EngineRegistry
	Projects       map[string]string // alias -> working directory
	ConfigDir      string
}

// DefaultConfigDefaults returns default configuration values.
func DefaultConfigDefaults() ConfigDefaultsConfig {
	return ConfigDefaultsConfig{
		RateLimit: RateLimitDefaults{RequestsPerSecond: 0.5, Burst: 2},
		Sandbox:   SandboxDefaults{Enabled: false, Image: "takopi-sandbox:latest"},
		Store: StoreDefaults{
			Path:          "data/takopi.db",
			StaleAfterRaw: "168h",
			ReapCron:      "0 */6 * * *",
		},
	}
}

// LoadAll loads configuration from takopi.jsonc.
func LoadAll(configDir string) (*LoadedConfig, error) {
	configPath, err := FindConfigPath(configDir)
	if err != nil {
		return nil, err
	}

	unified, err := LoadUnifiedConfig(configPath)
	if err != nil {
		return nil, err
	}

	return unified.ToLoadedConfig(filepath.Dir(configPath)), nil
}

// Validate checks that required configuration is present: at least
// one engine must be configured, or every directive will fail to
// route (spec §3's RunnerUnavailable error).
func (c *LoadedConfig) Validate() error {
	if c.Engines == nil || len(c.Engines.Engines) == 0 {
		return fmt.Errorf("at least one engine is required: add to takopi.jsonc's engines section")
	}
	return nil
}
