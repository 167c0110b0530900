package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// UnifiedConfig is the single configuration file format for
// takopi.jsonc.
type UnifiedConfig struct {
	Server   ServerSection     `json:"server"`
	Defaults DefaultsSection   `json:"defaults"`
	Engines  EnginesSection    `json:"engines"`
	Projects map[string]string `json:"projects"` // alias -> working directory
}

// ServerSection contains server configuration.
type ServerSection struct {
	Address       string `json:"address"`
	DefaultEngine string `json:"default_engine"`
}

// DefaultsSection contains default settings for rate limiting,
// sandboxing, store/reap behaviour, and terminal-message rendering.
type DefaultsSection struct {
	RateLimit RateLimitDefaults `json:"rate_limit"`
	Sandbox   SandboxDefaults   `json:"sandbox"`
	Store     StoreDefaults     `json:"store"`
	Render    RenderDefaults    `json:"render"`
}

// EnginesSection contains engine definitions.
type EnginesSection struct {
	Engines map[string]EngineDefinition `json:"engines"`
}

// FindConfigPath returns the path to takopi.jsonc using precedence:
// 1. configDir + /takopi.jsonc (if configDir specified)
// 2. ./config/takopi.jsonc (project-local)
// 3. ~/.takopi/config/takopi.jsonc (user global)
func FindConfigPath(configDir string) (string, error) {
	candidates := []string{}

	if configDir != "" {
		candidates = append(candidates, filepath.Join(configDir, "takopi.jsonc"))
	}

	candidates = append(candidates, filepath.Join("config", "takopi.jsonc"))

	homeDir, err := os.UserHomeDir()
	if err == nil {
		candidates = append(candidates, filepath.Join(homeDir, ".takopi", "config", "takopi.jsonc"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			abs, err := filepath.Abs(path)
			if err != nil {
				return path, nil
			}
			return abs, nil
		}
	}

	return "", fmt.Errorf("takopi.jsonc not found; tried: %v", candidates)
}

// LoadUnifiedConfig loads configuration from a single takopi.jsonc file.
func LoadUnifiedConfig(configPath string) (*UnifiedConfig, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", configPath, err)
	}

	jsonData := StripJSONComments(data)

	var cfg UnifiedConfig
	if err := json.Unmarshal(jsonData, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", configPath, err)
	}

	applyUnifiedDefaults(&cfg)

	if cfg.Engines.Engines == nil {
		cfg.Engines.Engines = make(map[string]EngineDefinition)
	}
	if cfg.Projects == nil {
		cfg.Projects = make(map[string]string)
	}

	return &cfg, nil
}

func applyUnifiedDefaults(cfg *UnifiedConfig) {
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}
	if cfg.Server.DefaultEngine == "" {
		cfg.Server.DefaultEngine = "codex"
	}

	if cfg.Defaults.RateLimit.RequestsPerSecond == 0 {
		cfg.Defaults.RateLimit.RequestsPerSecond = 0.5
	}
	if cfg.Defaults.RateLimit.Burst == 0 {
		cfg.Defaults.RateLimit.Burst = 2
	}

	if cfg.Defaults.Sandbox.Image == "" {
		cfg.Defaults.Sandbox.Image = "takopi-sandbox:latest"
	}

	if cfg.Defaults.Store.Path == "" {
		cfg.Defaults.Store.Path = "data/takopi.db"
	}
	if cfg.Defaults.Store.StaleAfterRaw == "" {
		cfg.Defaults.Store.StaleAfterRaw = "168h"
	}
	if cfg.Defaults.Store.ReapCron == "" {
		cfg.Defaults.Store.ReapCron = "0 */6 * * *"
	}
}

// ToLoadedConfig converts UnifiedConfig to LoadedConfig, resolving the
// store's stale-after duration string.
func (u *UnifiedConfig) ToLoadedConfig(configDir string) *LoadedConfig {
	store := u.Defaults.Store
	if d, err := time.ParseDuration(store.StaleAfterRaw); err == nil {
		store.StaleAfter = d
	} else {
		store.StaleAfter = 168 * time.Hour
	}

	return &LoadedConfig{
		Server: ServerJSONConfig{
			Address:       u.Server.Address,
			DefaultEngine: u.Server.DefaultEngine,
		},
		ConfigDefaults: ConfigDefaultsConfig{
			RateLimit: u.Defaults.RateLimit,
			Sandbox:   u.Defaults.Sandbox,
			Store:     store,
			Render:    u.Defaults.Render,
		},
		Engines:   u.GetEngineRegistry(),
		Projects:  u.Projects,
		ConfigDir: configDir,
	}
}

// GetEngineRegistry returns an EngineRegistry from the unified config.
func (u *UnifiedConfig) GetEngineRegistry() *EngineRegistry {
	return &EngineRegistry{Engines: u.Engines.Engines}
}

// Validate checks that required configuration is present.
func (u *UnifiedConfig) Validate() error {
	if len(u.Engines.Engines) == 0 {
		return fmt.Errorf("engines.engines must configure at least one engine")
	}
	return nil
}
