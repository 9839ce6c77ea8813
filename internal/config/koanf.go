// Astraldock - EVE Online Desktop Companion
// Copyright 2026 Astraldock Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/astraldock/astraldock

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// ConfigPathEnvVar overrides the config file search path.
const ConfigPathEnvVar = "ASTRALDOCK_CONFIG"

// defaultConfig returns a Config with all defaults applied. These are the
// calibration placeholders from the design notes; every one of them can be
// overridden by file or environment.
func defaultConfig() *Config {
	return &Config{
		ESI: ESIConfig{
			BaseURL:        "https://esi.evetech.net",
			UserAgent:      "Astraldock/1.0 (+https://github.com/astraldock/astraldock)",
			RequestTimeout: 30 * time.Second,
			MaxRetries:     3,
			RetryDelay:     500 * time.Millisecond,
		},
		SSO: SSOConfig{
			ClientID:     "",
			ClientSecret: "",
			CallbackAddr: "localhost:8769",
			Scopes: []string{
				"esi-skills.read_skills.v1",
				"esi-skills.read_skillqueue.v1",
				"esi-wallet.read_character_wallet.v1",
			},
			AuthorizeURL:  "https://login.eveonline.com/v2/oauth/authorize",
			TokenURL:      "https://login.eveonline.com/v2/oauth/token",
			RevokeURL:     "https://login.eveonline.com/v2/oauth/revoke",
			Audience:      "EVE Online",
			RefreshMargin: time.Minute,
			RetryAttempts: 3,
			RetryDelay:    500 * time.Millisecond,
		},
		RateLimit: RateLimitConfig{
			DefaultBudget:  100,
			LowWaterMark:   10,
			SmoothingRPS:   10,
			SmoothingBurst: 4,
		},
		Health: HealthConfig{
			WindowSize:        20,
			FailureRatio:      0.5,
			RecoverySuccesses: 5,
			OfflineThreshold:  3,
			ProbeInterval:     30 * time.Second,
		},
		Cache: CacheConfig{
			MemoryCapacity: 4096,
			DefaultTTL:     5 * time.Minute,
			ResourceTTL: map[string]time.Duration{
				"market_prices": time.Hour,
				"skills":        30 * time.Minute,
				"skill_queue":   5 * time.Minute,
				"wallet":        2 * time.Minute,
			},
		},
		Sync: SyncConfig{
			Interval:      5 * time.Minute,
			MaxConcurrent: 3,
		},
		API: APIConfig{
			Enabled:    true,
			ListenAddr: "127.0.0.1:8768",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Caller: false,
		},
		DataDir: defaultDataDir(),
	}
}

// Load builds the configuration from defaults, an optional YAML file, and
// environment variables, then validates it.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// defaultDataDir resolves the per-user data directory, falling back to the
// working directory when the platform dir cannot be determined.
func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "astraldock")
	}
	return "./astraldock-data"
}

// findConfigFile searches for a config file: the env override first, then
// the working directory, then the user config directory.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	paths := []string{"config.yaml", "config.yml"}
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths,
			filepath.Join(dir, "astraldock", "config.yaml"),
			filepath.Join(dir, "astraldock", "config.yml"),
		)
	}
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// sliceConfigPaths lists config paths parsed as comma-separated slices when
// they arrive as env var strings.
var sliceConfigPaths = []string{
	"sso.scopes",
}

func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		if val == nil {
			continue
		}
		strVal, ok := val.(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if len(trimmed) > 0 {
			if err := k.Set(path, trimmed); err != nil {
				return fmt.Errorf("failed to set %s: %w", path, err)
			}
		}
	}
	return nil
}

// envTransformFunc maps environment variable names to koanf config paths.
// Unmapped variables are dropped so random environment noise cannot pollute
// the configuration.
func envTransformFunc(key string) string {
	envMappings := map[string]string{
		"esi_base_url":        "esi.base_url",
		"esi_user_agent":      "esi.user_agent",
		"esi_request_timeout": "esi.request_timeout",
		"esi_max_retries":     "esi.max_retries",
		"esi_retry_delay":     "esi.retry_delay",

		"sso_client_id":      "sso.client_id",
		"sso_client_secret":  "sso.client_secret",
		"sso_callback_addr":  "sso.callback_addr",
		"sso_scopes":         "sso.scopes",
		"sso_authorize_url":  "sso.authorize_url",
		"sso_token_url":      "sso.token_url",
		"sso_revoke_url":     "sso.revoke_url",
		"sso_audience":       "sso.audience",
		"sso_refresh_margin": "sso.refresh_margin",

		"rate_limit_default_budget":  "rate_limit.default_budget",
		"rate_limit_low_water_mark":  "rate_limit.low_water_mark",
		"rate_limit_smoothing_rps":   "rate_limit.smoothing_rps",
		"rate_limit_smoothing_burst": "rate_limit.smoothing_burst",

		"health_window_size":        "health.window_size",
		"health_failure_ratio":      "health.failure_ratio",
		"health_recovery_successes": "health.recovery_successes",
		"health_offline_threshold":  "health.offline_threshold",
		"health_probe_interval":     "health.probe_interval",

		"cache_memory_capacity": "cache.memory_capacity",
		"cache_default_ttl":     "cache.default_ttl",

		"sync_interval":       "sync.interval",
		"sync_max_concurrent": "sync.max_concurrent",

		"api_enabled":     "api.enabled",
		"api_listen_addr": "api.listen_addr",

		"log_level":  "logging.level",
		"log_format": "logging.format",
		"log_caller": "logging.caller",

		"astraldock_data_dir": "data_dir",
	}

	if mapped, ok := envMappings[strings.ToLower(key)]; ok {
		return mapped
	}
	return ""
}
