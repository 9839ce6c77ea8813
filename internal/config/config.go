// Astraldock - EVE Online Desktop Companion
// Copyright 2026 Astraldock Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/astraldock/astraldock

// Package config provides configuration management for Astraldock.
//
// Configuration is layered with Koanf v2:
//  1. Defaults: built-in sensible defaults for all settings
//  2. Config file: optional YAML file (config.yaml or the user config dir)
//  3. Environment variables: override any setting
//
// Config is immutable after Load() and safe for concurrent reads.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds all application configuration.
type Config struct {
	ESI       ESIConfig       `koanf:"esi"`
	SSO       SSOConfig       `koanf:"sso"`
	RateLimit RateLimitConfig `koanf:"rate_limit"`
	Health    HealthConfig    `koanf:"health"`
	Cache     CacheConfig     `koanf:"cache"`
	Sync      SyncConfig      `koanf:"sync"`
	API       APIConfig       `koanf:"api"`
	Logging   LoggingConfig   `koanf:"logging"`

	// DataDir is the root directory for all durable state: the badger
	// store, the session file, and anything else that must survive restart.
	DataDir string `koanf:"data_dir" validate:"required"`
}

// ESIConfig configures the remote API client.
type ESIConfig struct {
	BaseURL string `koanf:"base_url" validate:"required,url"`

	// UserAgent is the descriptive client identifier ESI requires on every
	// request. Include contact information per CCP's developer guidelines.
	UserAgent string `koanf:"user_agent" validate:"required"`

	RequestTimeout time.Duration `koanf:"request_timeout" validate:"gt=0"`
	MaxRetries     int           `koanf:"max_retries" validate:"gte=0"`
	RetryDelay     time.Duration `koanf:"retry_delay" validate:"gt=0"`
}

// SSOConfig configures the OAuth2 authorization-code flow against EVE SSO.
type SSOConfig struct {
	ClientID     string   `koanf:"client_id"`
	ClientSecret string   `koanf:"client_secret"`
	CallbackAddr string   `koanf:"callback_addr"`
	Scopes       []string `koanf:"scopes"`

	AuthorizeURL string `koanf:"authorize_url" validate:"required,url"`
	TokenURL     string `koanf:"token_url" validate:"required,url"`
	RevokeURL    string `koanf:"revoke_url" validate:"required,url"`

	// Audience is the expected "aud" claim of SSO-issued access tokens.
	Audience string `koanf:"audience"`

	// RefreshMargin is the remaining access-token lifetime below which a
	// proactive refresh is triggered.
	RefreshMargin time.Duration `koanf:"refresh_margin" validate:"gt=0"`

	RetryAttempts int           `koanf:"retry_attempts" validate:"gte=1"`
	RetryDelay    time.Duration `koanf:"retry_delay" validate:"gt=0"`
}

// RateLimitConfig configures the per-identity error-budget rate limiter.
type RateLimitConfig struct {
	// DefaultBudget is the assumed error budget for a window before the
	// first server-reported value has been observed.
	DefaultBudget int `koanf:"default_budget" validate:"gt=0"`

	// LowWaterMark is the remaining-budget level at or below which calls
	// are still admitted but flagged as cautious.
	LowWaterMark int `koanf:"low_water_mark" validate:"gte=0"`

	// SmoothingRPS and SmoothingBurst bound the steady request rate per
	// identity bucket, independent of the error budget.
	SmoothingRPS   float64 `koanf:"smoothing_rps" validate:"gt=0"`
	SmoothingBurst int     `koanf:"smoothing_burst" validate:"gt=0"`
}

// HealthConfig configures the degradation monitor state machine.
type HealthConfig struct {
	// WindowSize is the number of recent call outcomes over which the
	// failure ratio is computed.
	WindowSize int `koanf:"window_size" validate:"gt=1"`

	// FailureRatio is the windowed failure ratio at or above which the
	// monitor transitions Healthy -> Degraded.
	FailureRatio float64 `koanf:"failure_ratio" validate:"gt=0,lte=1"`

	// RecoverySuccesses is the consecutive-success count required for
	// Degraded -> Healthy.
	RecoverySuccesses int `koanf:"recovery_successes" validate:"gt=0"`

	// OfflineThreshold is the consecutive remote-unavailable count required
	// for Degraded -> Offline.
	OfflineThreshold int `koanf:"offline_threshold" validate:"gt=0"`

	// ProbeInterval is how often the status endpoint is probed while Offline.
	ProbeInterval time.Duration `koanf:"probe_interval" validate:"gt=0"`
}

// CacheConfig configures the two-tier cache.
type CacheConfig struct {
	MemoryCapacity int           `koanf:"memory_capacity" validate:"gt=0"`
	DefaultTTL     time.Duration `koanf:"default_ttl" validate:"gt=0"`

	// ResourceTTL overrides the default TTL per resource type,
	// e.g. market_prices: 1h, skill_queue: 5m.
	ResourceTTL map[string]time.Duration `koanf:"resource_ttl"`
}

// SyncConfig configures background per-identity synchronization.
type SyncConfig struct {
	Interval time.Duration `koanf:"interval" validate:"gt=0"`

	// MaxConcurrent bounds how many identities may sync at once.
	MaxConcurrent int `koanf:"max_concurrent" validate:"gt=0"`
}

// APIConfig configures the localhost diagnostics HTTP server.
type APIConfig struct {
	Enabled    bool   `koanf:"enabled"`
	ListenAddr string `koanf:"listen_addr"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// TTLFor returns the freshness policy for a resource type.
func (c CacheConfig) TTLFor(resource string) time.Duration {
	if ttl, ok := c.ResourceTTL[resource]; ok && ttl > 0 {
		return ttl
	}
	return c.DefaultTTL
}

// Validate checks the configuration for structural errors.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.RateLimit.LowWaterMark >= c.RateLimit.DefaultBudget {
		return fmt.Errorf("rate_limit.low_water_mark (%d) must be below default_budget (%d)",
			c.RateLimit.LowWaterMark, c.RateLimit.DefaultBudget)
	}
	return nil
}
