// Astraldock - EVE Online Desktop Companion
// Copyright 2026 Astraldock Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/astraldock/astraldock

// Package metrics provides Prometheus instrumentation for the data layer:
// ESI request volume and latency, error-budget consumption, health state,
// cache efficiency, token refreshes, and background sync runs.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CharacterLabel formats a character ID for use as a metric label value.
func CharacterLabel(characterID int64) string {
	return strconv.FormatInt(characterID, 10)
}

var (
	// ESI client metrics
	ESIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "esi_requests_total",
			Help: "Total number of ESI requests by endpoint and outcome",
		},
		[]string{"endpoint", "outcome"}, // outcome: success, transient, unavailable, rate_limited
	)

	ESIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "esi_request_duration_seconds",
			Help:    "ESI request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"endpoint"},
	)

	// Rate limiter metrics
	ErrorBudgetRemain = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "esi_error_budget_remaining",
			Help: "Last observed remaining error budget per identity bucket",
		},
		[]string{"character_id"},
	)

	RateLimitDelays = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "esi_rate_limit_delays_total",
			Help: "Total number of calls delayed because the error budget was exhausted",
		},
	)

	// Health monitor metrics
	HealthState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "api_health_state",
			Help: "Current API health state (0=healthy, 1=degraded, 2=offline)",
		},
	)

	HealthTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_health_transitions_total",
			Help: "Total number of health state transitions",
		},
		[]string{"from", "to"},
	)

	// Circuit breaker metrics
	CircuitBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "esi_circuit_breaker_state",
			Help: "ESI circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)

	// Cache metrics
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Total cache hits by tier",
		},
		[]string{"tier"}, // memory, durable
	)

	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Total cache misses",
		},
	)

	CacheStaleServed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cache_stale_served_total",
			Help: "Total cache reads served past their freshness policy",
		},
	)

	// Token lifecycle metrics
	TokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sso_token_refreshes_total",
			Help: "Total token refresh attempts by result",
		},
		[]string{"result"}, // success, transient, invalid_grant
	)

	// Background sync metrics
	SyncRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_runs_total",
			Help: "Total background sync task runs by resource and result",
		},
		[]string{"resource", "result"},
	)
)
