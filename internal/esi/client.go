// Astraldock - EVE Online Desktop Companion
// Copyright 2026 Astraldock Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/astraldock/astraldock

// Package esi is the HTTP client for the EVE Swagger Interface. Every call
// passes the error-budget gate first, carries a per-request deadline,
// classifies its outcome for the health monitor, and folds the error-limit
// response headers back into the budget view.
package esi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/astraldock/astraldock/internal/config"
	"github.com/astraldock/astraldock/internal/health"
	"github.com/astraldock/astraldock/internal/logging"
	"github.com/astraldock/astraldock/internal/metrics"
	"github.com/astraldock/astraldock/internal/ratelimit"
)

const (
	headerErrorLimitRemain = "X-Esi-Error-Limit-Remain"
	headerErrorLimitReset  = "X-Esi-Error-Limit-Reset"
)

// TokenSource supplies access tokens for authenticated calls. The zero
// characterID is never authenticated.
type TokenSource interface {
	AccessToken(ctx context.Context, characterID int64) (string, error)
	Invalidate(characterID int64)
}

// Client performs ESI requests on behalf of registered identities.
type Client struct {
	cfg        config.ESIConfig
	httpClient *http.Client
	tokens     TokenSource
	limits     *ratelimit.Limiter
	monitor    *health.Monitor
}

// NewClient builds the ESI client. The transport keeps a small connection
// pool to the single remote host.
func NewClient(cfg config.ESIConfig, tokens TokenSource, limits *ratelimit.Limiter, monitor *health.Monitor) *Client {
	transport := &http.Transport{
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.RequestTimeout,
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Transport: transport},
		tokens:     tokens,
		limits:     limits,
		monitor:    monitor,
	}
}

// Get performs an authenticated GET and returns the raw response body.
// characterID 0 sends the request unauthenticated. Transient failures are
// retried with backoff; budget exhaustion and rate limit rejections are
// surfaced without retrying.
func (c *Client) Get(ctx context.Context, characterID int64, path string, query url.Values) ([]byte, error) {
	if err := c.limits.Acquire(ctx, characterID); err != nil {
		var exhausted *ratelimit.BudgetExhaustedError
		if errors.As(err, &exhausted) {
			return nil, &RateLimitError{RetryAfter: exhausted.RetryAfter}
		}
		return nil, err
	}

	var (
		body        []byte
		lastErr     error
		retriedAuth bool
		delay       = c.cfg.RetryDelay
	)

	for attempt := 1; ; attempt++ {
		body, lastErr = c.doOnce(ctx, characterID, path, query)
		if lastErr == nil {
			return body, nil
		}

		var te *TransportError
		if errors.As(lastErr, &te) {
			// One token re-issue on a 401: the cached token may have been
			// revoked remotely ahead of its advertised expiry.
			if te.Kind == KindUnauthorized && characterID != 0 && !retriedAuth {
				retriedAuth = true
				c.tokens.Invalidate(characterID)
				continue
			}
			if !te.Retryable() || attempt >= c.cfg.MaxRetries {
				return nil, lastErr
			}
		} else {
			return nil, lastErr
		}

		select {
		case <-time.After(delay):
			delay *= 2
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// doOnce performs a single request attempt, reporting its outcome to the
// health monitor and folding budget headers into the limiter.
func (c *Client) doOnce(ctx context.Context, characterID int64, path string, query url.Values) ([]byte, error) {
	endpoint := metricEndpoint(path)
	requestURL := c.cfg.BaseURL + path
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")

	if characterID != 0 {
		accessToken, err := c.tokens.AccessToken(ctx, characterID)
		if err != nil {
			return nil, fmt.Errorf("obtain access token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.ESIRequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())

	if err != nil {
		te := &TransportError{
			Kind:     classifyNetworkError(err),
			Endpoint: endpoint,
			Err:      err,
		}
		c.report(endpoint, te)
		return nil, te
	}
	defer resp.Body.Close()

	c.observeBudget(characterID, resp.Header)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
		if err != nil {
			te := &TransportError{Kind: KindConnectionFailed, Endpoint: endpoint, Err: err}
			c.report(endpoint, te)
			return nil, te
		}
		c.monitor.Report(health.Success)
		metrics.ESIRequestsTotal.WithLabelValues(endpoint, "success").Inc()
		return body, nil
	}

	kind := classifyStatus(resp.StatusCode)
	if kind == KindRateLimited {
		retryAfter := resetDuration(resp.Header)
		c.limits.Observe(characterID, 0, retryAfter)
		c.monitor.Report(health.Success)
		metrics.ESIRequestsTotal.WithLabelValues(endpoint, "rate_limited").Inc()
		return nil, &RateLimitError{RetryAfter: retryAfter}
	}

	te := &TransportError{
		Kind:       kind,
		StatusCode: resp.StatusCode,
		Endpoint:   endpoint,
		Err:        fmt.Errorf("unexpected status %d", resp.StatusCode),
	}
	c.report(endpoint, te)
	return nil, te
}

func (c *Client) report(endpoint string, te *TransportError) {
	c.monitor.Report(te.healthOutcome())
	outcome := "transient"
	switch te.Kind {
	case KindRemoteUnavailable:
		outcome = "unavailable"
	case KindRejected, KindUnauthorized:
		outcome = "rejected"
	}
	metrics.ESIRequestsTotal.WithLabelValues(endpoint, outcome).Inc()
	logging.Debug().
		Str("endpoint", endpoint).
		Str("kind", te.Kind.String()).
		Int("status", te.StatusCode).
		Msg("ESI request failed")
}

// observeBudget parses the error-limit headers when present.
func (c *Client) observeBudget(characterID int64, header http.Header) {
	remainStr := header.Get(headerErrorLimitRemain)
	if remainStr == "" {
		return
	}
	remain, err := strconv.Atoi(remainStr)
	if err != nil {
		return
	}
	c.limits.Observe(characterID, remain, resetDuration(header))
}

func resetDuration(header http.Header) time.Duration {
	if seconds, err := strconv.Atoi(header.Get(headerErrorLimitReset)); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return time.Minute
}
