// Astraldock - EVE Online Desktop Companion
// Copyright 2026 Astraldock Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/astraldock/astraldock

package esi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/astraldock/astraldock/internal/config"
	"github.com/astraldock/astraldock/internal/health"
	"github.com/astraldock/astraldock/internal/ratelimit"
)

const testCharacter = int64(91316135)

type fakeTokens struct {
	mu          sync.Mutex
	token       string
	invalidated int
}

func (f *fakeTokens) AccessToken(context.Context, int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token, nil
}

func (f *fakeTokens) Invalidate(int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated++
	f.token = "reissued-token"
}

type harness struct {
	client  *Client
	tokens  *fakeTokens
	limits  *ratelimit.Limiter
	monitor *health.Monitor
}

func newHarness(t *testing.T, handler http.Handler) *harness {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	tokens := &fakeTokens{token: "valid-token"}
	limits := ratelimit.NewLimiter(config.RateLimitConfig{
		DefaultBudget:  100,
		LowWaterMark:   10,
		SmoothingRPS:   1000,
		SmoothingBurst: 100,
	})
	monitor := health.NewMonitor(config.HealthConfig{
		WindowSize:        20,
		FailureRatio:      0.5,
		RecoverySuccesses: 5,
		OfflineThreshold:  3,
		ProbeInterval:     time.Minute,
	})

	client := NewClient(config.ESIConfig{
		BaseURL:        server.URL,
		UserAgent:      "astraldock-test/0.0",
		RequestTimeout: 2 * time.Second,
		MaxRetries:     3,
		RetryDelay:     time.Millisecond,
	}, tokens, limits, monitor)

	return &harness{client: client, tokens: tokens, limits: limits, monitor: monitor}
}

func TestGetAuthenticatedSuccess(t *testing.T) {
	var gotAuth, gotAgent string
	h := newHarness(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAgent = r.Header.Get("User-Agent")
		w.Header().Set(headerErrorLimitRemain, "87")
		w.Header().Set(headerErrorLimitReset, "42")
		_, _ = w.Write([]byte(`{"total_sp":5000000}`))
	}))

	body, err := h.client.SkillsRaw(context.Background(), testCharacter)
	if err != nil {
		t.Fatalf("SkillsRaw: %v", err)
	}
	if string(body) != `{"total_sp":5000000}` {
		t.Errorf("body = %s", body)
	}
	if gotAuth != "Bearer valid-token" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotAgent != "astraldock-test/0.0" {
		t.Errorf("User-Agent = %q", gotAgent)
	}

	remain, _ := h.limits.Snapshot(testCharacter)
	if remain != 87 {
		t.Errorf("observed budget remain = %d, want 87 from headers", remain)
	}
	if h.monitor.State() != health.Healthy {
		t.Errorf("health = %v after success", h.monitor.State())
	}
}

func TestUnauthenticatedCallOmitsToken(t *testing.T) {
	h := newHarness(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			t.Error("status endpoint must not send Authorization")
		}
		_, _ = w.Write([]byte(`{"players":25000,"server_version":"2600","start_time":"2026-03-01T11:00:00Z"}`))
	}))

	status, err := h.client.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Players != 25000 {
		t.Errorf("Players = %d", status.Players)
	}
}

func TestGatewayErrorsRetriedThenDegraded(t *testing.T) {
	var mu sync.Mutex
	requests := 0
	h := newHarness(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		requests++
		mu.Unlock()
		w.WriteHeader(http.StatusBadGateway)
	}))

	_, err := h.client.SkillsRaw(context.Background(), testCharacter)
	var te *TransportError
	if !errors.As(err, &te) || te.Kind != KindRemoteUnavailable {
		t.Fatalf("err = %v, want remote_unavailable TransportError", err)
	}

	mu.Lock()
	got := requests
	mu.Unlock()
	if got != 3 {
		t.Errorf("requests = %d, want MaxRetries attempts", got)
	}
	// Three consecutive gateway failures cross the unavailable threshold,
	// landing in Degraded on the way to Offline.
	if h.monitor.State() != health.Degraded {
		t.Errorf("health = %v, want Degraded", h.monitor.State())
	}
}

func TestClientErrorNotRetried(t *testing.T) {
	var mu sync.Mutex
	requests := 0
	h := newHarness(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		requests++
		mu.Unlock()
		w.WriteHeader(http.StatusNotFound)
	}))

	_, err := h.client.SkillsRaw(context.Background(), testCharacter)
	var te *TransportError
	if !errors.As(err, &te) || te.Kind != KindRejected {
		t.Fatalf("err = %v, want rejected TransportError", err)
	}

	mu.Lock()
	got := requests
	mu.Unlock()
	if got != 1 {
		t.Errorf("requests = %d, remote rejections must not be retried", got)
	}
	// A 404 proves the remote is serving.
	if h.monitor.State() != health.Healthy {
		t.Errorf("health = %v, want Healthy", h.monitor.State())
	}
}

func TestUnauthorizedReissuesTokenOnce(t *testing.T) {
	var mu sync.Mutex
	requests := 0
	h := newHarness(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests++
		mu.Unlock()
		if r.Header.Get("Authorization") == "Bearer reissued-token" {
			_, _ = w.Write([]byte(`12345.67`))
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))

	body, err := h.client.WalletBalanceRaw(context.Background(), testCharacter)
	if err != nil {
		t.Fatalf("WalletBalanceRaw: %v", err)
	}
	balance, err := DecodeWalletBalance(body)
	if err != nil {
		t.Fatalf("DecodeWalletBalance: %v", err)
	}
	if balance != 12345.67 {
		t.Errorf("balance = %v", balance)
	}
	if h.tokens.invalidated != 1 {
		t.Errorf("invalidations = %d, want 1", h.tokens.invalidated)
	}
}

func TestErrorLimitedResponseExhaustsBudget(t *testing.T) {
	var mu sync.Mutex
	requests := 0
	h := newHarness(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		requests++
		mu.Unlock()
		w.Header().Set(headerErrorLimitReset, "17")
		w.WriteHeader(420)
	}))

	_, err := h.client.SkillsRaw(context.Background(), testCharacter)
	var rle *RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("err = %v, want RateLimitError", err)
	}
	if rle.RetryAfter != 17*time.Second {
		t.Errorf("RetryAfter = %v, want 17s from reset header", rle.RetryAfter)
	}

	// The next call is stopped locally, before reaching the remote.
	_, err = h.client.SkillsRaw(context.Background(), testCharacter)
	if !errors.As(err, &rle) {
		t.Fatalf("second err = %v, want RateLimitError", err)
	}
	mu.Lock()
	got := requests
	mu.Unlock()
	if got != 1 {
		t.Errorf("requests = %d, exhausted budget must not reach the remote", got)
	}
}

func TestConnectionFailureClassified(t *testing.T) {
	h := newHarness(t, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	// Point at a closed port.
	h.client.cfg.BaseURL = "http://127.0.0.1:1"

	_, err := h.client.SkillsRaw(context.Background(), testCharacter)
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want TransportError", err)
	}
	if te.Kind != KindConnectionFailed && te.Kind != KindTimeout {
		t.Errorf("kind = %v, want connection failure classification", te.Kind)
	}
}

func TestMetricEndpointCollapsesIDs(t *testing.T) {
	got := metricEndpoint("/characters/91316135/skillqueue/")
	if got != "/characters/{id}/skillqueue" {
		t.Errorf("metricEndpoint = %q", got)
	}
}
