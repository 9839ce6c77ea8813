// Astraldock - EVE Online Desktop Companion
// Copyright 2026 Astraldock Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/astraldock/astraldock

// Package ratelimit tracks the remote error budget advertised through the
// X-ESI-Error-Limit-Remain and X-ESI-Error-Limit-Reset response headers and
// gates outgoing calls against it.
//
// Budget accounting is pessimistic between observations: every admitted call
// decrements the local view, and a header observation replaces local
// bookkeeping with server truth. When observations conflict (concurrent
// responses arriving out of order) the conservative value wins: the lower
// remain and the later reset.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/astraldock/astraldock/internal/config"
	"github.com/astraldock/astraldock/internal/logging"
	"github.com/astraldock/astraldock/internal/metrics"
)

// Verdict is the outcome of an admission check.
type Verdict int

const (
	// Admitted means the call may proceed normally.
	Admitted Verdict = iota
	// AdmittedCautious means the call may proceed but the budget is at or
	// below the low-water mark; callers should avoid speculative requests.
	AdmittedCautious
	// Delayed means the budget is exhausted and the call must wait for the
	// reset boundary.
	Delayed
)

func (v Verdict) String() string {
	switch v {
	case Admitted:
		return "admitted"
	case AdmittedCautious:
		return "cautious"
	case Delayed:
		return "delayed"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// Decision carries the verdict plus, for Delayed, when to retry.
type Decision struct {
	Verdict    Verdict
	RetryAfter time.Duration
}

// BudgetExhaustedError is returned by Acquire when the budget hit zero and
// the caller chose not to wait out the reset window.
type BudgetExhaustedError struct {
	RetryAfter time.Duration
}

func (e *BudgetExhaustedError) Error() string {
	return fmt.Sprintf("error budget exhausted, retry after %s", e.RetryAfter.Round(time.Millisecond))
}

// bucket is the per-identity budget view.
type bucket struct {
	remain   int
	resetAt  time.Time
	observed bool // true once a header observation replaced the synthetic default
	smoother *rate.Limiter
}

// Limiter gates ESI calls on the remote error budget, with a token-bucket
// smoother layered on top so bursts of cache misses do not land on the
// remote all at once.
type Limiter struct {
	cfg config.RateLimitConfig
	now func() time.Time

	mu      sync.Mutex
	buckets map[int64]*bucket
}

// NewLimiter creates a limiter. Until the first header observation for an
// identity, the budget is assumed to be cfg.DefaultBudget resetting every
// minute.
func NewLimiter(cfg config.RateLimitConfig) *Limiter {
	return &Limiter{
		cfg:     cfg,
		now:     time.Now,
		buckets: make(map[int64]*bucket),
	}
}

func (l *Limiter) bucketFor(characterID int64) *bucket {
	b, ok := l.buckets[characterID]
	if !ok {
		b = &bucket{
			remain:   l.cfg.DefaultBudget,
			resetAt:  l.now().Add(time.Minute),
			smoother: rate.NewLimiter(rate.Limit(l.cfg.SmoothingRPS), l.cfg.SmoothingBurst),
		}
		l.buckets[characterID] = b
	}
	return b
}

// Admit performs a non-blocking admission check for one call on behalf of
// the given identity and, when admitted, charges the local budget view.
func (l *Limiter) Admit(characterID int64) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.bucketFor(characterID)
	now := l.now()

	// A passed reset boundary restores the window; the synthetic default
	// applies until the next observation says otherwise.
	if !now.Before(b.resetAt) {
		b.remain = l.cfg.DefaultBudget
		b.resetAt = now.Add(time.Minute)
		b.observed = false
	}

	if b.remain <= 0 {
		retryAfter := b.resetAt.Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		metrics.RateLimitDelays.Inc()
		return Decision{Verdict: Delayed, RetryAfter: retryAfter}
	}

	b.remain--
	metrics.ErrorBudgetRemain.WithLabelValues(metrics.CharacterLabel(characterID)).Set(float64(b.remain))

	if b.remain <= l.cfg.LowWaterMark {
		return Decision{Verdict: AdmittedCautious}
	}
	return Decision{Verdict: Admitted}
}

// Acquire combines smoothing and admission: it waits on the per-identity
// token bucket, then checks the budget. A Delayed verdict surfaces as
// *BudgetExhaustedError rather than blocking until the reset, so callers
// can decide whether stale data is preferable to waiting.
func (l *Limiter) Acquire(ctx context.Context, characterID int64) error {
	l.mu.Lock()
	smoother := l.bucketFor(characterID).smoother
	l.mu.Unlock()

	if err := smoother.Wait(ctx); err != nil {
		return fmt.Errorf("rate smoothing interrupted: %w", err)
	}

	decision := l.Admit(characterID)
	if decision.Verdict == Delayed {
		return &BudgetExhaustedError{RetryAfter: decision.RetryAfter}
	}
	return nil
}

// Observe folds a header observation into the budget view. remain is the
// X-ESI-Error-Limit-Remain value, resetIn the X-ESI-Error-Limit-Reset
// seconds. Concurrent responses may arrive out of order; the merge keeps
// the conservative side of any conflict.
func (l *Limiter) Observe(characterID int64, remain int, resetIn time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.bucketFor(characterID)
	now := l.now()
	reportedReset := now.Add(resetIn)

	// An observation whose reset lies clearly beyond the tracked boundary
	// belongs to the next window; take it wholesale.
	const windowSkew = 2 * time.Second
	if reportedReset.After(b.resetAt.Add(windowSkew)) || !b.observed {
		b.remain = remain
		b.resetAt = reportedReset
		b.observed = true
	} else {
		if remain < b.remain {
			b.remain = remain
		}
		if reportedReset.After(b.resetAt) {
			b.resetAt = reportedReset
		}
	}

	metrics.ErrorBudgetRemain.WithLabelValues(metrics.CharacterLabel(characterID)).Set(float64(b.remain))
	if b.remain <= l.cfg.LowWaterMark {
		logging.Warn().
			Int64("character_id", characterID).
			Int("remain", b.remain).
			Time("reset_at", b.resetAt).
			Msg("Error budget near exhaustion")
	}
}

// Snapshot returns the current budget view for an identity. Used by the
// diagnostics endpoint.
func (l *Limiter) Snapshot(characterID int64) (remain int, resetAt time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.bucketFor(characterID)
	return b.remain, b.resetAt
}

// Forget drops limiter state for a removed identity, including its budget
// gauge so the metric does not outlive the character.
func (l *Limiter) Forget(characterID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, characterID)
	metrics.ErrorBudgetRemain.DeleteLabelValues(metrics.CharacterLabel(characterID))
}
