// Astraldock - EVE Online Desktop Companion
// Copyright 2026 Astraldock Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/astraldock/astraldock

package esi

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/astraldock/astraldock/internal/logging"
	"github.com/astraldock/astraldock/internal/metrics"
)

// ErrCircuitOpen indicates calls are being short-circuited because the
// remote failed too often recently. Callers fall back to cached data.
var ErrCircuitOpen = errors.New("esi: circuit open")

// Breaker wraps the client in a circuit breaker so a struggling remote
// sheds load quickly instead of eating every caller's timeout. Remote-side
// rejections count as successes: the remote answered.
type Breaker struct {
	client *Client
	cb     *gobreaker.CircuitBreaker[[]byte]
}

// NewBreaker wraps a client.
func NewBreaker(client *Client) *Breaker {
	settings := gobreaker.Settings{
		Name:        "esi",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 10 &&
				float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		IsSuccessful: func(err error) bool {
			var te *TransportError
			if errors.As(err, &te) {
				return !te.Retryable()
			}
			return true
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CircuitBreakerState.Set(breakerStateValue(to))
			logging.Info().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	}
	return &Breaker{
		client: client,
		cb:     gobreaker.NewCircuitBreaker[[]byte](settings),
	}
}

func (b *Breaker) execute(fn func() ([]byte, error)) ([]byte, error) {
	body, err := b.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", ErrCircuitOpen, err)
	}
	return body, err
}

// Get mirrors Client.Get behind the breaker.
func (b *Breaker) Get(ctx context.Context, characterID int64, path string, query url.Values) ([]byte, error) {
	return b.execute(func() ([]byte, error) {
		return b.client.Get(ctx, characterID, path, query)
	})
}

// SkillsRaw mirrors Client.SkillsRaw behind the breaker.
func (b *Breaker) SkillsRaw(ctx context.Context, characterID int64) ([]byte, error) {
	return b.execute(func() ([]byte, error) {
		return b.client.SkillsRaw(ctx, characterID)
	})
}

// SkillQueueRaw mirrors Client.SkillQueueRaw behind the breaker.
func (b *Breaker) SkillQueueRaw(ctx context.Context, characterID int64) ([]byte, error) {
	return b.execute(func() ([]byte, error) {
		return b.client.SkillQueueRaw(ctx, characterID)
	})
}

// WalletBalanceRaw mirrors Client.WalletBalanceRaw behind the breaker.
func (b *Breaker) WalletBalanceRaw(ctx context.Context, characterID int64) ([]byte, error) {
	return b.execute(func() ([]byte, error) {
		return b.client.WalletBalanceRaw(ctx, characterID)
	})
}

// MarketPricesRaw mirrors Client.MarketPricesRaw behind the breaker.
func (b *Breaker) MarketPricesRaw(ctx context.Context) ([]byte, error) {
	return b.execute(func() ([]byte, error) {
		return b.client.MarketPricesRaw(ctx)
	})
}

// Status bypasses the breaker on purpose: the health prober needs to reach
// the remote precisely when everything has been failing.
func (b *Breaker) Status(ctx context.Context) (*ServerStatus, error) {
	return b.client.Status(ctx)
}

func breakerStateValue(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 2
	}
}
