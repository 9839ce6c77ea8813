// Astraldock - EVE Online Desktop Companion
// Copyright 2026 Astraldock Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/astraldock/astraldock

// Package offline decides, per read, whether to serve cache or go to the
// network, based on the health monitor's view of the remote. While the
// remote is offline nothing touches the network and every result is tagged
// stale, since freshness cannot be revalidated.
package offline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/astraldock/astraldock/internal/cache"
	"github.com/astraldock/astraldock/internal/health"
	"github.com/astraldock/astraldock/internal/logging"
	"github.com/astraldock/astraldock/internal/metrics"
)

// ErrNoData indicates the remote is unreachable and the cache holds nothing
// for the key.
var ErrNoData = errors.New("offline: remote unreachable and no cached data")

// ErrOfflineWriteBlocked indicates a write-type action was rejected because
// the remote is unreachable. Writes have no cache fallback; callers surface
// this to the user rather than queueing the action.
var ErrOfflineWriteBlocked = errors.New("offline: write actions are disabled while the remote is unreachable")

// Fetcher produces a fresh payload from the remote.
type Fetcher func(ctx context.Context) ([]byte, error)

// Request describes one cached read.
type Request struct {
	CharacterID int64 // zero for shared resources
	Resource    string
	Key         string
	TTL         time.Duration
	Fetch       Fetcher
}

// Result is a payload plus its provenance.
type Result struct {
	Payload   []byte
	FetchedAt time.Time
	Stale     bool
	FromCache bool
}

// suppressor is the slice of the token manager the coordinator drives.
type suppressor interface {
	SuppressProactive(bool)
}

// Coordinator routes reads between cache and network.
type Coordinator struct {
	cache   *cache.TwoTier
	monitor *health.Monitor
}

// NewCoordinator wires the coordinator to the health monitor. Token refresh
// suppression follows the offline state: entering Offline suspends
// proactive refresh, leaving it resumes.
func NewCoordinator(c *cache.TwoTier, monitor *health.Monitor, tokens suppressor) *Coordinator {
	monitor.Subscribe(func(from, to health.State) {
		if to == health.Offline {
			tokens.SuppressProactive(true)
		} else if from == health.Offline {
			tokens.SuppressProactive(false)
		}
	})
	return &Coordinator{cache: c, monitor: monitor}
}

// Fetch serves one read. Order of preference: fresh cache, live fetch,
// stale cache. While offline the live fetch is skipped entirely.
func (c *Coordinator) Fetch(ctx context.Context, req Request) (*Result, error) {
	key := cache.Key(req.CharacterID, req.Resource, req.Key)
	entry, stale, cacheErr := c.cache.Get(key)
	cached := cacheErr == nil

	if c.monitor.State() == health.Offline {
		if !cached {
			return nil, fmt.Errorf("%w: %s", ErrNoData, key)
		}
		metrics.CacheStaleServed.Inc()
		return &Result{
			Payload:   entry.Payload,
			FetchedAt: entry.FetchedAt,
			Stale:     true,
			FromCache: true,
		}, nil
	}

	if cached && !stale {
		return &Result{
			Payload:   entry.Payload,
			FetchedAt: entry.FetchedAt,
			FromCache: true,
		}, nil
	}

	payload, fetchErr := req.Fetch(ctx)
	if fetchErr == nil {
		if putErr := c.cache.Put(key, payload, req.TTL); putErr != nil {
			logging.Warn().Err(putErr).Str("key", key).Msg("Cache write failed after fetch")
		}
		return &Result{Payload: payload, FetchedAt: time.Now()}, nil
	}

	if cached {
		logging.Debug().
			Err(fetchErr).
			Str("key", key).
			Msg("Live fetch failed, serving stale cache")
		metrics.CacheStaleServed.Inc()
		return &Result{
			Payload:   entry.Payload,
			FetchedAt: entry.FetchedAt,
			Stale:     true,
			FromCache: true,
		}, nil
	}
	return nil, fmt.Errorf("fetch %s: %w", key, fetchErr)
}

// Intent describes one write-type action against the remote, e.g. setting
// a waypoint or opening a market window in the game client.
type Intent struct {
	CharacterID int64
	Action      string
	Do          func(ctx context.Context) error
}

// Execute runs a write-type intent. Unlike reads there is no cached
// fallback: while the remote is offline the intent is rejected up front
// with ErrOfflineWriteBlocked so it cannot be half-applied or silently
// dropped.
func (c *Coordinator) Execute(ctx context.Context, intent Intent) error {
	if c.monitor.State() == health.Offline {
		logging.Debug().
			Int64("character_id", intent.CharacterID).
			Str("action", intent.Action).
			Msg("Write intent rejected while offline")
		return fmt.Errorf("%w: %s", ErrOfflineWriteBlocked, intent.Action)
	}
	if err := intent.Do(ctx); err != nil {
		return fmt.Errorf("execute %s: %w", intent.Action, err)
	}
	return nil
}

// Offline reports whether reads are currently pinned to the cache.
func (c *Coordinator) Offline() bool {
	return c.monitor.State() == health.Offline
}

// Invalidate drops all cached data for one identity.
func (c *Coordinator) Invalidate(characterID int64) error {
	return c.cache.InvalidatePartition(characterID)
}
