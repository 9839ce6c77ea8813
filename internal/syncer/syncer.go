// Astraldock - EVE Online Desktop Companion
// Copyright 2026 Astraldock Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/astraldock/astraldock

// Package syncer keeps cached character data warm with per-character
// background workers. Each logged-in character gets a supervised worker
// driving its resources through the offline coordinator; a shared worker
// refreshes market prices. A semaphore bounds how many resource fetches run
// at once across all workers.
//
// The workers adapt to remote health: while the remote is degraded only the
// active character syncs, and while it is offline the coordinator serves
// cache so no traffic is generated at all.
package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/astraldock/astraldock/internal/config"
	"github.com/astraldock/astraldock/internal/esi"
	"github.com/astraldock/astraldock/internal/health"
	"github.com/astraldock/astraldock/internal/logging"
	"github.com/astraldock/astraldock/internal/metrics"
	"github.com/astraldock/astraldock/internal/offline"
	"github.com/astraldock/astraldock/internal/session"
)

// fetcher is the slice of the ESI client the syncer needs.
type fetcher interface {
	SkillsRaw(ctx context.Context, characterID int64) ([]byte, error)
	SkillQueueRaw(ctx context.Context, characterID int64) ([]byte, error)
	WalletBalanceRaw(ctx context.Context, characterID int64) ([]byte, error)
	MarketPricesRaw(ctx context.Context) ([]byte, error)
}

// Syncer manages background sync workers.
type Syncer struct {
	coord    *offline.Coordinator
	client   fetcher
	monitor  *health.Monitor
	session  *session.Manager
	cacheCfg config.CacheConfig
	syncCfg  config.SyncConfig
	sup      *suture.Supervisor
	sem      chan struct{}

	mu      sync.Mutex
	workers map[int64]suture.ServiceToken
}

// New creates a syncer. The returned supervisor must be added to the
// application tree; workers attach to it as identities come and go.
func New(coord *offline.Coordinator, client fetcher, monitor *health.Monitor, sess *session.Manager, cacheCfg config.CacheConfig, syncCfg config.SyncConfig) *Syncer {
	s := &Syncer{
		coord:    coord,
		client:   client,
		monitor:  monitor,
		session:  sess,
		cacheCfg: cacheCfg,
		syncCfg:  syncCfg,
		sup:      suture.NewSimple("sync-workers"),
		sem:      make(chan struct{}, syncCfg.MaxConcurrent),
	}
	s.workers = make(map[int64]suture.ServiceToken)

	s.sup.Add(&marketWorker{syncer: s})
	for _, id := range sess.Identities() {
		s.startWorker(id.CharacterID)
	}
	sess.Subscribe(s.onSessionEvent)
	return s
}

// Supervisor exposes the worker supervisor for the application tree.
func (s *Syncer) Supervisor() *suture.Supervisor {
	return s.sup
}

func (s *Syncer) onSessionEvent(ev session.Event) {
	switch ev.Type {
	case session.IdentityAdded:
		s.startWorker(ev.CharacterID)
	case session.IdentityRemoved:
		s.stopWorker(ev.CharacterID)
	}
}

func (s *Syncer) startWorker(characterID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workers[characterID]; ok {
		return
	}
	s.workers[characterID] = s.sup.Add(&characterWorker{
		syncer:      s,
		characterID: characterID,
	})
}

func (s *Syncer) stopWorker(characterID int64) {
	s.mu.Lock()
	token, ok := s.workers[characterID]
	if ok {
		delete(s.workers, characterID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	if err := s.sup.Remove(token); err != nil {
		logging.Warn().Err(err).Int64("character_id", characterID).Msg("Sync worker removal failed")
	}
}

// shouldSync applies the health-aware scheduling policy for one character.
func (s *Syncer) shouldSync(characterID int64) bool {
	switch s.monitor.State() {
	case health.Healthy:
		return true
	case health.Degraded:
		// Conserve the error budget: only the character the user is
		// looking at stays warm.
		active, ok := s.session.Active()
		return ok && active.CharacterID == characterID
	default:
		return false
	}
}

// syncResource drives one resource through the coordinator under the
// concurrency semaphore. A fresh cache entry makes this a no-op.
func (s *Syncer) syncResource(ctx context.Context, req offline.Request) {
	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-ctx.Done():
		return
	}

	_, err := s.coord.Fetch(ctx, req)
	result := "success"
	if err != nil {
		result = "failure"
		logging.Debug().
			Err(err).
			Int64("character_id", req.CharacterID).
			Str("resource", req.Resource).
			Msg("Background sync failed")
	}
	metrics.SyncRuns.WithLabelValues(req.Resource, result).Inc()
}

// characterWorker periodically refreshes one character's resources.
type characterWorker struct {
	syncer      *Syncer
	characterID int64
}

// Serve implements suture.Service. The first sync runs immediately so a
// freshly added character has data before the first tick.
func (w *characterWorker) Serve(ctx context.Context) error {
	w.syncAll(ctx)

	ticker := time.NewTicker(w.syncer.syncCfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.syncAll(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (w *characterWorker) syncAll(ctx context.Context) {
	if !w.syncer.shouldSync(w.characterID) {
		return
	}

	s := w.syncer
	requests := []offline.Request{
		{
			CharacterID: w.characterID,
			Resource:    esi.ResourceSkills,
			Key:         "all",
			TTL:         s.cacheCfg.TTLFor(esi.ResourceSkills),
			Fetch: func(ctx context.Context) ([]byte, error) {
				return s.client.SkillsRaw(ctx, w.characterID)
			},
		},
		{
			CharacterID: w.characterID,
			Resource:    esi.ResourceSkillQueue,
			Key:         "all",
			TTL:         s.cacheCfg.TTLFor(esi.ResourceSkillQueue),
			Fetch: func(ctx context.Context) ([]byte, error) {
				return s.client.SkillQueueRaw(ctx, w.characterID)
			},
		},
		{
			CharacterID: w.characterID,
			Resource:    esi.ResourceWallet,
			Key:         "balance",
			TTL:         s.cacheCfg.TTLFor(esi.ResourceWallet),
			Fetch: func(ctx context.Context) ([]byte, error) {
				return s.client.WalletBalanceRaw(ctx, w.characterID)
			},
		},
	}
	for _, req := range requests {
		if ctx.Err() != nil {
			return
		}
		s.syncResource(ctx, req)
	}
}

func (w *characterWorker) String() string {
	return "sync-character-" + metrics.CharacterLabel(w.characterID)
}

// marketWorker refreshes the shared market price list.
type marketWorker struct {
	syncer *Syncer
}

func (w *marketWorker) Serve(ctx context.Context) error {
	w.syncOnce(ctx)

	ticker := time.NewTicker(w.syncer.syncCfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.syncOnce(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (w *marketWorker) syncOnce(ctx context.Context) {
	if w.syncer.monitor.State() != health.Healthy {
		return
	}
	s := w.syncer
	s.syncResource(ctx, offline.Request{
		Resource: esi.ResourceMarketPrices,
		Key:      "all",
		TTL:      s.cacheCfg.TTLFor(esi.ResourceMarketPrices),
		Fetch: func(ctx context.Context) ([]byte, error) {
			return s.client.MarketPricesRaw(ctx)
		},
	})
}

func (w *marketWorker) String() string {
	return "sync-market-prices"
}
