// Astraldock - EVE Online Desktop Companion
// Copyright 2026 Astraldock Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/astraldock/astraldock

package store

import (
	"context"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/astraldock/astraldock/internal/logging"
)

// GC periodically reclaims badger value-log space. Cache entries are
// rewritten every sync tick, so without garbage collection the value log
// grows for the lifetime of the process. Runs as a supervised service.
type GC struct {
	db       *badger.DB
	interval time.Duration
}

// NewGC creates a value-log garbage collector for db.
func NewGC(db *badger.DB, interval time.Duration) *GC {
	return &GC{db: db, interval: interval}
}

// Serve implements suture.Service.
func (g *GC) Serve(ctx context.Context) error {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.collect()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// collect runs GC passes until badger reports nothing left to rewrite.
// Each call rewrites at most one value-log file.
func (g *GC) collect() {
	for {
		err := g.db.RunValueLogGC(0.5)
		if err == nil {
			continue
		}
		if !errors.Is(err, badger.ErrNoRewrite) {
			logging.Debug().Err(err).Msg("Value log GC pass ended")
		}
		return
	}
}

// String implements fmt.Stringer for supervisor logs.
func (g *GC) String() string {
	return "store-gc"
}
