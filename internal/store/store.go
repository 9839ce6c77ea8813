// Astraldock - EVE Online Desktop Companion
// Copyright 2026 Astraldock Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/astraldock/astraldock

// Package store owns the shared BadgerDB handle backing all durable state:
// the durable cache tier and the encrypted credential records. Badger gives
// us serialized writes per key with fully concurrent reads, which is exactly
// the shared-resource policy the credential store and cache require.
package store

import (
	"fmt"
	"path/filepath"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/astraldock/astraldock/internal/logging"
)

// Open opens (creating if necessary) the badger store under dataDir.
func Open(dataDir string) (*badger.DB, error) {
	path := filepath.Join(dataDir, "store")

	opts := badger.DefaultOptions(path).
		WithLogger(badgerLogger{logging.With().Str("component", "badger").Logger()}).
		// Desktop workload: favor a small footprint over write throughput.
		WithNumMemtables(2).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger store at %s: %w", path, err)
	}
	return db, nil
}

// OpenInMemory opens an ephemeral store for tests.
func OpenInMemory() (*badger.DB, error) {
	opts := badger.DefaultOptions("").
		WithInMemory(true).
		WithLogger(badgerLogger{logging.Logger()})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open in-memory badger store: %w", err)
	}
	return db, nil
}

// badgerLogger adapts zerolog to badger's Logger interface.
type badgerLogger struct {
	log zerolog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Error().Msgf(format, args...)
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warn().Msgf(format, args...)
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Debug().Msgf(format, args...)
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Trace().Msgf(format, args...)
}
