// Astraldock - EVE Online Desktop Companion
// Copyright 2026 Astraldock Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/astraldock/astraldock

package cache

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/astraldock/astraldock/internal/logging"
	"github.com/astraldock/astraldock/internal/metrics"
)

// ErrMiss indicates no entry exists for the key in either tier.
var ErrMiss = errors.New("cache: miss")

const keyPrefix = "cache:"

// Entry is one cached response with its freshness policy attached.
type Entry struct {
	Payload   []byte        `json:"payload"`
	FetchedAt time.Time     `json:"fetched_at"`
	TTL       time.Duration `json:"ttl"`
}

// Stale reports whether the entry has outlived its freshness policy at t.
func (e Entry) Stale(t time.Time) bool {
	return t.After(e.FetchedAt.Add(e.TTL))
}

// TwoTier layers a bounded in-memory LRU over a durable badger store.
// Writes land in both tiers; reads check memory first and promote durable
// hits. Expired entries stay resident and are returned marked stale.
type TwoTier struct {
	memory *lru
	db     *badger.DB
	now    func() time.Time
}

// New creates a two-tier cache over the given badger handle.
func New(db *badger.DB, memoryCapacity int) *TwoTier {
	return &TwoTier{
		memory: newLRU(memoryCapacity),
		db:     db,
		now:    time.Now,
	}
}

// Key builds the canonical cache key for a character-scoped resource.
// Resource-level keys (market prices) pass characterID 0.
func Key(characterID int64, resource, item string) string {
	return keyPrefix + strconv.FormatInt(characterID, 10) + ":" + resource + ":" + item
}

// partitionPrefix covers every key belonging to one identity.
func partitionPrefix(characterID int64) string {
	return keyPrefix + strconv.FormatInt(characterID, 10) + ":"
}

// Get retrieves an entry and reports whether it is stale. A corrupt durable
// record is treated as a miss and logged, never surfaced as an error.
func (c *TwoTier) Get(key string) (Entry, bool, error) {
	if entry, ok := c.memory.get(key); ok {
		metrics.CacheHits.WithLabelValues("memory").Inc()
		return entry, entry.Stale(c.now()), nil
	}

	var entry Entry
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		})
	})
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
		metrics.CacheMisses.Inc()
		return Entry{}, false, ErrMiss
	case err != nil:
		logging.Warn().Err(err).Str("key", key).Msg("Dropping unreadable cache record")
		metrics.CacheMisses.Inc()
		return Entry{}, false, ErrMiss
	}

	c.memory.put(key, entry)
	metrics.CacheHits.WithLabelValues("durable").Inc()
	return entry, entry.Stale(c.now()), nil
}

// Put stores an entry in both tiers. The durable write is the source of
// truth; a failed write leaves memory untouched.
func (c *TwoTier) Put(key string, payload []byte, ttl time.Duration) error {
	entry := Entry{
		Payload:   payload,
		FetchedAt: c.now(),
		TTL:       ttl,
	}

	encoded, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	err = c.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), encoded)
	})
	if err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}

	c.memory.put(key, entry)
	return nil
}

// Delete removes a single entry from both tiers.
func (c *TwoTier) Delete(key string) error {
	c.memory.remove(key)
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	return nil
}

// InvalidatePartition removes every entry belonging to one identity from
// both tiers. Used when an identity is removed from the session.
func (c *TwoTier) InvalidatePartition(characterID int64) error {
	prefix := partitionPrefix(characterID)
	c.memory.removePrefix(prefix)

	return c.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return fmt.Errorf("delete partition key %s: %w", k, err)
			}
		}
		return nil
	})
}

// Keys lists the cache keys under one identity's partition. Diagnostics
// only; values are not loaded.
func (c *TwoTier) Keys(characterID int64) ([]string, error) {
	prefix := partitionPrefix(characterID)
	var keys []string
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)

		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, string(it.Item().Key()))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list cache keys: %w", err)
	}
	return keys, nil
}
