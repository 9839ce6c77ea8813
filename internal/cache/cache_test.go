// Astraldock - EVE Online Desktop Companion
// Copyright 2026 Astraldock Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/astraldock/astraldock

package cache

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/astraldock/astraldock/internal/store"
)

func testDB(t *testing.T) *badger.DB {
	t.Helper()
	db, err := store.OpenInMemory()
	if err != nil {
		t.Fatalf("open in-memory store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestLRUEvictsLeastRecentlyUsed(t *testing.T) {
	l := newLRU(3)
	for i := 0; i < 3; i++ {
		l.put(fmt.Sprintf("k%d", i), Entry{Payload: []byte{byte(i)}})
	}

	// Touch k0 so k1 becomes the eviction candidate.
	if _, ok := l.get("k0"); !ok {
		t.Fatal("k0 missing before eviction")
	}
	l.put("k3", Entry{Payload: []byte{3}})

	if _, ok := l.get("k1"); ok {
		t.Error("k1 should have been evicted")
	}
	for _, key := range []string{"k0", "k2", "k3"} {
		if _, ok := l.get(key); !ok {
			t.Errorf("%s missing after eviction", key)
		}
	}
	if got := l.len(); got != 3 {
		t.Errorf("len = %d, want 3", got)
	}
}

func TestLRUUpdateExistingKey(t *testing.T) {
	l := newLRU(2)
	l.put("a", Entry{Payload: []byte("one")})
	l.put("b", Entry{Payload: []byte("two")})
	l.put("a", Entry{Payload: []byte("three")})
	l.put("c", Entry{Payload: []byte("four")})

	if _, ok := l.get("b"); ok {
		t.Error("b should have been evicted after a was refreshed")
	}
	entry, ok := l.get("a")
	if !ok || !bytes.Equal(entry.Payload, []byte("three")) {
		t.Errorf("a = %q, want updated payload", entry.Payload)
	}
}

func TestRoundTripAndStaleness(t *testing.T) {
	c := New(testDB(t), 16)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	key := Key(91316135, "wallet", "balance")
	if err := c.Put(key, []byte(`{"balance":1234.5}`), 2*time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}

	entry, stale, err := c.Get(key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stale {
		t.Error("entry stale immediately after Put")
	}
	if !bytes.Equal(entry.Payload, []byte(`{"balance":1234.5}`)) {
		t.Errorf("payload = %q", entry.Payload)
	}

	// Past the freshness policy the entry remains readable, marked stale.
	now = now.Add(3 * time.Minute)
	entry, stale, err = c.Get(key)
	if err != nil {
		t.Fatalf("Get after expiry: %v", err)
	}
	if !stale {
		t.Error("entry should be stale after its policy window")
	}
	if len(entry.Payload) == 0 {
		t.Error("stale entry lost its payload")
	}
}

func TestDurableTierSurvivesMemoryLoss(t *testing.T) {
	db := testDB(t)
	first := New(db, 16)
	key := Key(42, "skills", "all")
	if err := first.Put(key, []byte("skill-data"), time.Hour); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// A fresh cache over the same store models a process restart.
	second := New(db, 16)
	entry, _, err := second.Get(key)
	if err != nil {
		t.Fatalf("Get from durable tier: %v", err)
	}
	if !bytes.Equal(entry.Payload, []byte("skill-data")) {
		t.Errorf("payload = %q, want skill-data", entry.Payload)
	}

	// The hit must have been promoted into memory.
	if _, ok := second.memory.get(key); !ok {
		t.Error("durable hit was not promoted to the memory tier")
	}
}

func TestMissReturnsErrMiss(t *testing.T) {
	c := New(testDB(t), 16)
	if _, _, err := c.Get(Key(1, "wallet", "balance")); !errors.Is(err, ErrMiss) {
		t.Fatalf("err = %v, want ErrMiss", err)
	}
}

func TestCorruptRecordIsAMiss(t *testing.T) {
	db := testDB(t)
	c := New(db, 16)
	key := Key(7, "wallet", "balance")

	err := db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), []byte("{not json"))
	})
	if err != nil {
		t.Fatalf("seed corrupt record: %v", err)
	}

	if _, _, err := c.Get(key); !errors.Is(err, ErrMiss) {
		t.Fatalf("err = %v, want ErrMiss for corrupt record", err)
	}
}

func TestInvalidatePartitionScopesToIdentity(t *testing.T) {
	c := New(testDB(t), 16)
	keep := Key(2, "wallet", "balance")
	if err := c.Put(Key(1, "wallet", "balance"), []byte("a"), time.Hour); err != nil {
		t.Fatal(err)
	}
	if err := c.Put(Key(1, "skills", "all"), []byte("b"), time.Hour); err != nil {
		t.Fatal(err)
	}
	if err := c.Put(keep, []byte("c"), time.Hour); err != nil {
		t.Fatal(err)
	}

	if err := c.InvalidatePartition(1); err != nil {
		t.Fatalf("InvalidatePartition: %v", err)
	}

	if _, _, err := c.Get(Key(1, "wallet", "balance")); !errors.Is(err, ErrMiss) {
		t.Error("character 1 wallet entry survived invalidation")
	}
	if _, _, err := c.Get(Key(1, "skills", "all")); !errors.Is(err, ErrMiss) {
		t.Error("character 1 skills entry survived invalidation")
	}
	if _, _, err := c.Get(keep); err != nil {
		t.Errorf("character 2 entry lost: %v", err)
	}

	keys, err := c.Keys(1)
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("residual keys after invalidation: %v", keys)
	}
}
