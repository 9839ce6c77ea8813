// Astraldock - EVE Online Desktop Companion
// Copyright 2026 Astraldock Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/astraldock/astraldock

// Package cache provides the two-tier response cache: a capacity-bounded
// in-memory LRU in front of a durable badger-backed store. Entries carry
// their fetch time and freshness policy; expiry marks an entry stale but
// never evicts it, so the offline path always has something to serve.
package cache

import (
	"strings"
	"sync"
)

// lruNode is a doubly-linked list node. The list uses sentinel head and
// tail nodes so insertion and removal need no nil checks.
type lruNode struct {
	key        string
	entry      Entry
	prev, next *lruNode
}

// lru is a fixed-capacity least-recently-used map. Eviction is by capacity
// only; freshness is the caller's concern. Safe for concurrent use.
type lru struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*lruNode
	head     *lruNode // most recently used side
	tail     *lruNode // eviction side
}

func newLRU(capacity int) *lru {
	head := &lruNode{}
	tail := &lruNode{}
	head.next = tail
	tail.prev = head
	return &lru{
		capacity: capacity,
		items:    make(map[string]*lruNode, capacity),
		head:     head,
		tail:     tail,
	}
}

func (l *lru) get(key string) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	node, ok := l.items[key]
	if !ok {
		return Entry{}, false
	}
	l.detach(node)
	l.pushFront(node)
	return node.entry, true
}

func (l *lru) put(key string, entry Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if node, ok := l.items[key]; ok {
		node.entry = entry
		l.detach(node)
		l.pushFront(node)
		return
	}

	node := &lruNode{key: key, entry: entry}
	l.items[key] = node
	l.pushFront(node)

	if len(l.items) > l.capacity {
		oldest := l.tail.prev
		l.detach(oldest)
		delete(l.items, oldest.key)
	}
}

func (l *lru) remove(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if node, ok := l.items[key]; ok {
		l.detach(node)
		delete(l.items, key)
	}
}

// removePrefix drops every entry whose key starts with prefix.
func (l *lru) removePrefix(prefix string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for key, node := range l.items {
		if strings.HasPrefix(key, prefix) {
			l.detach(node)
			delete(l.items, key)
		}
	}
}

func (l *lru) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

func (l *lru) detach(node *lruNode) {
	node.prev.next = node.next
	node.next.prev = node.prev
}

func (l *lru) pushFront(node *lruNode) {
	node.prev = l.head
	node.next = l.head.next
	l.head.next.prev = node
	l.head.next = node
}
