// SPDX-License-Identifier: MIT

// Package cache implements the volatile edge tier (L2). Entries live in
// front of the persistent store and may vanish at any time; every
// implementation is allowed to lose data but never to fail a request.
package cache

import (
	"container/list"
	"context"
	"strings"
	"sync"
	"time"
)

// Default bounds for the in-process variant.
const (
	DefaultMaxEntries = 1000
	DefaultMaxBytes   = 512 << 20 // 512 MiB
)

// Entry is one cached image variant.
type Entry struct {
	Bytes       []byte
	ContentType string
	CachedAt    time.Time
}

// Stats are the in-process cache counters surfaced via /api/v1/stats.
type Stats struct {
	Hits      int64
	Misses    int64
	Sets      int64
	Evictions int64
	Entries   int
	Bytes     int64
}

// Cache is the edge-tier contract. Implementations are safe for
// concurrent use. Every operation is best-effort: a degraded backend
// behaves as a miss or a no-op, never as an error the caller sees.
type Cache interface {
	Get(ctx context.Context, key string) (*Entry, bool)
	Set(ctx context.Context, key string, e *Entry, ttl time.Duration)
	Delete(ctx context.Context, key string)
	DeleteByPrefix(ctx context.Context, prefix string)
	HealthCheck(ctx context.Context) error
	Name() string
}

// item is one LRU slot. size counts the payload bytes only; the
// bookkeeping overhead is not charged against the byte cap.
type item struct {
	key       string
	entry     *Entry
	size      int64
	expiresAt time.Time
}

// Memory is the in-process LRU variant: recency-ordered list plus a
// byte counter, bounded by entry count and aggregate payload size.
type Memory struct {
	mu         sync.Mutex
	order      *list.List // front = most recently used
	index      map[string]*list.Element
	bytes      int64
	maxEntries int
	maxBytes   int64
	stats      Stats
}

// NewMemory builds an in-process cache. Non-positive limits fall back
// to the defaults.
func NewMemory(maxEntries int, maxBytes int64) *Memory {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Memory{
		order:      list.New(),
		index:      make(map[string]*list.Element),
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
	}
}

// Get returns the entry for key, bumping it to most-recently-used.
// Expired entries are evicted on access.
func (m *Memory) Get(_ context.Context, key string) (*Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.index[key]
	if !ok {
		m.stats.Misses++
		return nil, false
	}
	it := el.Value.(*item)
	if time.Now().After(it.expiresAt) {
		m.removeLocked(el)
		m.stats.Evictions++
		m.stats.Misses++
		return nil, false
	}
	m.order.MoveToFront(el)
	m.stats.Hits++
	return it.entry, true
}

// Set inserts or replaces an entry. Entries larger than the byte cap
// are silently not cached.
func (m *Memory) Set(_ context.Context, key string, e *Entry, ttl time.Duration) {
	if e == nil {
		return
	}
	size := int64(len(e.Bytes))
	if size > m.maxBytes {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.index[key]; ok {
		m.removeLocked(el)
	}
	el := m.order.PushFront(&item{
		key:       key,
		entry:     e,
		size:      size,
		expiresAt: time.Now().Add(ttl),
	})
	m.index[key] = el
	m.bytes += size
	m.stats.Sets++

	for m.order.Len() > m.maxEntries || m.bytes > m.maxBytes {
		back := m.order.Back()
		if back == nil {
			break
		}
		m.removeLocked(back)
		m.stats.Evictions++
	}
}

// Delete removes one key.
func (m *Memory) Delete(_ context.Context, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.index[key]; ok {
		m.removeLocked(el)
	}
}

// DeleteByPrefix removes every key sharing the invalidation prefix.
func (m *Memory) DeleteByPrefix(_ context.Context, prefix string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, el := range m.index {
		if strings.HasPrefix(key, prefix) {
			m.removeLocked(el)
		}
	}
}

// HealthCheck always succeeds: process memory has no failure mode short
// of the process itself dying.
func (m *Memory) HealthCheck(context.Context) error { return nil }

// Name identifies the variant in /api/v1/stats and health output.
func (m *Memory) Name() string { return "memory" }

// Stats returns a snapshot of the counters.
func (m *Memory) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.Entries = m.order.Len()
	s.Bytes = m.bytes
	return s
}

func (m *Memory) removeLocked(el *list.Element) {
	it := el.Value.(*item)
	m.order.Remove(el)
	delete(m.index, it.key)
	m.bytes -= it.size
}
