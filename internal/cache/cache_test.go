// SPDX-License-Identifier: MIT

package cache

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func entry(payload string) *Entry {
	return &Entry{Bytes: []byte(payload), ContentType: "image/png", CachedAt: time.Now()}
}

func TestMemoryGetSet(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(10, 1<<20)

	if _, ok := m.Get(ctx, "missing"); ok {
		t.Fatal("expected miss on empty cache")
	}

	m.Set(ctx, "k1", entry("payload"), time.Minute)
	got, ok := m.Get(ctx, "k1")
	if !ok {
		t.Fatal("expected hit after set")
	}
	if string(got.Bytes) != "payload" {
		t.Errorf("bytes = %q, want %q", got.Bytes, "payload")
	}
	if got.ContentType != "image/png" {
		t.Errorf("content type = %q", got.ContentType)
	}
}

func TestMemoryTTLExpiry(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(10, 1<<20)

	m.Set(ctx, "k1", entry("x"), 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	if _, ok := m.Get(ctx, "k1"); ok {
		t.Fatal("expected expired entry to miss")
	}
	if s := m.Stats(); s.Evictions != 1 {
		t.Errorf("evictions = %d, want 1", s.Evictions)
	}
}

func TestMemoryLRUEvictionByCount(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(3, 1<<20)

	for i := 0; i < 3; i++ {
		m.Set(ctx, fmt.Sprintf("k%d", i), entry("x"), time.Minute)
	}
	// Touch k0 so k1 becomes the LRU victim.
	if _, ok := m.Get(ctx, "k0"); !ok {
		t.Fatal("expected k0 hit")
	}
	m.Set(ctx, "k3", entry("x"), time.Minute)

	if _, ok := m.Get(ctx, "k1"); ok {
		t.Error("expected k1 evicted as least recently used")
	}
	for _, k := range []string{"k0", "k2", "k3"} {
		if _, ok := m.Get(ctx, k); !ok {
			t.Errorf("expected %s to survive", k)
		}
	}
}

func TestMemoryEvictionByBytes(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(100, 10)

	m.Set(ctx, "a", entry("123456"), time.Minute) // 6 bytes
	m.Set(ctx, "b", entry("12345"), time.Minute)  // 5 bytes, pushes total to 11

	if _, ok := m.Get(ctx, "a"); ok {
		t.Error("expected a evicted to respect the byte cap")
	}
	if _, ok := m.Get(ctx, "b"); !ok {
		t.Error("expected b to remain")
	}
	if s := m.Stats(); s.Bytes != 5 {
		t.Errorf("bytes = %d, want 5", s.Bytes)
	}
}

func TestMemoryOversizedEntrySkipped(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(100, 4)

	m.Set(ctx, "big", entry("12345"), time.Minute)
	if _, ok := m.Get(ctx, "big"); ok {
		t.Fatal("entry larger than maxBytes must not be cached")
	}
	if s := m.Stats(); s.Sets != 0 {
		t.Errorf("sets = %d, want 0", s.Sets)
	}
}

func TestMemoryReplaceSameKey(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(10, 1<<20)

	m.Set(ctx, "k", entry("old"), time.Minute)
	m.Set(ctx, "k", entry("new"), time.Minute)

	got, ok := m.Get(ctx, "k")
	if !ok || string(got.Bytes) != "new" {
		t.Fatalf("got %v/%v, want replacement value", got, ok)
	}
	if s := m.Stats(); s.Entries != 1 {
		t.Errorf("entries = %d, want 1", s.Entries)
	}
	if s := m.Stats(); s.Bytes != 3 {
		t.Errorf("bytes = %d, want 3 (old size released)", s.Bytes)
	}
}

func TestMemoryDeleteByPrefix(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(10, 1<<20)

	m.Set(ctx, "aaaa/original", entry("1"), time.Minute)
	m.Set(ctx, "aaaa/w100", entry("2"), time.Minute)
	m.Set(ctx, "bbbb/original", entry("3"), time.Minute)

	m.DeleteByPrefix(ctx, "aaaa/")

	if _, ok := m.Get(ctx, "aaaa/original"); ok {
		t.Error("aaaa/original should be purged")
	}
	if _, ok := m.Get(ctx, "aaaa/w100"); ok {
		t.Error("aaaa/w100 should be purged")
	}
	if _, ok := m.Get(ctx, "bbbb/original"); !ok {
		t.Error("bbbb/original should survive a foreign prefix purge")
	}
}

func TestMemoryHealthAndName(t *testing.T) {
	m := NewMemory(0, 0)
	if err := m.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() = %v", err)
	}
	if m.Name() != "memory" {
		t.Errorf("Name() = %q", m.Name())
	}
}

func TestMemoryConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(50, 1<<20)

	done := make(chan struct{})
	for g := 0; g < 8; g++ {
		go func(g int) {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("k%d", i%20)
				m.Set(ctx, key, entry("payload"), time.Minute)
				m.Get(ctx, key)
				if i%50 == 0 {
					m.DeleteByPrefix(ctx, "k1")
				}
			}
		}(g)
	}
	for g := 0; g < 8; g++ {
		<-done
	}
}
