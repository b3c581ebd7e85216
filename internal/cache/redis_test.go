// SPDX-License-Identifier: MIT

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	r, err := NewRedis(context.Background(), "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r, mr
}

func TestRedisRoundTrip(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRedis(t)

	e := &Entry{Bytes: []byte{0x89, 'P', 'N', 'G', 0x00, 0xFF}, ContentType: "image/png", CachedAt: time.Now().UTC()}
	r.Set(ctx, "abc/original", e, time.Minute)

	got, ok := r.Get(ctx, "abc/original")
	if !ok {
		t.Fatal("expected hit")
	}
	if string(got.Bytes) != string(e.Bytes) {
		t.Errorf("bytes mismatch: %v", got.Bytes)
	}
	if got.ContentType != "image/png" {
		t.Errorf("content type = %q", got.ContentType)
	}
	if !got.CachedAt.Equal(e.CachedAt) {
		t.Errorf("cachedAt = %v, want %v", got.CachedAt, e.CachedAt)
	}
}

func TestRedisNamespacing(t *testing.T) {
	ctx := context.Background()
	r, mr := newTestRedis(t)

	r.Set(ctx, "key1", entry("x"), time.Minute)

	if !mr.Exists(namespace + "key1") {
		t.Error("stored key must carry the namespace prefix")
	}
	if mr.Exists("key1") {
		t.Error("raw key must not appear without namespace")
	}
}

func TestRedisTTLExpiry(t *testing.T) {
	ctx := context.Background()
	r, mr := newTestRedis(t)

	r.Set(ctx, "k", entry("x"), time.Minute)
	if _, ok := r.Get(ctx, "k"); !ok {
		t.Fatal("expected hit before expiry")
	}

	mr.FastForward(2 * time.Minute)

	if _, ok := r.Get(ctx, "k"); ok {
		t.Fatal("expected miss after TTL fast-forward")
	}
}

func TestRedisMissAndDelete(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRedis(t)

	if _, ok := r.Get(ctx, "absent"); ok {
		t.Fatal("expected miss")
	}

	r.Set(ctx, "k", entry("x"), time.Minute)
	r.Delete(ctx, "k")
	if _, ok := r.Get(ctx, "k"); ok {
		t.Fatal("expected miss after delete")
	}
}

func TestRedisDeleteByPrefix(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRedis(t)

	r.Set(ctx, "aaaa/original", entry("1"), time.Minute)
	r.Set(ctx, "aaaa/w100_fwebp", entry("2"), time.Minute)
	r.Set(ctx, "bbbb/original", entry("3"), time.Minute)

	r.DeleteByPrefix(ctx, "aaaa/")

	if _, ok := r.Get(ctx, "aaaa/original"); ok {
		t.Error("aaaa/original should be purged")
	}
	if _, ok := r.Get(ctx, "aaaa/w100_fwebp"); ok {
		t.Error("aaaa/w100_fwebp should be purged")
	}
	if _, ok := r.Get(ctx, "bbbb/original"); !ok {
		t.Error("bbbb/original should survive")
	}
}

func TestRedisCorruptValueEvicted(t *testing.T) {
	ctx := context.Background()
	r, mr := newTestRedis(t)

	if err := mr.Set(namespace+"bad", "xx"); err != nil {
		t.Fatal(err)
	}
	if _, ok := r.Get(ctx, "bad"); ok {
		t.Fatal("corrupt value must be a miss")
	}
	if mr.Exists(namespace + "bad") {
		t.Error("corrupt value should be evicted on read")
	}
}

func TestRedisDegradedBackendIsMiss(t *testing.T) {
	ctx := context.Background()
	r, mr := newTestRedis(t)

	mr.Close()

	// Every operation must degrade to miss/no-op, never panic or error.
	r.Set(ctx, "k", entry("x"), time.Minute)
	if _, ok := r.Get(ctx, "k"); ok {
		t.Fatal("expected miss from degraded backend")
	}
	r.Delete(ctx, "k")
	r.DeleteByPrefix(ctx, "k")
	if err := r.HealthCheck(ctx); err == nil {
		t.Error("health check should fail when the backend is down")
	}
}

func TestRedisHealthAndName(t *testing.T) {
	r, _ := newTestRedis(t)
	if err := r.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() = %v", err)
	}
	if r.Name() != "redis" {
		t.Errorf("Name() = %q", r.Name())
	}
}

func TestEntryCodecBounds(t *testing.T) {
	if _, err := decodeEntry([]byte{0, 0}); err == nil {
		t.Error("truncated value must fail to decode")
	}
	if _, err := decodeEntry([]byte{0xFF, 0xFF, 0xFF, 0xFF, 'x'}); err == nil {
		t.Error("header length past the buffer must fail to decode")
	}
}
