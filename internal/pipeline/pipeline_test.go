// SPDX-License-Identifier: MIT

package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/imgvault/imgvault/internal/cache"
	"github.com/imgvault/imgvault/internal/cachekey"
	"github.com/imgvault/imgvault/internal/imgerr"
	"github.com/imgvault/imgvault/internal/ratelimit"
	"github.com/imgvault/imgvault/internal/storage"
	"github.com/imgvault/imgvault/internal/upstream"
)

func testImage(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, color.RGBA{R: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// memStore is an in-memory Backend for tests that need failure
// injection or no filesystem.
type memStore struct {
	mu      sync.Mutex
	objects map[string]*storage.Object
	getErr  error
}

func newMemStore() *memStore {
	return &memStore{objects: make(map[string]*storage.Object)}
}

func (m *memStore) Get(_ context.Context, key string) (*storage.Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	obj, ok := m.objects[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return obj, nil
}

func (m *memStore) Put(_ context.Context, key string, b []byte, meta storage.Metadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = &storage.Object{Bytes: b, Meta: meta}
	return nil
}

func (m *memStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *memStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *memStore) DeleteByPrefix(_ context.Context, prefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			delete(m.objects, k)
			n++
		}
	}
	return n, nil
}

func (m *memStore) HealthCheck(context.Context) error { return nil }
func (m *memStore) Name() string                      { return "mem" }

type testEnv struct {
	pipeline *Pipeline
	edge     *cache.Memory
	store    *memStore
	origin   *httptest.Server
	hits     *atomic.Int64
}

func newTestEnv(t *testing.T, handler http.HandlerFunc) *testEnv {
	t.Helper()
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	edge := cache.NewMemory(100, 1<<20)
	store := newMemStore()
	p := New(Config{
		Edge:    edge,
		Store:   store,
		Fetcher: upstream.New(upstream.Config{Timeout: 5 * time.Second, MaxBytes: 1 << 20}),
		EdgeTTL: time.Minute,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Close(ctx)
	})
	return &testEnv{pipeline: p, edge: edge, store: store, origin: srv, hits: &hits}
}

func serveImage(t *testing.T) http.HandlerFunc {
	body := testImage(t)
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(body)
	}
}

// waitForKey polls until both tiers hold the key; the post-response
// writes are fire-and-forget so tests have to wait for them to land.
func waitForKey(t *testing.T, env *testEnv, key string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, inEdge := env.edge.Get(context.Background(), key)
		inStore, _ := env.store.Exists(context.Background(), key)
		if inEdge && inStore {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("key %s never landed in both tiers", key)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMissThenHit(t *testing.T) {
	env := newTestEnv(t, serveImage(t))
	ctx := context.Background()
	req := Request{CacheBaseURL: env.origin.URL + "/a.png", UpstreamURL: env.origin.URL + "/a.png"}

	first, err := env.pipeline.Handle(ctx, req, ModeRelay)
	require.NoError(t, err)
	assert.Equal(t, TierOrigin, first.Tier)
	assert.Equal(t, "image/png", first.ContentType)
	assert.Positive(t, first.OriginalSize)

	waitForKey(t, env, first.Key)

	second, err := env.pipeline.Handle(ctx, req, ModeRelay)
	require.NoError(t, err)
	assert.Equal(t, TierEdge, second.Tier)
	assert.Equal(t, first.Bytes, second.Bytes)
	assert.Zero(t, second.OriginalSize, "hits must not report original size")

	assert.Equal(t, int64(1), env.hits.Load(), "second request must not touch the origin")
}

func TestPersistentTierHitBackfillsEdge(t *testing.T) {
	env := newTestEnv(t, serveImage(t))
	ctx := context.Background()
	req := Request{CacheBaseURL: env.origin.URL + "/a.png", UpstreamURL: env.origin.URL + "/a.png"}

	first, err := env.pipeline.Handle(ctx, req, ModeRelay)
	require.NoError(t, err)
	waitForKey(t, env, first.Key)

	// Drop the edge entry; the persistent tier must answer and refill it.
	env.edge.Delete(ctx, first.Key)

	second, err := env.pipeline.Handle(ctx, req, ModeRelay)
	require.NoError(t, err)
	assert.Equal(t, TierPersistent, second.Tier)
	assert.Equal(t, first.Bytes, second.Bytes)

	// Backfill is async.
	require.Eventually(t, func() bool {
		_, ok := env.edge.Get(ctx, first.Key)
		return ok
	}, 2*time.Second, 5*time.Millisecond, "edge never backfilled from L3")
}

func TestSingleFlightColdCache(t *testing.T) {
	release := make(chan struct{})
	body := testImage(t)
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(body)
	})
	ctx := context.Background()
	req := Request{CacheBaseURL: env.origin.URL + "/a.png", UpstreamURL: env.origin.URL + "/a.png"}

	const n = 50
	var wg sync.WaitGroup
	responses := make([]*Response, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			responses[i], errs[i] = env.pipeline.Handle(ctx, req, ModeRelay)
		}(i)
	}

	// Give every goroutine time to join the flight, then let the leader go.
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), env.hits.Load(), "exactly one upstream fetch across all callers")

	origins := 0
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, responses[0].Bytes, responses[i].Bytes, "all callers share identical bytes")
		if responses[i].Tier == TierOrigin {
			origins++
			assert.Positive(t, responses[i].OriginalSize, "the leader reports the upstream byte count")
		} else {
			assert.Equal(t, TierEdge, responses[i].Tier)
			assert.Zero(t, responses[i].OriginalSize, "followers must not report an original size")
		}
	}
	assert.Equal(t, 1, origins, "exactly one caller is the leader")
}

func TestSingleFlightSharesErrors(t *testing.T) {
	release := make(chan struct{})
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusInternalServerError)
	})
	ctx := context.Background()
	req := Request{CacheBaseURL: env.origin.URL + "/a.png", UpstreamURL: env.origin.URL + "/a.png"}

	const n = 10
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.pipeline.Handle(ctx, req, ModeRelay)
		}(i)
	}
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), env.hits.Load(), "failure is shared, not retried per caller")
	for i := 0; i < n; i++ {
		require.Error(t, errs[i])
		assert.True(t, imgerr.IsCode(errs[i], imgerr.CodeUpstreamError))
	}
}

func TestRelayModePreservesUpstreamStatus(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	req := Request{CacheBaseURL: env.origin.URL + "/a.png", UpstreamURL: env.origin.URL + "/a.png"}

	_, err := env.pipeline.Handle(context.Background(), req, ModeRelay)
	require.Error(t, err)
	e := imgerr.FromError(err)
	assert.Equal(t, http.StatusNotFound, e.Status)
	assert.Equal(t, imgerr.CodeUpstreamError, e.Code)
}

func TestCacheMissModeRewritesUpstreamErrors(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden) // remapped to 502 by the fetcher
	})
	req := Request{CacheBaseURL: env.origin.URL + "/a.png", UpstreamURL: env.origin.URL + "/a.png"}

	_, err := env.pipeline.Handle(context.Background(), req, ModeCacheMiss)
	require.Error(t, err)
	e := imgerr.FromError(err)
	assert.Equal(t, http.StatusNotFound, e.Status)
	assert.Equal(t, imgerr.CodeImageNotCached, e.Code)
	assert.Contains(t, e.Message, "prime")
}

func TestOptimizerFailureFallsBackToOriginal(t *testing.T) {
	// Claims to be an image but does not decode; the transform request
	// must still be served with the fetched bytes.
	garbage := []byte("definitely not a png")
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(garbage)
	})
	req := Request{
		CacheBaseURL: env.origin.URL + "/a.png",
		UpstreamURL:  env.origin.URL + "/a.png",
		Opts:         cachekey.Options{Width: 50},
	}

	res, err := env.pipeline.Handle(context.Background(), req, ModeRelay)
	require.NoError(t, err)
	assert.Equal(t, garbage, res.Bytes)
	assert.Equal(t, "image/png", res.ContentType)
}

func TestTransformVariantsGetDistinctKeys(t *testing.T) {
	env := newTestEnv(t, serveImage(t))
	ctx := context.Background()
	base := env.origin.URL + "/a.png"

	plain, err := env.pipeline.Handle(ctx, Request{CacheBaseURL: base, UpstreamURL: base}, ModeRelay)
	require.NoError(t, err)

	resized, err := env.pipeline.Handle(ctx, Request{
		CacheBaseURL: base, UpstreamURL: base,
		Opts: cachekey.Options{Width: 4, Format: "png"},
	}, ModeRelay)
	require.NoError(t, err)

	assert.NotEqual(t, plain.Key, resized.Key)
	assert.True(t, strings.HasPrefix(plain.Key, cachekey.Prefix(base)))
	assert.True(t, strings.HasPrefix(resized.Key, cachekey.Prefix(base)))
	assert.Equal(t, int64(2), env.hits.Load(), "distinct variants fetch independently")
}

func TestPurgeInvalidatesAllVariants(t *testing.T) {
	env := newTestEnv(t, serveImage(t))
	ctx := context.Background()
	base := env.origin.URL + "/a.png"
	req := Request{CacheBaseURL: base, UpstreamURL: base}

	first, err := env.pipeline.Handle(ctx, req, ModeRelay)
	require.NoError(t, err)
	waitForKey(t, env, first.Key)

	n, err := env.pipeline.Purge(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	again, err := env.pipeline.Handle(ctx, req, ModeRelay)
	require.NoError(t, err)
	assert.Equal(t, TierOrigin, again.Tier, "purged image must refetch from origin")
	assert.Equal(t, int64(2), env.hits.Load())
}

func TestOriginLimiterRejectsMisses(t *testing.T) {
	env := newTestEnv(t, serveImage(t))
	// Swap in a zero-burst limiter that denies immediately.
	env.pipeline.origin = ratelimit.NewOrigin(0.0001, 1)
	require.True(t, env.pipeline.origin.Allow()) // burn the only token

	req := Request{CacheBaseURL: env.origin.URL + "/a.png", UpstreamURL: env.origin.URL + "/a.png"}
	_, err := env.pipeline.Handle(context.Background(), req, ModeRelay)
	require.Error(t, err)
	assert.True(t, imgerr.IsCode(err, imgerr.CodeRateLimitExceeded))
	assert.Equal(t, int64(0), env.hits.Load())
}

func TestStoreReadErrorSurfaces(t *testing.T) {
	env := newTestEnv(t, serveImage(t))
	env.store.getErr = errors.New("disk on fire")

	req := Request{CacheBaseURL: env.origin.URL + "/a.png", UpstreamURL: env.origin.URL + "/a.png"}
	_, err := env.pipeline.Handle(context.Background(), req, ModeRelay)
	require.Error(t, err)
	assert.True(t, imgerr.IsCode(err, imgerr.CodeInternal))
	assert.Equal(t, int64(0), env.hits.Load(), "a broken store must not mask itself as a miss")
}

func TestCloseDrainsWritersCleanly(t *testing.T) {
	defer goleak.VerifyNone(t)

	edge := cache.NewMemory(10, 1<<20)
	store := newMemStore()
	key := cachekey.Key("https://example.com/a.png", cachekey.Options{})
	require.NoError(t, store.Put(context.Background(), key, []byte("x"),
		storage.Metadata{ContentType: "image/png"}))

	p := New(Config{Edge: edge, Store: store, EdgeTTL: time.Minute})

	// An L3 hit enqueues a backfill; Close must wait for it.
	res, err := p.Handle(context.Background(), Request{CacheBaseURL: "https://example.com/a.png"}, ModeRelay)
	require.NoError(t, err)
	assert.Equal(t, TierPersistent, res.Tier)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Close(ctx))

	_, ok := edge.Get(context.Background(), key)
	assert.True(t, ok, "backfill must complete before Close returns")
}
