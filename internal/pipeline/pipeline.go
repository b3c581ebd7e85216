// SPDX-License-Identifier: MIT

// Package pipeline orchestrates the cache tiers: edge probe, persistent
// probe, then a single-flighted origin fetch with optimization. It is
// the only component that sees all tiers at once.
package pipeline

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/imgvault/imgvault/internal/cache"
	"github.com/imgvault/imgvault/internal/cachekey"
	"github.com/imgvault/imgvault/internal/imgerr"
	"github.com/imgvault/imgvault/internal/log"
	"github.com/imgvault/imgvault/internal/metrics"
	"github.com/imgvault/imgvault/internal/optimize"
	"github.com/imgvault/imgvault/internal/ratelimit"
	"github.com/imgvault/imgvault/internal/storage"
	"github.com/imgvault/imgvault/internal/upstream"
)

// Tier names reported in X-Cache-Tier.
type Tier string

const (
	TierEdge       Tier = "L2_EDGE"
	TierPersistent Tier = "L3_PERSISTENT"
	TierOrigin     Tier = "ORIGIN"
)

// ErrorMode controls how fetcher errors surface to the client.
type ErrorMode int

const (
	// ModeRelay returns fetcher errors verbatim with their HTTP status.
	ModeRelay ErrorMode = iota

	// ModeCacheMiss rewrites upstream 403/404/502 to 404 IMAGE_NOT_CACHED.
	// The stable-path route uses it: without the signed URL the only
	// recovery is priming the cache through the explicit-URL route.
	ModeCacheMiss
)

// Request is one image lookup.
type Request struct {
	// CacheBaseURL is the identity used for cache keying: the upstream
	// URL stripped of its volatile query string.
	CacheBaseURL string

	// UpstreamURL is what gets fetched on a miss (usually the full
	// signed URL).
	UpstreamURL string

	// Opts are the transform directives before content negotiation.
	Opts cachekey.Options

	// Accept is the client's Accept header, consulted for negotiation.
	Accept string

	// Parse results carried into the stored metadata, when known.
	WorkspaceID string
	BlockID     string
}

// Response is a resolved image.
type Response struct {
	Bytes       []byte
	ContentType string
	Tier        Tier
	Key         string

	// OriginalSize is the upstream byte count before optimization.
	// Set only on ORIGIN responses.
	OriginalSize int64
}

// Config wires the pipeline's collaborators.
type Config struct {
	Edge    cache.Cache
	Store   storage.Backend
	Fetcher *upstream.Fetcher

	// Origin throttles upstream fetches; nil disables.
	Origin *ratelimit.Origin

	// EdgeTTL is the lifetime of L2 entries.
	EdgeTTL time.Duration

	// WriteQueueSize and Writers size the background write machinery.
	// Zero values take defaults (256 jobs, 4 workers).
	WriteQueueSize int
	Writers        int
}

// flightResult is the value shared between a single-flight leader and
// its followers.
type flightResult struct {
	bytes        []byte
	contentType  string
	originalSize int64
}

// Pipeline resolves image requests through the tier chain.
type Pipeline struct {
	edge    cache.Cache
	store   storage.Backend
	fetcher *upstream.Fetcher
	origin  *ratelimit.Origin
	edgeTTL time.Duration

	sf     singleflight.Group
	writes *writeQueue
	logger zerolog.Logger
}

// New builds a pipeline and starts its background writers.
func New(cfg Config) *Pipeline {
	if cfg.EdgeTTL <= 0 {
		cfg.EdgeTTL = time.Hour
	}
	logger := log.WithComponent("pipeline")
	return &Pipeline{
		edge:    cfg.Edge,
		store:   cfg.Store,
		fetcher: cfg.Fetcher,
		origin:  cfg.Origin,
		edgeTTL: cfg.EdgeTTL,
		writes:  newWriteQueue(cfg.WriteQueueSize, cfg.Writers, logger),
		logger:  logger,
	}
}

// Close drains the background write queue. New writes enqueued after
// Close are dropped.
func (p *Pipeline) Close(ctx context.Context) error {
	return p.writes.close(ctx)
}

// Handle resolves one request through L2 → L3 → origin.
func (p *Pipeline) Handle(ctx context.Context, req Request, mode ErrorMode) (*Response, error) {
	opts := optimize.Negotiate(req.Accept, req.Opts)
	key := cachekey.Key(req.CacheBaseURL, opts)
	logger := log.WithContext(ctx, p.logger)

	// L2 probe. Read failures inside the cache degrade to a miss.
	if e, ok := p.edge.Get(ctx, key); ok {
		metrics.RequestsTotal.WithLabelValues(string(TierEdge)).Inc()
		return &Response{Bytes: e.Bytes, ContentType: e.ContentType, Tier: TierEdge, Key: key}, nil
	}

	// L3 probe. Only a benign not-found falls through to the origin;
	// an unreachable store is a real failure the client must see.
	obj, err := p.store.Get(ctx, key)
	switch {
	case err == nil:
		p.writes.enqueue(writeJob{kind: "l2.backfill", run: func(ctx context.Context) error {
			p.edge.Set(ctx, key, &cache.Entry{
				Bytes:       obj.Bytes,
				ContentType: obj.Meta.ContentType,
				CachedAt:    time.Now().UTC(),
			}, p.edgeTTL)
			return nil
		}})
		metrics.RequestsTotal.WithLabelValues(string(TierPersistent)).Inc()
		return &Response{Bytes: obj.Bytes, ContentType: obj.Meta.ContentType, Tier: TierPersistent, Key: key}, nil
	case !errors.Is(err, storage.ErrNotFound):
		logger.Error().Err(err).Str(log.FieldCacheKey, key).Msg("persistent store read failed")
		return nil, imgerr.Wrap(err, http.StatusInternalServerError, imgerr.CodeInternal)
	}

	// Miss: coalesce concurrent work on the same key. The leader runs
	// fetch+optimize once; followers share the outcome, errors included.
	// Leadership is detected by the closure actually running: the shared
	// return of Do is true for the leader too once any follower joins,
	// so it cannot distinguish the two roles.
	leader := false
	v, err, _ := p.sf.Do(key, func() (any, error) {
		leader = true
		return p.fetchAndStore(ctx, req, opts, key)
	})
	if err != nil {
		return nil, p.mapError(err, mode)
	}
	res := v.(*flightResult)

	tier := TierEdge
	var origSize int64
	if leader {
		tier = TierOrigin
		origSize = res.originalSize
	} else {
		// Followers effectively received an in-memory hit.
		metrics.SingleflightFollowersTotal.Inc()
	}
	metrics.RequestsTotal.WithLabelValues(string(tier)).Inc()

	return &Response{
		Bytes:        res.bytes,
		ContentType:  res.contentType,
		Tier:         tier,
		Key:          key,
		OriginalSize: origSize,
	}, nil
}

// fetchAndStore is the single-flight leader's work: origin fetch,
// optimization, then fire-and-forget writes to both cache tiers.
func (p *Pipeline) fetchAndStore(ctx context.Context, req Request, opts cachekey.Options, key string) (*flightResult, error) {
	if !p.origin.Allow() {
		return nil, imgerr.New(http.StatusTooManyRequests, imgerr.CodeRateLimitExceeded,
			"origin fetch budget exhausted, retry later")
	}

	// The leader's work must survive its own client disconnecting:
	// followers may still be waiting on the outcome. The fetcher applies
	// its own deadline on top.
	fetchCtx := context.WithoutCancel(ctx)

	metrics.UpstreamFetchesTotal.Inc()
	fetched, err := p.fetcher.Fetch(fetchCtx, req.UpstreamURL)
	if err != nil {
		metrics.UpstreamErrorsTotal.WithLabelValues(string(imgerr.FromError(err).Code)).Inc()
		return nil, err
	}

	body := fetched.Bytes
	contentType := fetched.ContentType
	originalSize := int64(len(fetched.Bytes))

	var width, height int
	optimized, optErr := optimize.Optimize(fetched.Bytes, opts)
	if optErr != nil {
		// Optimizer failures are never surfaced: serve the original.
		metrics.OptimizeFailuresTotal.Inc()
		p.logger.Warn().Err(optErr).
			Str(log.FieldCacheKey, key).
			Str(log.FieldContentType, contentType).
			Msg("optimization failed, serving original bytes")
	} else {
		body = optimized.Bytes
		contentType = optimized.ContentType
		width = optimized.Width
		height = optimized.Height
	}

	meta := storage.Metadata{
		OriginalURL:  req.CacheBaseURL,
		ContentType:  contentType,
		OriginalSize: originalSize,
		CachedSize:   int64(len(body)),
		Width:        width,
		Height:       height,
		WorkspaceID:  req.WorkspaceID,
		BlockID:      req.BlockID,
		CachedAt:     time.Now().UTC(),
	}

	p.writes.enqueue(writeJob{kind: "l3.put", run: func(ctx context.Context) error {
		if err := p.store.Put(ctx, key, body, meta); err != nil {
			metrics.StorageWriteFailuresTotal.Inc()
			p.logger.Error().Err(err).
				Str(log.FieldCacheKey, key).
				Str("event", "storage.write_failed").
				Str("kind", "infrastructure_degraded").
				Msg("persistent store write failed")
		}
		return nil
	}})
	p.writes.enqueue(writeJob{kind: "l2.set", run: func(ctx context.Context) error {
		p.edge.Set(ctx, key, &cache.Entry{
			Bytes:       body,
			ContentType: contentType,
			CachedAt:    meta.CachedAt,
		}, p.edgeTTL)
		return nil
	}})

	return &flightResult{bytes: body, contentType: contentType, originalSize: originalSize}, nil
}

// mapError applies the error mode to a fetch failure.
func (p *Pipeline) mapError(err error, mode ErrorMode) error {
	if mode != ModeCacheMiss {
		return err
	}
	e := imgerr.FromError(err)
	switch e.Status {
	case http.StatusForbidden, http.StatusNotFound, http.StatusBadGateway:
		return imgerr.New(http.StatusNotFound, imgerr.CodeImageNotCached,
			"image is not cached; prime it via /api/v1/proxy with the signed URL first")
	}
	return err
}

// Purge removes every variant of one source image from both tiers. The
// edge purge is best-effort; the persistent purge decides the outcome.
func (p *Pipeline) Purge(ctx context.Context, baseURL string) (int, error) {
	prefix := cachekey.Prefix(baseURL)

	p.edge.DeleteByPrefix(ctx, prefix)

	n, err := p.store.DeleteByPrefix(ctx, prefix)
	if err != nil {
		metrics.PurgesTotal.WithLabelValues("error").Inc()
		return 0, imgerr.Wrap(err, http.StatusInternalServerError, imgerr.CodePurgeFailed)
	}
	metrics.PurgesTotal.WithLabelValues("ok").Inc()
	p.logger.Info().
		Str("prefix", prefix).
		Int("variants", n).
		Msg("cache purged by prefix")
	return n, nil
}
