// SPDX-License-Identifier: MIT

package cache

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/imgvault/imgvault/internal/log"
)

// namespace prefixes every Redis key so the cache can share an instance
// with co-tenants.
const namespace = "imgvault:l2:"

// opTimeout bounds a single Redis round trip. The edge tier must never
// stall a request waiting on a degraded backend.
const opTimeout = 2 * time.Second

// header is the JSON prelude stored in front of the image payload.
type header struct {
	ContentType string    `json:"contentType"`
	CachedAt    time.Time `json:"cachedAt"`
}

// Redis is the shared edge-cache variant. Every operation is
// best-effort: I/O failures are logged and behave as a miss or no-op.
type Redis struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewRedis connects to the URL (redis://host:port/db). The initial ping
// failing is an error: a misconfigured cache should surface at startup,
// not degrade silently forever.
func NewRedis(ctx context.Context, url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = opTimeout
	opts.WriteTimeout = opTimeout

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &Redis{
		client: client,
		logger: log.WithComponent("cache.redis"),
	}, nil
}

// Get returns the entry for key, or a miss on any failure.
func (r *Redis) Get(ctx context.Context, key string) (*Entry, bool) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	raw, err := r.client.Get(ctx, namespace+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.logger.Warn().Err(err).Str(log.FieldCacheKey, key).
				Msg("edge cache read failed, treating as miss")
		}
		return nil, false
	}

	e, err := decodeEntry(raw)
	if err != nil {
		// A corrupt value is unreadable forever; drop it.
		r.logger.Warn().Err(err).Str(log.FieldCacheKey, key).
			Msg("corrupt edge cache value, evicting")
		r.client.Del(ctx, namespace+key)
		return nil, false
	}
	return e, true
}

// Set stores the entry with the TTL. Failures are logged and swallowed.
func (r *Redis) Set(ctx context.Context, key string, e *Entry, ttl time.Duration) {
	if e == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	raw, err := encodeEntry(e)
	if err != nil {
		r.logger.Warn().Err(err).Str(log.FieldCacheKey, key).Msg("encode edge cache entry failed")
		return
	}
	if err := r.client.Set(ctx, namespace+key, raw, ttl).Err(); err != nil {
		r.logger.Warn().Err(err).Str(log.FieldCacheKey, key).Msg("edge cache write failed")
	}
}

// Delete removes one key, best-effort.
func (r *Redis) Delete(ctx context.Context, key string) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := r.client.Del(ctx, namespace+key).Err(); err != nil {
		r.logger.Warn().Err(err).Str(log.FieldCacheKey, key).Msg("edge cache delete failed")
	}
}

// DeleteByPrefix walks the keyspace with SCAN and deletes every match.
// Best-effort: a partial purge leaves stale edge entries that expire on
// TTL anyway.
func (r *Redis) DeleteByPrefix(ctx context.Context, prefix string) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	iter := r.client.Scan(ctx, 0, namespace+prefix+"*", 100).Iterator()
	batch := make([]string, 0, 100)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := r.client.Del(ctx, batch...).Err(); err != nil {
			r.logger.Warn().Err(err).Int("keys", len(batch)).Msg("edge cache prefix delete failed")
		}
		batch = batch[:0]
	}
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == 100 {
			flush()
		}
	}
	flush()
	if err := iter.Err(); err != nil {
		r.logger.Warn().Err(err).Str("prefix", prefix).Msg("edge cache scan failed")
	}
}

// HealthCheck pings the server.
func (r *Redis) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return r.client.Ping(ctx).Err()
}

// Name identifies the variant.
func (r *Redis) Name() string { return "redis" }

// Close releases the connection pool.
func (r *Redis) Close() error { return r.client.Close() }

// encodeEntry renders an entry as a 4-byte big-endian header length, the
// JSON header, then the raw image bytes. The image payload is stored
// verbatim so large values never pass through a JSON encoder.
func encodeEntry(e *Entry) ([]byte, error) {
	h, err := json.Marshal(header{ContentType: e.ContentType, CachedAt: e.CachedAt})
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 4+len(h)+len(e.Bytes))
	binary.BigEndian.PutUint32(buf, uint32(len(h)))
	copy(buf[4:], h)
	copy(buf[4+len(h):], e.Bytes)
	return buf, nil
}

func decodeEntry(raw []byte) (*Entry, error) {
	if len(raw) < 4 {
		return nil, fmt.Errorf("value truncated: %d bytes", len(raw))
	}
	hlen := binary.BigEndian.Uint32(raw)
	if int(hlen) > len(raw)-4 {
		return nil, fmt.Errorf("header length %d exceeds value size %d", hlen, len(raw))
	}
	var h header
	if err := json.Unmarshal(raw[4:4+hlen], &h); err != nil {
		return nil, fmt.Errorf("decode header: %w", err)
	}
	return &Entry{
		Bytes:       raw[4+hlen:],
		ContentType: h.ContentType,
		CachedAt:    h.CachedAt,
	}, nil
}
