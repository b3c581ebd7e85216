// SPDX-License-Identifier: MIT

// Package config assembles the runtime configuration from environment
// variables. Invalid startup configuration is fatal; invalid values for
// optional tuning knobs fall back to defaults with a warning.
package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Storage backend identifiers accepted by STORAGE_BACKEND.
const (
	BackendFS = "fs"
	BackendS3 = "s3"
	BackendR2 = "r2"
)

// DefaultAllowedDomains is the shipped allowlist: the upstream hostname
// families that serve raw image bytes. ALLOWED_DOMAINS replaces it entirely.
var DefaultAllowedDomains = []string{
	"prod-files-secure.s3.us-west-2.amazonaws.com",
	"s3.us-west-2.amazonaws.com",
	"file.notion.so",
}

const (
	defaultPort               = 8080
	defaultHost               = "0.0.0.0"
	defaultCacheDir           = "./cache"
	defaultMaxImageSizeBytes  = 25 << 20 // 25 MiB
	defaultUpstreamTimeoutMS  = 15000
	defaultRateLimitPerMinute = 100
	defaultCacheTTL           = 24 * time.Hour
	defaultEdgeTTL            = time.Hour
	defaultEdgeMaxEntries     = 1000
	defaultEdgeMaxBytes       = 512 << 20 // 512 MiB
)

// App is the fully resolved runtime configuration.
type App struct {
	// ListenAddr is the HOST:PORT the API server binds to.
	ListenAddr string

	// LogLevel is the zerolog level name ("debug", "info", ...).
	LogLevel string

	// StorageBackend selects the persistent store: fs, s3 or r2.
	StorageBackend string

	// CacheDir is the filesystem store root (fs backend).
	CacheDir string

	// RedisURL enables the shared edge cache when non-empty.
	RedisURL string

	// Object store settings (s3 and r2 backends).
	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string

	// AllowedDomains is the upstream host allowlist (exact match).
	AllowedDomains []string

	// MaxImageSizeBytes caps upstream response bodies.
	MaxImageSizeBytes int64

	// UpstreamTimeout bounds a single origin fetch including redirects.
	UpstreamTimeout time.Duration

	// RateLimitPerMinute is the per-client API request budget. 0 disables.
	RateLimitPerMinute int

	// OriginRateLimit caps origin fetches per second across all clients.
	// 0 disables. OriginRateBurst is the token bucket depth.
	OriginRateLimit float64
	OriginRateBurst int

	// CORSOrigins lists allowed CORS origins; ["*"] allows any.
	CORSOrigins []string

	// APIKeysEnabled gates the /api/v1 routes behind X-API-Key. The
	// embeddable /img surface is never gated.
	APIKeysEnabled bool
	APIKeys        []string

	// CacheTTL is the persistent-entry advertised TTL (s-maxage).
	CacheTTL time.Duration

	// EdgeTTL is the L2 entry lifetime.
	EdgeTTL time.Duration

	// Edge cache bounds (in-process LRU variant).
	EdgeMaxEntries int
	EdgeMaxBytes   int64

	// MetricsListen is the Prometheus listener address; empty disables it.
	MetricsListen string
}

// Load reads the full configuration from the environment.
func Load() App {
	host := ParseString("HOST", defaultHost)
	port := ParseInt("PORT", defaultPort)

	upstreamMS := ParseInt("UPSTREAM_TIMEOUT_MS", defaultUpstreamTimeoutMS)
	if upstreamMS <= 0 {
		upstreamMS = defaultUpstreamTimeoutMS
	}

	cacheTTLSeconds := ParseInt("CACHE_TTL_SECONDS", int(defaultCacheTTL/time.Second))
	if cacheTTLSeconds <= 0 {
		cacheTTLSeconds = int(defaultCacheTTL / time.Second)
	}
	edgeTTLSeconds := ParseInt("EDGE_TTL_SECONDS", int(defaultEdgeTTL/time.Second))
	if edgeTTLSeconds <= 0 {
		edgeTTLSeconds = int(defaultEdgeTTL / time.Second)
	}

	originLimit := 0.0
	if v := ParseInt("ORIGIN_RATE_LIMIT", 0); v > 0 {
		originLimit = float64(v)
	}

	return App{
		ListenAddr:         net.JoinHostPort(host, strconv.Itoa(port)),
		LogLevel:           ParseString("LOG_LEVEL", "info"),
		StorageBackend:     strings.ToLower(ParseString("STORAGE_BACKEND", BackendFS)),
		CacheDir:           ParseString("CACHE_DIR", defaultCacheDir),
		RedisURL:           ParseString("REDIS_URL", ""),
		S3Bucket:           ParseString("S3_BUCKET", ""),
		S3Region:           ParseString("S3_REGION", ""),
		S3Endpoint:         ParseString("S3_ENDPOINT", ""),
		S3AccessKey:        ParseString("S3_ACCESS_KEY", ""),
		S3SecretKey:        ParseString("S3_SECRET_KEY", ""),
		AllowedDomains:     ParseStringSlice("ALLOWED_DOMAINS", DefaultAllowedDomains),
		MaxImageSizeBytes:  ParseInt64("MAX_IMAGE_SIZE_BYTES", defaultMaxImageSizeBytes),
		UpstreamTimeout:    time.Duration(upstreamMS) * time.Millisecond,
		RateLimitPerMinute: ParseInt("RATE_LIMIT_PER_MINUTE", defaultRateLimitPerMinute),
		OriginRateLimit:    originLimit,
		OriginRateBurst:    ParseInt("ORIGIN_RATE_BURST", 10),
		CORSOrigins:        ParseStringSlice("CORS_ORIGINS", []string{"*"}),
		APIKeysEnabled:     ParseBool("API_KEYS_ENABLED", false),
		APIKeys:            ParseStringSlice("API_KEYS", nil),
		CacheTTL:           time.Duration(cacheTTLSeconds) * time.Second,
		EdgeTTL:            time.Duration(edgeTTLSeconds) * time.Second,
		EdgeMaxEntries:     ParseInt("EDGE_CACHE_MAX_ENTRIES", defaultEdgeMaxEntries),
		EdgeMaxBytes:       ParseInt64("EDGE_CACHE_MAX_BYTES", defaultEdgeMaxBytes),
		MetricsListen:      ParseString("METRICS_LISTEN", ""),
	}
}

// Validate checks startup invariants. A non-nil error is fatal: the daemon
// must refuse to start rather than run half-configured.
func (a App) Validate() error {
	switch a.StorageBackend {
	case BackendFS:
		if strings.TrimSpace(a.CacheDir) == "" {
			return fmt.Errorf("storage backend %q requires CACHE_DIR", a.StorageBackend)
		}
	case BackendS3, BackendR2:
		if strings.TrimSpace(a.S3Bucket) == "" {
			return fmt.Errorf("storage backend %q requires S3_BUCKET", a.StorageBackend)
		}
		if strings.TrimSpace(a.S3AccessKey) == "" || strings.TrimSpace(a.S3SecretKey) == "" {
			return fmt.Errorf("storage backend %q requires S3_ACCESS_KEY and S3_SECRET_KEY", a.StorageBackend)
		}
		if a.StorageBackend == BackendR2 && strings.TrimSpace(a.S3Endpoint) == "" {
			return fmt.Errorf("storage backend %q requires S3_ENDPOINT", a.StorageBackend)
		}
	default:
		return fmt.Errorf("unknown storage backend %q (want fs, s3 or r2)", a.StorageBackend)
	}

	if len(a.AllowedDomains) == 0 {
		return fmt.Errorf("ALLOWED_DOMAINS must not be empty")
	}
	for _, d := range a.AllowedDomains {
		if strings.ContainsAny(d, "/ ") {
			return fmt.Errorf("allowed domain %q must be a bare hostname", d)
		}
	}

	if a.MaxImageSizeBytes <= 0 {
		return fmt.Errorf("MAX_IMAGE_SIZE_BYTES must be positive, got %d", a.MaxImageSizeBytes)
	}
	if a.APIKeysEnabled && len(a.APIKeys) == 0 {
		return fmt.Errorf("API_KEYS_ENABLED is set but API_KEYS is empty")
	}
	return nil
}
