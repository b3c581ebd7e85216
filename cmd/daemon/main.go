// SPDX-License-Identifier: MIT

// Command daemon runs the image proxy: it wires storage, the edge
// cache, the fetch pipeline and the HTTP API, then blocks until a
// shutdown signal.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/imgvault/imgvault/internal/api"
	"github.com/imgvault/imgvault/internal/cache"
	"github.com/imgvault/imgvault/internal/config"
	"github.com/imgvault/imgvault/internal/daemon"
	"github.com/imgvault/imgvault/internal/health"
	"github.com/imgvault/imgvault/internal/log"
	"github.com/imgvault/imgvault/internal/pipeline"
	"github.com/imgvault/imgvault/internal/ratelimit"
	"github.com/imgvault/imgvault/internal/storage"
	"github.com/imgvault/imgvault/internal/upstream"
	"github.com/imgvault/imgvault/internal/validate"
	"github.com/imgvault/imgvault/internal/version"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Printf("imgvault %s\n", version.Version)
		return
	}

	cfg := config.Load()
	log.Configure(log.Config{Level: cfg.LogLevel, Service: "imgvault"})
	logger := log.WithComponent("main")

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Error().Err(err).Msg("daemon exited with error")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.App) error {
	logger := log.WithComponent("main")

	allowed, err := validate.NormalizeAllowedHosts(cfg.AllowedDomains)
	if err != nil {
		return fmt.Errorf("normalize allowed domains: %w", err)
	}

	store, err := buildStore(ctx, cfg)
	if err != nil {
		return err
	}
	logger.Info().Str(log.FieldBackend, store.Name()).Msg("persistent store ready")

	edge, redisClose, err := buildEdge(ctx, cfg)
	if err != nil {
		return err
	}
	logger.Info().Str(log.FieldBackend, edge.Name()).Msg("edge cache ready")

	fetcher := upstream.New(upstream.Config{
		Timeout:  cfg.UpstreamTimeout,
		MaxBytes: cfg.MaxImageSizeBytes,
		Redirect: upstream.RedirectValidator(allowed),
	})

	pipe := pipeline.New(pipeline.Config{
		Edge:    edge,
		Store:   store,
		Fetcher: fetcher,
		Origin:  ratelimit.NewOrigin(cfg.OriginRateLimit, cfg.OriginRateBurst),
		EdgeTTL: cfg.EdgeTTL,
	})

	hm := health.NewManager(version.Version)
	hm.Register(health.NewChecker("storage", store.HealthCheck))
	hm.Register(health.NewDegradedChecker("edge_cache", edge.HealthCheck))

	router := api.NewRouter(api.Deps{
		Config:       cfg,
		Pipeline:     pipe,
		Store:        store,
		Edge:         edge,
		Health:       hm,
		AllowedHosts: allowed,
		StartedAt:    time.Now(),
	})

	deps := daemon.Deps{
		ListenAddr: cfg.ListenAddr,
		APIHandler: router,
	}
	if cfg.MetricsListen != "" {
		deps.MetricsAddr = cfg.MetricsListen
		deps.MetricsHandler = promhttp.Handler()
	}

	mgr, err := daemon.NewManager(config.ParseServerConfig(), deps)
	if err != nil {
		return err
	}

	// Hooks run LIFO: the pipeline drains first so its queued writes can
	// still reach both tiers, then the redis connection closes.
	if redisClose != nil {
		mgr.RegisterShutdownHook("edge_cache", func(context.Context) error {
			return redisClose()
		})
	}
	mgr.RegisterShutdownHook("pipeline", pipe.Close)

	return mgr.Start(ctx)
}

// buildStore selects the persistent backend from configuration.
func buildStore(ctx context.Context, cfg config.App) (storage.Backend, error) {
	switch cfg.StorageBackend {
	case config.BackendFS:
		store, err := storage.NewFS(cfg.CacheDir)
		if err != nil {
			return nil, fmt.Errorf("fs storage: %w", err)
		}
		return store, nil
	case config.BackendS3, config.BackendR2:
		store, err := storage.NewS3(ctx, storage.S3Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}

// buildEdge selects the shared redis cache when configured, otherwise
// the in-process LRU. A dead redis at startup is fatal: a typo in
// REDIS_URL must not silently change the cache topology.
func buildEdge(ctx context.Context, cfg config.App) (cache.Cache, func() error, error) {
	if cfg.RedisURL == "" {
		return cache.NewMemory(cfg.EdgeMaxEntries, cfg.EdgeMaxBytes), nil, nil
	}
	r, err := cache.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("edge cache: %w", err)
	}
	return r, r.Close, nil
}
