// SPDX-License-Identifier: MIT

// Package api exposes the HTTP surface: the explicit-URL proxy route,
// the stable-path route, cache administration, health and stats.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/imgvault/imgvault/internal/api/middleware"
	"github.com/imgvault/imgvault/internal/cache"
	"github.com/imgvault/imgvault/internal/config"
	"github.com/imgvault/imgvault/internal/health"
	"github.com/imgvault/imgvault/internal/imgerr"
	"github.com/imgvault/imgvault/internal/pipeline"
	"github.com/imgvault/imgvault/internal/storage"
)

// ImagePipeline is the resolver contract the handlers depend on. The
// concrete *pipeline.Pipeline satisfies it; handler tests substitute a
// stub so they can exercise the HTTP grammar without network I/O.
type ImagePipeline interface {
	Handle(ctx context.Context, req pipeline.Request, mode pipeline.ErrorMode) (*pipeline.Response, error)
	Purge(ctx context.Context, baseURL string) (int, error)
}

// Deps wires the handlers' collaborators.
type Deps struct {
	Config   config.App
	Pipeline ImagePipeline
	Store    storage.Backend
	Edge     cache.Cache
	Health   *health.Manager

	// AllowedHosts is the normalized upstream allowlist.
	AllowedHosts map[string]struct{}

	StartedAt time.Time
}

// NewRouter assembles the full route tree with the default middleware
// stack applied.
func NewRouter(d Deps) chi.Router {
	s := &server{deps: d}

	r := chi.NewRouter()
	middleware.Apply(r, middleware.StackConfig{
		CORSOrigins:        d.Config.CORSOrigins,
		RateLimitPerMinute: d.Config.RateLimitPerMinute,
	})

	r.Get("/health", s.handleHealth)
	r.Get("/img/{workspaceID}/{blockID}/{filename}", s.handleStablePath)

	// The API group sits behind the key when keys are configured. The
	// stable path and health stay open: documents embed /img URLs and
	// cannot attach credentials.
	r.Route("/api/v1", func(r chi.Router) {
		if d.Config.APIKeysEnabled {
			r.Use(middleware.APIKey(d.Config.APIKeys))
		}
		r.Get("/proxy", s.handleProxy)
		r.Get("/stats", s.handleStats)
		r.Delete("/cache", s.handlePurge)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		imgerr.Write(w, r, imgerr.New(http.StatusNotFound, imgerr.CodeNotFound, ""))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		imgerr.Write(w, r, imgerr.New(http.StatusMethodNotAllowed, imgerr.CodeInvalidParams,
			"method not allowed"))
	})

	return r
}

type server struct {
	deps Deps
}
