// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/imgvault/imgvault/internal/cache"
	"github.com/imgvault/imgvault/internal/cachekey"
	"github.com/imgvault/imgvault/internal/health"
	"github.com/imgvault/imgvault/internal/imgerr"
	"github.com/imgvault/imgvault/internal/log"
	"github.com/imgvault/imgvault/internal/notionurl"
	"github.com/imgvault/imgvault/internal/pipeline"
	"github.com/imgvault/imgvault/internal/validate"
	"github.com/imgvault/imgvault/internal/version"
)

// handleProxy serves GET /api/v1/proxy?url=...: the explicit-URL route.
// The signed URL arrives from the client, so a miss can always be filled
// from the origin; fetch errors relay verbatim.
func (s *server) handleProxy(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("url")
	if res := validate.ValidateURL(raw, s.deps.AllowedHosts); !res.Valid {
		imgerr.Write(w, r, res.Err())
		return
	}

	req := pipeline.Request{
		CacheBaseURL: notionurl.BaseURLOf(raw),
		UpstreamURL:  raw,
		Opts:         cachekey.FromQuery(r.URL.Query()),
		Accept:       r.Header.Get("Accept"),
	}
	// Asset coordinates enrich the stored metadata when the URL shape is
	// recognised; an opaque allowlisted URL still proxies fine without them.
	if parsed, ok := notionurl.Parse(raw); ok {
		req.WorkspaceID = parsed.WorkspaceID
		req.BlockID = parsed.BlockID
	}

	resp, err := s.deps.Pipeline.Handle(r.Context(), req, pipeline.ModeRelay)
	if err != nil {
		imgerr.Write(w, r, err)
		return
	}
	s.writeImage(w, resp)
}

// handleStablePath serves GET /img/{workspaceID}/{blockID}/{filename}:
// the signature-free route clients embed in documents. There is no
// signed URL to fall back on, so misses that cannot be filled surface
// as IMAGE_NOT_CACHED with a hint to prime via the proxy route.
func (s *server) handleStablePath(w http.ResponseWriter, r *http.Request) {
	workspaceID, err1 := url.PathUnescape(chi.URLParam(r, "workspaceID"))
	blockID, err2 := url.PathUnescape(chi.URLParam(r, "blockID"))
	filename, err3 := url.PathUnescape(chi.URLParam(r, "filename"))
	if err1 != nil || err2 != nil || err3 != nil ||
		workspaceID == "" || blockID == "" || filename == "" {
		imgerr.Write(w, r, imgerr.New(http.StatusBadRequest, imgerr.CodeInvalidParams,
			"path must be /img/{workspaceId}/{blockId}/{filename}"))
		return
	}

	base := notionurl.CanonicalBaseURL(workspaceID, blockID, filename)
	req := pipeline.Request{
		CacheBaseURL: base,
		UpstreamURL:  base,
		Opts:         cachekey.FromQuery(r.URL.Query()),
		Accept:       r.Header.Get("Accept"),
		WorkspaceID:  workspaceID,
		BlockID:      blockID,
	}

	resp, err := s.deps.Pipeline.Handle(r.Context(), req, pipeline.ModeCacheMiss)
	if err != nil {
		imgerr.Write(w, r, err)
		return
	}
	s.writeImage(w, resp)
}

// handlePurge serves DELETE /api/v1/cache. Invalidation is keyed by
// source URL; page-level purging needs an asset index that does not
// exist yet, so page_id is acknowledged but unimplemented.
func (s *server) handlePurge(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if pageID := q.Get("page_id"); pageID != "" {
		imgerr.Write(w, r, imgerr.New(http.StatusNotImplemented, imgerr.CodeNotImplemented,
			"purging by page_id is not implemented; purge by url instead"))
		return
	}

	raw := q.Get("url")
	if raw == "" {
		imgerr.Write(w, r, imgerr.New(http.StatusBadRequest, imgerr.CodeMissingParams,
			"provide url or page_id"))
		return
	}
	if res := validate.ValidateURL(raw, s.deps.AllowedHosts); !res.Valid {
		imgerr.Write(w, r, res.Err())
		return
	}

	base := notionurl.BaseURLOf(raw)
	n, err := s.deps.Pipeline.Purge(r.Context(), base)
	if err != nil {
		imgerr.Write(w, r, err)
		return
	}

	logger := log.WithComponentFromContext(r.Context(), "api")
	logger.Info().
		Str(log.FieldURL, base).
		Int("variants", n).
		Msg("cache purge requested")

	writeJSON(w, http.StatusOK, map[string]any{
		"purged":   n,
		"url":      base,
		"purgedAt": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleHealth serves GET /health. Degraded components keep the
// instance in rotation; only an unhealthy critical dependency returns 503.
func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := s.deps.Health.Check(r.Context())
	status := http.StatusOK
	if resp.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// statsResponse is the GET /api/v1/stats payload.
type statsResponse struct {
	Version       string       `json:"version"`
	UptimeSeconds int64        `json:"uptimeSeconds"`
	Storage       string       `json:"storage"`
	EdgeCache     string       `json:"edgeCache"`
	Memory        *memoryStats `json:"memory,omitempty"`
}

type memoryStats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Sets      int64 `json:"sets"`
	Evictions int64 `json:"evictions"`
	Entries   int   `json:"entries"`
	Bytes     int64 `json:"bytes"`
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{
		Version:       version.Version,
		UptimeSeconds: int64(time.Since(s.deps.StartedAt).Seconds()),
		Storage:       s.deps.Store.Name(),
		EdgeCache:     s.deps.Edge.Name(),
	}
	if mem, ok := s.deps.Edge.(*cache.Memory); ok {
		st := mem.Stats()
		resp.Memory = &memoryStats{
			Hits:      st.Hits,
			Misses:    st.Misses,
			Sets:      st.Sets,
			Evictions: st.Evictions,
			Entries:   st.Entries,
			Bytes:     st.Bytes,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeImage emits a resolved image with the caching and diagnostics
// headers. Tier names double as the X-Cache verdict: anything the
// pipeline found in a cache tier is a HIT.
func (s *server) writeImage(w http.ResponseWriter, resp *pipeline.Response) {
	h := w.Header()
	h.Set("Content-Type", resp.ContentType)
	h.Set("Content-Length", strconv.Itoa(len(resp.Bytes)))
	h.Set("Cache-Control", s.cacheControl())
	h.Set("X-Cache-Tier", string(resp.Tier))
	h.Set("X-Optimized-Size", strconv.Itoa(len(resp.Bytes)))
	if resp.Tier == pipeline.TierOrigin {
		h.Set("X-Cache", "MISS")
		if resp.OriginalSize > 0 {
			// The pre-optimization byte count exists only where the fetch
			// happened.
			h.Set("X-Original-Size", strconv.FormatInt(resp.OriginalSize, 10))
		}
	} else {
		h.Set("X-Cache", "HIT")
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp.Bytes)
}

// cacheControl advertises a short browser TTL and the configured CDN
// TTL. Entries are content-addressed, so stale-while-revalidate is safe.
func (s *server) cacheControl() string {
	sMaxAge := int(s.deps.Config.CacheTTL / time.Second)
	return "public, max-age=3600, s-maxage=" + strconv.Itoa(sMaxAge) + ", stale-while-revalidate=3600"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger := log.WithComponent("api")
		logger.Error().Err(err).Msg("failed to encode response")
	}
}
