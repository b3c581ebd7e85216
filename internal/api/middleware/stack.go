// SPDX-License-Identifier: MIT

// Package middleware provides the HTTP middleware stack: panic recovery,
// request correlation, CORS, security headers, metrics, access logging,
// rate limiting and API-key auth.
package middleware

import (
	"github.com/go-chi/chi/v5"
)

// StackConfig carries the knobs for the default middleware stack.
type StackConfig struct {
	// CORSOrigins lists allowed origins; ["*"] allows any.
	CORSOrigins []string

	// RateLimitPerMinute is the per-IP request budget. 0 disables.
	RateLimitPerMinute int
}

// Apply installs the default stack on the router. Order matters:
// recovery outermost so every later panic is caught, request IDs before
// anything that logs, metrics and logging around the rate limiter so
// rejected requests still show up.
func Apply(r chi.Router, cfg StackConfig) {
	r.Use(Recoverer)
	r.Use(RequestID)
	r.Use(CORS(cfg.CORSOrigins))
	r.Use(SecurityHeaders)
	r.Use(Metrics)
	r.Use(Logging)
	if cfg.RateLimitPerMinute > 0 {
		r.Use(RateLimit(cfg.RateLimitPerMinute))
	}
}
