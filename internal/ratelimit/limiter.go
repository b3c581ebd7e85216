// SPDX-License-Identifier: MIT

// Package ratelimit bounds origin fetches. The per-client HTTP limit
// lives in the API middleware; this limiter is the global budget for
// traffic the service itself generates against the upstream.
package ratelimit

import (
	"golang.org/x/time/rate"
)

// Origin is a global token bucket consulted on the cache-miss path. A
// nil *Origin permits everything, so callers never branch on "disabled".
type Origin struct {
	lim *rate.Limiter
}

// NewOrigin builds the limiter. perSecond <= 0 disables it.
func NewOrigin(perSecond float64, burst int) *Origin {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &Origin{lim: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Allow reports whether one origin fetch may proceed now. Misses that
// are denied surface as 429 to the client rather than queueing; a
// queued fetch would hold request resources for the full wait.
func (o *Origin) Allow() bool {
	if o == nil {
		return true
	}
	return o.lim.Allow()
}
