// SPDX-License-Identifier: MIT

package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/httprate"

	"github.com/imgvault/imgvault/internal/imgerr"
)

// RateLimit enforces the per-IP request budget over a one-minute
// sliding window. Exceeding it answers with the standard error
// envelope and a Retry-After hint.
func RateLimit(perMinute int) func(http.Handler) http.Handler {
	return httprate.Limit(
		perMinute,
		time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", strconv.Itoa(int(time.Minute.Seconds())))
			imgerr.Write(w, r, imgerr.New(http.StatusTooManyRequests,
				imgerr.CodeRateLimitExceeded, "too many requests, slow down"))
		}),
	)
}
