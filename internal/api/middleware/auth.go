// SPDX-License-Identifier: MIT

package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/imgvault/imgvault/internal/imgerr"
)

// APIKey gates a route group behind a shared-key check. The key rides
// in the X-API-Key header or, for clients that cannot set headers, the
// api_key query parameter. Comparison is constant-time per key.
func APIKey(keys []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := r.Header.Get("X-API-Key")
			if presented == "" {
				presented = r.URL.Query().Get("api_key")
			}
			if !keyMatches(presented, keys) {
				imgerr.Write(w, r, imgerr.New(http.StatusUnauthorized,
					imgerr.CodeUnauthorized, "missing or invalid API key"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func keyMatches(presented string, keys []string) bool {
	if presented == "" {
		return false
	}
	for _, k := range keys {
		if subtle.ConstantTimeCompare([]byte(presented), []byte(k)) == 1 {
			return true
		}
	}
	return false
}
