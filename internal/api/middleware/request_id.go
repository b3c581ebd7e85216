// SPDX-License-Identifier: MIT

package middleware

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/imgvault/imgvault/internal/imgerr"
	"github.com/imgvault/imgvault/internal/log"
)

// maxRequestIDLength caps client-supplied correlation IDs.
const maxRequestIDLength = 128

// RequestID attaches a correlation ID to every request. A well-formed
// client-supplied X-Request-Id is honoured; anything oversized or
// unprintable is replaced with a generated UUID.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(imgerr.HeaderRequestID)
		if !validRequestID(reqID) {
			reqID = uuid.New().String()
		}
		w.Header().Set(imgerr.HeaderRequestID, reqID)
		ctx := log.ContextWithRequestID(r.Context(), reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLength {
		return false
	}
	return !strings.ContainsFunc(id, func(r rune) bool {
		return r < 0x21 || r > 0x7e
	})
}
