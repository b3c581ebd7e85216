// SPDX-License-Identifier: MIT

package middleware

import (
	"net/http"
	"runtime"

	"github.com/imgvault/imgvault/internal/imgerr"
	"github.com/imgvault/imgvault/internal/log"
)

// Recoverer converts downstream panics into a 500 envelope instead of
// killing the process. The panic value and stack go to the log only;
// the client sees the generic internal-error message.
func Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				buf := make([]byte, 8192)
				n := runtime.Stack(buf, false)

				logger := log.WithComponentFromContext(r.Context(), "recovery")
				logger.Error().
					Str("event", "panic.recovered").
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Interface("panic_value", rec).
					Str("stack_trace", string(buf[:n])).
					Msg("panic recovered in HTTP handler")

				imgerr.Write(w, r, imgerr.New(http.StatusInternalServerError,
					imgerr.CodeInternal, ""))
			}
		}()
		next.ServeHTTP(w, r)
	})
}
