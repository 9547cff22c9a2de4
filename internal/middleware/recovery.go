// Package middleware wraps the proxy listener with panic recovery, request
// logging and proxy authentication.
package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/rs/zerolog/log"
)

// Recovery returns middleware that recovers from panics and logs the error.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				if err == http.ErrAbortHandler {
					panic(err)
				}
				log.Error().
					Interface("error", err).
					Str("stack", string(debug.Stack())).
					Str("method", r.Method).
					Str("host", r.Host).
					Msg("Panic recovered")

				writeErrorResponse(w, http.StatusInternalServerError, "internal proxy error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
