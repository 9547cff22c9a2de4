package middleware

import (
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/mimicproxy/pkg/version"
)

// writeErrorResponse writes a plain-text error generated by the proxy itself,
// as opposed to a response captured from the browser.
func writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(statusCode)

	if _, err := w.Write([]byte("mimicproxy " + version.Full() + ": " + message + "\n")); err != nil {
		log.Error().Err(err).Str("message", message).Msg("Failed to write middleware error response")
	}
}
