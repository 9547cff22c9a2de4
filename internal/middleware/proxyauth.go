package middleware

import (
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/mimicproxy/internal/config"
)

// ProxyAuthRealm is announced in Proxy-Authenticate challenges.
const ProxyAuthRealm = "mimicproxy"

// IsProxyRequest reports whether r is addressed to the proxy as a proxy
// (CONNECT or an absolute-form target) rather than to the listener itself.
func IsProxyRequest(r *http.Request) bool {
	return r.Method == http.MethodConnect || r.URL.IsAbs()
}

// ProxyAuth returns middleware that enforces Basic proxy authentication.
// If no credentials are configured, requests pass through unchanged.
// Requests to the listener itself, such as /health, are never challenged.
func ProxyAuth(cfg *config.Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.AuthEnabled() || !IsProxyRequest(r) {
				next.ServeHTTP(w, r)
				return
			}

			user, pass, ok := parseProxyAuth(r.Header.Get("Proxy-Authorization"))
			userOK := subtle.ConstantTimeCompare([]byte(user), []byte(cfg.ProxyUsername)) == 1
			passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(cfg.ProxyPassword)) == 1
			if !ok || !userOK || !passOK {
				log.Debug().Str("remote_addr", maskIP(r.RemoteAddr)).Msg("Proxy authentication failed")
				w.Header().Set("Proxy-Authenticate", `Basic realm="`+ProxyAuthRealm+`"`)
				writeErrorResponse(w, http.StatusProxyAuthRequired, "proxy authentication required")
				return
			}

			r.Header.Del("Proxy-Authorization")
			next.ServeHTTP(w, r)
		})
	}
}

// parseProxyAuth decodes a Basic Proxy-Authorization value.
func parseProxyAuth(value string) (user, pass string, ok bool) {
	const prefix = "basic "
	if len(value) < len(prefix) || !strings.EqualFold(value[:len(prefix)], prefix) {
		return "", "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(value[len(prefix):]))
	if err != nil {
		return "", "", false
	}
	user, pass, ok = strings.Cut(string(decoded), ":")
	return user, pass, ok
}
