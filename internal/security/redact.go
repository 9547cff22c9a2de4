// Package security scrubs credentials from values before they reach logs.
package security

import (
	"net/url"
	"strings"

	"github.com/Rorqualx/mimicproxy/internal/types"
)

const redacted = "[REDACTED]"

// sensitiveParams are query parameter name fragments that likely carry secrets.
var sensitiveParams = []string{
	"password",
	"passwd",
	"pwd",
	"secret",
	"token",
	"api_key",
	"apikey",
	"api-key",
	"auth",
	"bearer",
	"credential",
	"key",
	"session",
	"sid",
	"signature",
	"private",
}

// sensitiveHeaders are request headers whose values are never logged.
var sensitiveHeaders = map[string]struct{}{
	"authorization":       {},
	"proxy-authorization": {},
	"cookie":              {},
	"x-api-key":           {},
	"x-auth-token":        {},
	"x-csrf-token":        {},
}

// RedactURL removes user info and secret-looking query values from a URL.
// Unparseable input is replaced entirely.
func RedactURL(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	// data: URLs carry whole pages; only the media type is useful in logs.
	if strings.HasPrefix(rawURL, "data:") {
		if i := strings.IndexByte(rawURL, ','); i > 0 {
			return rawURL[:i] + ",..."
		}
		return "data:..."
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "[invalid-url]"
	}
	if parsed.User != nil {
		parsed.User = url.User(redacted)
	}
	if parsed.RawQuery != "" {
		q := parsed.Query()
		for k := range q {
			if isSensitiveParam(k) {
				q[k] = []string{redacted}
			}
		}
		parsed.RawQuery = q.Encode()
	}
	return parsed.String()
}

func isSensitiveParam(name string) bool {
	name = strings.ToLower(name)
	for _, p := range sensitiveParams {
		if strings.Contains(name, p) {
			return true
		}
	}
	return false
}

// RedactProxyURL hides the password of an upstream proxy URL but keeps the
// username so misconfiguration stays diagnosable.
func RedactProxyURL(proxyURL string) string {
	if proxyURL == "" {
		return ""
	}
	parsed, err := url.Parse(proxyURL)
	if err != nil {
		return "[invalid-proxy-url]"
	}
	if parsed.User != nil {
		if _, ok := parsed.User.Password(); ok {
			parsed.User = url.UserPassword(parsed.User.Username(), redacted)
		}
	}
	return parsed.String()
}

// RedactHeaders renders a header list as "Name: value" lines, in order, with
// credential-bearing values replaced.
func RedactHeaders(h types.HeaderList) []string {
	out := make([]string, 0, len(h))
	for _, hdr := range h {
		v := hdr.Value
		if _, ok := sensitiveHeaders[strings.ToLower(hdr.Key)]; ok {
			v = redacted
		}
		out = append(out, hdr.Key+": "+v)
	}
	return out
}
