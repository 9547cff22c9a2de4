package synth

import (
	"strings"

	"github.com/Rorqualx/mimicproxy/internal/types"
)

// Safelist reports whether a request header is CORS-safelisted.
type Safelist interface {
	IsSafelisted(name string) bool
}

var simpleContentTypes = map[string]struct{}{
	"application/x-www-form-urlencoded": {},
	"text/plain":                        {},
}

// IsCORSSimple reports whether a browser could send the request without a
// preflight, i.e. from a plain <form> rather than fetch().
//
// multipart/form-data ends the check as simple: forms can produce it, and
// the remaining headers of such a request are set by the browser itself.
func IsCORSSimple(method string, headers types.HeaderList, safelist Safelist) bool {
	m := strings.ToUpper(method)
	if m != "GET" && m != "POST" {
		return false
	}

	for _, h := range headers {
		if !safelist.IsSafelisted(h.Key) {
			return false
		}
		if !strings.EqualFold(h.Key, "Content-Type") {
			continue
		}

		mediaType := strings.ToLower(strings.TrimSpace(strings.SplitN(h.Value, ";", 2)[0]))
		if mediaType == "multipart/form-data" {
			return true
		}
		if _, ok := simpleContentTypes[mediaType]; !ok {
			return false
		}
	}

	return true
}
