package types

import (
	"net/http"
	"strings"
)

// DefaultErrorHeader is the response header that marks a proxy-side failure.
const DefaultErrorHeader = "X-Proxy-Error"

// NoMatchMessage is returned to the client when no emulation strategy applies.
const NoMatchMessage = "You have found a request type that mimicproxy doesn't know how to handle! " +
	"If a browser would be able to make this request please file a bug report with the request's headers."

// Header is a single request header. Order within a HeaderList is significant.
type Header struct {
	Key   string
	Value string
}

// HeaderList is an ordered header list with case-insensitive lookup.
// Reordering headers is observable on the wire, so every helper preserves order.
type HeaderList []Header

// Get returns the value of the first header matching key, case-insensitively.
func (h HeaderList) Get(key string) string {
	for _, hdr := range h {
		if strings.EqualFold(hdr.Key, key) {
			return hdr.Value
		}
	}
	return ""
}

// Has reports whether a header with a non-empty value is present.
func (h HeaderList) Has(key string) bool {
	return h.Get(key) != ""
}

// Without returns a copy with every header whose lowercased name is in drop removed.
func (h HeaderList) Without(drop map[string]struct{}) HeaderList {
	out := make(HeaderList, 0, len(h))
	for _, hdr := range h {
		if _, skip := drop[strings.ToLower(hdr.Key)]; skip {
			continue
		}
		out = append(out, hdr)
	}
	return out
}

// ProxiedRequest is the immutable view of one inbound proxied request.
type ProxiedRequest struct {
	URL      string
	Protocol string // "http" or "https"
	Method   string
	Path     string
	Headers  HeaderList
	Body     []byte
}

// CapturedResponse is the real response captured from the browser's network layer.
type CapturedResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Degraded builds the fixed-format response returned when emulation fails.
// The body is always empty; the reason is carried in the marker header.
func Degraded(headerName, message string) *CapturedResponse {
	if headerName == "" {
		headerName = DefaultErrorHeader
	}
	h := make(http.Header, 1)
	h.Set(headerName, "Request error: "+sanitizeHeaderValue(message))
	return &CapturedResponse{
		StatusCode: http.StatusBadGateway,
		Header:     h,
		Body:       []byte{},
	}
}

// NoMatch builds the diagnostic response for request shapes no strategy handles.
func NoMatch() *CapturedResponse {
	h := make(http.Header, 1)
	h.Set("Content-Type", "text/plain")
	return &CapturedResponse{
		StatusCode: http.StatusInternalServerError,
		Header:     h,
		Body:       []byte(NoMatchMessage),
	}
}

// sanitizeHeaderValue removes characters that cannot appear in a header value.
func sanitizeHeaderValue(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\r' || r == '\n' || r == 0 {
			return ' '
		}
		return r
	}, s)
}
