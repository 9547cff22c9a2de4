package proxy

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"golang.org/x/net/http/httpguts"

	"github.com/Rorqualx/mimicproxy/internal/types"
)

// hopHeaders apply to a single connection and are never relayed.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// errBodyTooLarge is returned when a request body exceeds the read limit.
var errBodyTooLarge = fmt.Errorf("request body exceeds %d bytes", maxBodySize)

// toProxiedRequest converts an intercepted request. names is the header
// order recorded from the wire for r.
func toProxiedRequest(r *http.Request, names []string) (*types.ProxiedRequest, error) {
	u := *r.URL
	if u.Host == "" {
		u.Host = r.Host
	}
	if u.Scheme == "" {
		u.Scheme = "http"
		if r.TLS != nil {
			u.Scheme = "https"
		}
	}

	body, err := readBody(r.Body)
	if err != nil {
		return nil, err
	}

	return &types.ProxiedRequest{
		URL:      u.String(),
		Protocol: u.Scheme,
		Method:   r.Method,
		Path:     u.RequestURI(),
		Headers:  orderedHeaders(stripHopHeaders(r.Header), names),
		Body:     body,
	}, nil
}

func readBody(rc io.ReadCloser) ([]byte, error) {
	if rc == nil || rc == http.NoBody {
		return nil, nil
	}
	defer rc.Close()

	buf := getBuffer()
	defer putBuffer(buf)

	n, err := io.Copy(buf, io.LimitReader(rc, maxBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	if n > maxBodySize {
		return nil, errBodyTooLarge
	}
	return bytes.Clone(buf.Bytes()), nil
}

// stripHopHeaders returns a copy of h without hop-by-hop headers, headers
// named by Connection tokens, and anything that is not a valid header.
func stripHopHeaders(h http.Header) http.Header {
	connection := h.Values("Connection")
	out := make(http.Header, len(h))
	for k, vv := range h {
		if !httpguts.ValidHeaderFieldName(k) || httpguts.HeaderValuesContainsToken(connection, k) {
			continue
		}
		for _, v := range vv {
			if httpguts.ValidHeaderFieldValue(v) {
				out.Add(k, v)
			}
		}
	}
	for _, k := range hopHeaders {
		out.Del(k)
	}
	return out
}

// toHTTPResponse builds the response written back to the client. The body
// was decoded by the browser, so Content-Encoding is dropped and
// Content-Length recomputed.
func toHTTPResponse(req *http.Request, c *types.CapturedResponse) *http.Response {
	h := stripHopHeaders(c.Header)
	h.Del("Content-Encoding")
	h.Del("Content-Length")
	h.Set("Content-Length", strconv.Itoa(len(c.Body)))

	code := c.StatusCode
	if code < 100 || code > 999 {
		code = http.StatusBadGateway
	}

	return &http.Response{
		Status:        fmt.Sprintf("%d %s", code, http.StatusText(code)),
		StatusCode:    code,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(c.Body)),
		ContentLength: int64(len(c.Body)),
		Request:       req,
	}
}
