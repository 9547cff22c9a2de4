package emulate

import (
	"strconv"
	"strings"

	"github.com/go-rod/rod/lib/proto"
)

// requestHeader returns the value of name in h, matched case-insensitively.
func requestHeader(h proto.NetworkHeaders, name string) string {
	for k, v := range h {
		if strings.EqualFold(k, name) {
			return v.Str()
		}
	}
	return ""
}

// preflightHeaders answers a CORS preflight by echoing back exactly what
// the browser asked to be allowed.
func preflightHeaders(req proto.NetworkHeaders) []*proto.FetchHeaderEntry {
	origin := requestHeader(req, "Origin")
	if origin == "" {
		origin = "*"
	}
	out := []*proto.FetchHeaderEntry{
		{Name: "Access-Control-Allow-Origin", Value: origin},
		{Name: "Access-Control-Allow-Credentials", Value: "true"},
		{Name: "Access-Control-Max-Age", Value: "0"},
	}
	if m := requestHeader(req, "Access-Control-Request-Method"); m != "" {
		out = append(out, &proto.FetchHeaderEntry{Name: "Access-Control-Allow-Methods", Value: m})
	}
	if h := requestHeader(req, "Access-Control-Request-Headers"); h != "" {
		out = append(out, &proto.FetchHeaderEntry{Name: "Access-Control-Allow-Headers", Value: h})
	}
	return append(out,
		&proto.FetchHeaderEntry{Name: "Content-Type", Value: "text/plain"},
		&proto.FetchHeaderEntry{Name: "Content-Length", Value: "0"},
	)
}

func fulfillPreflight(c proto.Client, e *proto.FetchRequestPaused) error {
	var headers proto.NetworkHeaders
	if e.Request != nil {
		headers = e.Request.Headers
	}
	return proto.FetchFulfillRequest{
		RequestID:       e.RequestID,
		ResponseCode:    200,
		ResponseHeaders: preflightHeaders(headers),
	}.Call(c)
}

// fulfillHTML answers a paused request with html as a 200 document.
func fulfillHTML(c proto.Client, id proto.FetchRequestID, html string) error {
	return proto.FetchFulfillRequest{
		RequestID:    id,
		ResponseCode: 200,
		ResponseHeaders: []*proto.FetchHeaderEntry{
			{Name: "Content-Type", Value: "text/html; charset=utf-8"},
			{Name: "Content-Length", Value: strconv.Itoa(len(html))},
		},
		Body: []byte(html),
	}.Call(c)
}
