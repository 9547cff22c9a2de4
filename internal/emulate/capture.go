package emulate

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-rod/rod/lib/proto"

	"github.com/Rorqualx/mimicproxy/internal/synth"
	"github.com/Rorqualx/mimicproxy/internal/types"
)

// isRedirect reports whether status is a redirect whose body is not kept.
func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// responseHeader converts paused response headers. CDP folds repeated
// headers such as Set-Cookie into one newline-separated entry.
func responseHeader(entries []*proto.FetchHeaderEntry) http.Header {
	h := make(http.Header, len(entries))
	for _, e := range entries {
		if e == nil || e.Name == "" {
			continue
		}
		for _, v := range strings.Split(e.Value, "\n") {
			h.Add(e.Name, v)
		}
	}
	return h
}

func decodeBody(body string, b64 bool) ([]byte, error) {
	if !b64 {
		return []byte(body), nil
	}
	out, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return nil, fmt.Errorf("decode response body: %w", err)
	}
	return out, nil
}

// capture reads the paused response, replaces it with the blank page so the
// tab renders nothing and follows no redirect, and stops interception.
func capture(c proto.Client, e *proto.FetchRequestPaused) (*types.CapturedResponse, error) {
	status := 0
	if e.ResponseStatusCode != nil {
		status = *e.ResponseStatusCode
	}

	resp := &types.CapturedResponse{
		StatusCode: status,
		Header:     responseHeader(e.ResponseHeaders),
		Body:       []byte{},
	}

	if !isRedirect(status) {
		body, err := proto.FetchGetResponseBody{RequestID: e.RequestID}.Call(c)
		if err != nil {
			return nil, types.NewError(types.KindAutomationProtocol, "get_response_body", err)
		}
		resp.Body, err = decodeBody(body.Body, body.Base64Encoded)
		if err != nil {
			return nil, types.NewError(types.KindAutomationProtocol, "get_response_body", err)
		}
	}

	if err := fulfillHTML(c, e.RequestID, synth.Blank()); err != nil {
		return nil, types.NewError(types.KindAutomationProtocol, "fulfill_blank", err)
	}
	if err := (proto.FetchDisable{}).Call(c); err != nil {
		return nil, types.NewError(types.KindAutomationProtocol, "fetch_disable", err)
	}
	return resp, nil
}
