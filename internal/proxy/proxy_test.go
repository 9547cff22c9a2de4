package proxy

import (
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/Rorqualx/mimicproxy/internal/config"
	"github.com/Rorqualx/mimicproxy/internal/middleware"
	"github.com/Rorqualx/mimicproxy/internal/types"
)

type fakeHandler struct {
	mu   sync.Mutex
	got  *types.ProxiedRequest
	resp *types.CapturedResponse
}

func (f *fakeHandler) Handle(ctx context.Context, req *types.ProxiedRequest) *types.CapturedResponse {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = req
	return f.resp
}

func (f *fakeHandler) request() *types.ProxiedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.got
}

func capturedResponse() *types.CapturedResponse {
	h := http.Header{}
	h.Set("Content-Type", "text/html")
	h.Set("Content-Encoding", "gzip")
	h.Set("Content-Length", "9999")
	h.Set("Connection", "X-Drop-Me")
	h.Set("X-Drop-Me", "1")
	h.Set("Keep-Alive", "timeout=5")
	h.Add("Set-Cookie", "a=1")
	h.Add("Set-Cookie", "b=2")
	return &types.CapturedResponse{StatusCode: 201, Header: h, Body: []byte("<p>browser</p>")}
}

func newProxy(t *testing.T, cfg *config.Config, h Handler) *httptest.Server {
	t.Helper()
	local := http.NewServeMux()
	local.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("healthy"))
	})

	srv, err := New(cfg, h, local)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	chain := middleware.Chain(middleware.Recovery, middleware.Logging, middleware.ProxyAuth(cfg))
	ts := httptest.NewUnstartedServer(chain(srv))
	ts.Listener = RecordingListener(ts.Listener)
	ts.Config.ConnContext = ConnContext
	ts.Start()
	t.Cleanup(ts.Close)
	return ts
}

func proxyClient(t *testing.T, proxyURL string) *http.Client {
	t.Helper()
	u, err := url.Parse(proxyURL)
	if err != nil {
		t.Fatalf("bad proxy url: %v", err)
	}
	return &http.Client{
		Transport: &http.Transport{
			Proxy:              http.ProxyURL(u),
			TLSClientConfig:    &tls.Config{InsecureSkipVerify: true},
			DisableCompression: true,
		},
	}
}

func TestProxyPlainHTTP(t *testing.T) {
	h := &fakeHandler{resp: capturedResponse()}
	ts := newProxy(t, &config.Config{ErrorHeaderName: types.DefaultErrorHeader}, h)

	req, _ := http.NewRequest("POST", "http://origin.test/submit?x=1", strings.NewReader("a=b"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Custom", "v")

	resp, err := proxyClient(t, ts.URL).Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != 201 || string(body) != "<p>browser</p>" {
		t.Errorf("Expected captured response, got %d %q", resp.StatusCode, body)
	}
	if resp.Header.Get("Content-Encoding") != "" {
		t.Error("Expected Content-Encoding to be dropped")
	}
	if resp.Header.Get("X-Drop-Me") != "" || resp.Header.Get("Keep-Alive") != "" {
		t.Error("Expected hop-by-hop headers to be dropped")
	}
	if resp.ContentLength != int64(len("<p>browser</p>")) {
		t.Errorf("Expected recomputed length, got %d", resp.ContentLength)
	}
	if len(resp.Header.Values("Set-Cookie")) != 2 {
		t.Errorf("Expected both cookies, got %v", resp.Header.Values("Set-Cookie"))
	}

	got := h.request()
	if got == nil {
		t.Fatal("Handler was not called")
	}
	if got.URL != "http://origin.test/submit?x=1" || got.Protocol != "http" || got.Path != "/submit?x=1" {
		t.Errorf("Unexpected request %+v", got)
	}
	if got.Method != "POST" || string(got.Body) != "a=b" {
		t.Errorf("Unexpected method/body %s %q", got.Method, got.Body)
	}
	if got.Headers.Get("X-Custom") != "v" {
		t.Errorf("Expected X-Custom to be forwarded, got %v", got.Headers)
	}
	if got.Headers.Has("Proxy-Connection") {
		t.Error("Expected Proxy-Connection to be stripped")
	}
}

func TestProxyMITM(t *testing.T) {
	h := &fakeHandler{resp: &types.CapturedResponse{StatusCode: 200, Header: http.Header{}, Body: []byte("secure")}}
	ts := newProxy(t, &config.Config{}, h)

	resp, err := proxyClient(t, ts.URL).Get("https://secure.test/path")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if string(body) != "secure" {
		t.Errorf("Expected captured body, got %q", body)
	}
	got := h.request()
	if got == nil || got.URL != "https://secure.test/path" || got.Protocol != "https" {
		t.Errorf("Unexpected intercepted request %+v", got)
	}
}

func TestProxyAuthRequired(t *testing.T) {
	h := &fakeHandler{resp: capturedResponse()}
	ts := newProxy(t, &config.Config{ProxyUsername: "u", ProxyPassword: "p"}, h)

	resp, err := proxyClient(t, ts.URL).Get("http://origin.test/")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusProxyAuthRequired {
		t.Errorf("Expected 407, got %d", resp.StatusCode)
	}
	if h.request() != nil {
		t.Error("Expected handler not to run without credentials")
	}

	authed := proxyClient(t, strings.Replace(ts.URL, "http://", "http://u:p@", 1))
	resp, err = authed.Get("http://origin.test/")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != 201 {
		t.Errorf("Expected 201 with credentials, got %d", resp.StatusCode)
	}
}

func TestProxyLocalHandler(t *testing.T) {
	ts := newProxy(t, &config.Config{ProxyUsername: "u", ProxyPassword: "p"}, &fakeHandler{})

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != 200 || string(body) != "healthy" {
		t.Errorf("Expected local handler response, got %d %q", resp.StatusCode, body)
	}
}

func TestStripHopHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Connection", "keep-alive, X-Private")
	h.Set("X-Private", "1")
	h.Set("Transfer-Encoding", "chunked")
	h.Set("Upgrade", "websocket")
	h.Set("Te", "trailers")
	h.Set("X-Keep", "yes")
	h["Bad Name"] = []string{"v"}
	h["X-Bad-Value"] = []string{"a\r\nb"}

	out := stripHopHeaders(h)
	if len(out) != 1 || out.Get("X-Keep") != "yes" {
		t.Errorf("Expected only X-Keep, got %v", out)
	}
	if h.Get("X-Private") != "1" {
		t.Error("Expected input header to be left untouched")
	}
}

func TestToHTTPResponseInvalidStatus(t *testing.T) {
	resp := toHTTPResponse(httptest.NewRequest("GET", "http://x.test/", nil), &types.CapturedResponse{})
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("Expected 502 for missing status, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Content-Length") != "0" {
		t.Errorf("Expected Content-Length 0, got %q", resp.Header.Get("Content-Length"))
	}
}

func TestReadBodyLimit(t *testing.T) {
	body, err := readBody(io.NopCloser(strings.NewReader("small")))
	if err != nil || string(body) != "small" {
		t.Errorf("Expected small body, got %q (%v)", body, err)
	}

	big := io.NopCloser(io.LimitReader(zeroReader{}, maxBodySize+10))
	if _, err := readBody(big); err != errBodyTooLarge {
		t.Errorf("Expected errBodyTooLarge, got %v", err)
	}

	if body, err := readBody(http.NoBody); err != nil || body != nil {
		t.Errorf("Expected nil body, got %q (%v)", body, err)
	}
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

func TestLoadCAMissingFiles(t *testing.T) {
	if _, err := LoadCA("/nonexistent/ca.pem", "/nonexistent/ca.key"); err == nil {
		t.Error("Expected error for missing CA files")
	}
}
