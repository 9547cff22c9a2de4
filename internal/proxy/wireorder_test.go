package proxy

import (
	"bufio"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/Rorqualx/mimicproxy/internal/config"
	"github.com/Rorqualx/mimicproxy/internal/types"
)

func headerKeys(list types.HeaderList) []string {
	keys := make([]string, 0, len(list))
	for _, h := range list {
		keys = append(keys, h.Key)
	}
	return keys
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// feed writes s into rec in chunks of n bytes.
func feed(rec *headerRecorder, s string, n int) {
	for len(s) > 0 {
		k := n
		if k > len(s) {
			k = len(s)
		}
		rec.Write([]byte(s[:k]))
		s = s[k:]
	}
}

func TestHeaderRecorderStream(t *testing.T) {
	stream := "POST /a HTTP/1.1\r\nHost: x\r\nContent-Length: 18\r\nX-Zeta: 1\r\n\r\n" +
		"\r\n\r\nFake: body\r\n\r\n" +
		"POST /b HTTP/1.1\r\nTransfer-Encoding: chunked\r\nhost: x\r\n\r\n" +
		"5;ext=1\r\nHello\r\n10\r\n\r\n\r\nGET /c HTTP/\r\n0\r\nX-Trailer: t\r\n\r\n" +
		"\r\nGET /d HTTP/1.1\r\nUser-Agent: ua\r\nAccept: */*\r\nHost: x\r\n\r\n"

	for _, chunk := range []int{1, 3, 7, len(stream)} {
		rec := &headerRecorder{}
		feed(rec, stream, chunk)

		tests := []struct {
			method, target string
			want           []string
		}{
			{"POST", "/a", []string{"Host", "Content-Length", "X-Zeta"}},
			{"POST", "/b", []string{"Transfer-Encoding", "host"}},
			{"GET", "/d", []string{"User-Agent", "Accept", "Host"}},
		}
		for _, tt := range tests {
			if got := rec.next(tt.method, tt.target); !equalStrings(got, tt.want) {
				t.Errorf("chunk %d, %s %s: expected %v, got %v", chunk, tt.method, tt.target, tt.want, got)
			}
		}
		if got := rec.next("GET", "/c"); got != nil {
			t.Errorf("chunk %d: body bytes were parsed as a request: %v", chunk, got)
		}
	}
}

func TestHeaderRecorderSkipsUnhandledHeads(t *testing.T) {
	rec := &headerRecorder{}
	feed(rec, "GET http://a.test/ HTTP/1.1\r\nX-One: 1\r\n\r\nGET http://b.test/ HTTP/1.1\r\nX-Two: 2\r\n\r\n", 64)

	if got := rec.next("GET", "http://b.test/"); !equalStrings(got, []string{"X-Two"}) {
		t.Errorf("Expected X-Two, got %v", got)
	}
	if got := rec.next("GET", "http://a.test/"); got != nil {
		t.Errorf("Expected earlier head to be dropped, got %v", got)
	}
}

func TestHeaderRecorderConnectStops(t *testing.T) {
	rec := &headerRecorder{}
	feed(rec, "CONNECT a.test:443 HTTP/1.1\r\nHost: a.test:443\r\n\r\n\x16\x03\x01GET / HTTP/1.1\r\nX: y\r\n\r\n", 5)

	if rec.state != statePassthrough {
		t.Errorf("Expected passthrough after CONNECT, got state %d", rec.state)
	}
	if got := rec.next("GET", "/"); got != nil {
		t.Errorf("Expected tunneled bytes to be ignored, got %v", got)
	}
}

func TestHeaderRecorderMalformed(t *testing.T) {
	rec := &headerRecorder{}
	feed(rec, "NOT-HTTP\r\n\r\nGET / HTTP/1.1\r\nX: y\r\n\r\n", 4)
	if rec.state != statePassthrough {
		t.Errorf("Expected passthrough after malformed head, got state %d", rec.state)
	}
}

func TestOrderedHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("X-Alpha", "2")
	h.Set("User-Agent", "ua")
	h.Add("Cookie", "a=1")
	h.Add("Cookie", "b=2")
	h.Set("X-Zeta", "1")
	h.Set("Unrecorded", "u")

	got := orderedHeaders(h, []string{"x-zeta", "Cookie", "X-Alpha", "cookie", "Proxy-Connection", "User-Agent"})
	want := types.HeaderList{
		{Key: "X-Zeta", Value: "1"},
		{Key: "Cookie", Value: "a=1"},
		{Key: "Cookie", Value: "b=2"},
		{Key: "X-Alpha", Value: "2"},
		{Key: "User-Agent", Value: "ua"},
		{Key: "Unrecorded", Value: "u"},
	}
	if len(got) != len(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Index %d: expected %v, got %v", i, want[i], got[i])
		}
	}
}

func readResponse(t *testing.T, br *bufio.Reader, method string) *http.Response {
	t.Helper()
	resp, err := http.ReadResponse(br, &http.Request{Method: method})
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp
}

func TestProxyPreservesWireHeaderOrder(t *testing.T) {
	h := &fakeHandler{resp: &types.CapturedResponse{StatusCode: 200, Header: http.Header{}, Body: []byte("ok")}}
	ts := newProxy(t, &config.Config{}, h)

	conn, err := net.Dial("tcp", ts.Listener.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))
	br := bufio.NewReader(conn)

	io.WriteString(conn, "POST http://origin.test/first HTTP/1.1\r\n"+
		"Host: origin.test\r\nX-Zeta: 1\r\nContent-Length: 4\r\nX-Alpha: 2\r\nUser-Agent: ua\r\n\r\nbody")
	readResponse(t, br, "POST")
	got := headerKeys(h.request().Headers)
	want := []string{"X-Zeta", "Content-Length", "X-Alpha", "User-Agent"}
	if !equalStrings(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}

	io.WriteString(conn, "GET http://origin.test/second HTTP/1.1\r\n"+
		"User-Agent: ua\r\nx-alpha: 2\r\nHost: origin.test\r\nX-Zeta: 1\r\n\r\n")
	readResponse(t, br, "GET")
	got = headerKeys(h.request().Headers)
	want = []string{"User-Agent", "X-Alpha", "X-Zeta"}
	if !equalStrings(got, want) {
		t.Errorf("Expected %v on the reused connection, got %v", want, got)
	}
}

func TestProxyMITMPreservesWireHeaderOrder(t *testing.T) {
	h := &fakeHandler{resp: &types.CapturedResponse{StatusCode: 200, Header: http.Header{}, Body: []byte("ok")}}
	ts := newProxy(t, &config.Config{}, h)

	raw, err := net.Dial("tcp", ts.Listener.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer raw.Close()
	raw.SetDeadline(time.Now().Add(10 * time.Second))

	io.WriteString(raw, "CONNECT secure.test:443 HTTP/1.1\r\nHost: secure.test:443\r\n\r\n")
	connected, err := http.ReadResponse(bufio.NewReader(raw), &http.Request{Method: http.MethodConnect})
	if err != nil || connected.StatusCode != 200 {
		t.Fatalf("Expected CONNECT to succeed, got %v (%v)", connected, err)
	}

	conn := tls.Client(raw, &tls.Config{InsecureSkipVerify: true, ServerName: "secure.test"})
	io.WriteString(conn, "GET /path?q=1 HTTP/1.1\r\n"+
		"X-Zeta: 1\r\nX-Alpha: 2\r\nHost: secure.test\r\nUser-Agent: ua\r\n\r\n")
	resp := readResponse(t, bufio.NewReader(conn), "GET")
	if resp.StatusCode != 200 {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}

	req := h.request()
	if req == nil || req.URL != "https://secure.test/path?q=1" {
		t.Fatalf("Unexpected intercepted request %+v", req)
	}
	want := []string{"X-Zeta", "X-Alpha", "User-Agent"}
	if got := headerKeys(req.Headers); !equalStrings(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestToProxiedRequestWithoutRecord(t *testing.T) {
	r, _ := http.NewRequest("GET", "http://origin.test/", strings.NewReader(""))
	r.Header.Set("B", "2")
	r.Header.Set("A", "1")

	req, err := toProxiedRequest(r, nil)
	if err != nil {
		t.Fatalf("toProxiedRequest failed: %v", err)
	}
	if got := headerKeys(req.Headers); !equalStrings(got, []string{"A", "B"}) {
		t.Errorf("Expected canonical fallback order, got %v", got)
	}
}
