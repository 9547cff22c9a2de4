package proxy

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"net/textproto"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/Rorqualx/mimicproxy/internal/types"
)

// maxHeadBytes bounds a request head the recorder will buffer. Larger heads
// are left to net/http to reject and recording stops for the connection.
const maxHeadBytes = 1 << 20

type recorderState int

const (
	stateHead recorderState = iota
	stateBody
	stateChunkSize
	stateChunkData
	stateChunkEnd
	stateTrailer
	statePassthrough
)

// wireHead is the request line target and header names of one request, in
// the order they arrived.
type wireHead struct {
	method string
	target string
	names  []string
}

// headerRecorder follows the raw HTTP/1.x byte stream of one connection and
// queues the head of every request. net/http keeps headers in a map, so this
// is the only place the client's header order survives.
type headerRecorder struct {
	mu        sync.Mutex
	state     recorderState
	buf       []byte
	remaining int64
	heads     []wireHead
}

// Write feeds bytes read from the connection. It never fails: malformed
// input switches the recorder off and net/http reports the error.
func (h *headerRecorder) Write(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == statePassthrough {
		return len(p), nil
	}
	h.buf = append(h.buf, p...)
	for h.step() {
	}
	if h.state == statePassthrough {
		h.buf = nil
	}
	return len(p), nil
}

// step consumes one unit of buffered input and reports whether progress was
// made.
func (h *headerRecorder) step() bool {
	switch h.state {
	case stateHead:
		h.buf = bytes.TrimLeft(h.buf, "\r\n")
		end, size := headEnd(h.buf)
		if end < 0 {
			if len(h.buf) > maxHeadBytes {
				h.state = statePassthrough
			}
			return false
		}
		head, framing, ok := parseHead(h.buf[:end])
		h.buf = h.buf[end+size:]
		if !ok {
			h.state = statePassthrough
			return false
		}
		h.heads = append(h.heads, head)
		switch {
		case head.method == http.MethodConnect:
			h.state = statePassthrough
			return false
		case framing.chunked:
			h.state = stateChunkSize
		case framing.length > 0:
			h.state, h.remaining = stateBody, framing.length
		}
		return true

	case stateBody, stateChunkData:
		if len(h.buf) == 0 {
			return false
		}
		n := int64(len(h.buf))
		if n > h.remaining {
			n = h.remaining
		}
		h.buf = h.buf[n:]
		h.remaining -= n
		if h.remaining == 0 {
			if h.state == stateBody {
				h.state = stateHead
			} else {
				h.state = stateChunkEnd
			}
		}
		return true

	case stateChunkSize:
		line, ok := h.line()
		if !ok {
			return false
		}
		if i := strings.IndexByte(line, ';'); i >= 0 {
			line = line[:i]
		}
		size, err := strconv.ParseInt(strings.TrimSpace(line), 16, 64)
		if err != nil || size < 0 {
			h.state = statePassthrough
			return false
		}
		if size == 0 {
			h.state = stateTrailer
		} else {
			h.state, h.remaining = stateChunkData, size
		}
		return true

	case stateChunkEnd:
		line, ok := h.line()
		if !ok {
			return false
		}
		if line != "" {
			h.state = statePassthrough
			return false
		}
		h.state = stateChunkSize
		return true

	case stateTrailer:
		line, ok := h.line()
		if !ok {
			return false
		}
		if line == "" {
			h.state = stateHead
		}
		return true
	}
	return false
}

// line pops one CRLF or LF terminated line from the buffer.
func (h *headerRecorder) line() (string, bool) {
	i := bytes.IndexByte(h.buf, '\n')
	if i < 0 {
		if len(h.buf) > maxHeadBytes {
			h.state = statePassthrough
		}
		return "", false
	}
	line := strings.TrimSuffix(string(h.buf[:i]), "\r")
	h.buf = h.buf[i+1:]
	return line, true
}

// next returns the header names recorded for the request with the given
// method and request target. Heads queued before it belong to requests that
// never reached the handler and are dropped.
func (h *headerRecorder) next(method, target string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i, head := range h.heads {
		if head.method == method && head.target == target {
			h.heads = h.heads[i+1:]
			return head.names
		}
	}
	return nil
}

// headEnd locates the blank line ending a request head and the length of
// its terminator.
func headEnd(b []byte) (int, int) {
	crlf := bytes.Index(b, []byte("\r\n\r\n"))
	lf := bytes.Index(b, []byte("\n\n"))
	switch {
	case crlf >= 0 && (lf < 0 || crlf < lf):
		return crlf, 4
	case lf >= 0:
		return lf, 2
	}
	return -1, 0
}

type bodyFraming struct {
	chunked bool
	length  int64
}

func parseHead(b []byte) (wireHead, bodyFraming, bool) {
	lines := strings.Split(strings.ReplaceAll(string(b), "\r\n", "\n"), "\n")
	fields := strings.Fields(lines[0])
	if len(fields) != 3 || !strings.HasPrefix(fields[2], "HTTP/1.") {
		return wireHead{}, bodyFraming{}, false
	}

	head := wireHead{method: fields[0], target: fields[1]}
	var framing bodyFraming
	for _, line := range lines[1:] {
		if line == "" || line[0] == ' ' || line[0] == '\t' {
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return wireHead{}, bodyFraming{}, false
		}
		head.names = append(head.names, name)

		value = strings.TrimSpace(value)
		switch textproto.CanonicalMIMEHeaderKey(name) {
		case "Transfer-Encoding":
			if strings.EqualFold(value, "chunked") || strings.HasSuffix(strings.ToLower(value), ", chunked") {
				framing.chunked = true
			}
		case "Content-Length":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil || n < 0 {
				return wireHead{}, bodyFraming{}, false
			}
			framing.length = n
		}
	}
	return head, framing, true
}

// orderedHeaders flattens h in the order names were seen on the wire. Names
// absent from the record follow in canonical order; repeated fields keep
// their relative order at the position of the first occurrence.
func orderedHeaders(h http.Header, names []string) types.HeaderList {
	out := make(types.HeaderList, 0, len(h))
	seen := make(map[string]bool, len(h))
	emit := func(key string) {
		if seen[key] {
			return
		}
		vv, ok := h[key]
		if !ok {
			return
		}
		seen[key] = true
		for _, v := range vv {
			out = append(out, types.Header{Key: key, Value: v})
		}
	}

	for _, name := range names {
		emit(textproto.CanonicalMIMEHeaderKey(name))
	}

	var rest []string
	for k := range h {
		if !seen[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	for _, k := range rest {
		emit(k)
	}
	return out
}

type recorderKey struct{}

// recordingConn tees every byte read into its recorder.
type recordingConn struct {
	net.Conn
	rec *headerRecorder
}

func (c *recordingConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.rec.Write(p[:n])
	}
	return n, err
}

type recordingListener struct {
	net.Listener
}

func (l recordingListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return &recordingConn{Conn: c, rec: &headerRecorder{}}, nil
}

// RecordingListener wraps ln so every accepted connection records request
// header order. Pair it with ConnContext on the http.Server.
func RecordingListener(ln net.Listener) net.Listener {
	return recordingListener{Listener: ln}
}

// ConnContext attaches the connection's header recorder to its requests.
func ConnContext(ctx context.Context, c net.Conn) context.Context {
	if rc, ok := c.(*recordingConn); ok {
		return context.WithValue(ctx, recorderKey{}, rc.rec)
	}
	return ctx
}

// wireOrder returns the recorded header names of r, or nil when the
// connection was not accepted through RecordingListener.
func wireOrder(r *http.Request) []string {
	rec, ok := r.Context().Value(recorderKey{}).(*headerRecorder)
	if !ok {
		return nil
	}
	return rec.next(r.Method, r.RequestURI)
}
