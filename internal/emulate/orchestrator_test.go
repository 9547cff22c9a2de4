package emulate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-rod/rod/lib/proto"

	"github.com/Rorqualx/mimicproxy/internal/browser"
	"github.com/Rorqualx/mimicproxy/internal/classify"
	"github.com/Rorqualx/mimicproxy/internal/config"
	"github.com/Rorqualx/mimicproxy/internal/humanize"
	"github.com/Rorqualx/mimicproxy/internal/synth"
	"github.com/Rorqualx/mimicproxy/internal/types"
)

type fakeTabs struct {
	err    error
	opened int
}

func (f *fakeTabs) OpenTab(ctx context.Context, sess *browser.Session, url string) (*browser.Tab, error) {
	f.opened++
	return nil, f.err
}

func (f *fakeTabs) CloseTab(tab *browser.Tab) bool { return false }

func TestPlanNavigationURL(t *testing.T) {
	served := &Plan{HostingURL: "https://example.com/", Page: synth.Page{HTML: "<p>", ServeBasePage: true}}
	if got := served.NavigationURL(); got != "https://example.com/" {
		t.Errorf("Expected hosting URL, got %q", got)
	}

	manual := &Plan{HostingURL: "https://example.com/a"}
	if got := manual.NavigationURL(); got != "https://example.com/a" {
		t.Errorf("Expected request URL, got %q", got)
	}

	inline := &Plan{Page: synth.Page{HTML: "<p>"}}
	if got := inline.NavigationURL(); got != synth.DataURL("<p>") {
		t.Errorf("Expected data URL, got %q", got)
	}
}

func TestPlanPatterns(t *testing.T) {
	p := &Plan{}
	got := p.patterns()
	if len(got) != 2 || got[0].RequestStage != proto.FetchRequestStageRequest || got[1].RequestStage != proto.FetchRequestStageResponse {
		t.Errorf("Expected request and response stages, got %+v", got)
	}

	p.ResponseOnly = true
	got = p.patterns()
	if len(got) != 1 || got[0].RequestStage != proto.FetchRequestStageResponse {
		t.Errorf("Expected response stage only, got %+v", got)
	}
	if got[0].URLPattern != "*" {
		t.Errorf("Expected * pattern, got %q", got[0].URLPattern)
	}
}

func TestPlanNeedsAction(t *testing.T) {
	tests := []struct {
		plan Plan
		want bool
	}{
		{Plan{Automatic: true}, false},
		{Plan{Automatic: false}, true},
		{Plan{Automatic: true, Files: []string{"/tmp/a"}}, true},
	}
	for i, tt := range tests {
		if got := tt.plan.needsAction(); got != tt.want {
			t.Errorf("Case %d: expected %v, got %v", i, tt.want, got)
		}
	}
}

func TestSettleOnce(t *testing.T) {
	r := &run{done: make(chan outcome, 1), state: stateTabOpened}

	r.settle(&types.CapturedResponse{StatusCode: 200}, nil)
	r.settle(nil, errors.New("late"))
	r.fail("click", errors.New("later"))

	out := <-r.done
	if out.err != nil || out.resp.StatusCode != 200 {
		t.Errorf("Expected first outcome to win, got %+v", out)
	}
	if r.currentState() != stateResponseCaptured {
		t.Errorf("Expected %s, got %s", stateResponseCaptured, r.currentState())
	}
	select {
	case extra := <-r.done:
		t.Errorf("Unexpected second outcome %+v", extra)
	default:
	}
}

func TestFailKeepsKind(t *testing.T) {
	r := &run{done: make(chan outcome, 1)}
	r.fail("set_files", types.Errorf(types.KindFileInputNotFound, "set_files", "none"))
	out := <-r.done
	if types.KindOf(out.err) != types.KindFileInputNotFound {
		t.Errorf("Expected %s, got %s", types.KindFileInputNotFound, types.KindOf(out.err))
	}
	if r.currentState() != stateFailed {
		t.Errorf("Expected failed state, got %s", r.currentState())
	}
}

func TestFailClassifiesTransport(t *testing.T) {
	r := &run{done: make(chan outcome, 1)}
	r.fail("navigate", io.EOF)
	out := <-r.done
	if types.KindOf(out.err) != types.KindTransientTransport {
		t.Errorf("Expected transient kind, got %s", types.KindOf(out.err))
	}
}

func TestRunOpenTabError(t *testing.T) {
	tabs := &fakeTabs{err: types.ErrSessionClosed}
	o := New(tabs, Options{Mouse: humanize.DirectMouseConfig()})

	_, err := o.Run(context.Background(), nil, &Plan{Strategy: classify.ManualNavigation, HostingURL: "https://example.com/"})
	if !errors.Is(err, types.ErrSessionClosed) {
		t.Errorf("Expected session closed error, got %v", err)
	}
	if tabs.opened != 1 {
		t.Errorf("Expected 1 open attempt, got %d", tabs.opened)
	}
}

func TestRunWithoutURL(t *testing.T) {
	tabs := &fakeTabs{}
	o := New(tabs, Options{})

	_, err := o.Run(context.Background(), nil, &Plan{Strategy: classify.FetchCall})
	if types.KindOf(err) != types.KindMissingHostingURL {
		t.Errorf("Expected missing hosting URL, got %v", err)
	}
	if tabs.opened != 0 {
		t.Error("Expected no tab to be opened")
	}
}

func TestPrepareUploads(t *testing.T) {
	dir := t.TempDir()
	fields := []synth.FormField{
		{Name: "note", Value: []byte("text")},
		{Name: "doc", Value: []byte("first"), File: true, Filename: "a.txt"},
		{Name: "blob", Value: []byte("second"), File: true},
		{Name: "evil", Value: []byte("third"), File: true, Filename: "../../etc/passwd"},
	}

	paths, cleanup, err := PrepareUploads(dir, fields)
	if err != nil {
		t.Fatalf("PrepareUploads failed: %v", err)
	}
	if len(paths) != 3 {
		t.Fatalf("Expected 3 paths, got %d", len(paths))
	}

	wantNames := []string{"a.txt", unnamedUpload, "passwd"}
	wantData := []string{"first", "second", "third"}
	for i, p := range paths {
		if filepath.Base(p) != wantNames[i] {
			t.Errorf("Path %d: expected name %s, got %s", i, wantNames[i], filepath.Base(p))
		}
		if !strings.HasPrefix(p, filepath.Join(dir, "upload_")) {
			t.Errorf("Path %d escapes upload dir: %s", i, p)
		}
		data, err := os.ReadFile(p)
		if err != nil || string(data) != wantData[i] {
			t.Errorf("Path %d: expected %q, got %q (%v)", i, wantData[i], data, err)
		}
	}

	root := filepath.Dir(filepath.Dir(paths[0]))
	cleanup()
	if _, err := os.Stat(root); !os.IsNotExist(err) {
		t.Errorf("Expected %s to be removed, got %v", root, err)
	}
}

func TestPrepareUploadsNoFiles(t *testing.T) {
	paths, cleanup, err := PrepareUploads(t.TempDir(), []synth.FormField{{Name: "a", Value: []byte("b")}})
	defer cleanup()
	if err != nil {
		t.Fatalf("PrepareUploads failed: %v", err)
	}
	if len(paths) != 0 {
		t.Errorf("Expected no paths, got %v", paths)
	}
}

func TestUploadName(t *testing.T) {
	tests := map[string]string{
		"":             unnamedUpload,
		"report.pdf":   "report.pdf",
		"a/b/c.png":    "c.png",
		"..":           unnamedUpload,
		"../../x.bin":  "x.bin",
		"/":            unnamedUpload,
		"dir/../y.txt": "y.txt",
	}
	for in, want := range tests {
		if got := uploadName(in); got != want {
			t.Errorf("uploadName(%q): expected %q, got %q", in, want, got)
		}
	}
}

// TestRunManualNavigation captures a real response through a browser backend.
func TestRunManualNavigation(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping browser test in short mode")
	}
	cdpURL := os.Getenv("CDP_TEST_URL")
	if cdpURL == "" {
		t.Skip("CDP_TEST_URL not set")
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Seen", r.Method)
		fmt.Fprint(w, "captured")
	}))
	defer srv.Close()

	cfg := &config.Config{
		CDPURL:              cdpURL,
		RequestTimeout:      10 * time.Second,
		TabMaxLifetime:      time.Minute,
		TabSweepInterval:    time.Hour,
		TabCloseBackoffBase: 10 * time.Millisecond,
		TabCloseBackoffMax:  40 * time.Millisecond,
		CDPRetryAttempts:    1,
	}
	mgr, err := browser.NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	defer mgr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sess, err := mgr.OpenSession(ctx)
	if err != nil {
		t.Fatalf("OpenSession failed: %v", err)
	}
	defer sess.Close()

	resp, err := New(mgr, Options{Mouse: humanize.DirectMouseConfig()}).Run(ctx, sess, &Plan{
		Strategy:     classify.ManualNavigation,
		Method:       "GET",
		HostingURL:   srv.URL,
		Automatic:    true,
		Transition:   proto.PageTransitionTypeTyped,
		ResponseOnly: true,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if resp.StatusCode != 200 || string(resp.Body) != "captured" || resp.Header.Get("X-Seen") != "GET" {
		t.Errorf("Unexpected response %d %q %v", resp.StatusCode, resp.Body, resp.Header)
	}
}
