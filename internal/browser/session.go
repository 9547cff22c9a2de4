// Package browser manages automation sessions against a Chromium backend and
// the lifecycle of every tab opened through them.
//
// Each emulation opens its own Session (one CDP websocket) and one Tab on it.
// Tabs are tracked in a Registry until a close is confirmed; closes escalate
// through several strategies and are rescheduled with backoff when all fail.
// A reaper collects tabs that outlive TabMaxLifetime.
package browser

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/cdp"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Rorqualx/mimicproxy/internal/config"
	"github.com/Rorqualx/mimicproxy/internal/metrics"
	"github.com/Rorqualx/mimicproxy/internal/security"
	"github.com/Rorqualx/mimicproxy/internal/types"
)

const (
	connectTimeout  = 15 * time.Second
	strategyTimeout = 5 * time.Second
	shutdownTimeout = 30 * time.Second
	idleCloseGrace  = 30 * time.Second
)

// Manager opens automation sessions and owns the tab registry.
//
// Lock ordering: the registry lock is never held while performing CDP I/O.
type Manager struct {
	cfg        *config.Config
	registry   *Registry
	strategies []closeStrategy

	// Set when CHROME_LAUNCH starts a local browser.
	launcher   *launcher.Launcher
	controlURL string

	proxyCreds *ProxyCredentials

	adminClient *http.Client

	closed atomic.Bool
	stopCh chan struct{}

	// wg tracks the reaper and disconnect watchers.
	wg sync.WaitGroup
	// rearms tracks scheduled close retries.
	rearms sync.WaitGroup
}

// NewManager creates a session manager for cfg. With ChromeLaunch set it
// launches the local browser before returning.
func NewManager(cfg *config.Config) (*Manager, error) {
	m := newManager(cfg, nil)

	if cfg.ChromeLaunch {
		u, err := m.launch()
		if err != nil {
			return nil, err
		}
		m.controlURL = u
	}

	m.startReaper()

	log.Info().
		Bool("launch", cfg.ChromeLaunch).
		Str("backend", m.backendLabel()).
		Bool("stealth", cfg.StealthEnabled).
		Dur("tab_max_lifetime", cfg.TabMaxLifetime).
		Msg("Session manager initialized")

	return m, nil
}

// newManager builds a Manager without touching the network. A nil
// strategies slice installs the default escalation order.
func newManager(cfg *config.Config, strategies []closeStrategy) *Manager {
	m := &Manager{
		cfg:         cfg,
		registry:    NewRegistry(),
		proxyCreds:  parseProxyCredentials(cfg.BrowserProxy),
		adminClient: &http.Client{Timeout: strategyTimeout},
		stopCh:      make(chan struct{}),
	}
	if strategies == nil {
		strategies = m.defaultStrategies()
	}
	m.strategies = strategies
	return m
}

// Registry returns the manager's tab registry.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// ProxyCredentials returns the upstream proxy credentials a launched browser
// must answer auth challenges with, or nil.
func (m *Manager) ProxyCredentials() *ProxyCredentials {
	return m.proxyCreds
}

func (m *Manager) backendLabel() string {
	if m.controlURL != "" {
		return security.RedactURL(m.controlURL)
	}
	if m.cfg.CDPURL != "" {
		return security.RedactURL(m.cfg.CDPURL)
	}
	return m.cfg.CDPAddr()
}

// resolveControlURL returns the websocket debugger URL for a new session.
// Remote backends are resolved on every call since the URL changes when the
// remote browser restarts.
func (m *Manager) resolveControlURL() (string, error) {
	if m.controlURL != "" {
		return m.controlURL, nil
	}

	target := m.cfg.CDPURL
	if target == "" {
		target = m.cfg.CDPAddr()
	}
	if strings.HasPrefix(target, "ws://") || strings.HasPrefix(target, "wss://") {
		return target, nil
	}

	u, err := launcher.ResolveURL(target)
	if err != nil {
		return "", types.NewError(types.KindTransientTransport, "resolve_control_url",
			fmt.Errorf("resolve debugger url for %s: %w", target, err))
	}
	return u, nil
}

// adminBase returns the http://host:port of the DevTools HTTP endpoint.
func (m *Manager) adminBase() string {
	for _, raw := range []string{m.controlURL, m.cfg.CDPURL} {
		if raw == "" {
			continue
		}
		if u, err := url.Parse(raw); err == nil && u.Host != "" {
			return "http://" + u.Host
		}
	}
	return "http://" + m.cfg.CDPAddr()
}

// Session is one automation connection. It is closed exactly once.
type Session struct {
	browser *rod.Browser
	ctx     context.Context
	cancel  context.CancelFunc

	connMu sync.Mutex
	conn   net.Conn

	tabsMu sync.Mutex
	tabs   []*Tab

	closeOnce sync.Once
}

// Browser returns the session's browser bound to the session lifetime.
func (s *Session) Browser() *rod.Browser {
	return s.browser
}

// Done is closed when the session is closed or its connection is lost.
func (s *Session) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Closed reports whether the session can no longer be used.
func (s *Session) Closed() bool {
	return s.ctx.Err() != nil
}

// Close drops the websocket without closing the browser itself.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.connMu.Lock()
		conn := s.conn
		s.connMu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
	})
}

// CloseWhenIdle closes the session once every tab opened on it has been
// confirmed closed, or after idleCloseGrace at the latest. Tab closes run
// on the session's own connection first, so closing it earlier would force
// them onto a fresh one.
func (s *Session) CloseWhenIdle() {
	timer := time.NewTimer(idleCloseGrace)
	defer timer.Stop()
	defer s.Close()

	for _, tab := range s.openedTabs() {
		select {
		case <-tab.Done():
		case <-timer.C:
			log.Debug().Str("target_id", tab.TargetID).Msg("Closing session with tab still open")
			return
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) track(tab *Tab) {
	s.tabsMu.Lock()
	defer s.tabsMu.Unlock()
	s.tabs = append(s.tabs, tab)
}

func (s *Session) openedTabs() []*Tab {
	s.tabsMu.Lock()
	defer s.tabsMu.Unlock()
	return append([]*Tab(nil), s.tabs...)
}

// DialContext records the websocket's underlying connection so Close can
// drop it.
func (s *Session) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	return conn, nil
}

// OpenSession opens a new connection to the automation backend. Failures
// are returned to the caller, which decides whether to retry.
func (m *Manager) OpenSession(ctx context.Context) (*Session, error) {
	if m.closed.Load() {
		return nil, types.ErrManagerClosed
	}
	return m.openSession(ctx)
}

func (m *Manager) openSession(ctx context.Context) (*Session, error) {
	controlURL, err := m.resolveControlURL()
	if err != nil {
		metrics.RecordSessionOpen(false)
		return nil, err
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	sess := &Session{ctx: sessCtx, cancel: cancel}

	connectCtx, connectCancel := context.WithTimeout(ctx, connectTimeout)
	defer connectCancel()

	ws := &cdp.WebSocket{Dialer: sess}
	if err := ws.Connect(connectCtx, controlURL, nil); err != nil {
		sess.Close()
		metrics.RecordSessionOpen(false)
		return nil, types.NewError(types.KindTransientTransport, "open_session",
			fmt.Errorf("connect to automation backend: %w", err))
	}

	sess.browser = rod.New().Client(cdp.New().Start(ws)).Context(sessCtx)
	if err := sess.browser.Connect(); err != nil {
		sess.Close()
		metrics.RecordSessionOpen(false)
		return nil, types.NewError(types.KindTransientTransport, "open_session",
			fmt.Errorf("initialize automation session: %w", err))
	}

	if m.cfg.IgnoreCertErrors {
		if err := sess.browser.IgnoreCertErrors(true); err != nil {
			log.Warn().Err(err).Msg("Failed to set IgnoreCertErrors")
		}
	}

	if err := (proto.TargetSetDiscoverTargets{Discover: true}).Call(sess.browser); err != nil {
		sess.Close()
		metrics.RecordSessionOpen(false)
		return nil, fmt.Errorf("enable target discovery: %w", err)
	}

	m.watchSession(sess)
	metrics.RecordSessionOpen(true)
	log.Debug().Str("backend", m.backendLabel()).Msg("Automation session opened")
	return sess, nil
}

// watchSession routes target destruction and detach events to the matching
// tabs. When the event stream ends, because the session was closed or the
// connection dropped, every tab of the session is flagged.
func (m *Manager) watchSession(sess *Session) {
	wait := sess.browser.EachEvent(
		func(e *proto.TargetTargetDestroyed) {
			m.registry.markDisconnected(string(e.TargetID))
		},
		func(e *proto.TargetDetachedFromTarget) {
			if e.TargetID != "" {
				m.registry.markDisconnected(string(e.TargetID))
			}
		},
	)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		wait()
		sess.Close()
		m.registry.markSessionLost(sess)
	}()
}

// OpenTab creates a target on sess, attaches to it and registers it.
// If the attach fails the target is closed again before returning.
func (m *Manager) OpenTab(ctx context.Context, sess *Session, pageURL string) (*Tab, error) {
	if m.closed.Load() {
		return nil, types.ErrManagerClosed
	}
	if sess == nil || sess.Closed() {
		return nil, types.ErrSessionClosed
	}

	b := sess.browser.Context(ctx)
	created, err := proto.TargetCreateTarget{URL: pageURL}.Call(b)
	if err != nil {
		return nil, fmt.Errorf("create target: %w", err)
	}

	page, err := b.PageFromTarget(created.TargetID)
	if err != nil {
		if _, cerr := (proto.TargetCloseTarget{TargetID: created.TargetID}).Call(sess.browser); cerr != nil && !alreadyGone(cerr) {
			log.Warn().Err(cerr).Str("target_id", string(created.TargetID)).Msg("Failed to close unattached target")
		}
		return nil, fmt.Errorf("attach to target: %w", err)
	}

	tab := newTab(string(created.TargetID), sess, page.Context(sess.ctx), time.Now())
	sess.track(tab)
	m.registry.Add(tab)
	metrics.UpdateTabMetrics(m.registry.Len())
	m.watchTab(tab)

	if m.cfg.StealthEnabled {
		if err := ApplyStealth(tab.Page); err != nil {
			log.Warn().Err(err).Str("target_id", tab.TargetID).Msg("Failed to apply stealth script")
		}
	}

	log.Debug().Str("target_id", tab.TargetID).Msg("Tab opened")
	return tab, nil
}

// watchTab turns a disconnect signal into a close.
func (m *Manager) watchTab(tab *Tab) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		select {
		case <-tab.Disconnected():
			log.Debug().Str("target_id", tab.TargetID).Msg("Tab disconnected, closing")
			m.CloseTab(tab)
		case <-tab.Done():
		case <-m.stopCh:
		}
	}()
}

// Ping opens a throwaway session and asks the backend for its version.
func (m *Manager) Ping(ctx context.Context) (string, error) {
	sess, err := m.OpenSession(ctx)
	if err != nil {
		return "", err
	}
	defer sess.Close()

	v, err := proto.BrowserGetVersion{}.Call(sess.browser.Context(ctx))
	if err != nil {
		return "", fmt.Errorf("browser version: %w", err)
	}
	return v.Product, nil
}

// Close stops the reaper, closes every tracked tab and any launched browser.
// Close is safe to call multiple times.
func (m *Manager) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	log.Info().Int("tabs", m.registry.Len()).Msg("Closing session manager")

	close(m.stopCh)

	tabs := m.registry.Snapshot()
	for _, tab := range tabs {
		m.cancelScheduledClose(tab)
	}

	eg := new(errgroup.Group)
	eg.SetLimit(4)
	for _, tab := range tabs {
		eg.Go(func() error {
			m.CloseTab(tab)
			return nil
		})
	}
	_ = eg.Wait()

	done := make(chan struct{})
	go func() {
		m.rearms.Wait()
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Debug().Msg("Background goroutines stopped")
	case <-time.After(shutdownTimeout):
		log.Warn().Msg("Timeout waiting for background goroutines to stop")
	}

	if m.launcher != nil {
		m.launcher.Kill()
		m.launcher.Cleanup()
	}

	log.Info().Int("tabs_left", m.registry.Len()).Msg("Session manager closed")
	return nil
}
