package browser

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/mimicproxy/internal/metrics"
	"github.com/Rorqualx/mimicproxy/internal/types"
)

// closeStrategy is one way of closing a target. Strategies are tried in
// order until one succeeds or reports the target already gone.
type closeStrategy struct {
	name  string
	close func(ctx context.Context, tab *Tab) error
}

func (m *Manager) defaultStrategies() []closeStrategy {
	return []closeStrategy{
		{name: "own_session", close: m.closeOnOwnSession},
		{name: "fresh_session", close: m.closeOnFreshSession},
		{name: "admin_endpoint", close: m.closeViaAdmin},
	}
}

// CloseTab closes tab, escalating through every close strategy. It returns
// false at once if another close of the same tab is in flight or already
// succeeded. When every strategy fails the close is rescheduled with
// exponential backoff and the tab stays registered.
//
// CloseTab reports whether this call confirmed the tab closed.
func (m *Manager) CloseTab(tab *Tab) bool {
	if tab == nil || !tab.closing.CompareAndSwap(false, true) {
		return false
	}
	m.cancelScheduledClose(tab)

	var lastErr error
	for _, s := range m.strategies {
		ctx, cancel := context.WithTimeout(context.Background(), strategyTimeout)
		err := s.close(ctx, tab)
		cancel()

		if err == nil || alreadyGone(err) {
			m.forget(tab, s.name)
			return true
		}
		lastErr = err
		log.Debug().
			Err(err).
			Str("target_id", tab.TargetID).
			Str("strategy", s.name).
			Msg("Close strategy failed, escalating")
	}

	m.rearm(tab, lastErr)
	return false
}

// forget unregisters a confirmed-closed tab.
func (m *Manager) forget(tab *Tab, strategy string) {
	if m.registry.Remove(tab) {
		metrics.RecordTabClose(strategy)
		metrics.UpdateTabMetrics(m.registry.Len())
		log.Debug().
			Str("target_id", tab.TargetID).
			Str("strategy", strategy).
			Dur("age", tab.Age(time.Now())).
			Msg("Tab closed")
	}
	tab.markDone()
}

// rearm clears the closing latch and schedules another attempt.
func (m *Manager) rearm(tab *Tab, cause error) {
	retries := tab.retries.Add(1)
	delay := closeBackoff(m.cfg.TabCloseBackoffBase, m.cfg.TabCloseBackoffMax, int(retries))
	tab.closing.Store(false)
	metrics.RecordTabRearm()

	if m.closed.Load() {
		log.Warn().
			Err(cause).
			Str("target_id", tab.TargetID).
			Msg("Tab close failed during shutdown, abandoning")
		return
	}

	log.Warn().
		Err(cause).
		Str("target_id", tab.TargetID).
		Int32("retries", retries).
		Dur("retry_in", delay).
		Msg("All close strategies failed, rescheduling")

	m.rearms.Add(1)
	timer := time.AfterFunc(delay, func() {
		defer m.rearms.Done()
		m.CloseTab(tab)
	})
	if prev := tab.swapTimer(timer); prev != nil && prev.Stop() {
		m.rearms.Done()
	}
}

// cancelScheduledClose stops a pending rescheduled close, if any.
func (m *Manager) cancelScheduledClose(tab *Tab) {
	if t := tab.swapTimer(nil); t != nil && t.Stop() {
		m.rearms.Done()
	}
}

// closeBackoff returns min(base * 2^retries, max).
func closeBackoff(base, max time.Duration, retries int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	d := base
	for i := 0; i < retries; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

func (m *Manager) closeOnOwnSession(ctx context.Context, tab *Tab) error {
	sess := tab.session
	if sess == nil || sess.Closed() {
		return types.ErrSessionClosed
	}
	return closeTarget(ctx, sess, tab.TargetID)
}

func (m *Manager) closeOnFreshSession(ctx context.Context, tab *Tab) error {
	// Bypasses the closed check so the shutdown pass can still escalate.
	sess, err := m.openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()
	return closeTarget(ctx, sess, tab.TargetID)
}

func closeTarget(ctx context.Context, sess *Session, targetID string) error {
	_, err := proto.TargetCloseTarget{TargetID: proto.TargetTargetID(targetID)}.Call(sess.browser.Context(ctx))
	if err != nil {
		return fmt.Errorf("close target: %w", err)
	}
	return nil
}

// closeViaAdmin uses the DevTools HTTP endpoint, which works even when no
// websocket can be established.
func (m *Manager) closeViaAdmin(ctx context.Context, tab *Tab) error {
	endpoint := m.adminBase() + "/json/close/" + url.PathEscape(tab.TargetID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build admin close request: %w", err)
	}

	resp, err := m.adminClient.Do(req)
	if err != nil {
		return types.NewError(types.KindTransientTransport, "admin_close", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusNotFound || strings.Contains(string(body), "No such target"):
		return types.Errorf(types.KindTargetAlreadyClosed, "admin_close", "target %s not found", tab.TargetID)
	default:
		return types.Errorf(types.KindAutomationProtocol, "admin_close",
			"admin close returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
}
