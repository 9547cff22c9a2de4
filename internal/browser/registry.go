package browser

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
)

// Tab is a browser target opened for one emulation.
// It stays in the Registry until a close has been confirmed.
type Tab struct {
	TargetID  string
	Page      *rod.Page
	CreatedAt time.Time

	session *Session

	// closing is the single latch shared by explicit close, the reaper and
	// the disconnect watcher.
	closing atomic.Bool
	retries atomic.Int32

	disconnectOnce sync.Once
	disconnected   chan struct{}

	doneOnce sync.Once
	done     chan struct{}

	timerMu sync.Mutex
	timer   *time.Timer
}

func newTab(targetID string, sess *Session, page *rod.Page, createdAt time.Time) *Tab {
	return &Tab{
		TargetID:     targetID,
		Page:         page,
		CreatedAt:    createdAt,
		session:      sess,
		disconnected: make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// NewTab wraps page, already attached as targetID, in an unregistered Tab
// that belongs to no session.
func NewTab(targetID string, page *rod.Page) *Tab {
	return newTab(targetID, nil, page, time.Now())
}

// Session returns the session the tab was opened on.
func (t *Tab) Session() *Session {
	return t.session
}

// Disconnected is closed when the target is destroyed, detached, or its
// session's connection is lost.
func (t *Tab) Disconnected() <-chan struct{} {
	return t.disconnected
}

// Done is closed once the tab has been confirmed closed and unregistered.
func (t *Tab) Done() <-chan struct{} {
	return t.done
}

// Closing reports whether a close attempt is in flight or has succeeded.
func (t *Tab) Closing() bool {
	return t.closing.Load()
}

// Retries returns how many times a close has been rescheduled.
func (t *Tab) Retries() int {
	return int(t.retries.Load())
}

// Age returns how long ago the tab was opened.
func (t *Tab) Age(now time.Time) time.Duration {
	return now.Sub(t.CreatedAt)
}

func (t *Tab) markDisconnected() {
	t.disconnectOnce.Do(func() { close(t.disconnected) })
}

func (t *Tab) markDone() {
	t.doneOnce.Do(func() { close(t.done) })
}

// swapTimer replaces the pending rescheduled close and returns the old one.
func (t *Tab) swapTimer(next *time.Timer) *time.Timer {
	t.timerMu.Lock()
	defer t.timerMu.Unlock()
	prev := t.timer
	t.timer = next
	return prev
}

// Registry tracks every open tab by target ID.
type Registry struct {
	mu   sync.RWMutex
	tabs map[string]*Tab
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tabs: make(map[string]*Tab)}
}

// Add registers tab, replacing any stale entry with the same target ID.
func (r *Registry) Add(tab *Tab) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tabs[tab.TargetID] = tab
}

// Remove unregisters tab. It reports false if tab was not the registered
// entry for its target ID, so a double close never removes twice.
func (r *Registry) Remove(tab *Tab) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.tabs[tab.TargetID]; !ok || cur != tab {
		return false
	}
	delete(r.tabs, tab.TargetID)
	return true
}

// Get returns the tab registered for targetID.
func (r *Registry) Get(targetID string) (*Tab, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tab, ok := r.tabs[targetID]
	return tab, ok
}

// Len returns the number of registered tabs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tabs)
}

// Snapshot returns every registered tab.
func (r *Registry) Snapshot() []*Tab {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tab, 0, len(r.tabs))
	for _, tab := range r.tabs {
		out = append(out, tab)
	}
	return out
}

// Expired returns every tab older than maxAge, whatever its closing state.
// Collection happens under the read lock; closing is left to the caller.
func (r *Registry) Expired(now time.Time, maxAge time.Duration) []*Tab {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Tab
	for _, tab := range r.tabs {
		if tab.Age(now) > maxAge {
			out = append(out, tab)
		}
	}
	return out
}

// markDisconnected flags the tab for targetID, if any.
func (r *Registry) markDisconnected(targetID string) {
	if tab, ok := r.Get(targetID); ok {
		tab.markDisconnected()
	}
}

// markSessionLost flags every tab opened on sess.
func (r *Registry) markSessionLost(sess *Session) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, tab := range r.tabs {
		if tab.session == sess {
			tab.markDisconnected()
		}
	}
}
