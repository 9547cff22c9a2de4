package rules

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/mimicproxy/internal/metrics"
)

// reloadDebounce collapses the burst of events one save produces.
const reloadDebounce = 100 * time.Millisecond

var errNoExternalPath = errors.New("no external rules path configured")

// Manager serves the active Rules. It starts from the embedded document,
// merges an optional external file over it, and can follow edits to that
// file. Get never blocks.
type Manager struct {
	embedded      *Rules
	current       atomic.Pointer[Rules]
	path          string
	cleanOverride []string
	reloads       atomic.Int64

	mu      sync.Mutex // serializes Reload
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

// NewManager creates a Manager. An unreadable or invalid external file is
// logged and the embedded rules stay active. A non-empty cleanOverride
// replaces the always-clean list of every loaded document.
func NewManager(externalPath string, hotReload bool, cleanOverride []string) (*Manager, error) {
	m := &Manager{
		embedded:      Default(),
		path:          externalPath,
		cleanOverride: cleanOverride,
		stopCh:        make(chan struct{}),
	}
	m.store(m.embedded)

	if externalPath == "" {
		return m, nil
	}

	if err := m.Reload(); err != nil {
		log.Warn().Err(err).Str("path", externalPath).Msg("Failed to load external rules, using embedded defaults")
	}

	if hotReload {
		if err := m.watch(); err != nil {
			return nil, fmt.Errorf("watch rules file: %w", err)
		}
		log.Info().Str("path", externalPath).Msg("Hot-reload enabled for rules file")
	}
	return m, nil
}

// Get returns the active rules.
func (m *Manager) Get() *Rules {
	return m.current.Load()
}

// Reload re-reads the external file. On error the active rules are kept.
func (m *Manager) Reload() error {
	if m.path == "" {
		return errNoExternalPath
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.path)
	if err != nil {
		return fmt.Errorf("read rules file: %w", err)
	}
	external, err := Parse(data)
	if err != nil {
		return fmt.Errorf("parse rules file: %w", err)
	}

	m.store(merge(m.embedded, external))
	n := m.reloads.Add(1)
	metrics.RecordRulesReload()
	log.Info().Str("path", m.path).Int64("reload_count", n).Msg("Rules loaded")
	return nil
}

// ReloadCount returns how many times the external file has been applied.
func (m *Manager) ReloadCount() int64 {
	return m.reloads.Load()
}

// Close stops following the external file. It is safe to call repeatedly.
func (m *Manager) Close() error {
	var err error
	m.once.Do(func() {
		close(m.stopCh)
		m.wg.Wait()
		if m.watcher != nil {
			err = m.watcher.Close()
		}
	})
	return err
}

func (m *Manager) store(r *Rules) {
	if len(m.cleanOverride) > 0 {
		r = r.WithCleanHeaders(m.cleanOverride)
	}
	m.current.Store(r)
}

// watch follows the file's directory rather than the file itself, so saves
// that replace the file by rename are still seen.
func (m *Manager) watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(m.path)); err != nil {
		w.Close()
		return err
	}
	m.watcher = w

	m.wg.Add(1)
	go m.watchLoop(filepath.Clean(m.path))
	return nil
}

func (m *Manager) watchLoop(target string) {
	defer m.wg.Done()

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			log.Debug().Str("event", ev.Op.String()).Str("file", ev.Name).Msg("Rules file changed")

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, func() {
				if err := m.Reload(); err != nil {
					log.Warn().Err(err).Str("path", m.path).Msg("Hot-reload failed, keeping previous rules")
				}
			})

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Rules watcher error")

		case <-m.stopCh:
			return
		}
	}
}
