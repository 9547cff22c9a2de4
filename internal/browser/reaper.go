package browser

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Rorqualx/mimicproxy/internal/metrics"
)

// maxConcurrentReaps limits parallel closes during a sweep.
const maxConcurrentReaps = 4

func (m *Manager) startReaper() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.reapRoutine()
	}()
}

// reapRoutine periodically closes tabs that outlived TabMaxLifetime.
func (m *Manager) reapRoutine() {
	interval := m.cfg.TabSweepInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			log.Debug().Msg("Tab reaper stopped")
			return
		case <-ticker.C:
			m.reapExpired(time.Now())
		}
	}
}

// reapExpired closes every tab older than TabMaxLifetime and returns how
// many closes it confirmed.
// Phase 1 collects under the registry read lock; phase 2 closes in parallel
// with no lock held.
func (m *Manager) reapExpired(now time.Time) int {
	expired := m.registry.Expired(now, m.cfg.TabMaxLifetime)
	if len(expired) == 0 {
		return 0
	}

	var reaped atomic.Int32
	eg := new(errgroup.Group)
	eg.SetLimit(maxConcurrentReaps)

	for _, tab := range expired {
		eg.Go(func() error {
			if m.CloseTab(tab) {
				reaped.Add(1)
			}
			return nil
		})
	}
	_ = eg.Wait()

	n := int(reaped.Load())
	metrics.RecordTabsReaped(n)
	log.Info().
		Int("expired", len(expired)).
		Int("reaped", n).
		Int("remaining", m.registry.Len()).
		Msg("Reaped expired tabs")
	return n
}
