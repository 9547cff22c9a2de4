// Package health probes the automation backend periodically and serves the
// last result at /health.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/mimicproxy/internal/metrics"
	"github.com/Rorqualx/mimicproxy/pkg/version"
)

const probeTimeout = 10 * time.Second

// Pinger reports the automation backend's product string.
type Pinger interface {
	Ping(ctx context.Context) (string, error)
}

// Status is the result of the last probe.
type Status struct {
	Healthy   bool      `json:"healthy"`
	Backend   string    `json:"backend,omitempty"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checkedAt"`
	Version   string    `json:"version"`
}

// Checker runs the probe on an interval.
type Checker struct {
	pinger   Pinger
	interval time.Duration

	mu     sync.RWMutex
	status Status

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a Checker. Start must be called to begin probing.
func New(pinger Pinger, interval time.Duration) *Checker {
	return &Checker{
		pinger:   pinger,
		interval: interval,
		status:   Status{Version: version.Full()},
		stopCh:   make(chan struct{}),
	}
}

// Start probes once immediately and then every interval until Stop.
// A non-positive interval probes only once.
func (c *Checker) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.Check(context.Background())
		if c.interval <= 0 {
			return
		}

		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.Check(context.Background())
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop ends probing and waits for an in-flight probe.
func (c *Checker) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Check probes the backend once and records the result.
func (c *Checker) Check(ctx context.Context) Status {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	product, err := c.pinger.Ping(ctx)
	st := Status{
		Healthy:   err == nil,
		Backend:   product,
		CheckedAt: time.Now(),
		Version:   version.Full(),
	}
	if err != nil {
		st.Error = err.Error()
	}

	c.mu.Lock()
	changed := c.status.Healthy != st.Healthy || c.status.CheckedAt.IsZero()
	c.status = st
	c.mu.Unlock()

	metrics.SetBackendUp(st.Healthy)
	if changed {
		if st.Healthy {
			log.Info().Str("backend", product).Msg("Automation backend is up")
		} else {
			log.Warn().Err(err).Msg("Automation backend is down")
		}
	}
	return st
}

// Status returns the last probe result.
func (c *Checker) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// ServeHTTP writes the last status as JSON: 200 when healthy, 503 otherwise.
func (c *Checker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	st := c.Status()
	code := http.StatusOK
	if !st.Healthy {
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(st); err != nil {
		log.Error().Err(err).Msg("Failed to encode health response")
	}
}
