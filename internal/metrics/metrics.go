// Package metrics provides Prometheus metrics for monitoring mimicproxy.
package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// EmulationsTotal counts emulated requests by strategy and outcome.
	EmulationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mimicproxy_emulations_total",
			Help: "Total number of requests re-emitted through the browser",
		},
		[]string{"strategy", "outcome"},
	)

	// EmulationDuration tracks end-to-end emulation duration by strategy.
	EmulationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mimicproxy_emulation_duration_seconds",
			Help:    "Emulation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		},
		[]string{"strategy"},
	)

	// EmulationErrors counts failed emulations by error kind.
	EmulationErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mimicproxy_emulation_errors_total",
			Help: "Total emulation failures by error kind",
		},
		[]string{"kind"},
	)

	// NoMatchTotal counts requests no strategy could reproduce.
	NoMatchTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mimicproxy_no_match_total",
			Help: "Total requests with no matching emulation strategy",
		},
	)

	// RetriesTotal counts retried automation work units.
	RetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mimicproxy_cdp_retries_total",
			Help: "Total retries after transient automation transport errors",
		},
	)

	// SessionsOpened counts automation sessions by result.
	SessionsOpened = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mimicproxy_sessions_opened_total",
			Help: "Total automation sessions opened",
		},
		[]string{"status"},
	)

	// TabsOpen shows tabs currently tracked by the registry.
	TabsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mimicproxy_tabs_open",
			Help: "Number of tabs tracked in the registry",
		},
	)

	// TabCloses counts confirmed tab closes by the strategy that succeeded.
	TabCloses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mimicproxy_tab_closes_total",
			Help: "Total tab closes by close strategy",
		},
		[]string{"strategy"},
	)

	// TabCloseRearms counts closes that exhausted every strategy and were rescheduled.
	TabCloseRearms = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mimicproxy_tab_close_rearms_total",
			Help: "Total tab closes rescheduled after all strategies failed",
		},
	)

	// TabsReaped counts tabs collected by the lifetime sweeper.
	TabsReaped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mimicproxy_tabs_reaped_total",
			Help: "Total tabs collected after exceeding their lifetime",
		},
	)

	// BackendUp reports whether the last health probe reached the automation backend.
	BackendUp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mimicproxy_backend_up",
			Help: "1 if the automation backend answered the last health probe",
		},
	)

	// RulesReloads counts successful header rule reloads.
	RulesReloads = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mimicproxy_rules_reloads_total",
			Help: "Total header rule reloads",
		},
	)

	// MemoryUsageBytes shows current memory usage.
	MemoryUsageBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mimicproxy_memory_usage_bytes",
			Help: "Current memory usage in bytes (alloc)",
		},
	)

	// GoroutineCount shows current goroutine count.
	GoroutineCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mimicproxy_goroutines",
			Help: "Current number of goroutines",
		},
	)

	// BuildInfo provides build information as labels.
	BuildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mimicproxy_build_info",
			Help: "Build information",
		},
		[]string{"version", "go_version"},
	)
)

func init() {
	prometheus.MustRegister(
		EmulationsTotal,
		EmulationDuration,
		EmulationErrors,
		NoMatchTotal,
		RetriesTotal,
		SessionsOpened,
		TabsOpen,
		TabCloses,
		TabCloseRearms,
		TabsReaped,
		BackendUp,
		RulesReloads,
		MemoryUsageBytes,
		GoroutineCount,
		BuildInfo,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, goVersion string) {
	BuildInfo.WithLabelValues(version, goVersion).Set(1)
}

// StartMemoryCollector starts a goroutine that periodically updates memory metrics.
func StartMemoryCollector(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			updateMemoryMetrics()
		case <-stopCh:
			return
		}
	}
}

func updateMemoryMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	MemoryUsageBytes.Set(float64(m.Alloc))
	GoroutineCount.Set(float64(runtime.NumGoroutine()))
}

// RecordEmulation records metrics for a completed emulation.
func RecordEmulation(strategy, outcome string, duration time.Duration) {
	EmulationsTotal.WithLabelValues(strategy, outcome).Inc()
	EmulationDuration.WithLabelValues(strategy).Observe(duration.Seconds())
}

// RecordError records a failed emulation by kind label.
func RecordError(kind string) {
	EmulationErrors.WithLabelValues(kind).Inc()
}

// RecordNoMatch records a request no strategy could handle.
func RecordNoMatch() {
	NoMatchTotal.Inc()
}

// RecordRetry records one retried automation work unit.
func RecordRetry() {
	RetriesTotal.Inc()
}

// RecordSessionOpen records an automation session open attempt.
func RecordSessionOpen(ok bool) {
	status := "ok"
	if !ok {
		status = "error"
	}
	SessionsOpened.WithLabelValues(status).Inc()
}

// UpdateTabMetrics updates the tracked tab gauge.
func UpdateTabMetrics(count int) {
	TabsOpen.Set(float64(count))
}

// RecordTabClose records a confirmed close and the strategy that achieved it.
func RecordTabClose(strategy string) {
	TabCloses.WithLabelValues(strategy).Inc()
}

// RecordTabRearm records a close rescheduled with backoff.
func RecordTabRearm() {
	TabCloseRearms.Inc()
}

// RecordTabsReaped records tabs collected by one sweep.
func RecordTabsReaped(n int) {
	TabsReaped.Add(float64(n))
}

// SetBackendUp records the result of a health probe.
func SetBackendUp(up bool) {
	if up {
		BackendUp.Set(1)
		return
	}
	BackendUp.Set(0)
}

// RecordRulesReload records a header rules reload.
func RecordRulesReload() {
	RulesReloads.Inc()
}
