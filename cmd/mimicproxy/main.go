// Package main provides the entry point for mimicproxy.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof" // registers pprof handlers on DefaultServeMux
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/mimicproxy/internal/browser"
	"github.com/Rorqualx/mimicproxy/internal/config"
	"github.com/Rorqualx/mimicproxy/internal/emulate"
	"github.com/Rorqualx/mimicproxy/internal/engine"
	"github.com/Rorqualx/mimicproxy/internal/health"
	"github.com/Rorqualx/mimicproxy/internal/humanize"
	"github.com/Rorqualx/mimicproxy/internal/metrics"
	"github.com/Rorqualx/mimicproxy/internal/middleware"
	"github.com/Rorqualx/mimicproxy/internal/proxy"
	"github.com/Rorqualx/mimicproxy/internal/rules"
	"github.com/Rorqualx/mimicproxy/pkg/version"
)

func main() {
	cfg := config.Load()

	// Logging first so validation warnings are visible
	setupLogging(cfg.LogLevel)
	cfg.Validate()

	printBanner(cfg)

	rulesMgr, err := rules.NewManager(cfg.RulesPath, cfg.RulesHotReload, cfg.AlwaysCleanHeaders)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load header rules")
	}

	log.Info().Str("cdp", cfg.CDPAddr()).Bool("launch", cfg.ChromeLaunch).Msg("Connecting to automation backend...")
	mgr, err := browser.NewManager(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize browser manager")
	}

	mouse := humanize.DirectMouseConfig()
	if cfg.HumanizeMouse {
		mouse = humanize.HumanMouseConfig()
	}
	orch := emulate.New(mgr, emulate.Options{
		Mouse:            mouse,
		ProxyCredentials: mgr.ProxyCredentials(),
	})
	eng := engine.New(cfg, rulesMgr, engine.NewBrowserEmulator(mgr, orch), engine.LoggingHook{})

	checker := health.New(mgr, cfg.HealthInterval)
	checker.Start()

	local := http.NewServeMux()
	local.Handle("/health", checker)

	front, err := proxy.New(cfg, eng, local)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize proxy")
	}

	handler := middleware.Chain(
		middleware.Recovery,
		middleware.Logging,
		middleware.ProxyAuth(cfg),
	)(front)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	// No write timeout: MITM tunnels are long-lived and each exchange is
	// already bounded by the request timeout.
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ConnContext:       proxy.ConnContext,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatal().Err(err).Str("address", addr).Msg("Failed to listen")
	}

	stopCh := make(chan struct{})

	var metricsServer *http.Server
	if cfg.MetricsEnabled {
		metrics.SetBuildInfo(version.Full(), version.GoVersion())
		go metrics.StartMemoryCollector(10*time.Second, stopCh)

		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metrics.Handler())
		metricsMux.Handle("/health", checker)

		metricsServer = &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.MetricsPort),
			Handler:      metricsMux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}

		go func() {
			log.Info().Int("port", cfg.MetricsPort).Msg("Prometheus metrics server started")
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	// pprof exposes runtime internals; keep it off outside debugging.
	var pprofServer *http.Server
	if cfg.PProfEnabled {
		pprofAddr := fmt.Sprintf("%s:%d", cfg.PProfBindAddr, cfg.PProfPort)
		pprofServer = &http.Server{
			Addr:         pprofAddr,
			Handler:      http.DefaultServeMux,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 60 * time.Second,
		}

		go func() {
			log.Warn().Str("addr", pprofAddr).Msg("pprof profiling server started, use for debugging only")
			if err := pprofServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("pprof server failed")
			}
		}()
	}

	go func() {
		log.Info().
			Str("address", addr).
			Bool("auth", cfg.AuthEnabled()).
			Bool("custom_ca", cfg.HasCustomCA()).
			Bool("metrics_enabled", cfg.MetricsEnabled).
			Msg("mimicproxy is ready to accept requests")

		if err := server.Serve(proxy.RecordingListener(ln)); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")
	close(stopCh)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("Metrics server shutdown error")
		}
	}
	if pprofServer != nil {
		if err := pprofServer.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("pprof server shutdown error")
		}
	}

	checker.Stop()
	if err := rulesMgr.Close(); err != nil {
		log.Error().Err(err).Msg("Rules manager close error")
	}
	if err := mgr.Close(); err != nil {
		log.Error().Err(err).Msg("Browser manager close error")
	}

	log.Info().Msg("Shutdown complete")
}

// setupLogging configures zerolog for console output at the given level.
func setupLogging(level string) {
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	})
	zerolog.SetGlobalLevel(parseLevel(level))
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
