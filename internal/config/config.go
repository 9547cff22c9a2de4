// Package config provides application configuration management.
package config

import (
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Configuration bounds to prevent resource exhaustion.
const (
	maxRequestTimeout   = 10 * time.Minute
	maxTabLifetime      = 30 * time.Minute
	maxRetryAttempts    = 10
	maxCloseBackoff     = 10 * time.Minute
	minPasswordLength   = 8
	defaultProxyPort    = 1234
	defaultCDPPort      = 9222
	defaultErrorHeader  = "X-Proxy-Error"
	defaultRequestLimit = 30 * time.Second
)

// Config holds all application configuration.
// Configuration is loaded from environment variables at startup.
type Config struct {
	// Proxy listener
	Host string
	Port int

	// Proxy authentication. Both empty disables auth.
	ProxyUsername string
	ProxyPassword string

	// MITM certificate authority. Both empty uses goproxy's built-in CA.
	CACertPath string
	CAKeyPath  string

	// Automation backend
	CDPHost          string
	CDPPort          int
	CDPURL           string // Full ws:// or http:// debugger URL, overrides host/port
	ChromeLaunch     bool   // Launch a local browser instead of connecting
	BrowserPath      string
	BrowserProxy     string // --proxy-server for a launched browser
	Headless         bool
	StealthEnabled   bool
	HumanizeMouse    bool // Bezier pointer path before clicks instead of a single move
	IgnoreCertErrors bool

	// Open manual navigations from a temporary bookmark so the browser
	// treats them as user initiated. Needs a headful browser.
	BookmarkNavigation bool

	// Request handling
	RequestTimeout      time.Duration
	TabMaxLifetime      time.Duration
	TabSweepInterval    time.Duration
	TabCloseBackoffBase time.Duration
	TabCloseBackoffMax  time.Duration
	CDPRetryAttempts    int
	CDPRetryDelay       time.Duration

	// Header rules
	AlwaysCleanHeaders []string // Replaces the built-in always-clean list when set
	ErrorHeaderName    string
	RulesPath          string
	RulesHotReload     bool

	// File uploads are staged under this directory
	UploadDir string

	// Logging
	LogLevel string

	// Metrics
	MetricsEnabled bool
	MetricsPort    int

	// Health probe of the automation backend
	HealthInterval time.Duration

	// Profiling
	PProfEnabled  bool
	PProfPort     int
	PProfBindAddr string // Bind address for pprof server (default: localhost only)
}

// Load loads configuration from environment variables.
// Returns a Config with values from environment or sensible defaults.
func Load() *Config {
	return &Config{
		// Default to localhost so the proxy is not an open relay by accident
		Host: getEnvString("HOST", "127.0.0.1"),
		Port: getEnvInt("PORT", defaultProxyPort),

		ProxyUsername: getEnvString("PROXY_USERNAME", ""),
		ProxyPassword: getEnvString("PROXY_PASSWORD", ""),

		CACertPath: getEnvString("CA_CERT_PATH", ""),
		CAKeyPath:  getEnvString("CA_KEY_PATH", ""),

		CDPHost:          getEnvString("CDP_HOST", "127.0.0.1"),
		CDPPort:          getEnvInt("CDP_PORT", defaultCDPPort),
		CDPURL:           getEnvString("CDP_URL", ""),
		ChromeLaunch:     getEnvBool("CHROME_LAUNCH", false),
		BrowserPath:      getEnvString("BROWSER_PATH", ""),
		BrowserProxy:     getEnvString("BROWSER_PROXY", ""),
		Headless:         getEnvBool("HEADLESS", false),
		StealthEnabled:   getEnvBool("STEALTH_ENABLED", false),
		HumanizeMouse:    getEnvBool("HUMANIZE_MOUSE", false),
		IgnoreCertErrors: getEnvBool("IGNORE_CERT_ERRORS", false),

		BookmarkNavigation: getEnvBool("BOOKMARK_NAVIGATION", true),

		RequestTimeout:      getEnvDuration("REQUEST_TIMEOUT", defaultRequestLimit),
		TabMaxLifetime:      getEnvDuration("TAB_MAX_LIFETIME", 2*time.Minute),
		TabSweepInterval:    getEnvDuration("TAB_SWEEP_INTERVAL", 15*time.Second),
		TabCloseBackoffBase: getEnvDuration("TAB_CLOSE_BACKOFF_BASE", time.Second),
		TabCloseBackoffMax:  getEnvDuration("TAB_CLOSE_BACKOFF_MAX", 30*time.Second),
		CDPRetryAttempts:    getEnvInt("CDP_RETRY_ATTEMPTS", 3),
		CDPRetryDelay:       getEnvDuration("CDP_RETRY_DELAY", 500*time.Millisecond),

		AlwaysCleanHeaders: getEnvStringSlice("ALWAYS_CLEAN_HEADERS", nil),
		ErrorHeaderName:    getEnvString("ERROR_HEADER_NAME", defaultErrorHeader),
		RulesPath:          getEnvString("RULES_PATH", ""),
		RulesHotReload:     getEnvBool("RULES_HOT_RELOAD", false),

		UploadDir: getEnvString("UPLOAD_DIR", os.TempDir()),

		LogLevel: getEnvString("LOG_LEVEL", "info"),

		MetricsEnabled: getEnvBool("METRICS_ENABLED", false),
		MetricsPort:    getEnvInt("METRICS_PORT", 9090),

		HealthInterval: getEnvDuration("HEALTH_INTERVAL", 30*time.Second),

		// Profiling - disabled by default for security
		PProfEnabled:  getEnvBool("PPROF_ENABLED", false),
		PProfPort:     getEnvInt("PPROF_PORT", 6060),
		PProfBindAddr: getEnvString("PPROF_BIND_ADDR", "127.0.0.1"),
	}
}

// CDPAddr returns the host:port of the remote debugging endpoint.
func (c *Config) CDPAddr() string {
	return net.JoinHostPort(c.CDPHost, strconv.Itoa(c.CDPPort))
}

// AuthEnabled returns true if proxy clients must authenticate.
func (c *Config) AuthEnabled() bool {
	return c.ProxyUsername != "" || c.ProxyPassword != ""
}

// HasCustomCA returns true if a CA certificate and key are configured.
func (c *Config) HasCustomCA() bool {
	return c.CACertPath != "" && c.CAKeyPath != ""
}

// Validate checks configuration values and logs warnings for invalid values.
// Invalid values are corrected to sensible defaults.
func (c *Config) Validate() {
	// Port validation - allow 0 for system-assigned ports
	if c.Port < 0 || c.Port > 65535 {
		log.Warn().Int("port", c.Port).Msg("Invalid port, using default 1234")
		c.Port = defaultProxyPort
	}
	if c.CDPPort < 1 || c.CDPPort > 65535 {
		log.Warn().Int("port", c.CDPPort).Msg("Invalid CDP port, using default 9222")
		c.CDPPort = defaultCDPPort
	}

	// BrowserPath validation - prevent path traversal attacks
	if c.BrowserPath != "" {
		if strings.Contains(c.BrowserPath, "..") {
			log.Error().
				Str("path", c.BrowserPath).
				Msg("BrowserPath contains path traversal sequence (..), ignoring")
			c.BrowserPath = ""
		} else if !strings.HasPrefix(c.BrowserPath, "/") && !strings.HasPrefix(c.BrowserPath, "C:") && !strings.HasPrefix(c.BrowserPath, "c:") {
			log.Warn().
				Str("path", c.BrowserPath).
				Msg("BrowserPath should be an absolute path")
		}
	}
	if c.BrowserPath != "" && !c.ChromeLaunch {
		log.Warn().Msg("BROWSER_PATH set but CHROME_LAUNCH is false - path will not be used")
	}

	if c.RequestTimeout < time.Second {
		log.Warn().Dur("timeout", c.RequestTimeout).Msg("Request timeout too short, using 30s")
		c.RequestTimeout = defaultRequestLimit
	} else if c.RequestTimeout > maxRequestTimeout {
		log.Warn().
			Dur("timeout", c.RequestTimeout).
			Dur("max", maxRequestTimeout).
			Msg("Request timeout too high, capping to maximum")
		c.RequestTimeout = maxRequestTimeout
	}

	// A tab may not be reaped while its request can still be in flight
	if c.TabMaxLifetime <= c.RequestTimeout {
		log.Warn().
			Dur("lifetime", c.TabMaxLifetime).
			Dur("request_timeout", c.RequestTimeout).
			Msg("TAB_MAX_LIFETIME must exceed REQUEST_TIMEOUT, adjusting")
		c.TabMaxLifetime = c.RequestTimeout * 2
	} else if c.TabMaxLifetime > maxTabLifetime {
		log.Warn().
			Dur("lifetime", c.TabMaxLifetime).
			Dur("max", maxTabLifetime).
			Msg("Tab lifetime too long, capping to maximum")
		c.TabMaxLifetime = maxTabLifetime
	}

	const minSweepInterval = time.Second
	if c.TabSweepInterval < minSweepInterval {
		log.Warn().
			Dur("interval", c.TabSweepInterval).
			Dur("min", minSweepInterval).
			Msg("Tab sweep interval too short, using minimum")
		c.TabSweepInterval = minSweepInterval
	}
	if c.TabSweepInterval >= c.TabMaxLifetime {
		log.Warn().
			Dur("sweep_interval", c.TabSweepInterval).
			Dur("lifetime", c.TabMaxLifetime).
			Msg("TAB_SWEEP_INTERVAL should be less than TAB_MAX_LIFETIME for timely cleanup")
	}

	if c.TabCloseBackoffMax > maxCloseBackoff {
		log.Warn().
			Dur("backoff", c.TabCloseBackoffMax).
			Dur("max", maxCloseBackoff).
			Msg("Close backoff cap too high, capping to maximum")
		c.TabCloseBackoffMax = maxCloseBackoff
	}
	if c.TabCloseBackoffBase > c.TabCloseBackoffMax {
		log.Warn().
			Dur("base", c.TabCloseBackoffBase).
			Dur("max", c.TabCloseBackoffMax).
			Msg("Close backoff base exceeds cap, adjusting to cap")
		c.TabCloseBackoffBase = c.TabCloseBackoffMax
	}

	if c.CDPRetryAttempts < 1 {
		log.Warn().Int("attempts", c.CDPRetryAttempts).Msg("CDP_RETRY_ATTEMPTS too low, using 1")
		c.CDPRetryAttempts = 1
	} else if c.CDPRetryAttempts > maxRetryAttempts {
		log.Warn().
			Int("attempts", c.CDPRetryAttempts).
			Int("max", maxRetryAttempts).
			Msg("CDP_RETRY_ATTEMPTS too high, capping to maximum")
		c.CDPRetryAttempts = maxRetryAttempts
	}

	if strings.TrimSpace(c.ErrorHeaderName) == "" || strings.ContainsAny(c.ErrorHeaderName, " :\r\n") {
		log.Warn().Str("header", c.ErrorHeaderName).Msg("Invalid ERROR_HEADER_NAME, using X-Proxy-Error")
		c.ErrorHeaderName = defaultErrorHeader
	}

	// Rules path validation
	if c.RulesPath != "" && strings.Contains(c.RulesPath, "..") {
		log.Error().
			Str("path", c.RulesPath).
			Msg("RulesPath contains path traversal sequence (..), ignoring")
		c.RulesPath = ""
	}
	if c.RulesHotReload && c.RulesPath == "" {
		log.Warn().Msg("RULES_HOT_RELOAD enabled but RULES_PATH not set - hot-reload disabled")
		c.RulesHotReload = false
	}

	if c.UploadDir == "" {
		c.UploadDir = os.TempDir()
	}

	// Log level validation
	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		log.Warn().Str("level", c.LogLevel).Msg("Invalid log level, using 'info'")
		c.LogLevel = "info"
	}

	// Proxy auth validation
	if c.ProxyUsername != "" && c.ProxyPassword == "" {
		log.Warn().Msg("PROXY_USERNAME set but PROXY_PASSWORD is empty - any password will be rejected")
	}
	if c.ProxyPassword != "" && c.ProxyUsername == "" {
		log.Warn().Msg("PROXY_PASSWORD set but PROXY_USERNAME is empty")
	}
	if c.ProxyPassword != "" && len(c.ProxyPassword) < minPasswordLength {
		log.Warn().
			Int("length", len(c.ProxyPassword)).
			Int("min_recommended", minPasswordLength).
			Msg("PROXY_PASSWORD is short - consider using a longer password")
	}
	if !c.AuthEnabled() && c.Host != "127.0.0.1" && c.Host != "localhost" {
		log.Warn().
			Str("host", c.Host).
			Msg("WARNING: proxy listening on non-localhost address without authentication")
	}

	if (c.CACertPath == "") != (c.CAKeyPath == "") {
		log.Error().Msg("CA_CERT_PATH and CA_KEY_PATH must be set together - using built-in CA")
		c.CACertPath = ""
		c.CAKeyPath = ""
	}

	if c.BrowserProxy != "" && !strings.Contains(c.BrowserProxy, "://") {
		log.Error().
			Str("proxy_url", c.BrowserProxy).
			Msg("BROWSER_PROXY missing scheme (should be http://, https://, socks4://, or socks5://)")
	}

	if c.IgnoreCertErrors {
		log.Warn().Msg("WARNING: IGNORE_CERT_ERRORS enabled - upstream TLS is not verified by the browser")
	}

	// PProf security warning
	if c.PProfEnabled && c.PProfBindAddr != "127.0.0.1" && c.PProfBindAddr != "localhost" {
		log.Warn().
			Str("addr", c.PProfBindAddr).
			Msg("WARNING: pprof exposed on non-localhost address - this is a security risk")
	}

	// Port conflict validation
	usedPorts := make(map[int]string)
	if c.Port > 0 {
		usedPorts[c.Port] = "PORT"
	}
	if c.MetricsEnabled {
		if existingName, exists := usedPorts[c.MetricsPort]; exists {
			log.Error().
				Int("port", c.MetricsPort).
				Str("conflicts_with", existingName).
				Msg("METRICS_PORT conflicts with another port, disabling metrics")
			c.MetricsEnabled = false
		} else {
			usedPorts[c.MetricsPort] = "METRICS_PORT"
		}
	}
	if c.PProfEnabled {
		if existingName, exists := usedPorts[c.PProfPort]; exists {
			log.Error().
				Int("port", c.PProfPort).
				Str("conflicts_with", existingName).
				Msg("PPROF_PORT conflicts with another port, adjusting")
			c.PProfPort = 6060
			for usedPorts[c.PProfPort] != "" {
				c.PProfPort++
				if c.PProfPort > 65535 {
					log.Warn().Msg("Could not find available pprof port, disabling")
					c.PProfEnabled = false
					break
				}
			}
		}
	}
}

// Helper functions for environment variable parsing

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		// Use ParseInt with explicit bounds to catch overflow
		intValue, err := strconv.ParseInt(value, 10, 32)
		if err == nil {
			return int(intValue)
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Int("default", defaultValue).
			Msg("Invalid integer in environment variable, using default")
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		boolValue, err := strconv.ParseBool(value)
		if err == nil {
			return boolValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Bool("default", defaultValue).
			Msg("Invalid boolean in environment variable, using default")
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err == nil {
			// Reject negative or zero durations
			if duration > 0 {
				return duration
			}
			log.Warn().
				Str("key", key).
				Str("value", value).
				Dur("default", defaultValue).
				Msg("Duration must be positive, using default")
			return defaultValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Dur("default", defaultValue).
			Msg("Invalid duration in environment variable, using default")
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		// Parse comma-separated values, trimming whitespace
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
