package browser

import (
	"fmt"
	"runtime"

	"github.com/go-rod/rod/lib/launcher"
	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/mimicproxy/internal/security"
)

// launch starts the local browser every session connects to.
func (m *Manager) launch() (string, error) {
	l := m.createLauncher()

	u, err := l.Launch()
	if err != nil {
		return "", fmt.Errorf("failed to launch browser: %w", err)
	}
	m.launcher = l

	log.Info().Str("url", security.RedactURL(u)).Msg("Browser launched")
	return u, nil
}

// createLauncher creates a configured Rod launcher.
// The flags keep the launched browser's fingerprint close to a desktop
// install, since every emulated request goes out through it.
func (m *Manager) createLauncher() *launcher.Launcher {
	l := launcher.New()

	if m.cfg.BrowserPath != "" {
		l = l.Bin(m.cfg.BrowserPath)
	}

	// HEADLESS=false expects a display (e.g. Xvfb). Rod defaults to headless,
	// so it must be disabled explicitly.
	if m.cfg.Headless {
		l = l.Set("headless", "new")
	} else {
		l = l.Headless(false)
	}

	// Container flags
	l = l.Set("no-sandbox").
		Set("disable-setuid-sandbox").
		Set("disable-dev-shm-usage")

	if server := proxyServer(m.cfg.BrowserProxy); server != "" {
		l = l.Set("proxy-server", server)
		log.Debug().Str("proxy", security.RedactProxyURL(m.cfg.BrowserProxy)).Msg("Browser proxy configured")
	}

	// WebRTC must not reveal the host address behind the proxy.
	l = l.Set("force-webrtc-ip-handling-policy", "disable_non_proxied_udp")

	// Anti-detection
	l = l.Set("disable-blink-features", "AutomationControlled")
	l = l.Delete("enable-automation")
	l = l.Set("disable-features", "Translate,TranslateUI,BlinkGenPropertyTrees,WebRtcHideLocalIpsWithMdns")
	l = l.Set("enable-features", "NetworkService,NetworkServiceInProcess")

	// Software WebGL so GPU fingerprint queries return real values.
	l = l.Set("use-gl", "swiftshader").
		Set("use-angle", "swiftshader").
		Set("enable-unsafe-swiftshader").
		Set("enable-webgl").
		Set("enable-webgl2")

	if m.cfg.IgnoreCertErrors {
		l = l.Set("ignore-certificate-errors").
			Set("ignore-ssl-errors")
	}

	l = l.Set("accept-lang", "en-US,en;q=0.9").
		Set("no-first-run").
		Set("no-default-browser-check").
		Set("disable-infobars").
		Set("disable-search-engine-choice-screen").
		Set("window-size", "1920,1080")

	// Background traffic would show up as noise on the proxy's upstream.
	l = l.Set("disable-background-networking").
		Set("disable-default-apps").
		Set("disable-extensions").
		Set("disable-sync").
		Set("mute-audio").
		Set("safebrowsing-disable-auto-update").
		Set("disable-renderer-backgrounding").
		Set("disable-gpu-sandbox")

	// Do NOT use --disable-gpu on ARM; it breaks SwiftShader WebGL.
	if isARM() {
		l = l.Set("disable-gpu-compositing")
	}

	return l
}

func isARM() bool {
	arch := runtime.GOARCH
	return arch == "arm" || arch == "arm64"
}
