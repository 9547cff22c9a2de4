package classify

import (
	"crypto/rand"
	"math/big"
	"net"
	"net/url"
	"strings"

	"github.com/Rorqualx/mimicproxy/internal/types"
)

const subdomainAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// HostingURL picks the page URL the synthetic document is served on, so the
// browser computes the same Origin, Referer and Sec-Fetch-Site the client
// sent. An empty result means no plausible host exists and the page must be
// loaded inline.
func HostingURL(req *types.ProxiedRequest) string {
	site := strings.ToLower(req.Headers.Get("Sec-Fetch-Site"))

	switch {
	case site == "same-origin":
		return req.URL
	case req.Headers.Has("Referer"):
		return req.Headers.Get("Referer")
	case req.Headers.Has("Origin"):
		return req.Headers.Get("Origin")
	case site == "same-site":
		u, err := RandomSubdomainURL(req.URL)
		if err != nil {
			return ""
		}
		return u
	}
	return ""
}

// IsHTTP reports whether rawURL can be intercepted as a real hosting page.
func IsHTTP(rawURL string) bool {
	return strings.HasPrefix(rawURL, "http:") || strings.HasPrefix(rawURL, "https:")
}

// RandomSubdomainURL returns rawURL with a random 8-character label
// prepended to its host. Scheme, port, path, query and fragment are kept.
// IP literal hosts have no subdomains and fail with KindMissingHostingURL.
func RandomSubdomainURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if u.Host == "" {
		return "", types.Errorf(types.KindMissingHostingURL, "random_subdomain", "url has no host: %s", rawURL)
	}
	if net.ParseIP(u.Hostname()) != nil {
		return "", types.Errorf(types.KindMissingHostingURL, "random_subdomain", "ip literal host: %s", u.Host)
	}

	label, err := randomLabel(8)
	if err != nil {
		return "", err
	}
	u.Host = label + "." + u.Host
	return u.String(), nil
}

func randomLabel(n int) (string, error) {
	b := make([]byte, n)
	max := big.NewInt(int64(len(subdomainAlphabet)))
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = subdomainAlphabet[idx.Int64()]
	}
	return string(b), nil
}
