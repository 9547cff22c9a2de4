// Package rules provides the header and destination tables used to classify
// proxied requests.
package rules

import (
	"embed"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

//go:embed rules.yaml
var defaultRulesFS embed.FS

// Rules contains the classification tables. Lookups are case-insensitive.
type Rules struct {
	AlwaysCleanHeaders    []string `yaml:"always_clean_headers"`
	CORSSafelistedHeaders []string `yaml:"cors_safelisted_headers"`
	ResourceDestinations  []string `yaml:"resource_destinations"`

	clean        map[string]struct{}
	safelisted   map[string]struct{}
	destinations map[string]struct{}
}

var (
	instance *Rules
	once     sync.Once
	loadErr  error
)

// Default returns the singleton Rules loaded from the embedded rules.yaml.
func Default() *Rules {
	once.Do(func() {
		instance, loadErr = load()
		if loadErr != nil {
			log.Error().Err(loadErr).Msg("Failed to load embedded rules, using built-in tables")
			instance = builtinRules()
		}
	})
	return instance
}

func load() (*Rules, error) {
	data, err := defaultRulesFS.ReadFile("rules.yaml")
	if err != nil {
		return nil, err
	}
	r, err := Parse(data)
	if err != nil {
		return nil, err
	}

	log.Debug().
		Int("clean_headers", len(r.AlwaysCleanHeaders)).
		Int("safelisted_headers", len(r.CORSSafelistedHeaders)).
		Int("resource_destinations", len(r.ResourceDestinations)).
		Msg("Rules loaded")

	return r, nil
}

// Parse decodes and validates a rules document.
func Parse(data []byte) (*Rules, error) {
	var r Rules
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	r.compile()
	return &r, nil
}

// Validate checks that a rules document carries at least one table.
func (r *Rules) Validate() error {
	if len(r.AlwaysCleanHeaders) == 0 && len(r.CORSSafelistedHeaders) == 0 && len(r.ResourceDestinations) == 0 {
		return fmt.Errorf("rules must define at least one of always_clean_headers, cors_safelisted_headers, resource_destinations")
	}
	return nil
}

func (r *Rules) compile() {
	r.clean = toSet(r.AlwaysCleanHeaders)
	r.safelisted = toSet(r.CORSSafelistedHeaders)
	r.destinations = toSet(r.ResourceDestinations)
}

// CleanSet returns the lowercased always-clean header names.
// The returned map must not be modified.
func (r *Rules) CleanSet() map[string]struct{} {
	return r.clean
}

// IsSafelisted reports whether a header is CORS-safelisted.
func (r *Rules) IsSafelisted(name string) bool {
	_, ok := r.safelisted[strings.ToLower(name)]
	return ok
}

// IsResourceDestination reports whether dest routes to resource inclusion.
func (r *Rules) IsResourceDestination(dest string) bool {
	_, ok := r.destinations[strings.ToLower(dest)]
	return ok
}

// WithCleanHeaders returns a copy whose always-clean list is replaced.
func (r *Rules) WithCleanHeaders(headers []string) *Rules {
	out := &Rules{
		AlwaysCleanHeaders:    append([]string(nil), headers...),
		CORSSafelistedHeaders: r.CORSSafelistedHeaders,
		ResourceDestinations:  r.ResourceDestinations,
	}
	out.compile()
	return out
}

// merge fills tables missing from external with the embedded ones.
func merge(embedded, external *Rules) *Rules {
	merged := &Rules{
		AlwaysCleanHeaders:    embedded.AlwaysCleanHeaders,
		CORSSafelistedHeaders: embedded.CORSSafelistedHeaders,
		ResourceDestinations:  embedded.ResourceDestinations,
	}
	if len(external.AlwaysCleanHeaders) > 0 {
		merged.AlwaysCleanHeaders = external.AlwaysCleanHeaders
	}
	if len(external.CORSSafelistedHeaders) > 0 {
		merged.CORSSafelistedHeaders = external.CORSSafelistedHeaders
	}
	if len(external.ResourceDestinations) > 0 {
		merged.ResourceDestinations = external.ResourceDestinations
	}
	merged.compile()
	return merged
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" {
			set[v] = struct{}{}
		}
	}
	return set
}

// builtinRules is the fallback when the embedded document cannot be read.
func builtinRules() *Rules {
	r := &Rules{
		AlwaysCleanHeaders: []string{
			"accept", "accept-encoding", "accept-language", "cache-control", "connection",
			"content-length", "cookie", "host", "origin", "referer", "user-agent",
			"sec-fetch-dest", "sec-fetch-mode", "sec-fetch-site", "sec-fetch-user",
			"proxy-authorization", "proxy-connection",
		},
		CORSSafelistedHeaders: []string{
			"accept", "accept-language", "content-language", "content-type", "content-length",
		},
		ResourceDestinations: []string{
			"audio", "font", "iframe", "image", "script", "style", "video", "worker",
		},
	}
	r.compile()
	return r
}
