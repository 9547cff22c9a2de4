// Package classify decides which browser mechanism reproduces a proxied
// request, based on its CORS shape and Sec-Fetch-* metadata.
package classify

import (
	"strings"

	"github.com/Rorqualx/mimicproxy/internal/synth"
	"github.com/Rorqualx/mimicproxy/internal/types"
)

// Strategy is the browser mechanism used to re-emit a request.
type Strategy int

const (
	ManualNavigation Strategy = iota + 1
	FormSubmission
	FetchCall
	ResourceInclusion
)

func (s Strategy) String() string {
	switch s {
	case ManualNavigation:
		return "manual_navigation"
	case FormSubmission:
		return "form_submission"
	case FetchCall:
		return "fetch_call"
	case ResourceInclusion:
		return "resource_inclusion"
	default:
		return "none"
	}
}

// Heuristic names recorded in Details.Inferred.
const (
	InferredFetch       = "likely_fetch"
	InferredDirectVisit = "likely_direct_visit"
)

// Details is the routing-relevant view of a request.
type Details struct {
	Method     string
	CORSSimple bool
	// Resource is the Sec-Fetch-Dest value.
	Resource string
	// Relation is the Sec-Fetch-Site value.
	Relation string
	// Mode is the Sec-Fetch-Mode value.
	Mode           string
	UserNavigation bool
	// Inferred lists the heuristics that overrode or filled in the
	// explicit Sec-Fetch-* signals.
	Inferred []string
}

// Tables is the subset of the header rules classification needs.
type Tables interface {
	synth.Safelist
	CleanSet() map[string]struct{}
	IsResourceDestination(dest string) bool
}

// Analyze extracts Details from req.
func Analyze(req *types.ProxiedRequest, tables Tables) Details {
	d := Details{
		Method:   req.Method,
		Resource: "document",
		Relation: "none",
		Mode:     "navigate",
	}

	filtered := req.Headers.Without(tables.CleanSet())
	d.CORSSimple = synth.IsCORSSimple(req.Method, filtered, tables)

	dest := req.Headers.Get("Sec-Fetch-Dest")
	site := req.Headers.Get("Sec-Fetch-Site")
	mode := req.Headers.Get("Sec-Fetch-Mode")
	user := req.Headers.Get("Sec-Fetch-User")

	if dest != "" {
		d.Resource = dest
	}
	if site != "" {
		d.Relation = site
	}
	if mode != "" {
		d.Mode = mode
	}
	if user != "" {
		d.UserNavigation = true
	}

	// A request only fetch() can produce.
	if !d.CORSSimple && user == "" && dest == "" {
		d.Resource = "empty"
		d.Inferred = append(d.Inferred, InferredFetch)
	}

	// A bare GET with no browser metadata is treated as a typed-in URL.
	if d.CORSSimple &&
		strings.EqualFold(req.Method, "GET") &&
		!req.Headers.Has("Referer") &&
		mode == "" && dest == "" && site == "" {
		d.UserNavigation = true
		d.Mode = "navigate"
		d.Resource = "document"
		d.Relation = "none"
		d.Inferred = append(d.Inferred, InferredDirectVisit)
	}

	return d
}

type rule struct {
	strategy Strategy
	match    func(d Details, tables Tables) bool
}

// routes is evaluated in order; the first match wins.
var routes = []rule{
	{ManualNavigation, func(d Details, _ Tables) bool {
		return d.Method == "GET" &&
			d.CORSSimple &&
			d.Resource == "document" &&
			d.Relation == "none" &&
			d.Mode == "navigate" &&
			d.UserNavigation
	}},
	{FormSubmission, func(d Details, _ Tables) bool {
		return d.CORSSimple && d.Resource == "document"
	}},
	{FetchCall, func(d Details, _ Tables) bool {
		return d.Resource == "empty"
	}},
	{ResourceInclusion, func(d Details, tables Tables) bool {
		return d.Method == "GET" &&
			d.CORSSimple &&
			tables.IsResourceDestination(d.Resource)
	}},
}

// Match returns the first strategy whose requirements d satisfies.
func Match(d Details, tables Tables) (Strategy, error) {
	for _, r := range routes {
		if r.match(d, tables) {
			return r.strategy, nil
		}
	}
	return 0, types.Errorf(types.KindNoMatchingRoute, "classify",
		"no strategy for method=%s simple=%v dest=%s site=%s mode=%s user=%v",
		d.Method, d.CORSSimple, d.Resource, d.Relation, d.Mode, d.UserNavigation)
}
