// Package types provides shared types, interfaces, and errors for the application.
package types

import (
	"errors"
	"fmt"
)

// Kind classifies an emulation failure. Every error that crosses a package
// boundary is mapped to exactly one Kind so callers never re-match strings.
type Kind int

const (
	KindUnknown Kind = iota
	KindTimeout
	KindNoMatchingRoute
	KindMalformedMultipart
	KindUnsupportedDestination
	KindMissingHostingURL
	KindTargetAlreadyClosed
	KindTransientTransport
	KindAutomationProtocol
	KindFileInputNotFound
)

var kindNames = map[Kind]string{
	KindUnknown:                "unknown",
	KindTimeout:                "timeout",
	KindNoMatchingRoute:        "no_matching_route",
	KindMalformedMultipart:     "malformed_multipart",
	KindUnsupportedDestination: "unsupported_destination",
	KindMissingHostingURL:      "missing_hosting_url",
	KindTargetAlreadyClosed:    "target_already_closed",
	KindTransientTransport:     "transient_transport",
	KindAutomationProtocol:     "automation_protocol",
	KindFileInputNotFound:      "file_input_not_found",
}

// String returns the metric/log label for the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Retryable reports whether a unit of automation work failing with this kind
// may be attempted again.
func (k Kind) Retryable() bool {
	return k == KindTransientTransport
}

// Sentinel errors for consistent error handling across the application.
// These errors can be checked with errors.Is() for type-safe error handling.
var (
	ErrTimeout                = errors.New("TIMEOUT")
	ErrNoMatchingRoute        = errors.New("no emulation strategy matches request")
	ErrMalformedMultipart     = errors.New("malformed multipart body")
	ErrUnsupportedDestination = errors.New("unsupported resource destination")
	ErrMissingHostingURL      = errors.New("could not determine a page URL to host the request on")
	ErrTargetAlreadyClosed    = errors.New("target already closed")
	ErrTransientTransport     = errors.New("transient automation transport error")
	ErrAutomationProtocol     = errors.New("automation protocol error")
	ErrFileInputNotFound      = errors.New("file input target not found")

	// Session manager lifecycle
	ErrManagerClosed = errors.New("session manager is closed")
	ErrSessionClosed = errors.New("automation session is closed")
)

var sentinelKinds = map[error]Kind{
	ErrTimeout:                KindTimeout,
	ErrNoMatchingRoute:        KindNoMatchingRoute,
	ErrMalformedMultipart:     KindMalformedMultipart,
	ErrUnsupportedDestination: KindUnsupportedDestination,
	ErrMissingHostingURL:      KindMissingHostingURL,
	ErrTargetAlreadyClosed:    KindTargetAlreadyClosed,
	ErrTransientTransport:     KindTransientTransport,
	ErrAutomationProtocol:     KindAutomationProtocol,
	ErrFileInputNotFound:      KindFileInputNotFound,
	ErrSessionClosed:          KindTransientTransport,
}

// EmulationError provides detailed information about a failed emulation step.
// It implements the error interface and supports error unwrapping.
type EmulationError struct {
	Kind    Kind   // Classified failure kind
	Op      string // The operation that failed, e.g. "close_tab", "fetch.enable"
	Message string // Human-readable error message
	Err     error  // Underlying error (for unwrapping)
}

// Error implements the error interface.
func (e *EmulationError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Op + ": " + e.Err.Error()
	}
	return e.Op + ": " + e.Kind.String()
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *EmulationError) Unwrap() error {
	return e.Err
}

// NewError creates an EmulationError of the given kind wrapping err.
func NewError(kind Kind, op string, err error) *EmulationError {
	return &EmulationError{Kind: kind, Op: op, Err: err}
}

// Errorf creates an EmulationError whose message is formatted and whose
// underlying error is the sentinel for the kind.
func Errorf(kind Kind, op, format string, args ...any) *EmulationError {
	e := &EmulationError{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
	for sentinel, k := range sentinelKinds {
		if k == kind && sentinel != ErrSessionClosed {
			e.Err = sentinel
			break
		}
	}
	return e
}

// KindOf returns the kind carried by err, looking through wrapped
// EmulationErrors and the sentinel errors. Unclassified errors are KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var ee *EmulationError
	if errors.As(err, &ee) && ee.Kind != KindUnknown {
		return ee.Kind
	}
	for sentinel, kind := range sentinelKinds {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindUnknown
}
