package engine

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Rorqualx/mimicproxy/internal/classify"
	"github.com/Rorqualx/mimicproxy/internal/security"
	"github.com/Rorqualx/mimicproxy/internal/types"
)

// Result describes a handled request for AfterRequest hooks.
type Result struct {
	Strategy classify.Strategy
	Details  classify.Details
	Response *types.CapturedResponse
	// Err is the failure behind a degraded or no-match response.
	Err      error
	Duration time.Duration
}

// Hook observes requests around emulation. Hooks run on the request
// goroutine and must not block.
type Hook interface {
	BeforeRequest(ctx context.Context, req *types.ProxiedRequest)
	AfterRequest(ctx context.Context, req *types.ProxiedRequest, res *Result)
}

// LoggingHook logs every request and its outcome with the request's logger.
type LoggingHook struct{}

// BeforeRequest implements Hook.
func (LoggingHook) BeforeRequest(ctx context.Context, req *types.ProxiedRequest) {
	logger := zerolog.Ctx(ctx)
	logger.Info().
		Str("method", req.Method).
		Str("url", security.RedactURL(req.URL)).
		Msg("Request received")
	if logger.GetLevel() <= zerolog.DebugLevel {
		logger.Debug().Strs("headers", security.RedactHeaders(req.Headers)).Msg("Request headers")
	}
}

// AfterRequest implements Hook.
func (LoggingHook) AfterRequest(ctx context.Context, req *types.ProxiedRequest, res *Result) {
	logger := zerolog.Ctx(ctx)
	ev := logger.Info()
	if res.Err != nil {
		ev = logger.Warn().Err(res.Err)
	}
	if len(res.Details.Inferred) > 0 {
		ev = ev.Str("inferred", strings.Join(res.Details.Inferred, ","))
	}
	status := 0
	if res.Response != nil {
		status = res.Response.StatusCode
	}
	ev.Str("method", req.Method).
		Str("url", security.RedactURL(req.URL)).
		Str("strategy", res.Strategy.String()).
		Int("status", status).
		Dur("duration", res.Duration).
		Msg("Request completed")
}
