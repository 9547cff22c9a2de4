// Package engine is the entry point of request emulation: it classifies a
// proxied request, builds the page that reproduces it and returns the
// response the browser captured, or a degraded response on failure.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/mimicproxy/internal/browser"
	"github.com/Rorqualx/mimicproxy/internal/classify"
	"github.com/Rorqualx/mimicproxy/internal/config"
	"github.com/Rorqualx/mimicproxy/internal/metrics"
	"github.com/Rorqualx/mimicproxy/internal/rules"
	"github.com/Rorqualx/mimicproxy/internal/types"
)

// Outcome labels recorded per request.
const (
	OutcomeOK       = "ok"
	OutcomeDegraded = "degraded"
	OutcomeNoMatch  = "no_match"
)

// RulesSource returns the current header rules.
type RulesSource interface {
	Get() *rules.Rules
}

// Engine handles proxied requests.
type Engine struct {
	cfg      *config.Config
	rules    RulesSource
	emulator Emulator
	hooks    []Hook
}

// New creates an Engine.
func New(cfg *config.Config, src RulesSource, emulator Emulator, hooks ...Hook) *Engine {
	return &Engine{
		cfg:      cfg,
		rules:    src,
		emulator: emulator,
		hooks:    hooks,
	}
}

// Handle reproduces req through the browser. It never fails: errors are
// turned into a degraded response carrying the error header.
func (e *Engine) Handle(ctx context.Context, req *types.ProxiedRequest) *types.CapturedResponse {
	start := time.Now()

	if e.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.RequestTimeout)
		defer cancel()
	}

	logger := log.With().Str("request_id", uuid.NewString()).Logger()
	ctx = logger.WithContext(ctx)

	for _, h := range e.hooks {
		h.BeforeRequest(ctx, req)
	}

	res := e.handle(ctx, &logger, req)
	res.Duration = time.Since(start)

	outcome := OutcomeOK
	switch {
	case types.KindOf(res.Err) == types.KindNoMatchingRoute:
		outcome = OutcomeNoMatch
		metrics.RecordNoMatch()
	case res.Err != nil:
		outcome = OutcomeDegraded
		metrics.RecordError(browser.Classify(res.Err).String())
	}
	metrics.RecordEmulation(res.Strategy.String(), outcome, res.Duration)

	for _, h := range e.hooks {
		h.AfterRequest(ctx, req, res)
	}
	return res.Response
}

func (e *Engine) handle(ctx context.Context, logger *zerolog.Logger, req *types.ProxiedRequest) *Result {
	tables := e.rules.Get()

	d := classify.Analyze(req, tables)
	res := &Result{Details: d}

	strategy, err := classify.Match(d, tables)
	if err != nil {
		logger.Warn().Err(err).Msg("No emulation strategy for request")
		res.Err = err
		res.Response = types.NoMatch()
		return res
	}
	res.Strategy = strategy

	plan, cleanup, err := e.buildPlan(logger, req, d, strategy, tables)
	defer cleanup()
	if err != nil {
		return e.degrade(ctx, logger, res, err)
	}

	logger.Debug().
		Str("strategy", strategy.String()).
		Strs("inferred", d.Inferred).
		Bool("serve_base_page", plan.Page.ServeBasePage).
		Bool("automatic", plan.Automatic).
		Int("files", len(plan.Files)).
		Msg("Emulation planned")

	cookies := cookieParams(ParseCookies(req.Headers.Get("Cookie")), req.URL)
	resp, err := e.emulator.Emulate(ctx, plan, cookies)
	if err != nil {
		return e.degrade(ctx, logger, res, err)
	}
	res.Response = resp
	return res
}

// degrade records err on res and replaces the response with the degraded
// form. A request that ran out of time always reports TIMEOUT.
func (e *Engine) degrade(ctx context.Context, logger *zerolog.Logger, res *Result, err error) *Result {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && browser.Classify(err) != types.KindTimeout {
		err = types.NewError(types.KindTimeout, "handle", errors.Join(types.ErrTimeout, err))
	}

	msg := err.Error()
	if browser.Classify(err) == types.KindTimeout {
		msg = types.ErrTimeout.Error()
	}

	logger.Error().Err(err).Str("kind", browser.Classify(err).String()).Msg("Emulation failed")
	res.Err = err
	res.Response = types.Degraded(e.cfg.ErrorHeaderName, msg)
	return res
}
