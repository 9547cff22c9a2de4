package engine

import (
	"context"

	"github.com/go-rod/rod/lib/proto"

	"github.com/Rorqualx/mimicproxy/internal/browser"
	"github.com/Rorqualx/mimicproxy/internal/emulate"
	"github.com/Rorqualx/mimicproxy/internal/types"
)

// Emulator executes a plan against an automation backend.
type Emulator interface {
	Emulate(ctx context.Context, plan *emulate.Plan, cookies []*proto.NetworkCookieParam) (*types.CapturedResponse, error)
}

// BrowserEmulator runs each attempt on its own session, retrying transient
// transport failures.
type BrowserEmulator struct {
	mgr  *browser.Manager
	orch *emulate.Orchestrator
}

// NewBrowserEmulator creates an Emulator backed by mgr.
func NewBrowserEmulator(mgr *browser.Manager, orch *emulate.Orchestrator) *BrowserEmulator {
	return &BrowserEmulator{mgr: mgr, orch: orch}
}

// Emulate implements Emulator.
func (b *BrowserEmulator) Emulate(ctx context.Context, plan *emulate.Plan, cookies []*proto.NetworkCookieParam) (*types.CapturedResponse, error) {
	var resp *types.CapturedResponse
	err := b.mgr.Retry(ctx, func(ctx context.Context) error {
		sess, err := b.mgr.OpenSession(ctx)
		if err != nil {
			return err
		}
		defer func() { go sess.CloseWhenIdle() }()

		if err := sess.SetCookies(ctx, cookies); err != nil {
			return types.NewError(browser.Classify(err), "set_cookies", err)
		}

		resp, err = b.orch.Run(ctx, sess, plan)
		return err
	})
	return resp, err
}
