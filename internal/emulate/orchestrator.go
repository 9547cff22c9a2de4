// Package emulate drives one browser tab through a synthetic page until the
// browser has issued the proxied request, then captures the genuine response
// from the Fetch domain.
package emulate

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/mimicproxy/internal/browser"
	"github.com/Rorqualx/mimicproxy/internal/classify"
	"github.com/Rorqualx/mimicproxy/internal/humanize"
	"github.com/Rorqualx/mimicproxy/internal/security"
	"github.com/Rorqualx/mimicproxy/internal/synth"
	"github.com/Rorqualx/mimicproxy/internal/types"
)

// ClickSelector is the submit control every interactive page carries.
const ClickSelector = "#clickme"

// Plan is everything Run needs to reproduce one request.
type Plan struct {
	Strategy classify.Strategy
	// Method is the method of the proxied request.
	Method     string
	HostingURL string
	Page       synth.Page
	// Automatic pages issue the request on their own. Otherwise the request
	// is triggered by clicking ClickSelector.
	Automatic     bool
	PassPreflight bool
	// Files are assigned to the page's file inputs in order.
	Files        []string
	Transition   proto.PageTransitionType
	ResponseOnly bool
	// Trigger loads the navigation URL. TriggerBookmark applies to plans
	// without a page.
	Trigger Trigger
}

// NavigationURL is where the tab is pointed: the hosting URL when the page is
// served there or when there is no page at all, the inline document otherwise.
func (p *Plan) NavigationURL() string {
	if p.Page.ServeBasePage || p.Page.HTML == "" {
		return p.HostingURL
	}
	return synth.DataURL(p.Page.HTML)
}

func (p *Plan) patterns() []*proto.FetchRequestPattern {
	out := make([]*proto.FetchRequestPattern, 0, 2)
	if !p.ResponseOnly {
		out = append(out, &proto.FetchRequestPattern{URLPattern: "*", RequestStage: proto.FetchRequestStageRequest})
	}
	return append(out, &proto.FetchRequestPattern{URLPattern: "*", RequestStage: proto.FetchRequestStageResponse})
}

func (p *Plan) needsAction() bool {
	return len(p.Files) > 0 || !p.Automatic
}

// Tabs opens and closes tabs. *browser.Manager implements it.
type Tabs interface {
	OpenTab(ctx context.Context, sess *browser.Session, url string) (*browser.Tab, error)
	CloseTab(tab *browser.Tab) bool
}

// Options tune how a run interacts with the page.
type Options struct {
	Mouse humanize.MouseConfig
	// ProxyCredentials answer upstream proxy challenges when set.
	ProxyCredentials *browser.ProxyCredentials
}

// Orchestrator runs emulation plans.
type Orchestrator struct {
	tabs Tabs
	opts Options
}

// New creates an Orchestrator that opens its tabs through tabs.
func New(tabs Tabs, opts Options) *Orchestrator {
	return &Orchestrator{tabs: tabs, opts: opts}
}

type outcome struct {
	resp *types.CapturedResponse
	err  error
}

// run is the state of one exchange. latches is touched only by the event
// loop goroutine.
type run struct {
	plan    *Plan
	opts    Options
	ctx     context.Context
	page    *rod.Page
	tabID   string
	latches latches

	mu       sync.Mutex
	state    state
	bookmark string

	// actions tracks goroutines that drive the page. The tab is closed only
	// after they have returned.
	actions sync.WaitGroup

	once sync.Once
	done chan outcome
}

func (r *run) setState(s state) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == stateTabClosed || (r.state == stateFailed && s != stateTabClosed) {
		return
	}
	log.Debug().Str("target_id", r.tabID).
		Str("from", r.state.String()).
		Str("to", s.String()).
		Msg("Exchange state")
	r.state = s
}

func (r *run) setBookmark(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bookmark = id
}

func (r *run) bookmarkID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bookmark
}

func (r *run) spawn(fn func()) {
	r.actions.Add(1)
	go func() {
		defer r.actions.Done()
		fn()
	}()
}

func (r *run) currentState() state {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// settle records the first outcome and ignores the rest.
func (r *run) settle(resp *types.CapturedResponse, err error) {
	r.once.Do(func() {
		if err != nil {
			r.setState(stateFailed)
		} else {
			r.setState(stateResponseCaptured)
		}
		r.done <- outcome{resp: resp, err: err}
	})
}

func (r *run) fail(op string, err error) {
	var ee *types.EmulationError
	if !errors.As(err, &ee) {
		err = types.NewError(browser.Classify(err), op, err)
	}
	r.settle(nil, err)
}

// Run opens a tab on sess, loads the plan's page and returns the response
// the browser received for the request the page issued. Whatever the
// outcome, closing the tab starts before Run returns and finishes in the
// background, so a slow close never delays the response. sess must stay
// open until then; Session.CloseWhenIdle waits for it.
func (o *Orchestrator) Run(ctx context.Context, sess *browser.Session, plan *Plan) (*types.CapturedResponse, error) {
	r := &run{
		plan:    plan,
		opts:    o.opts,
		latches: latches{PreflightPending: plan.PassPreflight, BasePagePending: plan.Page.ServeBasePage, Method: plan.Method},
		done:    make(chan outcome, 1),
	}

	navURL := plan.NavigationURL()
	if navURL == "" {
		return nil, types.Errorf(types.KindMissingHostingURL, "run", "no url to load for %s", plan.Strategy)
	}
	r.setState(stateHostingResolved)

	tab, err := o.tabs.OpenTab(ctx, sess, "about:blank")
	if err != nil {
		return nil, err
	}
	r.tabID = tab.TargetID
	defer func() {
		go func() {
			r.actions.Wait()
			if id := r.bookmarkID(); id != "" {
				o.removeBookmark(sess, id)
			}
			o.tabs.CloseTab(tab)
			r.setState(stateTabClosed)
		}()
	}()
	r.setState(stateTabOpened)

	runCtx, cancel := context.WithCancel(ctx)
	r.ctx = runCtx
	r.page = tab.Page.Context(runCtx)

	err = proto.FetchEnable{
		Patterns:           plan.patterns(),
		HandleAuthRequests: o.opts.ProxyCredentials != nil,
	}.Call(r.page)
	if err != nil {
		cancel()
		return nil, types.NewError(browser.Classify(err), "fetch_enable", err)
	}

	wait := r.page.EachEvent(
		r.onPaused,
		func(e *proto.FetchAuthRequired) {
			if err := o.opts.ProxyCredentials.AnswerAuth(r.page, e); err != nil {
				log.Debug().Err(err).Str("target_id", r.tabID).Msg("Failed to answer auth challenge")
			}
		},
	)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		wait()
	}()
	defer func() {
		cancel()
		wg.Wait()
	}()

	log.Debug().
		Str("target_id", r.tabID).
		Str("strategy", plan.Strategy.String()).
		Str("url", security.RedactURL(plan.HostingURL)).
		Bool("inline", !plan.Page.ServeBasePage && plan.Page.HTML != "").
		Str("trigger", plan.Trigger.String()).
		Msg("Navigating")

	if plan.Trigger == TriggerBookmark && plan.Page.HTML == "" {
		r.spawn(func() { r.openBookmark(navURL) })
	} else {
		nav, err := proto.PageNavigate{URL: navURL, TransitionType: plan.Transition}.Call(r.page)
		switch {
		case err != nil:
			r.fail("navigate", err)
		case nav.ErrorText != "":
			r.settle(nil, types.Errorf(types.KindAutomationProtocol, "navigate", "navigation failed: %s", nav.ErrorText))
		case !plan.Page.ServeBasePage && plan.Page.HTML != "" && plan.needsAction():
			r.spawn(func() {
				if err := r.page.WaitLoad(); err != nil {
					r.fail("wait_load", err)
					return
				}
				r.act()
			})
		}
	}

	select {
	case out := <-r.done:
		return out.resp, out.err
	case <-tab.Disconnected():
		r.setState(stateFailed)
		return nil, types.Errorf(types.KindTransientTransport, "run", "tab %s disconnected", r.tabID)
	case <-ctx.Done():
		r.setState(stateFailed)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, types.NewError(types.KindTimeout, "run", types.ErrTimeout)
		}
		return nil, fmt.Errorf("emulation canceled: %w", ctx.Err())
	}
}

// onPaused handles one Fetch.requestPaused event on the event loop.
func (r *run) onPaused(e *proto.FetchRequestPaused) {
	ev := toPausedEvent(e)
	act, next := decide(ev, r.latches)
	r.latches = next

	log.Debug().
		Str("target_id", r.tabID).
		Str("method", ev.Method).
		Bool("response_stage", ev.ResponseStage).
		Str("action", act.String()).
		Msg("Request paused")

	switch act {
	case actFulfillPreflight:
		if err := fulfillPreflight(r.page, e); err != nil {
			r.fail("fulfill_preflight", err)
			return
		}
		r.setState(statePreflightHandled)

	case actServeBasePage:
		if err := fulfillHTML(r.page, e.RequestID, r.plan.Page.HTML); err != nil {
			r.fail("serve_base_page", err)
			return
		}
		r.setState(stateBasePageServed)
		if r.plan.needsAction() {
			r.spawn(r.act)
		}

	case actCapture:
		resp, err := capture(r.page, e)
		if err != nil {
			r.fail("capture", err)
			return
		}
		r.settle(resp, nil)

	case actFail:
		_ = proto.FetchContinueRequest{RequestID: e.RequestID}.Call(r.page)
		r.settle(nil, types.Errorf(types.KindAutomationProtocol, "intercept", "network error: %s", ev.ErrorReason))

	default:
		if err := (proto.FetchContinueRequest{RequestID: e.RequestID}).Call(r.page); err != nil {
			log.Debug().Err(err).Str("target_id", r.tabID).Msg("Failed to continue request")
		}
	}
}

// act assigns upload files and clicks the submit control. It waits for the
// page to render the controls first.
func (r *run) act() {
	if len(r.plan.Files) > 0 {
		if _, err := r.page.Element(humanize.FileInputSelector); err != nil {
			r.fail("set_files", err)
			return
		}
		if err := humanize.SetFileInputs(r.ctx, r.page, r.plan.Files); err != nil {
			r.fail("set_files", err)
			return
		}
	}
	if !r.plan.Automatic {
		if err := humanize.NewMouse(r.page, r.opts.Mouse).ClickSelector(r.ctx, ClickSelector); err != nil {
			r.fail("click", err)
			return
		}
	}
	r.setState(stateActionTriggered)
}
