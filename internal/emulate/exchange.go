package emulate

import (
	"strings"

	"github.com/go-rod/rod/lib/proto"
)

// state is the progress of one emulation.
type state int

const (
	stateStart state = iota
	stateHostingResolved
	stateTabOpened
	statePreflightHandled
	stateBasePageServed
	stateActionTriggered
	stateResponseCaptured
	stateTabClosed
	stateFailed
)

var stateNames = [...]string{
	stateStart:            "start",
	stateHostingResolved:  "hosting_resolved",
	stateTabOpened:        "tab_opened",
	statePreflightHandled: "preflight_handled",
	stateBasePageServed:   "base_page_served",
	stateActionTriggered:  "action_triggered",
	stateResponseCaptured: "response_captured",
	stateTabClosed:        "tab_closed",
	stateFailed:           "failed",
}

func (s state) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// action is what the event loop does with one paused request.
type action int

const (
	actContinue action = iota
	actFulfillPreflight
	actServeBasePage
	actCapture
	actFail
)

func (a action) String() string {
	switch a {
	case actFulfillPreflight:
		return "fulfill_preflight"
	case actServeBasePage:
		return "serve_base_page"
	case actCapture:
		return "capture"
	case actFail:
		return "fail"
	default:
		return "continue"
	}
}

// pausedEvent is the part of Fetch.requestPaused a decision depends on.
type pausedEvent struct {
	Method        string
	ResponseStage bool
	StatusCode    int
	ErrorReason   string
}

func toPausedEvent(e *proto.FetchRequestPaused) pausedEvent {
	p := pausedEvent{ErrorReason: string(e.ResponseErrorReason)}
	if e.Request != nil {
		p.Method = e.Request.Method
	}
	if e.ResponseStatusCode != nil {
		p.ResponseStage = true
		p.StatusCode = *e.ResponseStatusCode
	}
	if p.ErrorReason != "" {
		p.ResponseStage = true
	}
	return p
}

// latches is the per-exchange memory decide reads and advances.
type latches struct {
	// PreflightPending is set while a synthetic preflight answer is owed.
	PreflightPending bool
	// BasePagePending is set until the first request is answered with the page.
	BasePagePending bool
	// Method is the method of the request being reproduced.
	Method string
}

// decide maps one paused request and the current latches to exactly one
// action and the latches after it. It performs no I/O.
func decide(e pausedEvent, l latches) (action, latches) {
	if !e.ResponseStage {
		switch {
		case l.PreflightPending && strings.EqualFold(e.Method, "OPTIONS"):
			l.PreflightPending = false
			return actFulfillPreflight, l
		case l.BasePagePending:
			l.BasePagePending = false
			return actServeBasePage, l
		default:
			return actContinue, l
		}
	}

	if e.ErrorReason != "" {
		return actFail, l
	}
	// A browser-generated preflight is not the response being reproduced.
	if strings.EqualFold(e.Method, "OPTIONS") && !strings.EqualFold(l.Method, "OPTIONS") {
		return actContinue, l
	}
	return actCapture, l
}
