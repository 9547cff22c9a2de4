package browser

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/go-rod/rod/lib/cdp"

	"github.com/Rorqualx/mimicproxy/internal/types"
)

// Substrings of transport failures that surface from the websocket layer
// without a typed error.
var transientMessages = []string{
	"bad handshake",
	"unexpected response",
	"connection reset",
	"connection refused",
	"broken pipe",
	"use of closed network connection",
	"websocket: close",
	"unexpected eof",
}

// Substrings of protocol errors meaning the target no longer exists.
var goneMessages = []string{
	"no target with given id",
	"target closed",
	"session with given id not found",
	"no such target",
}

// Classify maps an automation error to its kind. It is the only place that
// inspects error text; everything else switches on the returned kind.
func Classify(err error) types.Kind {
	if err == nil {
		return types.KindUnknown
	}

	var ee *types.EmulationError
	if errors.As(err, &ee) && ee.Kind != types.KindUnknown {
		return ee.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, types.ErrTimeout) {
		return types.KindTimeout
	}
	// A caller that gave up is never retried.
	if errors.Is(err, context.Canceled) {
		return types.KindUnknown
	}
	if k := types.KindOf(err); k != types.KindUnknown {
		return k
	}

	var cdpErr *cdp.Error
	if errors.As(err, &cdpErr) {
		if containsAny(strings.ToLower(cdpErr.Message), goneMessages) {
			return types.KindTargetAlreadyClosed
		}
		return types.KindAutomationProtocol
	}

	if errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return types.KindTransientTransport
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return types.KindTransientTransport
	}

	msg := strings.ToLower(err.Error())
	if containsAny(msg, goneMessages) {
		return types.KindTargetAlreadyClosed
	}
	if containsAny(msg, transientMessages) {
		return types.KindTransientTransport
	}
	return types.KindUnknown
}

// alreadyGone is the close predicate shared by every close strategy.
func alreadyGone(err error) bool {
	return Classify(err) == types.KindTargetAlreadyClosed
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
