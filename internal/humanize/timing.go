package humanize

import (
	"context"
	"math/rand"
	"time"
)

// Jitter is an inclusive range a random pause is drawn from. The zero value
// means no pause.
type Jitter struct {
	Min, Max time.Duration
}

// Pick returns a uniformly random duration in [Min, Max] at millisecond
// granularity. An inverted range yields Min.
func (j Jitter) Pick() time.Duration {
	if j.Max <= j.Min {
		return j.Min
	}
	span := int64((j.Max - j.Min) / time.Millisecond)
	return j.Min + time.Duration(rand.Int63n(span+1))*time.Millisecond
}

// Wait pauses for a picked duration. It reports false if ctx ended first.
func (j Jitter) Wait(ctx context.Context) bool {
	d := j.Pick()
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
