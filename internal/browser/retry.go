package browser

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/mimicproxy/internal/metrics"
	"github.com/Rorqualx/mimicproxy/internal/types"
)

// Retry runs fn up to attempts times with a fixed delay between attempts.
// Only transient transport failures are retried; any other error, and any
// error once ctx is done, is returned as is.
func Retry(ctx context.Context, attempts int, delay time.Duration, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if Classify(err) != types.KindTransientTransport || attempt == attempts {
			return err
		}
		if ctx.Err() != nil {
			return err
		}

		log.Debug().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", attempts).
			Dur("delay", delay).
			Msg("Transient automation error, retrying")
		metrics.RecordRetry()

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}

// Retry runs fn with the configured attempt count and delay.
func (m *Manager) Retry(ctx context.Context, fn func(ctx context.Context) error) error {
	return Retry(ctx, m.cfg.CDPRetryAttempts, m.cfg.CDPRetryDelay, fn)
}
