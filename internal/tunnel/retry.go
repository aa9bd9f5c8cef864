package tunnel

import (
	"context"
	"errors"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/qtunnel/internal/broker"
)

type retryPolicy struct {
	maxRetries int
	min        time.Duration
	max        time.Duration
}

// withRetry runs fn until it succeeds, fails with anything other than
// broker.ErrUnavailable, or maxRetries retries have been spent.
func withRetry(ctx context.Context, p retryPolicy, logger zerolog.Logger, op string, fn func(context.Context) error) error {
	b := &backoff.Backoff{Min: p.min, Max: p.max, Factor: 2, Jitter: true}
	for {
		err := fn(ctx)
		if err == nil || !errors.Is(err, broker.ErrUnavailable) {
			return err
		}

		attempt := int(b.Attempt())
		if attempt >= p.maxRetries {
			return err
		}
		d := b.Duration()
		logger.Warn().Err(err).
			Str("op", op).
			Int("attempt", attempt+1).
			Int("max_retries", p.maxRetries).
			Dur("retry_in", d).
			Msg("Broker unavailable, retrying")

		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
}
