package tunnel

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/qtunnel/internal/broker"
	"github.com/eldtechnologies/qtunnel/internal/models"
)

// WaitStrategy selects how a consumer learns that a queue has new messages.
type WaitStrategy string

const (
	// WaitPoll consumes on a fixed short interval.
	WaitPoll WaitStrategy = "poll"
	// WaitNotify blocks on broker publish notifications, with a slow fallback poll.
	WaitNotify WaitStrategy = "notify"
)

// signal blocks until the next consume attempt is due.
type signal interface {
	next(ctx context.Context) error
	close()
}

type pollSignal struct {
	interval time.Duration
}

func (p pollSignal) next(ctx context.Context) error {
	t := time.NewTimer(p.interval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (pollSignal) close() {}

type notifySignal struct {
	sub      broker.Subscription
	fallback time.Duration
}

func (n notifySignal) next(ctx context.Context) error {
	t := time.NewTimer(n.fallback)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-n.sub.C():
		return nil
	case <-t.C:
		return nil
	}
}

func (n notifySignal) close() { _ = n.sub.Close() }

// waitOptions configure a consume loop.
type waitOptions struct {
	strategy WaitStrategy
	interval time.Duration
	fallback time.Duration
	batch    int
	retry    retryPolicy
	// slots, when set, bounds each consume to the capacity free to process it.
	slots slots
}

// slots hands out processing capacity. acquire blocks for at least one slot
// and returns up to max; release returns unused ones.
type slots interface {
	acquire(ctx context.Context, max int) (int, error)
	release(n int)
}

// newSignal subscribes before the first consume so no publish is missed.
// Brokers without notifications fall back to polling.
func newSignal(ctx context.Context, b broker.Broker, target string, opts waitOptions, logger zerolog.Logger) signal {
	if opts.strategy == WaitNotify {
		if n, ok := b.(broker.Notifier); ok {
			sub, err := n.Subscribe(ctx, target)
			if err == nil {
				return notifySignal{sub: sub, fallback: opts.fallback}
			}
			logger.Warn().Err(err).Str("queue", target).Msg("Subscribe failed, polling instead")
		}
	}
	return pollSignal{interval: opts.interval}
}

// consumeLoop consumes target until handle reports done or ctx ends. Messages
// left in a batch after handle reports done are dropped. Broker outages are
// retried with backoff; other broker errors end the loop.
func consumeLoop(ctx context.Context, b broker.Broker, target string, creds broker.Credentials, opts waitOptions, logger zerolog.Logger, handle func(models.QueueMessage) bool) error {
	sig := newSignal(ctx, b, target, opts, logger)
	defer sig.close()

	for {
		n := opts.batch
		if opts.slots != nil {
			var err error
			if n, err = opts.slots.acquire(ctx, opts.batch); err != nil {
				return err
			}
		}

		var msgs []models.QueueMessage
		var remaining int
		err := withRetry(ctx, opts.retry, logger, "consume", func(ctx context.Context) error {
			var err error
			msgs, remaining, err = b.Consume(ctx, target, creds, n)
			return err
		})
		if opts.slots != nil && len(msgs) < n {
			opts.slots.release(n - len(msgs))
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !errors.Is(err, broker.ErrUnavailable) {
				return err
			}
			logger.Error().Err(err).Str("queue", target).Msg("Consume failed")
		}

		for i, msg := range msgs {
			if handle(msg) {
				if dropped := len(msgs) - i - 1; dropped > 0 {
					if opts.slots != nil {
						opts.slots.release(dropped)
					}
					logger.Debug().Int("dropped", dropped).Str("queue", target).Msg("Dropped messages after completion")
				}
				return nil
			}
		}

		// Drain backlog without waiting.
		if err == nil && remaining > 0 {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}

		if err := sig.next(ctx); err != nil {
			return err
		}
	}
}
