package tunnel

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/qtunnel/internal/broker"
	"github.com/eldtechnologies/qtunnel/internal/models"
	"github.com/eldtechnologies/qtunnel/internal/protocol"
)

// dispatcher consumes the caller's own inbox and routes responses to the
// pending call with the same correlation id. Anything else is dropped.
type dispatcher struct {
	logger zerolog.Logger

	mu      sync.Mutex
	pending map[string]chan []byte
}

func newDispatcher(logger zerolog.Logger) *dispatcher {
	return &dispatcher{
		logger:  logger,
		pending: make(map[string]chan []byte),
	}
}

// register must be called before the request is published.
func (d *dispatcher) register(correlationID string) <-chan []byte {
	ch := make(chan []byte, 1)
	d.mu.Lock()
	d.pending[correlationID] = ch
	d.mu.Unlock()
	return ch
}

func (d *dispatcher) unregister(correlationID string) {
	d.mu.Lock()
	delete(d.pending, correlationID)
	d.mu.Unlock()
}

func (d *dispatcher) inflight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// deliver completes at most one pending call per correlation id.
func (d *dispatcher) deliver(msg models.QueueMessage) bool {
	typ, id, ok := protocol.PeekCorrelationID(msg.Payload)
	if !ok || typ != protocol.TypeResponse {
		d.logger.Debug().Str("message_id", msg.ID).Msg("Dropped non-response inbox message")
		return false
	}

	d.mu.Lock()
	ch, found := d.pending[id]
	if found {
		delete(d.pending, id)
	}
	d.mu.Unlock()

	if !found {
		d.logger.Debug().Str("message_id", msg.ID).Msg("Dropped late or unknown response")
		return false
	}
	ch <- msg.Payload
	return false
}

func (d *dispatcher) run(ctx context.Context, b broker.Broker, inbox string, opts waitOptions) {
	creds := broker.Credentials{Principal: inbox}
	err := consumeLoop(ctx, b, inbox, creds, opts, d.logger, d.deliver)
	if err != nil && ctx.Err() == nil {
		d.logger.Error().Err(err).Str("queue", inbox).Msg("Inbox dispatcher stopped")
	}
}
