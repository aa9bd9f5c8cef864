package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/qtunnel/internal/crypto"
	"github.com/eldtechnologies/qtunnel/internal/metrics"
	"github.com/eldtechnologies/qtunnel/internal/models"
)

// MemoryBroker is an in-process Broker. Each queue serializes its own
// operations; the broker lock only guards the queue index.
// Lock order: MemoryBroker.mu before memQueue.mu.
type MemoryBroker struct {
	cfg    Config
	now    func() time.Time
	logger zerolog.Logger

	mu     sync.Mutex
	queues map[string]*memQueue
}

type memQueue struct {
	meta *models.ReservedQueue // nil for principal queues; immutable

	mu       sync.Mutex
	messages []models.QueueMessage
	closed   bool
	subs     map[*memSub]struct{}
}

// MemoryOption configures a MemoryBroker.
type MemoryOption func(*MemoryBroker)

// WithMemoryClock overrides the time source used for TTLs.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(b *MemoryBroker) { b.now = now }
}

// WithMemoryLogger sets the broker logger.
func WithMemoryLogger(logger zerolog.Logger) MemoryOption {
	return func(b *MemoryBroker) { b.logger = logger }
}

// NewMemoryBroker creates an empty in-memory broker.
func NewMemoryBroker(cfg Config, opts ...MemoryOption) *MemoryBroker {
	b := &MemoryBroker{
		cfg:    cfg.withDefaults(),
		now:    time.Now,
		logger: zerolog.Nop(),
		queues: make(map[string]*memQueue),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// queue returns the queue for target. Principal queues are created on demand
// when create is set; expired reserved queues are dropped and reported missing.
func (b *MemoryBroker) queue(target string, create bool) *memQueue {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[target]
	if ok && q.meta != nil && q.meta.Expired(b.now()) {
		b.dropLocked(target, q, "expired")
		return nil
	}
	if !ok && create && !IsReservedID(target) {
		q = &memQueue{subs: make(map[*memSub]struct{})}
		b.queues[target] = q
	}
	return q
}

// dropLocked removes a reserved queue. Caller holds b.mu.
func (b *MemoryBroker) dropLocked(id string, q *memQueue, reason string) int {
	delete(b.queues, id)

	q.mu.Lock()
	cleared := len(q.messages)
	q.messages = nil
	q.closed = true
	q.notifyLocked()
	q.mu.Unlock()

	metrics.QueuesReleased.WithLabelValues(reason).Inc()
	b.logger.Debug().Str("queue_id", id).Str("reason", reason).Int("cleared", cleared).Msg("reserved queue ended")
	return cleared
}

func (q *memQueue) notifyLocked() {
	for s := range q.subs {
		select {
		case s.ch <- struct{}{}:
		default:
		}
	}
}

// Publish implements Broker.
func (b *MemoryBroker) Publish(ctx context.Context, target string, msg *models.QueueMessage) (int, error) {
	if target == "" {
		return 0, fmt.Errorf("%w: empty target", ErrQueueNotFound)
	}
	q := b.queue(target, true)
	if q == nil {
		return 0, ErrQueueNotFound
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || (q.meta != nil && q.meta.Expired(b.now())) {
		return 0, ErrQueueNotFound
	}
	if len(q.messages) >= b.cfg.MaxDepth {
		metrics.QueueFullRejections.Inc()
		return 0, ErrQueueFull
	}

	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = b.now()
	}
	stored := *msg
	stored.Payload = append([]byte(nil), msg.Payload...)
	q.messages = append(q.messages, stored)
	q.notifyLocked()

	metrics.MessagesPublished.WithLabelValues(queueType(target)).Inc()
	return len(q.messages), nil
}

// Consume implements Broker.
func (b *MemoryBroker) Consume(ctx context.Context, target string, creds Credentials, limit int) ([]models.QueueMessage, int, error) {
	return b.read(target, creds, limit, true)
}

// Peek implements Broker.
func (b *MemoryBroker) Peek(ctx context.Context, target string, creds Credentials, limit int) ([]models.QueueMessage, int, error) {
	return b.read(target, creds, limit, false)
}

func (b *MemoryBroker) read(target string, creds Credentials, limit int, remove bool) ([]models.QueueMessage, int, error) {
	reserved := IsReservedID(target)
	if !reserved && creds.Principal != target {
		return nil, 0, ErrNotOwner
	}

	q := b.queue(target, false)
	if q == nil {
		if reserved {
			return nil, 0, ErrQueueNotFound
		}
		return []models.QueueMessage{}, 0, nil
	}
	if reserved && !crypto.TokenMatches(creds.Token, q.meta.TokenHash) {
		metrics.InvalidTokens.Inc()
		return nil, 0, ErrInvalidToken
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, 0, ErrQueueNotFound
	}

	n := b.cfg.batch(limit)
	if n > len(q.messages) {
		n = len(q.messages)
	}
	out := make([]models.QueueMessage, n)
	copy(out, q.messages[:n])

	if remove && n > 0 {
		rest := make([]models.QueueMessage, len(q.messages)-n)
		copy(rest, q.messages[n:])
		q.messages = rest
		metrics.MessagesConsumed.WithLabelValues(queueType(target)).Add(float64(n))
	}
	return out, len(q.messages), nil
}

// Reserve implements Broker.
func (b *MemoryBroker) Reserve(ctx context.Context, owner string, ttl time.Duration) (*models.Reservation, error) {
	id, err := NewReservedID()
	if err != nil {
		return nil, err
	}
	token, err := crypto.RandomToken(32)
	if err != nil {
		return nil, err
	}

	now := b.now()
	hash := crypto.HashToken(token)
	meta := &models.ReservedQueue{
		ID:        id,
		Owner:     owner,
		TokenHash: hash[:],
		CreatedAt: now,
		ExpiresAt: now.Add(b.cfg.reservedTTL(ttl)),
	}

	b.mu.Lock()
	b.queues[id] = &memQueue{meta: meta, subs: make(map[*memSub]struct{})}
	b.mu.Unlock()

	metrics.QueuesReserved.Inc()
	return &models.Reservation{QueueID: id, Token: token, ExpiresAt: meta.ExpiresAt}, nil
}

// Release implements Broker.
func (b *MemoryBroker) Release(ctx context.Context, queueID, token string) (int, error) {
	if !IsReservedID(queueID) {
		return 0, ErrQueueNotFound
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queueID]
	if !ok {
		return 0, ErrQueueNotFound
	}
	if q.meta.Expired(b.now()) {
		b.dropLocked(queueID, q, "expired")
		return 0, ErrQueueNotFound
	}
	if !crypto.TokenMatches(token, q.meta.TokenHash) {
		metrics.InvalidTokens.Inc()
		return 0, ErrInvalidToken
	}
	return b.dropLocked(queueID, q, "released"), nil
}

// Sweep drops every expired reserved queue and returns how many were dropped.
func (b *MemoryBroker) Sweep() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	dropped := 0
	for id, q := range b.queues {
		if q.meta != nil && q.meta.Expired(now) {
			b.dropLocked(id, q, "expired")
			dropped++
		}
	}
	return dropped
}

// Run sweeps expired reserved queues every interval until ctx is done.
func (b *MemoryBroker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := b.Sweep(); n > 0 {
				b.logger.Debug().Int("dropped", n).Msg("swept expired reserved queues")
			}
		}
	}
}

type memSub struct {
	ch   chan struct{}
	q    *memQueue
	once sync.Once
}

func (s *memSub) C() <-chan struct{} { return s.ch }

func (s *memSub) Close() error {
	s.once.Do(func() {
		s.q.mu.Lock()
		delete(s.q.subs, s)
		s.q.mu.Unlock()
	})
	return nil
}

// Subscribe implements Notifier.
func (b *MemoryBroker) Subscribe(ctx context.Context, target string) (Subscription, error) {
	q := b.queue(target, true)
	if q == nil {
		return nil, ErrQueueNotFound
	}

	s := &memSub{ch: make(chan struct{}, 1), q: q}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrQueueNotFound
	}
	q.subs[s] = struct{}{}
	return s, nil
}
