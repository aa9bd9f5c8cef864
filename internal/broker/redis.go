package broker

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/qtunnel/internal/crypto"
	"github.com/eldtechnologies/qtunnel/internal/metrics"
	"github.com/eldtechnologies/qtunnel/internal/models"
)

// Script results below zero are status codes.
const (
	scriptQueueFull    = -1
	scriptNotFound     = -2
	scriptInvalidToken = -3
)

// publishScript appends to a principal queue if it is below max depth.
// KEYS[1] messages list; ARGV[1] message, ARGV[2] max depth, ARGV[3] idle ttl ms.
var publishScript = redis.NewScript(`
local depth = redis.call('LLEN', KEYS[1])
if depth >= tonumber(ARGV[2]) then
	return -1
end
depth = redis.call('RPUSH', KEYS[1], ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return depth
`)

// publishReservedScript appends to a live reserved queue, aligning the list
// expiry with the queue metadata.
// KEYS[1] messages list, KEYS[2] metadata hash; ARGV[1] message, ARGV[2] max depth.
var publishReservedScript = redis.NewScript(`
local ttl = redis.call('PTTL', KEYS[2])
if ttl <= 0 then
	return -2
end
local depth = redis.call('LLEN', KEYS[1])
if depth >= tonumber(ARGV[2]) then
	return -1
end
depth = redis.call('RPUSH', KEYS[1], ARGV[1])
redis.call('PEXPIRE', KEYS[1], ttl)
return depth
`)

// releaseScript deletes a reserved queue if the token hash matches and
// returns the number of messages dropped.
// KEYS[1] metadata hash, KEYS[2] messages list; ARGV[1] hex token hash.
var releaseScript = redis.NewScript(`
local stored = redis.call('HGET', KEYS[1], 'token_hash')
if not stored then
	return -2
end
if stored ~= ARGV[1] then
	return -3
end
local n = redis.call('LLEN', KEYS[2])
redis.call('DEL', KEYS[1], KEYS[2])
return n
`)

// RedisBroker stores queues in Redis lists. Reserved queue metadata lives in a
// hash that expires with the queue.
type RedisBroker struct {
	client *redis.Client
	cfg    Config
	logger zerolog.Logger
}

// NewRedisBroker creates a broker on an existing client.
func NewRedisBroker(client *redis.Client, cfg Config, logger zerolog.Logger) *RedisBroker {
	return &RedisBroker{client: client, cfg: cfg.withDefaults(), logger: logger}
}

// messagesKey returns the key for a queue's message list.
func messagesKey(target string) string {
	if IsReservedID(target) {
		return fmt.Sprintf("rq:%s:messages", target)
	}
	return fmt.Sprintf("queue:%s:messages", target)
}

// metaKey returns the key for a reserved queue's metadata hash.
func metaKey(queueID string) string {
	return fmt.Sprintf("rq:%s:meta", queueID)
}

// notifyChannel returns the pub/sub channel signalled on publish.
func notifyChannel(target string) string {
	return fmt.Sprintf("queue:%s:notify", target)
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// Publish implements Broker.
func (b *RedisBroker) Publish(ctx context.Context, target string, msg *models.QueueMessage) (int, error) {
	if target == "" {
		return 0, fmt.Errorf("%w: empty target", ErrQueueNotFound)
	}
	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	var res int64
	if IsReservedID(target) {
		res, err = publishReservedScript.Run(ctx, b.client,
			[]string{messagesKey(target), metaKey(target)},
			string(data), b.cfg.MaxDepth,
		).Int64()
	} else {
		res, err = publishScript.Run(ctx, b.client,
			[]string{messagesKey(target)},
			string(data), b.cfg.MaxDepth, b.cfg.InboxTTL.Milliseconds(),
		).Int64()
	}
	metrics.RedisLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return 0, unavailable(err)
	}

	switch res {
	case scriptQueueFull:
		metrics.QueueFullRejections.Inc()
		return 0, ErrQueueFull
	case scriptNotFound:
		return 0, ErrQueueNotFound
	}

	// Notification is best-effort; pollers still find the message.
	if err := b.client.Publish(ctx, notifyChannel(target), msg.ID).Err(); err != nil {
		b.logger.Debug().Err(err).Str("target", target).Msg("publish notification failed")
	}

	metrics.MessagesPublished.WithLabelValues(queueType(target)).Inc()
	return int(res), nil
}

// authorize checks creds against target.
func (b *RedisBroker) authorize(ctx context.Context, target string, creds Credentials) error {
	if !IsReservedID(target) {
		if creds.Principal != target {
			return ErrNotOwner
		}
		return nil
	}

	meta, err := b.client.HGetAll(ctx, metaKey(target)).Result()
	if err != nil {
		return unavailable(err)
	}
	if len(meta) == 0 {
		return ErrQueueNotFound
	}
	hash, err := hex.DecodeString(meta["token_hash"])
	if err != nil || !crypto.TokenMatches(creds.Token, hash) {
		metrics.InvalidTokens.Inc()
		return ErrInvalidToken
	}
	return nil
}

// Consume implements Broker.
func (b *RedisBroker) Consume(ctx context.Context, target string, creds Credentials, limit int) ([]models.QueueMessage, int, error) {
	if err := b.authorize(ctx, target, creds); err != nil {
		return nil, 0, err
	}

	n := int64(b.cfg.batch(limit))
	key := messagesKey(target)

	var lrange *redis.StringSliceCmd
	var llen *redis.IntCmd
	start := time.Now()
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		lrange = pipe.LRange(ctx, key, 0, n-1)
		pipe.LTrim(ctx, key, n, -1)
		llen = pipe.LLen(ctx, key)
		return nil
	})
	metrics.RedisLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, 0, unavailable(err)
	}

	messages := b.decode(lrange.Val())
	if len(messages) > 0 {
		metrics.MessagesConsumed.WithLabelValues(queueType(target)).Add(float64(len(messages)))
	}
	return messages, int(llen.Val()), nil
}

// Peek implements Broker.
func (b *RedisBroker) Peek(ctx context.Context, target string, creds Credentials, limit int) ([]models.QueueMessage, int, error) {
	if err := b.authorize(ctx, target, creds); err != nil {
		return nil, 0, err
	}

	n := int64(b.cfg.batch(limit))
	key := messagesKey(target)

	pipe := b.client.Pipeline()
	lrange := pipe.LRange(ctx, key, 0, n-1)
	llen := pipe.LLen(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, 0, unavailable(err)
	}

	return b.decode(lrange.Val()), int(llen.Val()), nil
}

func (b *RedisBroker) decode(results []string) []models.QueueMessage {
	messages := make([]models.QueueMessage, 0, len(results))
	for _, data := range results {
		var msg models.QueueMessage
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			b.logger.Warn().Err(err).Msg("dropping undecodable queue entry")
			continue
		}
		messages = append(messages, msg)
	}
	return messages
}

// Reserve implements Broker.
func (b *RedisBroker) Reserve(ctx context.Context, owner string, ttl time.Duration) (*models.Reservation, error) {
	id, err := NewReservedID()
	if err != nil {
		return nil, err
	}
	token, err := crypto.RandomToken(32)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	expiresAt := now.Add(b.cfg.reservedTTL(ttl))
	hash := crypto.HashToken(token)
	key := metaKey(id)

	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]interface{}{
			"owner":      owner,
			"token_hash": hex.EncodeToString(hash[:]),
			"created_at": strconv.FormatInt(now.UnixMilli(), 10),
			"expires_at": strconv.FormatInt(expiresAt.UnixMilli(), 10),
		})
		pipe.PExpireAt(ctx, key, expiresAt)
		return nil
	})
	if err != nil {
		return nil, unavailable(err)
	}

	metrics.QueuesReserved.Inc()
	return &models.Reservation{QueueID: id, Token: token, ExpiresAt: expiresAt}, nil
}

// Release implements Broker.
func (b *RedisBroker) Release(ctx context.Context, queueID, token string) (int, error) {
	if !IsReservedID(queueID) {
		return 0, ErrQueueNotFound
	}
	hash := crypto.HashToken(token)
	n, err := releaseScript.Run(ctx, b.client,
		[]string{metaKey(queueID), messagesKey(queueID)},
		hex.EncodeToString(hash[:]),
	).Int64()
	if err != nil {
		return 0, unavailable(err)
	}

	switch n {
	case scriptNotFound:
		return 0, ErrQueueNotFound
	case scriptInvalidToken:
		metrics.InvalidTokens.Inc()
		return 0, ErrInvalidToken
	}

	metrics.QueuesReleased.WithLabelValues("released").Inc()
	return int(n), nil
}

type redisSub struct {
	pubsub *redis.PubSub
	ch     chan struct{}
	once   sync.Once
}

func (s *redisSub) C() <-chan struct{} { return s.ch }

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() { err = s.pubsub.Close() })
	return err
}

// Subscribe implements Notifier using Redis pub/sub.
func (b *RedisBroker) Subscribe(ctx context.Context, target string) (Subscription, error) {
	pubsub := b.client.Subscribe(ctx, notifyChannel(target))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, unavailable(err)
	}

	s := &redisSub{pubsub: pubsub, ch: make(chan struct{}, 1)}
	go func() {
		for range pubsub.Channel() {
			select {
			case s.ch <- struct{}{}:
			default:
			}
		}
	}()
	return s, nil
}
