// Package broker implements the relay queues: durable per-principal queues and
// short-lived, token-protected reserved queues.
package broker

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"regexp"
	"time"

	"github.com/eldtechnologies/qtunnel/internal/models"
)

var (
	ErrQueueNotFound = errors.New("broker: queue not found or expired")
	ErrQueueFull     = errors.New("broker: queue full")
	ErrInvalidToken  = errors.New("broker: invalid queue token")
	ErrNotOwner      = errors.New("broker: not the queue owner")
	// ErrUnavailable wraps transport failures talking to the backing store. Retryable.
	ErrUnavailable = errors.New("broker: unavailable")
)

// ReservedPrefix marks reserved queue ids.
const ReservedPrefix = "rq_"

var reservedIDRegex = regexp.MustCompile(`^rq_[0-9a-f]{32}$`)

// IsReservedID reports whether target names a reserved queue rather than a principal.
func IsReservedID(target string) bool {
	return reservedIDRegex.MatchString(target)
}

// NewReservedID returns a random reserved queue id.
func NewReservedID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return ReservedPrefix + hex.EncodeToString(b), nil
}

// Credentials identify the consumer of a queue. Principal is the authenticated
// caller; Token is the secret returned by Reserve, required for reserved queues.
type Credentials struct {
	Principal string
	Token     string
}

// Broker is the queue contract shared by the in-memory, Redis and HTTP implementations.
type Broker interface {
	// Publish appends msg to target and returns the new depth.
	Publish(ctx context.Context, target string, msg *models.QueueMessage) (int, error)
	// Consume removes up to limit oldest messages and returns them with the remaining depth.
	Consume(ctx context.Context, target string, creds Credentials, limit int) ([]models.QueueMessage, int, error)
	// Peek is Consume without removal.
	Peek(ctx context.Context, target string, creds Credentials, limit int) ([]models.QueueMessage, int, error)
	// Reserve allocates an ephemeral queue owned by owner.
	Reserve(ctx context.Context, owner string, ttl time.Duration) (*models.Reservation, error)
	// Release deletes a reserved queue and returns how many pending messages were dropped.
	Release(ctx context.Context, queueID, token string) (int, error)
}

// Subscription delivers a signal whenever a message is published to its queue.
type Subscription interface {
	C() <-chan struct{}
	Close() error
}

// Notifier is implemented by brokers that can push publish notifications.
type Notifier interface {
	Subscribe(ctx context.Context, target string) (Subscription, error)
}

// Config holds the broker limits.
type Config struct {
	MaxDepth           int           // per queue
	MaxBatch           int           // per consume/peek call
	InboxTTL           time.Duration // idle expiry of durable queues (Redis only)
	DefaultReservedTTL time.Duration
	MaxReservedTTL     time.Duration
}

// DefaultConfig returns the default broker limits.
func DefaultConfig() Config {
	return Config{
		MaxDepth:           1000,
		MaxBatch:           100,
		InboxTTL:           7 * 24 * time.Hour,
		DefaultReservedTTL: time.Minute,
		MaxReservedTTL:     10 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxDepth <= 0 {
		c.MaxDepth = d.MaxDepth
	}
	if c.MaxBatch <= 0 {
		c.MaxBatch = d.MaxBatch
	}
	if c.InboxTTL <= 0 {
		c.InboxTTL = d.InboxTTL
	}
	if c.DefaultReservedTTL <= 0 {
		c.DefaultReservedTTL = d.DefaultReservedTTL
	}
	if c.MaxReservedTTL <= 0 {
		c.MaxReservedTTL = d.MaxReservedTTL
	}
	if c.DefaultReservedTTL > c.MaxReservedTTL {
		c.DefaultReservedTTL = c.MaxReservedTTL
	}
	return c
}

func (c Config) reservedTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return c.DefaultReservedTTL
	}
	if ttl > c.MaxReservedTTL {
		return c.MaxReservedTTL
	}
	return ttl
}

func (c Config) batch(limit int) int {
	if limit <= 0 {
		return 1
	}
	if limit > c.MaxBatch {
		return c.MaxBatch
	}
	return limit
}

func queueType(target string) string {
	if IsReservedID(target) {
		return "reserved"
	}
	return "principal"
}
