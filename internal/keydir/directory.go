// Package keydir resolves and caches the tunnel public keys of principals.
package keydir

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/eldtechnologies/qtunnel/internal/metrics"
	"github.com/eldtechnologies/qtunnel/internal/models"
)

var (
	// ErrKeyMissing means the principal has no registered tunnel key. Terminal.
	ErrKeyMissing = errors.New("keydir: no tunnel key registered")
	// ErrKeyUnavailable means the lookup service could not be reached. Retryable.
	ErrKeyUnavailable = errors.New("keydir: key lookup unavailable")
)

// DefaultTTL is how long a fetched key is trusted before it is fetched again.
const DefaultTTL = 5 * time.Minute

// DefaultLookupTimeout bounds one shared lookup, independent of any caller.
const DefaultLookupTimeout = 10 * time.Second

// Lookup fetches a principal's registered tunnel public key.
// Implementations return ErrKeyMissing when none is registered; any other
// error is treated as a transport failure.
type Lookup interface {
	LookupPublicKey(ctx context.Context, principal string) ([]byte, error)
}

// LookupFunc adapts a function to Lookup.
type LookupFunc func(ctx context.Context, principal string) ([]byte, error)

// LookupPublicKey implements Lookup.
func (f LookupFunc) LookupPublicKey(ctx context.Context, principal string) ([]byte, error) {
	return f(ctx, principal)
}

// Directory is a TTL cache in front of a Lookup. Safe for concurrent use.
type Directory struct {
	lookup        Lookup
	ttl           time.Duration
	lookupTimeout time.Duration
	now           func() time.Time
	logger        zerolog.Logger

	mu      sync.RWMutex
	entries map[string]models.KeyCacheEntry
	group   singleflight.Group
}

// Option configures a Directory.
type Option func(*Directory)

// WithLogger sets the directory logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(d *Directory) { d.logger = logger }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Directory) { d.now = now }
}

// WithLookupTimeout bounds each shared lookup. Non-positive values are ignored.
func WithLookupTimeout(timeout time.Duration) Option {
	return func(d *Directory) {
		if timeout > 0 {
			d.lookupTimeout = timeout
		}
	}
}

// New creates a Directory. A non-positive ttl uses DefaultTTL.
func New(lookup Lookup, ttl time.Duration, opts ...Option) *Directory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	d := &Directory{
		lookup:        lookup,
		ttl:           ttl,
		lookupTimeout: DefaultLookupTimeout,
		now:           time.Now,
		logger:        zerolog.Nop(),
		entries:       make(map[string]models.KeyCacheEntry),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// GetPublicKey returns the principal's tunnel key, from cache when fresh.
// Concurrent misses share one lookup that does not inherit any caller's
// cancellation; each caller stops waiting when its own ctx is done.
func (d *Directory) GetPublicKey(ctx context.Context, principal string) ([]byte, error) {
	if key, ok := d.cached(principal); ok {
		metrics.KeyCacheLookups.WithLabelValues("hit").Inc()
		return key, nil
	}
	metrics.KeyCacheLookups.WithLabelValues("miss").Inc()

	ch := d.group.DoChan(principal, func() (interface{}, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.lookupTimeout)
		defer cancel()

		key, err := d.lookup.LookupPublicKey(lctx, principal)
		if err != nil {
			if errors.Is(err, ErrKeyMissing) {
				return nil, fmt.Errorf("%w: principal %s", ErrKeyMissing, principal)
			}
			d.logger.Warn().Err(err).Str("principal", principal).Msg("key lookup failed")
			return nil, fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
		}
		if len(key) == 0 {
			return nil, fmt.Errorf("%w: principal %s", ErrKeyMissing, principal)
		}

		d.mu.Lock()
		d.entries[principal] = models.KeyCacheEntry{
			Principal: principal,
			PublicKey: key,
			FetchedAt: d.now(),
		}
		d.mu.Unlock()
		return key, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return copyKey(res.Val.([]byte)), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrKeyUnavailable, ctx.Err())
	}
}

func (d *Directory) cached(principal string) ([]byte, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	entry, ok := d.entries[principal]
	if !ok || d.now().Sub(entry.FetchedAt) >= d.ttl {
		return nil, false
	}
	return copyKey(entry.PublicKey), true
}

// Evict drops the cached key for principal. Unknown principals are ignored.
func (d *Directory) Evict(principal string) {
	d.mu.Lock()
	_, ok := d.entries[principal]
	delete(d.entries, principal)
	d.mu.Unlock()

	d.group.Forget(principal)
	if ok {
		metrics.KeyCacheEvictions.Inc()
		d.logger.Info().Str("principal", principal).Msg("evicted tunnel key")
	}
}

// Len returns the number of cached entries, including stale ones.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}

func copyKey(k []byte) []byte {
	out := make([]byte, len(k))
	copy(out, k)
	return out
}
