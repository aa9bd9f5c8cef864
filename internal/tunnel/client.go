// Package tunnel runs encrypted request/response calls through a broker.
// Client is the calling side; Responder serves requests on a peer that
// cannot accept inbound connections.
package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/qtunnel/internal/broker"
	"github.com/eldtechnologies/qtunnel/internal/crypto"
	"github.com/eldtechnologies/qtunnel/internal/metrics"
	"github.com/eldtechnologies/qtunnel/internal/models"
	"github.com/eldtechnologies/qtunnel/internal/protocol"
)

// ReplyMode selects where responses are delivered.
type ReplyMode string

const (
	// ReplyReserved reserves a fresh queue per call and releases it afterwards.
	ReplyReserved ReplyMode = "reserved"
	// ReplyInbox uses the caller's own durable queue, shared by all calls.
	ReplyInbox ReplyMode = "inbox"
)

const releaseTimeout = 5 * time.Second

// KeyResolver resolves and evicts peers' tunnel public keys.
// *keydir.Directory implements it.
type KeyResolver interface {
	GetPublicKey(ctx context.Context, principal string) ([]byte, error)
	Evict(principal string)
}

// Config tunes a Client.
type Config struct {
	// Principal is the caller's identity. Required for ReplyInbox.
	Principal string

	ReplyMode ReplyMode
	Wait      WaitStrategy

	PollInterval   time.Duration
	NotifyFallback time.Duration
	ConsumeBatch   int

	// ReservedTTL bounds a reply queue's life. Zero means call timeout plus a margin.
	ReservedTTL time.Duration

	RetrievalTimeout  time.Duration
	GenerationTimeout time.Duration

	MaxRetries int
	RetryMin   time.Duration
	RetryMax   time.Duration
}

// DefaultConfig returns the default client settings.
func DefaultConfig() Config {
	return Config{
		ReplyMode:         ReplyReserved,
		Wait:              WaitPoll,
		PollInterval:      100 * time.Millisecond,
		NotifyFallback:    time.Second,
		ConsumeBatch:      10,
		RetrievalTimeout:  30 * time.Second,
		GenerationTimeout: 120 * time.Second,
		MaxRetries:        3,
		RetryMin:          50 * time.Millisecond,
		RetryMax:          time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ReplyMode == "" {
		c.ReplyMode = d.ReplyMode
	}
	if c.Wait == "" {
		c.Wait = d.Wait
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.NotifyFallback <= 0 {
		c.NotifyFallback = d.NotifyFallback
	}
	if c.ConsumeBatch <= 0 {
		c.ConsumeBatch = d.ConsumeBatch
	}
	if c.RetrievalTimeout <= 0 {
		c.RetrievalTimeout = d.RetrievalTimeout
	}
	if c.GenerationTimeout <= 0 {
		c.GenerationTimeout = d.GenerationTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryMin <= 0 {
		c.RetryMin = d.RetryMin
	}
	if c.RetryMax <= 0 {
		c.RetryMax = d.RetryMax
	}
	return c
}

func (c Config) waitOptions() waitOptions {
	return waitOptions{
		strategy: c.Wait,
		interval: c.PollInterval,
		fallback: c.NotifyFallback,
		batch:    c.ConsumeBatch,
		retry:    c.retryPolicy(),
	}
}

func (c Config) retryPolicy() retryPolicy {
	return retryPolicy{maxRetries: c.MaxRetries, min: c.RetryMin, max: c.RetryMax}
}

// Client issues tunnel calls. Safe for concurrent use.
type Client struct {
	broker broker.Broker
	keys   KeyResolver
	cfg    Config
	logger zerolog.Logger

	dispatch     *dispatcher
	dispatchOnce sync.Once
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// New creates a Client.
func New(b broker.Broker, keys KeyResolver, cfg Config, logger zerolog.Logger) (*Client, error) {
	cfg = cfg.withDefaults()
	switch cfg.ReplyMode {
	case ReplyReserved, ReplyInbox:
	default:
		return nil, fmt.Errorf("tunnel: unknown reply mode %q", cfg.ReplyMode)
	}
	switch cfg.Wait {
	case WaitPoll, WaitNotify:
	default:
		return nil, fmt.Errorf("tunnel: unknown wait strategy %q", cfg.Wait)
	}
	if cfg.ReplyMode == ReplyInbox && cfg.Principal == "" {
		return nil, errors.New("tunnel: inbox reply mode requires a principal")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		broker: b,
		keys:   keys,
		cfg:    cfg,
		logger: logger.With().Str("component", "tunnel").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Close stops the inbox dispatcher, if running.
func (c *Client) Close() error {
	c.cancel()
	c.wg.Wait()
	return nil
}

func (c *Client) dispatcher() *dispatcher {
	c.dispatchOnce.Do(func() {
		c.dispatch = newDispatcher(c.logger.With().Str("inbox", c.cfg.Principal).Logger())
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.dispatch.run(c.ctx, c.broker, c.cfg.Principal, c.cfg.waitOptions())
		}()
	})
	return c.dispatch
}

// Retrieve runs a retrieval call. A call that times out is not an error: it
// returns a result with status "timeout" and no documents. Remote errors,
// missing keys and protocol violations are returned as errors so callers can
// tell an unanswered call from a failed one.
func (c *Client) Retrieve(ctx context.Context, target, slug string, req RetrievalRequest) (*RetrievalResult, error) {
	start := time.Now()
	endpoint := protocol.Endpoint{Slug: slug, Kind: protocol.KindRetrieval}

	plaintext, err := c.Call(ctx, target, endpoint, req, c.cfg.RetrievalTimeout)
	if errors.Is(err, ErrTimeout) {
		return &RetrievalResult{
			Status:    protocol.StatusTimeout,
			Documents: []Document{},
			Latency:   time.Since(start),
		}, nil
	}
	if err != nil {
		return nil, err
	}

	var res RetrievalResult
	if err := json.Unmarshal(plaintext, &res); err != nil {
		return nil, &Error{Code: CodeProtocol, Op: "retrieve", Err: fmt.Errorf("%w: decode result: %v", protocol.ErrProtocolViolation, err)}
	}
	if res.Documents == nil {
		res.Documents = []Document{}
	}
	res.Status = protocol.StatusSuccess
	res.Latency = time.Since(start)
	return &res, nil
}

// Generate runs a generation call. Timeouts are returned as an error
// matching ErrTimeout.
func (c *Client) Generate(ctx context.Context, target, slug string, req GenerationRequest) (*GenerationResult, error) {
	start := time.Now()
	endpoint := protocol.Endpoint{Slug: slug, Kind: protocol.KindGeneration}

	plaintext, err := c.Call(ctx, target, endpoint, req, c.cfg.GenerationTimeout)
	if err != nil {
		return nil, err
	}

	var res GenerationResult
	if err := json.Unmarshal(plaintext, &res); err != nil {
		return nil, &Error{Code: CodeProtocol, Op: "generate", Err: fmt.Errorf("%w: decode result: %v", protocol.ErrProtocolViolation, err)}
	}
	res.Latency = time.Since(start)
	return &res, nil
}

// Call sends payload to endpoint on target and returns the decrypted response
// body. The whole call, key lookup included, is bounded by timeout.
func (c *Client) Call(ctx context.Context, target string, endpoint protocol.Endpoint, payload interface{}, timeout time.Duration) ([]byte, error) {
	start := time.Now()
	kind := endpoint.Kind
	if kind == "" {
		kind = "unknown"
	}

	plaintext, err := c.call(ctx, target, endpoint, payload, timeout)

	outcome := "success"
	if err != nil {
		outcome = string(CodeOf(err))
	}
	metrics.TunnelCalls.WithLabelValues(kind, outcome).Inc()
	metrics.TunnelCallDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	return plaintext, err
}

func (c *Client) call(ctx context.Context, target string, endpoint protocol.Endpoint, payload interface{}, timeout time.Duration) ([]byte, error) {
	const op = "call"
	log := c.logger.With().Str("target", target).Str("endpoint", endpoint.Slug).Logger()

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fail := func(err error) ([]byte, error) {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			err = ErrTimeout
		}
		return nil, newError(op, err)
	}

	key, err := c.keys.GetPublicKey(callCtx, target)
	if err != nil {
		return fail(err)
	}

	var (
		replyTo string
		res     *models.Reservation
	)
	if c.cfg.ReplyMode == ReplyReserved {
		ttl := c.cfg.ReservedTTL
		if ttl <= 0 {
			ttl = timeout + 10*time.Second
		}
		err := withRetry(callCtx, c.cfg.retryPolicy(), log, "reserve", func(ctx context.Context) error {
			var err error
			res, err = c.broker.Reserve(ctx, c.cfg.Principal, ttl)
			return err
		})
		if err != nil {
			return fail(err)
		}
		defer c.release(ctx, res, log)
		replyTo = res.QueueID
	} else {
		replyTo = c.cfg.Principal
	}

	req, err := protocol.BuildRequest(endpoint, payload, replyTo, key, nil)
	if err != nil {
		return fail(err)
	}
	defer req.Ephemeral.Wipe()
	cid := req.Envelope.CorrelationID

	data, err := req.Marshal()
	if err != nil {
		return fail(err)
	}

	var inbox <-chan []byte
	if c.cfg.ReplyMode == ReplyInbox {
		d := c.dispatcher()
		inbox = d.register(cid)
		defer d.unregister(cid)
	}

	msg := &models.QueueMessage{Sender: c.cfg.Principal, Payload: data}
	err = withRetry(callCtx, c.cfg.retryPolicy(), log, "publish", func(ctx context.Context) error {
		_, err := c.broker.Publish(ctx, target, msg)
		return err
	})
	if err != nil {
		return fail(err)
	}
	log.Debug().Str("reply_to", replyTo).Msg("Request published")

	var raw []byte
	if inbox != nil {
		select {
		case raw = <-inbox:
		case <-callCtx.Done():
			return fail(callCtx.Err())
		}
	} else {
		raw, err = c.awaitReserved(callCtx, res, cid, log)
		if err != nil {
			return fail(err)
		}
	}

	resp, err := protocol.ParseResponse(raw)
	if err != nil {
		return fail(err)
	}

	switch resp.Status {
	case protocol.StatusTimeout:
		return fail(ErrTimeout)
	case protocol.StatusError:
		if resp.Error == protocol.DecryptionFailedMessage {
			log.Warn().Msg("Peer could not decrypt request, evicting cached key")
			c.keys.Evict(target)
			return fail(fmt.Errorf("peer: %w", crypto.ErrDecryptionFailed))
		}
		return fail(fmt.Errorf("%w: %s", ErrRemote, resp.Error))
	}

	plaintext, err := protocol.DecryptResponse(resp, req.Ephemeral.Private[:])
	if err != nil {
		if errors.Is(err, crypto.ErrDecryptionFailed) {
			log.Warn().Msg("Response failed authentication, evicting cached key")
			c.keys.Evict(target)
		}
		return fail(err)
	}
	return plaintext, nil
}

// awaitReserved consumes the reply queue until the response with the given
// correlation id arrives. Other messages are dropped.
func (c *Client) awaitReserved(ctx context.Context, res *models.Reservation, correlationID string, log zerolog.Logger) ([]byte, error) {
	creds := broker.Credentials{Principal: c.cfg.Principal, Token: res.Token}

	var raw []byte
	err := consumeLoop(ctx, c.broker, res.QueueID, creds, c.cfg.waitOptions(), log, func(msg models.QueueMessage) bool {
		typ, id, ok := protocol.PeekCorrelationID(msg.Payload)
		if ok && typ == protocol.TypeResponse && id == correlationID {
			raw = msg.Payload
			return true
		}
		log.Debug().Str("message_id", msg.ID).Msg("Dropped unrelated message on reply queue")
		return false
	})
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// release runs even when ctx is canceled; the queue TTL covers the case
// where it cannot.
func (c *Client) release(ctx context.Context, res *models.Reservation, log zerolog.Logger) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	if _, err := c.broker.Release(rctx, res.QueueID, res.Token); err != nil && !errors.Is(err, broker.ErrQueueNotFound) {
		log.Warn().Err(err).Str("queue", res.QueueID).Msg("Failed to release reply queue")
	}
}
