package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/eldtechnologies/qtunnel/internal/broker"
	"github.com/eldtechnologies/qtunnel/internal/crypto"
	"github.com/eldtechnologies/qtunnel/internal/metrics"
	"github.com/eldtechnologies/qtunnel/internal/models"
	"github.com/eldtechnologies/qtunnel/internal/protocol"
)

// Request is a decrypted request delivered to a Handler.
type Request struct {
	Endpoint      protocol.Endpoint
	Payload       []byte
	Context       map[string]string
	Sender        string
	CorrelationID string
}

// Handler serves one endpoint. The returned value is encoded with
// protocol.EncodePayload and encrypted for the caller.
type Handler interface {
	ServeTunnel(ctx context.Context, req *Request) (interface{}, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *Request) (interface{}, error)

func (f HandlerFunc) ServeTunnel(ctx context.Context, req *Request) (interface{}, error) {
	return f(ctx, req)
}

// ResponderConfig tunes a Responder.
type ResponderConfig struct {
	// Principal owns the queue the responder serves.
	Principal string

	Wait           WaitStrategy
	PollInterval   time.Duration
	NotifyFallback time.Duration
	ConsumeBatch   int

	MaxConcurrent  int
	HandlerTimeout time.Duration

	MaxRetries int
	RetryMin   time.Duration
	RetryMax   time.Duration
}

// ResponderConfig derives responder settings from client settings. Handlers
// may run as long as the longer of the two call timeouts.
func (c Config) ResponderConfig() ResponderConfig {
	timeout := c.RetrievalTimeout
	if c.GenerationTimeout > timeout {
		timeout = c.GenerationTimeout
	}
	return ResponderConfig{
		Principal:      c.Principal,
		Wait:           c.Wait,
		PollInterval:   c.PollInterval,
		NotifyFallback: c.NotifyFallback,
		ConsumeBatch:   c.ConsumeBatch,
		HandlerTimeout: timeout,
		MaxRetries:     c.MaxRetries,
		RetryMin:       c.RetryMin,
		RetryMax:       c.RetryMax,
	}
}

func (c ResponderConfig) withDefaults() ResponderConfig {
	d := DefaultConfig()
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
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 8
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = d.RetrievalTimeout
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

// Responder serves tunnel requests published to its principal's queue.
type Responder struct {
	broker broker.Broker
	key    *crypto.KeyPair
	cfg    ResponderConfig
	logger zerolog.Logger
	sem    *semaphore.Weighted

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewResponder creates a Responder holding the principal's long-term tunnel key.
func NewResponder(b broker.Broker, key *crypto.KeyPair, cfg ResponderConfig, logger zerolog.Logger) *Responder {
	cfg = cfg.withDefaults()
	return &Responder{
		broker:   b,
		key:      key,
		cfg:      cfg,
		logger:   logger.With().Str("component", "responder").Str("principal", cfg.Principal).Logger(),
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		handlers: make(map[string]Handler),
	}
}

// Handle registers h for slug, replacing any previous handler.
func (r *Responder) Handle(slug string, h Handler) {
	r.mu.Lock()
	r.handlers[slug] = h
	r.mu.Unlock()
}

// HandleFunc registers f for slug.
func (r *Responder) HandleFunc(slug string, f func(ctx context.Context, req *Request) (interface{}, error)) {
	r.Handle(slug, HandlerFunc(f))
}

func (r *Responder) handler(slug string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[slug]
	return h, ok
}

// Serve consumes requests until ctx is canceled, running up to MaxConcurrent
// handlers at once. It only takes as many requests off the queue as it has
// free handlers, so requests still queued at shutdown stay queued. In-flight
// requests run to completion, bounded by HandlerTimeout, and are answered
// before Serve returns.
func (r *Responder) Serve(ctx context.Context) error {
	if r.cfg.Principal == "" {
		return errors.New("tunnel: responder requires a principal")
	}

	var wg sync.WaitGroup
	opts := waitOptions{
		strategy: r.cfg.Wait,
		interval: r.cfg.PollInterval,
		fallback: r.cfg.NotifyFallback,
		batch:    r.cfg.ConsumeBatch,
		retry:    r.retryPolicy(),
		slots:    semSlots{r.sem},
	}
	creds := broker.Credentials{Principal: r.cfg.Principal}
	work := context.WithoutCancel(ctx)

	r.logger.Info().Str("wait", string(r.cfg.Wait)).Int("max_concurrent", r.cfg.MaxConcurrent).Msg("Responder started")
	err := consumeLoop(ctx, r.broker, r.cfg.Principal, creds, opts, r.logger, func(msg models.QueueMessage) bool {
		// The slot for msg was taken by the consume loop.
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer r.sem.Release(1)
			r.HandleMessage(work, msg)
		}()
		return false
	})
	wg.Wait()
	r.logger.Info().Msg("Responder stopped")

	if ctx.Err() != nil {
		return nil
	}
	return err
}

// semSlots adapts a semaphore to the consume loop's slots.
type semSlots struct {
	sem *semaphore.Weighted
}

func (s semSlots) acquire(ctx context.Context, max int) (int, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return 0, err
	}
	n := 1
	for n < max && s.sem.TryAcquire(1) {
		n++
	}
	return n, nil
}

func (s semSlots) release(n int) {
	if n > 0 {
		s.sem.Release(int64(n))
	}
}

func (r *Responder) retryPolicy() retryPolicy {
	return retryPolicy{maxRetries: r.cfg.MaxRetries, min: r.cfg.RetryMin, max: r.cfg.RetryMax}
}

// HandleMessage processes one queued request and publishes the reply.
// Malformed envelopes are dropped since they carry no usable reply address.
func (r *Responder) HandleMessage(ctx context.Context, msg models.QueueMessage) {
	env, err := protocol.ParseRequest(msg.Payload)
	if err != nil {
		metrics.RequestsServed.WithLabelValues("invalid").Inc()
		r.logger.Warn().Err(err).Str("message_id", msg.ID).Str("sender", msg.Sender).Msg("Dropped invalid request")
		return
	}

	log := r.logger.With().
		Str("correlation_id", env.CorrelationID).
		Str("endpoint", env.Endpoint.Slug).
		Str("sender", msg.Sender).
		Logger()

	resp := r.respond(ctx, env, msg.Sender, log)
	metrics.RequestsServed.WithLabelValues(string(resp.Status)).Inc()

	data, err := json.Marshal(resp)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
		return
	}

	reply := &models.QueueMessage{Sender: r.cfg.Principal, Payload: data}
	err = withRetry(ctx, r.retryPolicy(), log, "reply", func(ctx context.Context) error {
		_, err := r.broker.Publish(ctx, env.ReplyTo, reply)
		return err
	})
	switch {
	case err == nil:
		log.Debug().Str("status", string(resp.Status)).Msg("Response published")
	case errors.Is(err, broker.ErrQueueNotFound):
		log.Debug().Msg("Reply queue gone, caller gave up")
	default:
		log.Error().Err(err).Msg("Failed to publish response")
	}
}

func (r *Responder) respond(ctx context.Context, env *protocol.RequestEnvelope, sender string, log zerolog.Logger) *protocol.ResponseEnvelope {
	plaintext, err := protocol.DecryptRequest(env, r.key.Private[:])
	if err != nil {
		log.Warn().Err(err).Msg("Failed to decrypt request")
		return protocol.BuildErrorResponse(env, protocol.DecryptionFailedMessage)
	}

	h, ok := r.handler(env.Endpoint.Slug)
	if !ok {
		return protocol.BuildErrorResponse(env, fmt.Sprintf("unknown endpoint %q", env.Endpoint.Slug))
	}

	hctx, cancel := context.WithTimeout(ctx, r.cfg.HandlerTimeout)
	defer cancel()

	result, err := h.ServeTunnel(hctx, &Request{
		Endpoint:      env.Endpoint,
		Payload:       plaintext,
		Context:       env.Context,
		Sender:        sender,
		CorrelationID: env.CorrelationID,
	})
	if errors.Is(hctx.Err(), context.DeadlineExceeded) {
		log.Warn().Dur("timeout", r.cfg.HandlerTimeout).Msg("Handler timed out")
		return protocol.BuildTimeoutResponse(env)
	}
	if err != nil {
		log.Warn().Err(err).Msg("Handler failed")
		return protocol.BuildErrorResponse(env, err.Error())
	}

	body, err := protocol.EncodePayload(result)
	if err != nil {
		return protocol.BuildErrorResponse(env, "failed to encode result")
	}
	resp, err := protocol.BuildResponse(env, body)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encrypt response")
		return protocol.BuildErrorResponse(env, "failed to encrypt response")
	}
	return resp
}
