package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/qtunnel/internal/broker"
	"github.com/eldtechnologies/qtunnel/internal/crypto"
	"github.com/eldtechnologies/qtunnel/internal/keydir"
	"github.com/eldtechnologies/qtunnel/internal/models"
	"github.com/eldtechnologies/qtunnel/internal/protocol"
)

const (
	callerID = "caller"
	peerID   = "peer"
)

// recordingBroker counts calls and can fail the first publishes.
type recordingBroker struct {
	broker.Broker
	failPublishes atomic.Int32
	publishes     atomic.Int32
	releases      atomic.Int32
}

func (b *recordingBroker) Publish(ctx context.Context, target string, msg *models.QueueMessage) (int, error) {
	b.publishes.Add(1)
	if b.failPublishes.Add(-1) >= 0 {
		return 0, fmt.Errorf("%w: connection refused", broker.ErrUnavailable)
	}
	return b.Broker.Publish(ctx, target, msg)
}

func (b *recordingBroker) Release(ctx context.Context, queueID, token string) (int, error) {
	b.releases.Add(1)
	return b.Broker.Release(ctx, queueID, token)
}

type harness struct {
	broker  *broker.MemoryBroker
	peerKey *crypto.KeyPair
	lookups atomic.Int64
	keys    *keydir.Directory
}

func newHarness(t *testing.T, cfg broker.Config) *harness {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{broker: broker.NewMemoryBroker(cfg), peerKey: kp}
	h.keys = keydir.New(keydir.LookupFunc(func(ctx context.Context, principal string) ([]byte, error) {
		h.lookups.Add(1)
		if principal != peerID {
			return nil, keydir.ErrKeyMissing
		}
		return h.peerKey.Public[:], nil
	}), time.Minute)
	return h
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Principal = callerID
	cfg.PollInterval = 5 * time.Millisecond
	cfg.RetrievalTimeout = 2 * time.Second
	cfg.GenerationTimeout = 2 * time.Second
	cfg.RetryMin = time.Millisecond
	cfg.RetryMax = 5 * time.Millisecond
	return cfg
}

func newTestClient(t *testing.T, b broker.Broker, keys KeyResolver, cfg Config) *Client {
	t.Helper()
	c, err := New(b, keys, cfg, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func (h *harness) startResponder(t *testing.T, cfg ResponderConfig, handlers map[string]HandlerFunc) {
	t.Helper()
	cfg.Principal = peerID
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}
	r := NewResponder(h.broker, h.peerKey, cfg, zerolog.Nop())
	for slug, fn := range handlers {
		r.Handle(slug, fn)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Serve: %v", err)
		}
	})
}

// startFakePeer answers every request on the peer queue with reply(env).
func (h *harness) startFakePeer(t *testing.T, reply func(env *protocol.RequestEnvelope) *protocol.ResponseEnvelope) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ctx.Err() == nil {
			msgs, _, err := h.broker.Consume(ctx, peerID, broker.Credentials{Principal: peerID}, 10)
			if err != nil {
				return
			}
			for _, m := range msgs {
				env, err := protocol.ParseRequest(m.Payload)
				if err != nil {
					continue
				}
				data, _ := json.Marshal(reply(env))
				h.broker.Publish(ctx, env.ReplyTo, &models.QueueMessage{Sender: peerID, Payload: data})
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

var docsHandler = HandlerFunc(func(ctx context.Context, req *Request) (interface{}, error) {
	var in RetrievalRequest
	if err := json.Unmarshal(req.Payload, &in); err != nil {
		return nil, err
	}
	docs := make([]Document, 0, in.Limit)
	for i := 0; i < in.Limit; i++ {
		docs = append(docs, Document{ID: fmt.Sprintf("%s-%d", in.Query, i), Content: "text", Score: 1 / float64(i+1)})
	}
	return RetrievalResult{Documents: docs}, nil
})

func TestRetrieveRoundTrip(t *testing.T) {
	h := newHarness(t, broker.DefaultConfig())

	reply := json.RawMessage(`{"documents":[{"id":"d1","content":"hello","score":0.9}]}`)
	var gotPayload []byte
	var gotSender string
	h.startResponder(t, ResponderConfig{}, map[string]HandlerFunc{
		"docs": func(ctx context.Context, req *Request) (interface{}, error) {
			gotPayload = req.Payload
			gotSender = req.Sender
			return reply, nil
		},
	})

	c := newTestClient(t, h.broker, h.keys, testConfig())
	res, err := c.Retrieve(context.Background(), peerID, "docs", RetrievalRequest{Query: "docs", Limit: 5})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}

	if string(gotPayload) != `{"query":"docs","limit":5}` {
		t.Errorf("peer saw payload %s", gotPayload)
	}
	if gotSender != callerID {
		t.Errorf("peer saw sender %q", gotSender)
	}
	if res.Status != protocol.StatusSuccess || res.TimedOut() {
		t.Errorf("status = %q", res.Status)
	}
	if len(res.Documents) != 1 {
		t.Fatalf("documents = %+v", res.Documents)
	}
	if d := res.Documents[0]; d.ID != "d1" || d.Content != "hello" || d.Score != 0.9 {
		t.Errorf("documents = %+v", res.Documents)
	}
	if res.Latency <= 0 {
		t.Error("latency not recorded")
	}
}

func TestRoundTripModes(t *testing.T) {
	for _, mode := range []ReplyMode{ReplyReserved, ReplyInbox} {
		for _, wait := range []WaitStrategy{WaitPoll, WaitNotify} {
			t.Run(string(mode)+"/"+string(wait), func(t *testing.T) {
				h := newHarness(t, broker.DefaultConfig())
				h.startResponder(t, ResponderConfig{Wait: wait}, map[string]HandlerFunc{"docs": docsHandler})

				cfg := testConfig()
				cfg.ReplyMode = mode
				cfg.Wait = wait
				c := newTestClient(t, h.broker, h.keys, cfg)

				res, err := c.Retrieve(context.Background(), peerID, "docs", RetrievalRequest{Query: "q", Limit: 3})
				if err != nil {
					t.Fatalf("Retrieve: %v", err)
				}
				if len(res.Documents) != 3 || res.Documents[0].ID != "q-0" {
					t.Fatalf("documents = %+v", res.Documents)
				}
			})
		}
	}
}

func TestGenerateRoundTrip(t *testing.T) {
	h := newHarness(t, broker.DefaultConfig())
	h.startResponder(t, ResponderConfig{}, map[string]HandlerFunc{
		"chat": func(ctx context.Context, req *Request) (interface{}, error) {
			var in GenerationRequest
			if err := json.Unmarshal(req.Payload, &in); err != nil {
				return nil, err
			}
			if req.Endpoint.Kind != protocol.KindGeneration {
				return nil, fmt.Errorf("unexpected kind %q", req.Endpoint.Kind)
			}
			last := in.Messages[len(in.Messages)-1]
			return GenerationResult{Message: Message{Role: "assistant", Content: "echo: " + last.Content}}, nil
		},
	})

	c := newTestClient(t, h.broker, h.keys, testConfig())
	res, err := c.Generate(context.Background(), peerID, "chat", GenerationRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Message.Role != "assistant" || res.Message.Content != "echo: hi" {
		t.Errorf("message = %+v", res.Message)
	}
}

func TestTimeouts(t *testing.T) {
	h := newHarness(t, broker.DefaultConfig())
	rb := &recordingBroker{Broker: h.broker}

	cfg := testConfig()
	cfg.RetrievalTimeout = 100 * time.Millisecond
	cfg.GenerationTimeout = 100 * time.Millisecond
	c := newTestClient(t, rb, h.keys, cfg)

	res, err := c.Retrieve(context.Background(), peerID, "docs", RetrievalRequest{Query: "docs", Limit: 5})
	if err != nil {
		t.Fatalf("retrieval timeout should not be an error, got %v", err)
	}
	if !res.TimedOut() || len(res.Documents) != 0 || res.Documents == nil {
		t.Fatalf("expected empty timeout result, got %+v", res)
	}

	_, err = c.Generate(context.Background(), peerID, "chat", GenerationRequest{Messages: []Message{{Role: "user", Content: "hi"}}})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if CodeOf(err) != CodeTimeout {
		t.Errorf("code = %q", CodeOf(err))
	}

	if got := rb.releases.Load(); got != 2 {
		t.Errorf("released %d reply queues, want 2", got)
	}
}

func TestPeerSentTimeout(t *testing.T) {
	h := newHarness(t, broker.DefaultConfig())
	h.startResponder(t, ResponderConfig{HandlerTimeout: 20 * time.Millisecond}, map[string]HandlerFunc{
		"slow": func(ctx context.Context, req *Request) (interface{}, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	c := newTestClient(t, h.broker, h.keys, testConfig())

	res, err := c.Retrieve(context.Background(), peerID, "slow", RetrievalRequest{Query: "x"})
	if err != nil || !res.TimedOut() {
		t.Fatalf("expected timeout result, got %+v, %v", res, err)
	}

	_, err = c.Generate(context.Background(), peerID, "slow", GenerationRequest{})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestCanceledCall(t *testing.T) {
	h := newHarness(t, broker.DefaultConfig())
	c := newTestClient(t, h.broker, h.keys, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := c.Generate(ctx, peerID, "chat", GenerationRequest{})
	if CodeOf(err) != CodeCanceled {
		t.Fatalf("expected canceled, got %v", err)
	}
}

func TestTamperedResponseEvictsKey(t *testing.T) {
	h := newHarness(t, broker.DefaultConfig())
	h.startFakePeer(t, func(env *protocol.RequestEnvelope) *protocol.ResponseEnvelope {
		resp, err := protocol.BuildResponse(env, []byte(`{"documents":[]}`))
		if err != nil {
			panic(err)
		}
		ct, _ := crypto.DecodeBinary(resp.EncryptedPayload)
		ct[len(ct)/2] ^= 0x80
		resp.EncryptedPayload = crypto.EncodeBinary(ct)
		return resp
	})
	c := newTestClient(t, h.broker, h.keys, testConfig())

	_, err := c.Retrieve(context.Background(), peerID, "docs", RetrievalRequest{Query: "docs"})
	if CodeOf(err) != CodeDecryptionFailed || !errors.Is(err, crypto.ErrDecryptionFailed) {
		t.Fatalf("expected decryption failure, got %v", err)
	}
	if h.keys.Len() != 0 {
		t.Fatal("peer key should have been evicted")
	}

	before := h.lookups.Load()
	c.Retrieve(context.Background(), peerID, "docs", RetrievalRequest{Query: "docs"})
	if h.lookups.Load() != before+1 {
		t.Errorf("expected a fresh key lookup after eviction")
	}
}

func TestSuccessWithoutPayload(t *testing.T) {
	h := newHarness(t, broker.DefaultConfig())
	h.startFakePeer(t, func(env *protocol.RequestEnvelope) *protocol.ResponseEnvelope {
		resp, _ := protocol.BuildResponse(env, []byte(`{}`))
		resp.EncryptedPayload = ""
		return resp
	})
	c := newTestClient(t, h.broker, h.keys, testConfig())

	_, err := c.Generate(context.Background(), peerID, "chat", GenerationRequest{})
	if !errors.Is(err, protocol.ErrProtocolViolation) || CodeOf(err) != CodeProtocol {
		t.Fatalf("expected protocol violation, got %v", err)
	}
}

func TestRemoteError(t *testing.T) {
	h := newHarness(t, broker.DefaultConfig())
	h.startResponder(t, ResponderConfig{}, map[string]HandlerFunc{
		"docs": func(ctx context.Context, req *Request) (interface{}, error) {
			return nil, errors.New("index offline")
		},
	})
	c := newTestClient(t, h.broker, h.keys, testConfig())

	res, err := c.Retrieve(context.Background(), peerID, "docs", RetrievalRequest{Query: "docs"})
	if !errors.Is(err, ErrRemote) || !strings.Contains(err.Error(), "index offline") {
		t.Fatalf("expected remote error, got %v", err)
	}
	if res != nil {
		t.Fatalf("remote error must not degrade to a result, got %+v", res)
	}

	_, err = c.Retrieve(context.Background(), peerID, "missing", RetrievalRequest{Query: "docs"})
	if CodeOf(err) != CodeRemote || !strings.Contains(err.Error(), "unknown endpoint") {
		t.Fatalf("expected unknown endpoint error, got %v", err)
	}
}

func TestStaleKeyRecovers(t *testing.T) {
	h := newHarness(t, broker.DefaultConfig())
	h.startResponder(t, ResponderConfig{}, map[string]HandlerFunc{"docs": docsHandler})

	stale, _ := crypto.GenerateKeyPair()
	var calls atomic.Int64
	keys := keydir.New(keydir.LookupFunc(func(ctx context.Context, principal string) ([]byte, error) {
		if calls.Add(1) == 1 {
			return stale.Public[:], nil
		}
		return h.peerKey.Public[:], nil
	}), time.Minute)
	c := newTestClient(t, h.broker, keys, testConfig())

	_, err := c.Retrieve(context.Background(), peerID, "docs", RetrievalRequest{Query: "q", Limit: 1})
	if CodeOf(err) != CodeDecryptionFailed {
		t.Fatalf("expected decryption failure with stale key, got %v", err)
	}

	res, err := c.Retrieve(context.Background(), peerID, "docs", RetrievalRequest{Query: "q", Limit: 1})
	if err != nil {
		t.Fatalf("Retrieve after eviction: %v", err)
	}
	if len(res.Documents) != 1 || calls.Load() != 2 {
		t.Fatalf("documents = %+v, lookups = %d", res.Documents, calls.Load())
	}
}

func TestKeyMissing(t *testing.T) {
	h := newHarness(t, broker.DefaultConfig())
	c := newTestClient(t, h.broker, h.keys, testConfig())

	_, err := c.Retrieve(context.Background(), "nobody", "docs", RetrievalRequest{Query: "docs"})
	if !errors.Is(err, keydir.ErrKeyMissing) || CodeOf(err) != CodeKeyMissing {
		t.Fatalf("expected key missing, got %v", err)
	}
	var te *Error
	if !errors.As(err, &te) || te.Retryable() {
		t.Fatal("key missing must not be retryable")
	}
}

func TestQueueFullNotRetried(t *testing.T) {
	cfg := broker.DefaultConfig()
	cfg.MaxDepth = 1
	h := newHarness(t, cfg)
	if _, err := h.broker.Publish(context.Background(), peerID, &models.QueueMessage{Payload: []byte("x")}); err != nil {
		t.Fatal(err)
	}
	rb := &recordingBroker{Broker: h.broker}
	c := newTestClient(t, rb, h.keys, testConfig())

	_, err := c.Generate(context.Background(), peerID, "chat", GenerationRequest{})
	if !errors.Is(err, broker.ErrQueueFull) || CodeOf(err) != CodeQueueFull {
		t.Fatalf("expected queue full, got %v", err)
	}
	if got := rb.publishes.Load(); got != 1 {
		t.Errorf("publish attempts = %d, want 1", got)
	}
	if got := rb.releases.Load(); got != 1 {
		t.Errorf("reply queue releases = %d, want 1", got)
	}
}

func TestPublishRetriesUnavailable(t *testing.T) {
	h := newHarness(t, broker.DefaultConfig())
	h.startResponder(t, ResponderConfig{}, map[string]HandlerFunc{"docs": docsHandler})

	rb := &recordingBroker{Broker: h.broker}
	rb.failPublishes.Store(2)
	c := newTestClient(t, rb, h.keys, testConfig())

	if _, err := c.Retrieve(context.Background(), peerID, "docs", RetrievalRequest{Query: "q", Limit: 1}); err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if got := rb.publishes.Load(); got != 3 {
		t.Errorf("publish attempts = %d, want 3", got)
	}
}

func TestPublishGivesUp(t *testing.T) {
	h := newHarness(t, broker.DefaultConfig())
	rb := &recordingBroker{Broker: h.broker}
	rb.failPublishes.Store(100)

	cfg := testConfig()
	cfg.MaxRetries = 2
	c := newTestClient(t, rb, h.keys, cfg)

	_, err := c.Generate(context.Background(), peerID, "chat", GenerationRequest{})
	var te *Error
	if !errors.As(err, &te) || te.Code != CodeBrokerUnavailable || !te.Retryable() {
		t.Fatalf("expected retryable broker error, got %v", err)
	}
	if got := rb.publishes.Load(); got != 3 {
		t.Errorf("publish attempts = %d, want 3", got)
	}
}

func TestConcurrentInboxCalls(t *testing.T) {
	h := newHarness(t, broker.DefaultConfig())
	h.startResponder(t, ResponderConfig{MaxConcurrent: 4}, map[string]HandlerFunc{"docs": docsHandler})

	cfg := testConfig()
	cfg.ReplyMode = ReplyInbox
	c := newTestClient(t, h.broker, h.keys, cfg)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			query := fmt.Sprintf("q%d", i)
			res, err := c.Retrieve(context.Background(), peerID, "docs", RetrievalRequest{Query: query, Limit: 1})
			if err != nil {
				errs <- err
				return
			}
			if len(res.Documents) != 1 || res.Documents[0].ID != query+"-0" {
				errs <- fmt.Errorf("call %d got %+v", i, res.Documents)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	if n := c.dispatcher().inflight(); n != 0 {
		t.Errorf("%d calls left pending", n)
	}
}

func TestNewValidatesConfig(t *testing.T) {
	h := newHarness(t, broker.DefaultConfig())

	cfg := testConfig()
	cfg.Principal = ""
	cfg.ReplyMode = ReplyInbox
	if _, err := New(h.broker, h.keys, cfg, zerolog.Nop()); err == nil {
		t.Error("inbox mode without principal should fail")
	}

	cfg = testConfig()
	cfg.Wait = "carrier-pigeon"
	if _, err := New(h.broker, h.keys, cfg, zerolog.Nop()); err == nil {
		t.Error("unknown wait strategy should fail")
	}
}

func TestDispatcherDropsUnknownAndLate(t *testing.T) {
	d := newDispatcher(zerolog.Nop())
	ch := d.register("a")

	response := func(id string) models.QueueMessage {
		return models.QueueMessage{Payload: []byte(`{"type":"response","correlation_id":"` + id + `"}`)}
	}

	d.deliver(response("b"))
	d.deliver(models.QueueMessage{Payload: []byte(`{"type":"request","correlation_id":"a"}`)})
	select {
	case <-ch:
		t.Fatal("unexpected delivery")
	default:
	}

	d.deliver(response("a"))
	select {
	case <-ch:
	default:
		t.Fatal("expected delivery")
	}

	// A duplicate after completion is dropped without blocking.
	d.deliver(response("a"))
	if d.inflight() != 0 {
		t.Fatal("completed call still pending")
	}
}

func TestErrorRetryable(t *testing.T) {
	tests := []struct {
		err       error
		code      Code
		retryable bool
	}{
		{fmt.Errorf("%w: dial", broker.ErrUnavailable), CodeBrokerUnavailable, true},
		{fmt.Errorf("%w: dial", keydir.ErrKeyUnavailable), CodeKeyUnavailable, true},
		{broker.ErrQueueFull, CodeQueueFull, false},
		{broker.ErrNotOwner, CodeNotOwner, false},
		{ErrTimeout, CodeTimeout, false},
		{crypto.ErrDecryptionFailed, CodeDecryptionFailed, false},
		{errors.New("boom"), CodeInternal, false},
	}
	for _, tt := range tests {
		e := newError("call", tt.err)
		if e.Code != tt.code || e.Retryable() != tt.retryable {
			t.Errorf("%v: got %s retryable=%v", tt.err, e.Code, e.Retryable())
		}
	}
}

func TestResponderShutdownKeepsQueuedRequests(t *testing.T) {
	h := newHarness(t, broker.DefaultConfig())
	ctx := context.Background()
	endpoint := protocol.Endpoint{Slug: "docs", Kind: protocol.KindRetrieval}

	const total = 10
	for i := 0; i < total; i++ {
		req, err := protocol.BuildRequest(endpoint, RetrievalRequest{Query: "q", Limit: 1}, callerID, h.peerKey.Public[:], nil)
		if err != nil {
			t.Fatal(err)
		}
		data, err := req.Marshal()
		if err != nil {
			t.Fatal(err)
		}
		if _, err := h.broker.Publish(ctx, peerID, &models.QueueMessage{Sender: callerID, Payload: data}); err != nil {
			t.Fatal(err)
		}
	}

	started := make(chan struct{}, total)
	r := NewResponder(h.broker, h.peerKey, ResponderConfig{
		Principal:     peerID,
		PollInterval:  5 * time.Millisecond,
		MaxConcurrent: 1,
	}, zerolog.Nop())
	r.Handle("docs", HandlerFunc(func(ctx context.Context, req *Request) (interface{}, error) {
		started <- struct{}{}
		time.Sleep(50 * time.Millisecond)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return docsHandler(ctx, req)
	}))

	serveCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- r.Serve(serveCtx) }()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never started")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Serve: %v", err)
	}

	replies, _, err := h.broker.Consume(ctx, callerID, broker.Credentials{Principal: callerID}, total)
	if err != nil {
		t.Fatal(err)
	}
	_, queued, err := h.broker.Peek(ctx, peerID, broker.Credentials{Principal: peerID}, 1)
	if err != nil {
		t.Fatal(err)
	}

	if len(replies)+queued != total {
		t.Fatalf("replies=%d queued=%d, want %d accounted for", len(replies), queued, total)
	}
	if len(replies) == 0 {
		t.Fatal("in-flight request was not answered")
	}
	for _, m := range replies {
		resp, err := protocol.ParseResponse(m.Payload)
		if err != nil {
			t.Fatal(err)
		}
		if resp.Status != protocol.StatusSuccess {
			t.Errorf("in-flight reply status = %s (%s), want success", resp.Status, resp.Error)
		}
	}
}

func TestResponderConfigFromClientConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Principal = peerID
	cfg.Wait = WaitNotify
	cfg.PollInterval = 20 * time.Millisecond
	cfg.ConsumeBatch = 3
	cfg.RetrievalTimeout = 5 * time.Second
	cfg.GenerationTimeout = 40 * time.Second

	rc := cfg.ResponderConfig()
	if rc.Principal != peerID || rc.Wait != WaitNotify || rc.PollInterval != 20*time.Millisecond || rc.ConsumeBatch != 3 {
		t.Fatalf("unexpected responder config %+v", rc)
	}
	if rc.HandlerTimeout != 40*time.Second {
		t.Errorf("HandlerTimeout = %s, want the longer call timeout", rc.HandlerTimeout)
	}
	if rc.MaxRetries != cfg.MaxRetries || rc.RetryMax != cfg.RetryMax {
		t.Errorf("retry settings not carried over: %+v", rc)
	}
}
