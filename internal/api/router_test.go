package api

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/qtunnel/internal/api/middleware"
	"github.com/eldtechnologies/qtunnel/internal/broker"
	"github.com/eldtechnologies/qtunnel/internal/crypto"
	"github.com/eldtechnologies/qtunnel/internal/handlers"
	"github.com/eldtechnologies/qtunnel/internal/store"
)

type testAgent struct {
	id   string
	priv ed25519.PrivateKey
}

type testServer struct {
	t   *testing.T
	srv *httptest.Server
}

func newTestServer(t *testing.T, cfg broker.Config, redisStore *store.RedisStore) *testServer {
	t.Helper()
	agents, err := store.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(agents.Close)

	r := NewRouter(zerolog.Nop(), Deps{
		Agents: agents,
		Broker: broker.NewMemoryBroker(cfg),
		Redis:  redisStore,
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testServer{t: t, srv: srv}
}

func (s *testServer) do(method, path string, body []byte, agent *testAgent, headers map[string]string) (*http.Response, map[string]interface{}) {
	s.t.Helper()
	req, err := http.NewRequest(method, s.srv.URL+path, bytes.NewReader(body))
	if err != nil {
		s.t.Fatal(err)
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	if agent != nil {
		sign(req, agent, body)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		s.t.Fatal(err)
	}
	defer resp.Body.Close()

	var out map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func sign(req *http.Request, agent *testAgent, body []byte) {
	nonce, _ := crypto.RandomToken(18)
	ts := time.Now().UnixMilli()
	hash := sha256.Sum256(body)
	sig := ed25519.Sign(agent.priv, crypto.SignaturePayload(req.Method, req.URL.RequestURI(), hex.EncodeToString(hash[:]), nonce, ts))

	req.Header.Set(middleware.HeaderAgent, agent.id)
	req.Header.Set(middleware.HeaderNonce, nonce)
	req.Header.Set(middleware.HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(middleware.HeaderSignature, base64.StdEncoding.EncodeToString(sig))
}

func (s *testServer) register(name string) *testAgent {
	s.t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		s.t.Fatal(err)
	}
	tk, err := crypto.TunnelKeyPair(priv)
	if err != nil {
		s.t.Fatal(err)
	}

	body, _ := json.Marshal(handlers.RegisterRequest{
		PublicKey: base64.StdEncoding.EncodeToString(pub),
		TunnelKey: crypto.EncodeBinary(tk.Public[:]),
		Name:      name,
	})
	resp, out := s.do("POST", "/register", body, nil, nil)
	if resp.StatusCode != http.StatusCreated {
		s.t.Fatalf("register: status %d %v", resp.StatusCode, out)
	}
	return &testAgent{id: out["id"].(string), priv: priv}
}

func jsonBody(v interface{}) []byte {
	b, _ := json.Marshal(v)
	return b
}

func TestRegisterAndWho(t *testing.T) {
	s := newTestServer(t, broker.DefaultConfig(), nil)

	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	tk, _ := crypto.TunnelKeyPair(priv)
	body := jsonBody(handlers.RegisterRequest{
		PublicKey: base64.StdEncoding.EncodeToString(pub),
		TunnelKey: crypto.EncodeBinary(tk.Public[:]),
		Name:      "retriever",
	})

	resp, first := s.do("POST", "/register", body, nil, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status %d", resp.StatusCode)
	}
	resp, second := s.do("POST", "/register", body, nil, nil)
	if resp.StatusCode != http.StatusOK || second["id"] != first["id"] {
		t.Fatalf("re-register: status %d, %v vs %v", resp.StatusCode, second["id"], first["id"])
	}

	resp, who := s.do("GET", "/who/"+first["id"].(string), nil, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("who: status %d", resp.StatusCode)
	}
	if who["tunnel_key"] != crypto.EncodeBinary(tk.Public[:]) || who["name"] != "retriever" {
		t.Errorf("unexpected profile %v", who)
	}
}

func TestRegisterValidation(t *testing.T) {
	s := newTestServer(t, broker.DefaultConfig(), nil)
	pub, _, _ := ed25519.GenerateKey(rand.Reader)

	tests := []struct {
		name string
		req  handlers.RegisterRequest
	}{
		{"missing key", handlers.RegisterRequest{}},
		{"bad key", handlers.RegisterRequest{PublicKey: "not-base64!"}},
		{"bad tunnel key", handlers.RegisterRequest{PublicKey: base64.StdEncoding.EncodeToString(pub), TunnelKey: "short"}},
		{"bad email", handlers.RegisterRequest{PublicKey: base64.StdEncoding.EncodeToString(pub), Email: "nope"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := s.do("POST", "/register", jsonBody(tt.req), nil, nil)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status %d", resp.StatusCode)
			}
		})
	}
}

func TestQueueFlow(t *testing.T) {
	s := newTestServer(t, broker.DefaultConfig(), nil)
	caller := s.register("caller")
	peer := s.register("peer")

	// Reserve a reply queue.
	resp, res := s.do("POST", "/queues/reserve", jsonBody(handlers.ReserveRequest{TTLSeconds: 30}), caller, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("reserve: status %d %v", resp.StatusCode, res)
	}
	queueID := res["queue_id"].(string)
	token := res["token"].(string)
	if !broker.IsReservedID(queueID) || token == "" {
		t.Fatalf("unexpected reservation %v", res)
	}

	// Caller publishes to the peer's queue; the peer consumes it.
	resp, pub := s.do("POST", "/queues/"+peer.id+"/messages", jsonBody(handlers.PublishRequest{Payload: []byte("request")}), caller, nil)
	if resp.StatusCode != http.StatusCreated || pub["depth"] != float64(1) {
		t.Fatalf("publish: status %d %v", resp.StatusCode, pub)
	}

	resp, out := s.do("GET", "/queues/"+peer.id+"/messages?peek=true", nil, peer, nil)
	if resp.StatusCode != http.StatusOK || len(out["messages"].([]interface{})) != 1 || out["remaining"] != float64(1) {
		t.Fatalf("peek: status %d %v", resp.StatusCode, out)
	}

	resp, out = s.do("GET", "/queues/"+peer.id+"/messages?limit=5", nil, peer, nil)
	msgs := out["messages"].([]interface{})
	if resp.StatusCode != http.StatusOK || len(msgs) != 1 || out["remaining"] != float64(0) {
		t.Fatalf("consume: status %d %v", resp.StatusCode, out)
	}
	msg := msgs[0].(map[string]interface{})
	if msg["sender"] != caller.id || msg["payload"] != base64.StdEncoding.EncodeToString([]byte("request")) {
		t.Errorf("unexpected message %v", msg)
	}

	// The caller may not read the peer's queue.
	resp, out = s.do("GET", "/queues/"+peer.id+"/messages", nil, caller, nil)
	if resp.StatusCode != http.StatusForbidden || out["code"] != handlers.CodeNotOwner {
		t.Errorf("foreign consume: status %d %v", resp.StatusCode, out)
	}

	// Peer replies on the reserved queue; the token is needed to read it.
	s.do("POST", "/queues/"+queueID+"/messages", jsonBody(handlers.PublishRequest{Payload: []byte("response")}), peer, nil)

	resp, out = s.do("GET", "/queues/"+queueID+"/messages", nil, caller, map[string]string{middleware.HeaderQueueToken: "wrong"})
	if resp.StatusCode != http.StatusForbidden || out["code"] != handlers.CodeInvalidToken {
		t.Errorf("wrong token: status %d %v", resp.StatusCode, out)
	}

	resp, out = s.do("DELETE", "/queues/"+queueID, nil, caller, map[string]string{middleware.HeaderQueueToken: token})
	if resp.StatusCode != http.StatusOK || out["cleared"] != float64(1) {
		t.Fatalf("release: status %d %v", resp.StatusCode, out)
	}

	resp, out = s.do("POST", "/queues/"+queueID+"/messages", jsonBody(handlers.PublishRequest{Payload: []byte("late")}), peer, nil)
	if resp.StatusCode != http.StatusNotFound || out["code"] != handlers.CodeQueueNotFound {
		t.Errorf("publish after release: status %d %v", resp.StatusCode, out)
	}
}

func TestReserveClampsHugeTTL(t *testing.T) {
	cfg := broker.DefaultConfig()
	s := newTestServer(t, cfg, nil)
	caller := s.register("caller")

	before := time.Now()
	resp, res := s.do("POST", "/queues/reserve", []byte(`{"ttl_seconds":9223372036854775807}`), caller, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("reserve: status %d %v", resp.StatusCode, res)
	}
	expires, err := time.Parse(time.RFC3339Nano, res["expires_at"].(string))
	if err != nil {
		t.Fatal(err)
	}
	if expires.Before(before.Add(cfg.MaxReservedTTL-time.Second)) || expires.After(time.Now().Add(cfg.MaxReservedTTL+time.Second)) {
		t.Errorf("expires_at = %s, want about %s from now", expires, cfg.MaxReservedTTL)
	}
}

func TestPublishErrors(t *testing.T) {
	cfg := broker.DefaultConfig()
	cfg.MaxDepth = 1
	s := newTestServer(t, cfg, nil)
	caller := s.register("caller")
	peer := s.register("peer")

	body := jsonBody(handlers.PublishRequest{Payload: []byte("x")})

	resp, out := s.do("POST", "/queues/00000000-0000-7000-8000-000000000000/messages", body, caller, nil)
	if resp.StatusCode != http.StatusNotFound || out["code"] != handlers.CodeQueueNotFound {
		t.Errorf("unknown agent: status %d %v", resp.StatusCode, out)
	}

	resp, _ = s.do("POST", "/queues/not-a-queue/messages", body, caller, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad target: status %d", resp.StatusCode)
	}

	s.do("POST", "/queues/"+peer.id+"/messages", body, caller, nil)
	resp, out = s.do("POST", "/queues/"+peer.id+"/messages", body, caller, nil)
	if resp.StatusCode != http.StatusTooManyRequests || out["code"] != handlers.CodeQueueFull {
		t.Errorf("full queue: status %d %v", resp.StatusCode, out)
	}

	resp, _ = s.do("POST", "/queues/"+peer.id+"/messages", jsonBody(map[string]string{}), caller, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty payload: status %d", resp.StatusCode)
	}
}

func TestAuthRejections(t *testing.T) {
	s := newTestServer(t, broker.DefaultConfig(), nil)
	caller := s.register("caller")

	resp, _ := s.do("POST", "/queues/reserve", []byte(`{}`), nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unsigned: status %d", resp.StatusCode)
	}

	// Replay the exact same signed request.
	body := []byte(`{"ttl_seconds":10}`)
	req, _ := http.NewRequest("POST", s.srv.URL+"/queues/reserve", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	sign(req, caller, body)
	first, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	first.Body.Close()

	replay, _ := http.NewRequest("POST", s.srv.URL+"/queues/reserve", bytes.NewReader(body))
	replay.Header = req.Header.Clone()
	second, err := http.DefaultClient.Do(replay)
	if err != nil {
		t.Fatal(err)
	}
	second.Body.Close()

	if first.StatusCode != http.StatusCreated || second.StatusCode != http.StatusUnauthorized {
		t.Errorf("replay: first %d, second %d", first.StatusCode, second.StatusCode)
	}

	// A signature over a different body is rejected.
	tampered, _ := http.NewRequest("POST", s.srv.URL+"/queues/reserve", bytes.NewReader([]byte(`{"ttl_seconds":600}`)))
	tampered.Header.Set("Content-Type", "application/json")
	sign(tampered, caller, body)
	third, err := http.DefaultClient.Do(tampered)
	if err != nil {
		t.Fatal(err)
	}
	third.Body.Close()
	if third.StatusCode != http.StatusUnauthorized {
		t.Errorf("tampered body: status %d", third.StatusCode)
	}
}

func TestSignatureBoundToRoute(t *testing.T) {
	s := newTestServer(t, broker.DefaultConfig(), nil)
	peer := s.register("peer")
	s.do("POST", "/queues/"+peer.id+"/messages", jsonBody(handlers.PublishRequest{Payload: []byte("x")}), peer, nil)

	// Signed for a peek, sent as a consume.
	signed, _ := http.NewRequest("GET", s.srv.URL+"/queues/"+peer.id+"/messages?peek=true", nil)
	sign(signed, peer, nil)

	for _, target := range []struct{ method, path string }{
		{"GET", "/queues/" + peer.id + "/messages"},
		{"GET", "/queues/" + peer.id + "/messages?peek=true&limit=100"},
		{"POST", "/queues/" + peer.id + "/messages?peek=true"},
	} {
		req, _ := http.NewRequest(target.method, s.srv.URL+target.path, nil)
		req.Header = signed.Header.Clone()
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("%s %s: status %d, want rejection", target.method, target.path, resp.StatusCode)
		}
	}

	resp, out := s.do("GET", "/queues/"+peer.id+"/messages?peek=true", nil, peer, nil)
	if resp.StatusCode != http.StatusOK || out["remaining"] != float64(1) {
		t.Fatalf("message should still be queued: status %d %v", resp.StatusCode, out)
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, broker.DefaultConfig(), nil)
	resp, out := s.do("GET", "/health", nil, nil, nil)
	if resp.StatusCode != http.StatusOK || out["status"] != "healthy" {
		t.Fatalf("health: status %d %v", resp.StatusCode, out)
	}

	mr := miniredis.RunT(t)
	rs, err := store.NewRedisStore(context.Background(), "redis://"+mr.Addr())
	if err != nil {
		t.Fatal(err)
	}
	defer rs.Close()
	s = newTestServer(t, broker.DefaultConfig(), rs)

	mr.SetError("LOADING")
	resp, out = s.do("GET", "/health", nil, nil, nil)
	if resp.StatusCode != http.StatusServiceUnavailable || out["status"] != "degraded" {
		t.Fatalf("health without redis: status %d %v", resp.StatusCode, out)
	}
}

func TestRateLimitedRegister(t *testing.T) {
	mr := miniredis.RunT(t)
	rs, err := store.NewRedisStore(context.Background(), "redis://"+mr.Addr())
	if err != nil {
		t.Fatal(err)
	}
	defer rs.Close()
	s := newTestServer(t, broker.DefaultConfig(), rs)

	var last *http.Response
	for i := 0; i < 11; i++ {
		last, _ = s.do("POST", "/register", []byte(`{}`), nil, nil)
	}
	if last.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("11th register: status %d", last.StatusCode)
	}
}
