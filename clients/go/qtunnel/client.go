// Package qtunnel is the Go client for a qtunnel relay.
package qtunnel

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/eldtechnologies/qtunnel/internal/api/middleware"
	"github.com/eldtechnologies/qtunnel/internal/crypto"
	"github.com/eldtechnologies/qtunnel/internal/keydir"
)

// Client is a qtunnel API client.
type Client struct {
	BaseURL    string
	ConfigDir  string
	AgentID    string
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
	HTTPClient *http.Client
}

// Config holds agent configuration.
type Config struct {
	ID        string `json:"id"`
	PublicKey string `json:"public_key"`
}

// APIError is a non-2xx reply from the relay.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("qtunnel error %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("qtunnel error %d: %s", e.Status, e.Message)
}

// NewClient creates a new client and loads saved credentials if present.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	configDir := os.Getenv("QTUNNEL_CONFIG")
	if configDir == "" {
		home, _ := os.UserHomeDir()
		configDir = filepath.Join(home, ".qtunnel")
	}

	c := &Client{
		BaseURL:    baseURL,
		ConfigDir:  configDir,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}

	_ = c.LoadConfig()
	return c
}

// LoadConfig loads agent credentials from disk.
func (c *Client) LoadConfig() error {
	data, err := os.ReadFile(filepath.Join(c.ConfigDir, "agent.json"))
	if err != nil {
		return err
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return err
	}

	keyData, err := os.ReadFile(filepath.Join(c.ConfigDir, "private.key"))
	if err != nil {
		return err
	}

	seed, err := base64.StdEncoding.DecodeString(string(bytes.TrimSpace(keyData)))
	if err != nil {
		return err
	}
	if len(seed) != ed25519.SeedSize {
		return fmt.Errorf("private.key: want %d byte seed, got %d", ed25519.SeedSize, len(seed))
	}

	c.AgentID = config.ID
	c.PrivateKey = ed25519.NewKeyFromSeed(seed)
	c.PublicKey = c.PrivateKey.Public().(ed25519.PublicKey)
	return nil
}

// SaveConfig saves agent credentials to disk.
func (c *Client) SaveConfig() error {
	if err := os.MkdirAll(c.ConfigDir, 0700); err != nil {
		return err
	}

	config := Config{
		ID:        c.AgentID,
		PublicKey: base64.StdEncoding.EncodeToString(c.PublicKey),
	}

	data, _ := json.MarshalIndent(config, "", "  ")
	if err := os.WriteFile(filepath.Join(c.ConfigDir, "agent.json"), data, 0600); err != nil {
		return err
	}

	keyData := base64.StdEncoding.EncodeToString(c.PrivateKey.Seed())
	return os.WriteFile(filepath.Join(c.ConfigDir, "private.key"), []byte(keyData), 0600)
}

// GenerateKeypair generates a new Ed25519 keypair.
func (c *Client) GenerateKeypair() error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}
	c.PublicKey = pub
	c.PrivateKey = priv
	return nil
}

// TunnelKey derives the agent's X25519 tunnel key pair from its identity.
func (c *Client) TunnelKey() (*crypto.KeyPair, error) {
	if c.PrivateKey == nil {
		return nil, errors.New("qtunnel: no identity loaded, run register first")
	}
	return crypto.TunnelKeyPair(c.PrivateKey)
}

// signRequest creates authentication headers for a request.
func (c *Client) signRequest(req *http.Request, body []byte) error {
	hash := sha256.Sum256(body)
	hashHex := hex.EncodeToString(hash[:])

	nonceBytes := make([]byte, 12) // 24 hex chars
	if _, err := rand.Read(nonceBytes); err != nil {
		return err
	}
	nonce := hex.EncodeToString(nonceBytes)

	ts := time.Now().UnixMilli()
	sig := ed25519.Sign(c.PrivateKey, crypto.SignaturePayload(req.Method, req.URL.RequestURI(), hashHex, nonce, ts))

	req.Header.Set(middleware.HeaderAgent, c.AgentID)
	req.Header.Set(middleware.HeaderNonce, nonce)
	req.Header.Set(middleware.HeaderTimestamp, fmt.Sprintf("%d", ts))
	req.Header.Set(middleware.HeaderSignature, base64.StdEncoding.EncodeToString(sig))
	return nil
}

// doRequest performs an HTTP request. Non-2xx replies return *APIError.
func (c *Client) doRequest(ctx context.Context, method, path string, body []byte, signed bool, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if signed {
		if c.AgentID == "" || c.PrivateKey == nil {
			return nil, errors.New("qtunnel: not registered")
		}
		if err := c.signRequest(req, body); err != nil {
			return nil, err
		}
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		json.Unmarshal(respBody, &errResp)
		return nil, &APIError{Status: resp.StatusCode, Code: errResp.Code, Message: errResp.Error}
	}

	return respBody, nil
}

// RegisterRequest is the request body for agent registration.
type RegisterRequest struct {
	PublicKey string `json:"public_key"`
	TunnelKey string `json:"tunnel_key"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
}

// RegisterResponse is the response from agent registration.
type RegisterResponse struct {
	ID         string `json:"id"`
	ProfileURL string `json:"profile_url"`
}

// Register registers the agent along with its tunnel key. A new identity is
// generated when none is loaded; registering again refreshes the tunnel key.
func (c *Client) Register(ctx context.Context, name, email string) (*RegisterResponse, error) {
	if c.PrivateKey == nil {
		if err := c.GenerateKeypair(); err != nil {
			return nil, err
		}
	}

	tk, err := c.TunnelKey()
	if err != nil {
		return nil, err
	}
	defer tk.Wipe()

	body, _ := json.Marshal(RegisterRequest{
		PublicKey: base64.StdEncoding.EncodeToString(c.PublicKey),
		TunnelKey: crypto.EncodeBinary(tk.Public[:]),
		Name:      name,
		Email:     email,
	})
	respBody, err := c.doRequest(ctx, http.MethodPost, "/register", body, false, nil)
	if err != nil {
		return nil, err
	}

	var resp RegisterResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}

	c.AgentID = resp.ID
	if err := c.SaveConfig(); err != nil {
		return nil, err
	}
	return &resp, nil
}

// AgentProfile represents an agent's profile.
type AgentProfile struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"`
	PublicKey string    `json:"public_key"`
	TunnelKey string    `json:"tunnel_key,omitempty"`
	JoinedAt  time.Time `json:"joined_at"`
}

// Who gets an agent's profile.
func (c *Client) Who(ctx context.Context, agentID string) (*AgentProfile, error) {
	respBody, err := c.doRequest(ctx, http.MethodGet, "/who/"+agentID, nil, false, nil)
	if err != nil {
		return nil, err
	}

	var resp AgentProfile
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// LookupPublicKey resolves a principal's tunnel key from its profile. It
// implements keydir.Lookup.
func (c *Client) LookupPublicKey(ctx context.Context, principal string) ([]byte, error) {
	profile, err := c.Who(ctx, principal)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && (apiErr.Status == http.StatusNotFound || apiErr.Status == http.StatusBadRequest) {
			return nil, keydir.ErrKeyMissing
		}
		return nil, err
	}
	if profile.TunnelKey == "" {
		return nil, keydir.ErrKeyMissing
	}
	key, err := crypto.ValidateTunnelKey(profile.TunnelKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", keydir.ErrKeyMissing, err)
	}
	return key, nil
}

// HealthResponse is the response from the health endpoint.
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Region    string                 `json:"region,omitempty"`
	Checks    map[string]interface{} `json:"checks"`
	Timestamp string                 `json:"timestamp"`
}

// Health checks server health.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	respBody, err := c.doRequest(ctx, http.MethodGet, "/health", nil, false, nil)
	if err != nil {
		return nil, err
	}

	var resp HealthResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
