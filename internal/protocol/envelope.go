// Package protocol defines the tunnel wire envelopes and builds, validates and
// decrypts them.
package protocol

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/eldtechnologies/qtunnel/internal/crypto"
)

const (
	// Version is the protocol_version carried by every envelope.
	Version = "qtunnel/1"
	// Algorithm identifies X25519 key agreement with AES-256-GCM.
	Algorithm = "X25519-ECDH+AES-256-GCM"

	TypeRequest  = "request"
	TypeResponse = "response"

	// CorrelationIDSize is the size of a correlation id in bytes (128 bits).
	CorrelationIDSize = 16
)

// Status is the outcome carried by a response envelope.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusTimeout Status = "timeout"
)

// Endpoint kinds.
const (
	KindRetrieval  = "retrieval"
	KindGeneration = "generation"
)

// ErrProtocolViolation marks an envelope whose fields are inconsistent.
var ErrProtocolViolation = errors.New("protocol violation")

func violation(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrProtocolViolation, fmt.Sprintf(format, args...))
}

// CorrelationID links a request to its response. Encoded on the wire as base64url.
type CorrelationID [CorrelationIDSize]byte

// NewCorrelationID returns a random correlation id.
func NewCorrelationID() (CorrelationID, error) {
	var id CorrelationID
	_, err := rand.Read(id[:])
	return id, err
}

// ParseCorrelationID decodes a wire correlation id.
func ParseCorrelationID(s string) (CorrelationID, error) {
	var id CorrelationID
	b, err := crypto.DecodeBinary(s)
	if err != nil || len(b) != CorrelationIDSize {
		return id, violation("invalid correlation_id")
	}
	copy(id[:], b)
	return id, nil
}

func (id CorrelationID) String() string { return crypto.EncodeBinary(id[:]) }

// Bytes returns the raw id, used as AEAD associated data.
func (id CorrelationID) Bytes() []byte { return append([]byte(nil), id[:]...) }

// Endpoint names the remote operation.
type Endpoint struct {
	Slug string `json:"slug"`
	Kind string `json:"kind"`
}

// EncryptionInfo carries the sender's ephemeral key and the AEAD nonce.
type EncryptionInfo struct {
	Algorithm          string `json:"algorithm"`
	EphemeralPublicKey string `json:"ephemeral_public_key"`
	Nonce              string `json:"nonce"`
}

func (e *EncryptionInfo) decode() (ephemeral, nonce []byte, err error) {
	if e.Algorithm != Algorithm {
		return nil, nil, violation("unsupported algorithm %q", e.Algorithm)
	}
	ephemeral, err = crypto.DecodeBinary(e.EphemeralPublicKey)
	if err != nil || len(ephemeral) != crypto.KeySize {
		return nil, nil, violation("invalid ephemeral_public_key")
	}
	nonce, err = crypto.DecodeBinary(e.Nonce)
	if err != nil || len(nonce) != crypto.NonceSize {
		return nil, nil, violation("invalid nonce")
	}
	return ephemeral, nonce, nil
}

// RequestEnvelope is published to the target principal's queue.
// Payload stays empty: the plaintext only travels inside EncryptedPayload.
type RequestEnvelope struct {
	ProtocolVersion  string            `json:"protocol_version"`
	Type             string            `json:"type"`
	CorrelationID    string            `json:"correlation_id"`
	ReplyTo          string            `json:"reply_to"`
	Endpoint         Endpoint          `json:"endpoint"`
	EncryptionInfo   *EncryptionInfo   `json:"encryption_info"`
	EncryptedPayload string            `json:"encrypted_payload"`
	Payload          json.RawMessage   `json:"payload,omitempty"`
	Context          map[string]string `json:"context,omitempty"`
}

// Validate checks field consistency.
func (e *RequestEnvelope) Validate() error {
	if e.ProtocolVersion != Version {
		return violation("unsupported protocol_version %q", e.ProtocolVersion)
	}
	if e.Type != TypeRequest {
		return violation("expected type %q, got %q", TypeRequest, e.Type)
	}
	if _, err := ParseCorrelationID(e.CorrelationID); err != nil {
		return err
	}
	if e.ReplyTo == "" {
		return violation("missing reply_to")
	}
	if e.Endpoint.Slug == "" {
		return violation("missing endpoint slug")
	}
	if len(e.Payload) > 0 && string(e.Payload) != "null" {
		return violation("plaintext payload on the wire")
	}
	if e.EncryptionInfo == nil || e.EncryptedPayload == "" {
		return violation("request without encryption_info or encrypted_payload")
	}
	if _, _, err := e.EncryptionInfo.decode(); err != nil {
		return err
	}
	if _, err := crypto.DecodeBinary(e.EncryptedPayload); err != nil {
		return violation("invalid encrypted_payload encoding")
	}
	return nil
}

// ResponseEnvelope is published to the request's reply_to address.
type ResponseEnvelope struct {
	ProtocolVersion  string          `json:"protocol_version"`
	Type             string          `json:"type"`
	CorrelationID    string          `json:"correlation_id"`
	Status           Status          `json:"status"`
	EndpointSlug     string          `json:"endpoint_slug"`
	EncryptionInfo   *EncryptionInfo `json:"encryption_info,omitempty"`
	EncryptedPayload string          `json:"encrypted_payload,omitempty"`
	Error            string          `json:"error,omitempty"`
}

// Validate checks field consistency. A success response must carry both
// encryption_info and encrypted_payload.
func (e *ResponseEnvelope) Validate() error {
	if e.ProtocolVersion != Version {
		return violation("unsupported protocol_version %q", e.ProtocolVersion)
	}
	if e.Type != TypeResponse {
		return violation("expected type %q, got %q", TypeResponse, e.Type)
	}
	if _, err := ParseCorrelationID(e.CorrelationID); err != nil {
		return err
	}

	switch e.Status {
	case StatusSuccess:
		if e.EncryptionInfo == nil || e.EncryptedPayload == "" {
			return violation("success response without encryption_info or encrypted_payload")
		}
		if _, _, err := e.EncryptionInfo.decode(); err != nil {
			return err
		}
		if _, err := crypto.DecodeBinary(e.EncryptedPayload); err != nil {
			return violation("invalid encrypted_payload encoding")
		}
	case StatusError:
		if e.Error == "" {
			return violation("error response without error message")
		}
	case StatusTimeout:
	default:
		return violation("unknown status %q", e.Status)
	}
	return nil
}

// ParseRequest decodes and validates a request envelope.
func ParseRequest(data []byte) (*RequestEnvelope, error) {
	var env RequestEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, violation("malformed request envelope: %v", err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// ParseResponse decodes and validates a response envelope.
func ParseResponse(data []byte) (*ResponseEnvelope, error) {
	var env ResponseEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, violation("malformed response envelope: %v", err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// PeekCorrelationID returns the correlation id of any envelope without validating it.
func PeekCorrelationID(data []byte) (string, string, bool) {
	var head struct {
		Type          string `json:"type"`
		CorrelationID string `json:"correlation_id"`
	}
	if err := json.Unmarshal(data, &head); err != nil || head.CorrelationID == "" {
		return "", "", false
	}
	return head.Type, head.CorrelationID, true
}
