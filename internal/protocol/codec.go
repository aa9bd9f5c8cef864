package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/eldtechnologies/qtunnel/internal/crypto"
)

// Request is an outgoing request together with the secrets the caller keeps
// until the matching response arrives.
type Request struct {
	Envelope      *RequestEnvelope
	CorrelationID CorrelationID
	// Ephemeral is used for exactly this exchange. Wipe it when the call ends.
	Ephemeral *crypto.KeyPair
}

// Marshal encodes the envelope for publishing.
func (r *Request) Marshal() ([]byte, error) {
	return json.Marshal(r.Envelope)
}

// BuildRequest encrypts payload for the holder of recipientKey and wraps it in a
// request envelope replying to replyTo. A []byte or json.RawMessage payload is
// sent as is; anything else is encoded as JSON.
func BuildRequest(endpoint Endpoint, payload interface{}, replyTo string, recipientKey []byte, context map[string]string) (*Request, error) {
	plaintext, err := EncodePayload(payload)
	if err != nil {
		return nil, err
	}

	cid, err := NewCorrelationID()
	if err != nil {
		return nil, fmt.Errorf("correlation id: %w", err)
	}

	eph, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	key, err := crypto.DeriveKey(eph.Private[:], recipientKey, crypto.RequestKeyInfo)
	if err != nil {
		eph.Wipe()
		return nil, err
	}

	nonce, ciphertext, err := crypto.EncryptPayload(plaintext, key, cid.Bytes())
	if err != nil {
		eph.Wipe()
		return nil, err
	}

	env := &RequestEnvelope{
		ProtocolVersion: Version,
		Type:            TypeRequest,
		CorrelationID:   cid.String(),
		ReplyTo:         replyTo,
		Endpoint:        endpoint,
		EncryptionInfo: &EncryptionInfo{
			Algorithm:          Algorithm,
			EphemeralPublicKey: crypto.EncodeBinary(eph.Public[:]),
			Nonce:              crypto.EncodeBinary(nonce),
		},
		EncryptedPayload: crypto.EncodeBinary(ciphertext),
		Context:          context,
	}

	return &Request{Envelope: env, CorrelationID: cid, Ephemeral: eph}, nil
}

// EncodePayload returns payload as request or response plaintext.
func EncodePayload(payload interface{}) ([]byte, error) {
	switch p := payload.(type) {
	case []byte:
		return p, nil
	case json.RawMessage:
		return p, nil
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		return b, nil
	}
}

// DecryptRequest opens a validated request with the recipient's long-term
// private key.
func DecryptRequest(env *RequestEnvelope, recipientPrivate []byte) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	ephemeral, nonce, _ := env.EncryptionInfo.decode()
	cid, _ := ParseCorrelationID(env.CorrelationID)
	ciphertext, _ := crypto.DecodeBinary(env.EncryptedPayload)

	key, err := crypto.DeriveKey(recipientPrivate, ephemeral, crypto.RequestKeyInfo)
	if err != nil {
		return nil, err
	}
	return crypto.DecryptPayload(ciphertext, key, nonce, cid.Bytes())
}

// BuildResponse encrypts plaintext as the success reply to req. A fresh
// ephemeral key pair is generated and discarded once the key is derived.
func BuildResponse(req *RequestEnvelope, plaintext []byte) (*ResponseEnvelope, error) {
	if req.EncryptionInfo == nil {
		return nil, violation("request without encryption_info")
	}
	requestEphemeral, _, err := req.EncryptionInfo.decode()
	if err != nil {
		return nil, err
	}
	cid, err := ParseCorrelationID(req.CorrelationID)
	if err != nil {
		return nil, err
	}

	eph, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	defer eph.Wipe()

	key, err := crypto.DeriveKey(eph.Private[:], requestEphemeral, crypto.ResponseKeyInfo)
	if err != nil {
		return nil, err
	}

	nonce, ciphertext, err := crypto.EncryptPayload(plaintext, key, cid.Bytes())
	if err != nil {
		return nil, err
	}

	return &ResponseEnvelope{
		ProtocolVersion: Version,
		Type:            TypeResponse,
		CorrelationID:   req.CorrelationID,
		Status:          StatusSuccess,
		EndpointSlug:    req.Endpoint.Slug,
		EncryptionInfo: &EncryptionInfo{
			Algorithm:          Algorithm,
			EphemeralPublicKey: crypto.EncodeBinary(eph.Public[:]),
			Nonce:              crypto.EncodeBinary(nonce),
		},
		EncryptedPayload: crypto.EncodeBinary(ciphertext),
	}, nil
}

// DecryptionFailedMessage is the error text a peer replies with when it
// cannot open a request, usually because the caller holds a stale key.
const DecryptionFailedMessage = "decryption failed"

// BuildErrorResponse returns an unencrypted error reply.
func BuildErrorResponse(req *RequestEnvelope, message string) *ResponseEnvelope {
	if message == "" {
		message = "request failed"
	}
	return &ResponseEnvelope{
		ProtocolVersion: Version,
		Type:            TypeResponse,
		CorrelationID:   req.CorrelationID,
		Status:          StatusError,
		EndpointSlug:    req.Endpoint.Slug,
		Error:           message,
	}
}

// BuildTimeoutResponse tells the caller the peer gave up on req.
func BuildTimeoutResponse(req *RequestEnvelope) *ResponseEnvelope {
	return &ResponseEnvelope{
		ProtocolVersion: Version,
		Type:            TypeResponse,
		CorrelationID:   req.CorrelationID,
		Status:          StatusTimeout,
		EndpointSlug:    req.Endpoint.Slug,
	}
}

// DecryptResponse opens a success response with the ephemeral private key of
// the request it answers.
func DecryptResponse(env *ResponseEnvelope, requestEphemeralPrivate []byte) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	if env.Status != StatusSuccess {
		return nil, violation("cannot decrypt %s response", env.Status)
	}
	responseEphemeral, nonce, _ := env.EncryptionInfo.decode()
	cid, _ := ParseCorrelationID(env.CorrelationID)
	ciphertext, _ := crypto.DecodeBinary(env.EncryptedPayload)

	key, err := crypto.DeriveKey(requestEphemeralPrivate, responseEphemeral, crypto.ResponseKeyInfo)
	if err != nil {
		return nil, err
	}
	return crypto.DecryptPayload(ciphertext, key, nonce, cid.Bytes())
}
