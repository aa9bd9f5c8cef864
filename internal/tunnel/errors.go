package tunnel

import (
	"context"
	"errors"
	"fmt"

	"github.com/eldtechnologies/qtunnel/internal/broker"
	"github.com/eldtechnologies/qtunnel/internal/crypto"
	"github.com/eldtechnologies/qtunnel/internal/keydir"
	"github.com/eldtechnologies/qtunnel/internal/protocol"
)

var (
	// ErrTimeout means no response arrived before the call deadline.
	ErrTimeout = errors.New("tunnel: timed out waiting for response")
	// ErrRemote wraps the message of an error response sent by the peer.
	ErrRemote = errors.New("tunnel: remote error")
)

// Code classifies a failed tunnel call.
type Code string

const (
	CodeKeyMissing        Code = "key_missing"
	CodeKeyUnavailable    Code = "key_unavailable"
	CodeBrokerUnavailable Code = "broker_unavailable"
	CodeQueueFull         Code = "queue_full"
	CodeQueueNotFound     Code = "queue_not_found"
	CodeInvalidToken      Code = "invalid_token"
	CodeNotOwner          Code = "not_owner"
	CodeTimeout           Code = "timeout"
	CodeCanceled          Code = "canceled"
	CodeRemote            Code = "remote_error"
	CodeProtocol          Code = "protocol_violation"
	CodeDecryptionFailed  Code = "decryption_failed"
	CodeInternal          Code = "internal"
)

// Error is returned by every failed call.
type Error struct {
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("tunnel %s: %s: %v", e.Op, e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the caller may retry the call unchanged.
// Only transport failures qualify.
func (e *Error) Retryable() bool {
	switch e.Code {
	case CodeKeyUnavailable, CodeBrokerUnavailable:
		return true
	}
	return false
}

// CodeOf returns the code of a tunnel error, or "" for other errors.
func CodeOf(err error) Code {
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return ""
}

func newError(op string, err error) *Error {
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	return &Error{Code: classify(err), Op: op, Err: err}
}

func classify(err error) Code {
	switch {
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	case errors.Is(err, ErrRemote):
		return CodeRemote
	case errors.Is(err, keydir.ErrKeyMissing):
		return CodeKeyMissing
	case errors.Is(err, keydir.ErrKeyUnavailable):
		return CodeKeyUnavailable
	case errors.Is(err, broker.ErrUnavailable):
		return CodeBrokerUnavailable
	case errors.Is(err, broker.ErrQueueFull):
		return CodeQueueFull
	case errors.Is(err, broker.ErrQueueNotFound):
		return CodeQueueNotFound
	case errors.Is(err, broker.ErrInvalidToken):
		return CodeInvalidToken
	case errors.Is(err, broker.ErrNotOwner):
		return CodeNotOwner
	case errors.Is(err, crypto.ErrDecryptionFailed):
		return CodeDecryptionFailed
	case errors.Is(err, protocol.ErrProtocolViolation):
		return CodeProtocol
	case errors.Is(err, context.Canceled):
		return CodeCanceled
	}
	return CodeInternal
}
