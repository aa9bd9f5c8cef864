package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/qtunnel/internal/broker"
	"github.com/eldtechnologies/qtunnel/internal/store"
)

// emailRegex validates email addresses per RFC 5322 (simplified).
var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

// Error codes returned in the "code" field.
const (
	CodeQueueNotFound     = "queue_not_found"
	CodeQueueFull         = "queue_full"
	CodeInvalidToken      = "invalid_token"
	CodeNotOwner          = "not_owner"
	CodeBrokerUnavailable = "broker_unavailable"
)

// Pinger is a backing service the health check can probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	agents store.DataStore
	broker broker.Broker
	redis  Pinger // nil when running without Redis
	logger zerolog.Logger
}

// NewHandler creates a new Handler.
func NewHandler(agents store.DataStore, b broker.Broker, redis Pinger, logger zerolog.Logger) *Handler {
	return &Handler{agents: agents, broker: b, redis: redis, logger: logger}
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, ErrorResponse{Error: message})
}

// ErrorCode sends a JSON error response carrying a machine-readable code.
func (h *Handler) ErrorCode(w http.ResponseWriter, status int, code, message string) {
	h.JSON(w, status, ErrorResponse{Error: message, Code: code})
}

// BrokerError maps a broker error to its HTTP status and code.
func (h *Handler) BrokerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, broker.ErrQueueNotFound):
		h.ErrorCode(w, http.StatusNotFound, CodeQueueNotFound, "queue not found or expired")
	case errors.Is(err, broker.ErrQueueFull):
		h.ErrorCode(w, http.StatusTooManyRequests, CodeQueueFull, "queue full")
	case errors.Is(err, broker.ErrInvalidToken):
		h.ErrorCode(w, http.StatusForbidden, CodeInvalidToken, "invalid queue token")
	case errors.Is(err, broker.ErrNotOwner):
		h.ErrorCode(w, http.StatusForbidden, CodeNotOwner, "not the queue owner")
	case errors.Is(err, broker.ErrUnavailable):
		h.logger.Error().Err(err).Msg("broker unavailable")
		h.ErrorCode(w, http.StatusServiceUnavailable, CodeBrokerUnavailable, "broker unavailable")
	default:
		h.logger.Error().Err(err).Msg("broker error")
		h.Error(w, http.StatusInternalServerError, "internal error")
	}
}

const maxNameRunes = 100

// sanitizeName trims and limits name to 100 characters, removing control characters.
func sanitizeName(name string) string {
	name = strings.TrimSpace(name)

	// Remove control characters
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)

	// Limit to 100 characters
	if utf8.RuneCountInString(name) > maxNameRunes {
		name = string([]rune(name)[:maxNameRunes])
	}

	return name
}

// isValidEmail validates email addresses using RFC 5322 pattern.
func isValidEmail(email string) bool {
	if email == "" {
		return true // Empty is valid (optional field)
	}
	// Must be reasonable length and match RFC 5322 pattern
	if len(email) > 254 {
		return false
	}
	return emailRegex.MatchString(email)
}
