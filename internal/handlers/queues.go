package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/eldtechnologies/qtunnel/internal/api/middleware"
	"github.com/eldtechnologies/qtunnel/internal/broker"
	"github.com/eldtechnologies/qtunnel/internal/models"
)

// ReserveRequest is the body of POST /queues/reserve.
type ReserveRequest struct {
	TTLSeconds int `json:"ttl_seconds"`
}

// maxTTLSeconds caps ttl_seconds before conversion. The broker applies its
// own, lower maximum.
const maxTTLSeconds = 24 * 60 * 60

// ttl converts TTLSeconds without overflowing time.Duration.
func (req ReserveRequest) ttl() time.Duration {
	return time.Duration(min(req.TTLSeconds, maxTTLSeconds)) * time.Second
}

// ReleaseResponse is returned by DELETE /queues/{id}.
type ReleaseResponse struct {
	Cleared int `json:"cleared"`
}

// PublishRequest is the body of POST /queues/{target}/messages.
type PublishRequest struct {
	Payload []byte `json:"payload"` // base64
}

// PublishResponse is returned after a publish.
type PublishResponse struct {
	ID    string `json:"id"`
	Depth int    `json:"depth"`
}

// ConsumeResponse is returned by GET /queues/{target}/messages.
type ConsumeResponse struct {
	Messages  []models.QueueMessage `json:"messages"`
	Remaining int                   `json:"remaining"`
}

// ReserveQueue allocates a reply queue owned by the caller.
func (h *Handler) ReserveQueue(w http.ResponseWriter, r *http.Request) {
	agent := middleware.GetAgentFromContext(r.Context())
	if agent == nil {
		h.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req ReserveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.TTLSeconds < 0 {
		h.Error(w, http.StatusBadRequest, "ttl_seconds must not be negative")
		return
	}

	res, err := h.broker.Reserve(r.Context(), agent.ID.String(), req.ttl())
	if err != nil {
		h.BrokerError(w, err)
		return
	}

	h.JSON(w, http.StatusCreated, res)
}

// ReleaseQueue deletes a reserved queue. The queue token travels in a header.
func (h *Handler) ReleaseQueue(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !broker.IsReservedID(id) {
		h.Error(w, http.StatusBadRequest, "invalid queue ID format")
		return
	}
	token := r.Header.Get(middleware.HeaderQueueToken)
	if token == "" {
		h.ErrorCode(w, http.StatusForbidden, CodeInvalidToken, "queue token required")
		return
	}

	cleared, err := h.broker.Release(r.Context(), id, token)
	if err != nil {
		h.BrokerError(w, err)
		return
	}

	h.JSON(w, http.StatusOK, ReleaseResponse{Cleared: cleared})
}

// validTarget accepts reserved queue ids and registered agent ids.
func (h *Handler) validTarget(w http.ResponseWriter, r *http.Request, target string) bool {
	if broker.IsReservedID(target) {
		return true
	}
	id, err := uuid.Parse(target)
	if err != nil {
		h.Error(w, http.StatusBadRequest, "invalid queue target")
		return false
	}
	agent, err := h.agents.GetAgentByID(r.Context(), id)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return false
	}
	if agent == nil {
		h.ErrorCode(w, http.StatusNotFound, CodeQueueNotFound, "queue not found or expired")
		return false
	}
	return true
}

// PublishMessage appends an opaque payload to a queue. The sender is the
// authenticated caller.
func (h *Handler) PublishMessage(w http.ResponseWriter, r *http.Request) {
	agent := middleware.GetAgentFromContext(r.Context())
	if agent == nil {
		h.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	target := chi.URLParam(r, "target")
	if !h.validTarget(w, r, target) {
		return
	}

	var req PublishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Payload) == 0 {
		h.Error(w, http.StatusBadRequest, "payload is required")
		return
	}

	msg := &models.QueueMessage{Sender: agent.ID.String(), Payload: req.Payload}
	depth, err := h.broker.Publish(r.Context(), target, msg)
	if err != nil {
		h.BrokerError(w, err)
		return
	}

	h.JSON(w, http.StatusCreated, PublishResponse{ID: msg.ID, Depth: depth})
}

// ConsumeMessages removes, or with peek=true reads, the oldest messages of a
// queue. Principal queues are readable only by their owner; reserved queues
// need the queue token.
func (h *Handler) ConsumeMessages(w http.ResponseWriter, r *http.Request) {
	agent := middleware.GetAgentFromContext(r.Context())
	if agent == nil {
		h.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	target := chi.URLParam(r, "target")
	if !broker.IsReservedID(target) {
		if _, err := uuid.Parse(target); err != nil {
			h.Error(w, http.StatusBadRequest, "invalid queue target")
			return
		}
	}

	limit := 10
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 {
			h.Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	peek := r.URL.Query().Get("peek") == "true"

	creds := broker.Credentials{
		Principal: agent.ID.String(),
		Token:     r.Header.Get(middleware.HeaderQueueToken),
	}

	var (
		msgs      []models.QueueMessage
		remaining int
		err       error
	)
	if peek {
		msgs, remaining, err = h.broker.Peek(r.Context(), target, creds, limit)
	} else {
		msgs, remaining, err = h.broker.Consume(r.Context(), target, creds, limit)
	}
	if err != nil {
		h.BrokerError(w, err)
		return
	}
	if msgs == nil {
		msgs = []models.QueueMessage{}
	}

	h.JSON(w, http.StatusOK, ConsumeResponse{Messages: msgs, Remaining: remaining})
}
