package qtunnel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/eldtechnologies/qtunnel/internal/api/middleware"
	"github.com/eldtechnologies/qtunnel/internal/broker"
	"github.com/eldtechnologies/qtunnel/internal/models"
)

// RemoteBroker is a broker.Broker backed by a relay's HTTP queue API.
// Every call is signed as the client's agent.
type RemoteBroker struct {
	c *Client
}

var _ broker.Broker = (*RemoteBroker)(nil)

// Broker returns the relay's queues as a broker.Broker.
func (c *Client) Broker() *RemoteBroker {
	return &RemoteBroker{c: c}
}

// brokerErr maps relay replies and transport failures to broker sentinels.
func brokerErr(op string, err error) error {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("%w: %s: %v", broker.ErrUnavailable, op, err)
	}

	switch apiErr.Code {
	case "queue_not_found":
		return fmt.Errorf("%w: %s", broker.ErrQueueNotFound, op)
	case "queue_full":
		return fmt.Errorf("%w: %s", broker.ErrQueueFull, op)
	case "invalid_token":
		return fmt.Errorf("%w: %s", broker.ErrInvalidToken, op)
	case "not_owner":
		return fmt.Errorf("%w: %s", broker.ErrNotOwner, op)
	}
	// Rate limiting and server faults are transient.
	if apiErr.Status == http.StatusTooManyRequests || apiErr.Status >= 500 {
		return fmt.Errorf("%w: %s: %v", broker.ErrUnavailable, op, apiErr)
	}
	return fmt.Errorf("%s: %w", op, apiErr)
}

func tokenHeader(token string) map[string]string {
	if token == "" {
		return nil
	}
	return map[string]string{middleware.HeaderQueueToken: token}
}

// Publish sends msg to target. The relay stamps the sender and message id.
func (b *RemoteBroker) Publish(ctx context.Context, target string, msg *models.QueueMessage) (int, error) {
	body, err := json.Marshal(struct {
		Payload []byte `json:"payload"`
	}{Payload: msg.Payload})
	if err != nil {
		return 0, err
	}

	respBody, err := b.c.doRequest(ctx, http.MethodPost, "/queues/"+url.PathEscape(target)+"/messages", body, true, nil)
	if err != nil {
		return 0, brokerErr("publish", err)
	}

	var resp struct {
		ID    string `json:"id"`
		Depth int    `json:"depth"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return 0, fmt.Errorf("publish: %w", err)
	}
	msg.ID = resp.ID
	msg.Sender = b.c.AgentID
	return resp.Depth, nil
}

func (b *RemoteBroker) read(ctx context.Context, op, target string, creds broker.Credentials, limit int, peek bool) ([]models.QueueMessage, int, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(max(limit, 1)))
	if peek {
		q.Set("peek", "true")
	}
	path := "/queues/" + url.PathEscape(target) + "/messages?" + q.Encode()

	respBody, err := b.c.doRequest(ctx, http.MethodGet, path, nil, true, tokenHeader(creds.Token))
	if err != nil {
		return nil, 0, brokerErr(op, err)
	}

	var resp struct {
		Messages  []models.QueueMessage `json:"messages"`
		Remaining int                   `json:"remaining"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, 0, fmt.Errorf("%s: %w", op, err)
	}
	return resp.Messages, resp.Remaining, nil
}

// Consume removes up to limit messages. creds.Principal is implied by the
// signing agent; creds.Token is sent for reserved queues.
func (b *RemoteBroker) Consume(ctx context.Context, target string, creds broker.Credentials, limit int) ([]models.QueueMessage, int, error) {
	return b.read(ctx, "consume", target, creds, limit, false)
}

// Peek reads up to limit messages without removing them.
func (b *RemoteBroker) Peek(ctx context.Context, target string, creds broker.Credentials, limit int) ([]models.QueueMessage, int, error) {
	return b.read(ctx, "peek", target, creds, limit, true)
}

// Reserve allocates a reply queue owned by the signing agent. owner is ignored.
func (b *RemoteBroker) Reserve(ctx context.Context, owner string, ttl time.Duration) (*models.Reservation, error) {
	secs := int((ttl + time.Second - 1) / time.Second)
	body, err := json.Marshal(struct {
		TTLSeconds int `json:"ttl_seconds"`
	}{TTLSeconds: secs})
	if err != nil {
		return nil, err
	}

	respBody, err := b.c.doRequest(ctx, http.MethodPost, "/queues/reserve", body, true, nil)
	if err != nil {
		return nil, brokerErr("reserve", err)
	}

	var res models.Reservation
	if err := json.Unmarshal(respBody, &res); err != nil {
		return nil, fmt.Errorf("reserve: %w", err)
	}
	return &res, nil
}

// Release deletes a reserved queue.
func (b *RemoteBroker) Release(ctx context.Context, queueID, token string) (int, error) {
	respBody, err := b.c.doRequest(ctx, http.MethodDelete, "/queues/"+url.PathEscape(queueID), nil, true, tokenHeader(token))
	if err != nil {
		return 0, brokerErr("release", err)
	}

	var resp struct {
		Cleared int `json:"cleared"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return 0, fmt.Errorf("release: %w", err)
	}
	return resp.Cleared, nil
}
