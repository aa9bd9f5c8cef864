package tunnel

import (
	"time"

	"github.com/eldtechnologies/qtunnel/internal/protocol"
)

// Document is a single retrieval hit.
type Document struct {
	ID       string            `json:"id"`
	Content  string            `json:"content"`
	Score    float64           `json:"score"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// RetrievalRequest is the payload of a retrieval call.
type RetrievalRequest struct {
	Query   string            `json:"query"`
	Limit   int               `json:"limit,omitempty"`
	Filters map[string]string `json:"filters,omitempty"`
}

// RetrievalResult is returned by Retrieve. Status is "timeout" with no
// documents when the peer did not answer in time.
type RetrievalResult struct {
	Status    protocol.Status `json:"-"`
	Documents []Document      `json:"documents"`
	Latency   time.Duration   `json:"-"`
}

// TimedOut reports whether the result is a timeout placeholder.
func (r *RetrievalResult) TimedOut() bool { return r.Status == protocol.StatusTimeout }

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerationRequest is the payload of a generation call.
type GenerationRequest struct {
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

// GenerationResult is returned by Generate.
type GenerationResult struct {
	Message Message       `json:"message"`
	Latency time.Duration `json:"-"`
}
