// Package store persists registered principals and the short-lived security
// state of the front door.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/eldtechnologies/qtunnel/internal/models"
)

// DataStore defines the interface for persistent storage of agents.
// Both PostgresStore and SQLiteStore implement this interface.
type DataStore interface {
	// Connection management
	Close()
	Ping(ctx context.Context) error

	// Agent operations
	CreateAgent(ctx context.Context, publicKey, tunnelKey, name, email string) (*models.Agent, error)
	GetAgentByID(ctx context.Context, id uuid.UUID) (*models.Agent, error)
	GetAgentByPublicKey(ctx context.Context, publicKey string) (*models.Agent, error)
	SetTunnelKey(ctx context.Context, id uuid.UUID, tunnelKey string) error
	CountAgents(ctx context.Context) (int64, error)
}

// NonceStore remembers request nonces for the replay window.
// RedisStore and MemoryNonceStore implement this interface.
type NonceStore interface {
	IsNonceUsed(ctx context.Context, agentID, nonce string) bool
	MarkNonceUsed(ctx context.Context, agentID, nonce string, ttl time.Duration)
}
