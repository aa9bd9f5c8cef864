package models

import (
	"time"

	"github.com/google/uuid"
)

// Agent represents a registered principal.
type Agent struct {
	ID        uuid.UUID `json:"id"`
	PublicKey string    `json:"public_key"`           // Ed25519, base64
	TunnelKey string    `json:"tunnel_key,omitempty"` // X25519, base64url
	Name      string    `json:"name,omitempty"`
	Email     string    `json:"email,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewAgentID returns a time-ordered (v7) agent id.
func NewAgentID() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}
