package models

import "time"

// QueueMessage is an opaque payload held by the broker. Immutable once enqueued.
type QueueMessage struct {
	ID         string    `json:"id"`     // ULID
	Sender     string    `json:"sender"` // Agent UUID
	Payload    []byte    `json:"payload"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}
