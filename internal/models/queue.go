package models

import "time"

// ReservedQueue is the metadata of an ephemeral, token-protected reply queue.
type ReservedQueue struct {
	ID        string    `json:"queue_id"`
	Owner     string    `json:"owner"`
	TokenHash []byte    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the queue's TTL has lapsed at now.
func (q *ReservedQueue) Expired(now time.Time) bool {
	return !now.Before(q.ExpiresAt)
}

// Reservation is returned once by reserve. Token is never stored by the broker.
type Reservation struct {
	QueueID   string    `json:"queue_id"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// KeyCacheEntry is a cached principal tunnel key.
type KeyCacheEntry struct {
	Principal string
	PublicKey []byte
	FetchedAt time.Time
}
