package registry

import (
	"context"
	"time"
)

// Record mirrors this client's entry in the session registry. The remote
// registry is authoritative; local repositories exist so the agent can
// reconcile after restarts and so co-located peers can observe each other.
type Record struct {
	SessionID   string    `bson:"_id" json:"sessionId"`
	UserID      string    `bson:"userId" json:"userId"`
	Fingerprint string    `bson:"fingerprint" json:"fingerprint"`
	StartedAt   time.Time `bson:"startedAt" json:"startedAt"`
	LastSeen    time.Time `bson:"lastSeen" json:"lastSeen"`
	ExpiresAt   time.Time `bson:"expiresAt" json:"expiresAt"`
}

// Repository provides registry record persistence.
type Repository interface {
	Put(ctx context.Context, r *Record) error
	Get(ctx context.Context, sessionID string) (*Record, error)
	Delete(ctx context.Context, sessionID string) error
}
