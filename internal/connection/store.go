package connection

import (
	"context"

	"github.com/google/uuid"
)

// Store persists connections keyed by user. Last write wins, with one
// exception: sync results go through UpsertUnlessDisconnected so a racing
// disconnect is never overwritten.
type Store interface {
	// Get returns the connection for the user, or nil if none exists.
	Get(ctx context.Context, userID uuid.UUID) (*Connection, error)

	// Upsert creates or replaces the connection.
	Upsert(ctx context.Context, conn Connection) error

	// UpsertUnlessDisconnected writes the connection unless the stored row is
	// currently disconnected. Returns false when the write was skipped.
	UpsertUnlessDisconnected(ctx context.Context, conn Connection) (bool, error)

	// Disconnect clears the stored tokens and sets the status to
	// disconnected. The row itself is retained. No-op if absent.
	Disconnect(ctx context.Context, userID uuid.UUID) error
}
