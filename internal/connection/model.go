package connection

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"greenops/internal/billing"
)

// Status is the lifecycle state of a user's Google Cloud connection.
type Status string

const (
	// StatusDisconnected is the initial and terminal state. No stored tokens.
	StatusDisconnected Status = "disconnected"

	// StatusConnected means stored tokens are trusted for provider calls.
	StatusConnected Status = "connected"

	// StatusExpired means the refresh token is dead; stored tokens remain for
	// audit but are not trusted. Re-authorization is required.
	StatusExpired Status = "expired"

	// StatusError means the last sync failed for reasons unrelated to the
	// tokens. Retry is allowed without re-authorization.
	StatusError Status = "error"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusDisconnected, StatusConnected, StatusExpired, StatusError:
		return true
	}
	return false
}

// HoldsTokens reports whether a connection in this status may carry
// encrypted tokens.
func (s Status) HoldsTokens() bool {
	return s == StatusConnected || s == StatusExpired || s == StatusError
}

// Connection is a user's link to their Google Cloud account. One per user.
// A connection is never physically deleted: disconnecting clears the tokens
// and sets the status back to disconnected.
type Connection struct {
	UserID          uuid.UUID
	Status          Status
	Snapshot        *billing.Snapshot
	EncryptedTokens []byte
	LastSync        time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Validate enforces the token-presence invariant: encrypted tokens must be
// absent exactly when the connection is disconnected.
func (c *Connection) Validate() error {
	if !c.Status.Valid() {
		return fmt.Errorf("connection: unknown status %q", c.Status)
	}
	if c.Status == StatusDisconnected && len(c.EncryptedTokens) > 0 {
		return fmt.Errorf("connection: disconnected connection must not hold tokens")
	}
	if c.Status.HoldsTokens() && len(c.EncryptedTokens) == 0 {
		return fmt.Errorf("connection: status %q requires stored tokens", c.Status)
	}
	return nil
}
