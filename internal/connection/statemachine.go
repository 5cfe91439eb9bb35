package connection

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when a status change is not permitted by
// the transition table.
var ErrInvalidTransition = errors.New("connection: invalid status transition")

// transitions is the full table of permitted status changes. Disconnect is
// permitted from every state so a user can always sever the link locally,
// and a concurrent disconnect always wins over an in-flight sync.
var transitions = map[Status]map[Status]struct{}{
	StatusDisconnected: {
		StatusConnected: {},
	},
	StatusConnected: {
		StatusConnected:    {}, // successful resync
		StatusExpired:      {}, // refresh token revoked or consent withdrawn
		StatusError:        {}, // fetch failure unrelated to tokens
		StatusDisconnected: {},
	},
	StatusExpired: {
		StatusConnected:    {}, // re-authorization
		StatusDisconnected: {},
	},
	StatusError: {
		StatusConnected:    {}, // subsequent successful sync
		StatusError:        {}, // retry failed again
		StatusExpired:      {}, // retry revealed dead credentials
		StatusDisconnected: {},
	},
}

// CanTransition reports whether moving from one status to another is
// permitted.
func CanTransition(from, to Status) bool {
	allowed, ok := transitions[from]
	if !ok {
		return false
	}
	_, ok = allowed[to]
	return ok
}

// Transition validates and applies a status change on the connection. It is
// the single authority for status writes: callers never assign Status
// directly. Moving to disconnected clears the stored tokens, preserving the
// token-presence invariant.
func (c *Connection) Transition(to Status) error {
	if !CanTransition(c.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, to)
	}

	c.Status = to
	if to == StatusDisconnected {
		c.EncryptedTokens = nil
	}
	return nil
}
