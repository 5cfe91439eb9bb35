package connection

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore keeps connections in an in-process map, ideal for local
// development or tests.
type InMemoryStore struct {
	mu   sync.RWMutex
	data map[uuid.UUID]Connection
}

// NewInMemoryStore constructs an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{data: make(map[uuid.UUID]Connection)}
}

// Get returns the connection for the user, or nil if none exists.
func (s *InMemoryStore) Get(_ context.Context, userID uuid.UUID) (*Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conn, ok := s.data[userID]
	if !ok {
		return nil, nil
	}
	copied := cloneConnection(conn)
	return &copied, nil
}

// Upsert creates or replaces the connection.
func (s *InMemoryStore) Upsert(_ context.Context, conn Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[conn.UserID] = cloneConnection(conn)
	return nil
}

// UpsertUnlessDisconnected writes the connection unless the stored row is
// currently disconnected.
func (s *InMemoryStore) UpsertUnlessDisconnected(_ context.Context, conn Connection) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.data[conn.UserID]; ok && existing.Status == StatusDisconnected {
		return false, nil
	}
	s.data[conn.UserID] = cloneConnection(conn)
	return true, nil
}

// Disconnect clears the stored tokens and marks the row disconnected.
func (s *InMemoryStore) Disconnect(_ context.Context, userID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, ok := s.data[userID]
	if !ok {
		return nil
	}
	conn.Status = StatusDisconnected
	conn.EncryptedTokens = nil
	conn.UpdatedAt = time.Now()
	s.data[userID] = conn
	return nil
}

// cloneConnection copies the mutable fields so callers cannot alias stored
// state.
func cloneConnection(conn Connection) Connection {
	if conn.EncryptedTokens != nil {
		tokens := make([]byte, len(conn.EncryptedTokens))
		copy(tokens, conn.EncryptedTokens)
		conn.EncryptedTokens = tokens
	}
	if conn.Snapshot != nil {
		snapshot := *conn.Snapshot
		conn.Snapshot = &snapshot
	}
	return conn
}
