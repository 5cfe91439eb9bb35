package connection

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"greenops/internal/billing"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Get returns the connection for the user, or nil if none exists.
func (s *PostgresStore) Get(ctx context.Context, userID uuid.UUID) (*Connection, error) {
	const query = `
		SELECT user_id, status, snapshot, encrypted_tokens, last_sync, created_at, updated_at
		FROM gcp_connections
		WHERE user_id = $1
	`

	var row connectionRow
	if err := s.db.GetContext(ctx, &row, query, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	return row.toConnection()
}

// Upsert creates or replaces the connection.
func (s *PostgresStore) Upsert(ctx context.Context, conn Connection) error {
	const query = `
		INSERT INTO gcp_connections (user_id, status, snapshot, encrypted_tokens, last_sync, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id) DO UPDATE SET
			status = EXCLUDED.status,
			snapshot = EXCLUDED.snapshot,
			encrypted_tokens = EXCLUDED.encrypted_tokens,
			last_sync = EXCLUDED.last_sync,
			updated_at = EXCLUDED.updated_at
	`

	args, err := upsertArgs(conn)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}

// UpsertUnlessDisconnected writes the connection unless the stored row is
// currently disconnected, so a concurrent disconnect always wins.
func (s *PostgresStore) UpsertUnlessDisconnected(ctx context.Context, conn Connection) (bool, error) {
	const query = `
		INSERT INTO gcp_connections (user_id, status, snapshot, encrypted_tokens, last_sync, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id) DO UPDATE SET
			status = EXCLUDED.status,
			snapshot = EXCLUDED.snapshot,
			encrypted_tokens = EXCLUDED.encrypted_tokens,
			last_sync = EXCLUDED.last_sync,
			updated_at = EXCLUDED.updated_at
		WHERE gcp_connections.status <> 'disconnected'
	`

	args, err := upsertArgs(conn)
	if err != nil {
		return false, err
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// Disconnect clears the stored tokens and marks the row disconnected. The
// snapshot is retained as last known good data.
func (s *PostgresStore) Disconnect(ctx context.Context, userID uuid.UUID) error {
	const query = `
		UPDATE gcp_connections
		SET status = 'disconnected', encrypted_tokens = NULL, updated_at = $2
		WHERE user_id = $1
	`

	_, err := s.db.ExecContext(ctx, query, userID, time.Now())
	return err
}

func upsertArgs(conn Connection) ([]any, error) {
	var snapshot []byte
	if conn.Snapshot != nil {
		data, err := json.Marshal(conn.Snapshot)
		if err != nil {
			return nil, fmt.Errorf("marshal snapshot: %w", err)
		}
		snapshot = data
	}

	var lastSync *time.Time
	if !conn.LastSync.IsZero() {
		lastSync = &conn.LastSync
	}

	return []any{
		conn.UserID,
		string(conn.Status),
		snapshot,
		conn.EncryptedTokens,
		lastSync,
		conn.CreatedAt,
		conn.UpdatedAt,
	}, nil
}

// connectionRow is a database row representation of Connection.
type connectionRow struct {
	UserID          uuid.UUID  `db:"user_id"`
	Status          string     `db:"status"`
	Snapshot        []byte     `db:"snapshot"`
	EncryptedTokens []byte     `db:"encrypted_tokens"`
	LastSync        *time.Time `db:"last_sync"`
	CreatedAt       time.Time  `db:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
}

func (r *connectionRow) toConnection() (*Connection, error) {
	conn := &Connection{
		UserID:          r.UserID,
		Status:          Status(r.Status),
		EncryptedTokens: r.EncryptedTokens,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}

	if r.LastSync != nil {
		conn.LastSync = *r.LastSync
	}

	if len(r.Snapshot) > 0 {
		var snapshot billing.Snapshot
		if err := json.Unmarshal(r.Snapshot, &snapshot); err != nil {
			return nil, fmt.Errorf("unmarshal snapshot: %w", err)
		}
		conn.Snapshot = &snapshot
	}

	return conn, nil
}
