package connection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"greenops/internal/billing"
	"greenops/internal/credentials"
	"greenops/internal/gcp"
)

// Service-level errors.
var (
	// ErrNotConnected indicates the user has no active connection, either
	// because none was ever made or because a disconnect raced the call.
	ErrNotConnected = errors.New("connection: not connected")

	// ErrReauthRequired indicates the stored credentials can no longer be
	// used or renewed. The user must restart the authorization flow.
	ErrReauthRequired = errors.New("connection: re-authorization required")
)

// Authenticator is the token lifecycle surface the service depends on.
type Authenticator interface {
	AuthURL(state string) string
	Exchange(ctx context.Context, code string) (credentials.TokenBundle, *gcp.Identity, error)
	Refresh(ctx context.Context, refreshToken string) (credentials.TokenBundle, error)
	Revoke(ctx context.Context, accessToken string) error
	TokenSource(bundle credentials.TokenBundle) oauth2.TokenSource
}

// StateSigner mints and validates the OAuth state parameter.
type StateSigner interface {
	Mint(userID uuid.UUID) (string, error)
	Validate(state string, expectedUser uuid.UUID) bool
}

// SnapshotFetcher produces resource snapshots for a token source.
type SnapshotFetcher interface {
	FetchSnapshot(ctx context.Context, ts oauth2.TokenSource, opts billing.Options) (billing.Result, error)
}

// Service owns the connection lifecycle: authorization, synchronization,
// refresh, and disconnect. It is the only writer of connection status.
type Service struct {
	store  Store
	codec  *credentials.Codec
	auth   Authenticator
	states StateSigner
	syncer SnapshotFetcher
	cache  *billing.Cache
	logger *slog.Logger
	now    func() time.Time

	// refreshes serializes token refresh per user so concurrent syncs share
	// one refresh instead of racing a single-use refresh token.
	refreshes singleflight.Group
}

// NewService creates a connection Service.
func NewService(store Store, codec *credentials.Codec, auth Authenticator, states StateSigner, syncer SnapshotFetcher, cache *billing.Cache, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		codec:  codec,
		auth:   auth,
		states: states,
		syncer: syncer,
		cache:  cache,
		logger: logger,
		now:    time.Now,
	}
}

// BeginConnect mints a signed state bound to the user and returns the Google
// consent URL to redirect them to.
func (s *Service) BeginConnect(userID uuid.UUID) (string, error) {
	state, err := s.states.Mint(userID)
	if err != nil {
		return "", fmt.Errorf("mint state: %w", err)
	}
	return s.auth.AuthURL(state), nil
}

// CompleteConnect finishes the OAuth callback: it validates the state,
// exchanges the code, fetches the initial snapshot, and persists the
// connection as connected with encrypted tokens.
func (s *Service) CompleteConnect(ctx context.Context, userID uuid.UUID, code, state string) (*Connection, error) {
	if !s.states.Validate(state, userID) {
		return nil, fmt.Errorf("%w: state invalid, expired, or replayed", gcp.ErrAuthorization)
	}

	bundle, identity, err := s.auth.Exchange(ctx, code)
	if err != nil {
		return nil, err
	}

	result, err := s.syncer.FetchSnapshot(ctx, s.auth.TokenSource(bundle), billing.Options{
		Mode:       billing.ModeMinimal,
		KnownEmail: identity.Email,
	})
	if err != nil {
		return nil, fmt.Errorf("initial snapshot: %w", err)
	}

	encrypted, err := s.codec.Encrypt(bundle)
	if err != nil {
		return nil, err
	}

	now := s.now()
	conn := &Connection{
		UserID:    userID,
		Status:    StatusDisconnected,
		CreatedAt: now,
	}
	if existing, err := s.store.Get(ctx, userID); err != nil {
		return nil, fmt.Errorf("load connection: %w", err)
	} else if existing != nil {
		conn = existing
	}

	if err := conn.Transition(StatusConnected); err != nil {
		return nil, err
	}

	snapshot := result.Snapshot
	conn.Snapshot = &snapshot
	conn.EncryptedTokens = encrypted
	conn.LastSync = now
	conn.UpdatedAt = now

	if err := s.store.Upsert(ctx, *conn); err != nil {
		return nil, fmt.Errorf("persist connection: %w", err)
	}
	s.cache.Put(userID, snapshot)

	s.logger.Info("gcp connection established",
		"user_id", userID,
		"account", snapshot.AccountEmail,
		"billing_accounts", len(snapshot.BillingAccounts),
		"projects", len(snapshot.Projects))

	return conn, nil
}

// Sync refreshes the stored snapshot from Google, renewing the access token
// first when needed. force bypasses the snapshot cache.
//
// The returned issues annotate sub-fetches that degraded to empty lists on a
// partial success.
func (s *Service) Sync(ctx context.Context, userID uuid.UUID, force bool) (*Connection, []billing.Issue, error) {
	conn, err := s.store.Get(ctx, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("load connection: %w", err)
	}
	if conn == nil || conn.Status == StatusDisconnected {
		return nil, nil, ErrNotConnected
	}
	if conn.Status == StatusExpired {
		return nil, nil, ErrReauthRequired
	}

	if snapshot, ok := s.cache.Get(userID, force); ok {
		conn.Snapshot = &snapshot
		return conn, nil, nil
	}

	bundle, err := s.codec.Decrypt(conn.EncryptedTokens)
	if err != nil {
		// Corrupted stored credentials are unrecoverable; treat as expired.
		s.demote(ctx, conn, StatusExpired)
		return nil, nil, fmt.Errorf("%w: %v", ErrReauthRequired, err)
	}

	if bundle.IsExpired(s.now()) {
		var encrypted []byte
		bundle, encrypted, err = s.refreshBundle(ctx, userID)
		switch {
		case err == nil:
			// Carry the rotated ciphertext forward so the final upsert does
			// not write the stale bundle back.
			conn.EncryptedTokens = encrypted
		case errors.Is(err, ErrReauthRequired), errors.Is(err, gcp.ErrRefresh), errors.Is(err, credentials.ErrDecrypt):
			s.demote(ctx, conn, StatusExpired)
			return nil, nil, fmt.Errorf("%w: %v", ErrReauthRequired, err)
		default:
			s.demote(ctx, conn, StatusError)
			return nil, nil, err
		}
	}

	var knownEmail string
	if conn.Snapshot != nil {
		knownEmail = conn.Snapshot.AccountEmail
	}

	result, err := s.syncer.FetchSnapshot(ctx, s.auth.TokenSource(bundle), billing.Options{
		Mode:       billing.ModeFull,
		KnownEmail: knownEmail,
	})
	if err != nil {
		if gcp.IsUnauthorized(err) {
			s.demote(ctx, conn, StatusExpired)
			return nil, nil, fmt.Errorf("%w: %v", ErrReauthRequired, err)
		}
		s.demote(ctx, conn, StatusError)
		return nil, nil, err
	}

	snapshot := result.Snapshot
	if snapshot.AccountEmail == "" {
		// The account email is never discarded once known.
		snapshot.AccountEmail = knownEmail
	}

	now := s.now()
	if err := conn.Transition(StatusConnected); err != nil {
		return nil, nil, err
	}
	conn.Snapshot = &snapshot
	conn.LastSync = now
	conn.UpdatedAt = now

	applied, err := s.store.UpsertUnlessDisconnected(ctx, *conn)
	if err != nil {
		return nil, nil, fmt.Errorf("persist sync: %w", err)
	}
	if !applied {
		// A concurrent disconnect won; honor it.
		s.cache.Invalidate(userID)
		return nil, nil, ErrNotConnected
	}
	s.cache.Put(userID, snapshot)

	return conn, result.Issues, nil
}

// Disconnect severs the link. Remote revocation is best-effort; the local
// state change always happens regardless of its outcome, and disconnect is
// idempotent.
func (s *Service) Disconnect(ctx context.Context, userID uuid.UUID) error {
	conn, err := s.store.Get(ctx, userID)
	if err != nil {
		s.logger.Warn("disconnect: load connection failed", "user_id", userID, "error", err)
	}

	if conn != nil && len(conn.EncryptedTokens) > 0 {
		if bundle, err := s.codec.Decrypt(conn.EncryptedTokens); err == nil {
			if err := s.auth.Revoke(ctx, bundle.AccessToken); err != nil {
				s.logger.Warn("disconnect: token revocation failed", "user_id", userID, "error", err)
			}
		}
	}

	if err := s.store.Disconnect(ctx, userID); err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	s.cache.Invalidate(userID)

	s.logger.Info("gcp connection disconnected", "user_id", userID)
	return nil
}

// Get returns the stored connection for the user, or nil if none exists.
func (s *Service) Get(ctx context.Context, userID uuid.UUID) (*Connection, error) {
	return s.store.Get(ctx, userID)
}

// refreshTimeout bounds the detached token refresh.
const refreshTimeout = 30 * time.Second

// refreshedTokens pairs a renewed bundle with the ciphertext that was
// persisted for it.
type refreshedTokens struct {
	bundle    credentials.TokenBundle
	encrypted []byte
}

// refreshBundle renews the access token under a per-user singleflight
// section. A caller that arrives while a refresh is in flight observes the
// already-refreshed bundle instead of issuing a second refresh. The flight
// runs on its own bounded context so one caller's cancellation cannot fail
// the waiters sharing the result.
func (s *Service) refreshBundle(ctx context.Context, userID uuid.UUID) (credentials.TokenBundle, []byte, error) {
	refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
	defer cancel()

	value, err, _ := s.refreshes.Do(userID.String(), func() (any, error) {
		conn, err := s.store.Get(refreshCtx, userID)
		if err != nil {
			return nil, fmt.Errorf("load connection: %w", err)
		}
		if conn == nil || conn.Status == StatusDisconnected {
			return nil, ErrNotConnected
		}

		bundle, err := s.codec.Decrypt(conn.EncryptedTokens)
		if err != nil {
			return nil, err
		}

		// A concurrent caller may have refreshed while we waited.
		if !bundle.IsExpired(s.now()) {
			return refreshedTokens{bundle: bundle, encrypted: conn.EncryptedTokens}, nil
		}

		if !bundle.CanRefresh() {
			return nil, fmt.Errorf("%w: no refresh token granted", ErrReauthRequired)
		}

		refreshed, err := s.auth.Refresh(refreshCtx, bundle.RefreshToken)
		if err != nil {
			return nil, err
		}

		encrypted, err := s.codec.Encrypt(refreshed)
		if err != nil {
			return nil, err
		}

		conn.EncryptedTokens = encrypted
		conn.UpdatedAt = s.now()
		if _, err := s.store.UpsertUnlessDisconnected(refreshCtx, *conn); err != nil {
			return nil, fmt.Errorf("persist refreshed tokens: %w", err)
		}

		s.logger.Debug("access token refreshed", "user_id", userID, "expires_at", refreshed.ExpiresAt)
		return refreshedTokens{bundle: refreshed, encrypted: encrypted}, nil
	})
	if err != nil {
		return credentials.TokenBundle{}, nil, err
	}
	tokens := value.(refreshedTokens)
	return tokens.bundle, tokens.encrypted, nil
}

// demote applies a failure transition and persists it unless a concurrent
// disconnect already won.
func (s *Service) demote(ctx context.Context, conn *Connection, to Status) {
	if err := conn.Transition(to); err != nil {
		s.logger.Error("status transition rejected", "user_id", conn.UserID, "error", err)
		return
	}
	conn.UpdatedAt = s.now()

	if _, err := s.store.UpsertUnlessDisconnected(ctx, *conn); err != nil {
		s.logger.Error("persist status change failed", "user_id", conn.UserID, "status", conn.Status, "error", err)
	}
	s.cache.Invalidate(conn.UserID)
}
