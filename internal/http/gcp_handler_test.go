package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"greenops/internal/billing"
	"greenops/internal/connection"
	"greenops/internal/gcp"
)

type serviceStub struct {
	beginConnect    func(userID uuid.UUID) (string, error)
	completeConnect func(ctx context.Context, userID uuid.UUID, code, state string) (*connection.Connection, error)
	sync            func(ctx context.Context, userID uuid.UUID, force bool) (*connection.Connection, []billing.Issue, error)
	disconnect      func(ctx context.Context, userID uuid.UUID) error
	get             func(ctx context.Context, userID uuid.UUID) (*connection.Connection, error)
}

func (s *serviceStub) BeginConnect(userID uuid.UUID) (string, error) {
	if s.beginConnect != nil {
		return s.beginConnect(userID)
	}
	return "https://accounts.google.com/o/oauth2/auth?state=abc", nil
}

func (s *serviceStub) CompleteConnect(ctx context.Context, userID uuid.UUID, code, state string) (*connection.Connection, error) {
	if s.completeConnect != nil {
		return s.completeConnect(ctx, userID, code, state)
	}
	return connectedConnection(userID), nil
}

func (s *serviceStub) Sync(ctx context.Context, userID uuid.UUID, force bool) (*connection.Connection, []billing.Issue, error) {
	if s.sync != nil {
		return s.sync(ctx, userID, force)
	}
	return connectedConnection(userID), nil, nil
}

func (s *serviceStub) Disconnect(ctx context.Context, userID uuid.UUID) error {
	if s.disconnect != nil {
		return s.disconnect(ctx, userID)
	}
	return nil
}

func (s *serviceStub) Get(ctx context.Context, userID uuid.UUID) (*connection.Connection, error) {
	if s.get != nil {
		return s.get(ctx, userID)
	}
	return nil, nil
}

func connectedConnection(userID uuid.UUID) *connection.Connection {
	return &connection.Connection{
		UserID:          userID,
		Status:          connection.StatusConnected,
		EncryptedTokens: []byte("ciphertext"),
		LastSync:        time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC),
		Snapshot: &billing.Snapshot{
			AccountEmail:    "user@example.com",
			BillingAccounts: []gcp.BillingAccount{{ID: "0A1B2C-000000", DisplayName: "Production", Open: true}},
			Projects:        []gcp.Project{{ProjectID: "prod-api", Name: "Prod API", BillingAccountID: "0A1B2C-000000", LifecycleState: "ACTIVE"}},
		},
	}
}

func newTestHandler(stub *serviceStub) *GCPHandler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewGCPHandler(stub, "https://app.example.com", logger)
}

func requestWithUser(method, target string, userID uuid.UUID) *http.Request {
	r := httptest.NewRequest(method, target, nil)
	ctx := context.WithValue(r.Context(), userContextKey, userID)
	return r.WithContext(ctx)
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode response body: %v", err)
	}
	return body
}

func redirectStatus(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()

	if rec.Code != http.StatusTemporaryRedirect {
		t.Fatalf("expected 307 redirect, got %d", rec.Code)
	}
	location, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse Location header: %v", err)
	}
	return location.Query().Get("status")
}

func TestConnectRedirectsToConsentScreen(t *testing.T) {
	handler := newTestHandler(&serviceStub{})
	rec := httptest.NewRecorder()

	handler.Connect(rec, requestWithUser(http.MethodGet, "/api/gcp/connect", uuid.New()))

	if rec.Code != http.StatusTemporaryRedirect {
		t.Fatalf("expected 307, got %d", rec.Code)
	}
	if got := rec.Header().Get("Location"); got != "https://accounts.google.com/o/oauth2/auth?state=abc" {
		t.Fatalf("unexpected redirect target %q", got)
	}
}

func TestCallbackSuccessRedirectsConnected(t *testing.T) {
	userID := uuid.New()
	stub := &serviceStub{
		completeConnect: func(ctx context.Context, gotUser uuid.UUID, code, state string) (*connection.Connection, error) {
			if gotUser != userID || code != "auth-code" || state != "signed-state" {
				t.Fatalf("unexpected arguments: %s %s %s", gotUser, code, state)
			}
			return connectedConnection(gotUser), nil
		},
	}
	handler := newTestHandler(stub)
	rec := httptest.NewRecorder()

	handler.Callback(rec, requestWithUser(http.MethodGet, "/api/gcp/callback?code=auth-code&state=signed-state", userID))

	if got := redirectStatus(t, rec); got != "connected" {
		t.Fatalf("expected status=connected, got %q", got)
	}
	location := rec.Header().Get("Location")
	if parsed, _ := url.Parse(location); parsed.Host != "app.example.com" || parsed.Path != "/settings/cloud" {
		t.Fatalf("expected redirect to the settings page, got %q", location)
	}
}

func TestCallbackConsentDenied(t *testing.T) {
	handler := newTestHandler(&serviceStub{
		completeConnect: func(ctx context.Context, userID uuid.UUID, code, state string) (*connection.Connection, error) {
			t.Fatal("exchange must not run when consent was denied")
			return nil, nil
		},
	})
	rec := httptest.NewRecorder()

	handler.Callback(rec, requestWithUser(http.MethodGet, "/api/gcp/callback?error=access_denied", uuid.New()))

	if got := redirectStatus(t, rec); got != "consent_denied" {
		t.Fatalf("expected status=consent_denied, got %q", got)
	}
}

func TestCallbackMissingParameters(t *testing.T) {
	handler := newTestHandler(&serviceStub{})
	rec := httptest.NewRecorder()

	handler.Callback(rec, requestWithUser(http.MethodGet, "/api/gcp/callback?code=only-code", uuid.New()))

	if got := redirectStatus(t, rec); got != "invalid_request" {
		t.Fatalf("expected status=invalid_request, got %q", got)
	}
}

func TestCallbackFailureMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"invalid state", fmt.Errorf("%w: replayed", gcp.ErrAuthorization), "invalid_state"},
		{"exchange rejected", fmt.Errorf("%w: bad code", gcp.ErrTokenExchange), "exchange_failed"},
		{"api disabled", fmt.Errorf("%w: cloudbilling", gcp.ErrAPIDisabled), "api_not_enabled"},
		{"provider down", fmt.Errorf("%w: 502", gcp.ErrTransient), "provider_unavailable"},
		{"anything else", fmt.Errorf("database gone"), "internal_error"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			handler := newTestHandler(&serviceStub{
				completeConnect: func(ctx context.Context, userID uuid.UUID, code, state string) (*connection.Connection, error) {
					return nil, tc.err
				},
			})
			rec := httptest.NewRecorder()

			handler.Callback(rec, requestWithUser(http.MethodGet, "/api/gcp/callback?code=c&state=s", uuid.New()))

			if got := redirectStatus(t, rec); got != tc.want {
				t.Fatalf("expected status=%s, got %q", tc.want, got)
			}
		})
	}
}

func TestSyncReturnsConnectionPayload(t *testing.T) {
	handler := newTestHandler(&serviceStub{})
	rec := httptest.NewRecorder()

	handler.Sync(rec, requestWithUser(http.MethodPost, "/api/gcp/sync", uuid.New()))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["status"] != "connected" {
		t.Fatalf("expected connected status, got %v", body["status"])
	}
	if body["accountEmail"] != "user@example.com" {
		t.Fatalf("expected account email, got %v", body["accountEmail"])
	}
	if body["lastSync"] != "2025-03-01T12:00:00Z" {
		t.Fatalf("unexpected lastSync %v", body["lastSync"])
	}
	if _, ok := body["issues"]; ok {
		t.Fatal("expected no issues field on a clean sync")
	}
}

func TestSyncForwardsForceFlag(t *testing.T) {
	var gotForce bool
	handler := newTestHandler(&serviceStub{
		sync: func(ctx context.Context, userID uuid.UUID, force bool) (*connection.Connection, []billing.Issue, error) {
			gotForce = force
			return connectedConnection(userID), nil, nil
		},
	})
	rec := httptest.NewRecorder()

	handler.Sync(rec, requestWithUser(http.MethodPost, "/api/gcp/sync?force=1", uuid.New()))

	if !gotForce {
		t.Fatal("expected force=1 to be forwarded")
	}
}

func TestSyncAnnotatesPartialFailures(t *testing.T) {
	handler := newTestHandler(&serviceStub{
		sync: func(ctx context.Context, userID uuid.UUID, force bool) (*connection.Connection, []billing.Issue, error) {
			issues := []billing.Issue{{Resource: billing.ResourceBillingAccounts, Err: fmt.Errorf("%w: 503", gcp.ErrTransient)}}
			return connectedConnection(userID), issues, nil
		},
	})
	rec := httptest.NewRecorder()

	handler.Sync(rec, requestWithUser(http.MethodPost, "/api/gcp/sync", uuid.New()))

	body := decodeBody(t, rec)
	issues, ok := body["issues"].([]any)
	if !ok || len(issues) != 1 {
		t.Fatalf("expected one issue annotation, got %v", body["issues"])
	}
	issue := issues[0].(map[string]any)
	if issue["resource"] != "billing_accounts" || issue["code"] != "provider_unavailable" {
		t.Fatalf("unexpected issue annotation %v", issue)
	}
}

func TestSyncErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"not connected", connection.ErrNotConnected, http.StatusConflict, "not_connected"},
		{"reauth required", fmt.Errorf("%w: refresh token revoked", connection.ErrReauthRequired), http.StatusUnauthorized, "reauth_required"},
		{"api disabled", fmt.Errorf("%w: cloudbilling", gcp.ErrAPIDisabled), http.StatusFailedDependency, "api_not_enabled"},
		{"provider down", fmt.Errorf("%w: all resource fetches failed", gcp.ErrTransient), http.StatusBadGateway, "provider_unavailable"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			handler := newTestHandler(&serviceStub{
				sync: func(ctx context.Context, userID uuid.UUID, force bool) (*connection.Connection, []billing.Issue, error) {
					return nil, nil, tc.err
				},
			})
			rec := httptest.NewRecorder()

			handler.Sync(rec, requestWithUser(http.MethodPost, "/api/gcp/sync", uuid.New()))

			if rec.Code != tc.wantStatus {
				t.Fatalf("expected %d, got %d", tc.wantStatus, rec.Code)
			}
			body := decodeBody(t, rec)
			if body["code"] != tc.wantCode {
				t.Fatalf("expected code=%s, got %v", tc.wantCode, body["code"])
			}
		})
	}
}

func TestStatusWithoutConnection(t *testing.T) {
	handler := newTestHandler(&serviceStub{})
	rec := httptest.NewRecorder()

	handler.Status(rec, requestWithUser(http.MethodGet, "/api/gcp/status", uuid.New()))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["status"] != "disconnected" {
		t.Fatalf("expected disconnected, got %v", body["status"])
	}
}

func TestStatusWithConnection(t *testing.T) {
	handler := newTestHandler(&serviceStub{
		get: func(ctx context.Context, userID uuid.UUID) (*connection.Connection, error) {
			return connectedConnection(userID), nil
		},
	})
	rec := httptest.NewRecorder()

	handler.Status(rec, requestWithUser(http.MethodGet, "/api/gcp/status", uuid.New()))

	body := decodeBody(t, rec)
	if body["status"] != "connected" {
		t.Fatalf("expected connected, got %v", body["status"])
	}
	if _, ok := body["billingAccounts"]; !ok {
		t.Fatal("expected billing accounts in the status payload")
	}
}

func TestDisconnectReturnsNoContent(t *testing.T) {
	called := false
	handler := newTestHandler(&serviceStub{
		disconnect: func(ctx context.Context, userID uuid.UUID) error {
			called = true
			return nil
		},
	})
	rec := httptest.NewRecorder()

	handler.Disconnect(rec, requestWithUser(http.MethodDelete, "/api/gcp/connection", uuid.New()))

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if !called {
		t.Fatal("expected the service disconnect to be invoked")
	}
}

func TestUserMiddleware(t *testing.T) {
	userID := uuid.New()
	var seen uuid.UUID
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = UserFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	middleware := newUserMiddleware(ProxyHeaderResolver{})(next)

	r := httptest.NewRequest(http.MethodGet, "/api/gcp/status", nil)
	r.Header.Set("X-Authenticated-User", userID.String())
	rec := httptest.NewRecorder()
	middleware.ServeHTTP(rec, r)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if seen != userID {
		t.Fatalf("expected user %s in context, got %s", userID, seen)
	}

	// Missing or malformed header is rejected before the handler runs.
	rec = httptest.NewRecorder()
	middleware.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/gcp/status", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without the proxy header, got %d", rec.Code)
	}
}
