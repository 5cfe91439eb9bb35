package http

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"greenops/internal/billing"
	"greenops/internal/connection"
	"greenops/internal/gcp"
)

// settingsPath is the frontend page users land on after the OAuth flow.
const settingsPath = "/settings/cloud"

type connectionService interface {
	BeginConnect(userID uuid.UUID) (string, error)
	CompleteConnect(ctx context.Context, userID uuid.UUID, code, state string) (*connection.Connection, error)
	Sync(ctx context.Context, userID uuid.UUID, force bool) (*connection.Connection, []billing.Issue, error)
	Disconnect(ctx context.Context, userID uuid.UUID) error
	Get(ctx context.Context, userID uuid.UUID) (*connection.Connection, error)
}

// GCPHandler exposes the Google Cloud connection endpoints.
type GCPHandler struct {
	service     connectionService
	logger      *slog.Logger
	frontendURL string
}

// NewGCPHandler creates a new GCPHandler.
func NewGCPHandler(service connectionService, frontendURL string, logger *slog.Logger) *GCPHandler {
	return &GCPHandler{
		service:     service,
		logger:      logger,
		frontendURL: strings.TrimSuffix(frontendURL, "/"),
	}
}

// Connect handles GET /api/gcp/connect
// Redirects the user to Google's consent screen with a signed state.
func (h *GCPHandler) Connect(w http.ResponseWriter, r *http.Request) {
	userID := UserFromContext(r.Context())

	authURL, err := h.service.BeginConnect(userID)
	if err != nil {
		h.logger.Error("failed to begin connect flow", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	http.Redirect(w, r, authURL, http.StatusTemporaryRedirect)
}

// Callback handles GET /api/gcp/callback
// Validates the state, exchanges the code, and persists the connection. The
// outcome is always a redirect back to the frontend carrying a stable status
// code; no exception escapes to the transport layer and raw provider error
// bodies are never forwarded.
func (h *GCPHandler) Callback(w http.ResponseWriter, r *http.Request) {
	userID := UserFromContext(r.Context())
	query := r.URL.Query()

	if errParam := query.Get("error"); errParam != "" {
		h.logger.Warn("gcp callback: provider error", "user_id", userID, "error", errParam)
		if errParam == "access_denied" {
			h.redirectWithStatus(w, r, "consent_denied", "Google access was not granted.")
			return
		}
		h.redirectWithStatus(w, r, "provider_error", "Google reported an authorization problem.")
		return
	}

	code := query.Get("code")
	state := query.Get("state")
	if code == "" || state == "" {
		h.redirectWithStatus(w, r, "invalid_request", "Missing authorization parameters.")
		return
	}

	conn, err := h.service.CompleteConnect(r.Context(), userID, code, state)
	if err != nil {
		h.logger.Error("gcp callback failed", "user_id", userID, "error", err)
		code, message := callbackFailure(err)
		h.redirectWithStatus(w, r, code, message)
		return
	}

	h.logger.Info("gcp callback completed", "user_id", userID, "account", snapshotEmail(conn))
	h.redirectWithStatus(w, r, "connected", "")
}

// Sync handles POST /api/gcp/sync
// Re-synchronizes the snapshot; ?force=1 bypasses the snapshot cache.
func (h *GCPHandler) Sync(w http.ResponseWriter, r *http.Request) {
	userID := UserFromContext(r.Context())
	force := r.URL.Query().Get("force") == "1"

	conn, issues, err := h.service.Sync(r.Context(), userID, force)
	if err != nil {
		h.writeSyncError(w, userID, err)
		return
	}

	writeJSON(w, http.StatusOK, connectionPayload(conn, issues))
}

// Status handles GET /api/gcp/status
func (h *GCPHandler) Status(w http.ResponseWriter, r *http.Request) {
	userID := UserFromContext(r.Context())

	conn, err := h.service.Get(r.Context(), userID)
	if err != nil {
		h.logger.Error("load connection status", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load connection status")
		return
	}
	if conn == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": string(connection.StatusDisconnected)})
		return
	}

	writeJSON(w, http.StatusOK, connectionPayload(conn, nil))
}

// Disconnect handles DELETE /api/gcp/connection
// Best-effort remote revocation; the local disconnect always succeeds.
func (h *GCPHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	userID := UserFromContext(r.Context())

	if err := h.service.Disconnect(r.Context(), userID); err != nil {
		h.logger.Error("disconnect failed", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to disconnect")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *GCPHandler) writeSyncError(w http.ResponseWriter, userID uuid.UUID, err error) {
	switch {
	case errors.Is(err, connection.ErrNotConnected):
		writeJSON(w, http.StatusConflict, map[string]string{
			"error": "no active connection",
			"code":  "not_connected",
		})
	case errors.Is(err, connection.ErrReauthRequired):
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"error": "Google access has expired; please reconnect your account",
			"code":  "reauth_required",
		})
	case errors.Is(err, gcp.ErrAPIDisabled):
		writeJSON(w, http.StatusFailedDependency, map[string]string{
			"error": "a required Google Cloud API is not enabled; enable the Cloud Billing and Resource Manager APIs and retry",
			"code":  "api_not_enabled",
		})
	case errors.Is(err, gcp.ErrTransient):
		writeJSON(w, http.StatusBadGateway, map[string]string{
			"error": "Google Cloud is temporarily unreachable; retry shortly",
			"code":  "provider_unavailable",
		})
	default:
		h.logger.Error("sync failed", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "sync failed")
	}
}

// redirectWithStatus sends the browser back to the frontend settings page
// with a machine-readable status code.
func (h *GCPHandler) redirectWithStatus(w http.ResponseWriter, r *http.Request, code, message string) {
	target := h.frontendURL + settingsPath + "?status=" + url.QueryEscape(code)
	if message != "" {
		target += "&message=" + url.QueryEscape(message)
	}
	http.Redirect(w, r, target, http.StatusTemporaryRedirect)
}

// callbackFailure maps a connect error to a stable status code and a
// human-readable detail for the frontend.
func callbackFailure(err error) (code, message string) {
	switch {
	case errors.Is(err, gcp.ErrAuthorization):
		return "invalid_state", "The authorization attempt expired or was invalid. Please try again."
	case errors.Is(err, gcp.ErrTokenExchange):
		return "exchange_failed", "Google rejected the authorization. Please try again."
	case errors.Is(err, gcp.ErrAPIDisabled):
		return "api_not_enabled", "A required Google Cloud API is not enabled for your account."
	case errors.Is(err, gcp.ErrTransient):
		return "provider_unavailable", "Google Cloud is temporarily unreachable. Please try again."
	default:
		return "internal_error", "Failed to complete the connection."
	}
}

func connectionPayload(conn *connection.Connection, issues []billing.Issue) map[string]any {
	payload := map[string]any{
		"status": string(conn.Status),
	}
	if !conn.LastSync.IsZero() {
		payload["lastSync"] = conn.LastSync.Format(time.RFC3339)
	}
	if conn.Snapshot != nil {
		payload["accountEmail"] = conn.Snapshot.AccountEmail
		payload["billingAccounts"] = conn.Snapshot.BillingAccounts
		payload["projects"] = conn.Snapshot.Projects
	}
	if len(issues) > 0 {
		annotations := make([]map[string]string, 0, len(issues))
		for _, issue := range issues {
			annotations = append(annotations, map[string]string{
				"resource": string(issue.Resource),
				"code":     issueCode(issue.Err),
			})
		}
		payload["issues"] = annotations
	}
	return payload
}

func issueCode(err error) string {
	switch {
	case gcp.IsAPIDisabled(err):
		return "api_not_enabled"
	case gcp.IsTransient(err):
		return "provider_unavailable"
	default:
		return "fetch_failed"
	}
}

func snapshotEmail(conn *connection.Connection) string {
	if conn == nil || conn.Snapshot == nil {
		return ""
	}
	return conn.Snapshot.AccountEmail
}
