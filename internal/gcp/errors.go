package gcp

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
)

// Error taxonomy for the Google Cloud boundary.
var (
	// ErrConfiguration indicates missing OAuth client credentials. Fatal for
	// the flow, not retryable.
	ErrConfiguration = errors.New("gcp: oauth client not configured")

	// ErrAuthorization indicates the user denied consent or the callback
	// state was invalid. The flow must be restarted from the beginning.
	ErrAuthorization = errors.New("gcp: authorization failed")

	// ErrTokenExchange indicates Google rejected the authorization code
	// (expired, already used, or redirect mismatch).
	ErrTokenExchange = errors.New("gcp: code exchange rejected")

	// ErrRefresh indicates the refresh token has been revoked or consent was
	// withdrawn. Re-authorization is required.
	ErrRefresh = errors.New("gcp: token refresh rejected")

	// ErrUnauthorized indicates a resource API rejected the access token.
	ErrUnauthorized = errors.New("gcp: unauthorised (invalid credentials)")

	// ErrAPIDisabled indicates a required API is not enabled on the Google
	// account or project. Distinct from a credential problem; the caller can
	// surface remediation guidance.
	ErrAPIDisabled = errors.New("gcp: required API is not enabled for this account")

	// ErrTransient indicates a network failure, timeout, or 5xx response.
	// Retryable without re-authorization.
	ErrTransient = errors.New("gcp: transient provider failure")
)

// IsUnauthorized returns true if the error indicates invalid or expired
// credentials on a resource API call.
func IsUnauthorized(err error) bool {
	if errors.Is(err, ErrUnauthorized) {
		return true
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		if gerr.Code == http.StatusUnauthorized {
			return true
		}
		return gerr.Code == http.StatusForbidden && !isAPIDisabled(gerr)
	}
	return false
}

// IsAPIDisabled returns true if the error indicates the called API has not
// been enabled for the account's project.
func IsAPIDisabled(err error) bool {
	if errors.Is(err, ErrAPIDisabled) {
		return true
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == http.StatusForbidden && isAPIDisabled(gerr)
	}
	return false
}

// IsTransient returns true for failures worth retrying with the same
// credentials: 5xx responses, rate limiting, timeouts, and network errors.
func IsTransient(err error) bool {
	if errors.Is(err, ErrTransient) {
		return true
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code >= http.StatusInternalServerError || gerr.Code == http.StatusTooManyRequests
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr)
}

func isAPIDisabled(gerr *googleapi.Error) bool {
	for _, item := range gerr.Errors {
		if item.Reason == "accessNotConfigured" {
			return true
		}
	}
	msg := strings.ToLower(gerr.Message)
	return strings.Contains(msg, "has not been used in project") ||
		strings.Contains(msg, "is disabled")
}

// WrapError converts a Google API error into the matching sentinel so
// callers can classify with errors.Is. Unrecognized errors pass through.
func WrapError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case IsAPIDisabled(err):
		return ErrAPIDisabled
	case IsUnauthorized(err):
		return ErrUnauthorized
	case IsTransient(err):
		return ErrTransient
	default:
		return err
	}
}

// isPermanentRefreshError reports whether a refresh failure means the grant
// itself is dead (revoked token, withdrawn consent) rather than a transient
// provider problem.
func isPermanentRefreshError(err error) bool {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		switch rerr.ErrorCode {
		case "invalid_grant", "invalid_client", "unauthorized_client":
			return true
		}
		if rerr.Response != nil && rerr.Response.StatusCode >= http.StatusInternalServerError {
			return false
		}
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"invalid_grant",
		"invalid_client",
		"unauthorized_client",
		"token has been expired or revoked",
		"revoked",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
