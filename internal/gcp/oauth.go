package gcp

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"greenops/internal/credentials"
)

const (
	// Fixed scope set: billing read, project listing read, basic profile.
	scopeBillingRead  = "https://www.googleapis.com/auth/cloud-billing.readonly"
	scopePlatformRead = "https://www.googleapis.com/auth/cloud-platform.read-only"

	revokeURL = "https://oauth2.googleapis.com/revoke"

	// defaultTokenLifetime is assumed when Google omits an expiry from the
	// token response. Conservative: access tokens are normally 1 hour.
	defaultTokenLifetime = time.Hour

	revokeTimeout = 10 * time.Second
)

// Identity is the verified account identity extracted from the ID token
// issued alongside the code exchange.
type Identity struct {
	Subject       string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
}

// Authenticator handles the Google OAuth 2.0 / OIDC connection flow for
// cloud billing access.
type Authenticator struct {
	config   *oauth2.Config
	verifier *oidc.IDTokenVerifier
	client   *http.Client
	now      func() time.Time
}

// NewAuthenticator creates an Authenticator. Missing client credentials are
// refused up front rather than failing on the first redirect.
func NewAuthenticator(ctx context.Context, clientID, clientSecret, redirectURL string) (*Authenticator, error) {
	if strings.TrimSpace(clientID) == "" || strings.TrimSpace(clientSecret) == "" {
		return nil, ErrConfiguration
	}

	provider, err := oidc.NewProvider(ctx, "https://accounts.google.com")
	if err != nil {
		return nil, fmt.Errorf("oidc provider: %w", err)
	}

	config := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Endpoint:     google.Endpoint,
		Scopes:       []string{oidc.ScopeOpenID, "email", "profile", scopeBillingRead, scopePlatformRead},
	}

	verifier := provider.Verifier(&oidc.Config{ClientID: clientID})

	return &Authenticator{
		config:   config,
		verifier: verifier,
		client:   &http.Client{Timeout: revokeTimeout},
		now:      time.Now,
	}, nil
}

// AuthURL generates the Google consent URL with the given state. Offline
// access plus forced re-consent guarantees a refresh token is issued even on
// repeat authorizations.
func (a *Authenticator) AuthURL(state string) string {
	return a.config.AuthCodeURL(
		state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	)
}

// Exchange trades the authorization code for a token bundle and the verified
// account identity from the accompanying ID token.
func (a *Authenticator) Exchange(ctx context.Context, code string) (credentials.TokenBundle, *Identity, error) {
	token, err := a.config.Exchange(ctx, code)
	if err != nil {
		return credentials.TokenBundle{}, nil, fmt.Errorf("%w: %v", ErrTokenExchange, err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		return credentials.TokenBundle{}, nil, fmt.Errorf("%w: no id_token in response", ErrTokenExchange)
	}

	idToken, err := a.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return credentials.TokenBundle{}, nil, fmt.Errorf("%w: verify id_token: %v", ErrTokenExchange, err)
	}

	var identity Identity
	if err := idToken.Claims(&identity); err != nil {
		return credentials.TokenBundle{}, nil, fmt.Errorf("%w: parse claims: %v", ErrTokenExchange, err)
	}

	return a.toBundle(token), &identity, nil
}

// Refresh obtains a fresh access token using the stored refresh token. The
// original refresh token is preserved unless Google rotates it. Failures are
// classified: revoked grants and withdrawn consent come back as ErrRefresh,
// provider hiccups as ErrTransient.
func (a *Authenticator) Refresh(ctx context.Context, refreshToken string) (credentials.TokenBundle, error) {
	if refreshToken == "" {
		return credentials.TokenBundle{}, fmt.Errorf("%w: no refresh token granted", ErrRefresh)
	}

	source := a.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		if isPermanentRefreshError(err) {
			return credentials.TokenBundle{}, fmt.Errorf("%w: %v", ErrRefresh, err)
		}
		return credentials.TokenBundle{}, fmt.Errorf("%w: refresh: %v", ErrTransient, err)
	}

	bundle := a.toBundle(token)
	if bundle.RefreshToken == "" {
		bundle.RefreshToken = refreshToken
	}
	return bundle, nil
}

// Revoke invalidates the token at Google. Best-effort: the caller logs
// failures but never blocks a disconnect on them.
func (a *Authenticator) Revoke(ctx context.Context, accessToken string) error {
	ctx, cancel := context.WithTimeout(ctx, revokeTimeout)
	defer cancel()

	form := url.Values{"token": {accessToken}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, revokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("revoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("revoke: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("revoke: status %d", resp.StatusCode)
	}
	return nil
}

// TokenSource returns an oauth2.TokenSource serving the bundle's access
// token verbatim, for use with option.WithTokenSource. Refresh is handled
// upstream so the source never refreshes on its own.
func (a *Authenticator) TokenSource(bundle credentials.TokenBundle) oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: bundle.AccessToken,
		TokenType:   bundle.TokenType,
	})
}

func (a *Authenticator) toBundle(token *oauth2.Token) credentials.TokenBundle {
	expiresAt := token.Expiry
	if expiresAt.IsZero() {
		expiresAt = a.now().Add(defaultTokenLifetime)
	}

	return credentials.TokenBundle{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
		Scopes:       a.config.Scopes,
		ExpiresAt:    expiresAt,
	}
}
