package credentials

import (
	"time"
)

// ExpiryMargin is subtracted from a bundle's lifetime when deciding whether
// it is still safe to use: a token that would expire mid-request is treated
// as already expired.
const ExpiryMargin = 5 * time.Minute

// TokenBundle holds the OAuth tokens granted for a connected Google account.
type TokenBundle struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type"`
	Scopes       []string  `json:"scopes,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// IsExpired reports whether the access token is expired or will expire
// within ExpiryMargin of now.
func (b TokenBundle) IsExpired(now time.Time) bool {
	if b.ExpiresAt.IsZero() {
		return true
	}
	return !now.Add(ExpiryMargin).Before(b.ExpiresAt)
}

// CanRefresh reports whether the bundle carries a refresh token. A bundle
// without one cannot be silently renewed and forces re-authorization once
// the access token expires.
func (b TokenBundle) CanRefresh() bool {
	return b.RefreshToken != ""
}
