package gcp

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// StateTTL bounds how long an issued authorization state remains valid. It
// also bounds how long an abandoned OAuth flow remains exploitable.
const StateTTL = 10 * time.Minute

// statePayload is what gets signed into the state parameter: the initiating
// user, a single-use nonce, and the issuance time.
type statePayload struct {
	UserID   uuid.UUID `json:"u"`
	Nonce    string    `json:"n"`
	IssuedAt int64     `json:"t"`
}

// StateSigner mints and validates the opaque state parameter carried through
// the OAuth redirect. States are HMAC-signed, expire after StateTTL, and are
// single-use: a nonce is consumed on first successful validation.
type StateSigner struct {
	key []byte
	now func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewStateSigner creates a StateSigner keyed with the given secret.
func NewStateSigner(key []byte) (*StateSigner, error) {
	if len(key) == 0 {
		return nil, ErrConfiguration
	}
	return &StateSigner{
		key:  key,
		now:  time.Now,
		seen: make(map[string]time.Time),
	}, nil
}

// Mint issues a signed state bound to the given user.
func (s *StateSigner) Mint(userID uuid.UUID) (string, error) {
	nonceBytes := make([]byte, 16)
	if _, err := rand.Read(nonceBytes); err != nil {
		return "", fmt.Errorf("gcp: generate state nonce: %w", err)
	}

	payload := statePayload{
		UserID:   userID,
		Nonce:    base64.RawURLEncoding.EncodeToString(nonceBytes),
		IssuedAt: s.now().Unix(),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("gcp: marshal state: %w", err)
	}

	encoded := base64.RawURLEncoding.EncodeToString(body)
	return encoded + "." + s.sign(encoded), nil
}

// Validate checks the signature, freshness, and user binding of a received
// state, and consumes its nonce so the same state cannot be replayed.
func (s *StateSigner) Validate(state string, expectedUser uuid.UUID) bool {
	encoded, sig, ok := splitState(state)
	if !ok {
		return false
	}

	if subtle.ConstantTimeCompare([]byte(sig), []byte(s.sign(encoded))) != 1 {
		return false
	}

	body, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return false
	}

	var payload statePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return false
	}

	if payload.UserID != expectedUser || payload.Nonce == "" {
		return false
	}

	issued := time.Unix(payload.IssuedAt, 0)
	now := s.now()
	if issued.After(now) || now.Sub(issued) > StateTTL {
		return false
	}

	return s.consume(payload.Nonce, now)
}

func (s *StateSigner) sign(encoded string) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(encoded))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// consume records the nonce as used. Returns false on replay. Expired
// entries are purged opportunistically to keep the set bounded.
func (s *StateSigner) consume(nonce string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for n, at := range s.seen {
		if now.Sub(at) > StateTTL {
			delete(s.seen, n)
		}
	}

	if _, used := s.seen[nonce]; used {
		return false
	}
	s.seen[nonce] = now
	return true
}

// splitState splits "payload.signature". Neither half contains a dot since
// both are raw URL-safe base64.
func splitState(state string) (encoded, sig string, ok bool) {
	return strings.Cut(state, ".")
}
