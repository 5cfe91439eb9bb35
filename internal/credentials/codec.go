package credentials

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Codec errors.
var (
	// ErrNoKey indicates the codec was constructed without key material.
	// The service refuses to store credentials unkeyed.
	ErrNoKey = errors.New("credentials: encryption key not configured")

	// ErrEncrypt indicates the bundle could not be sealed.
	ErrEncrypt = errors.New("credentials: encrypt failed")

	// ErrDecrypt indicates tampered, truncated, or otherwise malformed
	// ciphertext. Stored credentials hitting this are unrecoverable and the
	// connection must be re-authorized.
	ErrDecrypt = errors.New("credentials: decrypt failed")
)

// payloadTag is the associated data bound into every ciphertext so sealed
// token bundles cannot be repurposed as some other payload class.
const payloadTag = "greenops/token-bundle/v1"

// hkdfInfo domain-separates the derived AEAD key from other uses of the
// configured master key.
const hkdfInfo = "greenops-credential-codec"

// Codec seals and opens token bundles for at-rest storage using
// XChaCha20-Poly1305 with a per-call random nonce.
type Codec struct {
	aead cipher.AEAD
}

// NewCodec derives the AEAD key from the configured master key via
// HKDF-SHA256. The master key must be non-empty; an unkeyed codec is refused
// rather than degrading to plaintext.
func NewCodec(masterKey []byte) (*Codec, error) {
	if len(masterKey) == 0 {
		return nil, ErrNoKey
	}

	hk := hkdf.New(sha256.New, masterKey, nil, []byte(hkdfInfo))
	aeadKey := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hk, aeadKey); err != nil {
		return nil, fmt.Errorf("credentials: derive key: %w", err)
	}

	aead, err := chacha20poly1305.NewX(aeadKey)
	if err != nil {
		return nil, fmt.Errorf("credentials: init cipher: %w", err)
	}

	return &Codec{aead: aead}, nil
}

// Encrypt seals the bundle. The random nonce is prefixed to the returned
// ciphertext.
func (c *Codec) Encrypt(bundle TokenBundle) ([]byte, error) {
	plaintext, err := json.Marshal(bundle)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal bundle: %v", ErrEncrypt, err)
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: nonce: %v", ErrEncrypt, err)
	}

	ciphertext := c.aead.Seal(nil, nonce, plaintext, []byte(payloadTag))
	return append(nonce, ciphertext...), nil
}

// Decrypt opens nonce-prefixed ciphertext produced by Encrypt. Any
// tampering, truncation, or key mismatch yields ErrDecrypt.
func (c *Codec) Decrypt(data []byte) (TokenBundle, error) {
	ns := c.aead.NonceSize()
	if len(data) < ns+c.aead.Overhead() {
		return TokenBundle{}, fmt.Errorf("%w: ciphertext too short (%d bytes)", ErrDecrypt, len(data))
	}

	nonce, ciphertext := data[:ns], data[ns:]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, []byte(payloadTag))
	if err != nil {
		return TokenBundle{}, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}

	var bundle TokenBundle
	if err := json.Unmarshal(plaintext, &bundle); err != nil {
		return TokenBundle{}, fmt.Errorf("%w: unmarshal bundle: %v", ErrDecrypt, err)
	}

	return bundle, nil
}
