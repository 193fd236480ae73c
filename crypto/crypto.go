// Package crypto seals session tokens at rest with AES-256-GCM. Each sealed
// value is bound to the name it is stored under, so a ciphertext copied onto
// another row fails to open.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// KeyEnv names the environment variable holding the base64 encoded key.
const KeyEnv = "ENCRYPTION_KEY"

// ErrOpen is returned for any ciphertext that fails authentication.
var ErrOpen = errors.New("decryption failed: authentication or integrity check failed")

// Sealer encrypts and authenticates values. The additional data is not
// stored but must match between Seal and Open.
type Sealer interface {
	Seal(plaintext, additional []byte) ([]byte, error)
	Open(sealed, additional []byte) ([]byte, error)
	// KeyID identifies the key without revealing it.
	KeyID() string
}

// AESGCM implements Sealer with a 256-bit key.
type AESGCM struct {
	aead  cipher.AEAD
	keyID string
	rand  io.Reader
}

// NewAESGCM builds a sealer from a base64 encoded 32-byte key, e.g. the
// output of `openssl rand -base64 32`.
func NewAESGCM(base64Key string) (*AESGCM, error) {
	base64Key = strings.TrimSpace(base64Key)
	if base64Key == "" {
		return nil, fmt.Errorf("encryption key is empty")
	}
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: base64 decode failed: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid encryption key: must be 32 bytes (256 bits), got %d bytes", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	sum := sha256.Sum256(key)
	return &AESGCM{aead: aead, keyID: hex.EncodeToString(sum[:4]), rand: rand.Reader}, nil
}

// FromEnv returns a sealer for ENCRYPTION_KEY, or nil when the variable is
// unset.
func FromEnv() (*AESGCM, error) {
	v := os.Getenv(KeyEnv)
	if strings.TrimSpace(v) == "" {
		return nil, nil
	}
	return NewAESGCM(v)
}

// KeyID is the first four bytes of the key's SHA-256, hex encoded.
func (a *AESGCM) KeyID() string { return a.keyID }

// Seal returns nonce || ciphertext || tag.
func (a *AESGCM) Seal(plaintext, additional []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("plaintext is empty")
	}
	nonce := make([]byte, a.aead.NonceSize(), a.aead.NonceSize()+len(plaintext)+a.aead.Overhead())
	if _, err := io.ReadFull(a.rand, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return a.aead.Seal(nonce, nonce, plaintext, additional), nil
}

// Open reverses Seal. Every authentication failure maps to ErrOpen.
func (a *AESGCM) Open(sealed, additional []byte) ([]byte, error) {
	n := a.aead.NonceSize()
	if len(sealed) < n+a.aead.Overhead() {
		return nil, fmt.Errorf("ciphertext too short: expected at least %d bytes, got %d", n+a.aead.Overhead(), len(sealed))
	}
	plaintext, err := a.aead.Open(nil, sealed[:n], sealed[n:], additional)
	if err != nil {
		return nil, ErrOpen
	}
	return plaintext, nil
}

// SealString seals s for storage in a text column under name.
// Empty input stays empty.
func SealString(s Sealer, name, plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	sealed, err := s.Seal([]byte(plaintext), []byte(name))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// OpenString reverses SealString.
func OpenString(s Sealer, name, encoded string) (string, error) {
	if encoded == "" {
		return "", nil
	}
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("base64 decode failed: %w", err)
	}
	plaintext, err := s.Open(sealed, []byte(name))
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
