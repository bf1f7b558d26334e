// Package secretstore decrypts the broker API password at rest, per the
// spec's Design Notes: "The API password should be stored encrypted at
// rest; decryption happens once at Supervisor init."
package secretstore

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Store holds the operator-supplied 32-byte key used to decrypt secrets
// loaded from configuration. It is constructed once at Supervisor init and
// the decrypted plaintext is never logged or persisted elsewhere.
type Store struct {
	aead chacha20poly1305.AEAD
}

// New builds a Store from a 32-byte key, typically sourced from an
// environment variable rather than the config file itself.
func New(key []byte) (*Store, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("secretstore: invalid key: %w", err)
	}
	return &Store{aead: aead}, nil
}

// Decrypt reverses Encrypt: sealed is base64(nonce || ciphertext).
func (s *Store) Decrypt(sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("secretstore: decode: %w", err)
	}
	if len(raw) < s.aead.NonceSize() {
		return "", fmt.Errorf("secretstore: ciphertext too short")
	}
	nonce, ciphertext := raw[:s.aead.NonceSize()], raw[s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("secretstore: decrypt: %w", err)
	}
	return string(plaintext), nil
}

// Encrypt is provided for the operator tooling that prepares the config
// file; the running controller only ever calls Decrypt.
func (s *Store) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("secretstore: nonce: %w", err)
	}
	sealed := s.aead.Seal(nil, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(append(nonce, sealed...)), nil
}
