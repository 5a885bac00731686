// Package crypto seals database passwords so they can sit in environment
// files and secret stores without being readable.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// SealedPrefix marks a sealed value. Values without it are plaintext.
const SealedPrefix = "enc:"

var (
	// ErrInvalidKey is returned when the key is empty.
	ErrInvalidKey = errors.New("invalid credentials key: must not be empty")
	// ErrDecryptionFailed is returned for malformed sealed values or a wrong key.
	ErrDecryptionFailed = errors.New("decryption failed: invalid sealed value or wrong key")
)

// PasswordSealer seals and opens passwords with AES-256-GCM.
type PasswordSealer struct {
	aead cipher.AEAD
}

// NewPasswordSealer derives the AES key from key. A base64 string decoding
// to exactly 32 bytes is used as is (openssl rand -base64 32); anything
// else is treated as a passphrase and hashed with SHA-256.
func NewPasswordSealer(key string) (*PasswordSealer, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}

	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil || len(raw) != 32 {
		sum := sha256.Sum256([]byte(key))
		raw = sum[:]
	}

	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &PasswordSealer{aead: aead}, nil
}

// IsSealed reports whether value carries SealedPrefix.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, SealedPrefix)
}

// Seal returns SealedPrefix + base64(nonce || ciphertext || tag).
// An empty password stays empty.
func (s *PasswordSealer) Seal(password string) (string, error) {
	if password == "" {
		return "", nil
	}

	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(password), nil)
	return SealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open returns the password in value. Plaintext values are returned unchanged.
func (s *PasswordSealer) Open(value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, SealedPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: base64 decode failed", ErrDecryptionFailed)
	}

	nonceSize := s.aead.NonceSize()
	if len(data) < nonceSize+s.aead.Overhead() {
		return "", fmt.Errorf("%w: sealed value too short", ErrDecryptionFailed)
	}

	plaintext, err := s.aead.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: authentication failed", ErrDecryptionFailed)
	}
	return string(plaintext), nil
}
