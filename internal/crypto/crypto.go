// Package crypto seals credentials before they reach the durable store.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"
)

var (
	// ErrInvalidKey indicates the sealing key is not 32 bytes (AES-256).
	ErrInvalidKey = errors.New("sealing key must be 32 bytes")
	// ErrInvalidCiphertext indicates the sealed value is too short or corrupted.
	ErrInvalidCiphertext = errors.New("sealed value too short")
	// ErrOpenFailed indicates unsealing failed (wrong key or corrupted data).
	ErrOpenFailed = errors.New("unseal failed")
)

// Sealer encrypts short secret strings with AES-256-GCM.
type Sealer struct {
	gcm cipher.AEAD
}

// ParseKey decodes a base64-encoded 32-byte sealing key.
func ParseKey(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	if len(key) != 32 {
		return nil, ErrInvalidKey
	}
	return key, nil
}

// NewSealer creates a Sealer from a 32-byte key.
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != 32 {
		return nil, ErrInvalidKey
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return &Sealer{gcm: gcm}, nil
}

// Seal encrypts plaintext and returns a base64-encoded value with the
// nonce prepended.
func (s *Sealer) Seal(plaintext string) (string, error) {
	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := s.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal.
func (s *Sealer) Open(encoded string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrInvalidCiphertext
	}

	nonceSize := s.gcm.NonceSize()
	if len(sealed) < nonceSize {
		return "", ErrInvalidCiphertext
	}

	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := s.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrOpenFailed
	}
	return string(plaintext), nil
}
