// Package secrets encrypts per-user API keys at rest with AES-256-GCM. Keys
// never leave the resolver layer in plaintext except as a transient field on
// an outgoing LLM-config record.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
)

const nonceSize = 12

// devKeySeed derives the deterministic development fallback key when
// ENCRYPTION_KEY is unset. Never rely on it in production.
const devKeySeed = "forgepilot-dev-encryption-key"

// Cipher performs AES-256-GCM encryption with a 32-byte key.
type Cipher struct {
	gcm cipher.AEAD
}

// NewCipher builds a cipher from 32 bytes of key material.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, err
	}

	return &Cipher{gcm: gcm}, nil
}

// KeyFromEnv resolves key material from ENCRYPTION_KEY, accepting either a
// base64-encoded or raw 32-byte value, with a deterministic development
// fallback when the variable is unset.
func KeyFromEnv() []byte {
	raw := os.Getenv("ENCRYPTION_KEY")
	if raw == "" {
		sum := sha256.Sum256([]byte(devKeySeed))
		return sum[:]
	}
	if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil && len(decoded) == 32 {
		return decoded
	}
	if len(raw) == 32 {
		return []byte(raw)
	}
	// Whatever the operator provided, make it usable.
	sum := sha256.Sum256([]byte(raw))
	return sum[:]
}

// EncryptedBlob wraps nonce || ciphertext || tag. Its wire form is the
// base64 encoding of that concatenation.
type EncryptedBlob struct {
	data []byte
}

// ParseBlob decodes the base64 wire form.
func ParseBlob(encoded string) (EncryptedBlob, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return EncryptedBlob{}, fmt.Errorf("decode blob: %w", err)
	}
	if len(data) < nonceSize {
		return EncryptedBlob{}, errors.New("blob too short")
	}
	return EncryptedBlob{data: data}, nil
}

// String returns the base64 wire form for storage in a relational column.
func (b EncryptedBlob) String() string {
	return base64.StdEncoding.EncodeToString(b.data)
}

// Encrypt seals a plaintext under a fresh random nonce. Two encryptions of
// the same plaintext produce different blobs.
func (c *Cipher) Encrypt(plaintext string) (EncryptedBlob, error) {
	if plaintext == "" {
		return EncryptedBlob{}, errors.New("refusing to encrypt empty plaintext")
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return EncryptedBlob{}, err
	}

	sealed := c.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return EncryptedBlob{data: sealed}, nil
}

// Decrypt opens the blob. A wrong key or corrupted blob fails cleanly.
func (b EncryptedBlob) Decrypt(c *Cipher) (string, error) {
	if len(b.data) < nonceSize {
		return "", errors.New("blob too short")
	}
	nonce, ciphertext := b.data[:nonceSize], b.data[nonceSize:]
	plaintext, err := c.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}
