// Package crypto seals token material at rest with AES-256-GCM under a key
// derived from an external secret with argon2id.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

const keyLen = 32

// ErrMalformed is returned when a sealed value cannot be opened.
var ErrMalformed = errors.New("sealed value is malformed or was tampered with")

// KDFParams are the argon2id cost parameters.
type KDFParams struct {
	Time   uint32
	MemKiB uint32
	Par    uint8
	Salt   string
}

// Cipher seals and opens values bound to associated data.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives a key from secret and returns a ready Cipher.
func NewCipher(secret []byte, params KDFParams) (*Cipher, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("encryption secret is empty")
	}
	if params.Time == 0 || params.MemKiB == 0 || params.Par == 0 {
		return nil, fmt.Errorf("invalid kdf params: time, memory and parallelism must be positive")
	}

	key := argon2.IDKey(secret, []byte(params.Salt), params.Time, params.MemKiB, params.Par, keyLen)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Cipher{aead: aead}, nil
}

// Seal encrypts plaintext and returns nonce|ciphertext. aad is authenticated
// but not stored; Open must be given the same value.
func (c *Cipher) Seal(plaintext, aad []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, aad), nil
}

// Open reverses Seal.
func (c *Cipher) Open(sealed, aad []byte) ([]byte, error) {
	nonceSize := c.aead.NonceSize()
	if len(sealed) < nonceSize+c.aead.Overhead() {
		return nil, ErrMalformed
	}
	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrMalformed
	}
	return plaintext, nil
}

// Fingerprint returns the SHA-256 digest used to look up a token without
// decrypting stored rows.
func Fingerprint(token string) []byte {
	h := sha256.Sum256([]byte(token))
	return h[:]
}
