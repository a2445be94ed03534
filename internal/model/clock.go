package model

import (
	"context"
	"time"
)

// Clock abstracts wall time so time-based transitions can be tested.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real wall clock.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }

// KeyProvider supplies the secret the vault derives its encryption key from.
type KeyProvider interface {
	Secret(ctx context.Context) ([]byte, error)
}

// StaticKey is a KeyProvider backed by a fixed secret.
type StaticKey []byte

// Secret returns the configured secret.
func (k StaticKey) Secret(_ context.Context) ([]byte, error) {
	if len(k) == 0 {
		return nil, NewValidationError("vault secret", "must not be empty")
	}
	return []byte(k), nil
}
