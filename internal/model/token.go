package model

import (
	"time"

	"github.com/google/uuid"
)

// AccessToken is an issued upstream access token. Records are superseded by
// newer ones and never mutated; expired records are filtered at read time.
type AccessToken struct {
	ID             uuid.UUID
	TenantID       string
	Token          string
	EncryptedToken []byte
	TokenType      string
	Scope          string
	ExpiresAt      time.Time
	CreatedAt      time.Time
}

// ValidAt reports whether the token is still valid at t.
func (t AccessToken) ValidAt(at time.Time) bool {
	return at.Before(t.ExpiresAt)
}
