package model

import (
	"time"

	"github.com/google/uuid"
)

// Revocation reasons recorded on refresh token records.
const (
	RevocationRotated      = "rotated"
	RevocationUsageLimit   = "usage_limit_exceeded"
	RevocationSuperseded   = "superseded"
	RevocationInvalidGrant = "invalid_grant"
)

// DefaultMaxUsageCount makes refresh tokens single-use unless configured otherwise.
const DefaultMaxUsageCount = 1

// RefreshToken is one generation in a tenant's refresh token chain.
// EncryptedToken is what the store persists; Token is only populated by the
// vault after decryption and is never written.
type RefreshToken struct {
	ID               uuid.UUID
	TenantID         string
	Token            string
	EncryptedToken   []byte
	TokenHash        []byte
	Generation       int
	UsageCount       int
	MaxUsageCount    int
	Active           bool
	Revoked          bool
	RevocationReason string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	RevokedAt        *time.Time
}

// Exhausted reports whether the record has no uses left.
func (t RefreshToken) Exhausted() bool {
	return t.UsageCount >= t.MaxUsageCount
}

// Usable reports whether the record may still be presented to the provider.
func (t RefreshToken) Usable() bool {
	return t.Active && !t.Revoked && !t.Exhausted()
}
