package model

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ClientCredentials is the OAuth client registration a tenant authorizes with.
type ClientCredentials struct {
	TenantID              string
	ClientID              string
	ClientSecret          string
	EncryptedClientID     []byte
	EncryptedClientSecret []byte
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// CredentialStore persists encrypted token material.
type CredentialStore interface {
	CreateAccessToken(ctx context.Context, token AccessToken) error
	// GetLatestAccessToken returns the newest record for the tenant that has
	// not expired at now.
	GetLatestAccessToken(ctx context.Context, tenantID string, now time.Time) (AccessToken, error)
	DeleteAccessTokensByTenant(ctx context.Context, tenantID string) error
	DeleteExpiredAccessTokens(ctx context.Context, before time.Time) (int64, error)

	// ReplaceActiveRefreshToken deactivates every active record of the tenant
	// (revoking it with supersededReason) and inserts token in one transaction.
	ReplaceActiveRefreshToken(ctx context.Context, token RefreshToken, supersededReason string) error
	GetActiveRefreshToken(ctx context.Context, tenantID string) (RefreshToken, error)
	GetRefreshTokenByHash(ctx context.Context, tenantID string, hash []byte) (RefreshToken, error)
	// IncrementRefreshUsage adds one use and, when the new count reaches the
	// maximum, revokes the record in the same statement. Returns ErrNotFound
	// when the record is revoked or already exhausted.
	IncrementRefreshUsage(ctx context.Context, id uuid.UUID, at time.Time) (RefreshToken, error)
	// RevokeRefreshToken and RevokeAllRefreshTokens leave already revoked
	// records untouched.
	RevokeRefreshToken(ctx context.Context, id uuid.UUID, reason string, at time.Time) error
	RevokeAllRefreshTokens(ctx context.Context, tenantID string, reason string, at time.Time) error
	MaxRefreshGeneration(ctx context.Context, tenantID string) (int, error)

	UpsertClientCredentials(ctx context.Context, creds ClientCredentials) error
	GetClientCredentials(ctx context.Context, tenantID string) (ClientCredentials, error)
	DeleteClientCredentials(ctx context.Context, tenantID string) error
}
