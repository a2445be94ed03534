package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/dtroode/deskauth/internal/model"
)

var _ model.CredentialStore = (*CredentialRepository)(nil)

// CredentialRepository stores access tokens, refresh token chains and
// tenant client credentials.
type CredentialRepository struct {
	db *Connection
}

func NewCredentialRepository(db *Connection) *CredentialRepository {
	return &CredentialRepository{db: db}
}

func (r *CredentialRepository) CreateAccessToken(ctx context.Context, token model.AccessToken) error {
	const query = `
        INSERT INTO access_tokens (id, tenant_id, encrypted_token, token_type, scope, expires_at, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7)
    `

	if token.ID == uuid.Nil {
		token.ID = uuid.New()
	}

	_, err := r.db.Exec(ctx, query,
		token.ID, token.TenantID, token.EncryptedToken, token.TokenType, token.Scope, token.ExpiresAt, token.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create access token: %w", err)
	}
	return nil
}

func (r *CredentialRepository) GetLatestAccessToken(ctx context.Context, tenantID string, now time.Time) (model.AccessToken, error) {
	const query = `
        SELECT id, tenant_id, encrypted_token, token_type, scope, expires_at, created_at
        FROM access_tokens
        WHERE tenant_id = $1 AND expires_at > $2
        ORDER BY created_at DESC, expires_at DESC
        LIMIT 1
    `

	var t model.AccessToken
	err := r.db.QueryRow(ctx, query, tenantID, now).Scan(
		&t.ID, &t.TenantID, &t.EncryptedToken, &t.TokenType, &t.Scope, &t.ExpiresAt, &t.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AccessToken{}, model.ErrNotFound
		}
		return model.AccessToken{}, fmt.Errorf("failed to get access token: %w", err)
	}
	return t, nil
}

func (r *CredentialRepository) DeleteAccessTokensByTenant(ctx context.Context, tenantID string) error {
	const query = `DELETE FROM access_tokens WHERE tenant_id = $1`

	if _, err := r.db.Exec(ctx, query, tenantID); err != nil {
		return fmt.Errorf("failed to delete access tokens: %w", err)
	}
	return nil
}

func (r *CredentialRepository) DeleteExpiredAccessTokens(ctx context.Context, before time.Time) (int64, error) {
	const query = `DELETE FROM access_tokens WHERE expires_at < $1`

	tag, err := r.db.Exec(ctx, query, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired access tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}
