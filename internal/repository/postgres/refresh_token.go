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

const refreshTokenColumns = `id, tenant_id, encrypted_token, token_hash, generation, usage_count, max_usage_count,
            active, revoked, revocation_reason, created_at, updated_at, revoked_at`

func scanRefreshToken(row pgx.Row) (model.RefreshToken, error) {
	var rt model.RefreshToken
	err := row.Scan(
		&rt.ID, &rt.TenantID, &rt.EncryptedToken, &rt.TokenHash, &rt.Generation, &rt.UsageCount, &rt.MaxUsageCount,
		&rt.Active, &rt.Revoked, &rt.RevocationReason, &rt.CreatedAt, &rt.UpdatedAt, &rt.RevokedAt,
	)
	return rt, err
}

func (r *CredentialRepository) ReplaceActiveRefreshToken(ctx context.Context, token model.RefreshToken, supersededReason string) error {
	const deactivate = `
        UPDATE refresh_tokens
        SET active = FALSE, revoked = TRUE, revocation_reason = $2, revoked_at = $3, updated_at = $3
        WHERE tenant_id = $1 AND active AND NOT revoked
    `
	const insert = `
        INSERT INTO refresh_tokens (
            id, tenant_id, encrypted_token, token_hash, generation, usage_count, max_usage_count,
            active, revoked, revocation_reason, created_at, updated_at
        ) VALUES ($1,$2,$3,$4,$5,$6,$7,TRUE,FALSE,'',$8,$8)
    `

	if token.ID == uuid.Nil {
		token.ID = uuid.New()
	}

	err := r.db.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, deactivate, token.TenantID, supersededReason, token.CreatedAt); err != nil {
			return fmt.Errorf("failed to deactivate refresh tokens: %w", err)
		}

		_, err := tx.Exec(ctx, insert,
			token.ID, token.TenantID, token.EncryptedToken, token.TokenHash, token.Generation,
			token.UsageCount, token.MaxUsageCount, token.CreatedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("failed to create refresh token: %w", model.ErrConflict)
			}
			return fmt.Errorf("failed to create refresh token: %w", err)
		}
		return nil
	})
	return err
}

func (r *CredentialRepository) GetActiveRefreshToken(ctx context.Context, tenantID string) (model.RefreshToken, error) {
	query := `
        SELECT ` + refreshTokenColumns + `
        FROM refresh_tokens
        WHERE tenant_id = $1 AND active AND NOT revoked
        ORDER BY generation DESC
        LIMIT 1
    `

	rt, err := scanRefreshToken(r.db.QueryRow(ctx, query, tenantID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.RefreshToken{}, model.ErrNotFound
		}
		return model.RefreshToken{}, fmt.Errorf("failed to get active refresh token: %w", err)
	}
	return rt, nil
}

func (r *CredentialRepository) GetRefreshTokenByHash(ctx context.Context, tenantID string, hash []byte) (model.RefreshToken, error) {
	query := `
        SELECT ` + refreshTokenColumns + `
        FROM refresh_tokens
        WHERE tenant_id = $1 AND token_hash = $2
        ORDER BY generation DESC
        LIMIT 1
    `

	rt, err := scanRefreshToken(r.db.QueryRow(ctx, query, tenantID, hash))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.RefreshToken{}, model.ErrNotFound
		}
		return model.RefreshToken{}, fmt.Errorf("failed to get refresh token by hash: %w", err)
	}
	return rt, nil
}

// IncrementRefreshUsage relies on SET expressions reading the pre-update row,
// so the limit check and the revoke happen in the same statement.
func (r *CredentialRepository) IncrementRefreshUsage(ctx context.Context, id uuid.UUID, at time.Time) (model.RefreshToken, error) {
	query := `
        UPDATE refresh_tokens SET
            usage_count = usage_count + 1,
            active = (usage_count + 1 < max_usage_count),
            revoked = (usage_count + 1 >= max_usage_count),
            revocation_reason = CASE WHEN usage_count + 1 >= max_usage_count THEN $2 ELSE revocation_reason END,
            revoked_at = CASE WHEN usage_count + 1 >= max_usage_count THEN $3 ELSE revoked_at END,
            updated_at = $3
        WHERE id = $1 AND NOT revoked AND usage_count < max_usage_count
        RETURNING ` + refreshTokenColumns

	rt, err := scanRefreshToken(r.db.QueryRow(ctx, query, id, model.RevocationUsageLimit, at))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.RefreshToken{}, model.ErrNotFound
		}
		return model.RefreshToken{}, fmt.Errorf("failed to increment refresh token usage: %w", err)
	}
	return rt, nil
}

func (r *CredentialRepository) RevokeRefreshToken(ctx context.Context, id uuid.UUID, reason string, at time.Time) error {
	const query = `
        UPDATE refresh_tokens
        SET active = FALSE, revoked = TRUE, revocation_reason = $2, revoked_at = $3, updated_at = $3
        WHERE id = $1 AND NOT revoked
    `
	if _, err := r.db.Exec(ctx, query, id, reason, at); err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	return nil
}

func (r *CredentialRepository) RevokeAllRefreshTokens(ctx context.Context, tenantID string, reason string, at time.Time) error {
	const query = `
        UPDATE refresh_tokens
        SET active = FALSE, revoked = TRUE, revocation_reason = $2, revoked_at = $3, updated_at = $3
        WHERE tenant_id = $1 AND NOT revoked
    `
	if _, err := r.db.Exec(ctx, query, tenantID, reason, at); err != nil {
		return fmt.Errorf("failed to revoke refresh tokens by tenant: %w", err)
	}
	return nil
}

func (r *CredentialRepository) MaxRefreshGeneration(ctx context.Context, tenantID string) (int, error) {
	const query = `SELECT COALESCE(MAX(generation), 0) FROM refresh_tokens WHERE tenant_id = $1`

	var gen int
	if err := r.db.QueryRow(ctx, query, tenantID).Scan(&gen); err != nil {
		return 0, fmt.Errorf("failed to get max refresh token generation: %w", err)
	}
	return gen, nil
}
