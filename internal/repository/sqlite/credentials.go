package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dtroode/deskauth/internal/model"
)

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) CreateAccessToken(ctx context.Context, token model.AccessToken) error {
	const query = `
		INSERT INTO access_tokens (id, tenant_id, encrypted_token, token_type, scope, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	if token.ID == uuid.Nil {
		token.ID = uuid.New()
	}

	_, err := s.db.ExecContext(ctx, query,
		token.ID.String(), token.TenantID, token.EncryptedToken, token.TokenType, token.Scope,
		toNanos(token.ExpiresAt), toNanos(token.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create access token: %w", err)
	}
	return nil
}

func (s *Store) GetLatestAccessToken(ctx context.Context, tenantID string, now time.Time) (model.AccessToken, error) {
	const query = `
		SELECT id, tenant_id, encrypted_token, token_type, scope, expires_at, created_at
		FROM access_tokens
		WHERE tenant_id = ? AND expires_at > ?
		ORDER BY created_at DESC, expires_at DESC
		LIMIT 1`

	var (
		t                    model.AccessToken
		expiresAt, createdAt int64
	)
	err := s.db.QueryRowContext(ctx, query, tenantID, toNanos(now)).Scan(
		&t.ID, &t.TenantID, &t.EncryptedToken, &t.TokenType, &t.Scope, &expiresAt, &createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.AccessToken{}, model.ErrNotFound
		}
		return model.AccessToken{}, fmt.Errorf("failed to get access token: %w", err)
	}
	t.ExpiresAt = fromNanos(expiresAt)
	t.CreatedAt = fromNanos(createdAt)
	return t, nil
}

func (s *Store) DeleteAccessTokensByTenant(ctx context.Context, tenantID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM access_tokens WHERE tenant_id = ?`, tenantID); err != nil {
		return fmt.Errorf("failed to delete access tokens: %w", err)
	}
	return nil
}

func (s *Store) DeleteExpiredAccessTokens(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM access_tokens WHERE expires_at < ?`, toNanos(before))
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired access tokens: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted access tokens: %w", err)
	}
	return n, nil
}

const refreshTokenColumns = `id, tenant_id, encrypted_token, token_hash, generation, usage_count, max_usage_count,
		active, revoked, revocation_reason, created_at, updated_at, revoked_at`

func scanRefreshToken(row rowScanner) (model.RefreshToken, error) {
	var (
		rt                   model.RefreshToken
		createdAt, updatedAt int64
		revokedAt            sql.NullInt64
	)
	err := row.Scan(
		&rt.ID, &rt.TenantID, &rt.EncryptedToken, &rt.TokenHash, &rt.Generation, &rt.UsageCount, &rt.MaxUsageCount,
		&rt.Active, &rt.Revoked, &rt.RevocationReason, &createdAt, &updatedAt, &revokedAt,
	)
	if err != nil {
		return model.RefreshToken{}, err
	}
	rt.CreatedAt = fromNanos(createdAt)
	rt.UpdatedAt = fromNanos(updatedAt)
	rt.RevokedAt = timePtrFromNull(revokedAt)
	return rt, nil
}

func (s *Store) ReplaceActiveRefreshToken(ctx context.Context, token model.RefreshToken, supersededReason string) error {
	const deactivate = `
		UPDATE refresh_tokens
		SET active = 0, revoked = 1, revocation_reason = ?, revoked_at = ?, updated_at = ?
		WHERE tenant_id = ? AND active = 1 AND revoked = 0`
	const insert = `
		INSERT INTO refresh_tokens (
			id, tenant_id, encrypted_token, token_hash, generation, usage_count, max_usage_count,
			active, revoked, revocation_reason, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, 1, 0, '', ?, ?)`

	if token.ID == uuid.Nil {
		token.ID = uuid.New()
	}
	at := toNanos(token.CreatedAt)

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, deactivate, supersededReason, at, at, token.TenantID); err != nil {
			return fmt.Errorf("failed to deactivate refresh tokens: %w", err)
		}

		_, err := tx.ExecContext(ctx, insert,
			token.ID.String(), token.TenantID, token.EncryptedToken, token.TokenHash, token.Generation,
			token.UsageCount, token.MaxUsageCount, at, at,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("failed to create refresh token: %w", model.ErrConflict)
			}
			return fmt.Errorf("failed to create refresh token: %w", err)
		}
		return nil
	})
}

func (s *Store) GetActiveRefreshToken(ctx context.Context, tenantID string) (model.RefreshToken, error) {
	query := `SELECT ` + refreshTokenColumns + `
		FROM refresh_tokens
		WHERE tenant_id = ? AND active = 1 AND revoked = 0
		ORDER BY generation DESC
		LIMIT 1`

	rt, err := scanRefreshToken(s.db.QueryRowContext(ctx, query, tenantID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.RefreshToken{}, model.ErrNotFound
		}
		return model.RefreshToken{}, fmt.Errorf("failed to get active refresh token: %w", err)
	}
	return rt, nil
}

func (s *Store) GetRefreshTokenByHash(ctx context.Context, tenantID string, hash []byte) (model.RefreshToken, error) {
	query := `SELECT ` + refreshTokenColumns + `
		FROM refresh_tokens
		WHERE tenant_id = ? AND token_hash = ?
		ORDER BY generation DESC
		LIMIT 1`

	rt, err := scanRefreshToken(s.db.QueryRowContext(ctx, query, tenantID, hash))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.RefreshToken{}, model.ErrNotFound
		}
		return model.RefreshToken{}, fmt.Errorf("failed to get refresh token by hash: %w", err)
	}
	return rt, nil
}

// IncrementRefreshUsage relies on SET expressions reading the pre-update row,
// so the limit check and the revoke happen in the same statement.
func (s *Store) IncrementRefreshUsage(ctx context.Context, id uuid.UUID, at time.Time) (model.RefreshToken, error) {
	query := `
		UPDATE refresh_tokens SET
			usage_count = usage_count + 1,
			active = CASE WHEN usage_count + 1 >= max_usage_count THEN 0 ELSE 1 END,
			revoked = CASE WHEN usage_count + 1 >= max_usage_count THEN 1 ELSE 0 END,
			revocation_reason = CASE WHEN usage_count + 1 >= max_usage_count THEN ? ELSE revocation_reason END,
			revoked_at = CASE WHEN usage_count + 1 >= max_usage_count THEN ? ELSE revoked_at END,
			updated_at = ?
		WHERE id = ? AND revoked = 0 AND usage_count < max_usage_count
		RETURNING ` + refreshTokenColumns

	n := toNanos(at)
	rt, err := scanRefreshToken(s.db.QueryRowContext(ctx, query, model.RevocationUsageLimit, n, n, id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.RefreshToken{}, model.ErrNotFound
		}
		return model.RefreshToken{}, fmt.Errorf("failed to increment refresh token usage: %w", err)
	}
	return rt, nil
}

func (s *Store) RevokeRefreshToken(ctx context.Context, id uuid.UUID, reason string, at time.Time) error {
	const query = `
		UPDATE refresh_tokens
		SET active = 0, revoked = 1, revocation_reason = ?, revoked_at = ?, updated_at = ?
		WHERE id = ? AND revoked = 0`

	n := toNanos(at)
	if _, err := s.db.ExecContext(ctx, query, reason, n, n, id.String()); err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	return nil
}

func (s *Store) RevokeAllRefreshTokens(ctx context.Context, tenantID string, reason string, at time.Time) error {
	const query = `
		UPDATE refresh_tokens
		SET active = 0, revoked = 1, revocation_reason = ?, revoked_at = ?, updated_at = ?
		WHERE tenant_id = ? AND revoked = 0`

	n := toNanos(at)
	if _, err := s.db.ExecContext(ctx, query, reason, n, n, tenantID); err != nil {
		return fmt.Errorf("failed to revoke refresh tokens by tenant: %w", err)
	}
	return nil
}

func (s *Store) MaxRefreshGeneration(ctx context.Context, tenantID string) (int, error) {
	var gen int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(generation), 0) FROM refresh_tokens WHERE tenant_id = ?`, tenantID,
	).Scan(&gen)
	if err != nil {
		return 0, fmt.Errorf("failed to get max refresh token generation: %w", err)
	}
	return gen, nil
}

func (s *Store) UpsertClientCredentials(ctx context.Context, creds model.ClientCredentials) error {
	const query = `
		INSERT INTO tenant_credentials (tenant_id, encrypted_client_id, encrypted_client_secret, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id) DO UPDATE SET
			encrypted_client_id = excluded.encrypted_client_id,
			encrypted_client_secret = excluded.encrypted_client_secret,
			updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		creds.TenantID, creds.EncryptedClientID, creds.EncryptedClientSecret,
		toNanos(creds.CreatedAt), toNanos(creds.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert client credentials: %w", err)
	}
	return nil
}

func (s *Store) GetClientCredentials(ctx context.Context, tenantID string) (model.ClientCredentials, error) {
	const query = `
		SELECT tenant_id, encrypted_client_id, encrypted_client_secret, created_at, updated_at
		FROM tenant_credentials WHERE tenant_id = ?`

	var (
		c                    model.ClientCredentials
		createdAt, updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, query, tenantID).Scan(
		&c.TenantID, &c.EncryptedClientID, &c.EncryptedClientSecret, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.ClientCredentials{}, model.ErrNotFound
		}
		return model.ClientCredentials{}, fmt.Errorf("failed to get client credentials: %w", err)
	}
	c.CreatedAt = fromNanos(createdAt)
	c.UpdatedAt = fromNanos(updatedAt)
	return c, nil
}

func (s *Store) DeleteClientCredentials(ctx context.Context, tenantID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tenant_credentials WHERE tenant_id = ?`, tenantID); err != nil {
		return fmt.Errorf("failed to delete client credentials: %w", err)
	}
	return nil
}
