package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/dtroode/deskauth/internal/model"
)

func (r *CredentialRepository) UpsertClientCredentials(ctx context.Context, creds model.ClientCredentials) error {
	const query = `
        INSERT INTO tenant_credentials (tenant_id, encrypted_client_id, encrypted_client_secret, created_at, updated_at)
        VALUES ($1,$2,$3,$4,$5)
        ON CONFLICT (tenant_id) DO UPDATE SET
            encrypted_client_id = EXCLUDED.encrypted_client_id,
            encrypted_client_secret = EXCLUDED.encrypted_client_secret,
            updated_at = EXCLUDED.updated_at
    `

	_, err := r.db.Exec(ctx, query,
		creds.TenantID, creds.EncryptedClientID, creds.EncryptedClientSecret, creds.CreatedAt, creds.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert client credentials: %w", err)
	}
	return nil
}

func (r *CredentialRepository) GetClientCredentials(ctx context.Context, tenantID string) (model.ClientCredentials, error) {
	const query = `
        SELECT tenant_id, encrypted_client_id, encrypted_client_secret, created_at, updated_at
        FROM tenant_credentials WHERE tenant_id = $1
    `

	var c model.ClientCredentials
	err := r.db.QueryRow(ctx, query, tenantID).Scan(
		&c.TenantID, &c.EncryptedClientID, &c.EncryptedClientSecret, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ClientCredentials{}, model.ErrNotFound
		}
		return model.ClientCredentials{}, fmt.Errorf("failed to get client credentials: %w", err)
	}
	return c, nil
}

func (r *CredentialRepository) DeleteClientCredentials(ctx context.Context, tenantID string) error {
	const query = `DELETE FROM tenant_credentials WHERE tenant_id = $1`

	if _, err := r.db.Exec(ctx, query, tenantID); err != nil {
		return fmt.Errorf("failed to delete client credentials: %w", err)
	}
	return nil
}
