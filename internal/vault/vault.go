// Package vault is the encrypted source of truth for tenant token material.
package vault

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dtroode/deskauth/internal/crypto"
	"github.com/dtroode/deskauth/internal/lock"
	"github.com/dtroode/deskauth/internal/logger"
	"github.com/dtroode/deskauth/internal/model"
)

const (
	purposeAccessToken  = "access_token"
	purposeRefreshToken = "refresh_token"
	purposeClientID     = "client_id"
	purposeClientSecret = "client_secret"
)

// Config tunes a Vault.
type Config struct {
	KDF crypto.KDFParams
	// MaxUsageCount applies to newly stored refresh tokens. Zero means
	// model.DefaultMaxUsageCount.
	MaxUsageCount int
}

// Vault encrypts token material before it reaches the store and decrypts it
// on the way out. Mutations of one tenant are serialized.
type Vault struct {
	store         model.CredentialStore
	cipher        *crypto.Cipher
	clock         model.Clock
	locks         *lock.Keyed
	logger        *logger.Logger
	maxUsageCount int
}

// New derives the encryption key from the key provider's secret.
func New(ctx context.Context, store model.CredentialStore, keys model.KeyProvider, cfg Config, clock model.Clock, logger *logger.Logger) (*Vault, error) {
	secret, err := keys.Secret(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get vault secret: %w", err)
	}

	c, err := crypto.NewCipher(secret, cfg.KDF)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault cipher: %w", err)
	}

	maxUsage := cfg.MaxUsageCount
	if maxUsage <= 0 {
		maxUsage = model.DefaultMaxUsageCount
	}

	return &Vault{
		store:         store,
		cipher:        c,
		clock:         clock,
		locks:         lock.NewKeyed(),
		logger:        logger,
		maxUsageCount: maxUsage,
	}, nil
}

// StoreAccessToken persists a new access token record and returns its id.
func (v *Vault) StoreAccessToken(ctx context.Context, tenantID, token, tokenType, scope string, expiresAt time.Time) (uuid.UUID, error) {
	if err := validateTenant(tenantID); err != nil {
		return uuid.Nil, err
	}
	if token == "" {
		return uuid.Nil, model.NewValidationError("access token", "must not be empty")
	}
	if expiresAt.IsZero() {
		return uuid.Nil, model.NewValidationError("expires at", "must be set")
	}
	if tokenType == "" {
		tokenType = "Bearer"
	}

	sealed, err := v.cipher.Seal([]byte(token), aad(tenantID, purposeAccessToken))
	if err != nil {
		return uuid.Nil, &model.StorageError{Op: "seal access token", Err: err}
	}

	rec := model.AccessToken{
		ID:             uuid.New(),
		TenantID:       tenantID,
		EncryptedToken: sealed,
		TokenType:      tokenType,
		Scope:          scope,
		ExpiresAt:      expiresAt,
		CreatedAt:      v.clock.Now(),
	}
	if err := v.store.CreateAccessToken(ctx, rec); err != nil {
		return uuid.Nil, storageErr("store access token", err)
	}

	v.logger.Debug("Vault: stored access token", "tenant", tenantID, "id", rec.ID, "expires_at", expiresAt)

	return rec.ID, nil
}

// GetValidAccessToken returns the newest unexpired access token with its
// plaintext, or model.ErrNotFound.
func (v *Vault) GetValidAccessToken(ctx context.Context, tenantID string) (model.AccessToken, error) {
	if err := validateTenant(tenantID); err != nil {
		return model.AccessToken{}, err
	}

	rec, err := v.store.GetLatestAccessToken(ctx, tenantID, v.clock.Now())
	if err != nil {
		return model.AccessToken{}, storageErr("get access token", err)
	}

	plain, err := v.cipher.Open(rec.EncryptedToken, aad(tenantID, purposeAccessToken))
	if err != nil {
		return model.AccessToken{}, &model.StorageError{Op: "open access token", Err: err}
	}
	rec.Token = string(plain)

	return rec, nil
}

// StoreRefreshToken stores token as the tenant's active refresh token,
// superseding any previous one. A generation of zero selects the next one;
// an explicit generation must be above every stored generation.
func (v *Vault) StoreRefreshToken(ctx context.Context, tenantID, token string, generation int) (model.RefreshToken, error) {
	return v.replaceRefreshToken(ctx, tenantID, token, generation, model.RevocationSuperseded)
}

// RotateRefreshToken stores token at the next generation and revokes the
// current active record as rotated.
func (v *Vault) RotateRefreshToken(ctx context.Context, tenantID, token string) (model.RefreshToken, error) {
	return v.replaceRefreshToken(ctx, tenantID, token, 0, model.RevocationRotated)
}

func (v *Vault) replaceRefreshToken(ctx context.Context, tenantID, token string, generation int, reason string) (model.RefreshToken, error) {
	if err := validateTenant(tenantID); err != nil {
		return model.RefreshToken{}, err
	}
	if token == "" {
		return model.RefreshToken{}, model.NewValidationError("refresh token", "must not be empty")
	}
	if generation < 0 {
		return model.RefreshToken{}, model.NewValidationError("generation", "must not be negative")
	}

	unlock, err := v.locks.Lock(ctx, tenantID)
	if err != nil {
		return model.RefreshToken{}, err
	}
	defer unlock()

	current, err := v.store.MaxRefreshGeneration(ctx, tenantID)
	if err != nil {
		return model.RefreshToken{}, storageErr("get refresh token generation", err)
	}
	switch {
	case generation == 0:
		generation = current + 1
	case generation <= current:
		return model.RefreshToken{}, model.NewValidationError("generation",
			fmt.Sprintf("must be above current generation %d", current))
	}

	sealed, err := v.cipher.Seal([]byte(token), aad(tenantID, purposeRefreshToken))
	if err != nil {
		return model.RefreshToken{}, &model.StorageError{Op: "seal refresh token", Err: err}
	}

	rec := model.RefreshToken{
		ID:             uuid.New(),
		TenantID:       tenantID,
		EncryptedToken: sealed,
		TokenHash:      crypto.Fingerprint(token),
		Generation:     generation,
		MaxUsageCount:  v.maxUsageCount,
		Active:         true,
		CreatedAt:      v.clock.Now(),
	}
	rec.UpdatedAt = rec.CreatedAt

	if err := v.store.ReplaceActiveRefreshToken(ctx, rec, reason); err != nil {
		return model.RefreshToken{}, storageErr("store refresh token", err)
	}

	v.logger.Info("Vault: stored refresh token",
		"tenant", tenantID, "generation", generation, "superseded_reason", reason)

	rec.Token = token
	return rec, nil
}

// GetActiveRefreshToken returns the active refresh token with its plaintext
// and usage metadata, or model.ErrNotFound.
func (v *Vault) GetActiveRefreshToken(ctx context.Context, tenantID string) (model.RefreshToken, error) {
	if err := validateTenant(tenantID); err != nil {
		return model.RefreshToken{}, err
	}

	rec, err := v.store.GetActiveRefreshToken(ctx, tenantID)
	if err != nil {
		return model.RefreshToken{}, storageErr("get active refresh token", err)
	}

	plain, err := v.cipher.Open(rec.EncryptedToken, aad(tenantID, purposeRefreshToken))
	if err != nil {
		return model.RefreshToken{}, &model.StorageError{Op: "open refresh token", Err: err}
	}
	rec.Token = string(plain)

	return rec, nil
}

// MarkRefreshUsed records one use of token. The record is revoked as
// usage_limit_exceeded in the same store operation when the new count
// reaches the maximum. Returns model.ErrNotFound when token is unknown,
// revoked or already exhausted.
func (v *Vault) MarkRefreshUsed(ctx context.Context, tenantID, token string) (model.RefreshToken, error) {
	if err := validateTenant(tenantID); err != nil {
		return model.RefreshToken{}, err
	}

	unlock, err := v.locks.Lock(ctx, tenantID)
	if err != nil {
		return model.RefreshToken{}, err
	}
	defer unlock()

	rec, err := v.store.GetRefreshTokenByHash(ctx, tenantID, crypto.Fingerprint(token))
	if err != nil {
		return model.RefreshToken{}, storageErr("find refresh token", err)
	}

	updated, err := v.store.IncrementRefreshUsage(ctx, rec.ID, v.clock.Now())
	if err != nil {
		return model.RefreshToken{}, storageErr("mark refresh token used", err)
	}

	if updated.Revoked {
		v.logger.Info("Vault: refresh token exhausted",
			"tenant", tenantID, "generation", updated.Generation, "usage_count", updated.UsageCount)
	}

	updated.Token = token
	return updated, nil
}

// RevokeRefreshToken revokes token. Revoking an already revoked token is a
// no-op; an unknown token yields model.ErrNotFound.
func (v *Vault) RevokeRefreshToken(ctx context.Context, tenantID, token, reason string) error {
	if err := validateTenant(tenantID); err != nil {
		return err
	}

	unlock, err := v.locks.Lock(ctx, tenantID)
	if err != nil {
		return err
	}
	defer unlock()

	rec, err := v.store.GetRefreshTokenByHash(ctx, tenantID, crypto.Fingerprint(token))
	if err != nil {
		return storageErr("find refresh token", err)
	}
	if rec.Revoked {
		return nil
	}

	if err := v.store.RevokeRefreshToken(ctx, rec.ID, reason, v.clock.Now()); err != nil {
		return storageErr("revoke refresh token", err)
	}

	v.logger.Info("Vault: revoked refresh token", "tenant", tenantID, "generation", rec.Generation, "reason", reason)

	return nil
}

// RevokeAll revokes every refresh token of the tenant and deletes its access
// tokens and client credentials.
func (v *Vault) RevokeAll(ctx context.Context, tenantID, reason string) error {
	if err := validateTenant(tenantID); err != nil {
		return err
	}

	unlock, err := v.locks.Lock(ctx, tenantID)
	if err != nil {
		return err
	}
	defer unlock()

	if err := v.store.RevokeAllRefreshTokens(ctx, tenantID, reason, v.clock.Now()); err != nil {
		return storageErr("revoke refresh tokens", err)
	}
	if err := v.store.DeleteAccessTokensByTenant(ctx, tenantID); err != nil {
		return storageErr("delete access tokens", err)
	}
	if err := v.store.DeleteClientCredentials(ctx, tenantID); err != nil {
		return storageErr("delete client credentials", err)
	}

	v.logger.Warn("Vault: revoked all credentials", "tenant", tenantID, "reason", reason)

	return nil
}

// StoreClientCredentials saves the OAuth client registration of a tenant.
func (v *Vault) StoreClientCredentials(ctx context.Context, tenantID, clientID, clientSecret string) error {
	if err := validateTenant(tenantID); err != nil {
		return err
	}
	if clientID == "" {
		return model.NewValidationError("client id", "must not be empty")
	}

	sealedID, err := v.cipher.Seal([]byte(clientID), aad(tenantID, purposeClientID))
	if err != nil {
		return &model.StorageError{Op: "seal client id", Err: err}
	}
	sealedSecret, err := v.cipher.Seal([]byte(clientSecret), aad(tenantID, purposeClientSecret))
	if err != nil {
		return &model.StorageError{Op: "seal client secret", Err: err}
	}

	now := v.clock.Now()
	creds := model.ClientCredentials{
		TenantID:              tenantID,
		EncryptedClientID:     sealedID,
		EncryptedClientSecret: sealedSecret,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := v.store.UpsertClientCredentials(ctx, creds); err != nil {
		return storageErr("store client credentials", err)
	}

	v.logger.Info("Vault: stored client credentials", "tenant", tenantID)

	return nil
}

// ClientCredentials returns the decrypted client registration of a tenant,
// or model.ErrNotFound.
func (v *Vault) ClientCredentials(ctx context.Context, tenantID string) (model.ClientCredentials, error) {
	if err := validateTenant(tenantID); err != nil {
		return model.ClientCredentials{}, err
	}

	creds, err := v.store.GetClientCredentials(ctx, tenantID)
	if err != nil {
		return model.ClientCredentials{}, storageErr("get client credentials", err)
	}

	id, err := v.cipher.Open(creds.EncryptedClientID, aad(tenantID, purposeClientID))
	if err != nil {
		return model.ClientCredentials{}, &model.StorageError{Op: "open client id", Err: err}
	}
	secret, err := v.cipher.Open(creds.EncryptedClientSecret, aad(tenantID, purposeClientSecret))
	if err != nil {
		return model.ClientCredentials{}, &model.StorageError{Op: "open client secret", Err: err}
	}
	creds.ClientID = string(id)
	creds.ClientSecret = string(secret)

	return creds, nil
}

// PurgeExpiredAccessTokens deletes access tokens that expired before t.
func (v *Vault) PurgeExpiredAccessTokens(ctx context.Context, before time.Time) (int64, error) {
	n, err := v.store.DeleteExpiredAccessTokens(ctx, before)
	if err != nil {
		return 0, storageErr("purge access tokens", err)
	}
	return n, nil
}

func validateTenant(tenantID string) error {
	if strings.TrimSpace(tenantID) == "" {
		return model.NewValidationError("tenant id", "must not be empty")
	}
	if strings.Contains(tenantID, "|") {
		return model.NewValidationError("tenant id", "must not contain '|'")
	}
	return nil
}

func aad(tenantID, purpose string) []byte {
	return []byte(tenantID + "|" + purpose)
}

// storageErr passes model.ErrNotFound through and wraps anything else.
func storageErr(op string, err error) error {
	if errors.Is(err, model.ErrNotFound) {
		return model.ErrNotFound
	}
	return &model.StorageError{Op: op, Err: err}
}
