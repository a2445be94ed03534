package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/dtroode/deskauth/internal/breaker"
	"github.com/dtroode/deskauth/internal/lock"
	"github.com/dtroode/deskauth/internal/logger"
	"github.com/dtroode/deskauth/internal/metrics"
	"github.com/dtroode/deskauth/internal/model"
	"github.com/dtroode/deskauth/internal/token"
)

// Refresh outcomes reported to metrics.
const (
	outcomeCached      = "cached"
	outcomeRotated     = "rotated"
	outcomeUsed        = "used"
	outcomeRateLimited = "rate_limited"
	outcomeCircuitOpen = "circuit_open"
	outcomeReauth      = "reauthorization_required"
	outcomeFailed      = "failed"
)

// CredentialVault is the part of the vault the token service depends on.
type CredentialVault interface {
	StoreAccessToken(ctx context.Context, tenantID, token, tokenType, scope string, expiresAt time.Time) (uuid.UUID, error)
	GetValidAccessToken(ctx context.Context, tenantID string) (model.AccessToken, error)
	StoreRefreshToken(ctx context.Context, tenantID, token string, generation int) (model.RefreshToken, error)
	RotateRefreshToken(ctx context.Context, tenantID, token string) (model.RefreshToken, error)
	GetActiveRefreshToken(ctx context.Context, tenantID string) (model.RefreshToken, error)
	MarkRefreshUsed(ctx context.Context, tenantID, token string) (model.RefreshToken, error)
	RevokeRefreshToken(ctx context.Context, tenantID, token, reason string) error
	RevokeAll(ctx context.Context, tenantID, reason string) error
	StoreClientCredentials(ctx context.Context, tenantID, clientID, clientSecret string) error
	ClientCredentials(ctx context.Context, tenantID string) (model.ClientCredentials, error)
}

// Admission is the part of the rate limit coordinator the token service
// depends on.
type Admission interface {
	Check(ctx context.Context, tenantID string, op model.Operation) error
	RecordAttempt(ctx context.Context, tenantID string, op model.Operation, success, throttled bool)
}

// TokenConfig tunes a TokenService.
type TokenConfig struct {
	// CacheTTL bounds how long an access token is served from memory
	// without a vault round-trip.
	CacheTTL  time.Duration
	CacheSize int
	// ExpiryLeeway refreshes tokens that expire within it.
	ExpiryLeeway time.Duration
	// DefaultExpiresIn applies when the provider omits expires_in and the
	// access token is not a JWT.
	DefaultExpiresIn time.Duration
	// RequireRefreshToken fails a code exchange that yields no refresh token.
	RequireRefreshToken bool
}

// DefaultTokenConfig returns the settings used when nothing is configured.
func DefaultTokenConfig() TokenConfig {
	return TokenConfig{
		CacheTTL:            60 * time.Second,
		CacheSize:           1024,
		ExpiryLeeway:        2 * time.Minute,
		DefaultExpiresIn:    time.Hour,
		RequireRefreshToken: true,
	}
}

// TokenService orchestrates the OAuth token lifecycle of every tenant. At
// most one refresh per tenant is in flight; concurrent callers share its
// result.
type TokenService struct {
	vault     CredentialVault
	provider  model.OAuthProvider
	admission Admission
	breaker   *breaker.Breaker
	clock     model.Clock
	metrics   *metrics.Metrics
	logger    *logger.Logger
	cfg       TokenConfig

	cache *expirable.LRU[string, model.AccessToken]
	group singleflight.Group
	locks *lock.Keyed
}

func NewTokenService(
	vault CredentialVault,
	provider model.OAuthProvider,
	admission Admission,
	cb *breaker.Breaker,
	cfg TokenConfig,
	clock model.Clock,
	m *metrics.Metrics,
	logger *logger.Logger,
) *TokenService {
	def := DefaultTokenConfig()
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = def.CacheSize
	}
	if cfg.DefaultExpiresIn <= 0 {
		cfg.DefaultExpiresIn = def.DefaultExpiresIn
	}

	return &TokenService{
		vault:     vault,
		provider:  provider,
		admission: admission,
		breaker:   cb,
		clock:     clock,
		metrics:   m,
		logger:    logger,
		cfg:       cfg,
		cache:     expirable.NewLRU[string, model.AccessToken](cfg.CacheSize, nil, cfg.CacheTTL),
		locks:     lock.NewKeyed(),
	}
}

// GetAccessToken returns a usable access token for tenant, refreshing it
// when none is stored or the stored one expires within the leeway. When that
// refresh fails for any reason but the current token is still valid, the
// current token is returned.
func (s *TokenService) GetAccessToken(ctx context.Context, tenantID string) (model.AccessToken, error) {
	if tok, ok := s.cache.Get(tenantID); ok && s.fresh(tok) {
		s.metrics.TokenCacheHits.Inc()
		return tok, nil
	}
	s.metrics.TokenCacheMisses.Inc()

	current, err := s.vault.GetValidAccessToken(ctx, tenantID)
	switch {
	case err == nil && s.fresh(current):
		s.cache.Add(tenantID, current)
		return current, nil
	case err != nil && !errors.Is(err, model.ErrNotFound):
		return model.AccessToken{}, err
	}
	hasCurrent := err == nil

	tok, err := s.singleRefresh(ctx, tenantID, true)
	if err != nil {
		if hasCurrent && ctx.Err() == nil && current.ValidAt(s.clock.Now()) {
			s.logRefreshAheadFailure(tenantID, current, err)
			return current, nil
		}
		return model.AccessToken{}, err
	}
	return tok, nil
}

func (s *TokenService) logRefreshAheadFailure(tenantID string, current model.AccessToken, err error) {
	var reauth *model.ReauthorizationRequiredError
	if errors.As(err, &reauth) {
		s.logger.Error("Token service: tenant requires reauthorization, serving current token until expiry",
			"tenant", tenantID, "expires_at", current.ExpiresAt, "reason", reauth.Reason)
		return
	}
	s.logger.Warn("Token service: refresh ahead failed, serving current token",
		"tenant", tenantID, "expires_at", current.ExpiresAt, "error", err.Error())
}

// RefreshAccessToken redeems the tenant's active refresh token for a new
// access token regardless of the stored one.
func (s *TokenService) RefreshAccessToken(ctx context.Context, tenantID string) (model.AccessToken, error) {
	return s.singleRefresh(ctx, tenantID, false)
}

// singleRefresh joins the tenant's in-flight refresh or starts one. The
// shared attempt outlives a cancelled caller so other waiters still get its
// result.
func (s *TokenService) singleRefresh(ctx context.Context, tenantID string, reuseFresh bool) (model.AccessToken, error) {
	ch := s.group.DoChan(tenantID, func() (any, error) {
		return s.refresh(context.WithoutCancel(ctx), tenantID, reuseFresh)
	})

	select {
	case <-ctx.Done():
		return model.AccessToken{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return model.AccessToken{}, res.Err
		}
		return res.Val.(model.AccessToken), nil
	}
}

func (s *TokenService) refresh(ctx context.Context, tenantID string, reuseFresh bool) (model.AccessToken, error) {
	unlock, err := s.locks.Lock(ctx, tenantID)
	if err != nil {
		return model.AccessToken{}, err
	}
	defer unlock()

	if reuseFresh {
		// A refresh that finished just before this one may have stored a
		// fresh token already.
		if current, err := s.vault.GetValidAccessToken(ctx, tenantID); err == nil && s.fresh(current) {
			s.metrics.Refreshes.WithLabelValues(outcomeCached).Inc()
			s.cache.Add(tenantID, current)
			return current, nil
		}
	}

	if err := s.admission.Check(ctx, tenantID, model.OperationRefresh); err != nil {
		s.metrics.Refreshes.WithLabelValues(outcomeRateLimited).Inc()
		s.logger.Info("Token service: refresh denied by rate limit", "tenant", tenantID, "error", err.Error())
		return model.AccessToken{}, err
	}

	rt, err := s.vault.GetActiveRefreshToken(ctx, tenantID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			s.metrics.Refreshes.WithLabelValues(outcomeReauth).Inc()
			return model.AccessToken{}, &model.ReauthorizationRequiredError{Tenant: tenantID, Reason: "no active refresh token"}
		}
		return model.AccessToken{}, err
	}
	if rt.Exhausted() {
		if err := s.vault.RevokeRefreshToken(ctx, tenantID, rt.Token, model.RevocationUsageLimit); err != nil {
			s.logger.Error("Token service: failed to revoke exhausted refresh token",
				"tenant", tenantID, "generation", rt.Generation, "error", err.Error())
		}
		s.metrics.Refreshes.WithLabelValues(outcomeReauth).Inc()
		return model.AccessToken{}, &model.ReauthorizationRequiredError{Tenant: tenantID, Reason: "refresh token usage limit reached"}
	}

	client, err := s.clientCredentials(ctx, tenantID)
	if err != nil {
		return model.AccessToken{}, err
	}

	resp, err := breaker.Do(ctx, s.breaker, func(ctx context.Context) (model.TokenResponse, error) {
		return s.provider.Refresh(ctx, client, rt.Token)
	})
	if err != nil {
		return model.AccessToken{}, s.refreshFailed(ctx, tenantID, rt, err)
	}
	s.admission.RecordAttempt(ctx, tenantID, model.OperationRefresh, true, false)

	tok, err := s.storeAccessToken(ctx, tenantID, resp)
	if err != nil {
		return model.AccessToken{}, err
	}

	outcome := outcomeUsed
	if resp.RefreshToken != "" && resp.RefreshToken != rt.Token {
		next, err := s.vault.RotateRefreshToken(ctx, tenantID, resp.RefreshToken)
		if err != nil {
			s.logger.Error("Token service: failed to store rotated refresh token",
				"tenant", tenantID, "generation", rt.Generation+1, "error", err.Error())
			return model.AccessToken{}, err
		}
		outcome = outcomeRotated
		s.logger.Info("Token service: refresh token rotated",
			"tenant", tenantID, "generation", next.Generation)
	} else if _, err := s.vault.MarkRefreshUsed(ctx, tenantID, rt.Token); err != nil {
		s.logger.Error("Token service: failed to record refresh token use",
			"tenant", tenantID, "generation", rt.Generation, "error", err.Error())
		return model.AccessToken{}, err
	}

	s.metrics.Refreshes.WithLabelValues(outcome).Inc()
	s.cache.Add(tenantID, tok)
	s.logger.Info("Token service: access token refreshed",
		"tenant", tenantID, "expires_at", tok.ExpiresAt, "outcome", outcome)

	return tok, nil
}

// refreshFailed feeds a failed provider call back into admission control and
// translates a rejected refresh token into a reauthorization demand.
func (s *TokenService) refreshFailed(ctx context.Context, tenantID string, rt model.RefreshToken, err error) error {
	var openErr *model.CircuitOpenError
	if errors.As(err, &openErr) {
		s.metrics.Refreshes.WithLabelValues(outcomeCircuitOpen).Inc()
		s.logger.Warn("Token service: token endpoint circuit open",
			"tenant", tenantID, "retry_after", openErr.RetryAfter)
		return err
	}

	s.admission.RecordAttempt(ctx, tenantID, model.OperationRefresh, false, model.IsThrottled(err))

	var perr *model.ProviderError
	if errors.As(err, &perr) && !perr.Transient && perr.Code == "invalid_grant" {
		if rerr := s.vault.RevokeRefreshToken(ctx, tenantID, rt.Token, model.RevocationInvalidGrant); rerr != nil {
			s.logger.Error("Token service: failed to revoke rejected refresh token",
				"tenant", tenantID, "generation", rt.Generation, "error", rerr.Error())
		}
		s.metrics.Refreshes.WithLabelValues(outcomeReauth).Inc()
		s.logger.Warn("Token service: refresh token rejected by provider",
			"tenant", tenantID, "generation", rt.Generation)
		return &model.ReauthorizationRequiredError{Tenant: tenantID, Reason: "refresh token rejected: invalid_grant"}
	}

	s.metrics.Refreshes.WithLabelValues(outcomeFailed).Inc()
	s.logger.Error("Token service: refresh failed", "tenant", tenantID, "error", err.Error())
	return err
}

// ExchangeAuthorizationCode bootstraps a tenant from an authorization code,
// storing its first access and refresh token pair.
func (s *TokenService) ExchangeAuthorizationCode(ctx context.Context, tenantID, code string) (model.AccessToken, error) {
	if code == "" {
		return model.AccessToken{}, model.NewValidationError("authorization code", "must not be empty")
	}

	unlock, err := s.locks.Lock(ctx, tenantID)
	if err != nil {
		return model.AccessToken{}, err
	}
	defer unlock()

	client, err := s.clientCredentials(ctx, tenantID)
	if err != nil {
		return model.AccessToken{}, err
	}

	resp, err := breaker.Do(ctx, s.breaker, func(ctx context.Context) (model.TokenResponse, error) {
		return s.provider.ExchangeCode(ctx, client, code)
	})
	if err != nil {
		s.logger.Error("Token service: code exchange failed", "tenant", tenantID, "error", err.Error())
		return model.AccessToken{}, err
	}
	if resp.RefreshToken == "" && s.cfg.RequireRefreshToken {
		s.logger.Error("Token service: code exchange returned no refresh token", "tenant", tenantID)
		return model.AccessToken{}, &model.ProviderError{
			StatusCode:  http.StatusOK,
			Code:        "missing_refresh_token",
			Description: "token response carries no refresh token",
		}
	}

	tok, err := s.storeAccessToken(ctx, tenantID, resp)
	if err != nil {
		return model.AccessToken{}, err
	}
	if resp.RefreshToken != "" {
		rt, err := s.vault.StoreRefreshToken(ctx, tenantID, resp.RefreshToken, 0)
		if err != nil {
			return model.AccessToken{}, err
		}
		s.logger.Info("Token service: tenant authorized", "tenant", tenantID, "generation", rt.Generation)
	}

	s.cache.Add(tenantID, tok)
	return tok, nil
}

// RevokeAll hard-revokes every credential of tenant. It is never rate
// limited.
func (s *TokenService) RevokeAll(ctx context.Context, tenantID, reason string) error {
	unlock, err := s.locks.Lock(ctx, tenantID)
	if err != nil {
		return err
	}
	defer unlock()

	s.cache.Remove(tenantID)
	if err := s.vault.RevokeAll(ctx, tenantID, reason); err != nil {
		return err
	}

	s.logger.Warn("Token service: tenant credentials revoked", "tenant", tenantID, "reason", reason)
	return nil
}

// RegisterClient stores the OAuth client a tenant authorizes with.
func (s *TokenService) RegisterClient(ctx context.Context, tenantID, clientID, clientSecret string) error {
	return s.vault.StoreClientCredentials(ctx, tenantID, clientID, clientSecret)
}

type refreshResult struct {
	ExpiresAt time.Time `json:"expires_at"`
	TokenType string    `json:"token_type"`
}

// HandleQueued executes a queued token_refresh operation. The result never
// contains token material.
func (s *TokenService) HandleQueued(ctx context.Context, op model.QueuedOperation) ([]byte, error) {
	tok, err := s.RefreshAccessToken(ctx, op.TenantID)
	if err != nil {
		return nil, err
	}

	out, err := json.Marshal(refreshResult{ExpiresAt: tok.ExpiresAt, TokenType: tok.TokenType})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal refresh result: %w", err)
	}
	return out, nil
}

func (s *TokenService) storeAccessToken(ctx context.Context, tenantID string, resp model.TokenResponse) (model.AccessToken, error) {
	now := s.clock.Now()
	expiresAt := s.expiresAt(resp, now)

	id, err := s.vault.StoreAccessToken(ctx, tenantID, resp.AccessToken, resp.TokenType, resp.Scope, expiresAt)
	if err != nil {
		s.logger.Error("Token service: failed to store access token", "tenant", tenantID, "error", err.Error())
		return model.AccessToken{}, err
	}

	tokenType := resp.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return model.AccessToken{
		ID:        id,
		TenantID:  tenantID,
		Token:     resp.AccessToken,
		TokenType: tokenType,
		Scope:     resp.Scope,
		ExpiresAt: expiresAt,
		CreatedAt: now,
	}, nil
}

func (s *TokenService) expiresAt(resp model.TokenResponse, now time.Time) time.Time {
	if resp.ExpiresIn > 0 {
		return now.Add(resp.ExpiresIn)
	}
	if exp, ok := token.ExpiryFromJWT(resp.AccessToken); ok && exp.After(now) {
		return exp
	}
	return now.Add(s.cfg.DefaultExpiresIn)
}

func (s *TokenService) clientCredentials(ctx context.Context, tenantID string) (model.ClientCredentials, error) {
	creds, err := s.vault.ClientCredentials(ctx, tenantID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return model.ClientCredentials{}, nil
		}
		return model.ClientCredentials{}, err
	}
	return creds, nil
}

// fresh reports whether tok stays valid beyond the refresh-ahead leeway.
func (s *TokenService) fresh(tok model.AccessToken) bool {
	return tok.ValidAt(s.clock.Now().Add(s.cfg.ExpiryLeeway))
}
