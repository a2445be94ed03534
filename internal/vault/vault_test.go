package vault

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dtroode/deskauth/internal/crypto"
	"github.com/dtroode/deskauth/internal/model"
	"github.com/dtroode/deskauth/internal/repository/sqlite"
	"github.com/dtroode/deskauth/internal/testutil"
)

var testKDF = crypto.KDFParams{Time: 1, MemKiB: 1024, Par: 1, Salt: "test-salt"}

func newTestVault(t *testing.T) (*Vault, *sqlite.Store, *testutil.FakeClock) {
	t.Helper()
	ctx := context.Background()

	store, err := sqlite.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	clock := testutil.NewFakeClock()
	v, err := New(ctx, store, model.StaticKey("vault-secret"), Config{KDF: testKDF}, clock, testutil.MakeNoopLogger())
	require.NoError(t, err)

	return v, store, clock
}

func TestNew_KeyProviderError(t *testing.T) {
	_, err := New(context.Background(), nil, model.StaticKey(nil), Config{KDF: testKDF}, testutil.NewFakeClock(), testutil.MakeNoopLogger())
	require.Error(t, err)
}

func TestVault_AccessTokenRoundTrip(t *testing.T) {
	ctx := context.Background()
	v, store, clock := newTestVault(t)

	id, err := v.StoreAccessToken(ctx, "t1", "access-plain", "", "read write", clock.Now().Add(time.Hour))
	require.NoError(t, err)

	got, err := v.GetValidAccessToken(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, "access-plain", got.Token)
	assert.Equal(t, "Bearer", got.TokenType)
	assert.Equal(t, "read write", got.Scope)

	raw, err := store.GetLatestAccessToken(ctx, "t1", clock.Now())
	require.NoError(t, err)
	assert.NotContains(t, string(raw.EncryptedToken), "access-plain")

	clock.Advance(time.Hour)
	_, err = v.GetValidAccessToken(ctx, "t1")
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestVault_AccessTokenValidation(t *testing.T) {
	ctx := context.Background()
	v, _, clock := newTestVault(t)

	tests := []struct {
		name      string
		tenant    string
		token     string
		expiresAt time.Time
	}{
		{"empty tenant", "", "tok", clock.Now().Add(time.Hour)},
		{"separator in tenant", "a|b", "tok", clock.Now().Add(time.Hour)},
		{"empty token", "t1", "", clock.Now().Add(time.Hour)},
		{"missing expiry", "t1", "tok", time.Time{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.StoreAccessToken(ctx, tt.tenant, tt.token, "Bearer", "", tt.expiresAt)
			var verr *model.ValidationError
			require.ErrorAs(t, err, &verr)
		})
	}
}

func TestVault_RefreshTokenLifecycle(t *testing.T) {
	ctx := context.Background()
	v, store, clock := newTestVault(t)

	first, err := v.StoreRefreshToken(ctx, "t1", "refresh-1", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Generation)
	assert.Equal(t, 0, first.UsageCount)
	assert.Equal(t, 1, first.MaxUsageCount)

	active, err := v.GetActiveRefreshToken(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "refresh-1", active.Token)
	assert.Equal(t, first.ID, active.ID)

	clock.Advance(time.Minute)
	rotated, err := v.RotateRefreshToken(ctx, "t1", "refresh-2")
	require.NoError(t, err)
	assert.Equal(t, 2, rotated.Generation)

	old, err := store.GetRefreshTokenByHash(ctx, "t1", crypto.Fingerprint("refresh-1"))
	require.NoError(t, err)
	assert.True(t, old.Revoked)
	assert.False(t, old.Active)
	assert.Equal(t, model.RevocationRotated, old.RevocationReason)

	active, err = v.GetActiveRefreshToken(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "refresh-2", active.Token)

	t.Run("explicit generation must advance", func(t *testing.T) {
		_, err := v.StoreRefreshToken(ctx, "t1", "refresh-x", 2)
		var verr *model.ValidationError
		require.ErrorAs(t, err, &verr)

		stored, err := v.StoreRefreshToken(ctx, "t1", "refresh-3", 5)
		require.NoError(t, err)
		assert.Equal(t, 5, stored.Generation)

		prev, err := store.GetRefreshTokenByHash(ctx, "t1", crypto.Fingerprint("refresh-2"))
		require.NoError(t, err)
		assert.Equal(t, model.RevocationSuperseded, prev.RevocationReason)
	})
}

func TestVault_MarkRefreshUsedSingleUse(t *testing.T) {
	ctx := context.Background()
	v, _, _ := newTestVault(t)

	_, err := v.StoreRefreshToken(ctx, "t1", "refresh-1", 0)
	require.NoError(t, err)

	used, err := v.MarkRefreshUsed(ctx, "t1", "refresh-1")
	require.NoError(t, err)
	assert.Equal(t, 1, used.UsageCount)
	assert.True(t, used.Revoked)
	assert.Equal(t, model.RevocationUsageLimit, used.RevocationReason)

	_, err = v.MarkRefreshUsed(ctx, "t1", "refresh-1")
	require.ErrorIs(t, err, model.ErrNotFound)

	_, err = v.GetActiveRefreshToken(ctx, "t1")
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestVault_MarkRefreshUsedMultiUse(t *testing.T) {
	ctx := context.Background()
	store, err := sqlite.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	v, err := New(ctx, store, model.StaticKey("s"), Config{KDF: testKDF, MaxUsageCount: 3}, testutil.NewFakeClock(), testutil.MakeNoopLogger())
	require.NoError(t, err)

	_, err = v.StoreRefreshToken(ctx, "t1", "refresh-1", 0)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := v.MarkRefreshUsed(ctx, "t1", "refresh-1")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var ok, notFound int
	for err := range errs {
		if err == nil {
			ok++
			continue
		}
		if assert.ErrorIs(t, err, model.ErrNotFound) {
			notFound++
		}
	}
	assert.Equal(t, 3, ok)
	assert.Equal(t, 2, notFound)
}

func TestVault_ConcurrentRotationKeepsOneActive(t *testing.T) {
	ctx := context.Background()
	v, store, _ := newTestVault(t)

	_, err := v.StoreRefreshToken(ctx, "t1", "refresh-0", 0)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := v.RotateRefreshToken(ctx, "t1", "refresh-"+string(rune('a'+i)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	gen, err := store.MaxRefreshGeneration(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 11, gen)

	active, err := v.GetActiveRefreshToken(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 11, active.Generation)
}

func TestVault_RevokeRefreshToken(t *testing.T) {
	ctx := context.Background()
	v, _, _ := newTestVault(t)

	_, err := v.StoreRefreshToken(ctx, "t1", "refresh-1", 0)
	require.NoError(t, err)

	require.NoError(t, v.RevokeRefreshToken(ctx, "t1", "refresh-1", "operator"))
	require.NoError(t, v.RevokeRefreshToken(ctx, "t1", "refresh-1", "operator"))

	_, err = v.GetActiveRefreshToken(ctx, "t1")
	require.ErrorIs(t, err, model.ErrNotFound)

	require.ErrorIs(t, v.RevokeRefreshToken(ctx, "t1", "unknown", "operator"), model.ErrNotFound)
	require.ErrorIs(t, v.RevokeRefreshToken(ctx, "t2", "refresh-1", "operator"), model.ErrNotFound)
}

func TestVault_RevokeAll(t *testing.T) {
	ctx := context.Background()
	v, _, clock := newTestVault(t)

	_, err := v.StoreAccessToken(ctx, "t1", "access", "Bearer", "", clock.Now().Add(time.Hour))
	require.NoError(t, err)
	_, err = v.StoreRefreshToken(ctx, "t1", "refresh", 0)
	require.NoError(t, err)
	require.NoError(t, v.StoreClientCredentials(ctx, "t1", "client", "secret"))
	_, err = v.StoreRefreshToken(ctx, "t2", "other", 0)
	require.NoError(t, err)

	require.NoError(t, v.RevokeAll(ctx, "t1", "offboarded"))
	require.NoError(t, v.RevokeAll(ctx, "t1", "offboarded"))

	_, err = v.GetValidAccessToken(ctx, "t1")
	require.ErrorIs(t, err, model.ErrNotFound)
	_, err = v.GetActiveRefreshToken(ctx, "t1")
	require.ErrorIs(t, err, model.ErrNotFound)
	_, err = v.ClientCredentials(ctx, "t1")
	require.ErrorIs(t, err, model.ErrNotFound)

	other, err := v.GetActiveRefreshToken(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, "other", other.Token)
}

func TestVault_ClientCredentials(t *testing.T) {
	ctx := context.Background()
	v, store, _ := newTestVault(t)

	require.NoError(t, v.StoreClientCredentials(ctx, "t1", "client-id", "client-secret"))

	creds, err := v.ClientCredentials(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "client-id", creds.ClientID)
	assert.Equal(t, "client-secret", creds.ClientSecret)

	t.Run("ciphertext is bound to its tenant", func(t *testing.T) {
		raw, err := store.GetClientCredentials(ctx, "t1")
		require.NoError(t, err)
		raw.TenantID = "t2"
		require.NoError(t, store.UpsertClientCredentials(ctx, raw))

		_, err = v.ClientCredentials(ctx, "t2")
		var serr *model.StorageError
		require.ErrorAs(t, err, &serr)
		assert.ErrorIs(t, err, crypto.ErrMalformed)
	})

	t.Run("client id required", func(t *testing.T) {
		var verr *model.ValidationError
		require.ErrorAs(t, v.StoreClientCredentials(ctx, "t1", "", "s"), &verr)
	})
}

func TestVault_StorageFailuresAreTyped(t *testing.T) {
	ctx := context.Background()
	v, store, clock := newTestVault(t)
	require.NoError(t, store.Close())

	var serr *model.StorageError

	_, err := v.StoreAccessToken(ctx, "t1", "tok", "Bearer", "", clock.Now().Add(time.Hour))
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "store access token", serr.Op)

	_, err = v.GetActiveRefreshToken(ctx, "t1")
	require.ErrorAs(t, err, &serr)

	_, err = v.RotateRefreshToken(ctx, "t1", "tok")
	require.ErrorAs(t, err, &serr)

	require.ErrorAs(t, v.RevokeAll(ctx, "t1", "x"), &serr)
}

func TestVault_PurgeExpiredAccessTokens(t *testing.T) {
	ctx := context.Background()
	v, _, clock := newTestVault(t)

	_, err := v.StoreAccessToken(ctx, "t1", "a", "Bearer", "", clock.Now().Add(time.Minute))
	require.NoError(t, err)
	_, err = v.StoreAccessToken(ctx, "t1", "b", "Bearer", "", clock.Now().Add(time.Hour))
	require.NoError(t, err)

	n, err := v.PurgeExpiredAccessTokens(ctx, clock.Now().Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
