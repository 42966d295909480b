package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/mcpcentral/hubauth/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := NewWithInterval(time.Hour, nil)
	t.Cleanup(s.Close)
	return s
}

func TestClientLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	client := &storage.Client{
		ClientID:     "client-1",
		ClientName:   "Test Client",
		RedirectURIs: []string{"https://app.example.com/callback"},
		GrantTypes:   []string{"authorization_code"},
	}
	require.NoError(t, s.SaveClient(ctx, client))

	got, err := s.GetClient(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, "Test Client", got.ClientName)

	// Returned record is a copy; mutating it must not affect the store.
	got.ClientName = "mutated"
	again, err := s.GetClient(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, "Test Client", again.ClientName)

	require.NoError(t, s.DeleteClient(ctx, "client-1"))
	_, err = s.GetClient(ctx, "client-1")
	assert.ErrorIs(t, err, storage.ErrClientNotFound)
	assert.ErrorIs(t, s.DeleteClient(ctx, "client-1"), storage.ErrClientNotFound)
}

func TestValidateClientSecret(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, s.SaveClient(ctx, &storage.Client{
		ClientID:         "client-1",
		ClientSecretHash: string(hash),
	}))
	require.NoError(t, s.SaveClient(ctx, &storage.Client{ClientID: "public-client"}))

	assert.NoError(t, s.ValidateClientSecret(ctx, "client-1", "s3cret"))
	assert.ErrorIs(t, s.ValidateClientSecret(ctx, "client-1", "wrong"), storage.ErrInvalidClientSecret)
	// A client without a stored hash can never pass secret validation.
	assert.ErrorIs(t, s.ValidateClientSecret(ctx, "public-client", ""), storage.ErrInvalidClientSecret)
	assert.ErrorIs(t, s.ValidateClientSecret(ctx, "missing", "x"), storage.ErrClientNotFound)
}

func TestTokenLookupAndExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	token := &storage.Token{
		AccessToken:           "at-1",
		RefreshToken:          "rt-1",
		AccessTokenExpiresAt:  time.Now().Add(time.Hour),
		RefreshTokenExpiresAt: time.Now().Add(24 * time.Hour),
		ClientID:              "client-1",
		Username:              "alice",
	}
	require.NoError(t, s.SaveToken(ctx, token))

	got, err := s.GetByAccessToken(ctx, "at-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)

	_, err = s.GetByAccessToken(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrTokenNotFound)

	expired := &storage.Token{
		AccessToken:          "at-expired",
		AccessTokenExpiresAt: time.Now().Add(-time.Minute),
	}
	require.NoError(t, s.SaveToken(ctx, expired))
	_, err = s.GetByAccessToken(ctx, "at-expired")
	assert.ErrorIs(t, err, storage.ErrTokenExpired)
}

func TestDeleteTokenRemovesBothIndexes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveToken(ctx, &storage.Token{
		AccessToken:           "at-1",
		RefreshToken:          "rt-1",
		AccessTokenExpiresAt:  time.Now().Add(time.Hour),
		RefreshTokenExpiresAt: time.Now().Add(time.Hour),
	}))
	require.NoError(t, s.DeleteToken(ctx, "at-1"))

	_, err := s.GetByAccessToken(ctx, "at-1")
	assert.ErrorIs(t, err, storage.ErrTokenNotFound)
	_, err = s.AtomicGetAndDeleteRefreshToken(ctx, "rt-1")
	assert.ErrorIs(t, err, storage.ErrTokenNotFound)
}

func TestAtomicGetAndDeleteRefreshToken(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveToken(ctx, &storage.Token{
		AccessToken:           "at-1",
		RefreshToken:          "rt-1",
		AccessTokenExpiresAt:  time.Now().Add(time.Hour),
		RefreshTokenExpiresAt: time.Now().Add(time.Hour),
		Username:              "alice",
	}))

	got, err := s.AtomicGetAndDeleteRefreshToken(ctx, "rt-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)

	// Second use of the same refresh token must fail.
	_, err = s.AtomicGetAndDeleteRefreshToken(ctx, "rt-1")
	assert.ErrorIs(t, err, storage.ErrTokenNotFound)

	// The paired access token is gone too.
	_, err = s.GetByAccessToken(ctx, "at-1")
	assert.ErrorIs(t, err, storage.ErrTokenNotFound)
}

func TestAtomicRefreshRotationConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveToken(ctx, &storage.Token{
		AccessToken:           "at-1",
		RefreshToken:          "rt-1",
		AccessTokenExpiresAt:  time.Now().Add(time.Hour),
		RefreshTokenExpiresAt: time.Now().Add(time.Hour),
	}))

	const workers = 32
	var wg sync.WaitGroup
	successes := make(chan struct{}, workers)

	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.AtomicGetAndDeleteRefreshToken(ctx, "rt-1"); err == nil {
				successes <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(successes)

	assert.Len(t, successes, 1, "exactly one concurrent rotation must win")
}

func TestClaimAuthorizationCode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	code := &storage.AuthorizationCode{
		Code:      "code-1",
		ClientID:  "client-1",
		Username:  "alice",
		ExpiresAt: time.Now().Add(10 * time.Minute),
	}
	require.NoError(t, s.SaveAuthorizationCode(ctx, code))

	got, err := s.ClaimAuthorizationCode(ctx, "code-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)

	_, err = s.ClaimAuthorizationCode(ctx, "code-1")
	assert.ErrorIs(t, err, storage.ErrAuthorizationCodeNotFound)
}

func TestClaimExpiredCodeIsBurned(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveAuthorizationCode(ctx, &storage.AuthorizationCode{
		Code:      "code-1",
		ExpiresAt: time.Now().Add(-time.Minute),
	}))

	_, err := s.ClaimAuthorizationCode(ctx, "code-1")
	assert.ErrorIs(t, err, storage.ErrTokenExpired)

	// The expired code is deleted by the failed claim.
	_, err = s.ClaimAuthorizationCode(ctx, "code-1")
	assert.ErrorIs(t, err, storage.ErrAuthorizationCodeNotFound)
}

func TestClaimAuthorizationCodeConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveAuthorizationCode(ctx, &storage.AuthorizationCode{
		Code:      "code-1",
		ExpiresAt: time.Now().Add(10 * time.Minute),
	}))

	const workers = 32
	var wg sync.WaitGroup
	successes := make(chan struct{}, workers)

	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ClaimAuthorizationCode(ctx, "code-1"); err == nil {
				successes <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(successes)

	assert.Len(t, successes, 1, "exactly one concurrent claim must win")
}

func TestUserStore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveUser(ctx, &storage.User{Username: "alice", Admin: true}))

	got, err := s.GetUser(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, got.Admin)

	_, err = s.GetUser(ctx, "bob")
	assert.ErrorIs(t, err, storage.ErrUserNotFound)
}

func TestBearerKeyLookup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveBearerKey(ctx, &storage.BearerKey{
		ID: "k1", Name: "ci", Token: "abc", Enabled: true,
		AccessType: storage.AccessTypeAll,
	}))
	require.NoError(t, s.SaveBearerKey(ctx, &storage.BearerKey{
		ID: "k2", Name: "old", Token: "disabled-token", Enabled: false,
	}))

	got, err := s.FindBearerKeyByToken(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, "ci", got.Name)

	// Disabled keys never match.
	_, err = s.FindBearerKeyByToken(ctx, "disabled-token")
	assert.ErrorIs(t, err, storage.ErrBearerKeyNotFound)

	require.NoError(t, s.DeleteBearerKey(ctx, "k1"))
	_, err = s.FindBearerKeyByToken(ctx, "abc")
	assert.ErrorIs(t, err, storage.ErrBearerKeyNotFound)
}

func TestRegistrationTokens(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	token := &storage.RegistrationToken{
		Token:     "reg-1",
		ClientID:  "client-1",
		CreatedAt: time.Now(),
	}
	require.NoError(t, s.SaveRegistrationToken(ctx, token))

	got, err := s.GetRegistrationToken(ctx, "reg-1")
	require.NoError(t, err)
	assert.Equal(t, "client-1", got.ClientID)
	assert.False(t, got.Expired())

	old := &storage.RegistrationToken{
		Token:     "reg-old",
		ClientID:  "client-2",
		CreatedAt: time.Now().Add(-31 * 24 * time.Hour),
	}
	require.NoError(t, s.SaveRegistrationToken(ctx, old))
	gotOld, err := s.GetRegistrationToken(ctx, "reg-old")
	require.NoError(t, err)
	assert.True(t, gotOld.Expired())

	require.NoError(t, s.DeleteRegistrationToken(ctx, "reg-1"))
	_, err = s.GetRegistrationToken(ctx, "reg-1")
	assert.ErrorIs(t, err, storage.ErrRegistrationTokenNotFound)
}

func TestCleanupEvictsExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveAuthorizationCode(ctx, &storage.AuthorizationCode{
		Code:      "dead",
		ExpiresAt: time.Now().Add(-time.Minute),
	}))
	require.NoError(t, s.SaveToken(ctx, &storage.Token{
		AccessToken:          "at-dead",
		AccessTokenExpiresAt: time.Now().Add(-time.Minute),
	}))
	require.NoError(t, s.SaveToken(ctx, &storage.Token{
		AccessToken:           "at-live",
		RefreshToken:          "rt-live",
		AccessTokenExpiresAt:  time.Now().Add(-time.Minute),
		RefreshTokenExpiresAt: time.Now().Add(time.Hour),
	}))

	s.cleanupExpired()

	s.mu.RLock()
	defer s.mu.RUnlock()
	assert.NotContains(t, s.codes, "dead")
	assert.NotContains(t, s.tokensByAccess, "at-dead")
	// A pair with a live refresh token survives access-token expiry.
	assert.Contains(t, s.tokensByAccess, "at-live")
}
