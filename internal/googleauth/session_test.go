package googleauth

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drivedesk/drivedesk-go/internal/accounts"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeCaches records cache-invalidation calls.
type fakeCaches struct {
	mu         sync.Mutex
	cleared    []string
	clearedAll int
}

func (c *fakeCaches) ClearAccount(accountID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cleared = append(c.cleared, accountID)

	return nil
}

func (c *fakeCaches) ClearAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.clearedAll++

	return nil
}

func validUntil(d time.Duration) int64 {
	return time.Now().Add(d).UnixMilli()
}

// seedStore builds a store with the given accounts; the first one becomes
// active.
func seedStore(t *testing.T, accts ...accounts.Account) *accounts.Store {
	t.Helper()

	store := accounts.Load(filepath.Join(t.TempDir(), "accounts.json"), discardLogger())

	for _, a := range accts {
		store.Upsert(a.ID, accounts.Patch{
			Email:        accounts.StringPtr(a.Email),
			AccessToken:  accounts.StringPtr(a.AccessToken),
			RefreshToken: accounts.StringPtr(a.RefreshToken),
			ExpiresAt:    accounts.Int64Ptr(a.ExpiresAt),
		})
	}

	if len(accts) > 0 {
		require.NoError(t, store.SetActive(accts[0].ID))
	}

	return store
}

func newTestSession(t *testing.T, p *mockProvider, launcher Launcher, store *accounts.Store, caches CacheInvalidator) *Session {
	t.Helper()

	return NewSession(store, newTestFlow(p, launcher), caches, discardLogger())
}

func TestAccessTokenFastPath(t *testing.T) {
	p := newMockProvider(t)
	store := seedStore(t, accounts.Account{
		ID: "acc-1", Email: "alice@example.com",
		AccessToken: "at-valid", RefreshToken: "rt-1",
		ExpiresAt: validUntil(time.Hour),
	})

	sess := newTestSession(t, p, nil, store, nil)

	token, err := sess.AccessToken(context.Background(), "acc-1", false, TokenOptions{})
	require.NoError(t, err)
	assert.Equal(t, "at-valid", token)
	assert.Zero(t, p.calls(), "a valid stored token must resolve without network")
}

func TestAccessTokenRefreshesNearExpiry(t *testing.T) {
	p := newMockProvider(t)
	p.setTokenResponse(http.StatusOK, map[string]any{
		"access_token": "at-fresh",
		"token_type":   "Bearer",
		"expires_in":   3600,
	})

	store := seedStore(t, accounts.Account{
		ID: "acc-1", Email: "alice@example.com",
		AccessToken: "at-stale", RefreshToken: "rt-1",
		ExpiresAt: validUntil(2 * time.Minute), // inside the 5-minute buffer
	})

	sess := newTestSession(t, p, nil, store, nil)

	token, err := sess.AccessToken(context.Background(), "acc-1", false, TokenOptions{})
	require.NoError(t, err)
	assert.Equal(t, "at-fresh", token)
	assert.Equal(t, 1, p.calls())

	acct, ok := store.Get("acc-1")
	require.True(t, ok)
	assert.Equal(t, "at-fresh", acct.AccessToken)
	assert.Equal(t, "rt-1", acct.RefreshToken, "unrotated refresh token must survive")
	assert.Equal(t, "alice@example.com", acct.Email, "identity fields must survive a refresh")
	assert.Greater(t, acct.ExpiresAt, validUntil(30*time.Minute))
}

func TestAccessTokenInvalidGrantStripsRefreshToken(t *testing.T) {
	p := newMockProvider(t)
	p.setTokenResponse(http.StatusBadRequest, map[string]any{
		"error":             "invalid_grant",
		"error_description": "Token has been expired or revoked.",
	})

	store := seedStore(t, accounts.Account{
		ID: "acc-1", Email: "alice@example.com",
		AccessToken: "at-stale", RefreshToken: "rt-revoked",
		ExpiresAt: validUntil(-time.Minute),
	})

	sess := newTestSession(t, p, nil, store, nil)

	_, err := sess.AccessToken(context.Background(), "acc-1", false, TokenOptions{})
	require.ErrorIs(t, err, ErrAuthRequired)

	acct, _ := store.Get("acc-1")
	assert.Empty(t, acct.RefreshToken, "a revoked grant must be stripped")

	// The next resolution must not retry the dead refresh token.
	_, err = sess.AccessToken(context.Background(), "acc-1", false, TokenOptions{})
	require.ErrorIs(t, err, ErrAuthRequired)
	assert.Equal(t, 1, p.calls())
}

func TestAccessTokenNoRefreshTokenNonInteractive(t *testing.T) {
	p := newMockProvider(t)
	store := seedStore(t, accounts.Account{
		ID: "acc-1", Email: "alice@example.com",
		AccessToken: "at-stale", ExpiresAt: validUntil(-time.Hour),
	})

	sess := newTestSession(t, p, nil, store, nil)

	_, err := sess.AccessToken(context.Background(), "acc-1", false, TokenOptions{})
	require.ErrorIs(t, err, ErrAuthRequired)
	assert.Zero(t, p.calls())
}

func TestTokenFreshBypassesStoredToken(t *testing.T) {
	p := newMockProvider(t)
	p.setTokenResponse(http.StatusOK, map[string]any{
		"access_token": "at-fresh",
		"token_type":   "Bearer",
		"expires_in":   3600,
	})

	// Stored token is nominally valid for another hour, but the request
	// executor saw a 401 on it.
	store := seedStore(t, accounts.Account{
		ID: "acc-1", Email: "alice@example.com",
		AccessToken: "at-revoked", RefreshToken: "rt-1",
		ExpiresAt: validUntil(time.Hour),
	})

	sess := newTestSession(t, p, nil, store, nil)

	token, err := sess.Token(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, "at-fresh", token)
	assert.Equal(t, 1, p.calls())
}

func TestAccessTokenInteractiveFallback(t *testing.T) {
	p := newMockProvider(t)
	p.setTokenResponse(http.StatusOK, map[string]any{
		"access_token":  "at-new",
		"refresh_token": "rt-new",
		"token_type":    "Bearer",
		"expires_in":    3600,
		"id_token":      fakeIDToken(t, "acc-1", "alice@example.com", ""),
	})

	store := seedStore(t, accounts.Account{
		ID: "acc-1", Email: "alice@example.com",
		AccessToken: "at-stale", ExpiresAt: validUntil(-time.Hour),
	})

	caches := &fakeCaches{}
	launcher := &fakeLauncher{respond: approve}
	sess := newTestSession(t, p, launcher, store, caches)

	token, err := sess.AccessToken(context.Background(), "acc-1", true, TokenOptions{})
	require.NoError(t, err)
	assert.Equal(t, "at-new", token)

	require.Len(t, launcher.authURLs, 1)
	assert.Equal(t, "alice@example.com", launcher.authURLs[0].Query().Get("login_hint"))

	acct, _ := store.Get("acc-1")
	assert.Equal(t, "rt-new", acct.RefreshToken)
	assert.Equal(t, 1, caches.clearedAll)
}

func TestForResolvesRequestedAccount(t *testing.T) {
	p := newMockProvider(t)
	store := seedStore(t,
		accounts.Account{
			ID: "acc-alice", Email: "alice@example.com",
			AccessToken: "at-alice", RefreshToken: "rt-a",
			ExpiresAt: validUntil(time.Hour),
		},
		accounts.Account{
			ID: "acc-bob", Email: "bob@example.com",
			AccessToken: "at-bob", RefreshToken: "rt-b",
			ExpiresAt: validUntil(time.Hour),
		},
	)

	sess := newTestSession(t, p, nil, store, nil)

	// alice is active, but the bound source must answer for bob.
	token, err := sess.For("acc-bob").Token(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "at-bob", token)

	activeToken, err := sess.Token(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "at-alice", activeToken)

	assert.Zero(t, p.calls())
}

func TestForRefreshesRequestedAccount(t *testing.T) {
	p := newMockProvider(t)
	p.setTokenResponse(http.StatusOK, map[string]any{
		"access_token": "at-bob-2",
		"token_type":   "Bearer",
		"expires_in":   3600,
	})

	store := seedStore(t,
		accounts.Account{
			ID: "acc-alice", Email: "alice@example.com",
			AccessToken: "at-alice", RefreshToken: "rt-a",
			ExpiresAt: validUntil(time.Hour),
		},
		accounts.Account{
			ID: "acc-bob", Email: "bob@example.com",
			AccessToken: "at-bob", RefreshToken: "rt-b",
			ExpiresAt: validUntil(2 * time.Minute),
		},
	)

	sess := newTestSession(t, p, nil, store, nil)

	token, err := sess.For("acc-bob").Token(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "at-bob-2", token)
	assert.Equal(t, "rt-b", p.form().Get("refresh_token"))

	acct, _ := store.Get("acc-alice")
	assert.Equal(t, "at-alice", acct.AccessToken, "the active account is untouched")
}

func TestInvalidateDropsCachedToken(t *testing.T) {
	p := newMockProvider(t)
	store := seedStore(t, accounts.Account{
		ID: "acc-1", Email: "alice@example.com",
		AccessToken: "at-valid", ExpiresAt: validUntil(time.Hour),
	})

	sess := newTestSession(t, p, nil, store, nil)

	token, err := sess.Token(context.Background(), false)
	require.NoError(t, err)

	sess.Invalidate(token)

	// Resolution still succeeds from the store; Invalidate only drops
	// the in-memory copy.
	again, err := sess.Token(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, token, again)
}

func TestSetActiveClearsPreviousAccountCaches(t *testing.T) {
	p := newMockProvider(t)
	store := seedStore(t,
		accounts.Account{ID: "acc-a", Email: "alice@example.com", AccessToken: "at-a", ExpiresAt: validUntil(time.Hour)},
		accounts.Account{ID: "acc-b", Email: "bob@example.com", AccessToken: "at-b", ExpiresAt: validUntil(time.Hour)},
	)

	caches := &fakeCaches{}
	sess := newTestSession(t, p, nil, store, caches)

	require.NoError(t, sess.SetActive("acc-b"))
	assert.Equal(t, "acc-b", store.ActiveID())
	assert.Equal(t, []string{"acc-a"}, caches.cleared)

	// Switching back resolves B's then A's tokens from the store, no
	// refresh traffic.
	require.NoError(t, sess.SetActive("acc-a"))

	token, err := sess.Token(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "at-a", token)
	assert.Zero(t, p.calls())
}

func TestSetActiveSameAccountIsNoop(t *testing.T) {
	p := newMockProvider(t)
	store := seedStore(t, accounts.Account{ID: "acc-a", Email: "alice@example.com", AccessToken: "at-a", ExpiresAt: validUntil(time.Hour)})

	caches := &fakeCaches{}
	sess := newTestSession(t, p, nil, store, caches)

	require.NoError(t, sess.SetActive("acc-a"))
	assert.Empty(t, caches.cleared)
}

func TestAddAccountEnforcesLimit(t *testing.T) {
	p := newMockProvider(t)

	var accts []accounts.Account
	for _, id := range []string{"acc-a", "acc-b", "acc-c", "acc-d"} {
		accts = append(accts, accounts.Account{
			ID: id, Email: id + "@example.com",
			AccessToken: "at-" + id, ExpiresAt: validUntil(time.Hour),
		})
	}

	store := seedStore(t, accts...)
	sess := newTestSession(t, p, &fakeLauncher{respond: approve}, store, nil)

	_, err := sess.AddAccount(context.Background(), "eve@example.com")
	require.ErrorIs(t, err, ErrAccountLimit)
	assert.Equal(t, 4, store.Len())
}

func TestAddAccountBecomesActive(t *testing.T) {
	p := newMockProvider(t)
	p.setTokenResponse(http.StatusOK, map[string]any{
		"access_token":  "at-bob",
		"refresh_token": "rt-bob",
		"token_type":    "Bearer",
		"expires_in":    3600,
		"id_token":      fakeIDToken(t, "acc-bob", "bob@example.com", ""),
	})

	store := seedStore(t, accounts.Account{
		ID: "acc-a", Email: "alice@example.com",
		AccessToken: "at-a", ExpiresAt: validUntil(time.Hour),
	})

	caches := &fakeCaches{}
	sess := newTestSession(t, p, &fakeLauncher{respond: approve}, store, caches)

	acct, err := sess.AddAccount(context.Background(), "")
	require.NoError(t, err)

	assert.Equal(t, "acc-bob", acct.ID)
	assert.Equal(t, "bob@example.com", acct.Email)
	assert.Equal(t, "acc-bob", store.ActiveID())
	assert.Equal(t, 2, store.Len())
	assert.Equal(t, 1, caches.clearedAll)
}

func TestReauthPreservesStoredRefreshToken(t *testing.T) {
	p := newMockProvider(t)
	// Google withholds refresh_token on re-consent.
	p.setTokenResponse(http.StatusOK, map[string]any{
		"access_token": "at-new",
		"token_type":   "Bearer",
		"expires_in":   3600,
		"id_token":     fakeIDToken(t, "acc-a", "alice@example.com", ""),
	})

	store := seedStore(t, accounts.Account{
		ID: "acc-a", Email: "alice@example.com",
		AccessToken: "at-old", RefreshToken: "rt-keep",
		ExpiresAt: validUntil(time.Hour),
	})

	sess := newTestSession(t, p, &fakeLauncher{respond: approve}, store, nil)

	_, err := sess.AddAccount(context.Background(), "alice@example.com")
	require.NoError(t, err)

	acct, _ := store.Get("acc-a")
	assert.Equal(t, "at-new", acct.AccessToken)
	assert.Equal(t, "rt-keep", acct.RefreshToken)
}

func TestRemoveAccountRevokesAndRederivesActive(t *testing.T) {
	p := newMockProvider(t)
	store := seedStore(t,
		accounts.Account{ID: "acc-a", Email: "alice@example.com", AccessToken: "at-a", ExpiresAt: validUntil(time.Hour)},
		accounts.Account{ID: "acc-b", Email: "bob@example.com", AccessToken: "at-b", ExpiresAt: validUntil(time.Hour)},
	)

	caches := &fakeCaches{}
	sess := newTestSession(t, p, nil, store, caches)

	require.NoError(t, sess.RemoveAccount(context.Background(), "acc-a"))

	assert.Equal(t, 1, p.revoked())
	assert.Equal(t, 1, store.Len())
	assert.Equal(t, "acc-b", store.ActiveID())
	assert.Equal(t, []string{"acc-a"}, caches.cleared)

	token, err := sess.Token(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "at-b", token)
}

func TestRemoveLastAccountClearsSession(t *testing.T) {
	p := newMockProvider(t)
	store := seedStore(t, accounts.Account{
		ID: "acc-a", Email: "alice@example.com",
		AccessToken: "at-a", ExpiresAt: validUntil(time.Hour),
	})

	sess := newTestSession(t, p, nil, store, &fakeCaches{})

	require.NoError(t, sess.RemoveAccount(context.Background(), "acc-a"))

	assert.Zero(t, store.Len())
	assert.Empty(t, store.ActiveID())

	_, err := sess.Token(context.Background(), false)
	require.ErrorIs(t, err, ErrAuthRequired)
}

func TestRemoveUnknownAccount(t *testing.T) {
	p := newMockProvider(t)
	sess := newTestSession(t, p, nil, seedStore(t), nil)

	err := sess.RemoveAccount(context.Background(), "acc-ghost")
	require.Error(t, err)
}

func TestRefreshAllUsesSweepBuffer(t *testing.T) {
	p := newMockProvider(t)
	p.setTokenResponse(http.StatusOK, map[string]any{
		"access_token": "at-swept",
		"token_type":   "Bearer",
		"expires_in":   3600,
	})

	store := seedStore(t,
		// Inside the 10-minute sweep buffer: refreshed.
		accounts.Account{ID: "acc-a", Email: "alice@example.com", AccessToken: "at-a", RefreshToken: "rt-a", ExpiresAt: validUntil(8 * time.Minute)},
		// Well outside the buffer: untouched.
		accounts.Account{ID: "acc-b", Email: "bob@example.com", AccessToken: "at-b", RefreshToken: "rt-b", ExpiresAt: validUntil(time.Hour)},
		// Expiring but no refresh token: skipped, not an error.
		accounts.Account{ID: "acc-c", Email: "carol@example.com", AccessToken: "at-c", ExpiresAt: validUntil(time.Minute)},
	)

	sess := newTestSession(t, p, nil, store, nil)

	sess.RefreshAll(context.Background())

	assert.Equal(t, 1, p.calls())

	a, _ := store.Get("acc-a")
	assert.Equal(t, "at-swept", a.AccessToken)

	b, _ := store.Get("acc-b")
	assert.Equal(t, "at-b", b.AccessToken)
}

func TestRefreshAllSurvivesPerAccountFailure(t *testing.T) {
	p := newMockProvider(t)
	p.setTokenResponse(http.StatusBadRequest, map[string]any{
		"error": "invalid_grant",
	})

	store := seedStore(t,
		accounts.Account{ID: "acc-a", Email: "alice@example.com", AccessToken: "at-a", RefreshToken: "rt-dead", ExpiresAt: validUntil(time.Minute)},
	)

	sess := newTestSession(t, p, nil, store, nil)

	sess.RefreshAll(context.Background())

	acct, _ := store.Get("acc-a")
	assert.Empty(t, acct.RefreshToken, "dead grants are stripped during the sweep")
	assert.Equal(t, "at-a", acct.AccessToken, "a failed sweep leaves the old token in place")
}
