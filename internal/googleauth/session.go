package googleauth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/drivedesk/drivedesk-go/internal/accounts"
)

// Expiry lookahead buffers. The on-demand resolver refuses a token that
// expires within 5 minutes; the background sweep refreshes anything
// within 10 minutes. The two values intentionally differ — the sweep
// works ahead of demand.
const (
	resolveLookahead = 5 * time.Minute
	sweepLookahead   = 10 * time.Minute
)

// MaxAccounts caps how many accounts can be linked at once.
const MaxAccounts = 4

// sweepConcurrency bounds parallel refresh calls during RefreshAll.
const sweepConcurrency = 4

// CacheInvalidator clears view-level data caches that are derived from a
// specific account's Drive contents. Implemented by localdata.Store;
// defined here so the session does not import it.
type CacheInvalidator interface {
	ClearAccount(accountID string) error
	ClearAll() error
}

// TokenOptions modify a single token resolution.
type TokenOptions struct {
	// ForcePrompt skips all cached and refreshed tokens and goes straight
	// to an interactive flow (only meaningful with interactive=true).
	ForcePrompt bool

	// ForceNewSession discards the in-memory cached token and bypasses
	// the stored access token, forcing a refresh (or re-auth). The
	// request executor sets this after a 401.
	ForceNewSession bool
}

// Session owns the mutable authentication state for one run of the
// program: the credential store, the in-memory token cache, and the
// shadow of the active account's token. All components that need a token
// go through it.
type Session struct {
	store  *accounts.Store
	flow   *Flow
	caches CacheInvalidator
	logger *slog.Logger

	mu sync.Mutex
	// tokens maps account id to last-known-good access token. Entirely
	// reconstructible from the store; never persisted on its own.
	tokens map[string]string
	// current shadows the active account's token for fast-path reads.
	current string
}

// NewSession wires a session from its parts. caches may be nil (no
// view-cache layer, e.g. in tests).
func NewSession(store *accounts.Store, flow *Flow, caches CacheInvalidator, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}

	return &Session{
		store:  store,
		flow:   flow,
		caches: caches,
		logger: logger,
		tokens: make(map[string]string),
	}
}

// Store exposes the underlying credential store for read-only uses
// (listing accounts, whoami display).
func (s *Session) Store() *accounts.Store {
	return s.store
}

// AccessToken returns a currently valid access token for accountID (or
// the active account when accountID is empty), refreshing or — when
// interactive is true — re-authorizing as needed.
//
// Non-interactive resolution that cannot produce a token fails with
// ErrAuthRequired so callers can surface a re-auth prompt instead of
// silently blocking the user.
func (s *Session) AccessToken(ctx context.Context, accountID string, interactive bool, opts TokenOptions) (string, error) {
	if accountID == "" {
		accountID = s.store.ActiveID()
	}

	if opts.ForceNewSession {
		s.dropCached(accountID)
	}

	acct, exists := s.store.Get(accountID)

	if exists && !opts.ForcePrompt && !opts.ForceNewSession {
		if acct.AccessToken != "" && !acct.Expired(resolveLookahead) {
			s.cacheToken(accountID, acct.AccessToken)
			return acct.AccessToken, nil
		}
	}

	if exists && !opts.ForcePrompt && acct.RefreshToken != "" {
		token, err := s.refreshAndPersist(ctx, acct)
		if err == nil {
			return token, nil
		}

		// A revoked or expired grant is permanent: strip the refresh
		// token so the next resolution goes interactive instead of
		// hammering the token endpoint.
		if isInvalidGrant(err) {
			s.logger.Warn("refresh token invalid, stripping it",
				slog.String("email", acct.Email),
				slog.String("error", err.Error()),
			)

			s.store.Upsert(accountID, accounts.Patch{RefreshToken: accounts.StringPtr("")})
			s.store.SaveBestEffort()
		} else {
			s.logger.Warn("token refresh failed",
				slog.String("email", acct.Email),
				slog.String("error", err.Error()),
			)
		}
	}

	if !interactive {
		return "", ErrAuthRequired
	}

	res, err := s.flow.Start(ctx, Options{
		Scopes:    s.flow.Scopes,
		Prompt:    PromptConsent,
		LoginHint: acct.Email,
	})
	if err != nil {
		return "", err
	}

	merged := s.mergeResult(res)

	if err := s.store.SetActive(merged.ID); err != nil {
		return "", err
	}

	s.cacheToken(merged.ID, merged.AccessToken)
	s.store.SaveBestEffort()
	s.clearAllCaches()

	return merged.AccessToken, nil
}

// Token implements the request executor's TokenProvider: resolve a token
// for the active account without user interaction. fresh bypasses every
// cached token and forces a refresh (set after a 401).
func (s *Session) Token(ctx context.Context, fresh bool) (string, error) {
	return s.AccessToken(ctx, "", false, TokenOptions{ForceNewSession: fresh})
}

// Invalidate drops a token from the in-memory cache everywhere it
// appears. The stored record is left alone; the next resolution decides
// whether a refresh is needed.
func (s *Session) Invalidate(token string) {
	if token == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, cached := range s.tokens {
		if cached == token {
			delete(s.tokens, id)
		}
	}

	if s.current == token {
		s.current = ""
	}
}

// EnsureScopes implements the request executor's ScopeEscalator: run the
// silent-then-interactive incremental grant for the given scopes and
// merge any returned token into the store.
func (s *Session) EnsureScopes(ctx context.Context, scopes []string) error {
	return s.ensureScopesFor(ctx, scopes, s.store.ActiveID())
}

func (s *Session) ensureScopesFor(ctx context.Context, scopes []string, accountID string) error {
	hint := ""
	if acct, ok := s.store.Get(accountID); ok {
		hint = acct.Email
	}

	res, err := s.flow.EnsureScopes(ctx, scopes, hint)
	if err != nil {
		return err
	}

	if res != nil {
		merged := s.mergeResult(res)
		s.cacheToken(merged.ID, merged.AccessToken)
		s.store.SaveBestEffort()
	}

	return nil
}

// For returns token and scope sources bound to one specific account, so
// requests made on behalf of a non-active account authenticate as that
// account rather than the active one. The bound source satisfies both
// sides of the request executor's contract.
func (s *Session) For(accountID string) *BoundAccount {
	return &BoundAccount{session: s, accountID: accountID}
}

// BoundAccount resolves tokens for a fixed account regardless of which
// account is currently active. Resolution is non-interactive; a dead
// grant surfaces as ErrAuthRequired instead of opening a browser.
type BoundAccount struct {
	session   *Session
	accountID string
}

func (b *BoundAccount) Token(ctx context.Context, fresh bool) (string, error) {
	return b.session.AccessToken(ctx, b.accountID, false, TokenOptions{ForceNewSession: fresh})
}

func (b *BoundAccount) Invalidate(token string) {
	b.session.Invalidate(token)
}

func (b *BoundAccount) EnsureScopes(ctx context.Context, scopes []string) error {
	return b.session.ensureScopesFor(ctx, scopes, b.accountID)
}

// SetActive switches the active account and repopulates the token
// shadow. View caches scoped to the previous account are invalidated so
// two accounts' Drive contents can never be shown cross-account.
func (s *Session) SetActive(accountID string) error {
	prev := s.store.ActiveID()
	if prev == accountID {
		return nil
	}

	if err := s.store.SetActive(accountID); err != nil {
		return err
	}

	s.mu.Lock()
	s.current = s.tokens[accountID]
	if s.current == "" {
		if acct, ok := s.store.Get(accountID); ok && !acct.Expired(resolveLookahead) {
			s.current = acct.AccessToken
			s.tokens[accountID] = acct.AccessToken
		}
	}
	s.mu.Unlock()

	if prev != "" && s.caches != nil {
		if err := s.caches.ClearAccount(prev); err != nil {
			s.logger.Warn("clearing view caches failed",
				slog.String("account_id", prev),
				slog.String("error", err.Error()),
			)
		}
	}

	s.store.SaveBestEffort()

	return nil
}

// AddAccount links a new account via a full interactive consent flow and
// makes it active. A refresh token already stored for the same account is
// preserved when the new flow does not return one.
func (s *Session) AddAccount(ctx context.Context, loginHint string) (accounts.Account, error) {
	if s.store.Len() >= MaxAccounts {
		if _, known := s.store.FindByEmail(loginHint); loginHint == "" || !known {
			return accounts.Account{}, fmt.Errorf("%w (%d)", ErrAccountLimit, MaxAccounts)
		}
	}

	res, err := s.flow.Start(ctx, Options{
		Scopes:    s.flow.Scopes,
		Prompt:    PromptConsent,
		LoginHint: loginHint,
	})
	if err != nil {
		return accounts.Account{}, err
	}

	merged := s.mergeResult(res)

	if err := s.store.SetActive(merged.ID); err != nil {
		return accounts.Account{}, err
	}

	s.cacheToken(merged.ID, merged.AccessToken)
	s.store.SaveBestEffort()
	s.clearAllCaches()

	return merged, nil
}

// RemoveAccount logs an account out: best-effort token revocation with
// the provider, deletion of the stored record, and re-derivation of the
// active account. When the last account is removed, all session state is
// cleared.
func (s *Session) RemoveAccount(ctx context.Context, accountID string) error {
	acct, ok := s.store.Get(accountID)
	if !ok {
		return fmt.Errorf("googleauth: unknown account %q", accountID)
	}

	if err := s.flow.Revoke(ctx, acct.AccessToken); err != nil {
		// Revocation failure never blocks logout.
		s.logger.Warn("token revocation failed",
			slog.String("email", acct.Email),
			slog.String("error", err.Error()),
		)
	}

	newActive := s.store.Remove(accountID)

	s.mu.Lock()
	delete(s.tokens, accountID)

	if newActive == "" {
		s.tokens = make(map[string]string)
		s.current = ""
	} else {
		s.current = s.tokens[newActive]
		if s.current == "" {
			if next, ok := s.store.Get(newActive); ok && !next.Expired(resolveLookahead) {
				s.current = next.AccessToken
				s.tokens[newActive] = next.AccessToken
			}
		}
	}
	s.mu.Unlock()

	if s.caches != nil {
		if err := s.caches.ClearAccount(accountID); err != nil {
			s.logger.Warn("clearing view caches failed",
				slog.String("account_id", accountID),
				slog.String("error", err.Error()),
			)
		}
	}

	s.store.SaveBestEffort()

	s.logger.Info("account removed",
		slog.String("email", acct.Email),
		slog.String("new_active", newActive),
	)

	return nil
}

// RefreshAll is the background sweep: refresh every account whose token
// expires within the sweep lookahead and has a refresh token. Per-account
// failures are logged, never fatal — one revoked account must not stall
// the others.
func (s *Session) RefreshAll(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)

	for _, acct := range s.store.List() {
		if !acct.Expired(sweepLookahead) || acct.RefreshToken == "" {
			continue
		}

		g.Go(func() error {
			if _, err := s.refreshAndPersist(ctx, acct); err != nil {
				if isInvalidGrant(err) {
					s.store.Upsert(acct.ID, accounts.Patch{RefreshToken: accounts.StringPtr("")})
				}

				s.logger.Warn("sweep refresh failed",
					slog.String("email", acct.Email),
					slog.String("error", err.Error()),
				)

				return nil
			}

			s.logger.Debug("sweep refreshed token", slog.String("email", acct.Email))

			return nil
		})
	}

	_ = g.Wait()

	s.store.SaveBestEffort()
}

// refreshAndPersist runs one refresh-token exchange and folds the result
// back into the store and the in-memory cache. The refresh token is only
// replaced when the provider rotated it; RefreshResult guarantees a
// non-empty echo otherwise.
func (s *Session) refreshAndPersist(ctx context.Context, acct accounts.Account) (string, error) {
	res, err := s.flow.Refresh(ctx, acct.RefreshToken)
	if err != nil {
		return "", err
	}

	s.store.Upsert(acct.ID, accounts.Patch{
		AccessToken:  accounts.StringPtr(res.AccessToken),
		RefreshToken: accounts.StringPtr(res.RefreshToken),
		ExpiresAt:    accounts.Int64Ptr(res.ExpiresAt),
	})
	s.store.SaveBestEffort()

	s.cacheToken(acct.ID, res.AccessToken)

	return res.AccessToken, nil
}

// mergeResult folds a flow result into the credential store, preserving
// a previously stored refresh token when the new flow returned none.
func (s *Session) mergeResult(res *Result) accounts.Account {
	patch := accounts.Patch{
		Email:       accounts.StringPtr(res.Email),
		AccessToken: accounts.StringPtr(res.AccessToken),
		ExpiresAt:   accounts.Int64Ptr(res.ExpiresAt),
	}

	if res.RefreshToken != "" {
		patch.RefreshToken = accounts.StringPtr(res.RefreshToken)
	}

	if res.Picture != "" {
		patch.PhotoURL = accounts.StringPtr(res.Picture)
	}

	return s.store.Upsert(res.UserID, patch)
}

// cacheToken records a last-known-good token and updates the active
// shadow when it belongs to the active account.
func (s *Session) cacheToken(accountID, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tokens[accountID] = token

	if accountID == s.store.ActiveID() {
		s.current = token
	}
}

// dropCached discards the in-memory token for one account.
func (s *Session) dropCached(accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tok, ok := s.tokens[accountID]; ok {
		delete(s.tokens, accountID)

		if s.current == tok {
			s.current = ""
		}
	}
}

// clearAllCaches wipes view caches for every account. Used when a new
// interactive flow may have changed which account is active.
func (s *Session) clearAllCaches() {
	if s.caches == nil {
		return
	}

	if err := s.caches.ClearAll(); err != nil {
		s.logger.Warn("clearing view caches failed", slog.String("error", err.Error()))
	}
}
