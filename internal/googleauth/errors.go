// Package googleauth implements the OAuth 2.0 token lifecycle for multiple
// simultaneously linked Google accounts: the PKCE authorization-code flow,
// token refresh, incremental scope escalation, on-demand token resolution,
// and the account session (active account, switching, logout).
package googleauth

import (
	"errors"
	"strings"
)

// Sentinel errors for flow and resolver failures.
// Use errors.Is(err, googleauth.ErrAuthRequired) to check.
var (
	// ErrAuthorizationCancelled means the user closed or abandoned the
	// consent window, or the launcher produced no redirect.
	ErrAuthorizationCancelled = errors.New("googleauth: authorization was cancelled")

	// ErrAuthorizationDenied means the provider redirected back with an
	// error parameter (e.g. access_denied).
	ErrAuthorizationDenied = errors.New("googleauth: authorization denied")

	// ErrStateMismatch means the state returned in the redirect did not
	// match the one generated for this flow. Possible CSRF or a stale
	// flow; never ignored, the flow aborts before code exchange.
	ErrStateMismatch = errors.New("googleauth: state mismatch during OAuth flow")

	// ErrMissingCode means the redirect carried neither an error nor an
	// authorization code.
	ErrMissingCode = errors.New("googleauth: authorization code not found in redirect URL")

	// ErrTokenExchange means the authorization-code exchange failed.
	ErrTokenExchange = errors.New("googleauth: token exchange failed")

	// ErrProfileFetch means the userinfo endpoint could not fill in the
	// identity fields missing from the id_token.
	ErrProfileFetch = errors.New("googleauth: failed to fetch user profile")

	// ErrMissingRefreshToken means a refresh was requested for an account
	// that has no stored refresh token.
	ErrMissingRefreshToken = errors.New("googleauth: missing refresh token")

	// ErrRefresh means the refresh-token exchange failed.
	ErrRefresh = errors.New("googleauth: failed to refresh access token")

	// ErrAuthRequired means no usable token can be produced without user
	// interaction. Always recoverable by prompting the user.
	ErrAuthRequired = errors.New("googleauth: authorization required")

	// ErrAccountLimit means the linked-account cap has been reached.
	ErrAccountLimit = errors.New("googleauth: account limit reached")
)

// cancellationSnippets classify a silent-flow failure as user-caused.
// Matched case-insensitively against the error message.
var cancellationSnippets = []string{
	"did not approve",
	"authorization was cancelled",
	"user cancelled",
	"access_denied",
}

// IsUserCancellation reports whether err looks like the user cancelling
// or denying authorization, as opposed to the provider requiring new
// consent. EnsureScopes uses this to decide whether the interactive
// retry is worth attempting.
func IsUserCancellation(err error) bool {
	if err == nil {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, snippet := range cancellationSnippets {
		if strings.Contains(msg, snippet) {
			return true
		}
	}

	return false
}

// invalidGrantSnippets mark a refresh failure as permanent: the stored
// refresh token has been revoked or expired and a future interactive
// flow is required.
var invalidGrantSnippets = []string{
	"invalid_grant",
	"invalid_request",
	"token has been expired or revoked",
}

// isInvalidGrant reports whether a refresh failure should permanently
// invalidate the stored refresh token.
func isInvalidGrant(err error) bool {
	if err == nil {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, snippet := range invalidGrantSnippets {
		if strings.Contains(msg, snippet) {
			return true
		}
	}

	return false
}
