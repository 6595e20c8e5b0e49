package googleauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// Default Google endpoints beyond what oauth2/google provides.
const (
	DefaultUserInfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"
	DefaultRevokeURL   = "https://oauth2.googleapis.com/revoke"
)

// Entropy sizes for the per-flow secrets, in raw bytes before base64url
// encoding. The verifier is deliberately larger than the PKCE minimum.
const (
	stateBytes    = 32
	verifierBytes = 64
)

// defaultExpirySeconds is assumed when the provider omits expires_in.
const defaultExpirySeconds = 3600

// Prompt values for the authorization request.
const (
	PromptNone          = "none"
	PromptConsent       = "consent"
	PromptSelectAccount = "select_account"
)

// Launcher drives the interactive part of the authorization flow: it is
// handed a URL builder (parameterized on the redirect URI the launcher
// allocates), navigates the user there, and blocks until the provider
// redirects back. It returns the full redirect URL for the flow to parse.
// Defined here at the consumer; the CLI provides LoopbackLauncher.
type Launcher interface {
	Launch(ctx context.Context, buildAuthURL func(redirectURI string) string) (string, error)
}

// Flow runs PKCE authorization-code exchanges and refresh-token exchanges
// against Google's OAuth endpoints. Endpoints are fields so tests can
// point at a mock server.
type Flow struct {
	ClientID     string
	ClientSecret string
	Scopes       []string // full scope set for primary sign-in

	Endpoint    oauth2.Endpoint
	UserInfoURL string
	RevokeURL   string

	Launcher   Launcher
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// NewFlow builds a Flow with Google's production endpoints.
func NewFlow(clientID, clientSecret string, scopes []string, launcher Launcher, logger *slog.Logger) *Flow {
	if logger == nil {
		logger = slog.Default()
	}

	return &Flow{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Scopes:       scopes,
		Endpoint:     google.Endpoint,
		UserInfoURL:  DefaultUserInfoURL,
		RevokeURL:    DefaultRevokeURL,
		Launcher:     launcher,
		HTTPClient:   http.DefaultClient,
		Logger:       logger,
	}
}

// Options control a single authorization flow invocation.
type Options struct {
	Scopes    []string // defaults to Flow.Scopes
	Prompt    string   // defaults to PromptSelectAccount
	LoginHint string
}

// Result is the outcome of a completed authorization flow.
// ExpiresAt is epoch milliseconds. RefreshToken may be empty when Google
// withheld it (consent was already granted).
type Result struct {
	UserID       string
	Email        string
	Picture      string
	AccessToken  string
	RefreshToken string
	ExpiresAt    int64
	IDToken      string
	ExpiresIn    int64
}

// RefreshResult is the outcome of a refresh-token exchange. RefreshToken
// is the provider's replacement token, or the original echoed back when
// the provider did not rotate it.
type RefreshResult struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    int64
	ExpiresIn    int64
}

// oauthConfig builds the oauth2.Config for one invocation. RedirectURL is
// filled in once the launcher has allocated it.
func (f *Flow) oauthConfig(scopes []string) *oauth2.Config {
	if len(scopes) == 0 {
		scopes = f.Scopes
	}

	return &oauth2.Config{
		ClientID:     f.ClientID,
		ClientSecret: f.ClientSecret,
		Scopes:       scopes,
		Endpoint:     f.Endpoint,
	}
}

// httpContext binds the flow's HTTP client into ctx so the oauth2
// package uses it for the token endpoint.
func (f *Flow) httpContext(ctx context.Context) context.Context {
	if f.HTTPClient == nil {
		return ctx
	}

	return context.WithValue(ctx, oauth2.HTTPClient, f.HTTPClient)
}

// Start runs one full PKCE authorization-code flow: build the
// authorization URL, hand it to the launcher, validate the redirect,
// exchange the code, and derive the account identity. Terminal on
// success or failure; a new invocation generates fresh state and
// verifier material.
func (f *Flow) Start(ctx context.Context, opts Options) (*Result, error) {
	prompt := opts.Prompt
	if prompt == "" {
		prompt = PromptSelectAccount
	}

	state, err := randomURLToken(stateBytes)
	if err != nil {
		return nil, fmt.Errorf("googleauth: generating state: %w", err)
	}

	verifier, err := randomURLToken(verifierBytes)
	if err != nil {
		return nil, fmt.Errorf("googleauth: generating code verifier: %w", err)
	}

	cfg := f.oauthConfig(opts.Scopes)

	f.Logger.Debug("starting authorization flow",
		slog.String("prompt", prompt),
		slog.Int("scopes", len(cfg.Scopes)),
	)

	redirectURL, err := f.Launcher.Launch(ctx, func(redirectURI string) string {
		cfg.RedirectURL = redirectURI

		params := []oauth2.AuthCodeOption{
			oauth2.AccessTypeOffline,
			oauth2.S256ChallengeOption(verifier),
			oauth2.SetAuthURLParam("prompt", prompt),
			// Merge new grants with previously consented scopes so
			// incremental escalation never drops earlier permissions.
			oauth2.SetAuthURLParam("include_granted_scopes", "true"),
		}

		if opts.LoginHint != "" {
			params = append(params, oauth2.SetAuthURLParam("login_hint", opts.LoginHint))
		}

		return cfg.AuthCodeURL(state, params...)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrAuthorizationCancelled, err.Error())
	}

	if redirectURL == "" {
		return nil, ErrAuthorizationCancelled
	}

	code, err := parseRedirect(redirectURL, state)
	if err != nil {
		return nil, err
	}

	f.Logger.Debug("received authorization code, exchanging for tokens")

	tok, err := cfg.Exchange(f.httpContext(ctx), code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTokenExchange, providerMessage(err))
	}

	res := &Result{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    expiresAtMillis(tok.Expiry),
		ExpiresIn:    expiresInSeconds(tok),
	}

	if idToken, ok := tok.Extra("id_token").(string); ok {
		res.IDToken = idToken

		// Decode failure is tolerated: the userinfo fallback fills the gaps.
		if claims, ok := decodeIDTokenPayload(idToken); ok {
			res.UserID = claims.Sub
			res.Email = claims.Email
			res.Picture = claims.Picture
		}
	}

	if res.UserID == "" || res.Email == "" {
		if err := f.fillFromUserInfo(ctx, res); err != nil {
			return nil, err
		}
	}

	f.Logger.Info("authorization flow complete",
		slog.String("email", res.Email),
		slog.Bool("refresh_token", res.RefreshToken != ""),
	)

	return res, nil
}

// EnsureScopes makes sure the required scopes are granted, using
// incremental authorization: first a silent attempt (prompt=none, no UI
// when the grants already exist), then one interactive retry unless the
// silent failure was user-caused. Returns nil Result when scopes is empty.
func (f *Flow) EnsureScopes(ctx context.Context, scopes []string, loginHint string) (*Result, error) {
	if len(scopes) == 0 {
		return nil, nil //nolint:nilnil // "nothing to do" sentinel, mirrors the resolver contract
	}

	res, err := f.Start(ctx, Options{
		Scopes:    scopes,
		Prompt:    PromptNone,
		LoginHint: loginHint,
	})
	if err == nil {
		return res, nil
	}

	// A user who cancelled or denied must not be bounced straight into a
	// second consent screen.
	if IsUserCancellation(err) {
		return nil, err
	}

	f.Logger.Debug("silent scope check failed, retrying interactively",
		slog.String("error", err.Error()),
	)

	return f.Start(ctx, Options{
		Scopes:    scopes,
		Prompt:    PromptSelectAccount,
		LoginHint: loginHint,
	})
}

// Refresh exchanges a refresh token for a new access token. The returned
// RefreshToken is the provider's replacement when rotated, otherwise the
// original refreshToken echoed back — it is never emptied.
func (f *Flow) Refresh(ctx context.Context, refreshToken string) (*RefreshResult, error) {
	if refreshToken == "" {
		return nil, ErrMissingRefreshToken
	}

	cfg := f.oauthConfig(nil)

	src := cfg.TokenSource(f.httpContext(ctx), &oauth2.Token{RefreshToken: refreshToken})

	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrRefresh, providerMessage(err))
	}

	rotated := tok.RefreshToken
	if rotated == "" {
		rotated = refreshToken
	}

	return &RefreshResult{
		AccessToken:  tok.AccessToken,
		RefreshToken: rotated,
		ExpiresAt:    expiresAtMillis(tok.Expiry),
		ExpiresIn:    expiresInSeconds(tok),
	}, nil
}

// Revoke tells the provider to invalidate a token. Best-effort: callers
// log failures and move on, logout never blocks on it.
func (f *Flow) Revoke(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}

	body := url.Values{"token": {token}}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.RevokeURL, strings.NewReader(body.Encode()))
	if err != nil {
		return fmt.Errorf("googleauth: building revoke request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := f.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("googleauth: revoke request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("googleauth: revoke returned status %d", resp.StatusCode)
	}

	return nil
}

func (f *Flow) httpClient() *http.Client {
	if f.HTTPClient != nil {
		return f.HTTPClient
	}

	return http.DefaultClient
}

// fillFromUserInfo fills identity fields missing from the id_token by
// calling the userinfo endpoint with the fresh access token. Unlike the
// id_token decode, a failure here fails the whole flow: without a stable
// user ID the account cannot be stored.
func (f *Flow) fillFromUserInfo(ctx context.Context, res *Result) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.UserInfoURL, nil)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrProfileFetch, err.Error())
	}

	req.Header.Set("Authorization", "Bearer "+res.AccessToken)

	resp, err := f.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrProfileFetch, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: userinfo returned status %d", ErrProfileFetch, resp.StatusCode)
	}

	var profile struct {
		Sub     string `json:"sub"`
		ID      string `json:"id"`
		Email   string `json:"email"`
		Picture string `json:"picture"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return fmt.Errorf("%w: decoding userinfo: %s", ErrProfileFetch, err.Error())
	}

	if res.UserID == "" {
		res.UserID = profile.Sub
		if res.UserID == "" {
			res.UserID = profile.ID
		}
	}

	if res.Email == "" {
		res.Email = profile.Email
	}

	if res.Picture == "" {
		res.Picture = profile.Picture
	}

	return nil
}

// parseRedirect extracts and validates the authorization response from
// the redirect URL. The state check runs before anything else can make
// the flow proceed to code exchange.
func parseRedirect(redirectURL, wantState string) (string, error) {
	parsed, err := url.Parse(redirectURL)
	if err != nil {
		return "", fmt.Errorf("googleauth: parsing redirect URL: %w", err)
	}

	q := parsed.Query()

	if errParam := q.Get("error"); errParam != "" {
		msg := q.Get("error_description")
		if msg == "" {
			msg = errParam
		}

		return "", fmt.Errorf("%w: %s", ErrAuthorizationDenied, msg)
	}

	if q.Get("state") != wantState {
		return "", ErrStateMismatch
	}

	code := q.Get("code")
	if code == "" {
		return "", ErrMissingCode
	}

	return code, nil
}

// providerMessage extracts the user-displayable message from a token
// endpoint failure, preferring the provider's error_description, then
// the error code, then the HTTP status text.
func providerMessage(err error) string {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.ErrorDescription != "" {
			if re.ErrorCode != "" {
				return re.ErrorCode + ": " + re.ErrorDescription
			}

			return re.ErrorDescription
		}

		if re.ErrorCode != "" {
			return re.ErrorCode
		}

		if re.Response != nil {
			return http.StatusText(re.Response.StatusCode)
		}
	}

	return err.Error()
}

// idTokenClaims is the subset of the id_token payload we consume.
type idTokenClaims struct {
	Sub     string `json:"sub"`
	Email   string `json:"email"`
	Picture string `json:"picture"`
}

// decodeIDTokenPayload decodes the payload segment of an id_token without
// verifying the signature — the token arrived over TLS directly from the
// token endpoint, so it is trusted as-is for display identity.
func decodeIDTokenPayload(idToken string) (idTokenClaims, bool) {
	var claims idTokenClaims

	parts := strings.Split(idToken, ".")
	if len(parts) < 2 || parts[1] == "" {
		return claims, false
	}

	payload, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(parts[1], "="))
	if err != nil {
		return claims, false
	}

	if err := json.Unmarshal(payload, &claims); err != nil {
		return claims, false
	}

	return claims, true
}

// randomURLToken returns n bytes of entropy encoded as unpadded
// URL-safe base64.
func randomURLToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}

	return base64.RawURLEncoding.EncodeToString(b), nil
}

// expiresAtMillis converts a token expiry into epoch milliseconds,
// assuming the default lifetime when the provider omitted expires_in.
func expiresAtMillis(expiry time.Time) int64 {
	if expiry.IsZero() {
		return time.Now().Add(defaultExpirySeconds * time.Second).UnixMilli()
	}

	return expiry.UnixMilli()
}

// expiresInSeconds recovers the expires_in value from the token response,
// falling back to the remaining lifetime.
func expiresInSeconds(tok *oauth2.Token) int64 {
	switch v := tok.Extra("expires_in").(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n
		}
	}

	if tok.Expiry.IsZero() {
		return defaultExpirySeconds
	}

	return int64(time.Until(tok.Expiry).Seconds())
}
