package gdrive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// DefaultBaseURL is the Drive v3 API root.
const DefaultBaseURL = "https://www.googleapis.com/drive/v3"

// Retry and backoff constants. 401 and 403 are handled separately by
// bounded single retries; the backoff loop only covers transient
// failures.
const (
	maxRetries     = 5
	baseBackoff    = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.25
	userAgent      = "drivedesk/0.1"
)

// TokenProvider resolves bearer tokens for the active account. Defined
// at the consumer per Go convention "accept interfaces, return structs";
// googleauth.Session is the real implementation. fresh demands a token
// that bypasses every cache — set after a 401 proved the previous one
// dead at the server despite a valid local expiry.
type TokenProvider interface {
	Token(ctx context.Context, fresh bool) (string, error)
	Invalidate(token string)
}

// ScopeEscalator widens the granted OAuth scopes when a 403 reports the
// token's scopes are too narrow.
type ScopeEscalator interface {
	EnsureScopes(ctx context.Context, scopes []string) error
}

// Client is an HTTP client for the Google Drive API. It handles request
// construction, authentication, expired-session renewal, scope
// escalation, retry with exponential backoff, and error classification.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenProvider
	scopes     ScopeEscalator
	logger     *slog.Logger

	// sleepFunc is called to wait between retries. Defaults to timeSleep.
	// Tests override this to avoid real delays.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewClient creates a Drive API client. scopes may be nil, in which case
// scope-insufficiency 403s surface as ErrFilePermission.
func NewClient(baseURL string, httpClient *http.Client, tokens TokenProvider, scopes ScopeEscalator, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		tokens:     tokens,
		scopes:     scopes,
		logger:     logger,
		sleepFunc:  timeSleep,
	}
}

// request describes one API call. requiredScopes is what EnsureScopes is
// asked for when a 403 reports insufficient scopes.
type request struct {
	method         string
	path           string
	query          url.Values
	body           []byte
	requiredScopes []string
}

// do executes an API request. The retry structure is layered:
//   - transient statuses (429, 5xx) retry with exponential backoff;
//   - the first 401 invalidates the token and retries once with a
//     freshly resolved one; a second 401 is ErrSessionExpired;
//   - a 403 with a scope-insufficiency reason escalates scopes and
//     retries once; any other 403 is terminal ErrFilePermission.
//
// The caller is responsible for closing the response body on success.
func (c *Client) do(ctx context.Context, req request) (*http.Response, error) {
	reqURL := c.baseURL + req.path
	if len(req.query) > 0 {
		reqURL += "?" + req.query.Encode()
	}

	var (
		attempt       int
		renewedToken  bool
		escalatedOnce bool
	)

	freshToken := false

	for {
		token, err := c.tokens.Token(ctx, freshToken)
		if err != nil {
			return nil, fmt.Errorf("gdrive: obtaining token: %w", err)
		}

		freshToken = false

		resp, err := c.doOnce(ctx, req.method, reqURL, token, req.body)
		if err != nil {
			// Context cancellation is not retryable.
			if ctx.Err() != nil {
				return nil, fmt.Errorf("gdrive: request canceled: %w", ctx.Err())
			}

			// Network errors are retryable.
			if attempt < maxRetries {
				backoff := c.calcBackoff(attempt)
				c.logger.Warn("retrying after network error",
					slog.String("method", req.method),
					slog.String("path", req.path),
					slog.Int("attempt", attempt+1),
					slog.Duration("backoff", backoff),
					slog.String("error", err.Error()),
				)

				if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
					return nil, fmt.Errorf("gdrive: request canceled: %w", sleepErr)
				}

				attempt++

				continue
			}

			return nil, fmt.Errorf("gdrive: %s %s failed after %d retries: %w", req.method, req.path, maxRetries, err)
		}

		// 2xx — success.
		if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
			c.logger.Debug("request succeeded",
				slog.String("method", req.method),
				slog.String("path", req.path),
				slog.Int("status", resp.StatusCode),
			)

			return resp, nil
		}

		// Read and close body for error responses.
		errBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		if readErr != nil {
			errBody = []byte("(failed to read response body)")
		}

		reason, message := parseErrorBody(errBody)

		if resp.StatusCode == http.StatusUnauthorized {
			if !renewedToken {
				renewedToken = true
				freshToken = true

				c.tokens.Invalidate(token)

				c.logger.Info("token rejected, renewing session",
					slog.String("method", req.method),
					slog.String("path", req.path),
				)

				continue
			}

			// A token minted moments ago was rejected too; the grant
			// itself is dead.
			return nil, &APIError{
				StatusCode: resp.StatusCode,
				Reason:     reason,
				Message:    message,
				Err:        ErrSessionExpired,
			}
		}

		if resp.StatusCode == http.StatusForbidden && isScopeReason(reason) {
			if c.scopes != nil && !escalatedOnce && len(req.requiredScopes) > 0 {
				escalatedOnce = true

				c.logger.Info("insufficient scopes, requesting escalation",
					slog.String("path", req.path),
					slog.String("reason", reason),
				)

				if err := c.scopes.EnsureScopes(ctx, req.requiredScopes); err != nil {
					return nil, fmt.Errorf("gdrive: scope escalation failed: %w", err)
				}

				continue
			}
		}

		if resp.StatusCode == http.StatusForbidden {
			// A scope failure that escalation could not cure is still
			// a scope problem, not a per-file denial.
			sentinel := ErrFilePermission
			if isScopeReason(reason) {
				sentinel = ErrForbidden
			}

			return nil, &APIError{
				StatusCode: resp.StatusCode,
				Reason:     reason,
				Message:    message,
				Err:        sentinel,
			}
		}

		if isRetryable(resp.StatusCode) && attempt < maxRetries {
			backoff := c.retryBackoff(resp, attempt)
			c.logger.Warn("retrying after HTTP error",
				slog.String("method", req.method),
				slog.String("path", req.path),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoff),
			)

			if err := c.sleepFunc(ctx, backoff); err != nil {
				return nil, fmt.Errorf("gdrive: request canceled: %w", err)
			}

			attempt++

			continue
		}

		if attempt > 0 {
			c.logger.Error("request failed after retries",
				slog.String("method", req.method),
				slog.String("path", req.path),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempts", attempt+1),
			)
		}

		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Reason:     reason,
			Message:    message,
			Err:        classifyStatus(resp.StatusCode),
		}
	}
}

// doJSON executes a request and decodes the JSON response into out.
// out may be nil for responses without a useful body.
func (c *Client) doJSON(ctx context.Context, req request, out any) error {
	resp, err := c.do(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("gdrive: decoding %s response: %w", req.path, err)
	}

	return nil
}

// doOnce executes a single HTTP request (no retry).
func (c *Client) doOnce(ctx context.Context, method, url, token string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", userAgent)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

// retryBackoff returns the backoff duration for a retryable response.
// For 429 responses with a Retry-After header, that value is used.
func (c *Client) retryBackoff(resp *http.Response, attempt int) time.Duration {
	if resp.StatusCode == http.StatusTooManyRequests {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
				return time.Duration(seconds) * time.Second
			}
		}
	}

	return c.calcBackoff(attempt)
}

// calcBackoff computes exponential backoff with ±25% jitter.
func (c *Client) calcBackoff(attempt int) time.Duration {
	backoff := float64(baseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}

	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	backoff += jitter

	return time.Duration(backoff)
}

// timeSleep waits for the given duration or until the context is canceled.
// It is the default sleepFunc for Client.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
