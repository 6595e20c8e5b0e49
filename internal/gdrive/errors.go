// Package gdrive provides an HTTP client for the Google Drive v3 API
// with automatic retry, token renewal on expiry, incremental scope
// escalation, and error classification.
package gdrive

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for HTTP status code classification.
// Use errors.Is(err, gdrive.ErrNotFound) to check.
var (
	ErrBadRequest   = errors.New("gdrive: bad request")
	ErrUnauthorized = errors.New("gdrive: unauthorized")
	ErrForbidden    = errors.New("gdrive: forbidden")
	ErrNotFound     = errors.New("gdrive: not found")
	ErrRateLimited  = errors.New("gdrive: rate limited")
	ErrServerError  = errors.New("gdrive: server error")

	// ErrSessionExpired means a request failed with 401 twice in a row,
	// once with a freshly minted token. The stored grant is no longer
	// usable and the user must sign in again.
	ErrSessionExpired = errors.New("gdrive: session expired, sign in again")

	// ErrFilePermission means the caller's account genuinely lacks access
	// to the file. Never retried and never escalated.
	ErrFilePermission = errors.New("gdrive: no permission for this file")
)

// APIError wraps a sentinel error with the HTTP status code, the Drive
// error reason, and the API message body for debugging.
type APIError struct {
	StatusCode int
	Reason     string
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *APIError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("gdrive: HTTP %d (%s): %s", e.StatusCode, e.Reason, e.Message)
	}

	return fmt.Sprintf("gdrive: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// driveErrorBody is the wire shape of a Drive API error response.
type driveErrorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Errors  []struct {
			Reason  string `json:"reason"`
			Message string `json:"message"`
		} `json:"errors"`
	} `json:"error"`
}

// parseErrorBody extracts the reason and message from a Drive error
// response. A body that is not the expected JSON yields empty reason and
// the raw body as message.
func parseErrorBody(body []byte) (reason, message string) {
	var parsed driveErrorBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", string(body)
	}

	message = parsed.Error.Message
	if len(parsed.Error.Errors) > 0 {
		reason = parsed.Error.Errors[0].Reason

		if message == "" {
			message = parsed.Error.Errors[0].Message
		}
	}

	if message == "" {
		message = string(body)
	}

	return reason, message
}

// scopeReasons are the 403 reasons that mean the token's granted scopes
// are too narrow, as opposed to the account lacking access to the file.
// Only these trigger scope escalation.
var scopeReasons = map[string]bool{
	"insufficientPermissions": true,
	"insufficientScopes":      true,
	"accessNotConfigured":     true,
}

// isScopeReason reports whether a 403 should be handled by escalating
// scopes rather than surfaced as a file permission error.
func isScopeReason(reason string) bool {
	return scopeReasons[reason]
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for 2xx success codes.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusTooManyRequests:
		return ErrRateLimited
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return nil
	}
}

// isRetryable reports whether the given HTTP status code should be
// retried with backoff. 401 and 403 are not here: they have their own
// single-retry paths (token renewal and scope escalation).
func isRetryable(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
