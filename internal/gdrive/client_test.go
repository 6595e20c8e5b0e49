package gdrive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// noopSleep is a sleep function that returns immediately, for fast tests.
func noopSleep(_ context.Context, _ time.Duration) error {
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeTokens is a test TokenProvider handing out tokens from a script.
// Each fresh=true resolution advances to the next token.
type fakeTokens struct {
	mu          sync.Mutex
	tokens      []string
	idx         int
	freshCalls  int
	invalidated []string
	err         error
}

func (f *fakeTokens) Token(_ context.Context, fresh bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return "", f.err
	}

	if fresh {
		f.freshCalls++

		if f.idx < len(f.tokens)-1 {
			f.idx++
		}
	}

	return f.tokens[f.idx], nil
}

func (f *fakeTokens) Invalidate(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.invalidated = append(f.invalidated, token)
}

// fakeEscalator records EnsureScopes calls.
type fakeEscalator struct {
	mu     sync.Mutex
	calls  [][]string
	err    error
	onCall func()
}

func (f *fakeEscalator) EnsureScopes(_ context.Context, scopes []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, scopes)

	if f.onCall != nil {
		f.onCall()
	}

	return f.err
}

func newTestClient(t *testing.T, url string, tokens TokenProvider, scopes ScopeEscalator) *Client {
	t.Helper()

	c := NewClient(url, http.DefaultClient, tokens, scopes, discardLogger())
	c.sleepFunc = noopSleep

	return c
}

func scopeErrorBody(reason string) string {
	return fmt.Sprintf(`{"error":{"code":403,"message":"denied","errors":[{"reason":"%s"}]}}`, reason)
}

func TestDoSuccess(t *testing.T) {
	var gotAuth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, &fakeTokens{tokens: []string{"tok-1"}}, nil)

	resp, err := client.do(context.Background(), request{method: http.MethodGet, path: "/files"})
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "Bearer tok-1", gotAuth)
}

func TestDoRenewsTokenOn401(t *testing.T) {
	var seen []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		seen = append(seen, auth)

		if auth == "Bearer tok-stale" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	tokens := &fakeTokens{tokens: []string{"tok-stale", "tok-fresh"}}
	client := newTestClient(t, srv.URL, tokens, nil)

	resp, err := client.do(context.Background(), request{method: http.MethodGet, path: "/files"})
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, []string{"Bearer tok-stale", "Bearer tok-fresh"}, seen)
	assert.Equal(t, []string{"tok-stale"}, tokens.invalidated)
	assert.Equal(t, 1, tokens.freshCalls)
}

func TestDoSecond401IsSessionExpired(t *testing.T) {
	var hits int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	tokens := &fakeTokens{tokens: []string{"tok-1", "tok-2"}}
	client := newTestClient(t, srv.URL, tokens, nil)

	_, err := client.do(context.Background(), request{method: http.MethodGet, path: "/files"})
	require.ErrorIs(t, err, ErrSessionExpired)
	assert.Equal(t, 2, hits, "exactly one renewal retry, never a loop")
}

func TestDoEscalatesScopesOn403(t *testing.T) {
	granted := false

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if !granted {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(scopeErrorBody("insufficientScopes")))
			return
		}

		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	escalator := &fakeEscalator{onCall: func() { granted = true }}
	client := newTestClient(t, srv.URL, &fakeTokens{tokens: []string{"tok-1"}}, escalator)

	resp, err := client.do(context.Background(), request{
		method:         http.MethodGet,
		path:           "/files",
		requiredScopes: []string{ScopeDriveReadonly},
	})
	require.NoError(t, err)
	resp.Body.Close()

	require.Len(t, escalator.calls, 1)
	assert.Equal(t, []string{ScopeDriveReadonly}, escalator.calls[0])
}

func TestDoScopeEscalationOnlyOnce(t *testing.T) {
	var hits int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(scopeErrorBody("insufficientPermissions")))
	}))
	defer srv.Close()

	escalator := &fakeEscalator{}
	client := newTestClient(t, srv.URL, &fakeTokens{tokens: []string{"tok-1"}}, escalator)

	_, err := client.do(context.Background(), request{
		method:         http.MethodGet,
		path:           "/files",
		requiredScopes: []string{ScopeDriveReadonly},
	})
	require.ErrorIs(t, err, ErrForbidden)
	assert.NotErrorIs(t, err, ErrFilePermission)
	assert.Equal(t, 2, hits)
	assert.Len(t, escalator.calls, 1)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "insufficientPermissions", apiErr.Reason)
}

func TestDoFilePermission403NeverEscalates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(scopeErrorBody("userRateLimitNotExceededButNoAccess")))
	}))
	defer srv.Close()

	escalator := &fakeEscalator{}
	client := newTestClient(t, srv.URL, &fakeTokens{tokens: []string{"tok-1"}}, escalator)

	_, err := client.do(context.Background(), request{
		method:         http.MethodGet,
		path:           "/files/abc",
		requiredScopes: []string{ScopeDriveReadonly},
	})
	require.ErrorIs(t, err, ErrFilePermission)
	assert.Empty(t, escalator.calls)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Equal(t, "userRateLimitNotExceededButNoAccess", apiErr.Reason)
}

func TestDoEscalationFailureSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(scopeErrorBody("insufficientScopes")))
	}))
	defer srv.Close()

	escalator := &fakeEscalator{err: errors.New("user cancelled")}
	client := newTestClient(t, srv.URL, &fakeTokens{tokens: []string{"tok-1"}}, escalator)

	_, err := client.do(context.Background(), request{
		method:         http.MethodGet,
		path:           "/files",
		requiredScopes: []string{ScopeDriveReadonly},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scope escalation failed")
}

func TestDoRetriesTransientErrors(t *testing.T) {
	var hits int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		if hits < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, &fakeTokens{tokens: []string{"tok-1"}}, nil)

	resp, err := client.do(context.Background(), request{method: http.MethodGet, path: "/files"})
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, 3, hits)
}

func TestDoRateLimitExhaustsRetries(t *testing.T) {
	var hits int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, &fakeTokens{tokens: []string{"tok-1"}}, nil)

	_, err := client.do(context.Background(), request{method: http.MethodGet, path: "/files"})
	require.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, maxRetries+1, hits)
}

func TestDoNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":404,"message":"File not found: abc"}}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, &fakeTokens{tokens: []string{"tok-1"}}, nil)

	_, err := client.do(context.Background(), request{method: http.MethodGet, path: "/files/abc"})
	require.ErrorIs(t, err, ErrNotFound)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Contains(t, apiErr.Message, "File not found")
}

func TestDoTokenResolutionFailure(t *testing.T) {
	client := newTestClient(t, "http://127.0.0.1:0", &fakeTokens{err: errors.New("auth required")}, nil)

	_, err := client.do(context.Background(), request{method: http.MethodGet, path: "/files"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "obtaining token")
}

func TestParseErrorBody(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		wantReason  string
		wantMessage string
	}{
		{
			name:        "full drive error",
			body:        scopeErrorBody("insufficientScopes"),
			wantReason:  "insufficientScopes",
			wantMessage: "denied",
		},
		{
			name:        "message only",
			body:        `{"error":{"code":404,"message":"File not found"}}`,
			wantReason:  "",
			wantMessage: "File not found",
		},
		{
			name:        "not json",
			body:        "upstream exploded",
			wantReason:  "",
			wantMessage: "upstream exploded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason, message := parseErrorBody([]byte(tt.body))
			assert.Equal(t, tt.wantReason, reason)
			assert.Equal(t, tt.wantMessage, message)
		})
	}
}
