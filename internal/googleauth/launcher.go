package googleauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"
)

// shutdownTimeout is how long to wait for the callback server to drain.
const shutdownTimeout = 5 * time.Second

// callbackPath is the HTTP path the OAuth redirect hits on the local
// server. Google's loopback redirect allows any port; the path just has
// to match what we put in the authorization request.
const callbackPath = "/callback"

// launchResult carries the redirect URL or error from the callback handler.
type launchResult struct {
	redirectURL string
	err         error
}

// LoopbackLauncher implements Launcher with a localhost HTTP server:
//  1. Binds 127.0.0.1 on a random port
//  2. Builds the authorization URL for the allocated redirect URI
//  3. Opens the user's browser to it
//  4. Captures the provider's redirect and hands the full URL back
//
// The flow itself parses and validates the redirect; the launcher only
// transports it. OpenURL is called with the authorization URL; if it
// fails, the URL is printed to stderr so the user can open it manually.
type LoopbackLauncher struct {
	OpenURL func(url string) error
	Logger  *slog.Logger
}

// NewLoopbackLauncher builds a launcher that opens URLs via openURL.
func NewLoopbackLauncher(openURL func(string) error, logger *slog.Logger) *LoopbackLauncher {
	if logger == nil {
		logger = slog.Default()
	}

	return &LoopbackLauncher{OpenURL: openURL, Logger: logger}
}

// Launch implements Launcher. It blocks until the provider redirects
// back or ctx is canceled (the user giving up counts as cancellation).
func (l *LoopbackLauncher) Launch(ctx context.Context, buildAuthURL func(redirectURI string) string) (string, error) {
	resultCh := make(chan launchResult, 1)
	mux := http.NewServeMux()

	srv, port, err := l.startServer(ctx, mux, resultCh)
	if err != nil {
		return "", err
	}

	defer l.shutdown(srv)

	redirectURI := fmt.Sprintf("http://127.0.0.1:%d%s", port, callbackPath)

	mux.HandleFunc("GET "+callbackPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, "<html><body><h1>Authentication complete</h1>"+
			"<p>You can close this window and return to the terminal.</p></body></html>")

		resultCh <- launchResult{redirectURL: redirectURI + "?" + r.URL.RawQuery}
	})

	authURL := buildAuthURL(redirectURI)

	l.Logger.Info("opening browser for authorization")

	if openErr := l.OpenURL(authURL); openErr != nil {
		l.Logger.Warn("failed to open browser, printing URL",
			slog.String("error", openErr.Error()),
		)

		fmt.Fprintf(os.Stderr, "Open this URL in your browser:\n%s\n", authURL)
	}

	select {
	case result := <-resultCh:
		return result.redirectURL, result.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// startServer binds to 127.0.0.1:0 and starts the callback HTTP server.
func (l *LoopbackLauncher) startServer(
	ctx context.Context, mux *http.ServeMux, resultCh chan<- launchResult,
) (*http.Server, int, error) {
	lc := net.ListenConfig{}

	listener, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		return nil, 0, fmt.Errorf("googleauth: binding localhost listener: %w", err)
	}

	tcpAddr, ok := listener.Addr().(*net.TCPAddr)
	if !ok {
		listener.Close()
		return nil, 0, fmt.Errorf("googleauth: listener address is not TCP")
	}

	port := tcpAddr.Port
	l.Logger.Debug("callback server listening", slog.Int("port", port))

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: shutdownTimeout,
	}

	go func() {
		if serveErr := srv.Serve(listener); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			resultCh <- launchResult{err: fmt.Errorf("googleauth: callback server error: %w", serveErr)}
		}
	}()

	return srv, port, nil
}

// shutdown gracefully drains the callback server. Best-effort — log but
// don't propagate since we're in a defer.
func (l *LoopbackLauncher) shutdown(srv *http.Server) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		l.Logger.Warn("callback server shutdown error", slog.String("error", err.Error()))
	}
}
