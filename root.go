package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/drivedesk/drivedesk-go/internal/accounts"
	"github.com/drivedesk/drivedesk-go/internal/config"
	"github.com/drivedesk/drivedesk-go/internal/gdrive"
	"github.com/drivedesk/drivedesk-go/internal/googleauth"
	"github.com/drivedesk/drivedesk-go/internal/localdata"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagAccount    string
	flagJSON       bool
	flagVerbose    bool
	flagQuiet      bool
)

// newRootCmd builds and returns the fully-assembled root command with
// all subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "drivedesk",
		Short:   "Google Drive document launcher",
		Long:    "Browse, search, pin, and create Google Drive documents across multiple Google accounts.",
		Version: version,
		// Silence Cobra's default error/usage printing — we handle it ourselves.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flagAccount, "account", "", "act on this account (email) instead of the active one")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(newLoginCmd())
	cmd.AddCommand(newLogoutCmd())
	cmd.AddCommand(newWhoamiCmd())
	cmd.AddCommand(newAccountsCmd())
	cmd.AddCommand(newLsCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newCreateCmd())
	cmd.AddCommand(newRmCmd())
	cmd.AddCommand(newPinCmd())
	cmd.AddCommand(newUnpinCmd())
	cmd.AddCommand(newPinsCmd())
	cmd.AddCommand(newRefreshCmd())

	return cmd
}

// app bundles the wired-up components a command needs. Built per
// invocation by newApp; Close releases the local database.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      *accounts.Store
	local      *localdata.Store
	session    *googleauth.Session
	httpClient *http.Client
	baseURL    string
	drive      *gdrive.Client
}

// newApp resolves configuration and wires the session, Drive client, and
// local data store together.
func newApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	logger := buildLogger(cfg)

	dataDir := config.DefaultDataDir()
	if err := os.MkdirAll(dataDir, accounts.DirPerms); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	store := accounts.Load(config.AccountsPath(), logger)

	local, err := localdata.Open(config.LocalDataPath(), logger)
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{Timeout: cfg.Timeout()}

	launcher := googleauth.NewLoopbackLauncher(openBrowser, logger)

	flow := googleauth.NewFlow(cfg.OAuth.ClientID, cfg.OAuth.ClientSecret, cfg.OAuth.Scopes, launcher, logger)
	flow.HTTPClient = httpClient
	applyEndpointOverrides(flow, cfg)

	session := googleauth.NewSession(store, flow, local, logger)

	drive := gdrive.NewClient(gdrive.DefaultBaseURL, httpClient, session, session, logger)

	return &app{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		local:      local,
		session:    session,
		httpClient: httpClient,
		baseURL:    gdrive.DefaultBaseURL,
		drive:      drive,
	}, nil
}

// driveFor returns a Drive client whose requests authenticate as the
// given account. Without this, --account would scope caches and pins to
// the requested account while still fetching with the active account's
// token, leaking one account's files into another's cache.
func (a *app) driveFor(accountID string) *gdrive.Client {
	if accountID == a.store.ActiveID() {
		return a.drive
	}

	bound := a.session.For(accountID)

	return gdrive.NewClient(a.baseURL, a.httpClient, bound, bound, a.logger)
}

func (a *app) Close() {
	if err := a.local.Close(); err != nil {
		a.logger.Warn("closing local database", slog.String("error", err.Error()))
	}
}

// accountID resolves the --account flag (an email) to a stored account
// ID, defaulting to the active account.
func (a *app) accountID() (string, error) {
	if flagAccount == "" {
		id := a.store.ActiveID()
		if id == "" {
			return "", fmt.Errorf("no account linked — run 'drivedesk login' first")
		}

		return id, nil
	}

	acct, ok := a.store.FindByEmail(flagAccount)
	if !ok {
		return "", fmt.Errorf("no linked account with email %q", flagAccount)
	}

	return acct.ID, nil
}

// applyEndpointOverrides points the flow at non-default OAuth endpoints
// from the config file. Used for testing against a mock provider.
func applyEndpointOverrides(flow *googleauth.Flow, cfg *config.Config) {
	if cfg.OAuth.AuthURL != "" || cfg.OAuth.TokenURL != "" {
		flow.Endpoint = oauth2.Endpoint{
			AuthURL:   cfg.OAuth.AuthURL,
			TokenURL:  cfg.OAuth.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		}
	}

	if cfg.OAuth.UserInfoURL != "" {
		flow.UserInfoURL = cfg.OAuth.UserInfoURL
	}

	if cfg.OAuth.RevokeURL != "" {
		flow.RevokeURL = cfg.OAuth.RevokeURL
	}
}

// loadConfig resolves the effective configuration from the override
// chain: defaults -> file -> environment -> CLI flags.
func loadConfig() (*config.Config, error) {
	cli := config.CLIOverrides{
		ConfigPath: flagConfigPath,
	}

	if flagVerbose {
		cli.LogLevel = "debug"
	}

	if flagQuiet {
		cli.LogLevel = "error"
	}

	cfg, err := config.Resolve(config.ReadEnvOverrides(), cli)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	return cfg, nil
}

// buildLogger creates an slog.Logger at the resolved level.
func buildLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo

	switch cfg.Logging.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// openBrowser opens url in the platform's default browser.
func openBrowser(url string) error {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", url).Start()
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", url).Start()
	default:
		if _, err := exec.LookPath("xdg-open"); err != nil {
			return fmt.Errorf("no browser opener found: %w", err)
		}

		return exec.Command("xdg-open", url).Start()
	}
}

// accountsWatchPath is where the refresh daemon watches for concurrent
// account store mutations.
func accountsWatchPath() (dir, file string) {
	p := config.AccountsPath()

	return filepath.Dir(p), filepath.Base(p)
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
