package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
)

// defaultSweepInterval is how often the daemon sweeps tokens. Tokens are
// refreshed when they expire within the sweep's lookahead, so the
// interval only needs to be comfortably smaller than a token lifetime.
const defaultSweepInterval = 45 * time.Minute

func newRefreshCmd() *cobra.Command {
	var (
		daemon   bool
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Refresh access tokens that are close to expiring",
		Long: "Refresh access tokens for every linked account whose token expires soon.\n" +
			"With --daemon, keeps running and also re-sweeps when another process\n" +
			"modifies the account store.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRefresh(cmd.Context(), daemon, interval)
		},
	}

	cmd.Flags().BoolVar(&daemon, "daemon", false, "keep running and sweep periodically")
	cmd.Flags().DurationVar(&interval, "interval", defaultSweepInterval, "sweep interval in daemon mode")

	return cmd
}

func runRefresh(ctx context.Context, daemon bool, interval time.Duration) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if a.store.Len() == 0 {
		return fmt.Errorf("no accounts linked — run 'drivedesk login' first")
	}

	a.session.RefreshAll(ctx)

	if !daemon {
		statusf("Token sweep complete.\n")

		return nil
	}

	return a.refreshDaemon(ctx, interval)
}

// refreshDaemon sweeps on a ticker and whenever the account store file
// changes on disk. The file watch catches another drivedesk process (or
// a restore from backup) adding accounts this process has not seen.
func (a *app) refreshDaemon(ctx context.Context, interval time.Duration) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("starting account store watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: the store is replaced by rename, and watching
	// the file itself would break after the first save.
	dir, file := accountsWatchPath()
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	a.logger.Info("refresh daemon started",
		"interval", interval.String(),
		"watching", dir,
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("refresh daemon stopping")

			return nil

		case <-ticker.C:
			a.session.RefreshAll(ctx)

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if filepath.Base(event.Name) != file {
				continue
			}

			a.logger.Debug("account store changed on disk, re-sweeping")

			// Reload so accounts added by another process get swept too.
			a.store.Reload()
			a.session.RefreshAll(ctx)

		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			a.logger.Warn("account store watcher error", "error", watchErr.Error())
		}
	}
}
