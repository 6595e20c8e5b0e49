package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/drivedesk/drivedesk-go/internal/gdrive"
	"github.com/drivedesk/drivedesk-go/internal/googleauth"
)

// cacheMaxAge is how long a cached view listing is served before a
// background-style refetch is forced.
const cacheMaxAge = 5 * time.Minute

func newLsCmd() *cobra.Command {
	var (
		view    string
		docKind string
		limit   int
		refresh bool
	)

	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List Drive documents",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runLs(cmd.Context(), lsOptions{
				view:         gdrive.View(view),
				viewExplicit: cmd.Flags().Changed("view"),
				docKind:      gdrive.DocType(docKind),
				limit:        limit,
				refresh:      refresh,
			})
		},
	}

	cmd.Flags().StringVar(&view, "view", string(gdrive.ViewRecent), "listing order: recent (your last view) or drive (last modification)")
	cmd.Flags().StringVar(&docKind, "type", "", "only one document kind: docs, sheets, slides, or forms")
	cmd.Flags().IntVar(&limit, "limit", 0, "number of files to list")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "bypass the cached listing")

	return cmd
}

func newSearchCmd() *cobra.Command {
	var docKind string

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search documents by name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(cmd.Context(), args[0], gdrive.DocType(docKind))
		},
	}

	cmd.Flags().StringVar(&docKind, "type", "", "only one document kind: docs, sheets, slides, or forms")

	return cmd
}

func newCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <docs|sheets|slides|forms> <name>",
		Short: "Create an empty document and print its link",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCreate(cmd.Context(), gdrive.DocType(args[0]), args[1])
		},
	}
}

func newRmCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "rm <file-id>",
		Short: "Permanently delete a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRm(cmd.Context(), args[0], force)
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "do not ask for confirmation")

	return cmd
}

// lastViewPref remembers the view the user listed last, so a bare `ls`
// reopens where they left off.
const lastViewPref = "last_view"

type lsOptions struct {
	view         gdrive.View
	viewExplicit bool
	docKind      gdrive.DocType
	limit        int
	refresh      bool
}

func runLs(ctx context.Context, opts lsOptions) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	accountID, err := a.accountID()
	if err != nil {
		return err
	}

	if !opts.viewExplicit {
		if last, prefErr := a.local.Pref(ctx, lastViewPref, string(opts.view)); prefErr == nil {
			opts.view = gdrive.View(last)
		}
	}

	if opts.view != gdrive.ViewRecent && opts.view != gdrive.ViewDrive {
		return fmt.Errorf("unknown view %q: use recent or drive", opts.view)
	}

	if opts.limit <= 0 {
		opts.limit = a.cfg.Display.PageSize
	}

	files, err := a.listFiles(ctx, accountID, opts)
	if err != nil {
		return translateAuthError(err)
	}

	pins, err := a.local.Pins(ctx, accountID)
	if err != nil {
		return err
	}

	files = gdrive.PinnedFirst(files, pins)

	if err := a.local.SetPref(ctx, lastViewPref, string(opts.view)); err != nil {
		a.logger.Warn("remembering view failed", "error", err)
	}

	return printFiles(files, pins)
}

// listFiles serves a view from the local cache when it is fresh enough,
// refetching (and re-caching) otherwise. The cache key includes the
// document kind so a filtered view never shadows the unfiltered one.
func (a *app) listFiles(ctx context.Context, accountID string, opts lsOptions) ([]gdrive.File, error) {
	cacheKey := string(opts.view)
	if opts.docKind != "" {
		cacheKey += ":" + string(opts.docKind)
	}

	if !opts.refresh {
		cached, ok, err := a.local.CachedFiles(ctx, accountID, cacheKey, cacheMaxAge)
		if err == nil && ok && len(cached) >= opts.limit {
			return cached[:opts.limit], nil
		}
	}

	files, err := a.driveFor(accountID).ListFiles(ctx, gdrive.ListOptions{
		View:     opts.view,
		DocType:  opts.docKind,
		PageSize: opts.limit,
	})
	if err != nil {
		return nil, err
	}

	if err := a.local.CacheFiles(ctx, accountID, cacheKey, files); err != nil {
		a.logger.Warn("caching listing failed", "error", err)
	}

	return files, nil
}

func runSearch(ctx context.Context, query string, docKind gdrive.DocType) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	accountID, err := a.accountID()
	if err != nil {
		return err
	}

	files, err := a.driveFor(accountID).ListFiles(ctx, gdrive.ListOptions{
		View:     gdrive.ViewRecent,
		DocType:  docKind,
		Query:    query,
		PageSize: a.cfg.Display.PageSize,
	})
	if err != nil {
		return translateAuthError(err)
	}

	gdrive.RankByQuery(files, query)

	return printFiles(files, nil)
}

func runCreate(ctx context.Context, kind gdrive.DocType, name string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	accountID, err := a.accountID()
	if err != nil {
		return err
	}

	file, err := a.driveFor(accountID).CreateFile(ctx, name, kind)
	if err != nil {
		return translateAuthError(err)
	}

	// The new document belongs at the top of the next listing.
	if err := a.local.ClearAccount(accountID); err != nil {
		a.logger.Warn("invalidating cache after create", "error", err)
	}

	if flagJSON {
		return json.NewEncoder(os.Stdout).Encode(file)
	}

	fmt.Println(file.WebViewLink)

	return nil
}

func runRm(ctx context.Context, fileID string, force bool) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	accountID, err := a.accountID()
	if err != nil {
		return err
	}

	if !force && !confirm(fmt.Sprintf("Permanently delete %s?", fileID)) {
		statusf("Aborted.\n")

		return nil
	}

	if err := a.driveFor(accountID).DeleteFile(ctx, fileID); err != nil {
		return translateAuthError(err)
	}

	if err := a.local.Unpin(ctx, accountID, fileID); err != nil {
		a.logger.Warn("unpinning deleted file", "error", err)
	}

	if err := a.local.ClearAccount(accountID); err != nil {
		a.logger.Warn("invalidating cache after delete", "error", err)
	}

	statusf("Deleted %s.\n", fileID)

	return nil
}

// translateAuthError rewrites token lifecycle failures into messages
// that tell the user what to do next.
func translateAuthError(err error) error {
	switch {
	case errors.Is(err, googleauth.ErrAuthRequired):
		return fmt.Errorf("session expired — run 'drivedesk login' to sign in again")
	case errors.Is(err, gdrive.ErrSessionExpired):
		return fmt.Errorf("session expired — run 'drivedesk login' to sign in again")
	case errors.Is(err, gdrive.ErrForbidden):
		return fmt.Errorf("this action needs additional Drive permissions that were not granted")
	case errors.Is(err, gdrive.ErrFilePermission):
		return fmt.Errorf("your account does not have access to this file")
	default:
		return err
	}
}
