package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/drivedesk/drivedesk-go/internal/accounts"
	"github.com/drivedesk/drivedesk-go/internal/googleauth"
)

func newLoginCmd() *cobra.Command {
	var hint string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Link a Google account via browser sign-in",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runLogin(cmd.Context(), hint)
		},
	}

	cmd.Flags().StringVar(&hint, "hint", "", "pre-select this Google account email on the consent screen")

	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout [email]",
		Short: "Unlink an account (the active one when no email is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			email := ""
			if len(args) > 0 {
				email = args[0]
			}

			return runLogout(cmd.Context(), email)
		},
	}
}

func newWhoamiCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Display the active account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			check, _ := cmd.Flags().GetBool("check")

			return runWhoami(cmd.Context(), check)
		},
	}
	cmd.Flags().Bool("check", false, "verify the session with a live Drive call")

	return cmd
}

func newAccountsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Manage linked accounts",
		RunE: func(*cobra.Command, []string) error {
			return runAccountsList()
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List linked accounts",
		RunE: func(*cobra.Command, []string) error {
			return runAccountsList()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "switch <email>",
		Short: "Make another linked account active",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAccountsSwitch(args[0])
		},
	})

	return cmd
}

func runLogin(ctx context.Context, hint string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if a.cfg.OAuth.ClientID == "" {
		return fmt.Errorf("no OAuth client configured — set oauth.client_id in %s or DRIVEDESK_CLIENT_ID", flagConfigPath)
	}

	acct, err := a.session.AddAccount(ctx, hint)
	if err != nil {
		if errors.Is(err, googleauth.ErrAuthorizationCancelled) || errors.Is(err, googleauth.ErrAuthorizationDenied) {
			return fmt.Errorf("sign-in was cancelled")
		}

		if errors.Is(err, googleauth.ErrAccountLimit) {
			return fmt.Errorf("at most %d accounts can be linked — log one out first", googleauth.MaxAccounts)
		}

		return err
	}

	statusf("Signed in as %s.\n", acct.Email)

	return nil
}

func runLogout(ctx context.Context, email string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	id := a.store.ActiveID()

	if email != "" {
		acct, ok := a.store.FindByEmail(email)
		if !ok {
			return fmt.Errorf("no linked account with email %q", email)
		}

		id = acct.ID
	}

	if id == "" {
		return fmt.Errorf("no account linked")
	}

	acct, _ := a.store.Get(id)

	if err := a.session.RemoveAccount(ctx, id); err != nil {
		return err
	}

	// Pins and caches for the account go with it.
	if err := a.local.RemoveAccountData(ctx, id); err != nil {
		a.logger.Warn("removing local account data", "error", err)
	}

	statusf("Logged out %s.\n", acct.Email)

	return nil
}

// accountOutput is the JSON schema for account listings.
type accountOutput struct {
	Email     string `json:"email"`
	Active    bool   `json:"active"`
	ExpiresAt string `json:"expires_at"`
}

func runWhoami(ctx context.Context, check bool) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	acct, ok := a.store.Active()
	if !ok {
		return fmt.Errorf("no account linked — run 'drivedesk login' first")
	}

	email := acct.Email
	if check {
		user, err := a.drive.About(ctx)
		if err != nil {
			return translateAuthError(err)
		}
		if user.EmailAddress != "" {
			email = user.EmailAddress
		}
	}

	if flagJSON {
		return json.NewEncoder(os.Stdout).Encode(accountOutput{
			Email:     email,
			Active:    true,
			ExpiresAt: time.UnixMilli(acct.ExpiresAt).Format(time.RFC3339),
		})
	}

	fmt.Println(email)

	return nil
}

func runAccountsList() error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	list := a.store.List()
	if len(list) == 0 {
		statusf("No accounts linked.\n")

		return nil
	}

	activeID := a.store.ActiveID()

	if flagJSON {
		out := make([]accountOutput, 0, len(list))
		for _, acct := range list {
			out = append(out, accountOutput{
				Email:     acct.Email,
				Active:    acct.ID == activeID,
				ExpiresAt: time.UnixMilli(acct.ExpiresAt).Format(time.RFC3339),
			})
		}

		return json.NewEncoder(os.Stdout).Encode(out)
	}

	rows := make([][]string, 0, len(list))

	for _, acct := range list {
		marker := ""
		if acct.ID == activeID {
			marker = "*"
		}

		rows = append(rows, []string{marker, acct.Email, tokenState(acct)})
	}

	printTable(os.Stdout, []string{"", "EMAIL", "TOKEN"}, rows)

	return nil
}

// tokenState summarizes an account's credential state for display.
func tokenState(acct accounts.Account) string {
	switch {
	case !acct.Expired(0):
		return "valid"
	case acct.RefreshToken != "":
		return "refreshable"
	default:
		return "sign-in required"
	}
}

func runAccountsSwitch(email string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	acct, ok := a.store.FindByEmail(email)
	if !ok {
		return fmt.Errorf("no linked account with email %q", email)
	}

	if err := a.session.SetActive(acct.ID); err != nil {
		return err
	}

	statusf("Switched to %s.\n", acct.Email)

	return nil
}
