package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newPinCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pin <file-id>",
		Short: "Pin a document to the top of listings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			accountID, err := a.accountID()
			if err != nil {
				return err
			}

			if err := a.local.Pin(cmd.Context(), accountID, args[0]); err != nil {
				return err
			}

			statusf("Pinned %s.\n", args[0])

			return nil
		},
	}
}

func newUnpinCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unpin <file-id>",
		Short: "Remove a document from the pinned list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			accountID, err := a.accountID()
			if err != nil {
				return err
			}

			if err := a.local.Unpin(cmd.Context(), accountID, args[0]); err != nil {
				return err
			}

			statusf("Unpinned %s.\n", args[0])

			return nil
		},
	}
}

func newPinsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pins",
		Short: "List pinned documents, newest pin first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			accountID, err := a.accountID()
			if err != nil {
				return err
			}

			pins, err := a.local.Pins(cmd.Context(), accountID)
			if err != nil {
				return err
			}

			if flagJSON {
				return json.NewEncoder(os.Stdout).Encode(pins)
			}

			for _, id := range pins {
				fmt.Println(id)
			}

			return nil
		},
	}
}
