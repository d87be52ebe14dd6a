package main

import (
	"github.com/spf13/cobra"
)

func newSnapshotCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot",
		Short: "Print the current widget snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := root.client().GetSnapshot(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), snap)
		},
	}
}

func newResetWindowCmd(root *rootOptions) *cobra.Command {
	var secret string

	cmd := &cobra.Command{
		Use:   "reset-window",
		Short: "Start a new payout window at the current oracle time",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := root.client().ResetWindow(cmd.Context(), secret)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&secret, "secret", envOr("ADMIN_SECRET", ""), "admin secret")
	return cmd
}
