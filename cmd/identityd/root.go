package main

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command for the identityd CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identityd",
		Short: "identityd - account and session service",
		Long: `identityd registers accounts, verifies passwords and issues
short-lived access tokens with rotating refresh tokens.

Configuration is read from the environment (JWT_SECRET, STORE_DRIVER, ...).`,
		SilenceUsage: true,
	}

	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewCreateUserCmd())

	return cmd
}
