package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/99minutos/identity-service/internal/core/ports"
	"github.com/99minutos/identity-service/internal/pkg/config"
	"github.com/99minutos/identity-service/pkg/logger"
)

const defaultCreateUserTimeout = 30 * time.Second

// createUserConfig holds the flags of the create-user command.
type createUserConfig struct {
	email    string
	password string
	admin    bool
	timeout  time.Duration
}

// NewCreateUserCmd creates the create-user subcommand. It is the only way to
// create an administrator.
func NewCreateUserCmd() *cobra.Command {
	cfg := &createUserConfig{}

	cmd := &cobra.Command{
		Use:   "create-user",
		Short: "Create an account directly in the store",
		Long: `Creates an account with the same email and password rules as public
registration. Use --admin to grant the administrator role.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCreateUser(cmd, cfg)
		},
	}

	cmd.Flags().StringVar(&cfg.email, "email", "", "account email")
	cmd.Flags().StringVar(&cfg.password, "password", "", "account password")
	cmd.Flags().BoolVar(&cfg.admin, "admin", false, "grant the administrator role")
	cmd.Flags().DurationVar(&cfg.timeout, "timeout", defaultCreateUserTimeout, "timeout for store operations (e.g., 30s, 1m)")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")

	return cmd
}

func runCreateUser(cmd *cobra.Command, flags *createUserConfig) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
	defer cancel()

	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}
	log := logger.Init(logger.Options{Level: cfg.LogLevel, Pretty: true, Output: cmd.ErrOrStderr(), Service: "identityd"})

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = a.close(context.Background()) }()

	svc, err := a.authService(cfg, log)
	if err != nil {
		return err
	}

	identity, err := svc.Register(ctx, ports.RegisterInput{
		Email:    flags.email,
		Password: flags.password,
		Admin:    flags.admin,
	})
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}

	cmd.Printf("created user %s (%s) admin=%t\n", identity.ID, identity.Email, identity.IsAdmin)
	return nil
}
