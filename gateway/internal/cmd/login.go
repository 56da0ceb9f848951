package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/openfoal/openfoal/gateway/internal/config"
	"github.com/openfoal/openfoal/gateway/internal/gateway"
	"github.com/openfoal/openfoal/gateway/internal/store"
	"github.com/openfoal/openfoal/pkg/cli"
)

func newLoginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Issue an access and refresh token for a local account",
		Long: "Authenticates a local account directly against the configured store and prints " +
			"the issued token pair as JSON. The password is read without echo.",
		Args: cobra.NoArgs,
		RunE: runLogin,
	}
	cmd.Flags().StringP("username", "u", "", "account username (prompted when empty)")
	cmd.Flags().StringP("tenant", "t", "", "tenant code (default tenant when empty)")
	return cmd
}

func runLogin(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(resolveConfigPath(cmd, args, config.DefaultPath))
	if err != nil {
		return fmt.Errorf("error: %w", err)
	}
	if !cfg.Auth.UsesLocal() {
		return fmt.Errorf("auth mode %q has no local accounts", cfg.Auth.Mode)
	}

	db, err := store.Open(cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer db.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	authRT, err := gateway.NewAuthRuntime(cfg, db, logger)
	if err != nil {
		return err
	}

	p := cli.DefaultPrompter()
	p.In = cmd.InOrStdin()
	p.Out = cmd.ErrOrStderr()

	username, _ := cmd.Flags().GetString("username")
	if username == "" {
		if username, err = p.AskRequired("Username"); err != nil {
			return err
		}
	}
	tenant, _ := cmd.Flags().GetString("tenant")
	password := p.AskPassword("Password")

	sess, err := authRT.Login(cmd.Context(), username, password, tenant)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(sess)
}
