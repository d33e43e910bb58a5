package main

import (
	"bufio"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/onnwee/formcheck/auth"
	"github.com/onnwee/formcheck/db"
)

func newAdminCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Manage the admin password",
	}
	cmd.AddCommand(newSetPasswordCommand(ctx))
	cmd.AddCommand(newImportPasswordCommand(ctx))
	return cmd
}

func newSetPasswordCommand(ctx *commandContext) *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "set-password",
		Short: "Replace the admin password (reads one line from stdin without --password)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return errors.New("no password given on stdin")
				}
				password = strings.TrimRight(line, "\r\n")
			}
			return withAuth(ctx, cmd, func(m *auth.Manager) error {
				if err := m.Set(cmd.Context(), password); err != nil {
					if errors.Is(err, auth.ErrPasswordTooShort) {
						return fmt.Errorf("password must be at least %d characters", auth.MinPasswordLength)
					}
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "admin password updated")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "New password")
	return cmd
}

func newImportPasswordCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "import-password <password.json>",
		Short: `Import the admin password from a legacy {"password": "..."} file`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAuth(ctx, cmd, func(m *auth.Manager) error {
				if err := m.ImportLegacyPasswordFile(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "admin password imported")
				return nil
			})
		},
	}
}

func withAuth(ctx *commandContext, cmd *cobra.Command, fn func(*auth.Manager) error) error {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return err
	}
	return ctx.withDB(true, func(database *sql.DB, _ db.Dialect) error {
		m, err := auth.New(cmd.Context(), database, cfg)
		if err != nil {
			return err
		}
		return fn(m)
	})
}
