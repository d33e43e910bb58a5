package main

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/onnwee/formcheck/db"
)

func newTokensCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tokens",
		Short: "Manage stored OAuth tokens",
	}
	var dryRun bool
	encrypt := &cobra.Command{
		Use:   "encrypt",
		Short: "Encrypt plaintext OAuth tokens with ENCRYPTION_KEY",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if cfg.EncryptionKey == "" {
				return errors.New("ENCRYPTION_KEY is required")
			}
			return ctx.withDB(true, func(database *sql.DB, _ db.Dialect) error {
				store, err := db.NewTokenStore(database, cfg.EncryptionKey)
				if err != nil {
					return err
				}
				providers, err := store.EncryptPlaintext(cmd.Context(), dryRun)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				switch {
				case len(providers) == 0:
					fmt.Fprintln(out, "no plaintext tokens found")
				case dryRun:
					fmt.Fprintf(out, "would encrypt %d token(s): %s\n", len(providers), strings.Join(providers, ", "))
				default:
					fmt.Fprintf(out, "encrypted %d token(s): %s\n", len(providers), strings.Join(providers, ", "))
				}
				return nil
			})
		},
	}
	encrypt.Flags().BoolVar(&dryRun, "dry-run", false, "Show what would be encrypted without making changes")
	cmd.AddCommand(encrypt)
	return cmd
}
