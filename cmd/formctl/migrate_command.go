package main

import (
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/onnwee/formcheck/db"
)

func newMigrateCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withDB(false, func(database *sql.DB, dialect db.Dialect) error {
				if err := db.RunMigrations(database, dialect); err != nil {
					return err
				}
				return printVersion(cmd, database, dialect)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back every migration (drops all formcheck tables)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withDB(false, func(database *sql.DB, dialect db.Dialect) error {
				if err := db.MigrateDown(database, dialect); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "all migrations rolled back")
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the applied schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withDB(false, func(database *sql.DB, dialect db.Dialect) error {
				return printVersion(cmd, database, dialect)
			})
		},
	})
	return cmd
}

func printVersion(cmd *cobra.Command, database *sql.DB, dialect db.Dialect) error {
	version, dirty, err := db.MigrationVersion(database, dialect)
	if err != nil {
		return err
	}
	state := "clean"
	if dirty {
		state = "dirty"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (%s, %s)\n", version, state, dialect)
	return nil
}
