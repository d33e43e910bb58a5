package main

import (
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/onnwee/formcheck/analysis"
	"github.com/onnwee/formcheck/db"
	"github.com/onnwee/formcheck/history"
	"github.com/onnwee/formcheck/media"
)

func newRetentionCommand(ctx *commandContext) *cobra.Command {
	var keepDays, keepPerUser int
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "retention",
		Short: "Run one retention pass (flags override RETENTION_* variables)",
		RunE: func(cmd *cobra.Command, args []string) error {
			policy := analysis.LoadRetentionPolicy()
			if cmd.Flags().Changed("keep-days") {
				policy.KeepDays = keepDays
			}
			if cmd.Flags().Changed("keep-per-user") {
				policy.KeepPerUser = keepPerUser
			}
			if dryRun {
				policy.DryRun = true
			}
			if !policy.Enabled() {
				return fmt.Errorf("no retention policy: set --keep-days or --keep-per-user")
			}
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			videos, err := media.NewStore(cfg.UploadDir)
			if err != nil {
				return err
			}
			return ctx.withDB(true, func(database *sql.DB, _ db.Dialect) error {
				report, err := analysis.RunRetention(cmd.Context(), history.New(database), videos, policy)
				if err != nil {
					return err
				}
				verb := "purged"
				if report.DryRun {
					verb = "would purge"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "checked %d, retained %d, %s %d, failed %d\n",
					report.Checked, report.Retained, verb, len(report.Purged), report.Failed)
				for _, id := range report.Purged {
					fmt.Fprintln(cmd.OutOrStdout(), "  "+id)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&keepDays, "keep-days", 0, "Keep videos newer than this many days")
	cmd.Flags().IntVar(&keepPerUser, "keep-per-user", 0, "Keep this many most recent videos per member")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report without deleting")
	return cmd
}
