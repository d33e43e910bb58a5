package main

import (
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/onnwee/formcheck/db"
	"github.com/onnwee/formcheck/history"
)

func newImportLegacyCommand(ctx *commandContext) *cobra.Command {
	var requeue, dryRun bool
	var tz, uploadDir string

	cmd := &cobra.Command{
		Use:   "import-legacy <history.json>",
		Short: "Import the JSON upload history kept by the previous version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loc := time.Local
			if tz != "" {
				var err error
				if loc, err = time.LoadLocation(tz); err != nil {
					return fmt.Errorf("invalid --tz: %w", err)
				}
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if uploadDir == "" {
				uploadDir = cfg.UploadDir
			}
			return ctx.withDB(true, func(database *sql.DB, _ db.Dialect) error {
				report, err := history.New(database).ImportLegacy(cmd.Context(), f, history.ImportOptions{
					UploadDir: uploadDir,
					Location:  loc,
					Requeue:   requeue,
					DryRun:    dryRun,
				})
				if err != nil {
					return err
				}
				verb := "imported"
				if dryRun {
					verb = "would import"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %d, skipped %d already present, %d invalid\n",
					verb, report.Imported, report.Skipped, report.Invalid)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&requeue, "requeue", false, "Queue imported uploads for analysis instead of marking them done")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Parse and report without writing")
	cmd.Flags().StringVar(&tz, "tz", "", "Time zone of upload times without an offset (default local)")
	cmd.Flags().StringVar(&uploadDir, "upload-dir", "", "Directory holding the legacy video files (default the configured upload dir)")
	return cmd
}
