package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/onnwee/formcheck/db"
	"github.com/onnwee/formcheck/history"
)

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	var userID string
	var limit int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List uploads, for one member with --user or the most recent otherwise",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withDB(true, func(database *sql.DB, _ db.Dialect) error {
				repo := history.New(database)
				var (
					uploads []history.Upload
					err     error
				)
				if userID != "" {
					uploads, err = repo.ListByUser(cmd.Context(), userID)
				} else {
					uploads, err = repo.ListRecent(cmd.Context(), limit, 0)
				}
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if asJSON {
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					if uploads == nil {
						uploads = []history.Upload{}
					}
					return enc.Encode(uploads)
				}
				if len(uploads) == 0 {
					fmt.Fprintln(out, "No uploads found")
					return nil
				}
				fmt.Fprintln(out, renderHistory(uploads))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "", "Member id")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Rows to show without --user")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}

func renderHistory(uploads []history.Upload) string {
	headers := []string{"ID", "Uploaded", "User", "File", "Size", "Status", "Attempts", "Result"}
	aligns := []columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignRight, alignLeft}
	rows := make([][]string, 0, len(uploads))
	for _, u := range uploads {
		status := string(u.Status)
		if u.Purged() {
			status += " (purged)"
		}
		result := u.ResultSummary
		if result == "" {
			result = u.Error
		}
		rows = append(rows, []string{
			shortID(u.ID),
			humanize.Time(u.UploadedAt),
			u.UserID,
			u.FileName,
			humanize.Bytes(uint64(u.SizeBytes)),
			status,
			strconv.Itoa(u.Attempts),
			truncate(result, 40),
		})
	}
	return renderTable(headers, rows, aligns)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
