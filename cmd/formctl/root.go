package main

import (
	"database/sql"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/onnwee/formcheck/config"
	"github.com/onnwee/formcheck/db"
)

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		path := os.Getenv(config.FileEnv)
		if c.configFlag != nil && strings.TrimSpace(*c.configFlag) != "" {
			path = strings.TrimSpace(*c.configFlag)
		}
		c.config, c.configErr = config.LoadFile(path)
	})
	return c.config, c.configErr
}

// withDB opens the configured database for the duration of fn. When migrate
// is set the schema is brought up to date first.
func (c *commandContext) withDB(migrate bool, fn func(database *sql.DB, dialect db.Dialect) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	database, dialect, err := db.Connect(cfg.DBDsn)
	if err != nil {
		return err
	}
	defer database.Close()
	if migrate {
		if err := db.RunMigrations(database, dialect); err != nil {
			return err
		}
	}
	return fn(database, dialect)
}

func newRootCommand() *cobra.Command {
	var configFlag string
	var verbose bool

	ctx := newCommandContext(&configFlag)

	rootCmd := &cobra.Command{
		Use:           "formctl",
		Short:         "Operate a formcheck installation",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			lvl := slog.LevelWarn
			if verbose {
				lvl = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: lvl})))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path (default $"+config.FileEnv+")")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log debug output to stderr")

	rootCmd.AddCommand(newMigrateCommand(ctx))
	rootCmd.AddCommand(newImportLegacyCommand(ctx))
	rootCmd.AddCommand(newAdminCommand(ctx))
	rootCmd.AddCommand(newHistoryCommand(ctx))
	rootCmd.AddCommand(newTokensCommand(ctx))
	rootCmd.AddCommand(newRetentionCommand(ctx))

	return rootCmd
}
