package main

import (
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"

	"github.com/livinlefevreloca/perfqueue/internal/db"
	"github.com/livinlefevreloca/perfqueue/tools/migrator"
)

func newMigrateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			logger := stdoutLogger(cfg)

			database, err := db.Open(cfg.Database)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer database.Close()

			return migrate(database, logger)
		},
	}
}

// migrate applies the embedded migrations and logs the resulting version
func migrate(database *db.DB, logger *slog.Logger) error {
	logger.Info("running migrations")
	if err := migrator.RunMigrations(database.DB, db.Migrations()); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	version, err := migrator.GetCurrentVersion(database.DB)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}
	logger.Info("database schema ready", "version", version)
	return nil
}
