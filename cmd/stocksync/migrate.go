package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mingxuanliu/stocksync/internal/db"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			database, err := db.OpenWithConfig(cfg.Database)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer database.Close()

			// An explicit migrate command overrides skip_migrations.
			if err := database.Migrate(cfg.Database.MigrationsDir, logger); err != nil {
				return fmt.Errorf("run migrations: %w", err)
			}

			schemaVersion, err := database.SchemaVersion()
			if err != nil {
				return fmt.Errorf("read schema version: %w", err)
			}
			logger.Info("database schema ready", "version", schemaVersion)
			return nil
		},
	}
}
