// Command stocksync maintains a local SQLite database of A-share listings
// and daily kline history, fed from the Eastmoney quote API.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	_ "github.com/mattn/go-sqlite3"

	"github.com/mingxuanliu/stocksync/internal/config"
	"github.com/mingxuanliu/stocksync/internal/db"
	"github.com/mingxuanliu/stocksync/internal/fetch"
	"github.com/mingxuanliu/stocksync/internal/syncer"
)

// version is stamped at build time; local builds stay "dev"
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "stocksync",
		Short:         "A-share market data sync service",
		Long:          "stocksync keeps a local database of A-share listings and daily kline history current, rate-limiting its calls to the upstream quote API.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().String("config", "", "path to configuration file (TOML)")

	cmd.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newSyncCmd(),
		newStocksCmd(),
		newVersionCmd(),
	)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the stocksync version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "stocksync %s\n", version)
		},
	}
}

// loadConfig reads --config, layers the file over defaults, validates and
// installs the configured logger as the process default.
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, nil, err
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := cfg.Logging.Logger(os.Stdout)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// openDatabase connects with the configured pool settings and brings the
// schema up to date unless migrations are skipped.
func openDatabase(cfg *config.Config, logger *slog.Logger) (*db.DB, error) {
	database, err := db.OpenWithConfig(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if cfg.Database.SkipMigrations {
		logger.Info("skipping migrations", "reason", "configured to skip")
		return database, nil
	}

	if err := database.Migrate(cfg.Database.MigrationsDir, logger); err != nil {
		database.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	schemaVersion, err := database.SchemaVersion()
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("read schema version: %w", err)
	}
	logger.Info("database schema ready", "version", schemaVersion)
	return database, nil
}

// buildService wires storage, the quote client and the sync service. The
// caller owns the returned database handle.
func buildService(cfg *config.Config, logger *slog.Logger) (*syncer.Service, *db.DB, error) {
	database, err := openDatabase(cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	client, err := fetch.NewClient(cfg.Fetch, logger)
	if err != nil {
		database.Close()
		return nil, nil, fmt.Errorf("build quote client: %w", err)
	}

	service, err := syncer.NewService(database, client, cfg.Syncer, logger)
	if err != nil {
		database.Close()
		return nil, nil, err
	}
	return service, database, nil
}
