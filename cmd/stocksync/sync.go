package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mingxuanliu/stocksync/internal/stats"
	"github.com/mingxuanliu/stocksync/internal/syncer"
)

func newSyncCmd() *cobra.Command {
	var (
		mode      string
		batchSize int
		forceFull bool
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one kline sync over the stale universe and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			runMode := syncer.RunMode(mode)
			if runMode != syncer.RunModeDaily && runMode != syncer.RunModeInit {
				return fmt.Errorf("mode must be %q or %q, got %q", syncer.RunModeDaily, syncer.RunModeInit, mode)
			}
			if limit < 0 {
				return fmt.Errorf("limit must not be negative, got %d", limit)
			}

			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if batchSize > 0 {
				cfg.Syncer.BatchSize = batchSize
			}

			service, database, err := buildService(cfg, logger)
			if err != nil {
				return err
			}
			defer database.Close()

			if cfg.Stats.Enabled {
				collector, err := stats.New(database, cfg.Stats, logger)
				if err != nil {
					return err
				}
				service.SetRecorder(collector)
				collector.Start()
				defer collector.Stop()
			}

			// Ctrl-C winds the run down; resolved items keep their bars.
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			result, err := service.ExecuteAll(ctx, runMode, forceFull, limit, func(snap syncer.Snapshot) {
				logger.Info("sync progress",
					"batch", fmt.Sprintf("%d/%d", snap.BatchIndex, snap.TotalBatches),
					"done", fmt.Sprintf("%d/%d", snap.Done, snap.Total),
					"percent", fmt.Sprintf("%.1f", snap.Percent),
					"message", snap.Message)
			})
			if err != nil {
				var pe *syncer.PlanningError
				if errors.As(err, &pe) {
					logger.Info("nothing to sync", "reason", pe.Reason)
					return nil
				}
				if result != nil {
					logger.Warn("sync ended early",
						"status", result.Status,
						"succeeded", result.Succeeded,
						"failed", result.Failed,
						"not_attempted", result.NotAttempted)
				}
				return err
			}

			logger.Info("sync finished",
				"status", result.Status,
				"batches", len(result.Batches),
				"succeeded", result.Succeeded,
				"failed", result.Failed,
				"skipped", result.Skipped,
				"records", result.RecordsWritten(),
				"duration", result.Duration)
			return nil
		},
	}

	cmd.Flags().StringVar(&mode, "mode", string(syncer.RunModeDaily), "rate-limit preset: daily or init")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "items per batch (0 uses the configured default)")
	cmd.Flags().BoolVar(&forceFull, "force-full", false, "refetch full history even for fresh stocks")
	cmd.Flags().IntVar(&limit, "limit", 0, "cap the run to the first N stale stocks (0 means no cap)")

	return cmd
}

func newStocksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stocks",
		Short: "Stock universe operations",
	}
	cmd.AddCommand(newStocksSyncCmd())
	return cmd
}

func newStocksSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Refresh the stock universe from the quote API and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			service, database, err := buildService(cfg, logger)
			if err != nil {
				return err
			}
			defer database.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			_, err = service.SyncStockList(ctx)
			return err
		},
	}
}
