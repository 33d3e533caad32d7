package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mingxuanliu/stocksync/internal/scheduler"
	"github.com/mingxuanliu/stocksync/internal/server"
	"github.com/mingxuanliu/stocksync/internal/stats"
	"github.com/mingxuanliu/stocksync/internal/task"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync service: HTTP API, scheduler and stats collector",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			logger.Info("starting stocksync",
				"version", version,
				"driver", cfg.Database.Driver,
				"dsn", cfg.Database.DSN)

			service, database, err := buildService(cfg, logger)
			if err != nil {
				return err
			}
			defer database.Close()

			registry := task.New(logger)

			if cfg.Stats.Enabled {
				collector, err := stats.New(database, cfg.Stats, logger)
				if err != nil {
					return err
				}
				service.SetRecorder(collector)
				collector.Start()
				defer collector.Stop()
			}

			sched, err := scheduler.New(cfg.Scheduler, database, service, registry, logger)
			if err != nil {
				return err
			}
			if err := sched.Start(); err != nil {
				return fmt.Errorf("start scheduler: %w", err)
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
				defer cancel()
				if err := sched.Stop(ctx); err != nil {
					logger.Error("scheduler stop failed", "error", err)
				}
			}()

			srv, err := server.New(cfg.HTTP, database, service, registry, sched, logger)
			if err != nil {
				return err
			}

			serveErr := make(chan error, 1)
			go func() { serveErr <- srv.Start() }()
			logger.Info("stocksync is running", "addr", cfg.HTTP.Addr())

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

			select {
			case sig := <-sigCh:
				logger.Info("shutting down", "signal", sig.String())
			case err := <-serveErr:
				if err != nil {
					return fmt.Errorf("http server: %w", err)
				}
				logger.Warn("http server stopped unexpectedly")
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("http shutdown failed", "error", err)
			}
			return nil
		},
	}
}
