// Package server exposes the sync engine over HTTP. Responses use a
// {code, message, data} envelope; failures additionally carry an
// error_kind tag so clients can branch without parsing messages.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mingxuanliu/stocksync/internal/db"
	"github.com/mingxuanliu/stocksync/internal/scheduler"
	"github.com/mingxuanliu/stocksync/internal/syncer"
	"github.com/mingxuanliu/stocksync/internal/task"
)

// Server wires the HTTP API to the sync service, task registry and
// scheduler.
type Server struct {
	config    Config
	store     *db.DB
	service   *syncer.Service
	registry  *task.Registry
	scheduler *scheduler.Scheduler
	logger    *slog.Logger
	http      *http.Server
}

// New creates a server. Call Start to begin listening.
func New(config Config, store *db.DB, service *syncer.Service, registry *task.Registry, sched *scheduler.Scheduler, logger *slog.Logger) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid http config: %w", err)
	}
	if store == nil {
		return nil, errors.New("database is required")
	}
	if service == nil {
		return nil, errors.New("sync service is required")
	}
	if registry == nil {
		return nil, errors.New("task registry is required")
	}
	if sched == nil {
		return nil, errors.New("scheduler is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:    config,
		store:     store,
		service:   service,
		registry:  registry,
		scheduler: sched,
		logger:    logger,
	}
	s.http = &http.Server{
		Addr:         config.Addr(),
		Handler:      s.routes(),
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s, nil
}

// Handler returns the configured router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start listens and serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.config.Addr())
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests up to the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestLogger)
	r.Use(s.recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Route("/stocks", func(r chi.Router) {
			r.Get("/", s.handleListStocks)
			r.Post("/sync", s.handleStockListSync)
			r.Get("/{tsCode}", s.handleGetStock)
			r.Get("/{tsCode}/kline", s.handleListKlines)
		})

		r.Route("/sync", func(r chi.Router) {
			r.Get("/status", s.handleSyncStatus)
			r.Get("/estimate", s.handleSyncEstimate)
			r.Get("/progress", s.handleSyncProgress)
			r.Get("/stats", s.handleSyncStats)
			r.Post("/run", s.handleSyncRun)
			r.Post("/batch/create", s.handleBatchCreate)
			r.Post("/batch/execute", s.handleBatchExecute)
		})

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Get("/{id}", s.handleGetTask)
			r.Post("/{id}/cancel", s.handleCancelTask)
			r.Post("/{id}/pause", s.handlePauseTask)
			r.Post("/{id}/resume", s.handleResumeTask)
			r.Delete("/{id}", s.handleDeleteTask)
		})

		r.Route("/scheduled-tasks", func(r chi.Router) {
			r.Get("/", s.handleListScheduledTasks)
			r.Post("/", s.handleCreateScheduledTask)
			r.Put("/{id}", s.handleUpdateScheduledTask)
			r.Delete("/{id}", s.handleDeleteScheduledTask)
			r.Post("/{id}/run", s.handleRunScheduledTask)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, "success", map[string]string{"status": "ok"})
}
