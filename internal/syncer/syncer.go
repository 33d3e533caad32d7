// Package syncer implements the batch sync engine: planning which stocks
// need updating, executing the plans through a rate-limited fetch pool, and
// recording what happened.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mingxuanliu/stocksync/internal/db"
	"github.com/mingxuanliu/stocksync/internal/fetch"
	"github.com/mingxuanliu/stocksync/internal/ratelimit"
)

var (
	_ Store      = (*db.DB)(nil)
	_ MarketData = (*fetch.Client)(nil)
	_ Limiter    = (*ratelimit.Limiter)(nil)
)

// Service coordinates planning and execution for the HTTP API, the CLI and
// the scheduler. At most one run holds the engine at a time; concurrent
// attempts get ErrRunActive.
type Service struct {
	db       *db.DB
	provider MarketData
	planner  *Planner
	config   Config
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	plans   []BatchPlan
	orch    *Orchestrator
	metrics Recorder
}

// NewService creates the sync service
func NewService(database *db.DB, provider MarketData, config Config, logger *slog.Logger) (*Service, error) {
	if database == nil {
		return nil, errors.New("database is required")
	}
	if provider == nil {
		return nil, errors.New("market data provider is required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sync config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		db:       database,
		provider: provider,
		planner:  NewPlanner(database, config, logger),
		config:   config,
		logger:   logger,
	}, nil
}

// Config returns the engine configuration
func (s *Service) Config() Config {
	return s.config
}

// SetRecorder attaches an activity recorder. Wire it at startup; runs
// already executing keep the recorder they started with.
func (s *Service) SetRecorder(rec Recorder) {
	s.mu.Lock()
	s.metrics = rec
	s.mu.Unlock()
}

func (s *Service) recorder() Recorder {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics
}

func (s *Service) recordFetch(kind OutcomeKind, bars int, latency time.Duration) {
	if rec := s.recorder(); rec != nil {
		rec.RecordFetch(kind, bars, latency)
	}
}

func (s *Service) recordFlush(rows int, latency time.Duration, err error) {
	if rec := s.recorder(); rec != nil {
		rec.RecordFlush(rows, latency, err)
	}
}

// Running reports whether a run currently holds the engine
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// ComputeProgress classifies the active universe by freshness
func (s *Service) ComputeProgress(force bool) (*WorkSet, error) {
	return s.planner.ComputeProgress(force)
}

// CreateBatches plans a new batch set and makes it the active one. The set
// cannot be replaced while a run is executing.
func (s *Service) CreateBatches(batchSize int, force bool, limit int) ([]BatchPlan, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil, ErrRunActive
	}
	s.mu.Unlock()

	plans, err := s.planner.CreateBatches(batchSize, force, limit)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil, ErrRunActive
	}
	s.plans = plans
	s.mu.Unlock()
	return clonePlans(plans), nil
}

// Plans returns a copy of the active plan set
func (s *Service) Plans() []BatchPlan {
	s.mu.Lock()
	defer s.mu.Unlock()
	return clonePlans(s.plans)
}

// ExecuteBatch runs one plan from the active set by its 1-based index
func (s *Service) ExecuteBatch(ctx context.Context, index int, onProgress ProgressFunc) (*BatchResult, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil, ErrRunActive
	}
	if len(s.plans) == 0 {
		s.mu.Unlock()
		return nil, &PlanningError{Reason: "no active batch plans; prepare batches first"}
	}
	if index < 1 || index > len(s.plans) {
		n := len(s.plans)
		s.mu.Unlock()
		return nil, &PlanningError{Reason: fmt.Sprintf("batch index %d out of range 1..%d", index, n)}
	}
	plan := s.plans[index-1]

	mode := RunModeDaily
	if plan.ForceFull {
		mode = RunModeInit
	}
	orch := s.newOrchestrator(mode)
	s.orch = orch
	s.running = true
	s.mu.Unlock()
	defer s.clearRunning()

	started := time.Now()
	result, err := orch.ExecuteBatch(ctx, &plan, s.wrapProgress(onProgress))
	s.auditBatch(started, result)
	return result, err
}

// ExecuteAll plans the whole stale universe and runs every batch. limit
// caps the run to the first limit items of the planning order; 0 means no
// cap.
func (s *Service) ExecuteAll(ctx context.Context, mode RunMode, force bool, limit int, onProgress ProgressFunc) (*RunResult, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil, ErrRunActive
	}
	orch := s.newOrchestrator(mode)
	s.orch = orch
	s.running = true
	s.mu.Unlock()
	defer s.clearRunning()

	plans, err := s.planner.CreateBatches(s.config.BatchSize, force, limit)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.plans = plans
	s.mu.Unlock()

	started := time.Now()
	result, runErr := orch.ExecuteAll(ctx, clonePlans(plans), s.wrapProgress(onProgress))
	s.auditRun(started, result)
	return result, runErr
}

// SyncOne fetches and persists one stock's history immediately, outside any
// batch plan.
func (s *Service) SyncOne(ctx context.Context, tsCode string, force bool) (*Outcome, error) {
	if _, err := s.db.GetStock(tsCode); err != nil {
		return nil, err
	}

	started := time.Now()
	out := &Outcome{TsCode: tsCode}

	latest, err := s.db.LatestKlineDate(tsCode)
	if err != nil {
		return nil, fmt.Errorf("read latest date: %w", err)
	}

	now := time.Now()
	if !force && isFresh(latest, now, s.config.freshness()) {
		out.Kind = OutcomeSkipped
		s.recordFetch(OutcomeSkipped, 0, 0)
		return out, nil
	}

	window := fetch.ResolveWindow(latest, now, s.config.FullHistoryYears, force)
	out.Mode = window.Mode

	fetchStart := time.Now()
	records, err := s.provider.FetchHistory(ctx, tsCode, window)
	fetchLatency := time.Since(fetchStart)
	if err != nil {
		out.Kind = OutcomeFailed
		out.Err = err.Error()
		s.recordFetch(OutcomeFailed, 0, fetchLatency)
		s.auditSingle(started, tsCode, 0, err)
		return out, err
	}
	s.recordFetch(OutcomeSucceeded, len(records), fetchLatency)

	if len(records) > 0 {
		flushStart := time.Now()
		err := s.db.BulkUpsertKlines(records)
		s.recordFlush(len(records), time.Since(flushStart), err)
		if err != nil {
			werr := &WriteError{Records: len(records), Err: err}
			out.Kind = OutcomeFailed
			out.Err = werr.Error()
			s.auditSingle(started, tsCode, 0, werr)
			return out, werr
		}
	}

	out.Kind = OutcomeSucceeded
	out.Records = len(records)
	s.logger.Info("synced single stock", "ts_code", tsCode, "mode", window.Mode, "records", len(records))
	s.auditSingle(started, tsCode, len(records), nil)
	return out, nil
}

// ListSyncResult summarizes one stock-universe refresh
type ListSyncResult struct {
	Total       int `json:"total"`
	Added       int `json:"added"`
	Updated     int `json:"updated"`
	Deactivated int `json:"deactivated"`
}

// SyncStockList refreshes the stock universe from the quote API: new codes
// are inserted, known ones updated, and listings missing from the feed are
// deactivated.
func (s *Service) SyncStockList(ctx context.Context) (*ListSyncResult, error) {
	started := time.Now()

	stocks, err := s.provider.FetchStockList(ctx)
	if err != nil {
		s.auditList(started, 0, 0, 0, err)
		return nil, err
	}

	cutoff := time.Now()
	added, updated, err := s.db.UpsertStocks(stocks)
	if err != nil {
		err = fmt.Errorf("upsert stocks: %w", err)
		s.auditList(started, added, updated, 0, err)
		return nil, err
	}

	deactivated, err := s.db.DeactivateStale(cutoff)
	if err != nil {
		err = fmt.Errorf("deactivate stale stocks: %w", err)
		s.auditList(started, added, updated, 0, err)
		return nil, err
	}

	s.logger.Info("stock list synced",
		"total", len(stocks),
		"added", added,
		"updated", updated,
		"deactivated", deactivated)
	s.auditList(started, added, updated, deactivated, nil)
	return &ListSyncResult{Total: len(stocks), Added: added, Updated: updated, Deactivated: deactivated}, nil
}

// SyncStatus summarizes the stored universe for status endpoints
type SyncStatus struct {
	Overview        Overview   `json:"overview"`
	TotalKlines     int64      `json:"total_klines"`
	LatestTradeDate *time.Time `json:"latest_trade_date,omitempty"`
	RunActive       bool       `json:"run_active"`
}

// Status reports universe freshness, stored bar volume and engine state
func (s *Service) Status(ctx context.Context) (*SyncStatus, error) {
	set, err := s.planner.ComputeProgress(false)
	if err != nil {
		return nil, err
	}
	klines, err := s.db.CountKlines()
	if err != nil {
		return nil, fmt.Errorf("count klines: %w", err)
	}

	st := &SyncStatus{Overview: set.Overview, TotalKlines: klines, RunActive: s.Running()}
	if latest, err := s.provider.LatestTradeDate(ctx); err == nil {
		st.LatestTradeDate = &latest
	} else {
		s.logger.Warn("latest trade date unavailable", "error", err)
	}
	return st, nil
}

// Estimate predicts how long a run would take under a mode's rate preset
type Estimate struct {
	Items    int           `json:"items"`
	Batches  int           `json:"batches"`
	Mode     RunMode       `json:"mode"`
	Duration time.Duration `json:"duration"`
}

// estimatedFetchSeconds approximates one quote-API round trip when pacing
// is disabled
const estimatedFetchSeconds = 0.5

// EstimateRun predicts the duration of a run over the current stale set
func (s *Service) EstimateRun(batchSize int, mode RunMode, force bool) (*Estimate, error) {
	if batchSize < 1 {
		batchSize = s.config.BatchSize
	}
	set, err := s.planner.ComputeProgress(force)
	if err != nil {
		return nil, err
	}
	items := set.Overview.NeedUpdate
	limits := s.config.LimiterConfig(mode)

	var seconds float64
	if limits.RatePerSecond > 0 {
		// Token pacing bounds global throughput regardless of pool size.
		seconds = float64(items) / limits.RatePerSecond
	} else {
		seconds = float64(items) * estimatedFetchSeconds / float64(limits.MaxConcurrent)
	}

	return &Estimate{
		Items:    items,
		Batches:  (items + batchSize - 1) / batchSize,
		Mode:     mode,
		Duration: time.Duration(seconds * float64(time.Second)),
	}, nil
}

// Progress returns the engine's last reported snapshot, or nil when no run
// has produced one yet.
func (s *Service) Progress() *Snapshot {
	s.mu.Lock()
	orch := s.orch
	s.mu.Unlock()
	if orch == nil {
		return nil
	}
	return orch.Progress()
}

// newOrchestrator builds the engine for one run. Callers hold s.mu.
func (s *Service) newOrchestrator(mode RunMode) *Orchestrator {
	limits := s.config.LimiterConfig(mode)
	limiter := ratelimit.New(limits)
	orch := NewOrchestrator(s.db, s.provider, limiter, limits.MaxConcurrent, s.config, s.logger)
	orch.SetRecorder(s.metrics)
	return orch
}

func (s *Service) clearRunning() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// wrapProgress mirrors batch status changes into the stored plan set. The
// orchestrator only ever mutates its private copy, so this callback is the
// single path from a run back to the plans the API serves.
func (s *Service) wrapProgress(onProgress ProgressFunc) ProgressFunc {
	return func(snap Snapshot) {
		status := snap.Status
		if !status.Terminal() {
			status = StatusRunning
		}
		s.updatePlanStatus(snap.BatchID, status)
		if onProgress != nil {
			onProgress(snap)
		}
	}
}

func (s *Service) updatePlanStatus(batchID string, status Status) {
	if batchID == "" {
		return
	}
	s.mu.Lock()
	for i := range s.plans {
		if s.plans[i].ID == batchID {
			s.plans[i].Status = status
			break
		}
	}
	s.mu.Unlock()
}

func clonePlans(plans []BatchPlan) []BatchPlan {
	return append([]BatchPlan(nil), plans...)
}

func (s *Service) audit(log *db.UpdateLog) {
	if err := s.db.InsertUpdateLog(log); err != nil {
		s.logger.Warn("audit log write failed", "data_type", log.DataType, "error", err)
	}
}

func (s *Service) auditBatch(started time.Time, result *BatchResult) {
	if result == nil {
		return
	}
	s.audit(&db.UpdateLog{
		ID:       uuid.NewString(),
		DataType: "kline_batch",
		Status:   auditStatus(result.Status),
		Message: fmt.Sprintf("batch %s: %d succeeded, %d failed, %d skipped, %d not attempted",
			result.BatchID, result.Succeeded, result.Failed, result.Skipped, result.NotAttempted),
		RowsAdded:  result.RecordsWritten(),
		StartedAt:  started,
		FinishedAt: time.Now(),
	})
}

func (s *Service) auditRun(started time.Time, result *RunResult) {
	if result == nil {
		return
	}
	s.audit(&db.UpdateLog{
		ID:       uuid.NewString(),
		DataType: "kline_batch",
		Status:   auditStatus(result.Status),
		Message: fmt.Sprintf("run: %d batches, %d succeeded, %d failed, %d skipped, %d not attempted",
			len(result.Batches), result.Succeeded, result.Failed, result.Skipped, result.NotAttempted),
		RowsAdded:  result.RecordsWritten(),
		StartedAt:  started,
		FinishedAt: time.Now(),
	})
}

func (s *Service) auditList(started time.Time, added, updated, deactivated int, err error) {
	status := "success"
	message := fmt.Sprintf("stock list: %d added, %d updated, %d deactivated", added, updated, deactivated)
	if err != nil {
		status = "failed"
		message = err.Error()
	}
	s.audit(&db.UpdateLog{
		ID:          uuid.NewString(),
		DataType:    "stock_list",
		Status:      status,
		Message:     message,
		RowsAdded:   added,
		RowsUpdated: updated,
		StartedAt:   started,
		FinishedAt:  time.Now(),
	})
}

func (s *Service) auditSingle(started time.Time, tsCode string, records int, err error) {
	status := "success"
	message := fmt.Sprintf("synced %s: %d bars", tsCode, records)
	if err != nil {
		status = "failed"
		message = err.Error()
	}
	s.audit(&db.UpdateLog{
		ID:         uuid.NewString(),
		DataType:   "kline_single",
		TsCode:     &tsCode,
		Status:     status,
		Message:    message,
		RowsAdded:  records,
		StartedAt:  started,
		FinishedAt: time.Now(),
	})
}

func auditStatus(status Status) string {
	switch status {
	case StatusSuccess:
		return "success"
	case StatusFailed:
		return "failed"
	default:
		return "partial"
	}
}
