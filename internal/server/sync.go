package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/mingxuanliu/stocksync/internal/scheduler"
	"github.com/mingxuanliu/stocksync/internal/syncer"
	"github.com/mingxuanliu/stocksync/internal/task"
)

func parseRunMode(raw string) (syncer.RunMode, error) {
	switch raw {
	case "", string(syncer.RunModeDaily):
		return syncer.RunModeDaily, nil
	case string(syncer.RunModeInit):
		return syncer.RunModeInit, nil
	}
	return "", fmt.Errorf("mode must be %q or %q, got %q", syncer.RunModeDaily, syncer.RunModeInit, raw)
}

// handleSyncStatus serves GET /sync/status.
func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.service.Status(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, "success", status)
}

// estimateView renders a run estimate with a human-readable duration.
type estimateView struct {
	Items        int     `json:"items"`
	Batches      int     `json:"batches"`
	Mode         string  `json:"mode"`
	TotalSeconds float64 `json:"total_seconds"`
	Formatted    string  `json:"formatted"`
}

// handleSyncEstimate serves GET /sync/estimate?batch_size=&mode=.
func (s *Server) handleSyncEstimate(w http.ResponseWriter, r *http.Request) {
	mode, err := parseRunMode(r.URL.Query().Get("mode"))
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}
	batchSize := queryInt(r, "batch_size", 0)
	force := queryBool(r, "force", false)

	estimate, err := s.service.EstimateRun(batchSize, mode, force)
	if err != nil {
		s.respondError(w, err)
		return
	}

	s.respond(w, http.StatusOK, "success", estimateView{
		Items:        estimate.Items,
		Batches:      estimate.Batches,
		Mode:         string(estimate.Mode),
		TotalSeconds: estimate.Duration.Seconds(),
		Formatted:    estimate.Duration.Round(time.Second).String(),
	})
}

// handleSyncProgress serves GET /sync/progress: the latest snapshot from
// the running or most recent sync.
func (s *Server) handleSyncProgress(w http.ResponseWriter, r *http.Request) {
	snap := s.service.Progress()
	if snap == nil {
		s.notFound(w, "no sync has run yet")
		return
	}
	s.respond(w, http.StatusOK, "success", snap)
}

type syncRunRequest struct {
	Mode            string `json:"mode"`
	ForceFullResync bool   `json:"force_full_resync"`
	Limit           int    `json:"limit"`
}

// handleSyncRun serves POST /sync/run: plans and executes the whole
// universe as a background task with live progress.
func (s *Server) handleSyncRun(w http.ResponseWriter, r *http.Request) {
	var req syncRunRequest
	if err := decodeBody(r, &req); err != nil {
		s.badRequest(w, err.Error())
		return
	}
	mode, err := parseRunMode(req.Mode)
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}
	if req.Limit < 0 {
		s.badRequest(w, "limit must not be negative")
		return
	}

	taskType := scheduler.TypeKlineDaily
	if mode == syncer.RunModeInit {
		taskType = scheduler.TypeKlineFull
	}

	params := map[string]any{
		"mode":              string(mode),
		"force_full_resync": req.ForceFullResync,
	}
	if req.Limit > 0 {
		params["limit"] = req.Limit
	}

	submitted, err := s.registry.Submit(taskType, params, func(run *task.Run) (any, error) {
		return s.service.ExecuteAll(run.Ctx(), mode, req.ForceFullResync, req.Limit, func(snap syncer.Snapshot) {
			run.SetProgress(snap.Percent, snap.Message)
		})
	})
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusAccepted, "sync run started", submitted)
}

type batchCreateRequest struct {
	BatchSize       int  `json:"batch_size"`
	ForceFullResync bool `json:"force_full_resync"`
	Limit           int  `json:"limit"`
}

// handleBatchCreate serves POST /sync/batch/create: splits the stale
// universe into executable plans.
func (s *Server) handleBatchCreate(w http.ResponseWriter, r *http.Request) {
	var req batchCreateRequest
	if err := decodeBody(r, &req); err != nil {
		s.badRequest(w, err.Error())
		return
	}
	if req.BatchSize < 0 || req.Limit < 0 {
		s.badRequest(w, "batch_size and limit must not be negative")
		return
	}
	if req.BatchSize == 0 {
		req.BatchSize = s.service.Config().BatchSize
	}

	plans, err := s.service.CreateBatches(req.BatchSize, req.ForceFullResync, req.Limit)
	if err != nil {
		s.respondError(w, err)
		return
	}

	total := 0
	for _, plan := range plans {
		total += plan.Size()
	}
	s.respond(w, http.StatusOK, "batch plans created", map[string]any{
		"total_batches": len(plans),
		"total_items":   total,
		"batch_size":    req.BatchSize,
		"batches":       plans,
	})
}

type batchExecuteRequest struct {
	BatchIndex int `json:"batch_index"`
}

// handleBatchExecute serves POST /sync/batch/execute: runs one prepared
// plan synchronously and returns its full result.
func (s *Server) handleBatchExecute(w http.ResponseWriter, r *http.Request) {
	var req batchExecuteRequest
	if err := decodeBody(r, &req); err != nil {
		s.badRequest(w, err.Error())
		return
	}

	result, err := s.service.ExecuteBatch(r.Context(), req.BatchIndex, nil)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, "batch executed", result)
}

// syncStatsView renders one aggregated activity period
type syncStatsView struct {
	ID            int64     `json:"id"`
	PeriodStart   time.Time `json:"period_start"`
	PeriodEnd     time.Time `json:"period_end"`
	Fetches       int       `json:"fetches"`
	FetchFailures int       `json:"fetch_failures"`
	FetchSkips    int       `json:"fetch_skips"`
	BarsFetched   int       `json:"bars_fetched"`
	MinFetchMs    float64   `json:"min_fetch_ms"`
	MaxFetchMs    float64   `json:"max_fetch_ms"`
	AvgFetchMs    float64   `json:"avg_fetch_ms"`
	Flushes       int       `json:"flushes"`
	FlushFailures int       `json:"flush_failures"`
	RowsWritten   int       `json:"rows_written"`
	EventsDropped int64     `json:"events_dropped"`
}

// handleSyncStats serves GET /sync/stats?limit=: recent engine activity
// periods, newest first.
func (s *Server) handleSyncStats(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	if limit < 1 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	rows, err := s.store.ListSyncStats(limit)
	if err != nil {
		s.respondError(w, err)
		return
	}

	views := make([]syncStatsView, 0, len(rows))
	for _, row := range rows {
		views = append(views, syncStatsView{
			ID:            row.ID,
			PeriodStart:   row.PeriodStart,
			PeriodEnd:     row.PeriodEnd,
			Fetches:       row.Fetches,
			FetchFailures: row.FetchFailures,
			FetchSkips:    row.FetchSkips,
			BarsFetched:   row.BarsFetched,
			MinFetchMs:    row.MinFetchMs,
			MaxFetchMs:    row.MaxFetchMs,
			AvgFetchMs:    row.AvgFetchMs,
			Flushes:       row.Flushes,
			FlushFailures: row.FlushFailures,
			RowsWritten:   row.RowsWritten,
			EventsDropped: row.EventsDropped,
		})
	}
	s.respond(w, http.StatusOK, "success", map[string]any{
		"periods": views,
		"total":   len(views),
	})
}
