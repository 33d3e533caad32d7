package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mingxuanliu/stocksync/internal/db"
	"github.com/mingxuanliu/stocksync/internal/fetch"
)

// Record is one daily bar as persisted by the store
type Record = db.KlineBar

// WorkItem is one stock queued for syncing, carrying the newest bar date
// known at planning time. LatestDate is nil when the stock has no history.
type WorkItem struct {
	TsCode     string     `json:"ts_code"`
	Name       string     `json:"name"`
	LatestDate *time.Time `json:"latest_date,omitempty"`
}

// Status is the lifecycle state of a batch plan, batch result or run
type Status string

const (
	StatusPending             Status = "pending"
	StatusRunning             Status = "running"
	StatusSuccess             Status = "success"
	StatusCompletedWithErrors Status = "completed_with_errors"
	StatusFailed              Status = "failed"
	StatusCancelled           Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusCompletedWithErrors, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// OutcomeKind classifies how a single WorkItem resolved
type OutcomeKind string

const (
	OutcomeSucceeded    OutcomeKind = "succeeded"
	OutcomeFailed       OutcomeKind = "failed"
	OutcomeSkipped      OutcomeKind = "skipped"
	OutcomeNotAttempted OutcomeKind = "not_attempted"
)

// Outcome records the resolution of one WorkItem within a batch
type Outcome struct {
	TsCode  string      `json:"ts_code"`
	Kind    OutcomeKind `json:"kind"`
	Mode    fetch.Mode  `json:"mode,omitempty"`
	Records int         `json:"records"`
	Err     string      `json:"error,omitempty"`
}

// BatchPlan is one planned group of WorkItems. Index is 1-based; IDs share
// a timestamp prefix so the groups of one planning call sort together.
type BatchPlan struct {
	ID        string     `json:"id"`
	Index     int        `json:"index"`
	Items     []WorkItem `json:"items"`
	ForceFull bool       `json:"force_full"`
	Status    Status     `json:"status"`
}

// Size returns the number of WorkItems in the plan
func (p *BatchPlan) Size() int { return len(p.Items) }

// BatchResult is the accounting of one executed batch. Outcomes are in plan
// input order and the four counts always sum to the plan size.
type BatchResult struct {
	BatchID      string        `json:"batch_id"`
	Index        int           `json:"index"`
	Status       Status        `json:"status"`
	Succeeded    int           `json:"succeeded"`
	Failed       int           `json:"failed"`
	Skipped      int           `json:"skipped"`
	NotAttempted int           `json:"not_attempted"`
	Outcomes     []Outcome     `json:"outcomes"`
	Duration     time.Duration `json:"duration"`
}

// RecordsWritten sums the persisted bar counts of succeeded items
func (r *BatchResult) RecordsWritten() int {
	n := 0
	for _, out := range r.Outcomes {
		if out.Kind == OutcomeSucceeded {
			n += out.Records
		}
	}
	return n
}

// RunResult aggregates the batch results of one run
type RunResult struct {
	Status       Status        `json:"status"`
	Batches      []BatchResult `json:"batches"`
	Succeeded    int           `json:"succeeded"`
	Failed       int           `json:"failed"`
	Skipped      int           `json:"skipped"`
	NotAttempted int           `json:"not_attempted"`
	Duration     time.Duration `json:"duration"`
}

// RecordsWritten sums the persisted bar counts across all batches
func (r *RunResult) RecordsWritten() int {
	n := 0
	for i := range r.Batches {
		n += r.Batches[i].RecordsWritten()
	}
	return n
}

// Overview summarizes how much of the stock universe needs syncing
type Overview struct {
	Total      int `json:"total"`
	NeedUpdate int `json:"need_update"`
	UpToDate   int `json:"up_to_date"`
}

// WorkSet is the classified universe produced by a planning pass
type WorkSet struct {
	Overview   Overview   `json:"overview"`
	NeedUpdate []WorkItem `json:"need_update"`
	UpToDate   []WorkItem `json:"up_to_date"`
}

// Snapshot is a point-in-time view of a running sync
type Snapshot struct {
	BatchID      string        `json:"batch_id"`
	BatchIndex   int           `json:"batch_index"`
	TotalBatches int           `json:"total_batches"`
	Done         int           `json:"done"`
	Total        int           `json:"total"`
	Current      string        `json:"current,omitempty"`
	Succeeded    int           `json:"succeeded"`
	Failed       int           `json:"failed"`
	Skipped      int           `json:"skipped"`
	NotAttempted int           `json:"not_attempted"`
	Percent      float64       `json:"percent"`
	ItemsPerSec  float64       `json:"items_per_sec"`
	Elapsed      time.Duration `json:"elapsed"`
	ETA          time.Duration `json:"eta"`
	Status       Status        `json:"status"`
	Message      string        `json:"message"`
}

// ProgressFunc receives a snapshot after every item resolution and at batch
// boundaries. Callbacks run on the coordinator goroutine; keep them fast.
type ProgressFunc func(Snapshot)

// PlanningError reports an invalid planning request, such as a batch size
// below one or an empty work set.
type PlanningError struct {
	Reason string
}

func (e *PlanningError) Error() string {
	return "planning: " + e.Reason
}

// WriteError wraps a failed bulk flush; the records it covers were not
// persisted.
type WriteError struct {
	Records int
	Err     error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("flush %d records: %v", e.Records, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// CancelledError reports a run stopped by an external signal. Cancellation
// is a terminal state, not a failure: items resolved before the signal keep
// their outcomes and the rest are reported not-attempted.
type CancelledError struct {
	BatchID string
}

func (e *CancelledError) Error() string {
	if e.BatchID == "" {
		return "sync run cancelled"
	}
	return "batch " + e.BatchID + " cancelled"
}

// ErrRunActive rejects work submitted while another run holds the engine
var ErrRunActive = errors.New("a sync run is already active")

// Store is the storage surface the engine depends on. *db.DB satisfies it.
type Store interface {
	SyncItems() ([]db.SyncItem, error)
	LatestKlineDate(tsCode string) (*time.Time, error)
	BulkUpsertKlines(bars []Record) error
}

// Fetcher retrieves one stock's bar history for a resolved window.
// Implementations must be safe for concurrent use; the engine never retries
// a failed fetch.
type Fetcher interface {
	FetchHistory(ctx context.Context, tsCode string, window fetch.Window) ([]Record, error)
}

// MarketData is the full provider surface the service needs. *fetch.Client
// satisfies it.
type MarketData interface {
	Fetcher
	FetchStockList(ctx context.Context) ([]db.Stock, error)
	LatestTradeDate(ctx context.Context) (time.Time, error)
}

// Limiter bounds and paces concurrent fetches. *ratelimit.Limiter satisfies
// it.
type Limiter interface {
	Acquire(ctx context.Context) error
	Release()
}

// Recorder observes engine activity for aggregation elsewhere.
// Implementations must not block; *stats.Collector satisfies it.
type Recorder interface {
	RecordFetch(kind OutcomeKind, bars int, latency time.Duration)
	RecordFlush(rows int, latency time.Duration, err error)
}
