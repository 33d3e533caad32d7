package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mingxuanliu/stocksync/internal/fetch"
)

// Orchestrator drives batch plans through the limiter, fetcher and writer.
// Fetches run on a bounded worker pool; buffer mutation and outcome
// accounting happen only on the coordinator goroutine.
type Orchestrator struct {
	store   Store
	fetcher Fetcher
	limiter Limiter
	workers int
	config  Config
	logger  *slog.Logger
	metrics Recorder

	mu   sync.Mutex
	last *Snapshot
}

// NewOrchestrator creates an orchestrator. workers caps the fetch pool and
// normally matches the limiter's MaxConcurrent.
func NewOrchestrator(store Store, fetcher Fetcher, limiter Limiter, workers int, config Config, logger *slog.Logger) *Orchestrator {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:   store,
		fetcher: fetcher,
		limiter: limiter,
		workers: workers,
		config:  config,
		logger:  logger,
	}
}

// SetRecorder attaches an activity recorder. Call before executing plans;
// a nil recorder leaves recording off.
func (o *Orchestrator) SetRecorder(rec Recorder) {
	o.metrics = rec
}

func (o *Orchestrator) recordFetch(out Outcome, latency time.Duration) {
	// Not-attempted items never reached the network; nothing to measure.
	if o.metrics == nil || out.Kind == OutcomeNotAttempted {
		return
	}
	o.metrics.RecordFetch(out.Kind, out.Records, latency)
}

// flushWriter flushes and reports the attempt. Empty buffers flush without
// being recorded.
func (o *Orchestrator) flushWriter(writer *BatchWriter) error {
	rows := writer.Len()
	started := time.Now()
	err := writer.Flush()
	if o.metrics != nil && rows > 0 {
		o.metrics.RecordFlush(rows, time.Since(started), err)
	}
	return err
}

// Progress returns a copy of the last reported snapshot, or nil before any
// item has resolved.
func (o *Orchestrator) Progress() *Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.last == nil {
		return nil
	}
	snap := *o.last
	return &snap
}

func (o *Orchestrator) report(onProgress ProgressFunc, snap Snapshot) {
	o.mu.Lock()
	o.last = &snap
	o.mu.Unlock()
	if onProgress != nil {
		onProgress(snap)
	}
}

func (o *Orchestrator) transition(plan *BatchPlan, to Status) {
	from := plan.Status
	if from == to {
		return
	}
	plan.Status = to
	o.logger.Info("state transition", "batch_id", plan.ID, "from", from, "to", to)
}

// itemResult carries one worker's resolution back to the coordinator
type itemResult struct {
	idx     int
	outcome Outcome
	records []Record
	latency time.Duration
}

// ExecuteBatch runs one plan to completion. Cancellation is observed
// between item dispatches: in-flight fetches complete, their records are
// flushed, and undispatched items resolve not-attempted. The result always
// carries the full accounting; the error is a *CancelledError for a
// cancelled batch, the underlying cause when the whole batch failed, and
// nil otherwise.
func (o *Orchestrator) ExecuteBatch(ctx context.Context, plan *BatchPlan, onProgress ProgressFunc) (*BatchResult, error) {
	tr := newTracker(plan.ID, plan.Index, 1, len(plan.Items), time.Now())
	return o.executeBatch(ctx, plan, tr, onProgress)
}

func (o *Orchestrator) executeBatch(ctx context.Context, plan *BatchPlan, tr *tracker, onProgress ProgressFunc) (*BatchResult, error) {
	started := time.Now()
	o.transition(plan, StatusRunning)

	writer := NewBatchWriter(o.store, o.config.FlushThreshold, o.config.FlushInterval, o.logger)
	outcomes := make([]Outcome, len(plan.Items))
	results := make(chan itemResult)

	// Dispatcher. Cancellation is only checked here, between dispatches;
	// a full pool blocks the next dispatch rather than queueing it.
	go func() {
		var g errgroup.Group
		g.SetLimit(o.workers)

		dispatched := 0
		for i := range plan.Items {
			if ctx.Err() != nil {
				break
			}
			idx, item := i, plan.Items[i]
			dispatched++
			g.Go(func() error {
				results <- o.processItem(ctx, idx, item, plan.ForceFull)
				return nil
			})
		}
		g.Wait()

		for i := dispatched; i < len(plan.Items); i++ {
			results <- itemResult{
				idx:     i,
				outcome: Outcome{TsCode: plan.Items[i].TsCode, Kind: OutcomeNotAttempted},
			}
		}
		close(results)
	}()

	// Coordinator: the single writer of the buffer and the outcome slice.
	var succeeded, failed, skipped, notAttempted int
	var flushErr error
	pending := make([]int, 0, o.config.FlushThreshold)

	failPending := func(err error) {
		msg := err.Error()
		for _, pi := range pending {
			if outcomes[pi].Kind == OutcomeSucceeded {
				outcomes[pi].Kind = OutcomeFailed
				outcomes[pi].Err = msg
				outcomes[pi].Records = 0
				succeeded--
				failed++
				tr.invalidateSuccess()
			}
		}
		pending = pending[:0]
		writer.Reset()
		flushErr = err
	}

	for res := range results {
		outcomes[res.idx] = res.outcome
		tr.resolve(res.outcome.Kind)
		o.recordFetch(res.outcome, res.latency)
		switch res.outcome.Kind {
		case OutcomeSucceeded:
			succeeded++
		case OutcomeFailed:
			failed++
		case OutcomeSkipped:
			skipped++
		case OutcomeNotAttempted:
			notAttempted++
		}

		if res.outcome.Kind == OutcomeSucceeded && len(res.records) > 0 {
			pending = append(pending, res.idx)
			if writer.Add(res.records) {
				if err := o.flushWriter(writer); err != nil {
					o.logger.Error("flush failed", "batch_id", plan.ID, "error", err)
					failPending(err)
				} else {
					pending = pending[:0]
				}
			}
		}

		o.report(onProgress, tr.snapshot(res.outcome.TsCode, StatusRunning, itemMessage(res.outcome)))
	}

	// The end-of-batch flush is unconditional so partial buffers are never
	// left behind.
	if err := o.flushWriter(writer); err != nil {
		o.logger.Error("final flush failed", "batch_id", plan.ID, "error", err)
		failPending(err)
	}

	status := batchStatus(failed, notAttempted, len(plan.Items))
	o.transition(plan, status)

	result := &BatchResult{
		BatchID:      plan.ID,
		Index:        plan.Index,
		Status:       status,
		Succeeded:    succeeded,
		Failed:       failed,
		Skipped:      skipped,
		NotAttempted: notAttempted,
		Outcomes:     outcomes,
		Duration:     time.Since(started),
	}

	o.report(onProgress, tr.snapshot("", status, fmt.Sprintf("batch %s %s", plan.ID, status)))
	o.logger.Info("batch finished",
		"batch_id", plan.ID,
		"status", status,
		"succeeded", succeeded,
		"failed", failed,
		"skipped", skipped,
		"not_attempted", notAttempted,
		"records", result.RecordsWritten(),
		"duration", result.Duration)

	switch status {
	case StatusCancelled:
		return result, &CancelledError{BatchID: plan.ID}
	case StatusFailed:
		if flushErr != nil {
			return result, flushErr
		}
		return result, fmt.Errorf("batch %s: all %d items failed", plan.ID, len(plan.Items))
	}
	return result, nil
}

// processItem resolves one WorkItem on a worker goroutine. The latest bar
// date is re-read so re-executed plans skip stocks brought current since
// planning.
func (o *Orchestrator) processItem(ctx context.Context, idx int, item WorkItem, forceFull bool) (res itemResult) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("fetch panicked", "ts_code", item.TsCode, "panic", r)
			res = itemResult{idx: idx, outcome: Outcome{
				TsCode: item.TsCode,
				Kind:   OutcomeFailed,
				Err:    fmt.Sprintf("panic: %v", r),
			}}
		}
	}()

	out := Outcome{TsCode: item.TsCode}

	latest, err := o.store.LatestKlineDate(item.TsCode)
	if err != nil {
		out.Kind = OutcomeFailed
		out.Err = fmt.Sprintf("read latest date: %v", err)
		return itemResult{idx: idx, outcome: out}
	}

	now := time.Now()
	if !forceFull && isFresh(latest, now, o.config.freshness()) {
		out.Kind = OutcomeSkipped
		return itemResult{idx: idx, outcome: out}
	}

	window := fetch.ResolveWindow(latest, now, o.config.FullHistoryYears, forceFull)
	out.Mode = window.Mode

	if err := o.limiter.Acquire(ctx); err != nil {
		// Torn down before the fetch was issued.
		out.Kind = OutcomeNotAttempted
		out.Mode = ""
		return itemResult{idx: idx, outcome: out}
	}
	defer o.limiter.Release()

	// In-flight fetches may complete after cancellation.
	fetchStart := time.Now()
	records, err := o.fetcher.FetchHistory(context.WithoutCancel(ctx), item.TsCode, window)
	latency := time.Since(fetchStart)
	if err != nil {
		out.Kind = OutcomeFailed
		out.Err = err.Error()
		return itemResult{idx: idx, outcome: out, latency: latency}
	}

	out.Kind = OutcomeSucceeded
	out.Records = len(records)
	return itemResult{idx: idx, outcome: out, records: records, latency: latency}
}

// ExecuteAll runs plans in index order, sharing one progress stream. Once
// cancellation is observed the current batch winds down, every remaining
// plan resolves not-attempted, and the run ends cancelled.
func (o *Orchestrator) ExecuteAll(ctx context.Context, plans []BatchPlan, onProgress ProgressFunc) (*RunResult, error) {
	started := time.Now()

	total := 0
	for i := range plans {
		total += len(plans[i].Items)
	}
	tr := newTracker("", 0, len(plans), total, started)

	result := &RunResult{Batches: make([]BatchResult, 0, len(plans))}
	cancelled := false

	for i := range plans {
		plan := &plans[i]

		if ctx.Err() != nil {
			cancelled = true
			br := o.cancelPlan(plan, tr, onProgress)
			result.Batches = append(result.Batches, *br)
			result.NotAttempted += br.NotAttempted
			continue
		}

		tr.enterBatch(plan.ID, plan.Index)
		br, err := o.executeBatch(ctx, plan, tr, onProgress)
		result.Batches = append(result.Batches, *br)
		result.Succeeded += br.Succeeded
		result.Failed += br.Failed
		result.Skipped += br.Skipped
		result.NotAttempted += br.NotAttempted

		if err != nil {
			var ce *CancelledError
			if errors.As(err, &ce) {
				cancelled = true
				continue
			}
			// A failed batch does not end the run; the next batch gets
			// its own writer and flush.
			o.logger.Warn("batch failed, continuing run", "batch_id", plan.ID, "error", err)
		}
	}

	result.Duration = time.Since(started)
	result.Status = runStatus(result, cancelled)

	o.logger.Info("run finished",
		"status", result.Status,
		"batches", len(result.Batches),
		"succeeded", result.Succeeded,
		"failed", result.Failed,
		"skipped", result.Skipped,
		"not_attempted", result.NotAttempted,
		"duration", result.Duration)

	if cancelled {
		return result, &CancelledError{}
	}
	return result, nil
}

// cancelPlan resolves every item of a never-started plan as not-attempted
func (o *Orchestrator) cancelPlan(plan *BatchPlan, tr *tracker, onProgress ProgressFunc) *BatchResult {
	o.transition(plan, StatusCancelled)
	tr.enterBatch(plan.ID, plan.Index)

	outcomes := make([]Outcome, len(plan.Items))
	for i, item := range plan.Items {
		outcomes[i] = Outcome{TsCode: item.TsCode, Kind: OutcomeNotAttempted}
		tr.resolve(OutcomeNotAttempted)
	}
	o.report(onProgress, tr.snapshot("", StatusCancelled, fmt.Sprintf("batch %s cancelled before start", plan.ID)))

	return &BatchResult{
		BatchID:      plan.ID,
		Index:        plan.Index,
		Status:       StatusCancelled,
		NotAttempted: len(plan.Items),
		Outcomes:     outcomes,
	}
}

// batchStatus folds item counts into the terminal state: cancellation
// wins, total failure is failed, partial failure is completed_with_errors.
func batchStatus(failed, notAttempted, size int) Status {
	switch {
	case notAttempted > 0:
		return StatusCancelled
	case size > 0 && failed == size:
		return StatusFailed
	case failed > 0:
		return StatusCompletedWithErrors
	default:
		return StatusSuccess
	}
}

// runStatus folds aggregate counts into the run's terminal state
func runStatus(r *RunResult, cancelled bool) Status {
	resolved := r.Succeeded + r.Failed + r.Skipped + r.NotAttempted
	switch {
	case cancelled:
		return StatusCancelled
	case resolved > 0 && r.Failed == resolved:
		return StatusFailed
	case r.Failed > 0:
		return StatusCompletedWithErrors
	default:
		return StatusSuccess
	}
}

func itemMessage(out Outcome) string {
	switch out.Kind {
	case OutcomeSucceeded:
		return fmt.Sprintf("synced %s (%d bars)", out.TsCode, out.Records)
	case OutcomeSkipped:
		return fmt.Sprintf("skipped %s (fresh)", out.TsCode)
	case OutcomeFailed:
		return fmt.Sprintf("failed %s: %s", out.TsCode, out.Err)
	default:
		return fmt.Sprintf("not attempted %s", out.TsCode)
	}
}
