package syncer

import (
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// Planner classifies the stock universe by freshness and partitions the
// stale part into batch plans.
type Planner struct {
	store  Store
	config Config
	logger *slog.Logger
}

// NewPlanner creates a planner over the given store
func NewPlanner(store Store, config Config, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{store: store, config: config, logger: logger}
}

// ComputeProgress splits the active universe into need-update and
// up-to-date sets. With force set, every stock lands in need-update
// regardless of freshness.
func (p *Planner) ComputeProgress(force bool) (*WorkSet, error) {
	items, err := p.store.SyncItems()
	if err != nil {
		return nil, fmt.Errorf("load sync items: %w", err)
	}

	now := time.Now()
	window := p.config.freshness()

	set := &WorkSet{
		NeedUpdate: make([]WorkItem, 0, len(items)),
		UpToDate:   make([]WorkItem, 0),
	}
	for _, it := range items {
		item := WorkItem(it)
		if !force && isFresh(item.LatestDate, now, window) {
			set.UpToDate = append(set.UpToDate, item)
			continue
		}
		set.NeedUpdate = append(set.NeedUpdate, item)
	}

	set.Overview = Overview{
		Total:      len(items),
		NeedUpdate: len(set.NeedUpdate),
		UpToDate:   len(set.UpToDate),
	}
	p.logger.Debug("computed sync progress",
		"total", set.Overview.Total,
		"need_update", set.Overview.NeedUpdate,
		"up_to_date", set.Overview.UpToDate)
	return set, nil
}

// CreateBatches partitions the need-update set into plans of at most
// batchSize items. Stocks with no history come first, then the stalest,
// with ts_code breaking ties; the split is deterministic for a given
// universe. limit caps the run to the first limit items of that order, 0
// meaning no cap. Returns a PlanningError when batchSize is below one or
// nothing needs updating.
func (p *Planner) CreateBatches(batchSize int, force bool, limit int) ([]BatchPlan, error) {
	if batchSize < 1 {
		return nil, &PlanningError{Reason: fmt.Sprintf("batch size must be at least 1, got %d", batchSize)}
	}

	set, err := p.ComputeProgress(force)
	if err != nil {
		return nil, err
	}
	items := set.NeedUpdate
	if len(items) == 0 {
		return nil, &PlanningError{Reason: "no stocks need updating"}
	}

	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		switch {
		case a.LatestDate == nil && b.LatestDate == nil:
			return a.TsCode < b.TsCode
		case a.LatestDate == nil:
			return true
		case b.LatestDate == nil:
			return false
		case a.LatestDate.Equal(*b.LatestDate):
			return a.TsCode < b.TsCode
		default:
			return a.LatestDate.Before(*b.LatestDate)
		}
	})
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}

	numBatches := (len(items) + batchSize - 1) / batchSize
	prefix := time.Now().Format("20060102_150405")

	plans := make([]BatchPlan, 0, numBatches)
	for i := 0; i < numBatches; i++ {
		lo := i * batchSize
		hi := min(lo+batchSize, len(items))
		plans = append(plans, BatchPlan{
			ID:        fmt.Sprintf("%s_%d", prefix, i+1),
			Index:     i + 1,
			Items:     items[lo:hi:hi],
			ForceFull: force,
			Status:    StatusPending,
		})
	}

	p.logger.Info("created batch plans",
		"batches", len(plans),
		"items", len(items),
		"batch_size", batchSize,
		"force_full", force)
	return plans, nil
}

// isFresh applies the freshness window: a stock whose newest bar is within
// the window needs no fetch.
func isFresh(latest *time.Time, now time.Time, window time.Duration) bool {
	if latest == nil {
		return false
	}
	return now.Sub(*latest) <= window
}
