package syncer

import "time"

// tracker accumulates per-item resolutions into progress snapshots. Only
// the coordinator goroutine touches it.
type tracker struct {
	batchID      string
	batchIndex   int
	totalBatches int
	total        int
	started      time.Time

	done         int
	succeeded    int
	failed       int
	skipped      int
	notAttempted int
}

func newTracker(batchID string, batchIndex, totalBatches, total int, started time.Time) *tracker {
	return &tracker{
		batchID:      batchID,
		batchIndex:   batchIndex,
		totalBatches: totalBatches,
		total:        total,
		started:      started,
	}
}

// enterBatch points the tracker at the batch currently executing
func (t *tracker) enterBatch(id string, index int) {
	t.batchID = id
	t.batchIndex = index
}

// resolve counts one item resolution
func (t *tracker) resolve(kind OutcomeKind) {
	t.done++
	switch kind {
	case OutcomeSucceeded:
		t.succeeded++
	case OutcomeFailed:
		t.failed++
	case OutcomeSkipped:
		t.skipped++
	case OutcomeNotAttempted:
		t.notAttempted++
	}
}

// invalidateSuccess reclassifies one already-counted success as a failure
// after a failed flush voided its records
func (t *tracker) invalidateSuccess() {
	t.succeeded--
	t.failed++
}

// snapshot renders the current counts with rate and ETA estimates
func (t *tracker) snapshot(current string, status Status, message string) Snapshot {
	elapsed := time.Since(t.started)

	var percent, rate float64
	var eta time.Duration
	if t.total > 0 {
		percent = float64(t.done) / float64(t.total) * 100
	}
	if secs := elapsed.Seconds(); secs > 0 && t.done > 0 {
		rate = float64(t.done) / secs
		eta = time.Duration(float64(t.total-t.done) / rate * float64(time.Second))
	}

	return Snapshot{
		BatchID:      t.batchID,
		BatchIndex:   t.batchIndex,
		TotalBatches: t.totalBatches,
		Done:         t.done,
		Total:        t.total,
		Current:      current,
		Succeeded:    t.succeeded,
		Failed:       t.failed,
		Skipped:      t.skipped,
		NotAttempted: t.notAttempted,
		Percent:      percent,
		ItemsPerSec:  rate,
		Elapsed:      elapsed,
		ETA:          eta,
		Status:       status,
		Message:      message,
	}
}
