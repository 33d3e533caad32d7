package stats

import (
	"time"

	"github.com/mingxuanliu/stocksync/internal/syncer"
)

type eventKind int

const (
	eventFetch eventKind = iota
	eventFlush
)

// Event is one measurement from the sync engine.
type Event struct {
	kind    eventKind
	outcome syncer.OutcomeKind
	bars    int
	rows    int
	latency time.Duration
	failed  bool
}

// accumulator folds events into one reporting period. It is owned by the
// collector's run loop and never shared.
type accumulator struct {
	start time.Time

	fetches       int
	fetchFailures int
	fetchSkips    int
	barsFetched   int
	fetchLatency  []time.Duration

	flushes       int
	flushFailures int
	rowsWritten   int

	events int
}

func newAccumulator(start time.Time) *accumulator {
	return &accumulator{start: start}
}

func (a *accumulator) add(ev Event) {
	a.events++
	switch ev.kind {
	case eventFetch:
		switch ev.outcome {
		case syncer.OutcomeSucceeded:
			a.fetches++
			a.barsFetched += ev.bars
			a.fetchLatency = append(a.fetchLatency, ev.latency)
		case syncer.OutcomeFailed:
			a.fetches++
			a.fetchFailures++
			if ev.latency > 0 {
				a.fetchLatency = append(a.fetchLatency, ev.latency)
			}
		case syncer.OutcomeSkipped:
			a.fetchSkips++
		}
	case eventFlush:
		a.flushes++
		if ev.failed {
			a.flushFailures++
		} else {
			a.rowsWritten += ev.rows
		}
	}
}

// summarize reduces latency samples to min/max/avg in milliseconds.
func summarize(samples []time.Duration) (min, max, avg float64) {
	if len(samples) == 0 {
		return 0, 0, 0
	}
	minD, maxD := samples[0], samples[0]
	var total time.Duration
	for _, s := range samples {
		if s < minD {
			minD = s
		}
		if s > maxD {
			maxD = s
		}
		total += s
	}
	ms := func(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }
	return ms(minD), ms(maxD), ms(total) / float64(len(samples))
}
