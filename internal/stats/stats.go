// Package stats aggregates sync engine activity into periodic rows. The
// engine reports fine-grained events through a drop-on-full mailbox so a
// slow or failing stats sink never stalls a fetch worker.
package stats

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mingxuanliu/stocksync/internal/db"
	"github.com/mingxuanliu/stocksync/internal/inbox"
	"github.com/mingxuanliu/stocksync/internal/syncer"
)

// StatsStore persists finished periods.
type StatsStore interface {
	InsertSyncStats(stats *db.SyncStats) error
}

// Collector receives engine events and writes one aggregate row per flush
// interval. It implements syncer.Recorder.
type Collector struct {
	config Config
	store  StatsStore
	mail   *inbox.Inbox[Event]
	logger *slog.Logger

	lastDropped int64

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a collector. Call Start to begin the flush loop.
func New(store StatsStore, config Config, logger *slog.Logger) (*Collector, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("stats store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		config: config,
		store:  store,
		mail:   inbox.New[Event](config.BufferSize, logger),
		logger: logger,
		done:   make(chan struct{}),
	}, nil
}

// Start launches the aggregation loop.
func (c *Collector) Start() {
	c.wg.Add(1)
	go c.run()
	c.logger.Info("stats collector started", "flush_interval", c.config.FlushInterval)
}

// Stop drains pending events, writes the final period and returns.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
		c.wg.Wait()
		c.logger.Info("stats collector stopped")
	})
}

// RecordFetch notes one resolved work item. Never blocks.
func (c *Collector) RecordFetch(kind syncer.OutcomeKind, bars int, latency time.Duration) {
	c.mail.Offer(Event{kind: eventFetch, outcome: kind, bars: bars, latency: latency})
}

// RecordFlush notes one writer flush. Never blocks.
func (c *Collector) RecordFlush(rows int, latency time.Duration, err error) {
	c.mail.Offer(Event{kind: eventFlush, rows: rows, latency: latency, failed: err != nil})
}

func (c *Collector) run() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.FlushInterval)
	defer ticker.Stop()

	acc := newAccumulator(time.Now().UTC())
	for {
		select {
		case ev := <-c.mail.Chan():
			c.mail.MarkReceived()
			acc.add(ev)

		case <-ticker.C:
			acc = c.flush(acc)

		case <-c.done:
			// Drain whatever made it into the mailbox before shutdown.
			for {
				ev, ok := c.mail.TryReceive()
				if !ok {
					break
				}
				acc.add(ev)
			}
			c.flush(acc)
			return
		}
	}
}

// flush writes the period if it saw any activity and starts the next one.
func (c *Collector) flush(acc *accumulator) *accumulator {
	now := time.Now().UTC()
	next := newAccumulator(now)

	dropped := c.mail.Stats().Dropped
	droppedThisPeriod := dropped - c.lastDropped

	if acc.events == 0 && droppedThisPeriod == 0 {
		return next
	}
	c.lastDropped = dropped

	minMs, maxMs, avgMs := summarize(acc.fetchLatency)
	row := &db.SyncStats{
		PeriodStart:   acc.start,
		PeriodEnd:     now,
		Fetches:       acc.fetches,
		FetchFailures: acc.fetchFailures,
		FetchSkips:    acc.fetchSkips,
		BarsFetched:   acc.barsFetched,
		MinFetchMs:    minMs,
		MaxFetchMs:    maxMs,
		AvgFetchMs:    avgMs,
		Flushes:       acc.flushes,
		FlushFailures: acc.flushFailures,
		RowsWritten:   acc.rowsWritten,
		EventsDropped: droppedThisPeriod,
	}

	if err := c.store.InsertSyncStats(row); err != nil {
		c.logger.Error("stats period write failed", "error", err)
		return next
	}

	c.logger.Debug("stats period written",
		"fetches", row.Fetches,
		"failures", row.FetchFailures,
		"bars", row.BarsFetched,
		"rows_written", row.RowsWritten)
	return next
}
