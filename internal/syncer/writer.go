package syncer

import (
	"log/slog"
	"time"
)

// BatchWriter buffers fetched records and flushes them to the store in
// bulk. It is not safe for concurrent use: the orchestrator's coordinator
// goroutine is the only writer, which keeps bulk upserts serialized.
type BatchWriter struct {
	store     Store
	threshold int
	interval  time.Duration
	logger    *slog.Logger

	buffer    []Record
	lastFlush time.Time
}

// NewBatchWriter creates a writer that considers a flush due once threshold
// records are buffered or interval has passed since the last flush.
func NewBatchWriter(store Store, threshold int, interval time.Duration, logger *slog.Logger) *BatchWriter {
	if threshold < 1 {
		threshold = 50
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BatchWriter{
		store:     store,
		threshold: threshold,
		interval:  interval,
		logger:    logger,
		buffer:    make([]Record, 0, threshold),
		lastFlush: time.Now(),
	}
}

// Add buffers records and reports whether a flush is due
func (w *BatchWriter) Add(records []Record) bool {
	w.buffer = append(w.buffer, records...)
	return len(w.buffer) >= w.threshold || time.Since(w.lastFlush) >= w.interval
}

// Flush upserts all buffered records in one store call. On success the
// buffer is cleared; flushing an empty buffer is a no-op. On failure the
// buffer is preserved so the caller can account for the affected records
// before discarding them with Reset.
func (w *BatchWriter) Flush() error {
	if len(w.buffer) == 0 {
		w.lastFlush = time.Now()
		return nil
	}
	if err := w.store.BulkUpsertKlines(w.buffer); err != nil {
		return &WriteError{Records: len(w.buffer), Err: err}
	}
	w.logger.Debug("flushed records", "count", len(w.buffer))
	w.buffer = w.buffer[:0]
	w.lastFlush = time.Now()
	return nil
}

// Len returns the number of buffered records
func (w *BatchWriter) Len() int {
	return len(w.buffer)
}

// Reset discards buffered records after a failed flush
func (w *BatchWriter) Reset() {
	w.buffer = w.buffer[:0]
	w.lastFlush = time.Now()
}
