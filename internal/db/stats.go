package db

import "time"

// =============================================================================
// Sync Stats Operations
// =============================================================================

// SyncStats is one aggregated activity period written by the stats
// collector.
type SyncStats struct {
	ID          int64
	PeriodStart time.Time
	PeriodEnd   time.Time

	Fetches       int
	FetchFailures int
	FetchSkips    int
	BarsFetched   int
	MinFetchMs    float64
	MaxFetchMs    float64
	AvgFetchMs    float64

	Flushes       int
	FlushFailures int
	RowsWritten   int

	EventsDropped int64
	CreatedAt     time.Time
}

// InsertSyncStats persists one period row. The ID is backfilled from the
// insert.
func (db *DB) InsertSyncStats(stats *SyncStats) error {
	query := `
		INSERT INTO sync_stats (
			period_start, period_end,
			fetches, fetch_failures, fetch_skips, bars_fetched,
			min_fetch_ms, max_fetch_ms, avg_fetch_ms,
			flushes, flush_failures, rows_written,
			events_dropped, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	now := time.Now().UTC()
	res, err := db.Exec(query,
		stats.PeriodStart,
		stats.PeriodEnd,
		stats.Fetches,
		stats.FetchFailures,
		stats.FetchSkips,
		stats.BarsFetched,
		stats.MinFetchMs,
		stats.MaxFetchMs,
		stats.AvgFetchMs,
		stats.Flushes,
		stats.FlushFailures,
		stats.RowsWritten,
		stats.EventsDropped,
		now,
	)
	if err != nil {
		return err
	}

	stats.CreatedAt = now
	if id, err := res.LastInsertId(); err == nil {
		stats.ID = id
	}
	return nil
}

// ListSyncStats retrieves the most recent periods, newest first.
func (db *DB) ListSyncStats(limit int) ([]SyncStats, error) {
	if limit < 1 {
		limit = 50
	}

	query := `
		SELECT id, period_start, period_end,
		       fetches, fetch_failures, fetch_skips, bars_fetched,
		       min_fetch_ms, max_fetch_ms, avg_fetch_ms,
		       flushes, flush_failures, rows_written,
		       events_dropped, created_at
		FROM sync_stats
		ORDER BY period_start DESC
		LIMIT ?
	`

	rows, err := db.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var periods []SyncStats
	for rows.Next() {
		var s SyncStats
		err := rows.Scan(
			&s.ID,
			&s.PeriodStart,
			&s.PeriodEnd,
			&s.Fetches,
			&s.FetchFailures,
			&s.FetchSkips,
			&s.BarsFetched,
			&s.MinFetchMs,
			&s.MaxFetchMs,
			&s.AvgFetchMs,
			&s.Flushes,
			&s.FlushFailures,
			&s.RowsWritten,
			&s.EventsDropped,
			&s.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		periods = append(periods, s)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	if periods == nil {
		periods = []SyncStats{}
	}
	return periods, nil
}
