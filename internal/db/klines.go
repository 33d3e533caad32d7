package db

import (
	"database/sql"
	"fmt"
	"time"
)

// =============================================================================
// Kline Operations
// =============================================================================

// Trade dates are stored as ISO "YYYY-MM-DD" text so string comparison,
// MAX(), and range filters all behave chronologically.
const dateLayout = "2006-01-02"

func dateStr(t time.Time) string {
	return t.Format(dateLayout)
}

func parseDate(s string) (time.Time, error) {
	// Tolerate a full timestamp sneaking in via raw SQL in tests
	if len(s) > len(dateLayout) {
		s = s[:len(dateLayout)]
	}
	return time.Parse(dateLayout, s)
}

// BulkUpsertKlines writes bars in one transaction with insert-or-update
// semantics on (ts_code, trade_date). Safe to replay: a re-flushed batch
// leaves one row per key holding the latest values.
func (db *DB) BulkUpsertKlines(bars []KlineBar) error {
	if len(bars) == 0 {
		return nil
	}

	query := `
		INSERT INTO kline_daily (ts_code, trade_date, open, high, low, close, volume, amount, amplitude, pct_chg, change, turnover, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ts_code, trade_date) DO UPDATE SET
			open = excluded.open,
			high = excluded.high,
			low = excluded.low,
			close = excluded.close,
			volume = excluded.volume,
			amount = excluded.amount,
			amplitude = excluded.amplitude,
			pct_chg = excluded.pct_chg,
			change = excluded.change,
			turnover = excluded.turnover
	`

	return db.WithTransaction(func(tx *Tx) error {
		stmt, err := tx.Prepare(query)
		if err != nil {
			return err
		}
		defer stmt.Close()

		now := time.Now()
		for _, bar := range bars {
			_, err := stmt.Exec(
				bar.TsCode,
				dateStr(bar.TradeDate),
				bar.Open,
				bar.High,
				bar.Low,
				bar.Close,
				bar.Volume,
				bar.Amount,
				bar.Amplitude,
				bar.PctChg,
				bar.Change,
				bar.Turnover,
				now,
			)
			if err != nil {
				return fmt.Errorf("upsert bar %s %s: %w", bar.TsCode, dateStr(bar.TradeDate), err)
			}
		}
		return nil
	})
}

// LatestKlineDate returns the newest bar date for a stock, or nil when the
// stock has no bars yet.
func (db *DB) LatestKlineDate(tsCode string) (*time.Time, error) {
	query := `
		SELECT MAX(trade_date)
		FROM kline_daily
		WHERE ts_code = ?
	`

	var latest sql.NullString
	if err := db.QueryRow(query, tsCode).Scan(&latest); err != nil {
		return nil, err
	}

	if !latest.Valid {
		return nil, nil
	}

	d, err := parseDate(latest.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// KlineQuery narrows ListKlines results
type KlineQuery struct {
	TsCode string
	Start  *time.Time
	End    *time.Time
	Limit  int // newest-first row cap; 0 means no cap
}

// ListKlines retrieves bars for a stock in ascending date order
func (db *DB) ListKlines(q KlineQuery) ([]KlineBar, error) {
	query := `
		SELECT id, ts_code, trade_date, open, high, low, close, volume, amount, amplitude, pct_chg, change, turnover, created_at
		FROM kline_daily
		WHERE ts_code = ?
	`
	args := []interface{}{q.TsCode}

	if q.Start != nil {
		query += ` AND trade_date >= ?`
		args = append(args, dateStr(*q.Start))
	}
	if q.End != nil {
		query += ` AND trade_date <= ?`
		args = append(args, dateStr(*q.End))
	}

	// The cap keeps the newest rows, so order descending first and
	// reverse below.
	query += ` ORDER BY trade_date DESC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bars []KlineBar
	for rows.Next() {
		var bar KlineBar
		var tradeDate string
		err := rows.Scan(
			&bar.ID,
			&bar.TsCode,
			&tradeDate,
			&bar.Open,
			&bar.High,
			&bar.Low,
			&bar.Close,
			&bar.Volume,
			&bar.Amount,
			&bar.Amplitude,
			&bar.PctChg,
			&bar.Change,
			&bar.Turnover,
			&bar.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		if bar.TradeDate, err = parseDate(tradeDate); err != nil {
			return nil, err
		}
		bars = append(bars, bar)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	// Reverse into ascending date order
	for i, j := 0, len(bars)-1; i < j; i, j = i+1, j-1 {
		bars[i], bars[j] = bars[j], bars[i]
	}

	// Return empty slice instead of nil
	if bars == nil {
		bars = []KlineBar{}
	}

	return bars, nil
}

// CountKlines returns the total number of stored bars
func (db *DB) CountKlines() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM kline_daily`).Scan(&count)
	return count, err
}

// CountKlinesFor returns the number of stored bars for one stock
func (db *DB) CountKlinesFor(tsCode string) (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM kline_daily WHERE ts_code = ?`, tsCode).Scan(&count)
	return count, err
}
