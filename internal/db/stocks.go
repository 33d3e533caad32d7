package db

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// Stock Operations
// =============================================================================

// StockFilter narrows ListStocks results
type StockFilter struct {
	Search    string // matches ts_code or name substring
	Market    string // exact market name
	ExcludeST bool   // drop ST / *ST / delisted names
	Page      int    // 1-based
	PageSize  int
}

// UpsertStocks inserts new stocks and refreshes existing ones in a single
// transaction. Returns how many rows were added vs updated.
func (db *DB) UpsertStocks(stocks []Stock) (added, updated int, err error) {
	if len(stocks) == 0 {
		return 0, 0, nil
	}

	existing := make(map[string]bool)
	rows, err := db.Query(`SELECT ts_code FROM stocks`)
	if err != nil {
		return 0, 0, err
	}
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			rows.Close()
			return 0, 0, err
		}
		existing[code] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, 0, err
	}

	query := `
		INSERT INTO stocks (ts_code, symbol, name, market, industry, list_date, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ts_code) DO UPDATE SET
			symbol = excluded.symbol,
			name = excluded.name,
			market = excluded.market,
			industry = COALESCE(excluded.industry, stocks.industry),
			list_date = COALESCE(excluded.list_date, stocks.list_date),
			is_active = excluded.is_active,
			updated_at = excluded.updated_at
	`

	err = db.WithTransaction(func(tx *Tx) error {
		stmt, err := tx.Prepare(query)
		if err != nil {
			return err
		}
		defer stmt.Close()

		now := time.Now()
		for _, s := range stocks {
			if _, err := stmt.Exec(s.TsCode, s.Symbol, s.Name, s.Market, s.Industry, s.ListDate, s.IsActive, now, now); err != nil {
				return fmt.Errorf("upsert stock %s: %w", s.TsCode, err)
			}
			if existing[s.TsCode] {
				updated++
			} else {
				added++
			}
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}

	return added, updated, nil
}

// DeactivateStale marks stocks untouched since the cutoff as inactive.
// Called after a full list refresh so delisted codes drop out of sync plans.
func (db *DB) DeactivateStale(cutoff time.Time) (int, error) {
	query := `
		UPDATE stocks
		SET is_active = 0, updated_at = ?
		WHERE is_active = 1 AND updated_at < ?
	`

	result, err := db.Exec(query, time.Now(), cutoff)
	if err != nil {
		return 0, err
	}

	n, err := result.RowsAffected()
	return int(n), err
}

// GetStock retrieves a stock by ts_code
func (db *DB) GetStock(tsCode string) (*Stock, error) {
	stock := &Stock{}

	query := `
		SELECT ts_code, symbol, name, market, industry, list_date, is_active, created_at, updated_at
		FROM stocks
		WHERE ts_code = ?
	`

	err := db.QueryRow(query, tsCode).Scan(
		&stock.TsCode,
		&stock.Symbol,
		&stock.Name,
		&stock.Market,
		&stock.Industry,
		&stock.ListDate,
		&stock.IsActive,
		&stock.CreatedAt,
		&stock.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	return stock, nil
}

// ListStocks retrieves a page of stocks matching the filter, plus the
// unpaginated match count.
func (db *DB) ListStocks(filter StockFilter) ([]Stock, int, error) {
	where := []string{"is_active = 1"}
	args := []interface{}{}

	if filter.Search != "" {
		where = append(where, "(ts_code LIKE ? OR name LIKE ?)")
		pattern := "%" + filter.Search + "%"
		args = append(args, pattern, pattern)
	}
	if filter.Market != "" {
		where = append(where, "market = ?")
		args = append(args, filter.Market)
	}
	if filter.ExcludeST {
		where = append(where, "name NOT LIKE '%ST%' AND name NOT LIKE '%退%'")
	}

	whereClause := strings.Join(where, " AND ")

	var total int
	countQuery := `SELECT COUNT(*) FROM stocks WHERE ` + whereClause
	if err := db.QueryRow(countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize < 1 {
		pageSize = 20
	}

	query := `
		SELECT ts_code, symbol, name, market, industry, list_date, is_active, created_at, updated_at
		FROM stocks
		WHERE ` + whereClause + `
		ORDER BY ts_code
		LIMIT ? OFFSET ?
	`
	args = append(args, pageSize, (page-1)*pageSize)

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var stocks []Stock
	for rows.Next() {
		var s Stock
		err := rows.Scan(
			&s.TsCode,
			&s.Symbol,
			&s.Name,
			&s.Market,
			&s.Industry,
			&s.ListDate,
			&s.IsActive,
			&s.CreatedAt,
			&s.UpdatedAt,
		)
		if err != nil {
			return nil, 0, err
		}
		stocks = append(stocks, s)
	}

	if err = rows.Err(); err != nil {
		return nil, 0, err
	}

	// Return empty slice instead of nil
	if stocks == nil {
		stocks = []Stock{}
	}

	return stocks, total, nil
}

// CountStocks returns the number of active stocks
func (db *DB) CountStocks() (int, error) {
	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM stocks WHERE is_active = 1`).Scan(&count)
	return count, err
}

// SyncItems returns every active stock paired with its newest bar date,
// in one query so planning a few thousand stocks stays cheap.
func (db *DB) SyncItems() ([]SyncItem, error) {
	query := `
		SELECT s.ts_code, s.name, MAX(k.trade_date)
		FROM stocks s
		LEFT JOIN kline_daily k ON k.ts_code = s.ts_code
		WHERE s.is_active = 1
		GROUP BY s.ts_code, s.name
		ORDER BY s.ts_code
	`

	rows, err := db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []SyncItem
	for rows.Next() {
		var item SyncItem
		var latest sql.NullString
		if err := rows.Scan(&item.TsCode, &item.Name, &latest); err != nil {
			return nil, err
		}
		if latest.Valid {
			d, err := parseDate(latest.String)
			if err != nil {
				return nil, fmt.Errorf("bad trade_date for %s: %w", item.TsCode, err)
			}
			item.LatestDate = &d
		}
		items = append(items, item)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	// Return empty slice instead of nil
	if items == nil {
		items = []SyncItem{}
	}

	return items, nil
}
