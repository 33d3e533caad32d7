package db

import (
	"database/sql"
)

// =============================================================================
// Update Log Operations
// =============================================================================

// InsertUpdateLog records one audit row for a refresh operation
func (db *DB) InsertUpdateLog(log *UpdateLog) error {
	query := `
		INSERT INTO data_update_log (id, data_type, ts_code, status, message, rows_added, rows_updated, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := db.Exec(query,
		log.ID,
		log.DataType,
		log.TsCode,
		log.Status,
		log.Message,
		log.RowsAdded,
		log.RowsUpdated,
		log.StartedAt,
		log.FinishedAt,
	)

	return err
}

// GetUpdateLog retrieves an audit row by ID
func (db *DB) GetUpdateLog(id string) (*UpdateLog, error) {
	log := &UpdateLog{}

	query := `
		SELECT id, data_type, ts_code, status, message, rows_added, rows_updated, started_at, finished_at
		FROM data_update_log
		WHERE id = ?
	`

	err := db.QueryRow(query, id).Scan(
		&log.ID,
		&log.DataType,
		&log.TsCode,
		&log.Status,
		&log.Message,
		&log.RowsAdded,
		&log.RowsUpdated,
		&log.StartedAt,
		&log.FinishedAt,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	return log, nil
}

// ListUpdateLogs retrieves recent audit rows, newest first, optionally
// filtered by data type.
func (db *DB) ListUpdateLogs(dataType string, limit int) ([]UpdateLog, error) {
	query := `
		SELECT id, data_type, ts_code, status, message, rows_added, rows_updated, started_at, finished_at
		FROM data_update_log
	`
	args := []interface{}{}

	if dataType != "" {
		query += ` WHERE data_type = ?`
		args = append(args, dataType)
	}

	query += ` ORDER BY finished_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []UpdateLog
	for rows.Next() {
		var log UpdateLog
		err := rows.Scan(
			&log.ID,
			&log.DataType,
			&log.TsCode,
			&log.Status,
			&log.Message,
			&log.RowsAdded,
			&log.RowsUpdated,
			&log.StartedAt,
			&log.FinishedAt,
		)
		if err != nil {
			return nil, err
		}
		logs = append(logs, log)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	// Return empty slice instead of nil
	if logs == nil {
		logs = []UpdateLog{}
	}

	return logs, nil
}
