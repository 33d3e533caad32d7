package db

import (
	"database/sql"
	"time"
)

// =============================================================================
// Scheduled Task Operations
// =============================================================================

// CreateScheduledTask creates a new scheduled task definition
func (db *DB) CreateScheduledTask(task *ScheduledTask) error {
	now := time.Now()
	task.CreatedAt = now
	task.UpdatedAt = now

	query := `
		INSERT INTO scheduled_tasks (name, task_type, params, enabled, cron_expression, scheduled_time, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := db.Exec(query,
		task.Name,
		task.TaskType,
		task.Params,
		task.Enabled,
		task.CronExpression,
		task.ScheduledTime,
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		if IsDuplicate(err) {
			return ErrDuplicate
		}
		return err
	}

	task.ID, err = result.LastInsertId()
	return err
}

// GetScheduledTask retrieves a scheduled task by ID
func (db *DB) GetScheduledTask(id int64) (*ScheduledTask, error) {
	task := &ScheduledTask{}

	query := `
		SELECT id, name, task_type, params, enabled, cron_expression, scheduled_time,
		       last_run_at, last_run_status, last_run_message, total_runs, success_runs, failed_runs,
		       created_at, updated_at
		FROM scheduled_tasks
		WHERE id = ?
	`

	err := db.QueryRow(query, id).Scan(
		&task.ID,
		&task.Name,
		&task.TaskType,
		&task.Params,
		&task.Enabled,
		&task.CronExpression,
		&task.ScheduledTime,
		&task.LastRunAt,
		&task.LastRunStatus,
		&task.LastRunMessage,
		&task.TotalRuns,
		&task.SuccessRuns,
		&task.FailedRuns,
		&task.CreatedAt,
		&task.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	return task, nil
}

// ListScheduledTasks retrieves all scheduled tasks; enabledOnly filters to
// tasks the scheduler should register.
func (db *DB) ListScheduledTasks(enabledOnly bool) ([]ScheduledTask, error) {
	query := `
		SELECT id, name, task_type, params, enabled, cron_expression, scheduled_time,
		       last_run_at, last_run_status, last_run_message, total_runs, success_runs, failed_runs,
		       created_at, updated_at
		FROM scheduled_tasks
	`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY id`

	rows, err := db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []ScheduledTask
	for rows.Next() {
		var task ScheduledTask
		err := rows.Scan(
			&task.ID,
			&task.Name,
			&task.TaskType,
			&task.Params,
			&task.Enabled,
			&task.CronExpression,
			&task.ScheduledTime,
			&task.LastRunAt,
			&task.LastRunStatus,
			&task.LastRunMessage,
			&task.TotalRuns,
			&task.SuccessRuns,
			&task.FailedRuns,
			&task.CreatedAt,
			&task.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	// Return empty slice instead of nil
	if tasks == nil {
		tasks = []ScheduledTask{}
	}

	return tasks, nil
}

// UpdateScheduledTask updates a task's definition fields
func (db *DB) UpdateScheduledTask(task *ScheduledTask) error {
	task.UpdatedAt = time.Now()

	query := `
		UPDATE scheduled_tasks
		SET name = ?, task_type = ?, params = ?, enabled = ?, cron_expression = ?, scheduled_time = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := db.Exec(query,
		task.Name,
		task.TaskType,
		task.Params,
		task.Enabled,
		task.CronExpression,
		task.ScheduledTime,
		task.UpdatedAt,
		task.ID,
	)
	if err != nil {
		if IsDuplicate(err) {
			return ErrDuplicate
		}
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// DeleteScheduledTask deletes a scheduled task by ID
func (db *DB) DeleteScheduledTask(id int64) error {
	query := `DELETE FROM scheduled_tasks WHERE id = ?`

	result, err := db.Exec(query, id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// RecordScheduledRun updates a task's run bookkeeping after an execution
func (db *DB) RecordScheduledRun(id int64, ranAt time.Time, success bool, message string) error {
	status := "success"
	successInc, failedInc := 1, 0
	if !success {
		status = "failed"
		successInc, failedInc = 0, 1
	}

	query := `
		UPDATE scheduled_tasks
		SET last_run_at = ?, last_run_status = ?, last_run_message = ?,
		    total_runs = total_runs + 1,
		    success_runs = success_runs + ?,
		    failed_runs = failed_runs + ?,
		    updated_at = ?
		WHERE id = ?
	`

	result, err := db.Exec(query, ranAt, status, message, successInc, failedInc, time.Now(), id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		return ErrNotFound
	}

	return nil
}
