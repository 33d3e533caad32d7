// Package scheduler fires persisted sync jobs on their cron schedules.
// Every trigger goes through the task registry, so scheduled runs and
// manual API runs share the same per-type dedup and cancel controls.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mingxuanliu/stocksync/internal/db"
	"github.com/mingxuanliu/stocksync/internal/syncer"
	"github.com/mingxuanliu/stocksync/internal/task"
)

// Task types a scheduled_tasks row may carry.
const (
	TypeStockList  = "sync_stock_list"
	TypeKlineDaily = "sync_kline_daily"
	TypeKlineFull  = "sync_kline_full"
)

// ErrUnknownType is returned when a row names a task type the scheduler
// cannot run.
var ErrUnknownType = errors.New("unknown task type")

// KnownType reports whether taskType names a runnable task.
func KnownType(taskType string) bool {
	switch taskType {
	case TypeStockList, TypeKlineDaily, TypeKlineFull:
		return true
	}
	return false
}

// TaskStore is the slice of the database the scheduler reads and writes.
type TaskStore interface {
	ListScheduledTasks(enabledOnly bool) ([]db.ScheduledTask, error)
	GetScheduledTask(id int64) (*db.ScheduledTask, error)
	RecordScheduledRun(id int64, ranAt time.Time, success bool, message string) error
}

// SyncService is the slice of the sync engine the scheduler drives.
type SyncService interface {
	SyncStockList(ctx context.Context) (*syncer.ListSyncResult, error)
	ExecuteAll(ctx context.Context, mode syncer.RunMode, force bool, limit int, onProgress syncer.ProgressFunc) (*syncer.RunResult, error)
}

// Scheduler owns the cron runner and the mapping from scheduled_tasks
// rows to registered cron entries.
type Scheduler struct {
	config   Config
	store    TaskStore
	service  SyncService
	registry *task.Registry
	logger   *slog.Logger
	cron     *cron.Cron

	mu      sync.Mutex
	entries map[int64]cron.EntryID
}

// New creates a scheduler. Call Start to load schedules and begin firing.
func New(config Config, store TaskStore, service SyncService, registry *task.Registry, logger *slog.Logger) (*Scheduler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scheduler config: %w", err)
	}
	if store == nil {
		return nil, errors.New("task store is required")
	}
	if service == nil {
		return nil, errors.New("sync service is required")
	}
	if registry == nil {
		return nil, errors.New("task registry is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	clog := cronLogger{logger: logger}
	return &Scheduler{
		config:   config,
		store:    store,
		service:  service,
		registry: registry,
		logger:   logger,
		cron:     cron.New(cron.WithLogger(clog), cron.WithChain(cron.Recover(clog))),
		entries:  make(map[int64]cron.EntryID),
	}, nil
}

// Start loads enabled tasks, registers their schedules and starts the
// cron runner. It is a no-op when the scheduler is disabled.
func (s *Scheduler) Start() error {
	if !s.config.Enabled {
		s.logger.Info("scheduler disabled")
		return nil
	}

	if err := s.Reload(); err != nil {
		return err
	}

	sweep := fmt.Sprintf("@every %s", s.config.CleanupInterval)
	if _, err := s.cron.AddFunc(sweep, func() {
		if removed := s.registry.Cleanup(s.config.TaskRetention); removed > 0 {
			s.logger.Info("dropped finished tasks", "count", removed)
		}
	}); err != nil {
		return fmt.Errorf("register cleanup sweep: %w", err)
	}

	s.cron.Start()

	s.mu.Lock()
	jobs := len(s.entries)
	s.mu.Unlock()
	s.logger.Info("scheduler started", "jobs", jobs)
	return nil
}

// Stop halts schedule firing and waits for in-flight cron callbacks, up
// to the context deadline. Tasks already handed to the registry keep
// running.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reload re-reads enabled rows from the store and replaces the registered
// schedules. Call it after scheduled_tasks rows change.
func (s *Scheduler) Reload() error {
	tasks, err := s.store.ListScheduledTasks(true)
	if err != nil {
		return fmt.Errorf("load scheduled tasks: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, entryID := range s.entries {
		s.cron.Remove(entryID)
		delete(s.entries, id)
	}

	for _, st := range tasks {
		spec, err := scheduleSpec(&st)
		if err != nil {
			s.logger.Error("skipping scheduled task", "task_id", st.ID, "name", st.Name, "error", err)
			continue
		}

		id := st.ID
		entryID, err := s.cron.AddFunc(spec, func() { s.fire(id) })
		if err != nil {
			s.logger.Error("skipping scheduled task", "task_id", st.ID, "name", st.Name, "spec", spec, "error", err)
			continue
		}

		s.entries[st.ID] = entryID
		s.logger.Info("scheduled task registered",
			"task_id", st.ID,
			"name", st.Name,
			"type", st.TaskType,
			"spec", spec)
	}
	return nil
}

// NextRun returns the next fire time for a scheduled task, if it has a
// registered schedule.
func (s *Scheduler) NextRun(id int64) (time.Time, bool) {
	s.mu.Lock()
	entryID, ok := s.entries[id]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}

	entry := s.cron.Entry(entryID)
	if !entry.Valid() || entry.Next.IsZero() {
		return time.Time{}, false
	}
	return entry.Next, true
}

// RunNow fires a scheduled task immediately, regardless of its schedule
// or enabled flag.
func (s *Scheduler) RunNow(id int64) (*task.Task, error) {
	st, err := s.store.GetScheduledTask(id)
	if err != nil {
		return nil, err
	}
	return s.launch(st)
}

// fire is the cron callback. The row is re-read at fire time so edits
// between reloads still take effect.
func (s *Scheduler) fire(id int64) {
	st, err := s.store.GetScheduledTask(id)
	if err != nil {
		s.logger.Error("scheduled task lookup failed", "task_id", id, "error", err)
		return
	}
	if !st.Enabled {
		return
	}

	if _, err := s.launch(st); err != nil {
		if errors.Is(err, task.ErrTypeBusy) {
			s.logger.Warn("scheduled run skipped",
				"task_id", id,
				"type", st.TaskType,
				"reason", "task type already active")
			return
		}
		s.logger.Error("scheduled run failed to launch", "task_id", id, "error", err)
		s.recordRun(id, time.Now(), nil, err)
	}
}

// launch submits the row's work to the registry.
func (s *Scheduler) launch(st *db.ScheduledTask) (*task.Task, error) {
	params, limit, err := taskParams(st)
	if err != nil {
		return nil, err
	}

	body, err := s.taskBody(st.TaskType, limit)
	if err != nil {
		return nil, err
	}

	id := st.ID
	return s.registry.Submit(st.TaskType, params, func(run *task.Run) (any, error) {
		started := time.Now()
		result, err := body(run)
		s.recordRun(id, started, result, err)
		return result, err
	})
}

// taskBody maps a task type to the service operation it runs.
func (s *Scheduler) taskBody(taskType string, limit int) (task.Func, error) {
	switch taskType {
	case TypeStockList:
		return func(run *task.Run) (any, error) {
			return s.service.SyncStockList(run.Ctx())
		}, nil
	case TypeKlineDaily:
		return func(run *task.Run) (any, error) {
			return s.runKlines(run, syncer.RunModeDaily, false, limit)
		}, nil
	case TypeKlineFull:
		return func(run *task.Run) (any, error) {
			return s.runKlines(run, syncer.RunModeInit, true, limit)
		}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, taskType)
}

func (s *Scheduler) runKlines(run *task.Run, mode syncer.RunMode, force bool, limit int) (any, error) {
	return s.service.ExecuteAll(run.Ctx(), mode, force, limit, func(snap syncer.Snapshot) {
		run.SetProgress(snap.Percent, snap.Message)
	})
}

// recordRun updates the row's last-run bookkeeping and counters.
func (s *Scheduler) recordRun(id int64, started time.Time, result any, err error) {
	if rerr := s.store.RecordScheduledRun(id, started, err == nil, runMessage(result, err)); rerr != nil {
		s.logger.Warn("scheduled run bookkeeping failed", "task_id", id, "error", rerr)
	}
}

// runMessage summarizes a run outcome for the last_run_message column.
func runMessage(result any, err error) string {
	if err != nil {
		return err.Error()
	}
	switch r := result.(type) {
	case *syncer.RunResult:
		return fmt.Sprintf("%s: %d succeeded, %d failed, %d skipped",
			r.Status, r.Succeeded, r.Failed, r.Skipped)
	case *syncer.ListSyncResult:
		return fmt.Sprintf("%d added, %d updated, %d deactivated",
			r.Added, r.Updated, r.Deactivated)
	}
	return "ok"
}

// ValidateSchedule checks that a row's schedule can be registered, so
// bad expressions are rejected at write time instead of being skipped at
// the next reload.
func ValidateSchedule(st *db.ScheduledTask) error {
	spec, err := scheduleSpec(st)
	if err != nil {
		return err
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid cron expression %q: %v", spec, err)
	}
	return nil
}

// scheduleSpec resolves a row to a cron spec: an explicit expression
// wins, otherwise the daily HH:MM shorthand.
func scheduleSpec(st *db.ScheduledTask) (string, error) {
	if st.CronExpression != nil && strings.TrimSpace(*st.CronExpression) != "" {
		return strings.TrimSpace(*st.CronExpression), nil
	}
	if st.ScheduledTime != nil && strings.TrimSpace(*st.ScheduledTime) != "" {
		hour, minute, err := parseDailyTime(strings.TrimSpace(*st.ScheduledTime))
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d %d * * *", minute, hour), nil
	}
	return "", errors.New("no schedule: set cron_expression or scheduled_time")
}

// parseDailyTime parses the "HH:MM" shorthand.
func parseDailyTime(s string) (hour, minute int, err error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("scheduled_time %q must be HH:MM", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("scheduled_time %q has an invalid hour", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("scheduled_time %q has an invalid minute", s)
	}
	return hour, minute, nil
}

// taskParams decodes the row's JSON params. A numeric "limit" caps kline
// runs; the full map is carried onto the task record for visibility.
func taskParams(st *db.ScheduledTask) (map[string]any, int, error) {
	if st.Params == nil || strings.TrimSpace(*st.Params) == "" {
		return nil, 0, nil
	}

	var params map[string]any
	if err := json.Unmarshal([]byte(*st.Params), &params); err != nil {
		return nil, 0, fmt.Errorf("task params: %w", err)
	}

	limit := 0
	if v, ok := params["limit"].(float64); ok && v > 0 {
		limit = int(v)
	}
	return params, limit, nil
}

// cronLogger adapts slog to the cron runner's logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
