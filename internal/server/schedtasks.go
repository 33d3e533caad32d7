package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mingxuanliu/stocksync/internal/db"
	"github.com/mingxuanliu/stocksync/internal/scheduler"
)

// scheduledTaskView is the wire shape of a scheduled_tasks row, enriched
// with the next fire time computed by the running scheduler.
type scheduledTaskView struct {
	ID             int64      `json:"id"`
	Name           string     `json:"name"`
	TaskType       string     `json:"task_type"`
	Params         *string    `json:"params,omitempty"`
	Enabled        bool       `json:"enabled"`
	CronExpression *string    `json:"cron_expression,omitempty"`
	ScheduledTime  *string    `json:"scheduled_time,omitempty"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	LastRunStatus  *string    `json:"last_run_status,omitempty"`
	LastRunMessage *string    `json:"last_run_message,omitempty"`
	TotalRuns      int        `json:"total_runs"`
	SuccessRuns    int        `json:"success_runs"`
	FailedRuns     int        `json:"failed_runs"`
	NextRunAt      *time.Time `json:"next_run_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func (s *Server) toScheduledTaskView(st *db.ScheduledTask) scheduledTaskView {
	v := scheduledTaskView{
		ID:             st.ID,
		Name:           st.Name,
		TaskType:       st.TaskType,
		Params:         st.Params,
		Enabled:        st.Enabled,
		CronExpression: st.CronExpression,
		ScheduledTime:  st.ScheduledTime,
		LastRunAt:      st.LastRunAt,
		LastRunStatus:  st.LastRunStatus,
		LastRunMessage: st.LastRunMessage,
		TotalRuns:      st.TotalRuns,
		SuccessRuns:    st.SuccessRuns,
		FailedRuns:     st.FailedRuns,
		CreatedAt:      st.CreatedAt,
		UpdatedAt:      st.UpdatedAt,
	}
	if next, ok := s.scheduler.NextRun(st.ID); ok {
		v.NextRunAt = &next
	}
	return v
}

// scheduledTaskRequest carries both create and partial-update payloads.
// Pointer fields distinguish "absent" from "set to zero value".
type scheduledTaskRequest struct {
	Name           *string `json:"name"`
	TaskType       *string `json:"task_type"`
	Params         *string `json:"params"`
	Enabled        *bool   `json:"enabled"`
	CronExpression *string `json:"cron_expression"`
	ScheduledTime  *string `json:"scheduled_time"`
}

func validateScheduledTask(st *db.ScheduledTask) string {
	if strings.TrimSpace(st.Name) == "" {
		return "name is required"
	}
	if !scheduler.KnownType(st.TaskType) {
		return "task_type must be one of sync_stock_list, sync_kline_daily, sync_kline_full"
	}
	hasCron := st.CronExpression != nil && strings.TrimSpace(*st.CronExpression) != ""
	hasTime := st.ScheduledTime != nil && strings.TrimSpace(*st.ScheduledTime) != ""
	if !hasCron && !hasTime {
		return "either cron_expression or scheduled_time is required"
	}
	if err := scheduler.ValidateSchedule(st); err != nil {
		return err.Error()
	}
	if st.Params != nil && *st.Params != "" {
		var m map[string]any
		if err := json.Unmarshal([]byte(*st.Params), &m); err != nil {
			return "params must be a JSON object"
		}
	}
	return ""
}

// reloadScheduler re-registers cron entries after a row change. Failures
// are logged rather than surfaced: the row change itself already stuck.
func (s *Server) reloadScheduler() {
	if err := s.scheduler.Reload(); err != nil {
		s.logger.Warn("scheduler reload failed", "error", err)
	}
}

func scheduledTaskID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}

func (s *Server) handleListScheduledTasks(w http.ResponseWriter, r *http.Request) {
	rows, err := s.store.ListScheduledTasks(false)
	if err != nil {
		s.respondError(w, err)
		return
	}
	views := make([]scheduledTaskView, 0, len(rows))
	for i := range rows {
		views = append(views, s.toScheduledTaskView(&rows[i]))
	}
	s.respond(w,http.StatusOK, "success", map[string]any{
		"tasks": views,
		"total": len(views),
	})
}

func (s *Server) handleCreateScheduledTask(w http.ResponseWriter, r *http.Request) {
	var req scheduledTaskRequest
	if err := decodeBody(r, &req); err != nil {
		s.badRequest(w,"invalid request body: "+err.Error())
		return
	}

	st := db.ScheduledTask{Enabled: true}
	if req.Name != nil {
		st.Name = strings.TrimSpace(*req.Name)
	}
	if req.TaskType != nil {
		st.TaskType = *req.TaskType
	}
	st.Params = req.Params
	if req.Enabled != nil {
		st.Enabled = *req.Enabled
	}
	st.CronExpression = req.CronExpression
	st.ScheduledTime = req.ScheduledTime

	if msg := validateScheduledTask(&st); msg != "" {
		s.badRequest(w,msg)
		return
	}
	if err := s.store.CreateScheduledTask(&st); err != nil {
		s.respondError(w, err)
		return
	}
	s.reloadScheduler()
	s.logger.Info("scheduled task created", "id", st.ID, "name", st.Name, "type", st.TaskType)
	s.respond(w,http.StatusCreated, "scheduled task created", s.toScheduledTaskView(&st))
}

func (s *Server) handleUpdateScheduledTask(w http.ResponseWriter, r *http.Request) {
	id, ok := scheduledTaskID(r)
	if !ok {
		s.badRequest(w,"invalid scheduled task id")
		return
	}
	var req scheduledTaskRequest
	if err := decodeBody(r, &req); err != nil {
		s.badRequest(w,"invalid request body: "+err.Error())
		return
	}

	st, err := s.store.GetScheduledTask(id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if req.Name != nil {
		st.Name = strings.TrimSpace(*req.Name)
	}
	if req.TaskType != nil {
		st.TaskType = *req.TaskType
	}
	if req.Params != nil {
		st.Params = req.Params
	}
	if req.Enabled != nil {
		st.Enabled = *req.Enabled
	}
	if req.CronExpression != nil {
		st.CronExpression = req.CronExpression
	}
	if req.ScheduledTime != nil {
		st.ScheduledTime = req.ScheduledTime
	}

	if msg := validateScheduledTask(st); msg != "" {
		s.badRequest(w,msg)
		return
	}
	if err := s.store.UpdateScheduledTask(st); err != nil {
		s.respondError(w, err)
		return
	}
	s.reloadScheduler()
	s.logger.Info("scheduled task updated", "id", st.ID, "name", st.Name)
	s.respond(w,http.StatusOK, "scheduled task updated", s.toScheduledTaskView(st))
}

func (s *Server) handleDeleteScheduledTask(w http.ResponseWriter, r *http.Request) {
	id, ok := scheduledTaskID(r)
	if !ok {
		s.badRequest(w,"invalid scheduled task id")
		return
	}
	if err := s.store.DeleteScheduledTask(id); err != nil {
		s.respondError(w, err)
		return
	}
	s.reloadScheduler()
	s.logger.Info("scheduled task deleted", "id", id)
	s.respond(w,http.StatusOK, "scheduled task deleted", nil)
}

func (s *Server) handleRunScheduledTask(w http.ResponseWriter, r *http.Request) {
	id, ok := scheduledTaskID(r)
	if !ok {
		s.badRequest(w,"invalid scheduled task id")
		return
	}
	tk, err := s.scheduler.RunNow(id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w,http.StatusAccepted, "scheduled task started", tk)
}
