package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mingxuanliu/stocksync/internal/task"
)

// handleListTasks serves GET /tasks?limit=&status=&type=.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	filter := task.Filter{
		Type:   r.URL.Query().Get("type"),
		Status: task.Status(r.URL.Query().Get("status")),
	}

	all := s.registry.List(filter)

	running, pending := 0, 0
	for _, t := range all {
		switch t.Status {
		case task.StatusRunning, task.StatusPaused:
			running++
		case task.StatusPending:
			pending++
		}
	}

	limit := queryInt(r, "limit", 50)
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}

	s.respond(w, http.StatusOK, "success", map[string]any{
		"tasks":   all,
		"total":   len(all),
		"running": running,
		"pending": pending,
	})
}

// handleGetTask serves GET /tasks/{id}.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	got, err := s.registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, "success", got)
}

// handleCancelTask serves POST /tasks/{id}/cancel.
func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	got, err := s.registry.Cancel(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, "cancellation requested", got)
}

// handlePauseTask serves POST /tasks/{id}/pause.
func (s *Server) handlePauseTask(w http.ResponseWriter, r *http.Request) {
	got, err := s.registry.Pause(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, "task paused", got)
}

// handleResumeTask serves POST /tasks/{id}/resume.
func (s *Server) handleResumeTask(w http.ResponseWriter, r *http.Request) {
	got, err := s.registry.Resume(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, "task resumed", got)
}

// handleDeleteTask serves DELETE /tasks/{id}.
func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Delete(chi.URLParam(r, "id")); err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, "task deleted", nil)
}
