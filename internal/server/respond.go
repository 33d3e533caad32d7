package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/mingxuanliu/stocksync/internal/db"
	"github.com/mingxuanliu/stocksync/internal/fetch"
	"github.com/mingxuanliu/stocksync/internal/scheduler"
	"github.com/mingxuanliu/stocksync/internal/syncer"
	"github.com/mingxuanliu/stocksync/internal/task"
)

// statusClientClosedRequest mirrors the nginx convention for requests the
// client abandoned before the server finished.
const statusClientClosedRequest = 499

// envelope is the response body every endpoint returns. Code mirrors the
// HTTP status; ErrorKind is set on failures so clients can branch without
// parsing messages.
type envelope struct {
	Code      int    `json:"code"`
	Message   string `json:"message"`
	Data      any    `json:"data,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
}

// page is the standard shape for list endpoints.
type page struct {
	Total    int `json:"total"`
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
	Items    any `json:"items"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, env envelope) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		s.logger.Error("response encoding failed", "error", err)
	}
}

func (s *Server) respond(w http.ResponseWriter, status int, message string, data any) {
	s.writeJSON(w, status, envelope{Code: status, Message: message, Data: data})
}

func (s *Server) respondErrorKind(w http.ResponseWriter, status int, kind, message string) {
	s.writeJSON(w, status, envelope{Code: status, Message: message, ErrorKind: kind})
}

func (s *Server) badRequest(w http.ResponseWriter, message string) {
	s.respondErrorKind(w, http.StatusBadRequest, "bad_request", message)
}

func (s *Server) notFound(w http.ResponseWriter, message string) {
	s.respondErrorKind(w, http.StatusNotFound, "not_found", message)
}

// respondError maps domain errors onto HTTP statuses and error kinds.
func (s *Server) respondError(w http.ResponseWriter, err error) {
	var (
		planErr  *syncer.PlanningError
		writeErr *syncer.WriteError
		cancErr  *syncer.CancelledError
		fetchErr *fetch.FetchError
	)

	switch {
	case errors.Is(err, syncer.ErrRunActive),
		errors.Is(err, task.ErrTypeBusy),
		errors.Is(err, task.ErrActive),
		errors.Is(err, db.ErrDuplicate):
		s.respondErrorKind(w, http.StatusConflict, "conflict", err.Error())

	case errors.Is(err, task.ErrNotFound), db.IsNotFound(err):
		s.respondErrorKind(w, http.StatusNotFound, "not_found", err.Error())

	case errors.Is(err, task.ErrNotRunning),
		errors.Is(err, task.ErrNotPaused),
		errors.Is(err, scheduler.ErrUnknownType):
		s.badRequest(w, err.Error())

	case errors.As(err, &planErr):
		s.respondErrorKind(w, http.StatusBadRequest, "planning_error", err.Error())

	case errors.As(err, &cancErr):
		s.respondErrorKind(w, statusClientClosedRequest, "cancelled", err.Error())

	case errors.As(err, &writeErr):
		s.respondErrorKind(w, http.StatusInternalServerError, "write_error", err.Error())

	case errors.As(err, &fetchErr):
		s.respondErrorKind(w, http.StatusBadGateway, "fetch_error", err.Error())

	default:
		s.logger.Error("request failed", "error", err)
		s.respondErrorKind(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

// decodeBody parses a JSON request body into dst. Empty bodies are allowed
// so POST endpoints with all-default parameters work without one.
func decodeBody(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}
