// Package task runs background jobs and tracks their lifecycle. Every
// long-running operation the HTTP API or the scheduler kicks off goes
// through the registry, which enforces one active task per type and
// exposes cancel, pause and resume controls.
package task

import (
	"context"
	"time"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the task has finished and will not change again.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Task is a snapshot of one background job. Progress runs 0-100.
type Task struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Params      map[string]any `json:"params,omitempty"`
	Status      Status         `json:"status"`
	Progress    float64        `json:"progress"`
	Message     string         `json:"message,omitempty"`
	Result      any            `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// Func is the body of a task. The returned value becomes Task.Result on
// success; a non-nil error marks the task failed unless the run was
// cancelled first.
type Func func(run *Run) (any, error)

// Run is the handle a task body uses to cooperate with the registry.
type Run struct {
	ctx context.Context
	reg *Registry
	id  string
}

// Ctx returns the context that is cancelled when the task is cancelled.
// Pass it to every blocking call the task makes.
func (r *Run) Ctx() context.Context { return r.ctx }

// Cancelled reports whether cancellation has been requested.
func (r *Run) Cancelled() bool { return r.ctx.Err() != nil }

// WaitIfPaused blocks while the task is paused. It returns immediately
// when the task is running, and unblocks on resume or cancellation.
// Task bodies should call it at safe points, typically between units of
// work, and check Cancelled afterwards.
func (r *Run) WaitIfPaused() {
	for {
		r.reg.mu.Lock()
		e, ok := r.reg.tasks[r.id]
		if !ok || e.task.Status != StatusPaused {
			r.reg.mu.Unlock()
			return
		}
		gate := e.resume
		r.reg.mu.Unlock()

		select {
		case <-gate:
		case <-r.ctx.Done():
			return
		}
	}
}

// SetProgress records completion percentage and a short status message.
// Values outside 0-100 are clamped.
func (r *Run) SetProgress(pct float64, message string) {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}

	r.reg.mu.Lock()
	defer r.reg.mu.Unlock()
	e, ok := r.reg.tasks[r.id]
	if !ok {
		return
	}
	e.task.Progress = pct
	e.task.Message = message
}
