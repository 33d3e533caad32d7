package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when no task has the given ID.
	ErrNotFound = errors.New("task not found")
	// ErrTypeBusy is returned by Submit while a task of the same type is
	// still pending, running or paused.
	ErrTypeBusy = errors.New("a task of this type is already active")
	// ErrNotRunning is returned by Pause for tasks that are not running.
	ErrNotRunning = errors.New("task is not running")
	// ErrNotPaused is returned by Resume for tasks that are not paused.
	ErrNotPaused = errors.New("task is not paused")
	// ErrActive is returned by Delete for tasks that have not finished.
	ErrActive = errors.New("task is still active")
)

// entry is the registry's mutable record for one task. All fields are
// guarded by the registry mutex.
type entry struct {
	task   Task
	cancel context.CancelFunc
	resume chan struct{}
}

// Registry owns all background tasks. It is safe for concurrent use.
type Registry struct {
	mu     sync.Mutex
	tasks  map[string]*entry
	order  []string
	logger *slog.Logger
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tasks:  make(map[string]*entry),
		order:  make([]string, 0),
		logger: logger,
	}
}

// Submit registers a task and starts it on its own goroutine. At most one
// non-terminal task per type may exist; a second submission returns
// ErrTypeBusy. The returned Task is the pending snapshot.
func (r *Registry) Submit(taskType string, params map[string]any, fn Func) (*Task, error) {
	if taskType == "" {
		return nil, errors.New("task type is required")
	}
	if fn == nil {
		return nil, errors.New("task function is required")
	}

	r.mu.Lock()
	for _, id := range r.order {
		e := r.tasks[id]
		if e.task.Type == taskType && !e.task.Status.Terminal() {
			r.mu.Unlock()
			return nil, fmt.Errorf("%w: %s (%s)", ErrTypeBusy, taskType, id)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := Task{
		ID:        uuid.NewString(),
		Type:      taskType,
		Params:    params,
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}
	r.tasks[t.ID] = &entry{task: t, cancel: cancel}
	r.order = append(r.order, t.ID)
	r.mu.Unlock()

	r.logger.Info("task submitted", "task_id", t.ID, "type", taskType)
	go r.execute(t.ID, ctx, fn)

	snap := t
	return &snap, nil
}

// execute runs the task body and folds its outcome into the final status.
// Cancellation wins over the body's return value so a task that winds
// down gracefully after a cancel request still reads as cancelled.
func (r *Registry) execute(id string, ctx context.Context, fn Func) {
	r.mu.Lock()
	e, ok := r.tasks[id]
	if !ok || e.task.Status != StatusPending {
		r.mu.Unlock()
		return
	}
	started := time.Now()
	e.task.Status = StatusRunning
	e.task.StartedAt = &started
	taskType := e.task.Type
	r.mu.Unlock()

	result, err := fn(&Run{ctx: ctx, reg: r, id: id})

	r.mu.Lock()
	e, ok = r.tasks[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	completed := time.Now()
	e.task.CompletedAt = &completed
	switch {
	case ctx.Err() != nil:
		e.task.Status = StatusCancelled
	case err != nil:
		e.task.Status = StatusFailed
		e.task.Error = err.Error()
	default:
		e.task.Status = StatusSuccess
		e.task.Progress = 100
		e.task.Result = result
	}
	status := e.task.Status
	r.mu.Unlock()

	r.logger.Info("task finished",
		"task_id", id,
		"type", taskType,
		"status", status,
		"duration", time.Since(started))
}

// Get returns a snapshot of the task with the given ID.
func (r *Registry) Get(id string) (*Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	snap := e.task
	return &snap, nil
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Type   string
	Status Status
	Limit  int
}

// List returns task snapshots, newest submission first.
func (r *Registry) List(filter Filter) []Task {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Task, 0, len(r.order))
	for i := len(r.order) - 1; i >= 0; i-- {
		e := r.tasks[r.order[i]]
		if filter.Type != "" && e.task.Type != filter.Type {
			continue
		}
		if filter.Status != "" && e.task.Status != filter.Status {
			continue
		}
		out = append(out, e.task)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out
}

// Cancel requests cancellation. A pending task is finalized immediately
// and its body never runs; a running or paused task gets its context
// cancelled and finishes on its own schedule. Cancelling a finished task
// is a no-op that returns the current snapshot.
func (r *Registry) Cancel(id string) (*Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}

	switch e.task.Status {
	case StatusPending:
		e.cancel()
		now := time.Now()
		e.task.Status = StatusCancelled
		e.task.CompletedAt = &now
		e.task.Message = "cancelled before start"
		r.logger.Info("task cancelled", "task_id", id, "type", e.task.Type, "started", false)
	case StatusRunning, StatusPaused:
		e.cancel()
		r.logger.Info("task cancelled", "task_id", id, "type", e.task.Type, "started", true)
	}

	snap := e.task
	return &snap, nil
}

// Pause suspends a running task at its next WaitIfPaused checkpoint.
func (r *Registry) Pause(id string) (*Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	if e.task.Status != StatusRunning {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotRunning, id, e.task.Status)
	}

	e.task.Status = StatusPaused
	e.resume = make(chan struct{})
	r.logger.Info("task paused", "task_id", id, "type", e.task.Type)

	snap := e.task
	return &snap, nil
}

// Resume releases a paused task.
func (r *Registry) Resume(id string) (*Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	if e.task.Status != StatusPaused {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotPaused, id, e.task.Status)
	}

	e.task.Status = StatusRunning
	close(e.resume)
	e.resume = nil
	r.logger.Info("task resumed", "task_id", id, "type", e.task.Type)

	snap := e.task
	return &snap, nil
}

// Delete removes a finished task from the registry.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if !e.task.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrActive, id, e.task.Status)
	}

	r.remove(id)
	return nil
}

// Cleanup removes finished tasks older than maxAge and returns how many
// were dropped.
func (r *Registry) Cleanup(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	r.mu.Lock()
	defer r.mu.Unlock()

	stale := make([]string, 0)
	for id, e := range r.tasks {
		if !e.task.Status.Terminal() {
			continue
		}
		if e.task.CompletedAt != nil && e.task.CompletedAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		r.remove(id)
	}

	if len(stale) > 0 {
		r.logger.Debug("cleaned up finished tasks", "count", len(stale))
	}
	return len(stale)
}

// remove drops a task from the map and the submission order.
// Callers must hold the mutex.
func (r *Registry) remove(id string) {
	delete(r.tasks, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}
