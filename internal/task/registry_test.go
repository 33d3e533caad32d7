package task

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mingxuanliu/stocksync/internal/testutil"
)

func terminal(t *testing.T, reg *Registry, id string) *Task {
	t.Helper()
	testutil.WaitFor(t, func() bool {
		got, err := reg.Get(id)
		return err == nil && got.Status.Terminal()
	}, 2*time.Second, "task %s should finish", id)

	got, err := reg.Get(id)
	require.NoError(t, err)
	return got
}

// TestRegistry_SubmitRunsToSuccess covers the happy path: pending snapshot,
// execution, and the final success fields.
func TestRegistry_SubmitRunsToSuccess(t *testing.T) {
	reg := New(testutil.DiscardLogger())

	submitted, err := reg.Submit("sync_stock_list", map[string]any{"force": true}, func(run *Run) (any, error) {
		run.SetProgress(50, "halfway")
		return "refreshed 5000 stocks", nil
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, submitted.Status)
	assert.NotEmpty(t, submitted.ID)
	assert.Equal(t, map[string]any{"force": true}, submitted.Params)

	got := terminal(t, reg, submitted.ID)
	assert.Equal(t, StatusSuccess, got.Status)
	assert.Equal(t, float64(100), got.Progress)
	assert.Equal(t, "refreshed 5000 stocks", got.Result)
	assert.Empty(t, got.Error)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)
	assert.False(t, got.CompletedAt.Before(*got.StartedAt))
}

// TestRegistry_FailedTaskKeepsError verifies a body error marks the task
// failed and preserves the message.
func TestRegistry_FailedTaskKeepsError(t *testing.T) {
	reg := New(testutil.DiscardLogger())

	submitted, err := reg.Submit("sync_kline_daily", nil, func(run *Run) (any, error) {
		return nil, errors.New("provider unreachable")
	})
	require.NoError(t, err)

	got := terminal(t, reg, submitted.ID)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "provider unreachable", got.Error)
	assert.Nil(t, got.Result)
}

// TestRegistry_OneActiveTaskPerType verifies the dedup guard and that a
// finished task frees its type again.
func TestRegistry_OneActiveTaskPerType(t *testing.T) {
	reg := New(testutil.DiscardLogger())
	release := make(chan struct{})

	first, err := reg.Submit("sync_kline_daily", nil, func(run *Run) (any, error) {
		<-release
		return nil, nil
	})
	require.NoError(t, err)

	_, err = reg.Submit("sync_kline_daily", nil, func(run *Run) (any, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrTypeBusy)

	// A different type is not blocked.
	other, err := reg.Submit("sync_stock_list", nil, func(run *Run) (any, error) { return nil, nil })
	require.NoError(t, err)
	terminal(t, reg, other.ID)

	close(release)
	terminal(t, reg, first.ID)

	again, err := reg.Submit("sync_kline_daily", nil, func(run *Run) (any, error) { return nil, nil })
	require.NoError(t, err)
	terminal(t, reg, again.ID)
}

// TestRegistry_SubmitValidation covers the constructor-style guards.
func TestRegistry_SubmitValidation(t *testing.T) {
	reg := New(testutil.DiscardLogger())

	_, err := reg.Submit("", nil, func(run *Run) (any, error) { return nil, nil })
	require.Error(t, err)

	_, err = reg.Submit("sync_kline_daily", nil, nil)
	require.Error(t, err)
}

// TestRegistry_ProgressClamped verifies SetProgress bounds and message
// visibility while the task is still running.
func TestRegistry_ProgressClamped(t *testing.T) {
	reg := New(testutil.DiscardLogger())
	reported := make(chan struct{})
	release := make(chan struct{})

	submitted, err := reg.Submit("sync_kline_full", nil, func(run *Run) (any, error) {
		run.SetProgress(150, "overshoot")
		close(reported)
		<-release
		return nil, nil
	})
	require.NoError(t, err)

	<-reported
	got, err := reg.Get(submitted.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
	assert.Equal(t, float64(100), got.Progress)
	assert.Equal(t, "overshoot", got.Message)

	close(release)
	terminal(t, reg, submitted.ID)
}

// TestRegistry_CancelRunning verifies a cooperative body observes the
// cancelled context and the final status reads cancelled.
func TestRegistry_CancelRunning(t *testing.T) {
	reg := New(testutil.DiscardLogger())

	submitted, err := reg.Submit("sync_kline_full", nil, func(run *Run) (any, error) {
		<-run.Ctx().Done()
		return nil, run.Ctx().Err()
	})
	require.NoError(t, err)

	testutil.WaitFor(t, func() bool {
		got, _ := reg.Get(submitted.ID)
		return got != nil && got.Status == StatusRunning
	}, 2*time.Second, "task should start")

	cancelled, err := reg.Cancel(submitted.ID)
	require.NoError(t, err)
	assert.False(t, cancelled.Status.Terminal(), "running task finishes on its own schedule")

	got := terminal(t, reg, submitted.ID)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Empty(t, got.Error, "cancellation is a status, not an error")
}

// TestRegistry_CancelPendingNeverStarts drives the pending branch directly:
// the body of a task cancelled before its goroutine gets scheduled must
// never run.
func TestRegistry_CancelPendingNeverStarts(t *testing.T) {
	reg := New(testutil.DiscardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	reg.tasks["t1"] = &entry{
		task:   Task{ID: "t1", Type: "sync_kline_daily", Status: StatusPending, CreatedAt: time.Now()},
		cancel: cancel,
	}
	reg.order = append(reg.order, "t1")

	got, err := reg.Cancel("t1")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	require.NotNil(t, got.CompletedAt)

	ran := false
	reg.execute("t1", ctx, func(run *Run) (any, error) {
		ran = true
		return nil, nil
	})
	assert.False(t, ran, "a task cancelled while pending must not start")

	got, err = reg.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
}

// TestRegistry_PauseBlocksUntilResume parks the body at WaitIfPaused and
// verifies only Resume lets it continue.
func TestRegistry_PauseBlocksUntilResume(t *testing.T) {
	reg := New(testutil.DiscardLogger())
	gate := make(chan struct{})

	submitted, err := reg.Submit("sync_kline_full", nil, func(run *Run) (any, error) {
		<-gate
		run.WaitIfPaused()
		if run.Cancelled() {
			return nil, run.Ctx().Err()
		}
		return "done", nil
	})
	require.NoError(t, err)

	testutil.WaitFor(t, func() bool {
		got, _ := reg.Get(submitted.ID)
		return got != nil && got.Status == StatusRunning
	}, 2*time.Second, "task should start")

	paused, err := reg.Pause(submitted.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, paused.Status)

	// The body reaches WaitIfPaused only now, with the pause already set.
	close(gate)
	time.Sleep(60 * time.Millisecond)
	got, err := reg.Get(submitted.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, got.Status, "paused task must not finish")

	_, err = reg.Resume(submitted.ID)
	require.NoError(t, err)

	got = terminal(t, reg, submitted.ID)
	assert.Equal(t, StatusSuccess, got.Status)
	assert.Equal(t, "done", got.Result)
}

// TestRegistry_CancelWhilePaused verifies cancellation unblocks a body
// parked at WaitIfPaused.
func TestRegistry_CancelWhilePaused(t *testing.T) {
	reg := New(testutil.DiscardLogger())
	gate := make(chan struct{})

	submitted, err := reg.Submit("sync_kline_full", nil, func(run *Run) (any, error) {
		<-gate
		run.WaitIfPaused()
		if run.Cancelled() {
			return nil, run.Ctx().Err()
		}
		return "done", nil
	})
	require.NoError(t, err)

	testutil.WaitFor(t, func() bool {
		got, _ := reg.Get(submitted.ID)
		return got != nil && got.Status == StatusRunning
	}, 2*time.Second, "task should start")

	_, err = reg.Pause(submitted.ID)
	require.NoError(t, err)
	close(gate)

	_, err = reg.Cancel(submitted.ID)
	require.NoError(t, err)

	got := terminal(t, reg, submitted.ID)
	assert.Equal(t, StatusCancelled, got.Status)
}

// TestRegistry_PauseResumeStateGuards covers the invalid-transition errors.
func TestRegistry_PauseResumeStateGuards(t *testing.T) {
	reg := New(testutil.DiscardLogger())

	submitted, err := reg.Submit("sync_stock_list", nil, func(run *Run) (any, error) { return nil, nil })
	require.NoError(t, err)
	terminal(t, reg, submitted.ID)

	_, err = reg.Pause(submitted.ID)
	assert.ErrorIs(t, err, ErrNotRunning)

	_, err = reg.Resume(submitted.ID)
	assert.ErrorIs(t, err, ErrNotPaused)

	_, err = reg.Pause("missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = reg.Resume("missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = reg.Cancel("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestRegistry_ListNewestFirstWithFilters verifies ordering and the
// type/status/limit filters.
func TestRegistry_ListNewestFirstWithFilters(t *testing.T) {
	reg := New(testutil.DiscardLogger())
	release := make(chan struct{})

	first, err := reg.Submit("sync_stock_list", nil, func(run *Run) (any, error) { return nil, nil })
	require.NoError(t, err)
	terminal(t, reg, first.ID)

	second, err := reg.Submit("sync_kline_daily", nil, func(run *Run) (any, error) {
		<-release
		return nil, nil
	})
	require.NoError(t, err)

	third, err := reg.Submit("sync_kline_full", nil, func(run *Run) (any, error) {
		return nil, errors.New("boom")
	})
	require.NoError(t, err)
	terminal(t, reg, third.ID)

	all := reg.List(Filter{})
	require.Len(t, all, 3)
	assert.Equal(t, []string{third.ID, second.ID, first.ID},
		[]string{all[0].ID, all[1].ID, all[2].ID})

	byType := reg.List(Filter{Type: "sync_kline_daily"})
	require.Len(t, byType, 1)
	assert.Equal(t, second.ID, byType[0].ID)

	failed := reg.List(Filter{Status: StatusFailed})
	require.Len(t, failed, 1)
	assert.Equal(t, third.ID, failed[0].ID)

	limited := reg.List(Filter{Limit: 2})
	require.Len(t, limited, 2)
	assert.Equal(t, third.ID, limited[0].ID)

	close(release)
	terminal(t, reg, second.ID)
}

// TestRegistry_DeleteOnlyFinishedTasks verifies the active-task guard.
func TestRegistry_DeleteOnlyFinishedTasks(t *testing.T) {
	reg := New(testutil.DiscardLogger())
	release := make(chan struct{})

	running, err := reg.Submit("sync_kline_daily", nil, func(run *Run) (any, error) {
		<-release
		return nil, nil
	})
	require.NoError(t, err)

	testutil.WaitFor(t, func() bool {
		got, _ := reg.Get(running.ID)
		return got != nil && got.Status == StatusRunning
	}, 2*time.Second, "task should start")

	err = reg.Delete(running.ID)
	assert.ErrorIs(t, err, ErrActive)

	close(release)
	terminal(t, reg, running.ID)

	require.NoError(t, reg.Delete(running.ID))
	_, err = reg.Get(running.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, reg.Delete("missing"), ErrNotFound)
}

// TestRegistry_CleanupDropsOldFinishedTasks backdates a finished task and
// verifies only it is removed.
func TestRegistry_CleanupDropsOldFinishedTasks(t *testing.T) {
	reg := New(testutil.DiscardLogger())
	release := make(chan struct{})

	old, err := reg.Submit("sync_stock_list", nil, func(run *Run) (any, error) { return nil, nil })
	require.NoError(t, err)
	terminal(t, reg, old.ID)

	fresh, err := reg.Submit("sync_kline_full", nil, func(run *Run) (any, error) { return nil, nil })
	require.NoError(t, err)
	terminal(t, reg, fresh.ID)

	active, err := reg.Submit("sync_kline_daily", nil, func(run *Run) (any, error) {
		<-release
		return nil, nil
	})
	require.NoError(t, err)

	// Backdate the first task past the retention window.
	reg.mu.Lock()
	stale := time.Now().Add(-2 * time.Hour)
	reg.tasks[old.ID].task.CompletedAt = &stale
	reg.mu.Unlock()

	removed := reg.Cleanup(time.Hour)
	assert.Equal(t, 1, removed)

	_, err = reg.Get(old.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = reg.Get(fresh.ID)
	assert.NoError(t, err)
	_, err = reg.Get(active.ID)
	assert.NoError(t, err)

	close(release)
	terminal(t, reg, active.ID)
}
