package tasks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func waitFor(t *testing.T, q *Queue, id string, want Status) Task {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		task, err := q.Get(id)
		require.NoError(t, err)
		if task.Status == want {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	task, _ := q.Get(id)
	t.Fatalf("task %s stuck in %s, want %s", id, task.Status, want)
	return Task{}
}

func newQueue(t *testing.T, capacity, workers int, timeout time.Duration) *Queue {
	q := New(capacity, workers, timeout, zap.NewNop())
	q.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		q.Stop(ctx)
	})
	return q
}

func TestQueueRunsTasks(t *testing.T) {
	q := newQueue(t, 4, 2, time.Second)

	ok, err := q.Submit("recalculate", "all", func(context.Context) (any, error) { return 3, nil })
	require.NoError(t, err)
	bad, err := q.Submit("optimize", "plan-1", func(context.Context) (any, error) { return nil, errors.New("boom") })
	require.NoError(t, err)

	done := waitFor(t, q, ok.ID, StatusSucceeded)
	assert.Equal(t, 3, done.Result)
	require.NotNil(t, done.FinishedAt)

	failed := waitFor(t, q, bad.ID, StatusFailed)
	assert.Equal(t, "boom", failed.Error)
	assert.Equal(t, "plan-1", failed.Subject)

	st := q.Stats()
	assert.Equal(t, uint64(2), st.Processed)
	assert.Equal(t, uint64(1), st.Failed)
}

func TestQueueRecoversPanics(t *testing.T) {
	q := newQueue(t, 1, 1, time.Second)
	task, err := q.Submit("optimize", "p", func(context.Context) (any, error) { panic("kaboom") })
	require.NoError(t, err)
	failed := waitFor(t, q, task.ID, StatusFailed)
	assert.Contains(t, failed.Error, "kaboom")
}

func TestQueueTimeout(t *testing.T) {
	q := newQueue(t, 1, 1, 20*time.Millisecond)
	task, err := q.Submit("optimize", "p", func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.NoError(t, err)
	failed := waitFor(t, q, task.ID, StatusFailed)
	assert.Contains(t, failed.Error, "deadline exceeded")
}

func TestQueueCancelRunningTask(t *testing.T) {
	q := newQueue(t, 1, 1, time.Minute)
	started := make(chan struct{})
	task, err := q.Submit("optimize", "p", func(ctx context.Context) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.NoError(t, err)
	<-started
	_, err = q.Cancel(task.ID)
	require.NoError(t, err)
	waitFor(t, q, task.ID, StatusCancelled)
}

func TestQueueRejectsWhenFull(t *testing.T) {
	q := newQueue(t, 1, 1, time.Minute)
	release := make(chan struct{})
	var once sync.Once
	t.Cleanup(func() { once.Do(func() { close(release) }) })
	blocker := func(context.Context) (any, error) { <-release; return nil, nil }

	first, err := q.Submit("k", "1", blocker)
	require.NoError(t, err)
	waitFor(t, q, first.ID, StatusRunning)

	queued, err := q.Submit("k", "2", blocker)
	require.NoError(t, err)
	_, err = q.Submit("k", "3", blocker)
	assert.True(t, errors.Is(err, ErrQueueFull))

	cancelled, err := q.Cancel(queued.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)

	once.Do(func() { close(release) })
	waitFor(t, q, first.ID, StatusSucceeded)
}

func TestQueueUnknownTask(t *testing.T) {
	q := newQueue(t, 1, 1, time.Second)
	_, err := q.Get("nope")
	assert.True(t, errors.Is(err, ErrUnknown))
}

func TestSubmitBeforeStart(t *testing.T) {
	q := New(1, 1, time.Second, zap.NewNop())
	_, err := q.Submit("k", "", func(context.Context) (any, error) { return nil, nil })
	assert.True(t, errors.Is(err, ErrNotStarted))
	assert.False(t, q.Healthy())
}

func TestQueueExpiresFinishedTasks(t *testing.T) {
	q := newQueue(t, 2, 1, time.Minute)
	release := make(chan struct{})
	var once sync.Once
	t.Cleanup(func() { once.Do(func() { close(release) }) })

	done, err := q.Submit("recalculate", "all", func(context.Context) (any, error) { return 1, nil })
	require.NoError(t, err)
	waitFor(t, q, done.ID, StatusSucceeded)

	running, err := q.Submit("optimize", "p", func(context.Context) (any, error) { <-release; return nil, nil })
	require.NoError(t, err)
	waitFor(t, q, running.ID, StatusRunning)
	queued, err := q.Submit("optimize", "q", func(context.Context) (any, error) { return nil, nil })
	require.NoError(t, err)
	_, err = q.Cancel(queued.ID)
	require.NoError(t, err)

	assert.Equal(t, 0, q.sweep(time.Now()), "nothing is past the retention period yet")

	later := time.Now().Add(2 * DefaultRetention)
	assert.Equal(t, 1, q.sweep(later), "only the finished task expires")
	_, err = q.Get(done.ID)
	assert.True(t, errors.Is(err, ErrUnknown))
	_, err = q.Get(running.ID)
	require.NoError(t, err)
	_, err = q.Get(queued.ID)
	require.NoError(t, err, "cancelled job is still waiting for a worker")

	once.Do(func() { close(release) })
	require.Eventually(t, func() bool {
		q.sweep(later)
		_, errRunning := q.Get(running.ID)
		_, errQueued := q.Get(queued.ID)
		return errors.Is(errRunning, ErrUnknown) && errors.Is(errQueued, ErrUnknown)
	}, 2*time.Second, 5*time.Millisecond)
}

func TestQueueRetainZeroKeepsTasks(t *testing.T) {
	q := New(1, 1, time.Second, zap.NewNop())
	q.Retain(0)
	q.Start(context.Background())
	t.Cleanup(func() { q.Stop(context.Background()) })

	task, err := q.Submit("k", "", func(context.Context) (any, error) { return nil, nil })
	require.NoError(t, err)
	waitFor(t, q, task.ID, StatusSucceeded)
	assert.Equal(t, 0, q.sweep(time.Now().Add(24*time.Hour)))
	_, err = q.Get(task.ID)
	assert.NoError(t, err)
}
