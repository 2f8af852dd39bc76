// Package tasks runs recalculation and optimize requests on a bounded
// background worker pool and keeps their status for polling.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"equiroute/internal/metrics"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Work is the body of a task. Its result is kept for status lookups.
type Work func(ctx context.Context) (any, error)

// Task is the externally visible state of a submitted job.
type Task struct {
	ID         string     `json:"id"`
	Kind       string     `json:"kind"`
	Subject    string     `json:"subject,omitempty"`
	Status     Status     `json:"status"`
	Result     any        `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

var (
	ErrQueueFull  = errors.New("task queue full")
	ErrNotStarted = errors.New("task queue not started")
	ErrUnknown    = errors.New("unknown task")
)

type job struct {
	id     string
	work   Work
	ctx    context.Context
	cancel context.CancelFunc
}

// Stats exposes current queue counters.
type Stats struct {
	Length      int    `json:"length"`
	Capacity    int    `json:"capacity"`
	WorkerCount int    `json:"workerCount"`
	Processed   uint64 `json:"processed"`
	Failed      uint64 `json:"failed"`
}

// Queue is a bounded job queue with a fixed worker pool.
type Queue struct {
	jobs        chan job
	workerCount int
	timeout     time.Duration
	retention   time.Duration
	log         *zap.Logger
	quit        chan struct{}

	mu        sync.RWMutex
	started   bool
	stopped   bool
	tasks     map[string]*Task
	cancels   map[string]context.CancelFunc
	wg        sync.WaitGroup
	processed uint64
	failed    uint64
}

// DefaultRetention is how long finished tasks stay available for lookup.
const DefaultRetention = time.Hour

// New creates a queue holding at most capacity waiting tasks, run by
// workers goroutines, each task bounded by timeout.
func New(capacity, workers int, timeout time.Duration, log *zap.Logger) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	if workers < 1 {
		workers = 1
	}
	return &Queue{
		jobs:        make(chan job, capacity),
		workerCount: workers,
		timeout:     timeout,
		retention:   DefaultRetention,
		log:         log,
		quit:        make(chan struct{}),
		tasks:       map[string]*Task{},
		cancels:     map[string]context.CancelFunc{},
	}
}

// Retain sets how long finished tasks are kept; zero keeps them until the
// process exits. Call it before Start.
func (q *Queue) Retain(ttl time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.retention = ttl
}

// Start launches the worker pool. Workers exit when ctx is done or Stop is called.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	retention := q.retention
	q.mu.Unlock()
	for i := 0; i < q.workerCount; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
	if retention > 0 {
		go q.janitor(ctx, max(retention/4, time.Second))
	}
}

func (q *Queue) janitor(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.quit:
			return
		case now := <-t.C:
			if n := q.sweep(now); n > 0 {
				q.log.Debug("expired finished tasks", zap.Int("count", n))
			}
		}
	}
}

// sweep drops tasks that finished more than the retention period before now.
// A task cancelled while queued stays until a worker has discarded its job.
func (q *Queue) sweep(now time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.retention <= 0 {
		return 0
	}
	n := 0
	for id, t := range q.tasks {
		if _, pending := q.cancels[id]; pending || t.FinishedAt == nil {
			continue
		}
		if now.Sub(*t.FinishedAt) >= q.retention {
			delete(q.tasks, id)
			n++
		}
	}
	return n
}

// Submit queues work without blocking.
func (q *Queue) Submit(kind, subject string, work Work) (Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.started || q.stopped {
		return Task{}, ErrNotStarted
	}
	t := &Task{ID: uuid.NewString(), Kind: kind, Subject: subject, Status: StatusQueued, CreatedAt: time.Now().UTC()}
	ctx, cancel := context.WithCancel(context.Background())
	select {
	case q.jobs <- job{id: t.ID, work: work, ctx: ctx, cancel: cancel}:
	default:
		cancel()
		q.log.Warn("task queue full, rejecting task", zap.String("kind", kind), zap.String("subject", subject))
		return Task{}, ErrQueueFull
	}
	q.tasks[t.ID] = t
	q.cancels[t.ID] = cancel
	metrics.TaskQueueDepth.Set(float64(len(q.jobs)))
	return *t, nil
}

// Get returns a snapshot of a task.
func (q *Queue) Get(id string) (Task, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	t, ok := q.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrUnknown, id)
	}
	return *t, nil
}

// Cancel stops a queued or running task. Finished tasks are left as they are.
func (q *Queue) Cancel(id string) (Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrUnknown, id)
	}
	if cancel, ok := q.cancels[id]; ok {
		cancel()
	}
	if t.Status == StatusQueued {
		now := time.Now().UTC()
		t.Status = StatusCancelled
		t.FinishedAt = &now
	}
	return *t, nil
}

// Stop stops accepting tasks and waits for workers to drain until ctx is done.
func (q *Queue) Stop(ctx context.Context) {
	q.mu.Lock()
	if !q.started || q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	close(q.jobs)
	close(q.quit)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (q *Queue) Stats() Stats {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return Stats{
		Length:      len(q.jobs),
		Capacity:    cap(q.jobs),
		WorkerCount: q.workerCount,
		Processed:   atomic.LoadUint64(&q.processed),
		Failed:      atomic.LoadUint64(&q.failed),
	}
}

// Healthy reports whether the queue accepts work.
func (q *Queue) Healthy() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.started && !q.stopped
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q.jobs:
			if !ok {
				return
			}
			metrics.TaskQueueDepth.Set(float64(len(q.jobs)))
			q.handle(ctx, j)
		}
	}
}

func (q *Queue) transition(id string, fn func(t *Task)) Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return Task{ID: id}
	}
	fn(t)
	return *t
}

func (q *Queue) handle(ctx context.Context, j job) {
	defer j.cancel()
	if j.ctx.Err() != nil {
		q.finish(j.id, nil, context.Canceled)
		return
	}
	start := time.Now()
	q.transition(j.id, func(t *Task) {
		s := start.UTC()
		t.Status = StatusRunning
		t.StartedAt = &s
	})

	jobCtx, cancel := context.WithTimeout(j.ctx, q.timeout)
	stop := context.AfterFunc(ctx, cancel)
	var (
		res any
		err error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				q.log.Error("task panic recovered", zap.String("task_id", j.id), zap.Any("panic", r))
				err = fmt.Errorf("task panicked: %v", r)
			}
		}()
		res, err = j.work(jobCtx)
	}()
	stop()
	cancel()

	t := q.finish(j.id, res, err)
	q.log.Info("task finished",
		zap.String("task_id", t.ID),
		zap.String("kind", t.Kind),
		zap.String("subject", t.Subject),
		zap.String("status", string(t.Status)),
		zap.Duration("duration", time.Since(start)),
		zap.Error(err),
	)
}

func (q *Queue) finish(id string, res any, err error) Task {
	atomic.AddUint64(&q.processed, 1)
	if err != nil {
		atomic.AddUint64(&q.failed, 1)
	}
	t := q.transition(id, func(t *Task) {
		now := time.Now().UTC()
		t.FinishedAt = &now
		delete(q.cancels, id)
		switch {
		case err == nil:
			t.Status = StatusSucceeded
			t.Result = res
		case errors.Is(err, context.Canceled):
			t.Status = StatusCancelled
			t.Error = err.Error()
		default:
			t.Status = StatusFailed
			t.Error = err.Error()
			t.Result = res
		}
	})
	metrics.TaskRuns.WithLabelValues(t.Kind, string(t.Status)).Inc()
	return t
}
