package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"sandboxd/internal/sandbox/observer"
	appErr "sandboxd/pkg/errors"
	"sandboxd/pkg/utils/logger"
)

const defaultRetryPause = 2 * time.Second

// Worker schedules chains of jobs.
type Worker interface {
	// Schedule runs jobs in order. A job only runs if every earlier job returned ResultOK.
	Schedule(jobs ...Job) error
	// Statuses is the current queue ordered by job ID.
	Statuses() []JobStatus
	// SmoothedWaitTime is the moving average of time chains spend queued before starting.
	SmoothedWaitTime() time.Duration
	NumThreads() int
	// RebuildThreadPool resizes the pool. Queued jobs move to the new pool; running jobs finish.
	RebuildThreadPool(n int) error
	Stop(ctx context.Context) error
}

// PoolOption configures a PoolWorker.
type PoolOption func(*PoolWorker)

// WithRetryPause overrides the pause before a retried job runs again.
func WithRetryPause(d time.Duration) PoolOption {
	return func(w *PoolWorker) { w.retryPause = d }
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(m observer.MetricsRecorder) PoolOption {
	return func(w *PoolWorker) {
		if m != nil {
			w.metrics = m
		}
	}
}

// iteration is one scheduled run of chain[index].
type iteration struct {
	id        int64
	chain     []Job
	index     int
	withPause bool
	enqueued  time.Time
}

// PoolWorker runs job chains on a pool of goroutines.
type PoolWorker struct {
	services   *Services
	metrics    observer.MetricsRecorder
	retryPause time.Duration
	statuses   *StatusSet
	nextID     atomic.Int64

	mu         sync.Mutex
	threads    sync.WaitGroup
	queue      *taskQueue
	numThreads int
	stopped    bool

	waitMu         sync.Mutex
	smoothedWaitMs int64

	ctx    context.Context
	cancel context.CancelFunc
}

// NewPoolWorker starts a worker with threads goroutines.
func NewPoolWorker(services *Services, threads int, opts ...PoolOption) (*PoolWorker, error) {
	if threads < 1 {
		return nil, appErr.Newf(appErr.InvalidPoolSize, "worker pool size must be at least 1, got %d", threads)
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &PoolWorker{
		services:   services,
		metrics:    observer.Nop{},
		retryPause: defaultRetryPause,
		statuses:   NewStatusSet(),
		numThreads: threads,
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.queue = newTaskQueue(threads, w.run, &w.threads)
	w.metrics.SetPoolSize(threads)
	return w, nil
}

func (w *PoolWorker) Schedule(jobs ...Job) error {
	if len(jobs) == 0 {
		return nil
	}
	return w.submit(jobs, 0, false, time.Now())
}

func (w *PoolWorker) submit(chain []Job, index int, withPause bool, enqueued time.Time) error {
	it := &iteration{
		id:        w.nextID.Add(1),
		chain:     chain,
		index:     index,
		withPause: withPause,
		enqueued:  enqueued,
	}
	w.statuses.Add(JobStatus{
		ID:          it.id,
		Description: chain[index].Description(),
		State:       StateWaiting,
		EnqueuedAt:  time.Now(),
	})

	w.mu.Lock()
	stopped := w.stopped
	if !stopped {
		w.queue.push(it)
	}
	w.mu.Unlock()

	if stopped {
		w.statuses.Remove(it.id)
		return appErr.New(appErr.WorkerStopped)
	}
	w.publishDepth()
	return nil
}

func (w *PoolWorker) run(it *iteration) {
	ctx := logger.WithJob(w.ctx, it.id)
	start := time.Now()
	w.statuses.MarkRunning(it.id, start)
	w.publishDepth()
	defer func() {
		w.statuses.Remove(it.id)
		w.publishDepth()
	}()

	if it.withPause {
		timer := time.NewTimer(w.retryPause)
		select {
		case <-timer.C:
		case <-w.ctx.Done():
			timer.Stop()
			return
		}
	}

	job := it.chain[it.index]
	res := runJob(ctx, job, w.services)
	w.metrics.ObserveJob(res.String())
	logger.Debug(ctx, "job finished", zap.String("job", job.Description()), zap.String("result", res.String()))

	switch res {
	case ResultOK:
		if it.index < len(it.chain)-1 {
			w.resubmit(ctx, it.chain, it.index+1, false, it.enqueued)
		}
	case ResultRetry:
		w.resubmit(ctx, it.chain, it.index, true, it.enqueued)
	}

	if (res == ResultOK || res == ResultFailed) && it.index == 0 {
		w.recordWait(start.Sub(it.enqueued))
	}
}

func (w *PoolWorker) resubmit(ctx context.Context, chain []Job, index int, withPause bool, enqueued time.Time) {
	if err := w.submit(chain, index, withPause, enqueued); err != nil {
		logger.Warn(ctx, "dropping job after worker stop", zap.String("job", chain[index].Description()))
	}
}

func (w *PoolWorker) recordWait(d time.Duration) {
	w.waitMu.Lock()
	ms := d.Milliseconds()
	w.smoothedWaitMs = (ms >> 3) + w.smoothedWaitMs - (w.smoothedWaitMs >> 3)
	smoothed := time.Duration(w.smoothedWaitMs) * time.Millisecond
	w.waitMu.Unlock()
	w.metrics.SetWaitTime(smoothed)
}

func (w *PoolWorker) publishDepth() {
	w.metrics.SetQueueDepth(w.statuses.Counts())
}

func (w *PoolWorker) Statuses() []JobStatus {
	return w.statuses.Snapshot()
}

func (w *PoolWorker) SmoothedWaitTime() time.Duration {
	w.waitMu.Lock()
	defer w.waitMu.Unlock()
	return time.Duration(w.smoothedWaitMs) * time.Millisecond
}

func (w *PoolWorker) NumThreads() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.numThreads
}

func (w *PoolWorker) RebuildThreadPool(n int) error {
	if n < 1 {
		return appErr.Newf(appErr.InvalidPoolSize, "worker pool size must be at least 1, got %d", n)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return appErr.New(appErr.WorkerStopped)
	}
	pending := w.queue.drain()
	w.queue = newTaskQueue(n, w.run, &w.threads)
	for _, it := range pending {
		w.queue.push(it)
	}
	logger.Info(w.ctx, "worker pool resized", zap.Int("from", w.numThreads), zap.Int("to", n), zap.Int("requeued", len(pending)))
	w.numThreads = n
	w.metrics.SetPoolSize(n)
	return nil
}

// Stop discards queued jobs, cancels the context handed to running jobs and waits for every
// pool goroutine, including those of pools replaced by RebuildThreadPool, until ctx expires.
func (w *PoolWorker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	pending := w.queue.drain()
	w.mu.Unlock()

	for _, it := range pending {
		w.statuses.Remove(it.id)
	}
	logger.Info(ctx, "stopping worker", zap.Int("discarded", len(pending)))
	w.cancel()

	done := make(chan struct{})
	go func() {
		w.threads.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for running jobs: %w", ctx.Err())
	}
}
