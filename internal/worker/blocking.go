package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	appErr "sandboxd/pkg/errors"
	"sandboxd/pkg/utils/logger"
)

// BlockingWorker runs each chain to completion on the caller's goroutine.
// It suits tests and one-shot command line runs.
type BlockingWorker struct {
	services   *Services
	retryPause time.Duration
	statuses   *StatusSet
	nextID     atomic.Int64

	mu      sync.Mutex
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewBlockingWorker pauses retryPause before each retry (2s when zero).
func NewBlockingWorker(services *Services, retryPause time.Duration) *BlockingWorker {
	if retryPause <= 0 {
		retryPause = defaultRetryPause
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &BlockingWorker{
		services:   services,
		retryPause: retryPause,
		statuses:   NewStatusSet(),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Schedule returns once the chain has finished, failed or the worker was stopped.
func (w *BlockingWorker) Schedule(jobs ...Job) error {
	w.mu.Lock()
	stopped := w.stopped
	w.mu.Unlock()
	if stopped {
		return appErr.New(appErr.WorkerStopped)
	}

	for i := 0; i < len(jobs); {
		id := w.nextID.Add(1)
		ctx := logger.WithJob(w.ctx, id)
		now := time.Now()
		w.statuses.Add(JobStatus{ID: id, Description: jobs[i].Description(), State: StateRunning, EnqueuedAt: now, StartedAt: now})
		res := runJob(ctx, jobs[i], w.services)
		w.statuses.Remove(id)

		switch res {
		case ResultOK:
			i++
		case ResultRetry:
			select {
			case <-time.After(w.retryPause):
			case <-w.ctx.Done():
				return appErr.New(appErr.WorkerStopped)
			}
		default:
			return nil
		}
	}
	return nil
}

// runJob converts errors and panics into ResultFailed.
func runJob(ctx context.Context, job Job, svc *Services) (res JobResult) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "job panicked", zap.String("job", job.Description()), zap.Any("panic", r))
			res = ResultFailed
		}
	}()
	res, err := job.Execute(ctx, svc)
	if err != nil {
		logger.Error(ctx, "job failed", zap.String("job", job.Description()), zap.Error(err))
		return ResultFailed
	}
	return res
}

func (w *BlockingWorker) Statuses() []JobStatus           { return w.statuses.Snapshot() }
func (w *BlockingWorker) SmoothedWaitTime() time.Duration { return 0 }
func (w *BlockingWorker) NumThreads() int                 { return 1 }

func (w *BlockingWorker) RebuildThreadPool(n int) error {
	if n < 1 {
		return appErr.Newf(appErr.InvalidPoolSize, "worker pool size must be at least 1, got %d", n)
	}
	return nil
}

func (w *BlockingWorker) Stop(context.Context) error {
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()
	w.cancel()
	return nil
}

var (
	_ Worker = (*PoolWorker)(nil)
	_ Worker = (*BlockingWorker)(nil)
)
