package steps

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"sandboxd/internal/worker"
	appErr "sandboxd/pkg/errors"
	"sandboxd/pkg/utils/logger"
)

// JobOption configures a steps job.
type JobOption func(*stepsJob)

// WithScratchRoot overrides where step outputs are written (default: the resolver's scratch dir).
func WithScratchRoot(dir string) JobOption {
	return func(j *stepsJob) { j.scratchRoot = dir }
}

// WithOutcomes registers fn to receive the outcomes once a run is final (not retried).
func WithOutcomes(fn func([]StepOutcome, error)) JobOption {
	return func(j *stepsJob) { j.onFinal = fn }
}

type stepsJob struct {
	exec        Execution
	description string
	scratchRoot string
	onFinal     func([]StepOutcome, error)
}

// NewStepsJob wraps an execution as a worker job.
//
// Runtime outages yield RETRY, configuration errors FAILED. Otherwise the job is OK only when every
// step completed. Outcomes are archived and published once the run is final.
func NewStepsJob(exec Execution, description string, opts ...JobOption) worker.Job {
	j := &stepsJob{exec: exec, description: description}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

func (j *stepsJob) Description() string {
	return j.description
}

func (j *stepsJob) Execute(ctx context.Context, svc *worker.Services) (worker.JobResult, error) {
	if svc == nil || svc.Backend == nil || svc.Resolver == nil {
		return worker.ResultFailed, appErr.New(appErr.ServiceUnavailable).WithMessage("sandbox services are not configured")
	}
	scratch := j.scratchRoot
	if scratch == "" {
		scratch = svc.Resolver.ScratchDir
	}
	runner := NewRunner(svc.Backend, svc.Resolver.MountRoot, scratch, svc.LocalUserID)

	started := time.Now()
	outcomes, err := runner.Run(ctx, j.exec)
	if err != nil && appErr.IsRetryable(err) {
		logger.Warn(ctx, "runtime unavailable, retrying execution",
			zap.String("execution", j.exec.ID), zap.Error(err))
		return worker.ResultRetry, nil
	}

	events := j.report(ctx, svc, outcomes, err)
	if j.onFinal != nil {
		j.onFinal(outcomes, err)
	}

	res := worker.ResultOK
	if err != nil {
		if appErr.IsConfiguration(err) {
			logger.Warn(ctx, "execution rejected", zap.String("execution", j.exec.ID), zap.Error(err))
		} else {
			logger.Error(ctx, "execution failed", zap.String("execution", j.exec.ID), zap.Error(err))
		}
		res = worker.ResultFailed
	} else if len(outcomes) != len(j.exec.Steps) || !outcomes[len(outcomes)-1].Result.Status.Succeeded() {
		res = worker.ResultFailed
	}
	j.record(ctx, svc, res, events, err, started)
	return res, nil
}

func (j *stepsJob) record(ctx context.Context, svc *worker.Services, res worker.JobResult,
	events []worker.StepEvent, runErr error, started time.Time) {
	if svc.History == nil {
		return
	}
	rec := worker.ExecutionRecord{
		ID:          j.exec.ID,
		Description: j.description,
		Result:      res.String(),
		Steps:       events,
		StartedAt:   started,
		FinishedAt:  time.Now(),
	}
	if runErr != nil {
		rec.ErrorCode = int(appErr.GetCode(runErr))
		rec.ErrorMessage = runErr.Error()
	}
	if err := svc.History.RecordExecution(ctx, rec); err != nil {
		logger.Warn(ctx, "record execution history failed", zap.String("execution", j.exec.ID), zap.Error(err))
	}
}

// report archives and publishes each outcome and returns the events it built.
// A failing sink is logged and never fails the job.
func (j *stepsJob) report(ctx context.Context, svc *worker.Services, outcomes []StepOutcome, runErr error) []worker.StepEvent {
	events := make([]worker.StepEvent, 0, len(outcomes)+1)
	for _, o := range outcomes {
		ev := worker.StepEvent{
			Execution:       j.exec.ID,
			Step:            o.Step,
			Status:          string(o.Result.Status),
			ExecutionTimeMs: o.Result.ExecutionTimeMs,
			ContainerName:   o.Result.ContainerName,
			Taint:           o.Result.Taint,
			OutputBytes:     len(o.Result.Output),
			Timestamp:       time.Now(),
		}
		if svc.Archiver != nil {
			key, err := svc.Archiver.Archive(ctx, fmt.Sprintf("%s/%s", j.exec.ID, o.Step), []byte(o.Result.Output))
			if err != nil {
				logger.Warn(ctx, "archive transcript failed", zap.String("step", o.Step), zap.Error(err))
			} else {
				ev.ArchiveKey = key
			}
		}
		j.publish(ctx, svc, ev)
		events = append(events, ev)
	}

	if runErr != nil && len(outcomes) < len(j.exec.Steps) {
		failed := j.exec.Steps[len(outcomes)].Name
		code := appErr.GetCode(runErr)
		ev := worker.StepEvent{
			Execution:    j.exec.ID,
			Step:         failed,
			Status:       "ERROR",
			ErrorCode:    int(code),
			ErrorMessage: runErr.Error(),
			Timestamp:    time.Now(),
		}
		j.publish(ctx, svc, ev)
		events = append(events, ev)
	}
	return events
}

func (j *stepsJob) publish(ctx context.Context, svc *worker.Services, ev worker.StepEvent) {
	if svc.Publisher == nil {
		return
	}
	if err := svc.Publisher.PublishStep(ctx, ev); err != nil {
		logger.Warn(ctx, "publish step event failed", zap.String("step", ev.Step), zap.Error(err))
	}
}
