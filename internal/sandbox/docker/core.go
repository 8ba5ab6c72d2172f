package docker

import (
	"context"
	"io"
	"time"

	"go.uber.org/zap"

	"sandboxd/internal/sandbox/execconfig"
	"sandboxd/internal/sandbox/result"
	"sandboxd/internal/sandbox/watchdog"
	appErr "sandboxd/pkg/errors"
	"sandboxd/pkg/utils/logger"
)

const (
	exitSettleChecks = 5
	exitSettleDelay  = 100 * time.Millisecond
)

// run attaches to a created container, starts it and waits for it under the watchdogs.
// It does not remove the container.
func (e *engine) run(ctx context.Context, id, name string, cfg execconfig.ExecutionConfig) (result.ExecResult, error) {
	ctx = logger.WithContainer(ctx, name)
	limits := cfg.Restrictions()
	// Cleanup must still reach the runtime after ctx is cancelled.
	bg := context.WithoutCancel(ctx)

	var stream Stream
	if err := e.call("attach", func() error {
		var err error
		stream, err = e.rt.Attach(ctx, id)
		return err
	}); err != nil {
		return result.ExecResult{}, err
	}
	defer stream.Close()

	listener := watchdog.NewOutputListener(limits.OutputLimitChars())
	session := make(chan error, 1)
	go func() { session <- listener.Consume(stream) }()

	start := time.Now()
	if err := e.call("start", func() error { return e.rt.Start(ctx, id) }); err != nil {
		return result.ExecResult{}, err
	}
	logger.Debug(ctx, "container started", zap.String("id", id))

	go func() {
		if stdin := cfg.Stdin(); stdin != "" {
			if _, err := io.WriteString(stream, stdin); err != nil {
				logger.Debug(ctx, "write stdin failed", zap.Error(err))
			}
		}
		_ = stream.CloseWrite()
	}()

	timeout := watchdog.StartTimeoutKiller(limits.TimeoutSec, e.multiplier.Get(), func() {
		logger.Warn(ctx, "execution timed out, killing container", zap.Int("timeoutSec", limits.TimeoutSec))
		e.metrics.ObserveKill("timeout")
		e.kill(bg, id)
		listener.Close()
	})
	defer timeout.Cancel()

	disk := startDiskKiller(bg, e, id, limits.DiskWriteLimitBytes())
	defer disk.stop()

	state, err := e.waitForExit(ctx, bg, id, listener)
	elapsed := time.Since(start)
	if err != nil {
		return result.ExecResult{}, err
	}

	select {
	case err := <-session:
		if err != nil {
			logger.Debug(ctx, "attach session ended with error", zap.Error(err))
		}
	case <-time.After(e.cfg.SessionGrace):
		logger.Warn(ctx, "attach session did not finish, closing", zap.Duration("grace", e.cfg.SessionGrace))
		_ = stream.Close()
	}

	timeout.Cancel()
	disk.stop()

	obs := result.Observations{
		Stopped:        !state.Running,
		ExitCode:       state.ExitCode,
		OOMKilled:      state.OOMKilled,
		TimedOut:       timeout.Fired(),
		DiskKilled:     disk.killed(),
		OutputOverflow: listener.Overflowed(),
	}
	status := result.Resolve(obs)
	output := listener.Output()

	if e.cfg.VerifyChecksum && (status == result.StatusCompleted || status == result.StatusFailedExitCode) {
		stripped, ok := verifyChecksum(output)
		if !ok {
			return result.ExecResult{}, appErr.New(appErr.ContainerRetryNeeded).
				WithMessage("output checksum mismatch").
				WithDetail("container", name)
		}
		output = stripped
	}

	logger.Debug(ctx, "container finished",
		zap.String("status", string(status)),
		zap.Int("exitCode", state.ExitCode),
		zap.Duration("elapsed", elapsed),
	)
	if written, killed := disk.usage(); killed {
		logger.Warn(ctx, "disk write limit exceeded", zap.Int64("bytesWritten", written))
	}

	return result.ExecResult{
		Status:          status,
		Output:          output,
		ExecutionTimeMs: elapsed.Milliseconds(),
		ContainerName:   name,
		Taint:           cfg.Taint().Identity(),
	}, nil
}

// waitForExit waits for the output stream to close in slices of WaitSlice, inspecting after each.
// A container whose stream closed but which is still running is killed.
func (e *engine) waitForExit(ctx, bg context.Context, id string, listener *watchdog.OutputListener) (ContainerState, error) {
	for {
		select {
		case <-listener.Done():
		case <-time.After(e.cfg.WaitSlice):
		case <-ctx.Done():
			e.kill(bg, id)
			return ContainerState{}, appErr.Wrap(ctx.Err(), appErr.Timeout)
		}

		state, err := e.inspect(bg, id, false)
		if err != nil {
			return ContainerState{}, err
		}
		if !state.Running {
			return state, nil
		}
		if listener.Closed() {
			// The stream can close a moment before the runtime records the exit.
			for i := 0; i < exitSettleChecks && state.Running; i++ {
				time.Sleep(exitSettleDelay)
				if state, err = e.inspect(bg, id, false); err != nil {
					return ContainerState{}, err
				}
			}
			if !state.Running {
				return state, nil
			}
			e.kill(bg, id)
			return e.inspect(bg, id, false)
		}
	}
}
