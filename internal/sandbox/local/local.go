// Package local runs executions as plain subprocesses on the host, without containers.
// It is meant for development machines and tests: disk and memory limits are not enforced.
package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"sandboxd/internal/sandbox/execconfig"
	"sandboxd/internal/sandbox/observer"
	"sandboxd/internal/sandbox/result"
	"sandboxd/internal/sandbox/staging"
	"sandboxd/internal/sandbox/watchdog"
	appErr "sandboxd/pkg/errors"
	"sandboxd/pkg/utils/logger"
)

const outputWaitDelay = 2 * time.Second

// Backend runs argv directly, with mounts staged into a per-call scratch directory.
type Backend struct {
	tempRoot   string
	metrics    observer.MetricsRecorder
	multiplier *watchdog.Multiplier
}

// New returns a local backend staging files under tempRoot (os.TempDir when empty).
func New(tempRoot string, metrics observer.MetricsRecorder) *Backend {
	if tempRoot == "" {
		tempRoot = os.TempDir()
	}
	if metrics == nil {
		metrics = observer.Nop{}
	}
	return &Backend{tempRoot: tempRoot, metrics: metrics, multiplier: watchdog.NewMultiplier()}
}

// Execute runs cfg's argv as a subprocess in its own process group.
func (b *Backend) Execute(ctx context.Context, cfg execconfig.ExecutionConfig) (result.ExecResult, error) {
	dir := filepath.Join(b.tempRoot, "sandboxd-local-"+uuid.NewString())
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			logger.Warn(ctx, "remove scratch dir failed", zap.String("path", dir), zap.Error(err))
		}
	}()

	area, err := staging.New(dir, dir, cfg.PathSpecs())
	if err != nil {
		return result.ExecResult{}, err
	}
	res, runErr := b.run(ctx, area, cfg)
	if err := area.Restore(); err != nil {
		logger.Warn(ctx, "restore staged files failed", zap.Error(err))
		if runErr == nil {
			runErr = appErr.Wrapf(err, appErr.SwizzleFailed, "restore staged files")
		}
	}
	if runErr != nil {
		return result.ExecResult{}, runErr
	}
	b.metrics.ObserveExecution(ctx, "local", string(res.Status), res.ExecutionTimeMs, len(res.Output))
	return res, nil
}

func (b *Backend) run(ctx context.Context, area *staging.Area, cfg execconfig.ExecutionConfig) (result.ExecResult, error) {
	argv := cfg.Command()
	for i := range argv {
		argv[i] = area.Rewrite(argv[i])
	}
	limits := cfg.Restrictions()

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = area.Dir()
	cmd.Env = append(os.Environ(), cfg.Env()...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// A background grandchild may hold stdout open after the program exits.
	cmd.WaitDelay = outputWaitDelay
	if stdin := cfg.Stdin(); stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	listener := watchdog.NewOutputListener(limits.OutputLimitChars())
	cmd.Stdout = listener
	cmd.Stderr = listener

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return result.ExecResult{}, appErr.Wrapf(err, appErr.ContainerStartFailed, "start %s", argv[0])
	}

	pid := cmd.Process.Pid
	timeout := watchdog.StartTimeoutKiller(limits.TimeoutSec, b.multiplier.Get(), func() {
		logger.Warn(ctx, "execution timed out, killing process group", zap.Int("pid", pid))
		b.metrics.ObserveKill("timeout")
		killProcessGroup(pid)
	})
	defer timeout.Cancel()

	waitDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			killProcessGroup(pid)
		case <-waitDone:
		}
	}()

	waitErr := cmd.Wait()
	close(waitDone)
	killProcessGroup(pid)
	elapsed := time.Since(start)
	listener.Close()
	timeout.Cancel()

	if ctx.Err() != nil {
		return result.ExecResult{}, appErr.Wrap(ctx.Err(), appErr.Timeout)
	}

	exitCode, err := exitCode(waitErr)
	if err != nil {
		return result.ExecResult{}, appErr.Wrapf(err, appErr.ContainerExecFailed, "wait for %s", argv[0])
	}

	status := result.Resolve(result.Observations{
		Stopped:        true,
		ExitCode:       exitCode,
		TimedOut:       timeout.Fired(),
		OutputOverflow: listener.Overflowed(),
	})
	return result.ExecResult{
		Status:          status,
		Output:          listener.Output(),
		ExecutionTimeMs: elapsed.Milliseconds(),
		ContainerName:   fmt.Sprintf("local-%d", pid),
		Taint:           cfg.Taint().Identity(),
	}, nil
}

func exitCode(err error) (int, error) {
	if err == nil || errors.Is(err, exec.ErrWaitDelay) {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return -1, err
	}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal()), nil
	}
	return exitErr.ExitCode(), nil
}

func killProcessGroup(pid int) {
	if pid <= 0 {
		return
	}
	_ = unix.Kill(-pid, unix.SIGKILL)
}

func (b *Backend) APIStatus() result.ApiStatus             { return result.ApiStatusOK }
func (b *Backend) SmoothedCallTime() time.Duration         { return 0 }
func (b *Backend) Version(context.Context) (string, error) { return "local", nil }
func (b *Backend) SetTimeoutMultiplier(m int) error        { return b.multiplier.Set(m) }
func (b *Backend) TimeoutMultiplier() int                  { return b.multiplier.Get() }
func (b *Backend) Stop(context.Context) error              { return nil }
