package docker

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"sandboxd/internal/sandbox/observer"
	"sandboxd/internal/sandbox/result"
	"sandboxd/internal/sandbox/telemetry"
	"sandboxd/internal/sandbox/watchdog"
	appErr "sandboxd/pkg/errors"
	"sandboxd/pkg/utils/logger"
)

const (
	defaultContainerPrefix = "sandboxd-transient-"
	defaultInternalMount   = "/mnt/sandboxd"
	defaultDiskPoll        = 10 * time.Second
	defaultWaitSlice       = 60 * time.Second
	defaultSessionGrace    = 5 * time.Second
	defaultMaxAttempts     = 5
)

// Config tunes the container engine. Zero values take defaults.
type Config struct {
	// ContainerPrefix starts every container name this process creates.
	ContainerPrefix string
	// TempRoot holds staging directories for reused containers.
	TempRoot string
	// InternalMount is where staged files appear inside reused containers.
	InternalMount string
	// VerifyChecksum requires output to end with an md5 trailer.
	VerifyChecksum bool

	DiskPollInterval time.Duration
	WaitSlice        time.Duration
	SessionGrace     time.Duration
	MaxAttempts      int
}

func (c Config) withDefaults() Config {
	if c.ContainerPrefix == "" {
		c.ContainerPrefix = defaultContainerPrefix
	}
	if c.InternalMount == "" {
		c.InternalMount = defaultInternalMount
	}
	if c.DiskPollInterval <= 0 {
		c.DiskPollInterval = defaultDiskPoll
	}
	if c.WaitSlice <= 0 {
		c.WaitSlice = defaultWaitSlice
	}
	if c.SessionGrace <= 0 {
		c.SessionGrace = defaultSessionGrace
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	return c
}

// engine is the part shared by both strategies: runtime access, lazy init, the running
// registry and the execution core.
type engine struct {
	cfg        Config
	rt         Runtime
	tracker    *telemetry.CallTracker
	metrics    observer.MetricsRecorder
	multiplier *watchdog.Multiplier
	counter    atomic.Int64

	initMu      sync.Mutex
	initialised bool

	registryM sync.Mutex
	registry  map[string]string
}

func newEngine(rt Runtime, cfg Config, metrics observer.MetricsRecorder) *engine {
	if metrics == nil {
		metrics = observer.Nop{}
	}
	return &engine{
		cfg:        cfg.withDefaults(),
		rt:         rt,
		tracker:    telemetry.NewCallTracker(metrics.ObserveRuntimeCall),
		metrics:    metrics,
		multiplier: watchdog.NewMultiplier(),
		registry:   make(map[string]string),
	}
}

func (e *engine) call(op string, fn func() error) error {
	return e.tracker.Track(op, func(err error) bool {
		return appErr.Is(err, appErr.RuntimeUnavailable)
	}, fn)
}

func (e *engine) nextName(prefix string) string {
	return prefix + strconv.FormatInt(e.counter.Add(1), 10)
}

// ensureInit pings the runtime and sweeps containers left behind by an earlier process.
func (e *engine) ensureInit(ctx context.Context) error {
	e.initMu.Lock()
	defer e.initMu.Unlock()
	if e.initialised {
		return nil
	}

	if err := e.call("ping", func() error { return e.rt.Ping(ctx) }); err != nil {
		return appErr.Unavailable(err, "ping")
	}
	var version string
	_ = e.call("version", func() error {
		var err error
		version, err = e.rt.Version(ctx)
		return err
	})
	logger.Info(ctx, "container runtime connected", zap.String("version", version))

	var refs []ContainerRef
	if err := e.call("list", func() error {
		var err error
		refs, err = e.rt.List(ctx, e.cfg.ContainerPrefix)
		return err
	}); err != nil {
		return appErr.Unavailable(err, "list")
	}
	for _, ref := range refs {
		if !hasPrefixedName(ref.Names, "/"+e.cfg.ContainerPrefix) {
			continue
		}
		logger.Info(ctx, "removing stale container", zap.String("id", ref.ID), zap.Strings("names", ref.Names))
		e.removeQuietly(ctx, ref.ID)
	}

	e.tracker.MarkInitialised()
	e.initialised = true
	return nil
}

func hasPrefixedName(names []string, prefix string) bool {
	for _, n := range names {
		if strings.HasPrefix(n, prefix) {
			return true
		}
	}
	return false
}

func (e *engine) register(id, name string) {
	e.registryM.Lock()
	defer e.registryM.Unlock()
	e.registry[id] = name
}

func (e *engine) unregister(id string) {
	e.registryM.Lock()
	defer e.registryM.Unlock()
	delete(e.registry, id)
}

func (e *engine) snapshotRegistry() map[string]string {
	e.registryM.Lock()
	defer e.registryM.Unlock()
	out := make(map[string]string, len(e.registry))
	for id, name := range e.registry {
		out[id] = name
	}
	return out
}

func (e *engine) create(ctx context.Context, spec ContainerSpec) (string, error) {
	var id string
	err := e.call("create", func() error {
		var err error
		id, err = e.rt.Create(ctx, spec)
		return err
	})
	return id, err
}

func (e *engine) inspect(ctx context.Context, id string, withSize bool) (ContainerState, error) {
	var st ContainerState
	err := e.call("inspect", func() error {
		var err error
		st, err = e.rt.Inspect(ctx, id, withSize)
		return err
	})
	return st, err
}

// kill ignores containers that have already gone.
func (e *engine) kill(ctx context.Context, id string) {
	err := e.call("kill", func() error { return e.rt.Kill(ctx, id) })
	if err != nil && !isNotFound(err) {
		logger.Warn(ctx, "kill container failed", zap.String("id", id), zap.Error(err))
	}
}

// removeQuietly force-removes id (an id or a name); failures are only logged.
func (e *engine) removeQuietly(ctx context.Context, id string) {
	err := e.call("remove", func() error { return e.rt.Remove(ctx, id, true) })
	if err != nil && !isNotFound(err) {
		logger.Warn(ctx, "remove container failed", zap.String("id", id), zap.Error(err))
	}
}

// APIStatus reports runtime health.
func (e *engine) APIStatus() result.ApiStatus {
	return e.tracker.Status()
}

// SmoothedCallTime is the moving average of runtime call durations.
func (e *engine) SmoothedCallTime() time.Duration {
	return e.tracker.Smoothed()
}

// SetTimeoutMultiplier applies to executions started after the call.
func (e *engine) SetTimeoutMultiplier(m int) error {
	return e.multiplier.Set(m)
}

func (e *engine) TimeoutMultiplier() int {
	return e.multiplier.Get()
}

// Version reports the daemon version.
func (e *engine) Version(ctx context.Context) (string, error) {
	var v string
	err := e.call("version", func() error {
		var err error
		v, err = e.rt.Version(ctx)
		return err
	})
	return v, err
}

func (e *engine) killRunning(ctx context.Context) {
	for id, name := range e.snapshotRegistry() {
		logger.Info(ctx, "killing container on shutdown", zap.String("container", name))
		e.kill(ctx, id)
	}
}

// stop kills everything still registered and closes the runtime client.
func (e *engine) stop(ctx context.Context) error {
	e.killRunning(ctx)
	return e.rt.Close()
}

// executeWithRetry reruns attempt when the runtime lost the process or the output failed verification.
// Once MaxAttempts is spent the failure is reported as ContainerExecFailed, which is not retryable.
func (e *engine) executeWithRetry(ctx context.Context, backend string, attempt func(ctx context.Context) (result.ExecResult, error)) (result.ExecResult, error) {
	if err := e.ensureInit(ctx); err != nil {
		return result.ExecResult{}, err
	}
	var lastErr error
	for i := 1; i <= e.cfg.MaxAttempts; i++ {
		res, err := attempt(ctx)
		if err == nil {
			e.metrics.ObserveExecution(ctx, backend, string(res.Status), res.ExecutionTimeMs, len(res.Output))
			return res, nil
		}
		if !appErr.Is(err, appErr.ContainerProcessDead) && !appErr.Is(err, appErr.ContainerRetryNeeded) {
			return result.ExecResult{}, err
		}
		lastErr = err
		logger.Warn(ctx, "retrying execution", zap.Int("attempt", i), zap.Error(err))
		if ctx.Err() != nil {
			break
		}
	}
	return result.ExecResult{}, appErr.Wrapf(lastErr, appErr.ContainerExecFailed,
		"failed to execute container after %d attempts", e.cfg.MaxAttempts)
}
