package docker

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"sandboxd/internal/sandbox/binding"
	"sandboxd/internal/sandbox/execconfig"
	"sandboxd/internal/sandbox/observer"
	"sandboxd/internal/sandbox/result"
	"sandboxd/internal/sandbox/staging"
	appErr "sandboxd/pkg/errors"
	"sandboxd/pkg/utils/logger"
)

const wrapperScript = "__sandboxd_execute"

// reuseSlot is one long-lived container. Only one execution holds the slot at a time.
type reuseSlot struct {
	held    chan struct{}
	key     string
	id      string
	name    string
	staging string
	evicted bool
}

// Reuse keeps one container per image, taint and restriction set and restarts it for each
// execution, staging that execution's files into fixed directories inside it.
type Reuse struct {
	*engine

	slotsMu sync.Mutex
	slots   map[string]*reuseSlot
}

// NewReuse returns a reusing backend. Read-write sources on another filesystem than cfg.TempRoot
// are copied in and out instead of renamed, which is slower.
func NewReuse(rt Runtime, cfg Config, metrics observer.MetricsRecorder) *Reuse {
	return &Reuse{
		engine: newEngine(rt, cfg, metrics),
		slots:  make(map[string]*reuseSlot),
	}
}

func (b *Reuse) reuseKey(cfg execconfig.ExecutionConfig) string {
	return staging.SanitizeName(b.cfg.ContainerPrefix + cfg.ImageName() + "-" + cfg.Taint().Identity() + "-" + cfg.ConfigurationHash())
}

// Execute runs cfg in the container matching its reuse key, creating it on first use.
func (b *Reuse) Execute(ctx context.Context, cfg execconfig.ExecutionConfig) (result.ExecResult, error) {
	return b.executeWithRetry(ctx, "docker-reuse", func(ctx context.Context) (result.ExecResult, error) {
		return b.executeOnce(ctx, cfg)
	})
}

func newSlot(key string) *reuseSlot {
	return &reuseSlot{key: key, held: make(chan struct{}, 1)}
}

// lock waits for the slot or for ctx to end.
func (s *reuseSlot) lock(ctx context.Context) error {
	select {
	case s.held <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *reuseSlot) unlock() {
	<-s.held
}

func (b *Reuse) executeOnce(ctx context.Context, cfg execconfig.ExecutionConfig) (result.ExecResult, error) {
	key := b.reuseKey(cfg)
	slot, err := b.acquire(ctx, key)
	if err != nil {
		return result.ExecResult{}, appErr.Wrap(err, appErr.Timeout)
	}
	defer slot.unlock()

	if slot.id == "" {
		if err := b.createSlot(ctx, slot, cfg); err != nil {
			b.destroySlot(ctx, slot)
			return result.ExecResult{}, err
		}
	}

	sw, err := staging.New(slot.staging, b.cfg.InternalMount, cfg.PathSpecs())
	if err != nil {
		b.destroySlot(ctx, slot)
		return result.ExecResult{}, err
	}

	res, runErr := b.runStaged(ctx, slot, sw, cfg)

	if err := sw.Restore(); err != nil {
		logger.Warn(ctx, "restore staged files failed", zap.String("container", slot.name), zap.Error(err))
		if runErr == nil {
			runErr = appErr.Wrapf(err, appErr.SwizzleFailed, "restore staged files")
		}
	}
	if runErr != nil || res.Status.Abnormal() {
		b.destroySlot(ctx, slot)
	}
	if runErr != nil {
		return result.ExecResult{}, runErr
	}
	return res, nil
}

func (b *Reuse) runStaged(ctx context.Context, slot *reuseSlot, sw *staging.Area, cfg execconfig.ExecutionConfig) (result.ExecResult, error) {
	command := sw.Rewrite(binding.Quote(cfg.Command()))
	if err := sw.WriteScript(wrapperScript, command); err != nil {
		return result.ExecResult{}, appErr.Wrapf(err, appErr.SwizzleFailed, "write wrapper script")
	}
	b.register(slot.id, slot.name)
	defer b.unregister(slot.id)
	return b.run(ctx, slot.id, slot.name, cfg)
}

// acquire returns the locked slot for key, skipping slots evicted while we waited for them.
func (b *Reuse) acquire(ctx context.Context, key string) (*reuseSlot, error) {
	for {
		b.slotsMu.Lock()
		slot, ok := b.slots[key]
		if !ok {
			slot = newSlot(key)
			b.slots[key] = slot
		}
		b.slotsMu.Unlock()

		if err := slot.lock(ctx); err != nil {
			return nil, err
		}
		if !slot.evicted {
			return slot, nil
		}
		slot.unlock()
	}
}

func (b *Reuse) createSlot(ctx context.Context, slot *reuseSlot, cfg execconfig.ExecutionConfig) error {
	slot.name = b.nextName(slot.key + "-")
	slot.staging = filepath.Join(b.cfg.TempRoot, slot.name)
	for _, sub := range []string{"rw", "ro"} {
		if err := os.MkdirAll(filepath.Join(slot.staging, sub), 0o755); err != nil {
			return appErr.Wrapf(err, appErr.SwizzleFailed, "create staging dir")
		}
	}

	spec := specFor(slot.name, cfg)
	spec.Cmd = []string{path.Join(b.cfg.InternalMount, "ro", wrapperScript)}
	spec.Binds = []string{
		execconfig.NewPathSpecification(filepath.Join(slot.staging, "rw"), path.Join(b.cfg.InternalMount, "rw"), true).BindString(),
		execconfig.NewPathSpecification(filepath.Join(slot.staging, "ro"), path.Join(b.cfg.InternalMount, "ro"), false).BindString(),
	}

	b.removeQuietly(ctx, slot.name)
	id, err := b.create(ctx, spec)
	if err != nil {
		return err
	}
	slot.id = id
	logger.Info(ctx, "created reusable container", zap.String("container", slot.name), zap.String("key", slot.key))
	return nil
}

// destroySlot removes the container and staging area and evicts the slot. Caller holds the slot.
func (b *Reuse) destroySlot(ctx context.Context, slot *reuseSlot) {
	bg := context.WithoutCancel(ctx)
	if slot.id != "" {
		b.removeQuietly(bg, slot.id)
	}
	if slot.staging != "" {
		if err := os.RemoveAll(slot.staging); err != nil {
			logger.Warn(ctx, "remove staging dir failed", zap.String("path", slot.staging), zap.Error(err))
		}
	}
	slot.evicted = true
	slot.id = ""

	b.slotsMu.Lock()
	if b.slots[slot.key] == slot {
		delete(b.slots, slot.key)
	}
	b.slotsMu.Unlock()
}

// Stop kills running containers, then destroys every idle slot. Slots still busy when ctx ends are
// left behind and ctx's error is returned.
func (b *Reuse) Stop(ctx context.Context) error {
	b.killRunning(ctx)

	b.slotsMu.Lock()
	slots := make([]*reuseSlot, 0, len(b.slots))
	for _, s := range b.slots {
		slots = append(slots, s)
	}
	b.slotsMu.Unlock()

	var waitErr error
	for _, s := range slots {
		if err := s.lock(ctx); err != nil {
			logger.Warn(ctx, "slot still busy at shutdown", zap.String("key", s.key), zap.Error(err))
			waitErr = err
			break
		}
		if !s.evicted {
			b.destroySlot(ctx, s)
		}
		s.unlock()
	}
	if err := b.rt.Close(); err != nil {
		return err
	}
	return waitErr
}

// Slots reports how many reusable containers are alive.
func (b *Reuse) Slots() int {
	b.slotsMu.Lock()
	defer b.slotsMu.Unlock()
	return len(b.slots)
}
