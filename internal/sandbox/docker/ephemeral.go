package docker

import (
	"context"

	"go.uber.org/zap"

	"sandboxd/internal/sandbox/execconfig"
	"sandboxd/internal/sandbox/observer"
	"sandboxd/internal/sandbox/result"
	"sandboxd/internal/sandbox/staging"
	"sandboxd/pkg/utils/logger"
)

// Ephemeral creates a fresh container for every execution and removes it afterwards.
type Ephemeral struct {
	*engine
}

// NewEphemeral returns a backend using rt. metrics may be nil.
func NewEphemeral(rt Runtime, cfg Config, metrics observer.MetricsRecorder) *Ephemeral {
	return &Ephemeral{engine: newEngine(rt, cfg, metrics)}
}

// Execute runs cfg in a new container.
func (b *Ephemeral) Execute(ctx context.Context, cfg execconfig.ExecutionConfig) (result.ExecResult, error) {
	return b.executeWithRetry(ctx, "docker", func(ctx context.Context) (result.ExecResult, error) {
		return b.executeOnce(ctx, cfg)
	})
}

func (b *Ephemeral) executeOnce(ctx context.Context, cfg execconfig.ExecutionConfig) (result.ExecResult, error) {
	name := b.nextName(b.cfg.ContainerPrefix)
	// A container with this name can survive a crashed earlier process.
	b.removeQuietly(ctx, name)

	prepareHostPaths(ctx, cfg.PathSpecs())

	id, err := b.create(ctx, specFor(name, cfg))
	if err != nil {
		return result.ExecResult{}, err
	}
	b.register(id, name)
	defer func() {
		b.removeQuietly(context.WithoutCancel(ctx), id)
		b.unregister(id)
	}()

	return b.run(ctx, id, name, cfg)
}

// Stop kills every running container and closes the runtime client.
func (b *Ephemeral) Stop(ctx context.Context) error {
	return b.stop(ctx)
}

// prepareHostPaths creates missing mount sources the same way the staging area does.
func prepareHostPaths(ctx context.Context, specs []execconfig.PathSpecification) {
	for _, spec := range specs {
		if err := staging.EnsureSource(spec.Host); err != nil {
			logger.Warn(ctx, "create mount source failed", zap.String("path", spec.Host), zap.Error(err))
		}
	}
}
