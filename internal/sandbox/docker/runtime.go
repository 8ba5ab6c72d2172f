// Package docker runs executions in containers, either one throwaway container per call or a pool
// of containers reused between calls with matching configuration.
package docker

import (
	"context"
	"io"
	"strings"

	"github.com/containerd/errdefs"

	"sandboxd/internal/sandbox/execconfig"
)

// ContainerSpec is a runtime-neutral create request.
type ContainerSpec struct {
	Name            string
	Image           string
	Cmd             []string
	Env             []string
	Binds           []string
	MemoryBytes     int64
	NetworkDisabled bool
}

// ContainerState is the subset of inspect output the engine looks at.
type ContainerState struct {
	Running   bool
	ExitCode  int
	OOMKilled bool
	SizeRw    int64
	Status    string
}

// ContainerRef identifies a listed container. Names carry the runtime's leading slash.
type ContainerRef struct {
	ID    string
	Names []string
}

// Stream is an attached session. Reads return demultiplexed stdout and stderr.
type Stream interface {
	io.ReadWriter
	CloseWrite() error
	Close() error
}

// Runtime is the narrow slice of the container API the engine needs.
type Runtime interface {
	Ping(ctx context.Context) error
	Version(ctx context.Context) (string, error)
	Create(ctx context.Context, spec ContainerSpec) (string, error)
	Start(ctx context.Context, id string) error
	Attach(ctx context.Context, id string) (Stream, error)
	Inspect(ctx context.Context, id string, withSize bool) (ContainerState, error)
	Kill(ctx context.Context, id string) error
	Remove(ctx context.Context, id string, force bool) error
	List(ctx context.Context, namePrefix string) ([]ContainerRef, error)
	Close() error
}

func specFor(name string, cfg execconfig.ExecutionConfig) ContainerSpec {
	r := cfg.Restrictions()
	return ContainerSpec{
		Name:            name,
		Image:           cfg.ImageName(),
		Cmd:             cfg.Command(),
		Env:             cfg.Env(),
		Binds:           cfg.Binds(),
		MemoryBytes:     r.RAMLimitBytes(),
		NetworkDisabled: r.NetworkDisabled,
	}
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	return errdefs.IsNotFound(err) || strings.Contains(strings.ToLower(err.Error()), "no such container")
}
