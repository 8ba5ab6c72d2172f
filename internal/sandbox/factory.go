package sandbox

import (
	"time"

	"sandboxd/internal/sandbox/docker"
	"sandboxd/internal/sandbox/local"
	"sandboxd/internal/sandbox/observer"
	appErr "sandboxd/pkg/errors"
)

// Backend kinds accepted in configuration.
const (
	KindDocker      = "docker"
	KindDockerReuse = "docker-reuse"
	KindLocal       = "local"
)

// Options selects and tunes a backend.
type Options struct {
	Kind            string `yaml:"backend"`
	DockerHost      string `yaml:"dockerHost"`
	ContainerPrefix string `yaml:"containerPrefix"`
	TempRoot        string `yaml:"tempRoot"`
	InternalMount   string `yaml:"internalMount"`
	VerifyChecksum  bool   `yaml:"verifyChecksum"`
	// DiskPollInterval overrides the disk watchdog period.
	DiskPollInterval time.Duration `yaml:"diskPollInterval"`
}

// New builds the backend named by opts.Kind. A nil metrics recorder disables metrics.
func New(opts Options, metrics observer.MetricsRecorder) (Backend, error) {
	dcfg := docker.Config{
		ContainerPrefix:  opts.ContainerPrefix,
		TempRoot:         opts.TempRoot,
		InternalMount:    opts.InternalMount,
		VerifyChecksum:   opts.VerifyChecksum,
		DiskPollInterval: opts.DiskPollInterval,
	}

	switch opts.Kind {
	case KindDocker, "":
		rt, err := docker.NewMobyRuntime(opts.DockerHost)
		if err != nil {
			return nil, err
		}
		return docker.NewEphemeral(rt, dcfg, metrics), nil
	case KindDockerReuse:
		rt, err := docker.NewMobyRuntime(opts.DockerHost)
		if err != nil {
			return nil, err
		}
		return docker.NewReuse(rt, dcfg, metrics), nil
	case KindLocal:
		return local.New(opts.TempRoot, metrics), nil
	default:
		return nil, appErr.Newf(appErr.InvalidValue, "unknown sandbox backend %q", opts.Kind).
			WithDetail("backend", opts.Kind)
	}
}

var (
	_ Backend = (*docker.Ephemeral)(nil)
	_ Backend = (*docker.Reuse)(nil)
	_ Backend = (*local.Backend)(nil)
)
