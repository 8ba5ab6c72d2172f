package docker_test

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sandboxd/internal/sandbox/docker"
	"sandboxd/internal/sandbox/execconfig"
	"sandboxd/internal/sandbox/result"
	appErr "sandboxd/pkg/errors"
)

func testConfig() docker.Config {
	return docker.Config{
		ContainerPrefix:  "sandboxd-test-",
		DiskPollInterval: 20 * time.Millisecond,
		WaitSlice:        50 * time.Millisecond,
		SessionGrace:     200 * time.Millisecond,
	}
}

func execConfig(t *testing.T, mutate func(*execconfig.ContainerRestrictions), stdin string) execconfig.ExecutionConfig {
	t.Helper()
	r := execconfig.CandidateRestrictions()
	if mutate != nil {
		mutate(&r)
	}
	cfg, err := execconfig.NewBuilder().
		SetImageName("sandbox/test:latest").
		SetRestrictions(r).
		SetStdin(stdin).
		AddCommand("run", "it").
		Build()
	require.NoError(t, err)
	return cfg
}

func TestEphemeralStatuses(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		program programResult
		limits  func(*execconfig.ContainerRestrictions)
		want    result.Status
		output  string
	}{
		{
			name:    "completed",
			program: programResult{Output: "hello\n"},
			want:    result.StatusCompleted,
			output:  "hello\n",
		},
		{
			name:    "non-zero exit",
			program: programResult{Output: "boom", ExitCode: 3},
			want:    result.StatusFailedExitCode,
			output:  "boom",
		},
		{
			name:    "oom",
			program: programResult{ExitCode: 137, OOM: true},
			want:    result.StatusFailedOOM,
		},
		{
			name:    "output overflow",
			program: programResult{Output: strings.Repeat("x", 5000)},
			limits:  func(r *execconfig.ContainerRestrictions) { r.OutputLimitKChars = 1 },
			want:    result.StatusFailedOutput,
			output:  strings.Repeat("x", 1000),
		},
		{
			name:    "disk limit",
			program: programResult{Hang: true, SizeRw: 5 * 1024 * 1024},
			limits:  func(r *execconfig.ContainerRestrictions) { r.DiskWriteLimitMB = 1 },
			want:    result.StatusFailedDisk,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rt := newFakeRuntime(func(programCall) programResult { return tt.program })
			b := docker.NewEphemeral(rt, testConfig(), nil)

			res, err := b.Execute(context.Background(), execConfig(t, tt.limits, ""))
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Status)
			if tt.output != "" {
				assert.Equal(t, tt.output, res.Output)
			}
			assert.True(t, strings.HasPrefix(res.ContainerName, "sandboxd-test-"))
			assert.Equal(t, 0, rt.live(), "container must be removed after the run")
		})
	}
}

func TestEphemeralTimeout(t *testing.T) {
	t.Parallel()

	rt := newFakeRuntime(func(programCall) programResult { return programResult{Hang: true} })
	b := docker.NewEphemeral(rt, testConfig(), nil)

	res, err := b.Execute(context.Background(), execConfig(t, func(r *execconfig.ContainerRestrictions) {
		r.TimeoutSec = 1
	}, ""))
	require.NoError(t, err)
	assert.Equal(t, result.StatusFailedTimeout, res.Status)
	assert.GreaterOrEqual(t, res.ExecutionTimeMs, int64(1000))
	assert.Less(t, res.ExecutionTimeMs, int64(3000))
	assert.NotEmpty(t, rt.kills)
}

func TestEphemeralStdin(t *testing.T) {
	t.Parallel()

	rt := newFakeRuntime(func(c programCall) programResult { return programResult{Output: "got:" + c.Stdin} })
	b := docker.NewEphemeral(rt, testConfig(), nil)

	res, err := b.Execute(context.Background(), execConfig(t, nil, "payload"))
	require.NoError(t, err)
	assert.Equal(t, result.StatusCompleted, res.Status)
	assert.Equal(t, "got:payload", res.Output)
}

func TestEphemeralContainerSpec(t *testing.T) {
	t.Parallel()

	var seen docker.ContainerSpec
	rt := newFakeRuntime(func(c programCall) programResult {
		seen = c.Spec
		return programResult{}
	})
	b := docker.NewEphemeral(rt, testConfig(), nil)

	cfg := execConfig(t, nil, "")
	_, err := b.Execute(context.Background(), cfg)
	require.NoError(t, err)

	assert.Equal(t, "sandbox/test:latest", seen.Image)
	assert.Equal(t, []string{"run", "it"}, seen.Cmd)
	assert.Equal(t, int64(200*1024*1024), seen.MemoryBytes)
	assert.True(t, seen.NetworkDisabled)
	assert.Contains(t, seen.Env, "RAM_LIMIT_MEGABYTES=200")
}

func TestEphemeralCreatesMissingSources(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	ro := filepath.Join(root, "task")
	rw := filepath.Join(root, "out")
	cfg, err := execconfig.NewBuilder().
		SetImageName("sandbox/test:latest").
		SetRestrictions(execconfig.CandidateRestrictions()).
		AddPathSpecification(execconfig.NewPathSpecification(ro, "/mnt/TASK", false)).
		AddPathSpecification(execconfig.NewPathSpecification(rw, "/mnt/OUT", true)).
		AddCommand("run").
		Build()
	require.NoError(t, err)

	rt := newFakeRuntime(func(programCall) programResult { return programResult{} })
	_, err = docker.NewEphemeral(rt, testConfig(), nil).Execute(context.Background(), cfg)
	require.NoError(t, err)

	for _, p := range []string{ro, rw} {
		info, err := os.Stat(p)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestEphemeralRetriesDeadProcess(t *testing.T) {
	t.Parallel()

	rt := newFakeRuntime(func(programCall) programResult { return programResult{Output: "ok"} })
	rt.startErrs = []error{appErr.New(appErr.ContainerProcessDead)}
	b := docker.NewEphemeral(rt, testConfig(), nil)

	res, err := b.Execute(context.Background(), execConfig(t, nil, ""))
	require.NoError(t, err)
	assert.Equal(t, result.StatusCompleted, res.Status)
	assert.Equal(t, 2, rt.createCount())
	assert.Equal(t, 0, rt.live())
}

func TestEphemeralChecksum(t *testing.T) {
	t.Parallel()

	body := "result line\n"
	sum := md5.Sum([]byte(body))
	good := body + hex.EncodeToString(sum[:]) + "  -\n"

	cfg := testConfig()
	cfg.VerifyChecksum = true
	cfg.MaxAttempts = 3

	rt := newFakeRuntime(func(programCall) programResult { return programResult{Output: good} })
	res, err := docker.NewEphemeral(rt, cfg, nil).Execute(context.Background(), execConfig(t, nil, ""))
	require.NoError(t, err)
	assert.Equal(t, body, res.Output)

	bad := newFakeRuntime(func(programCall) programResult { return programResult{Output: "truncated"} })
	_, err = docker.NewEphemeral(bad, cfg, nil).Execute(context.Background(), execConfig(t, nil, ""))
	require.Error(t, err)
	assert.True(t, appErr.Is(err, appErr.ContainerExecFailed))
	assert.False(t, appErr.IsRetryable(err))
	assert.Equal(t, 3, bad.createCount())
}

func TestInitSweepsStaleContainers(t *testing.T) {
	t.Parallel()

	rt := newFakeRuntime(func(programCall) programResult { return programResult{} })
	rt.listed = []docker.ContainerRef{
		{ID: "stale", Names: []string{"/sandboxd-test-7"}},
		{ID: "other", Names: []string{"/unrelated-sandboxd-test-1"}},
	}
	b := docker.NewEphemeral(rt, testConfig(), nil)
	assert.Equal(t, result.ApiStatusUninitialised, b.APIStatus())

	_, err := b.Execute(context.Background(), execConfig(t, nil, ""))
	require.NoError(t, err)
	assert.True(t, rt.removed("stale"))
	assert.False(t, rt.removed("other"))
	assert.Equal(t, result.ApiStatusOK, b.APIStatus())
}

func TestRuntimeUnavailable(t *testing.T) {
	t.Parallel()

	rt := newFakeRuntime(nil)
	rt.pingErr = appErr.Unavailable(context.DeadlineExceeded, "ping")
	b := docker.NewEphemeral(rt, testConfig(), nil)

	_, err := b.Execute(context.Background(), execConfig(t, nil, ""))
	require.Error(t, err)
	assert.True(t, appErr.IsRetryable(err))
	assert.Equal(t, result.ApiStatusFailed, b.APIStatus())
}

func TestTimeoutMultiplier(t *testing.T) {
	t.Parallel()

	b := docker.NewEphemeral(newFakeRuntime(nil), testConfig(), nil)
	assert.Equal(t, 1, b.TimeoutMultiplier())
	require.NoError(t, b.SetTimeoutMultiplier(4))
	assert.Equal(t, 4, b.TimeoutMultiplier())
	assert.True(t, appErr.Is(b.SetTimeoutMultiplier(0), appErr.InvalidTimeoutMultiplier))
}

func TestEphemeralStop(t *testing.T) {
	t.Parallel()

	rt := newFakeRuntime(func(programCall) programResult { return programResult{Hang: true} })
	b := docker.NewEphemeral(rt, testConfig(), nil)

	done := make(chan result.ExecResult, 1)
	go func() {
		res, _ := b.Execute(context.Background(), execConfig(t, func(r *execconfig.ContainerRestrictions) {
			r.TimeoutSec = 0
		}, ""))
		done <- res
	}()

	require.Eventually(t, func() bool { return rt.live() == 1 && rt.createCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, b.Stop(context.Background()))

	select {
	case res := <-done:
		assert.Equal(t, result.StatusFailedExitCode, res.Status)
	case <-time.After(3 * time.Second):
		t.Fatal("execution did not finish after Stop")
	}
	assert.True(t, rt.closed)
}
