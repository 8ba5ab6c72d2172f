package docker_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sandboxd/internal/sandbox/docker"
	"sandboxd/internal/sandbox/execconfig"
	"sandboxd/internal/sandbox/result"
)

const internalMount = "/mnt/sandboxd"

// appendingProgram mimics a wrapper that appends to every file in the read-write area and
// echoes the wrapper script back.
func appendingProgram(t *testing.T, exit int, hang bool) func(programCall) programResult {
	return func(c programCall) programResult {
		rwHost, err := bindHost(c.Spec.Binds, internalMount+"/rw")
		if err != nil {
			return programResult{Output: err.Error(), ExitCode: 99}
		}
		roHost, err := bindHost(c.Spec.Binds, internalMount+"/ro")
		if err != nil {
			return programResult{Output: err.Error(), ExitCode: 99}
		}
		script, _ := os.ReadFile(filepath.Join(roHost, "__sandboxd_execute"))

		entries, _ := os.ReadDir(rwHost)
		for _, e := range entries {
			p := filepath.Join(rwHost, e.Name(), "out.txt")
			f, err := os.OpenFile(p, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
			if err == nil {
				_, _ = f.WriteString("modified\n")
				_ = f.Close()
			}
		}
		return programResult{Output: string(script), ExitCode: exit, Hang: hang}
	}
}

func reuseExec(t *testing.T, rwHost, roHost string, timeoutSec int) execconfig.ExecutionConfig {
	t.Helper()
	r := execconfig.CandidateRestrictions()
	r.TimeoutSec = timeoutSec
	cfg, err := execconfig.NewBuilder().
		SetImageName("sandbox/test:latest").
		SetRestrictions(r).
		SetTaint(execconfig.Parameterisation("repo-1").AsUserControlled()).
		AddPathSpecification(execconfig.NewPathSpecification(rwHost, "/mnt/bind/SUBMISSION", true)).
		AddPathSpecification(execconfig.NewPathSpecification(roHost, "/mnt/bind/TASK", false)).
		AddCommand("sh", "/mnt/bind/TASK/run.sh", "/mnt/bind/SUBMISSION").
		Build()
	require.NoError(t, err)
	return cfg
}

func newReuse(t *testing.T, program func(programCall) programResult) (*docker.Reuse, *fakeRuntime) {
	t.Helper()
	rt := newFakeRuntime(program)
	cfg := testConfig()
	cfg.TempRoot = t.TempDir()
	cfg.InternalMount = internalMount
	return docker.NewReuse(rt, cfg, nil), rt
}

func TestReuseSharesContainer(t *testing.T) {
	t.Parallel()

	b, rt := newReuse(t, appendingProgram(t, 0, false))

	rwHost := filepath.Join(t.TempDir(), "submission")
	require.NoError(t, os.MkdirAll(rwHost, 0o755))
	roHost := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(roHost, "run.sh"), []byte("echo hi"), 0o644))

	cfg := reuseExec(t, rwHost, roHost, 10)

	first, err := b.Execute(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, result.StatusCompleted, first.Status)
	assert.Equal(t, "repo-1", first.Taint)

	// The wrapper sees staged paths, never the original container paths.
	assert.True(t, strings.HasPrefix(first.Output, "#!/bin/bash\n"))
	assert.Contains(t, first.Output, internalMount+"/ro/1-TASK/run.sh")
	assert.Contains(t, first.Output, internalMount+"/rw/0-SUBMISSION")
	assert.NotContains(t, first.Output, "/mnt/bind/")

	second, err := b.Execute(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, result.StatusCompleted, second.Status)

	assert.Equal(t, first.ContainerName, second.ContainerName)
	assert.Equal(t, 1, rt.createCount())
	assert.Equal(t, 1, b.Slots())

	data, err := os.ReadFile(filepath.Join(rwHost, "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "modified\nmodified\n", string(data))

	_, err = os.Stat(filepath.Join(roHost, "run.sh"))
	assert.NoError(t, err, "read-only source must be left in place")
}

func TestReuseKeySeparatesTaint(t *testing.T) {
	t.Parallel()

	b, rt := newReuse(t, appendingProgram(t, 0, false))
	roHost := t.TempDir()

	for _, repo := range []string{"repo-1", "repo-2"} {
		rwHost := filepath.Join(t.TempDir(), "sub")
		cfg, err := execconfig.NewBuilder().
			SetImageName("img").
			SetRestrictions(execconfig.CandidateRestrictions()).
			SetTaint(execconfig.Parameterisation(repo).AsUserControlled()).
			AddPathSpecification(execconfig.NewPathSpecification(rwHost, "/mnt/bind/SUBMISSION", true)).
			AddPathSpecification(execconfig.NewPathSpecification(roHost, "/mnt/bind/TASK", false)).
			AddCommand("true").
			Build()
		require.NoError(t, err)
		_, err = b.Execute(context.Background(), cfg)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, rt.createCount())
	assert.Equal(t, 2, b.Slots())
}

func TestReuseExitCodeKeepsContainer(t *testing.T) {
	t.Parallel()

	b, rt := newReuse(t, appendingProgram(t, 2, false))
	rwHost := filepath.Join(t.TempDir(), "sub")
	cfg := reuseExec(t, rwHost, t.TempDir(), 10)

	res, err := b.Execute(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, result.StatusFailedExitCode, res.Status)
	assert.Equal(t, 1, b.Slots())
	assert.Equal(t, 1, rt.live())
}

func TestReuseAbnormalDestroysContainer(t *testing.T) {
	t.Parallel()

	b, rt := newReuse(t, appendingProgram(t, 0, true))
	rwHost := filepath.Join(t.TempDir(), "sub")
	cfg := reuseExec(t, rwHost, t.TempDir(), 1)

	res, err := b.Execute(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, result.StatusFailedTimeout, res.Status)
	assert.Equal(t, 0, b.Slots())
	assert.Equal(t, 0, rt.live())

	// Files are moved back even when the run failed.
	_, err = os.Stat(filepath.Join(rwHost, "out.txt"))
	assert.NoError(t, err)
}

func TestReuseStopDestroysSlots(t *testing.T) {
	t.Parallel()

	b, rt := newReuse(t, appendingProgram(t, 0, false))
	cfg := reuseExec(t, filepath.Join(t.TempDir(), "sub"), t.TempDir(), 10)

	_, err := b.Execute(context.Background(), cfg)
	require.NoError(t, err)
	require.Equal(t, 1, b.Slots())

	require.NoError(t, b.Stop(context.Background()))
	assert.Equal(t, 0, b.Slots())
	assert.Equal(t, 0, rt.live())
	assert.True(t, rt.closed)
}

func TestReuseStopHonoursDeadline(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	var once sync.Once
	b, rt := newReuse(t, func(programCall) programResult {
		once.Do(func() { close(started) })
		return programResult{Hang: true}
	})
	// A container that ignores kill keeps its slot busy through shutdown.
	rt.setIgnoreKill(true)

	execCtx, cancelExec := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = b.Execute(execCtx, reuseExec(t, filepath.Join(t.TempDir(), "sub"), t.TempDir(), 0))
	}()
	<-started

	stopCtx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	begin := time.Now()
	err := b.Stop(stopCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(begin), 5*time.Second)
	assert.True(t, rt.closed)

	rt.setIgnoreKill(false)
	cancelExec()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("execution did not return after cancel")
	}
}
