package docker_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/containerd/errdefs"

	"sandboxd/internal/sandbox/docker"
)

// programCall is what a fake container sees when it starts.
type programCall struct {
	Spec  docker.ContainerSpec
	Stdin string
	Run   int
}

// programResult describes how a fake container behaves.
type programResult struct {
	Output   string
	ExitCode int
	Hang     bool
	SizeRw   int64
	OOM      bool
}

type fakeContainer struct {
	id      string
	spec    docker.ContainerSpec
	running bool
	exit    int
	oom     bool
	sizeRw  int64
	runs    int
	stream  *fakeStream
	removed bool
}

type fakeStream struct {
	pr        *io.PipeReader
	pw        *io.PipeWriter
	mu        sync.Mutex
	stdin     strings.Builder
	stdinDone chan struct{}
	closeOnce sync.Once
}

func newFakeStream() *fakeStream {
	pr, pw := io.Pipe()
	return &fakeStream{pr: pr, pw: pw, stdinDone: make(chan struct{})}
}

func (s *fakeStream) Read(p []byte) (int, error) { return s.pr.Read(p) }

func (s *fakeStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stdin.Write(p)
}

func (s *fakeStream) CloseWrite() error {
	s.closeOnce.Do(func() { close(s.stdinDone) })
	return nil
}

func (s *fakeStream) Close() error {
	_ = s.CloseWrite()
	_ = s.pw.Close()
	return s.pr.Close()
}

func (s *fakeStream) stdinText() string {
	select {
	case <-s.stdinDone:
	case <-time.After(time.Second):
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stdin.String()
}

type fakeRuntime struct {
	mu         sync.Mutex
	program    func(programCall) programResult
	containers map[string]*fakeContainer
	nextID     int
	creates    int
	removes    []string
	kills      []string
	startErrs  []error
	pingErr    error
	listed     []docker.ContainerRef
	closed     bool
	ignoreKill bool
}

func newFakeRuntime(program func(programCall) programResult) *fakeRuntime {
	return &fakeRuntime{program: program, containers: make(map[string]*fakeContainer)}
}

func (f *fakeRuntime) Ping(context.Context) error { return f.pingErr }

func (f *fakeRuntime) Version(context.Context) (string, error) { return "fake 1.0", nil }

func (f *fakeRuntime) Create(_ context.Context, spec docker.ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.creates++
	id := fmt.Sprintf("c%d", f.nextID)
	f.containers[id] = &fakeContainer{id: id, spec: spec}
	return id, nil
}

func (f *fakeRuntime) lookup(id string) (*fakeContainer, error) {
	c, ok := f.containers[id]
	if !ok || c.removed {
		return nil, fmt.Errorf("no such container %s: %w", id, errdefs.ErrNotFound)
	}
	return c, nil
}

func (f *fakeRuntime) Attach(_ context.Context, id string) (docker.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.lookup(id)
	if err != nil {
		return nil, err
	}
	c.stream = newFakeStream()
	return c.stream, nil
}

func (f *fakeRuntime) Start(_ context.Context, id string) error {
	f.mu.Lock()
	if len(f.startErrs) > 0 {
		err := f.startErrs[0]
		f.startErrs = f.startErrs[1:]
		if err != nil {
			f.mu.Unlock()
			return err
		}
	}
	c, err := f.lookup(id)
	if err != nil {
		f.mu.Unlock()
		return err
	}
	c.running = true
	c.runs++
	stream := c.stream
	call := programCall{Spec: c.spec, Run: c.runs}
	f.mu.Unlock()

	go func() {
		call.Stdin = stream.stdinText()
		res := f.program(call)

		f.mu.Lock()
		c.sizeRw = res.SizeRw
		f.mu.Unlock()

		_, _ = io.WriteString(stream.pw, res.Output)
		if res.Hang {
			return
		}
		f.mu.Lock()
		if c.running {
			c.running = false
			c.exit = res.ExitCode
			c.oom = res.OOM
		}
		f.mu.Unlock()
		_ = stream.pw.Close()
	}()
	return nil
}

func (f *fakeRuntime) Inspect(_ context.Context, id string, _ bool) (docker.ContainerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.lookup(id)
	if err != nil {
		return docker.ContainerState{}, err
	}
	return docker.ContainerState{Running: c.running, ExitCode: c.exit, OOMKilled: c.oom, SizeRw: c.sizeRw}, nil
}

func (f *fakeRuntime) Kill(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kills = append(f.kills, id)
	if f.ignoreKill {
		return nil
	}
	c, err := f.lookup(id)
	if err != nil {
		return err
	}
	if c.running {
		c.running = false
		c.exit = 137
		if c.stream != nil {
			_ = c.stream.pw.Close()
		}
	}
	return nil
}

func (f *fakeRuntime) Remove(_ context.Context, id string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removes = append(f.removes, id)
	for _, c := range f.containers {
		if c.id == id || c.spec.Name == id {
			if c.removed {
				break
			}
			c.removed = true
			c.running = false
			return nil
		}
	}
	return fmt.Errorf("no such container %s: %w", id, errdefs.ErrNotFound)
}

func (f *fakeRuntime) List(context.Context, string) ([]docker.ContainerRef, error) {
	return f.listed, nil
}

func (f *fakeRuntime) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeRuntime) setIgnoreKill(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ignoreKill = v
}

func (f *fakeRuntime) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates
}

func (f *fakeRuntime) live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.containers {
		if !c.removed {
			n++
		}
	}
	return n
}

func (f *fakeRuntime) removed(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.removes {
		if r == id {
			return true
		}
	}
	return false
}

// bindHost returns the host side of the bind mounted at container.
func bindHost(binds []string, container string) (string, error) {
	for _, b := range binds {
		parts := strings.Split(b, ":")
		if len(parts) >= 2 && parts[1] == container {
			return parts[0], nil
		}
	}
	return "", errors.New("bind not found: " + container)
}
