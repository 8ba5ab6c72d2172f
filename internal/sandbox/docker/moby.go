package docker

import (
	"context"
	"io"
	"strings"

	"github.com/moby/moby/api/pkg/stdcopy"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/client"

	appErr "sandboxd/pkg/errors"
)

const processDeadMessage = "container process is already dead"

// MobyRuntime talks to a Docker-compatible daemon.
type MobyRuntime struct {
	client *client.Client
}

// NewMobyRuntime connects to host, or to the daemon named by the DOCKER_* environment when host is empty.
func NewMobyRuntime(host string) (*MobyRuntime, error) {
	opts := []client.Opt{client.FromEnv}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.New(opts...)
	if err != nil {
		return nil, appErr.Unavailable(err, "connect")
	}
	return &MobyRuntime{client: cli}, nil
}

func (r *MobyRuntime) Ping(ctx context.Context) error {
	_, err := r.client.Ping(ctx, client.PingOptions{})
	return translate("ping", err)
}

func (r *MobyRuntime) Version(ctx context.Context) (string, error) {
	v, err := r.client.ServerVersion(ctx, client.ServerVersionOptions{})
	if err != nil {
		return "", translate("version", err)
	}
	return v.Version + " (api " + v.APIVersion + ")", nil
}

func (r *MobyRuntime) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	opts := client.ContainerCreateOptions{
		Name: spec.Name,
		Config: &container.Config{
			Image:           spec.Image,
			Cmd:             spec.Cmd,
			Env:             spec.Env,
			NetworkDisabled: spec.NetworkDisabled,
			OpenStdin:       true,
			StdinOnce:       true,
			AttachStdin:     true,
			AttachStdout:    true,
			AttachStderr:    true,
		},
		HostConfig: &container.HostConfig{
			Binds: spec.Binds,
		},
	}
	if spec.MemoryBytes > 0 {
		opts.HostConfig.Resources = container.Resources{
			Memory:     spec.MemoryBytes,
			MemorySwap: spec.MemoryBytes,
		}
	}
	res, err := r.client.ContainerCreate(ctx, opts)
	if err != nil {
		return "", translate("create", err)
	}
	return res.ID, nil
}

func (r *MobyRuntime) Start(ctx context.Context, id string) error {
	_, err := r.client.ContainerStart(ctx, id, client.ContainerStartOptions{})
	return translate("start", err)
}

func (r *MobyRuntime) Attach(ctx context.Context, id string) (Stream, error) {
	res, err := r.client.ContainerAttach(ctx, id, client.ContainerAttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, translate("attach", err)
	}

	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, res.Reader)
		_ = pw.CloseWithError(err)
	}()
	return &mobyStream{attach: res, out: pr}, nil
}

func (r *MobyRuntime) Inspect(ctx context.Context, id string, withSize bool) (ContainerState, error) {
	res, err := r.client.ContainerInspect(ctx, id, client.ContainerInspectOptions{Size: withSize})
	if err != nil {
		return ContainerState{}, translate("inspect", err)
	}
	var st ContainerState
	if s := res.Container.State; s != nil {
		st.Running = s.Running
		st.ExitCode = s.ExitCode
		st.OOMKilled = s.OOMKilled
		st.Status = string(s.Status)
	}
	if res.Container.SizeRw != nil {
		st.SizeRw = *res.Container.SizeRw
	}
	return st, nil
}

func (r *MobyRuntime) Kill(ctx context.Context, id string) error {
	_, err := r.client.ContainerKill(ctx, id, client.ContainerKillOptions{Signal: "KILL"})
	return translate("kill", err)
}

func (r *MobyRuntime) Remove(ctx context.Context, id string, force bool) error {
	_, err := r.client.ContainerRemove(ctx, id, client.ContainerRemoveOptions{
		Force:         force,
		RemoveVolumes: true,
	})
	return translate("remove", err)
}

func (r *MobyRuntime) List(ctx context.Context, namePrefix string) ([]ContainerRef, error) {
	res, err := r.client.ContainerList(ctx, client.ContainerListOptions{
		All:     true,
		Filters: make(client.Filters).Add("name", namePrefix),
	})
	if err != nil {
		return nil, translate("list", err)
	}
	refs := make([]ContainerRef, 0, len(res.Items))
	for _, c := range res.Items {
		refs = append(refs, ContainerRef{ID: c.ID, Names: c.Names})
	}
	return refs, nil
}

func (r *MobyRuntime) Close() error {
	return r.client.Close()
}

type mobyStream struct {
	attach client.ContainerAttachResult
	out    *io.PipeReader
}

func (s *mobyStream) Read(p []byte) (int, error)  { return s.out.Read(p) }
func (s *mobyStream) Write(p []byte) (int, error) { return s.attach.Conn.Write(p) }
func (s *mobyStream) CloseWrite() error           { return s.attach.CloseWrite() }

func (s *mobyStream) Close() error {
	s.attach.Close()
	return s.out.Close()
}

// translate maps daemon errors onto engine error codes. Not-found errors stay recognisable
// through errdefs because the original error is kept in the chain.
func translate(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case client.IsErrConnectionFailed(err):
		return appErr.Unavailable(err, op)
	case strings.Contains(err.Error(), processDeadMessage):
		return appErr.Wrapf(err, appErr.ContainerProcessDead, "%s: %s", op, processDeadMessage)
	case op == "create":
		return appErr.Wrapf(err, appErr.ContainerCreateFailed, "create container")
	case op == "start":
		return appErr.Wrapf(err, appErr.ContainerStartFailed, "start container")
	default:
		return appErr.Wrapf(err, appErr.ContainerExecFailed, "%s container", op)
	}
}
