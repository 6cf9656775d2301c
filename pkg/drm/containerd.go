package drm

import (
	"context"
	"fmt"
	"io"
	"os"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/google/uuid"
	"github.com/isadenghien/soma-workflow/pkg/log"
	"github.com/isadenghien/soma-workflow/pkg/types"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog"
)

const (
	// DefaultNamespace isolates soma-workflow's containers from any other
	// containerd tenant on the same socket.
	DefaultNamespace = "soma-workflow"

	// DefaultSocketPath is the usual containerd control socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"
)

// ContainerdAdapter submits DRM templates as containerd tasks, for sites
// that run DRM execution slots as containers rather than bare processes.
// A submission's working directory is bind-mounted into the container at the
// same path, so the path the resolver already made concrete on the host is
// visible inside it unchanged. Stdout/stderr are not mounted: the task's
// stdio streams are written to the host-side target files. Stdin is not
// connected.
type ContainerdAdapter struct {
	client    *containerd.Client
	namespace string
	image     string
	logger    zerolog.Logger
}

// NewContainerdAdapter connects to a containerd socket. image is the OCI
// image every DRM template is executed inside (a minimal shell image is the
// usual choice, since the template's Command is run as PID 1's argv).
func NewContainerdAdapter(socketPath, image string) (*ContainerdAdapter, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("containerd adapter: connect: %w", err)
	}
	return &ContainerdAdapter{
		client:    client,
		namespace: DefaultNamespace,
		image:     image,
		logger:    log.WithComponent("drm-containerd"),
	}, nil
}

func (a *ContainerdAdapter) Close() error { return a.client.Close() }

func (a *ContainerdAdapter) Submit(ctx context.Context, tmpl types.Template) (string, error) {
	ctx = namespaces.WithNamespace(ctx, a.namespace)

	image, err := a.client.GetImage(ctx, a.image)
	if err != nil {
		image, err = a.client.Pull(ctx, a.image, containerd.WithPullUnpack)
		if err != nil {
			return "", fmt.Errorf("containerd adapter: pull image %s: %w", a.image, err)
		}
	}

	id := "somajob-" + uuid.NewString()

	env := make([]string, 0, len(tmpl.Environment))
	for k, v := range tmpl.Environment {
		env = append(env, k+"="+v)
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithProcessArgs(tmpl.Command...),
		oci.WithEnv(env),
	}
	if tmpl.WorkingDir != "" {
		opts = append(opts, withBindMount(tmpl.WorkingDir, tmpl.WorkingDir, false))
		opts = append(opts, oci.WithProcessCwd(tmpl.WorkingDir))
	}

	ctrdContainer, err := a.client.NewContainer(
		ctx, id,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return "", fmt.Errorf("containerd adapter: create container: %w", err)
	}

	stdout := openOrDiscard(tmpl.StdoutFile)
	stderr := openOrDiscard(stderrTarget(tmpl))

	task, err := ctrdContainer.NewTask(ctx, cio.NewCreator(cio.WithStreams(nil, stdout, stderr)))
	if err != nil {
		return "", fmt.Errorf("containerd adapter: create task: %w", err)
	}
	if err := task.Start(ctx); err != nil {
		return "", fmt.Errorf("containerd adapter: start task: %w", err)
	}

	return id, nil
}

func stderrTarget(tmpl types.Template) string {
	if tmpl.JoinStderr {
		return tmpl.StdoutFile
	}
	return tmpl.StderrFile
}

// openOrDiscard creates or truncates path for writing, falling back to
// io.Discard when path is empty or cannot be opened — a DRM submission
// should never fail solely because a stdio target is unset.
func openOrDiscard(path string) io.Writer {
	if path == "" {
		return io.Discard
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return io.Discard
	}
	return f
}

func (a *ContainerdAdapter) Status(ctx context.Context, drmID string) (Status, error) {
	ctx = namespaces.WithNamespace(ctx, a.namespace)
	c, err := a.client.LoadContainer(ctx, drmID)
	if err != nil {
		return Undetermined, fmt.Errorf("containerd adapter: load container: %w", err)
	}
	task, err := c.Task(ctx, nil)
	if err != nil {
		return QueuedActive, nil
	}
	st, err := task.Status(ctx)
	if err != nil {
		return Undetermined, fmt.Errorf("containerd adapter: task status: %w", err)
	}
	switch st.Status {
	case containerd.Running:
		return Running, nil
	case containerd.Paused:
		return UserSuspended, nil
	case containerd.Stopped:
		if st.ExitStatus == 0 {
			return Done, nil
		}
		return Failed, nil
	default:
		return QueuedActive, nil
	}
}

func (a *ContainerdAdapter) Hold(ctx context.Context, drmID string) error {
	ctx = namespaces.WithNamespace(ctx, a.namespace)
	c, err := a.client.LoadContainer(ctx, drmID)
	if err != nil {
		return err
	}
	task, err := c.Task(ctx, nil)
	if err != nil {
		return err
	}
	return task.Pause(ctx)
}

func (a *ContainerdAdapter) Release(ctx context.Context, drmID string) error {
	ctx = namespaces.WithNamespace(ctx, a.namespace)
	c, err := a.client.LoadContainer(ctx, drmID)
	if err != nil {
		return err
	}
	task, err := c.Task(ctx, nil)
	if err != nil {
		return err
	}
	return task.Resume(ctx)
}

func (a *ContainerdAdapter) Kill(ctx context.Context, drmID string) error {
	ctx = namespaces.WithNamespace(ctx, a.namespace)
	c, err := a.client.LoadContainer(ctx, drmID)
	if err != nil {
		return err
	}
	task, err := c.Task(ctx, nil)
	if err != nil {
		return nil
	}
	return task.Kill(ctx, syscall.SIGKILL)
}

func (a *ContainerdAdapter) Wait(ctx context.Context, drmID string, timeout time.Duration) (WaitResult, error) {
	ctx = namespaces.WithNamespace(ctx, a.namespace)
	c, err := a.client.LoadContainer(ctx, drmID)
	if err != nil {
		return WaitResult{}, err
	}
	task, err := c.Task(ctx, nil)
	if err != nil {
		return WaitResult{}, err
	}

	statusC, err := task.Wait(ctx)
	if err != nil {
		return WaitResult{}, fmt.Errorf("containerd adapter: wait: %w", err)
	}

	waitFor := func() (containerd.ExitStatus, error) {
		select {
		case st := <-statusC:
			return st, nil
		case <-ctx.Done():
			return containerd.ExitStatus{}, ctx.Err()
		}
	}

	if timeout == 0 {
		select {
		case st := <-statusC:
			return exitResult(st), nil
		default:
			return WaitResult{}, ErrWaitTimeout
		}
	}
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case st := <-statusC:
			return exitResult(st), nil
		case <-timer.C:
			return WaitResult{}, ErrWaitTimeout
		}
	}

	st, err := waitFor()
	if err != nil {
		return WaitResult{}, err
	}
	return exitResult(st), nil
}

func exitResult(st containerd.ExitStatus) WaitResult {
	info := types.ExitInfo{Value: int(st.ExitCode())}
	if st.ExitCode() == 0 {
		info.Status = types.ExitFinishedRegularly
	} else {
		info.Status = types.ExitFinishedUnclearCondition
	}
	return WaitResult{ExitInfo: info}
}

func withBindMount(src, dst string, readonly bool) oci.SpecOpts {
	return func(_ context.Context, _ oci.Client, _ *containers.Container, s *specs.Spec) error {
		opts := []string{"rbind"}
		if readonly {
			opts = append(opts, "ro")
		} else {
			opts = append(opts, "rw")
		}
		s.Mounts = append(s.Mounts, specs.Mount{
			Destination: dst,
			Type:        "bind",
			Source:      src,
			Options:     opts,
		})
		return nil
	}
}
