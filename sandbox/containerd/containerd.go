// Package containerd backs the sandbox Runtime with a containerd daemon.
package containerd

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/quay/zlog"

	"github.com/salvus/salve"
	"github.com/salvus/salve/sandbox"
)

const (
	// DefaultNamespace scopes everything the harness creates.
	DefaultNamespace = "salve"
	// DefaultSocketPath is containerd's conventional socket location.
	DefaultSocketPath = "/run/containerd/containerd.sock"
)

// cpuPeriod is the CFS scheduling period used for CPU quotas, in
// microseconds.
const cpuPeriod = 100_000

var _ sandbox.Runtime = (*Runtime)(nil)

// Runtime implements sandbox.Runtime against a containerd daemon.
type Runtime struct {
	client    *containerd.Client
	namespace string

	mu   sync.Mutex
	logs map[string]*logSink
}

// New connects to the containerd socket. An empty socketPath uses
// DefaultSocketPath.
func New(socketPath string) (*Runtime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, wrap(err, "containerd.New", "failed to connect to containerd")
	}
	return &Runtime{
		client:    client,
		namespace: DefaultNamespace,
		logs:      make(map[string]*logSink),
	}, nil
}

// Close releases the client connection.
func (r *Runtime) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// Pull fetches and unpacks the image.
func (r *Runtime) Pull(ctx context.Context, ref string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)
	zlog.Debug(ctx).Str("ref", ref).Msg("pulling image")
	if _, err := r.client.Pull(ctx, ref, containerd.WithPullUnpack); err != nil {
		return wrap(err, "containerd.Runtime.Pull", fmt.Sprintf("failed to pull %s", ref))
	}
	return nil
}

// Create builds a stopped container from the spec. The init command
// defaults to an indefinite sleep so the container stays up for exec.
func (r *Runtime) Create(ctx context.Context, spec *sandbox.ContainerSpec) (string, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)
	image, err := r.client.GetImage(ctx, spec.Image)
	if err != nil {
		return "", wrap(err, "containerd.Runtime.Create", fmt.Sprintf("failed to get image %s", spec.Image))
	}

	cmd := spec.Command
	if len(cmd) == 0 {
		cmd = []string{"sleep", "infinity"}
	}
	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithProcessArgs(cmd...),
		withResources(spec.CPULimit, spec.MemoryBytes),
	}

	container, err := r.client.NewContainer(
		ctx,
		spec.Name,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.Name+"-snapshot", image),
		containerd.WithNewSpec(opts...),
		containerd.WithContainerLabels(spec.Labels),
	)
	if err != nil {
		return "", wrap(err, "containerd.Runtime.Create", "failed to create container")
	}
	return container.ID(), nil
}

// Start launches the init task, capturing its output for Logs.
func (r *Runtime) Start(ctx context.Context, id string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)
	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		return wrap(err, "containerd.Runtime.Start", fmt.Sprintf("failed to load container %s", id))
	}

	sink := newLogSink()
	task, err := container.NewTask(ctx, cio.NewCreator(cio.WithStreams(nil, sink, sink)))
	if err != nil {
		return wrap(err, "containerd.Runtime.Start", "failed to create task")
	}
	if err := task.Start(ctx); err != nil {
		return wrap(err, "containerd.Runtime.Start", "failed to start task")
	}
	r.mu.Lock()
	r.logs[id] = sink
	r.mu.Unlock()
	return nil
}

// Exec runs cmd inside the running container and returns the demuxed
// result. A non-zero exit is reported in the result, not as an error.
func (r *Runtime) Exec(ctx context.Context, id string, cmd []string, stdin []byte) (*salve.ExecResult, error) {
	const op = "containerd.Runtime.Exec"
	ctx = namespaces.WithNamespace(ctx, r.namespace)
	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		return nil, wrap(err, op, fmt.Sprintf("failed to load container %s", id))
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return nil, wrap(err, op, "container has no running task")
	}
	spec, err := container.Spec(ctx)
	if err != nil {
		return nil, wrap(err, op, "failed to read container spec")
	}

	pspec := *spec.Process
	pspec.Args = cmd
	pspec.Terminal = false

	var stdout, stderr bytes.Buffer
	execID := "exec-" + uuid.New().String()[:8]
	proc, err := task.Exec(ctx, execID, &pspec,
		cio.NewCreator(cio.WithStreams(bytes.NewReader(stdin), &stdout, &stderr)))
	if err != nil {
		return nil, wrap(err, op, "failed to create exec process")
	}
	defer func() {
		// deletion on a detached context so a cancelled exec still
		// reaps its process.
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if _, err := proc.Delete(dctx); err != nil {
			zlog.Debug(dctx).Err(err).Str("exec", execID).Msg("exec delete failed")
		}
	}()

	statusC, err := proc.Wait(ctx)
	if err != nil {
		return nil, wrap(err, op, "failed to wait on exec process")
	}
	start := time.Now()
	if err := proc.Start(ctx); err != nil {
		return nil, wrap(err, op, "failed to start exec process")
	}

	select {
	case status := <-statusC:
		code, _, err := status.Result()
		if err != nil {
			return nil, wrap(err, op, "exec process lost")
		}
		return &salve.ExecResult{
			ExitCode: int(code),
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			Duration: time.Since(start),
		}, nil
	case <-ctx.Done():
		if err := proc.Kill(context.WithoutCancel(ctx), syscall.SIGKILL); err != nil {
			zlog.Warn(ctx).Err(err).Str("exec", execID).Msg("kill after cancellation failed")
		}
		return nil, wrap(ctx.Err(), op, "exec cancelled")
	}
}

// WriteFile streams data into the container through a shell redirect and
// applies mode.
func (r *Runtime) WriteFile(ctx context.Context, id, path string, data []byte, mode uint32) error {
	script := fmt.Sprintf("cat > %s && chmod %s %s", path, strconv.FormatUint(uint64(mode), 8), path)
	res, err := r.Exec(ctx, id, []string{"sh", "-c", script}, data)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return &salve.Error{
			Kind:    salve.ErrRuntime,
			Op:      "containerd.Runtime.WriteFile",
			Message: fmt.Sprintf("write %s exited %d: %s", path, res.ExitCode, res.Stderr),
		}
	}
	return nil
}

// Logs returns the init task's combined output so far.
func (r *Runtime) Logs(ctx context.Context, id string) (string, error) {
	r.mu.Lock()
	sink, ok := r.logs[id]
	r.mu.Unlock()
	if !ok {
		return "", &salve.Error{
			Kind:    salve.ErrNotFound,
			Op:      "containerd.Runtime.Logs",
			Message: fmt.Sprintf("no log sink for container %s", id),
		}
	}
	return sink.String(), nil
}

// Stop terminates the init task: SIGTERM, then SIGKILL after timeout.
func (r *Runtime) Stop(ctx context.Context, id string, timeout time.Duration) error {
	const op = "containerd.Runtime.Stop"
	ctx = namespaces.WithNamespace(ctx, r.namespace)
	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		return wrap(err, op, fmt.Sprintf("failed to load container %s", id))
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		// no task, nothing to stop.
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return wrap(err, op, "failed to signal task")
	}
	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return wrap(err, op, "failed to wait on task")
	}
	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return wrap(err, op, "failed to force kill task")
		}
	}
	if _, err := task.Delete(ctx); err != nil {
		return wrap(err, op, "failed to delete task")
	}
	return nil
}

// Remove deletes the container with its snapshot and drops its log sink.
func (r *Runtime) Remove(ctx context.Context, id string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)
	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		// already gone.
		return nil
	}
	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return wrap(err, "containerd.Runtime.Remove", fmt.Sprintf("failed to delete container %s", id))
	}
	r.mu.Lock()
	delete(r.logs, id)
	r.mu.Unlock()
	return nil
}

// withResources sets CPU and memory limits on the OCI spec. Zero values
// leave the corresponding limit unset.
func withResources(cpu float64, memory int64) oci.SpecOpts {
	return func(_ context.Context, _ oci.Client, _ *containers.Container, s *oci.Spec) error {
		if s.Linux == nil {
			s.Linux = &specs.Linux{}
		}
		if s.Linux.Resources == nil {
			s.Linux.Resources = &specs.LinuxResources{}
		}
		if cpu > 0 {
			quota := int64(cpu * cpuPeriod)
			period := uint64(cpuPeriod)
			s.Linux.Resources.CPU = &specs.LinuxCPU{
				Quota:  &quota,
				Period: &period,
			}
		}
		if memory > 0 {
			m := memory
			s.Linux.Resources.Memory = &specs.LinuxMemory{Limit: &m}
		}
		return nil
	}
}

func wrap(err error, op, msg string) error {
	return &salve.Error{
		Inner:   err,
		Kind:    salve.ErrRuntime,
		Op:      op,
		Message: msg,
	}
}

// logSink is a bounded, concurrency-safe buffer for init output.
type logSink struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

// logSinkMax caps retained init output.
const logSinkMax = 1 << 20

func newLogSink() *logSink { return &logSink{} }

func (l *logSink) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.buf.Len()+len(p) > logSinkMax {
		keep := logSinkMax - len(p)
		if keep < 0 {
			keep = 0
			p = p[len(p)-logSinkMax:]
		}
		b := l.buf.Bytes()
		if keep < len(b) {
			var nb bytes.Buffer
			nb.Write(b[len(b)-keep:])
			l.buf = nb
		}
	}
	l.buf.Write(p)
	return len(p), nil
}

func (l *logSink) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.String()
}
