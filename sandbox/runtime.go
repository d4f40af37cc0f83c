// Package sandbox provisions disposable digital-twin containers, executes
// candidate patches inside them, and reports the observed effects.
package sandbox

import (
	"context"
	"time"

	"github.com/salvus/salve"
)

// Runtime is the container runtime capability the harness needs. The
// shipped implementation lives in the containerd subpackage; tests use an
// in-memory fake.
type Runtime interface {
	// Pull makes the image available locally.
	Pull(ctx context.Context, ref string) error
	// Create builds a stopped container and returns its runtime id.
	Create(ctx context.Context, spec *ContainerSpec) (string, error)
	// Start launches the container's init process.
	Start(ctx context.Context, id string) error
	// Exec runs a command inside the running container, feeding stdin and
	// returning the demuxed result. A non-zero exit is not an error.
	Exec(ctx context.Context, id string, cmd []string, stdin []byte) (*salve.ExecResult, error)
	// WriteFile places data at path inside the container.
	WriteFile(ctx context.Context, id, path string, data []byte, mode uint32) error
	// Logs returns the container's init-process output so far.
	Logs(ctx context.Context, id string) (string, error)
	// Stop terminates the init process, escalating after timeout.
	Stop(ctx context.Context, id string, timeout time.Duration) error
	// Remove deletes the container and its snapshot.
	Remove(ctx context.Context, id string) error
}

// ContainerSpec describes one sandbox container.
type ContainerSpec struct {
	Name        string
	Image       string
	Labels      map[string]string
	CPULimit    float64
	MemoryBytes int64
	// long-running init; empty means an indefinite sleep.
	Command []string
}
