package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quay/zlog"

	"github.com/salvus/salve"
)

// Default wall-clock budgets and resource limits. All overridable through
// Options.
const (
	DefaultProvisionTimeout = 60 * time.Second
	DefaultExecTimeout      = 10 * time.Minute
	DefaultExecSoftBudget   = 8 * time.Minute
	DefaultTestTimeout      = 30 * time.Minute

	DefaultCPULimit    = 2.0
	DefaultMemoryBytes = 4 << 30
)

// Paths the patch and rollback scripts occupy inside the container.
const (
	patchPath    = "/tmp/salve-patch.sh"
	rollbackPath = "/tmp/salve-rollback.sh"
)

// Options configures a Harness.
type Options struct {
	// the container runtime to provision through. Required.
	Runtime Runtime
	// per-container resource limits. Zero values take the defaults.
	CPULimit    float64
	MemoryBytes int64
	// rerun the patch and require a clean second run.
	Idempotency bool
	// run the rollback script and require the targeted package back at its
	// pre-patch version.
	Rollback bool
	// stage budgets. Zero values take the defaults.
	ProvisionTimeout time.Duration
	ExecTimeout      time.Duration
	ExecSoftBudget   time.Duration
	TestTimeout      time.Duration
}

// Harness provisions a digital-twin container for an asset, runs a patch in
// it, and reports the observed effects as a SandboxTest.
//
// A Harness is safe for concurrent use; operations against the same
// container are serialized internally.
type Harness struct {
	rt   Runtime
	opts Options

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewHarness returns a Harness using the runtime in opts.
func NewHarness(opts *Options) (*Harness, error) {
	if opts == nil || opts.Runtime == nil {
		return nil, &salve.Error{
			Kind:    salve.ErrConfig,
			Op:      "sandbox.NewHarness",
			Message: "a container runtime is required",
		}
	}
	o := *opts
	if o.CPULimit == 0 {
		o.CPULimit = DefaultCPULimit
	}
	if o.MemoryBytes == 0 {
		o.MemoryBytes = DefaultMemoryBytes
	}
	if o.ProvisionTimeout == 0 {
		o.ProvisionTimeout = DefaultProvisionTimeout
	}
	if o.ExecTimeout == 0 {
		o.ExecTimeout = DefaultExecTimeout
	}
	if o.ExecSoftBudget == 0 {
		o.ExecSoftBudget = DefaultExecSoftBudget
	}
	if o.TestTimeout == 0 {
		o.TestTimeout = DefaultTestTimeout
	}
	return &Harness{
		rt:    o.Runtime,
		opts:  o,
		locks: make(map[string]*sync.Mutex),
	}, nil
}

// lock returns the mutex serializing operations against one container.
func (h *Harness) lock(id string) *sync.Mutex {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.locks[id]
	if !ok {
		l = new(sync.Mutex)
		h.locks[id] = l
	}
	return l
}

func (h *Harness) forget(id string) {
	h.mu.Lock()
	delete(h.locks, id)
	h.mu.Unlock()
}

// Run executes patch inside a fresh sandbox imitating asset and returns
// the analyzed SandboxTest. The returned test is non-nil even on error so
// partial observations can be persisted; on error its status is
// TestErrored.
//
// Cleanup runs on every exit path, including cancellation and panics, on a
// context detached from the caller's.
func (h *Harness) Run(ctx context.Context, req *salve.PatchRequest, patch *salve.PatchArtifact, asset *salve.Asset) (*salve.SandboxTest, error) {
	t := &salve.SandboxTest{
		ID:        uuid.New(),
		PatchID:   patch.ID,
		AssetID:   asset.ID,
		Image:     SelectImage(asset.OSFamily, asset.OSVersion),
		StartedAt: time.Now().UTC(),
	}
	ctx = zlog.ContextWithValues(ctx,
		"component", "sandbox/Harness.Run",
		"test_id", t.ID.String(),
		"patch_id", patch.ID.String(),
		"image", t.Image)
	ctx, cancel := context.WithTimeout(ctx, h.opts.TestTimeout)
	defer cancel()

	defer func() { t.FinishedAt = time.Now().UTC() }()

	id, err := h.provision(ctx, t, patch)
	if err != nil {
		t.Status = salve.TestErrored
		t.Issues = append(t.Issues, "provisioning failed: "+err.Error())
		return t, err
	}
	defer h.cleanup(ctx, id)
	mu := h.lock(id)

	err = func() error {
		mu.Lock()
		defer mu.Unlock()

		t.Before, err = CaptureState(ctx, h.rt, id)
		if err != nil {
			return fmt.Errorf("state capture: %w", err)
		}

		t.Result, err = h.execScript(ctx, id, patchPath, patch.Script)
		if err != nil {
			return fmt.Errorf("patch execution: %w", err)
		}
		if t.Result.Duration > h.opts.ExecSoftBudget {
			w := fmt.Sprintf("patch ran %v, over the %v soft budget", t.Result.Duration.Round(time.Second), h.opts.ExecSoftBudget)
			t.Warnings = append(t.Warnings, w)
			zlog.Warn(ctx).Dur("duration", t.Result.Duration).Msg("patch exceeded soft budget")
		}

		t.After, err = CaptureState(ctx, h.rt, id)
		if err != nil {
			return fmt.Errorf("state recapture: %w", err)
		}
		t.Diff = Diff(t.Before, t.After)

		t.Health, t.HealthRate, err = RunHealthChecks(ctx, h.rt, id, asset.Role)
		if err != nil {
			return fmt.Errorf("health checks: %w", err)
		}
		return nil
	}()
	if err != nil {
		t.Status = salve.TestErrored
		t.Issues = append(t.Issues, err.Error())
		return t, &salve.Error{
			Inner:   err,
			Kind:    salve.ErrSandbox,
			Op:      "sandbox.Harness.Run",
			Message: "sandbox test errored",
		}
	}

	Analyze(t, req)

	if h.opts.Idempotency && t.Status == salve.TestPassed {
		h.idempotencyProbe(ctx, t, id, mu)
	}
	if h.opts.Rollback && t.Status == salve.TestPassed && patch.RollbackScript != "" {
		h.rollbackProbe(ctx, t, req, patch, id, mu)
	}

	if logs, lerr := h.rt.Logs(ctx, id); lerr == nil {
		t.Logs = logs
	} else {
		zlog.Debug(ctx).Err(lerr).Msg("log read failed")
	}

	zlog.Info(ctx).
		Stringer("status", t.Status).
		Float64("confidence", t.Confidence).
		Float64("health_rate", t.HealthRate).
		Msg("sandbox test done")
	return t, nil
}

// provision pulls the image and starts a labeled container within the
// provisioning budget. A partially created container is removed on failure.
func (h *Harness) provision(ctx context.Context, t *salve.SandboxTest, patch *salve.PatchArtifact) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, h.opts.ProvisionTimeout)
	defer cancel()

	if err := h.rt.Pull(ctx, t.Image); err != nil {
		return "", fmt.Errorf("pull %s: %w", t.Image, err)
	}
	spec := &ContainerSpec{
		Name:  "salve-" + t.ID.String(),
		Image: t.Image,
		Labels: map[string]string{
			"platform": "digital-twin",
			"created":  t.StartedAt.Format(time.RFC3339),
			"patch_id": patch.ID.String(),
			"test_id":  t.ID.String(),
		},
		CPULimit:    h.opts.CPULimit,
		MemoryBytes: h.opts.MemoryBytes,
	}
	id, err := h.rt.Create(ctx, spec)
	if err != nil {
		return "", fmt.Errorf("create: %w", err)
	}
	if err := h.rt.Start(ctx, id); err != nil {
		h.cleanup(ctx, id)
		return "", fmt.Errorf("start: %w", err)
	}
	return id, nil
}

// execScript writes a script into the container and runs it through the
// shell under the exec budget.
func (h *Harness) execScript(ctx context.Context, id, path, script string) (*salve.ExecResult, error) {
	ctx, cancel := context.WithTimeout(ctx, h.opts.ExecTimeout)
	defer cancel()

	if err := h.rt.WriteFile(ctx, id, path, []byte(script), 0o755); err != nil {
		return nil, fmt.Errorf("write %s: %w", path, err)
	}
	return h.rt.Exec(ctx, id, []string{"sh", "-c", path}, nil)
}

// idempotencyProbe reruns the patch; a clean second run exits 0 and leaves
// the system unchanged. Violations demote the test to failed.
func (h *Harness) idempotencyProbe(ctx context.Context, t *salve.SandboxTest, id string, mu *sync.Mutex) {
	mu.Lock()
	defer mu.Unlock()
	ctx = zlog.ContextWithValues(ctx, "probe", "idempotency")

	res, err := func() (*salve.ExecResult, error) {
		ctx, cancel := context.WithTimeout(ctx, h.opts.ExecTimeout)
		defer cancel()
		return h.rt.Exec(ctx, id, []string{"sh", "-c", patchPath}, nil)
	}()
	if err != nil {
		t.Status = salve.TestErrored
		t.Issues = append(t.Issues, "idempotency probe errored: "+err.Error())
		return
	}
	after2, err := CaptureState(ctx, h.rt, id)
	if err != nil {
		t.Status = salve.TestErrored
		t.Issues = append(t.Issues, "idempotency probe errored: "+err.Error())
		return
	}
	rediff := Diff(t.After, after2)
	switch {
	case res.ExitCode != 0:
		t.Status = salve.TestFailed
		t.Issues = append(t.Issues, fmt.Sprintf("not idempotent: second run exited %d", res.ExitCode))
	case rediff.HasChanges:
		t.Status = salve.TestFailed
		t.Issues = append(t.Issues, "not idempotent: second run changed system state")
	default:
		zlog.Debug(ctx).Msg("idempotency probe passed")
	}
}

// rollbackProbe runs the rollback script and checks that the targeted
// package is back at its pre-patch version. Violations are warnings: the
// patch itself worked, its undo did not.
func (h *Harness) rollbackProbe(ctx context.Context, t *salve.SandboxTest, req *salve.PatchRequest, patch *salve.PatchArtifact, id string, mu *sync.Mutex) {
	mu.Lock()
	defer mu.Unlock()
	ctx = zlog.ContextWithValues(ctx, "probe", "rollback")

	res, err := h.execScript(ctx, id, rollbackPath, patch.RollbackScript)
	if err != nil {
		t.Warnings = append(t.Warnings, "rollback probe errored: "+err.Error())
		return
	}
	if res.ExitCode != 0 {
		t.Warnings = append(t.Warnings, fmt.Sprintf("rollback exited %d", res.ExitCode))
		return
	}
	restored, err := CaptureState(ctx, h.rt, id)
	if err != nil {
		t.Warnings = append(t.Warnings, "rollback probe errored: "+err.Error())
		return
	}
	pkg := ""
	if req != nil && req.Finding != nil {
		pkg = req.Finding.Package
	}
	if pkg == "" || t.Before == nil {
		return
	}
	want, had := t.Before.Packages[pkg]
	have, has := restored.Packages[pkg]
	if had != has || want != have {
		t.Warnings = append(t.Warnings, fmt.Sprintf("rollback left %s at %q, pre-patch was %q", pkg, have, want))
		return
	}
	zlog.Debug(ctx).Str("package", pkg).Msg("rollback probe passed")
}

// cleanup tears the container down on a context detached from the test's,
// so it still runs after cancellation or timeout.
func (h *Harness) cleanup(ctx context.Context, id string) {
	ctx = zlog.ContextWithValues(context.WithoutCancel(ctx), "component", "sandbox/Harness.cleanup")
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := h.rt.Stop(ctx, id, 10*time.Second); err != nil {
		zlog.Warn(ctx).Err(err).Str("container", id).Msg("stop failed")
	}
	if err := h.rt.Remove(ctx, id); err != nil {
		zlog.Warn(ctx).Err(err).Str("container", id).Msg("remove failed")
		return
	}
	h.forget(id)
	zlog.Debug(ctx).Str("container", id).Msg("sandbox removed")
}
