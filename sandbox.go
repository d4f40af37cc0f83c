package salve

import (
	"bytes"
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TestStatus is the terminal state of a sandbox test.
type TestStatus uint

//go:generate go tool stringer -type=TestStatus -linecomment

const (
	testStatusInvalid TestStatus = iota // invalid

	// TestPassed: the patch exited 0 and the health suite met the bar.
	TestPassed // passed
	// TestFailed: the patch ran but exited non-zero or health checks missed
	// the bar.
	TestFailed // failed
	// TestErrored: the harness itself failed; the patch verdict is unknown.
	TestErrored // errored
	// TestSkipped: the test was not run.
	TestSkipped // skipped
)

func (s TestStatus) MarshalText() (text []byte, err error) {
	return []byte(s.String()), nil
}

func (s *TestStatus) UnmarshalText(text []byte) error {
	i := bytes.Index([]byte(_TestStatus_name), text)
	if i == -1 {
		return fmt.Errorf("unknown test status %q", string(text))
	}
	idx := uint8(i)
	for n, off := range _TestStatus_index {
		if idx == off {
			*s = TestStatus(n)
			return nil
		}
	}
	panic("unreachable")
}

func (s TestStatus) Value() (driver.Value, error) {
	return s.String(), nil
}

func (s *TestStatus) Scan(i interface{}) error {
	switch v := i.(type) {
	case []byte:
		return s.UnmarshalText(v)
	case string:
		return s.UnmarshalText([]byte(v))
	case int64:
		if v >= int64(len(_TestStatus_index)-1) {
			return fmt.Errorf("unable to scan TestStatus from enum %d", v)
		}
		*s = TestStatus(v)
	default:
		return fmt.Errorf("unable to scan TestStatus from type %T", i)
	}
	return nil
}

// ExecResult captures one command execution inside a sandbox.
type ExecResult struct {
	// process exit code.
	ExitCode int `json:"exit_code"`
	// demuxed standard output.
	Stdout string `json:"stdout"`
	// demuxed standard error.
	Stderr string `json:"stderr"`
	// wall-clock duration of the execution.
	Duration time.Duration `json:"duration"`
}

// HealthCheckResult is the outcome of one post-patch health check.
type HealthCheckResult struct {
	// check name, e.g. "init-running", "http-endpoint".
	Name string `json:"name"`
	// whether the check passed.
	Passed bool `json:"passed"`
	// human-readable outcome.
	Message string `json:"message,omitempty"`
	// check-specific detail values.
	Details map[string]string `json:"details,omitempty"`
}

// SandboxTest describes a single execution of a patch inside an isolated
// sandbox: the environment, the before/after observations, and the verdict.
type SandboxTest struct {
	// test identifier, assigned at provisioning.
	ID uuid.UUID `json:"id"`
	// the patch under test.
	PatchID uuid.UUID `json:"patch_id"`
	// the asset the sandbox imitates.
	AssetID string `json:"asset_id"`
	// resolved container image reference.
	Image string `json:"image"`
	// system state before patch execution.
	Before *SystemState `json:"state_before,omitempty"`
	// system state after patch execution.
	After *SystemState `json:"state_after,omitempty"`
	// patch process outcome.
	Result *ExecResult `json:"result,omitempty"`
	// structured before/after comparison.
	Diff *StateDiff `json:"diff,omitempty"`
	// per-check health outcomes.
	Health []HealthCheckResult `json:"health,omitempty"`
	// aggregate health success rate in [0,100].
	HealthRate float64 `json:"health_rate"`
	// captured container logs.
	Logs string `json:"logs,omitempty"`
	// terminal status.
	Status TestStatus `json:"status"`
	// analyzer confidence in [0,100].
	Confidence float64 `json:"confidence"`
	// blocking problems found.
	Issues []string `json:"issues,omitempty"`
	// non-blocking observations.
	Warnings []string `json:"warnings,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}
