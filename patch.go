package salve

import (
	"bytes"
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PatchStrategy selects the remediation approach a patch script takes.
type PatchStrategy uint

//go:generate go tool stringer -type=PatchStrategy -linecomment

const (
	strategyInvalid PatchStrategy = iota // invalid

	// StrategyPackageUpdate upgrades the affected package to a fixed version.
	StrategyPackageUpdate // package_update
	// StrategyConfigChange mitigates by changing service configuration.
	StrategyConfigChange // config_change
	// StrategyWorkaround applies a temporary mitigation when no fix exists.
	StrategyWorkaround // workaround
)

func (s PatchStrategy) MarshalText() (text []byte, err error) {
	return []byte(s.String()), nil
}

func (s *PatchStrategy) UnmarshalText(text []byte) error {
	i := bytes.Index([]byte(_PatchStrategy_name), text)
	if i == -1 {
		return fmt.Errorf("unknown patch strategy %q", string(text))
	}
	idx := uint8(i)
	for n, off := range _PatchStrategy_index {
		if idx == off {
			*s = PatchStrategy(n)
			return nil
		}
	}
	panic("unreachable")
}

func (s PatchStrategy) Value() (driver.Value, error) {
	return s.String(), nil
}

func (s *PatchStrategy) Scan(i interface{}) error {
	switch v := i.(type) {
	case []byte:
		return s.UnmarshalText(v)
	case string:
		return s.UnmarshalText([]byte(v))
	case int64:
		if v >= int64(len(_PatchStrategy_index)-1) {
			return fmt.Errorf("unable to scan PatchStrategy from enum %d", v)
		}
		*s = PatchStrategy(v)
	default:
		return fmt.Errorf("unable to scan PatchStrategy from type %T", i)
	}
	return nil
}

// PatchRequest identifies a finding and a target platform for patch
// generation.
type PatchRequest struct {
	// the finding to remediate.
	Finding *EnrichedFinding `json:"finding"`
	// target OS family, e.g. "ubuntu".
	OSFamily string `json:"os_family"`
	// target OS version, e.g. "22.04".
	OSVersion string `json:"os_version"`
	// target package manager, e.g. "apt".
	PackageManager string `json:"package_manager"`
	// remediation strategy. when left zero the orchestrator infers one from
	// the finding's version information.
	Strategy PatchStrategy `json:"strategy,omitempty"`
}

// PatchStatus is the lifecycle state of a PatchArtifact.
type PatchStatus uint

//go:generate go tool stringer -type=PatchStatus -linecomment

const (
	patchStatusInvalid PatchStatus = iota // invalid

	PatchGenerated        // generated
	PatchValidated        // validated
	PatchValidationFailed // validation_failed
	PatchTestPending      // test_pending
	PatchTestPassed       // test_passed
	PatchTestFailed       // test_failed
	PatchApproved         // approved
	PatchRejected         // rejected
)

func (s PatchStatus) MarshalText() (text []byte, err error) {
	return []byte(s.String()), nil
}

func (s *PatchStatus) UnmarshalText(text []byte) error {
	i := bytes.Index([]byte(_PatchStatus_name), text)
	if i == -1 {
		return fmt.Errorf("unknown patch status %q", string(text))
	}
	idx := uint8(i)
	for n, off := range _PatchStatus_index {
		if idx == off {
			*s = PatchStatus(n)
			return nil
		}
	}
	panic("unreachable")
}

func (s PatchStatus) Value() (driver.Value, error) {
	return s.String(), nil
}

func (s *PatchStatus) Scan(i interface{}) error {
	switch v := i.(type) {
	case []byte:
		return s.UnmarshalText(v)
	case string:
		return s.UnmarshalText([]byte(v))
	case int64:
		if v >= int64(len(_PatchStatus_index)-1) {
			return fmt.Errorf("unable to scan PatchStatus from enum %d", v)
		}
		*s = PatchStatus(v)
	default:
		return fmt.Errorf("unable to scan PatchStatus from type %T", i)
	}
	return nil
}

// PatchArtifact is a generated remediation script together with everything
// needed to audit and test it.
//
// The orchestrator exclusively owns an artifact until its final status is
// set; afterwards it is immutable except through [PatchArtifact.SetStatus].
type PatchArtifact struct {
	// artifact identifier, assigned at generation.
	ID uuid.UUID `json:"id"`
	// dedup key of the source finding.
	FindingID string `json:"finding_id"`
	// CVE of the source finding, when present.
	CVE string `json:"cve,omitempty"`
	// strategy the script implements.
	Strategy PatchStrategy `json:"strategy"`
	// the patch script body, executable shell.
	Script string `json:"script"`
	// rollback script body; empty when rollback generation failed or was
	// skipped.
	RollbackScript string `json:"rollback_script,omitempty"`
	// LLM model identifier that produced the script.
	Model string `json:"model"`
	// the full prompt sent, kept for audit.
	Prompt string `json:"prompt"`
	// the raw LLM response before extraction.
	RawResponse string `json:"raw_response"`
	// confidence in [0,1]. see the orchestrator for the weighting.
	Confidence float64 `json:"confidence"`
	// static validation results.
	Validation *ValidationReport `json:"validation,omitempty"`
	// lifecycle status.
	Status PatchStatus `json:"status"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SetStatus transitions the artifact, enforcing the test_passed gate:
// PatchTestPassed requires confidence ≥ 0.6, a syntactically valid script,
// and no forbidden-command matches.
func (p *PatchArtifact) SetStatus(s PatchStatus) error {
	if s == PatchTestPassed {
		switch {
		case p.Confidence < 0.6:
			return fmt.Errorf("cannot mark %v %v: confidence %.2f below 0.6", p.ID, s, p.Confidence)
		case p.Validation == nil || !p.Validation.SyntaxValid:
			return fmt.Errorf("cannot mark %v %v: script not syntactically valid", p.ID, s)
		case len(p.Validation.Forbidden) != 0:
			return fmt.Errorf("cannot mark %v %v: forbidden commands present", p.ID, s)
		}
	}
	p.Status = s
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// ValidationIssue is one problem discovered during static validation.
type ValidationIssue struct {
	// issue severity on the shared scale. Info is unused here.
	Severity Severity `json:"severity"`
	// what was found.
	Description string `json:"description"`
	// 1-based line number, 0 when the issue is not line-scoped.
	Line int `json:"line,omitempty"`
}

// ValidationReport is the immutable result of static patch validation.
type ValidationReport struct {
	// whether the shell accepted the script in no-execute mode.
	SyntaxValid bool `json:"syntax_valid"`
	// everything found, most severe first.
	Issues []ValidationIssue `json:"issues,omitempty"`
	// sources of matched forbidden-command patterns. any entry forces
	// SafetyScore to 0.
	Forbidden []string `json:"forbidden_commands,omitempty"`
	// sources of matched suspicious patterns.
	Suspicious []string `json:"suspicious_patterns,omitempty"`
	// missing safety features: "shebang", "error-exit", "logging",
	// "conditional".
	MissingFeatures []string `json:"missing_features,omitempty"`
	// safety score in [0,1].
	SafetyScore float64 `json:"safety_score"`
	// overall verdict: syntax valid, no forbidden matches, safety ≥ 0.6.
	Valid bool `json:"is_valid"`

	CheckedAt time.Time `json:"checked_at"`
}
