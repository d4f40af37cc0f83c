package libpatch

import (
	"strings"

	"github.com/Masterminds/semver"

	"github.com/salvus/salve"
	"github.com/salvus/salve/internal/pkgver"
)

// Confidence weights. Safety dominates; the rest reward structural signals.
// These are distinct from the validator's safety penalties: safety measures
// what the script could do, confidence measures how much to trust it.
const (
	wSafety    = 0.40
	wSyntax    = 0.20
	wSeverity  = 0.15
	wLength    = 0.15
	wForbidden = 0.10
)

// Confidence combines the validation report with structural features of
// the script into a score in [0,1].
func Confidence(sev salve.Severity, rep *salve.ValidationReport, script string) float64 {
	c := rep.SafetyScore * wSafety
	if rep.SyntaxValid {
		c += wSyntax
	}
	c += severityWeight(sev) * wSeverity
	c += lengthWeight(script) * wLength
	if len(rep.Forbidden) == 0 {
		c += wForbidden
	}
	if c > 1 {
		c = 1
	}
	return c
}

// severityWeight discounts confidence on high-severity findings: the worse
// the vulnerability, the more conservative the automation should be about
// an unreviewed script.
func severityWeight(s salve.Severity) float64 {
	switch s {
	case salve.Critical:
		return 0.6
	case salve.High:
		return 0.7
	case salve.Medium:
		return 0.85
	case salve.Low:
		return 0.95
	}
	return 1.0
}

// lengthWeight scores the script's line count. 50–500 lines is the sweet
// spot; very short scripts are probably incomplete, very long ones
// unreviewable.
func lengthWeight(script string) float64 {
	if script == "" {
		return 0
	}
	lines := strings.Count(script, "\n") + 1
	switch {
	case lines < 50:
		return float64(lines) / 50
	case lines <= 500:
		return 1.0
	case lines <= 1000:
		return 0.7
	}
	return 0.2
}

// InferStrategy picks a remediation strategy for requests that leave it
// unset: a package update when a fixed version exists and sorts after the
// vulnerable one, a workaround otherwise.
func InferStrategy(req *salve.PatchRequest) salve.PatchStrategy {
	f := req.Finding
	if f.FixedVersion == "" {
		return salve.StrategyWorkaround
	}
	if f.VulnerableVersion == "" {
		return salve.StrategyPackageUpdate
	}
	if k, ok := pkgver.KindForManager(req.PackageManager); ok {
		if c, err := pkgver.Compare(k, f.FixedVersion, f.VulnerableVersion); err == nil {
			if c > 0 {
				return salve.StrategyPackageUpdate
			}
			return salve.StrategyWorkaround
		}
	}
	// no recognized manager scheme; fall back to a loose semver read.
	fixed, ferr := semver.NewVersion(strings.TrimPrefix(f.FixedVersion, "v"))
	vuln, verr := semver.NewVersion(strings.TrimPrefix(f.VulnerableVersion, "v"))
	if ferr == nil && verr == nil {
		if fixed.GreaterThan(vuln) {
			return salve.StrategyPackageUpdate
		}
		return salve.StrategyWorkaround
	}
	// unparseable versions: a fix exists, so attempt the update.
	return salve.StrategyPackageUpdate
}
