package sandbox

import (
	"fmt"
	"strings"

	"github.com/salvus/salve"
	"github.com/salvus/salve/internal/pkgver"
)

// Analyze converts the raw observations on t into a verdict: status,
// confidence, issues, and warnings. The harness records errored tests
// itself; Analyze only sees tests whose patch actually ran.
//
// Confidence scoring: +50 for a pass, +20 for a zero exit, +10 for empty
// stderr, and up to +20 proportional to the health success rate.
func Analyze(t *salve.SandboxTest, req *salve.PatchRequest) {
	exitZero := t.Result != nil && t.Result.ExitCode == 0
	stderr := ""
	if t.Result != nil {
		stderr = strings.TrimSpace(t.Result.Stderr)
	}

	if exitZero && HealthPassed(t.HealthRate) {
		t.Status = salve.TestPassed
	} else {
		t.Status = salve.TestFailed
	}

	conf := 0.0
	if t.Status == salve.TestPassed {
		conf += 50
	}
	if exitZero {
		conf += 20
	}
	if stderr == "" {
		conf += 10
	}
	conf += 20 * t.HealthRate / 100
	if conf > 100 {
		conf = 100
	}
	t.Confidence = conf

	if !exitZero {
		code := -1
		if t.Result != nil {
			code = t.Result.ExitCode
		}
		t.Issues = append(t.Issues, fmt.Sprintf("patch exited %d", code))
		if stderr != "" {
			t.Issues = append(t.Issues, "stderr: "+firstLine(stderr))
		}
	}
	for _, h := range t.Health {
		if !h.Passed {
			t.Issues = append(t.Issues, "critical: health check failed: "+h.Name)
		}
	}

	if exitZero && stderr != "" {
		t.Warnings = append(t.Warnings, "patch succeeded with stderr output: "+firstLine(stderr))
	}
	if t.HealthRate >= 50 && t.HealthRate < healthPassBar {
		t.Warnings = append(t.Warnings, fmt.Sprintf("health rate %.0f%% below the %.0f%% bar", t.HealthRate, healthPassBar))
	}

	if w := remediationWarning(t, req); w != "" {
		t.Warnings = append(t.Warnings, w)
	}
}

// remediationWarning checks whether the targeted package actually reached
// the fixed version. A shortfall is a warning, not a failure: the script
// may have applied a workaround instead of the version bump.
func remediationWarning(t *salve.SandboxTest, req *salve.PatchRequest) string {
	if req == nil || req.Finding == nil || t.After == nil {
		return ""
	}
	pkg, want := req.Finding.Package, req.Finding.FixedVersion
	if pkg == "" || want == "" {
		return ""
	}
	k, ok := pkgver.KindForManager(t.After.PackageManager)
	if !ok {
		return ""
	}
	have, ok := t.After.Packages[pkg]
	if !ok {
		return fmt.Sprintf("package %s not installed after patch; expected >= %s", pkg, want)
	}
	at, err := pkgver.AtLeast(k, have, want)
	if err != nil || at {
		return ""
	}
	return fmt.Sprintf("package %s at %s after patch; expected >= %s", pkg, have, want)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
