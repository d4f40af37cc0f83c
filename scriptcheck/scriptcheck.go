// Package scriptcheck statically validates candidate remediation scripts:
// a shell no-execute syntax pass, pattern tables for destructive and
// suspicious commands, a required-feature scan, and an optional external
// linter.
package scriptcheck

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/quay/zlog"

	"github.com/salvus/salve"
)

// syntaxTimeout bounds the shell's no-execute pass. A hang is treated as a
// syntax failure, not a harness error.
const syntaxTimeout = 5 * time.Second

// safetyFloor is the minimum safety score for a script to be valid.
const safetyFloor = 0.6

// Per-severity safety penalties. A forbidden match zeroes the score before
// these apply.
const (
	penaltyCritical = 0.5
	penaltyHigh     = 0.2
	penaltyMedium   = 0.1
	penaltyLow      = 0.05
)

type rule struct {
	re   *regexp.Regexp
	desc string
}

// forbidden commands destroy data or hand out root. Any match is critical
// and forces the safety score to zero.
var forbidden = []rule{
	{regexp.MustCompile(`(?i)rm\s+-[a-z]*r[a-z]*f[a-z]*\s+/[^/\s]`), "recursive force-remove of a first-level system path"},
	{regexp.MustCompile(`(?im)rm\s+-[a-z]*r[a-z]*f[a-z]*\s+/\s*$`), "recursive force-remove of the filesystem root"},
	{regexp.MustCompile(`(?i)\bdd\s+if=`), "raw dd copy"},
	{regexp.MustCompile(`(?i)\bmkfs(\.[a-z0-9]+)?\b`), "filesystem creation"},
	{regexp.MustCompile(`(?i)\bfdisk\b`), "partition table manipulation"},
	{regexp.MustCompile(`>\s*/dev/(sd[a-z]|nvme\d+n\d+|vd[a-z]|xvd[a-z])`), "redirection onto a raw block device"},
	{regexp.MustCompile(`(?i)chmod\s+(-[a-z]+\s+)*777\b`), "world-writable permission grant"},
	{regexp.MustCompile(`(?i)chown\s+[^\n]*\broot\b`), "ownership transfer to root"},
	{regexp.MustCompile(`:\(\)\s*\{\s*:\|:&\s*\}\s*;?\s*:`), "fork bomb"},
	{regexp.MustCompile(`(?i)\b(curl|wget)\b[^\n|;]*\|\s*(sudo\s+)?(ba)?sh\b`), "pipe of remote content into a shell"},
}

// suspicious commands are legitimate in some patches but warrant review.
var suspicious = []rule{
	{regexp.MustCompile(`(?i)rm\s+-[a-z]*r[a-z]*f`), "recursive force-remove"},
	{regexp.MustCompile(`(?i)chmod\s+[0-7]{3,4}\b`), "octal permission change"},
	{regexp.MustCompile(`(?i)>>?\s*/etc/`), "write under /etc"},
	{regexp.MustCompile(`(?i)systemctl\s+disable\b`), "service disablement"},
	{regexp.MustCompile(`(?i)\bsed\s+-i\b`), "in-place file edit"},
	{regexp.MustCompile(`(?i)iptables\s+(-F|--flush)`), "firewall flush"},
	{regexp.MustCompile(`(?i)\bsetenforce\s+0\b`), "SELinux enforcement disable"},
}

// feature scans; absence of each is an issue of the tabled severity.
var features = []struct {
	re   *regexp.Regexp
	name string
	sev  salve.Severity
}{
	{regexp.MustCompile(`\A#!\s*/`), "shebang", salve.Medium},
	{regexp.MustCompile(`set\s+-[a-z]*e|trap\s+.+\s+ERR`), "error-exit", salve.Medium},
	{regexp.MustCompile(`(?i)\becho\b|\blogger\b|\bprintf\b`), "logging", salve.Low},
	{regexp.MustCompile(`(?m)^\s*if\b|&&|\|\||\bcase\b`), "conditional", salve.Low},
}

// Validator runs the static validation pipeline.
type Validator struct {
	// shell used for the no-execute pass. Empty means "bash".
	Shell string
	// skip the external linter even when installed.
	DisableLinter bool

	// swappable for tests.
	lookPath func(string) (string, error)
}

func (v *Validator) shell() string {
	if v.Shell != "" {
		return v.Shell
	}
	return "bash"
}

func (v *Validator) look(file string) (string, error) {
	if v.lookPath != nil {
		return v.lookPath(file)
	}
	return exec.LookPath(file)
}

// Validate runs every check against the script and reports the combined
// verdict. The pipeline is deterministic for a fixed script and platform.
func (v *Validator) Validate(ctx context.Context, script string) (*salve.ValidationReport, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "scriptcheck/Validator.Validate")
	rep := salve.ValidationReport{CheckedAt: time.Now().UTC()}

	ok, syntaxIssue, err := v.syntax(ctx, script)
	if err != nil {
		return nil, err
	}
	rep.SyntaxValid = ok
	if syntaxIssue != nil {
		rep.Issues = append(rep.Issues, *syntaxIssue)
	}

	for _, r := range forbidden {
		if r.re.MatchString(script) {
			rep.Forbidden = append(rep.Forbidden, r.re.String())
			rep.Issues = append(rep.Issues, salve.ValidationIssue{Severity: salve.Critical, Description: r.desc})
		}
	}
	for _, r := range suspicious {
		if r.re.MatchString(script) {
			rep.Suspicious = append(rep.Suspicious, r.re.String())
			rep.Issues = append(rep.Issues, salve.ValidationIssue{Severity: salve.High, Description: r.desc})
		}
	}
	for _, f := range features {
		if !f.re.MatchString(script) {
			rep.MissingFeatures = append(rep.MissingFeatures, f.name)
			rep.Issues = append(rep.Issues, salve.ValidationIssue{Severity: f.sev, Description: "missing safety feature: " + f.name})
		}
	}
	if !v.DisableLinter {
		rep.Issues = append(rep.Issues, v.lint(ctx, script)...)
	}

	sort.SliceStable(rep.Issues, func(i, j int) bool {
		return rep.Issues[i].Severity > rep.Issues[j].Severity
	})
	rep.SafetyScore = score(&rep)
	rep.Valid = rep.SyntaxValid && len(rep.Forbidden) == 0 && rep.SafetyScore >= safetyFloor
	zlog.Debug(ctx).
		Bool("syntax_valid", rep.SyntaxValid).
		Float64("safety", rep.SafetyScore).
		Bool("valid", rep.Valid).
		Msg("validation complete")
	return &rep, nil
}

// syntax runs the shell in no-execute mode with the script on stdin.
func (v *Validator) syntax(ctx context.Context, script string) (bool, *salve.ValidationIssue, error) {
	ctx, cancel := context.WithTimeout(ctx, syntaxTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, v.shell(), "-n")
	cmd.Stdin = strings.NewReader(script)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	err := cmd.Run()
	switch {
	case err == nil:
		return true, nil, nil
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return false, &salve.ValidationIssue{Severity: salve.Critical, Description: "syntax check timed out"}, nil
	default:
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				msg = "shell rejected the script"
			}
			return false, &salve.ValidationIssue{Severity: salve.Critical, Description: msg}, nil
		}
		return false, nil, &salve.Error{Op: "scriptcheck/Validator.Validate", Kind: salve.ErrInternal, Message: "running shell", Inner: err}
	}
}

// lint runs shellcheck when installed; its findings enter as low-severity
// issues and its absence is not an error.
func (v *Validator) lint(ctx context.Context, script string) []salve.ValidationIssue {
	path, err := v.look("shellcheck")
	if err != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, syntaxTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, path, "--format=json", "--shell=bash", "-")
	cmd.Stdin = strings.NewReader(script)
	out, _ := cmd.Output() // non-zero exit just means findings exist
	var findings []struct {
		Line    int    `json:"line"`
		Level   string `json:"level"`
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(out, &findings); err != nil {
		zlog.Debug(ctx).Err(err).Msg("unparsable shellcheck output, skipping")
		return nil
	}
	issues := make([]salve.ValidationIssue, 0, len(findings))
	for _, f := range findings {
		issues = append(issues, salve.ValidationIssue{
			Severity:    salve.Low,
			Description: "shellcheck: " + f.Message,
			Line:        f.Line,
		})
	}
	return issues
}

// score computes the safety score from the issue list.
func score(rep *salve.ValidationReport) float64 {
	if len(rep.Forbidden) != 0 {
		return 0
	}
	s := 1.0
	for _, is := range rep.Issues {
		switch is.Severity {
		case salve.Critical:
			s -= penaltyCritical
		case salve.High:
			s -= penaltyHigh
		case salve.Medium:
			s -= penaltyMedium
		case salve.Low:
			s -= penaltyLow
		}
	}
	if s < 0 {
		return 0
	}
	return s
}
