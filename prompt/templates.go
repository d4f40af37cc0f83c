// Package prompt renders patch-generation conversations and screens the
// untrusted text interpolated into them.
package prompt

import (
	"context"
	"fmt"
	"strings"
	"text/template"

	"github.com/quay/zlog"

	"github.com/salvus/salve"
	llmdriver "github.com/salvus/salve/llm/driver"
)

const systemPrompt = `You are a senior Linux systems engineer producing remediation scripts for security findings.
Rules:
- Output exactly one bash script in a fenced code block and nothing else.
- The script must start with a shebang, use 'set -euo pipefail', log each step, and be idempotent.
- Never touch data or services unrelated to the finding.
- Never download and execute remote code.`

const packageUpdateTemplate = `Write a bash patch script for the following vulnerability.

Vulnerability: {{.CVE}}
Description: {{.Description}}
Affected package: {{.Package}}
Installed version: {{.VulnerableVersion}}
Fixed version: {{.FixedVersion}}
Target: {{.OSFamily}} {{.OSVersion}}, package manager {{.PackageManager}}

Upgrade the affected package to at least the fixed version using {{.PackageManager}}.
Verify the installed version afterwards and exit non-zero if the upgrade did not take effect.`

const configChangeTemplate = `Write a bash mitigation script for the following vulnerability.

Vulnerability: {{.CVE}}
Description: {{.Description}}
Affected package: {{.Package}}
Target: {{.OSFamily}} {{.OSVersion}}

No package fix is being applied; mitigate by adjusting the affected service's configuration.
Back up any file before modifying it, validate the service configuration, and reload rather
than restart where the service supports it.`

const workaroundTemplate = `Write a bash workaround script for the following vulnerability.

Vulnerability: {{.CVE}}
Description: {{.Description}}
Affected package: {{.Package}}
Installed version: {{.VulnerableVersion}}
Target: {{.OSFamily}} {{.OSVersion}}

No fixed version is available. Apply a temporary mitigation that reduces exposure without
removing the package. State clearly in script comments what the workaround changes and how
to detect when a real fix ships.`

const rollbackTemplate = `The following bash patch script was just generated:

{{.Script}}

Write the corresponding rollback script that restores the system to its pre-patch state.
Use the same conventions: a fenced bash code block, shebang, 'set -euo pipefail', logging.`

var templates = map[salve.PatchStrategy]*template.Template{
	salve.StrategyPackageUpdate: template.Must(template.New("package_update").Parse(packageUpdateTemplate)),
	salve.StrategyConfigChange:  template.Must(template.New("config_change").Parse(configChangeTemplate)),
	salve.StrategyWorkaround:    template.Must(template.New("workaround").Parse(workaroundTemplate)),
}

var rollback = template.Must(template.New("rollback").Parse(rollbackTemplate))

// templateInput is the sanitized field set the strategy templates consume.
type templateInput struct {
	CVE               string
	Description       string
	Package           string
	VulnerableVersion string
	FixedVersion      string
	OSFamily          string
	OSVersion         string
	PackageManager    string
}

// Builder renders conversations, passing untrusted fields through its
// Detector first.
type Builder struct {
	// Detector screens interpolated text. Nil means a Moderate detector.
	Detector *Detector
}

func (b *Builder) detector() *Detector {
	if b.Detector != nil {
		return b.Detector
	}
	return &Detector{Level: Moderate}
}

// Build renders the system+user message pair for the request's strategy.
// Flagged fields are sanitized and logged, never fatal.
func (b *Builder) Build(ctx context.Context, req *salve.PatchRequest) ([]llmdriver.Message, error) {
	if req == nil || req.Finding == nil {
		return nil, fmt.Errorf("prompt: request carries no finding")
	}
	tmpl, ok := templates[req.Strategy]
	if !ok {
		return nil, fmt.Errorf("prompt: no template for strategy %v", req.Strategy)
	}
	ctx = zlog.ContextWithValues(ctx, "component", "prompt/Builder.Build")
	d := b.detector()
	f := req.Finding
	in := templateInput{
		CVE:               f.CVE,
		Description:       screen(ctx, d, "description", f.Description),
		Package:           screen(ctx, d, "package", f.Package),
		VulnerableVersion: screen(ctx, d, "vulnerable_version", f.VulnerableVersion),
		FixedVersion:      screen(ctx, d, "fixed_version", f.FixedVersion),
		OSFamily:          screen(ctx, d, "os_family", req.OSFamily),
		OSVersion:         screen(ctx, d, "os_version", req.OSVersion),
		PackageManager:    screen(ctx, d, "package_manager", req.PackageManager),
	}
	var sb strings.Builder
	if err := tmpl.Execute(&sb, &in); err != nil {
		return nil, fmt.Errorf("prompt: rendering %s: %w", tmpl.Name(), err)
	}
	return []llmdriver.Message{
		{Role: llmdriver.RoleSystem, Content: systemPrompt},
		{Role: llmdriver.RoleUser, Content: sb.String()},
	}, nil
}

// BuildRollback renders the follow-up conversation asking for the inverse
// of an already-generated patch script.
func (b *Builder) BuildRollback(script string) ([]llmdriver.Message, error) {
	var sb strings.Builder
	err := rollback.Execute(&sb, &struct{ Script string }{Script: script})
	if err != nil {
		return nil, fmt.Errorf("prompt: rendering rollback: %w", err)
	}
	return []llmdriver.Message{
		{Role: llmdriver.RoleSystem, Content: systemPrompt},
		{Role: llmdriver.RoleUser, Content: sb.String()},
	}, nil
}

func screen(ctx context.Context, d *Detector, field, s string) string {
	out, matches := d.Sanitize(s)
	if len(matches) != 0 {
		cats := make([]string, 0, len(matches))
		for _, m := range matches {
			cats = append(cats, m.Category)
		}
		zlog.Warn(ctx).Str("field", field).Strs("categories", cats).Msg("injection patterns sanitized from prompt input")
	}
	return out
}
