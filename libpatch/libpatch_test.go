package libpatch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/quay/zlog"

	"github.com/salvus/salve"
	"github.com/salvus/salve/datastore"
	llmdriver "github.com/salvus/salve/llm/driver"
	"github.com/salvus/salve/sandbox"
	"github.com/salvus/salve/scanner/driver"
	"github.com/salvus/salve/scriptcheck"
)

const goodScript = `#!/bin/bash
set -euo pipefail
echo "patching openssl"
if dpkg -s openssl >/dev/null 2>&1; then
  apt-get update
  apt-get install -y --only-upgrade openssl
fi
echo "done"
`

// scriptedClient returns canned responses in order.
type scriptedClient struct {
	mu    sync.Mutex
	resps []*llmdriver.Response
	errs  []error
	calls int
}

func (c *scriptedClient) Name() string { return "scripted" }

func (c *scriptedClient) Generate(ctx context.Context, req *llmdriver.Request) (*llmdriver.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.calls
	c.calls++
	if i < len(c.errs) && c.errs[i] != nil {
		return nil, c.errs[i]
	}
	if i < len(c.resps) {
		return c.resps[i], nil
	}
	return nil, fmt.Errorf("unexpected call %d", i)
}

// memStore is an in-memory datastore.Store.
type memStore struct {
	mu       sync.Mutex
	findings map[string]*salve.EnrichedFinding
	patches  map[uuid.UUID]*salve.PatchArtifact
	tests    []*salve.SandboxTest
	saves    int
}

var _ datastore.Store = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{
		findings: make(map[string]*salve.EnrichedFinding),
		patches:  make(map[uuid.UUID]*salve.PatchArtifact),
	}
}

func (s *memStore) UpsertFinding(_ context.Context, f *salve.EnrichedFinding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.findings[f.CVE] = f
	return nil
}

func (s *memStore) UpsertFindings(ctx context.Context, fs []*salve.EnrichedFinding) (int, error) {
	for _, f := range fs {
		if err := s.UpsertFinding(ctx, f); err != nil {
			return 0, err
		}
	}
	return len(fs), nil
}

func (s *memStore) FindingByCVE(_ context.Context, cve string) (*salve.EnrichedFinding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.findings[cve]
	if !ok {
		return nil, &salve.Error{Kind: salve.ErrNotFound, Op: "memStore.FindingByCVE"}
	}
	return f, nil
}

func (s *memStore) Findings(_ context.Context, _ datastore.FindingsOpts) ([]*salve.EnrichedFinding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*salve.EnrichedFinding, 0, len(s.findings))
	for _, f := range s.findings {
		out = append(out, f)
	}
	return out, nil
}

func (s *memStore) SavePatch(_ context.Context, p *salve.PatchArtifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.patches[p.ID] = &cp
	s.saves++
	return nil
}

func (s *memStore) PatchByID(_ context.Context, id uuid.UUID) (*salve.PatchArtifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.patches[id]
	if !ok {
		return nil, &salve.Error{Kind: salve.ErrNotFound, Op: "memStore.PatchByID"}
	}
	cp := *p
	return &cp, nil
}

func (s *memStore) UpdatePatchStatus(_ context.Context, id uuid.UUID, st salve.PatchStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.patches[id]
	if !ok {
		return &salve.Error{Kind: salve.ErrNotFound, Op: "memStore.UpdatePatchStatus"}
	}
	p.Status = st
	return nil
}

func (s *memStore) SaveSandboxTest(_ context.Context, t *salve.SandboxTest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tests = append(s.tests, t)
	return nil
}

func (s *memStore) Close(context.Context) error { return nil }

func testFinding() *salve.EnrichedFinding {
	cvss := 9.8
	return &salve.EnrichedFinding{
		RawFinding: salve.RawFinding{
			ID:                "f-1",
			Scanner:           "mock",
			CVE:               "CVE-2024-0727",
			Title:             "openssl denial of service",
			Description:       "A flaw in PKCS12 parsing.",
			Severity:          salve.High,
			CVSS:              &cvss,
			Package:           "openssl",
			VulnerableVersion: "3.0.2-0ubuntu1.10",
			FixedVersion:      "3.0.2-0ubuntu1.12",
		},
	}
}

func testValidator() *scriptcheck.Validator {
	return &scriptcheck.Validator{DisableLinter: true}
}

func TestGeneratePatch(t *testing.T) {
	t.Parallel()
	ctx := zlog.Test(context.Background(), t)
	client := &scriptedClient{resps: []*llmdriver.Response{
		{Content: "Here you go:\n```bash\n" + goodScript + "```\n", Model: "m-1"},
		{Content: "```bash\n#!/bin/bash\nset -e\napt-get install -y openssl=3.0.2-0ubuntu1.10\n```"},
	}}
	store := newMemStore()
	l, err := New(ctx, &Options{Client: client, Store: store, Validator: testValidator()})
	if err != nil {
		t.Fatal(err)
	}

	art, err := l.GeneratePatch(ctx, &salve.PatchRequest{
		Finding:        testFinding(),
		OSFamily:       "ubuntu",
		OSVersion:      "22.04",
		PackageManager: "apt",
	})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := art.Status, salve.PatchValidated; got != want {
		t.Errorf("status: got %v, want %v", got, want)
	}
	if !strings.HasPrefix(art.Script, "#!/bin/bash") {
		t.Errorf("script: %q", art.Script)
	}
	if art.RollbackScript == "" {
		t.Error("expected a rollback script")
	}
	if art.Confidence < 0.6 {
		t.Errorf("confidence: %v", art.Confidence)
	}
	if got, want := art.Strategy, salve.StrategyPackageUpdate; got != want {
		t.Errorf("strategy: got %v, want %v", got, want)
	}
	if art.Model != "m-1" {
		t.Errorf("model: %q", art.Model)
	}
	if store.saves != 1 {
		t.Errorf("saves: %d", store.saves)
	}
	if client.calls != 2 {
		t.Errorf("llm calls: %d", client.calls)
	}
}

func TestGeneratePatchForbidden(t *testing.T) {
	t.Parallel()
	ctx := zlog.Test(context.Background(), t)
	client := &scriptedClient{resps: []*llmdriver.Response{
		{Content: "```bash\n#!/bin/bash\nrm -rf /etc\n```"},
		{Content: "```bash\n#!/bin/bash\necho nothing to undo\n```"},
	}}
	store := newMemStore()
	l, err := New(ctx, &Options{Client: client, Store: store, Validator: testValidator()})
	if err != nil {
		t.Fatal(err)
	}

	art, err := l.GeneratePatch(ctx, &salve.PatchRequest{
		Finding:        testFinding(),
		PackageManager: "apt",
	})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := art.Status, salve.PatchValidationFailed; got != want {
		t.Errorf("status: got %v, want %v", got, want)
	}
	if len(art.Validation.Forbidden) == 0 {
		t.Error("expected forbidden matches")
	}
	if art.Confidence >= 0.6 {
		t.Errorf("confidence: %v", art.Confidence)
	}
	if store.saves != 1 {
		t.Errorf("failed artifacts must still persist: saves=%d", store.saves)
	}
}

func TestGeneratePatchLLMFailure(t *testing.T) {
	t.Parallel()
	ctx := zlog.Test(context.Background(), t)
	client := &scriptedClient{errs: []error{
		&salve.Error{Kind: salve.ErrAuthentication, Op: "test", Message: "bad key"},
	}}
	store := newMemStore()
	l, err := New(ctx, &Options{Client: client, Store: store, Validator: testValidator()})
	if err != nil {
		t.Fatal(err)
	}

	art, err := l.GeneratePatch(ctx, &salve.PatchRequest{
		Finding:        testFinding(),
		PackageManager: "apt",
	})
	if err == nil {
		t.Fatal("expected an error")
	}
	if art == nil {
		t.Fatal("failure artifacts must be returned for audit")
	}
	if got, want := art.Status, salve.PatchValidationFailed; got != want {
		t.Errorf("status: got %v, want %v", got, want)
	}
	if store.saves != 1 {
		t.Errorf("failure artifacts must persist: saves=%d", store.saves)
	}
	if client.calls != 1 {
		t.Errorf("authentication errors must not be retried: calls=%d", client.calls)
	}
}

func TestExtractScript(t *testing.T) {
	t.Parallel()
	tt := []struct {
		name, in, want string
	}{
		{"bash fence", "intro\n```bash\n#!/bin/bash\necho hi\n```\noutro", "#!/bin/bash\necho hi"},
		{"sh fence", "```sh\necho sh\n```", "echo sh"},
		{"any fence", "```python\necho generic\n```", "echo generic"},
		{"shell token not sh", "```shell\necho shell\n```", "echo shell"},
		{"verbatim", "  #!/bin/sh\necho bare\n", "#!/bin/sh\necho bare"},
		{"unterminated", "```bash\necho open", "echo open"},
		{"prefers bash over sh", "```sh\nfirst\n```\n```bash\nsecond\n```", "second"},
	}
	for _, tc := range tt {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := ExtractScript(tc.in); got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestInferStrategy(t *testing.T) {
	t.Parallel()
	tt := []struct {
		name        string
		vuln, fixed string
		pm          string
		want        salve.PatchStrategy
	}{
		{"deb upgrade", "3.0.2-0ubuntu1.10", "3.0.2-0ubuntu1.12", "apt", salve.StrategyPackageUpdate},
		{"deb downgrade", "3.0.2-0ubuntu1.12", "3.0.2-0ubuntu1.10", "apt", salve.StrategyWorkaround},
		{"no fix", "1.0.0", "", "apt", salve.StrategyWorkaround},
		{"no vulnerable version", "", "1.2.3", "apt", salve.StrategyPackageUpdate},
		{"semver fallback", "1.2.3", "1.3.0", "chocolatey", salve.StrategyPackageUpdate},
		{"semver fallback downgrade", "1.3.0", "1.2.3", "chocolatey", salve.StrategyWorkaround},
		{"unparseable", "abc", "def", "chocolatey", salve.StrategyPackageUpdate},
	}
	for _, tc := range tt {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			req := &salve.PatchRequest{
				Finding: &salve.EnrichedFinding{RawFinding: salve.RawFinding{
					VulnerableVersion: tc.vuln,
					FixedVersion:      tc.fixed,
				}},
				PackageManager: tc.pm,
			}
			if got := InferStrategy(req); got != tc.want {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestConfidenceLengthWeight(t *testing.T) {
	t.Parallel()
	tt := []struct {
		lines int
		want  float64
	}{
		{10, 0.2},
		{50, 1.0},
		{500, 1.0},
		{800, 0.7},
		{1500, 0.2},
	}
	for _, tc := range tt {
		script := strings.Repeat("echo x\n", tc.lines-1) + "echo x"
		if got := lengthWeight(script); got != tc.want {
			t.Errorf("lengthWeight(%d lines): got %v, want %v", tc.lines, got, tc.want)
		}
	}
}

// stubAdapter resolves one asset.
type stubAdapter struct {
	asset *salve.Asset
}

var _ driver.Adapter = (*stubAdapter)(nil)

func (a *stubAdapter) Name() string                            { return "stub" }
func (a *stubAdapter) Authenticate(context.Context) error      { return nil }
func (a *stubAdapter) HealthCheck(context.Context) bool        { return true }
func (a *stubAdapter) FetchFindings(context.Context, driver.FetchOpts) ([]salve.RawFinding, error) {
	return nil, nil
}

func (a *stubAdapter) AssetDetails(_ context.Context, id string) (*salve.Asset, error) {
	if a.asset == nil || a.asset.ID != id {
		return nil, &salve.Error{Kind: salve.ErrNotFound, Op: "stubAdapter.AssetDetails"}
	}
	return a.asset, nil
}

// passRuntime is a minimal sandbox runtime whose containers always behave:
// apt present, the patch applies cleanly, health checks pass.
type passRuntime struct {
	mu      sync.Mutex
	patched bool
	removed int
}

func (f *passRuntime) Pull(context.Context, string) error { return nil }
func (f *passRuntime) Create(_ context.Context, spec *sandbox.ContainerSpec) (string, error) {
	return "ctr-0", nil
}
func (f *passRuntime) Start(context.Context, string) error { return nil }
func (f *passRuntime) WriteFile(context.Context, string, string, []byte, uint32) error {
	return nil
}
func (f *passRuntime) Logs(context.Context, string) (string, error) { return "", nil }
func (f *passRuntime) Stop(context.Context, string, time.Duration) error {
	return nil
}
func (f *passRuntime) Remove(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed++
	return nil
}

func (f *passRuntime) Exec(_ context.Context, _ string, cmd []string, _ []byte) (*salve.ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sh := cmd[len(cmd)-1]
	switch {
	case strings.HasPrefix(sh, "/tmp/"):
		f.patched = true
		return &salve.ExecResult{ExitCode: 0}, nil
	case sh == "command -v apt", sh == "command -v cron":
		return &salve.ExecResult{ExitCode: 0, Stdout: "/usr/bin/x\n"}, nil
	case strings.HasPrefix(sh, "dpkg-query"):
		v := "3.0.2-0ubuntu1.10"
		if f.patched {
			v = "3.0.2-0ubuntu1.12"
		}
		return &salve.ExecResult{ExitCode: 0, Stdout: "openssl " + v + "\n"}, nil
	case sh == "ps -p 1 -o comm=":
		return &salve.ExecResult{ExitCode: 0, Stdout: "systemd\n"}, nil
	}
	return &salve.ExecResult{ExitCode: 1}, nil
}

func TestTestPatch(t *testing.T) {
	t.Parallel()
	ctx := zlog.Test(context.Background(), t)
	store := newMemStore()
	rt := &passRuntime{}
	h, err := sandbox.NewHarness(&sandbox.Options{Runtime: rt})
	if err != nil {
		t.Fatal(err)
	}
	l, err := New(ctx, &Options{
		Client:    &scriptedClient{},
		Store:     store,
		Validator: testValidator(),
		Harness:   h,
		Assets: &stubAdapter{asset: &salve.Asset{
			ID:        "asset-1",
			OSFamily:  "ubuntu",
			OSVersion: "22.04",
		}},
	})
	if err != nil {
		t.Fatal(err)
	}

	finding := testFinding()
	if err := store.UpsertFinding(ctx, finding); err != nil {
		t.Fatal(err)
	}
	art := &salve.PatchArtifact{
		ID:         uuid.New(),
		CVE:        finding.CVE,
		Strategy:   salve.StrategyPackageUpdate,
		Script:     goodScript,
		Confidence: 0.8,
		Validation: &salve.ValidationReport{SyntaxValid: true, SafetyScore: 1, Valid: true},
		Status:     salve.PatchValidated,
	}
	if err := store.SavePatch(ctx, art); err != nil {
		t.Fatal(err)
	}

	st, err := l.TestPatch(ctx, art.ID, "asset-1")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := st.Status, salve.TestPassed; got != want {
		t.Errorf("test status: got %v, want %v", got, want)
	}
	got, err := store.PatchByID(ctx, art.ID)
	if err != nil {
		t.Fatal(err)
	}
	if want := salve.PatchTestPassed; got.Status != want {
		t.Errorf("patch status: got %v, want %v", got.Status, want)
	}
	if len(store.tests) != 1 {
		t.Errorf("tests persisted: %d", len(store.tests))
	}
	if rt.removed != 1 {
		t.Errorf("cleanup: removed %d", rt.removed)
	}
}

func TestTestPatchRejectsUnvalidated(t *testing.T) {
	t.Parallel()
	ctx := zlog.Test(context.Background(), t)
	store := newMemStore()
	h, err := sandbox.NewHarness(&sandbox.Options{Runtime: &passRuntime{}})
	if err != nil {
		t.Fatal(err)
	}
	l, err := New(ctx, &Options{
		Client:    &scriptedClient{},
		Store:     store,
		Validator: testValidator(),
		Harness:   h,
		Assets:    &stubAdapter{},
	})
	if err != nil {
		t.Fatal(err)
	}

	art := &salve.PatchArtifact{ID: uuid.New(), Status: salve.PatchValidationFailed}
	if err := store.SavePatch(ctx, art); err != nil {
		t.Fatal(err)
	}
	if _, err := l.TestPatch(ctx, art.ID, "asset-1"); !salve.IsKind(err, salve.ErrValidation) {
		t.Errorf("got %v", err)
	}
}
