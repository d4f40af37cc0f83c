package libscan

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/quay/zlog"

	"github.com/salvus/salve"
	"github.com/salvus/salve/datastore"
	"github.com/salvus/salve/enricher"
	"github.com/salvus/salve/enricher/epss"
	"github.com/salvus/salve/enricher/kev"
	"github.com/salvus/salve/enricher/nvd"
	"github.com/salvus/salve/scanner/driver"
)

// fakeAdapter returns canned findings or a canned error.
type fakeAdapter struct {
	name     string
	findings []salve.RawFinding
	err      error
}

var _ driver.Adapter = (*fakeAdapter)(nil)

func (a *fakeAdapter) Name() string                       { return a.name }
func (a *fakeAdapter) Authenticate(context.Context) error { return nil }
func (a *fakeAdapter) HealthCheck(context.Context) bool   { return a.err == nil }
func (a *fakeAdapter) AssetDetails(context.Context, string) (*salve.Asset, error) {
	return nil, &salve.Error{Kind: salve.ErrNotFound, Op: "fakeAdapter.AssetDetails"}
}

func (a *fakeAdapter) FetchFindings(context.Context, driver.FetchOpts) ([]salve.RawFinding, error) {
	if a.err != nil {
		return nil, a.err
	}
	return a.findings, nil
}

// memStore is an in-memory datastore.Store keyed by CVE.
type memStore struct {
	mu       sync.Mutex
	findings map[string]*salve.EnrichedFinding
}

var _ datastore.Store = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{findings: make(map[string]*salve.EnrichedFinding)}
}

func (s *memStore) UpsertFinding(_ context.Context, f *salve.EnrichedFinding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *f
	s.findings[f.CVE] = &cp
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
	cp := *f
	return &cp, nil
}

func (s *memStore) Findings(_ context.Context, _ datastore.FindingsOpts) ([]*salve.EnrichedFinding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*salve.EnrichedFinding, 0, len(s.findings))
	for _, f := range s.findings {
		cp := *f
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memStore) SavePatch(context.Context, *salve.PatchArtifact) error { return nil }
func (s *memStore) PatchByID(context.Context, uuid.UUID) (*salve.PatchArtifact, error) {
	return nil, &salve.Error{Kind: salve.ErrNotFound, Op: "memStore.PatchByID"}
}
func (s *memStore) UpdatePatchStatus(context.Context, uuid.UUID, salve.PatchStatus) error {
	return nil
}
func (s *memStore) SaveSandboxTest(context.Context, *salve.SandboxTest) error { return nil }
func (s *memStore) Close(context.Context) error                               { return nil }

// testEnricher wires an Enricher against httptest stubs that know
// CVE-2024-0001.
func testEnricher(t *testing.T) *enricher.Enricher {
	t.Helper()
	nvdSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("cveId") != "CVE-2024-0001" {
			fmt.Fprint(w, `{"totalResults":0,"vulnerabilities":[]}`)
			return
		}
		fmt.Fprint(w, `{"totalResults":1,"vulnerabilities":[{"cve":{
			"id":"CVE-2024-0001",
			"descriptions":[{"lang":"en","value":"Remote code execution in openssl."}],
			"metrics":{"cvssMetricV31":[{"cvssData":{"vectorString":"CVSS:3.1/AV:N","baseScore":9.0,"baseSeverity":"CRITICAL"}}]}
		}}]}`)
	}))
	t.Cleanup(nvdSrv.Close)

	epssSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[{"cve":"CVE-2024-0001","epss":"0.85000","percentile":"0.99000","date":"2024-03-01"}]}`)
	}))
	t.Cleanup(epssSrv.Close)

	nc, err := nvd.NewClient(nvdSrv.Client(), nvdSrv.URL, "key")
	if err != nil {
		t.Fatal(err)
	}
	ec, err := epss.NewClient(epssSrv.Client(), epssSrv.URL)
	if err != nil {
		t.Fatal(err)
	}
	e, err := enricher.New(context.Background(), enricher.Options{NVD: nc, EPSS: ec, KEV: kev.Stub{}})
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func cvss(v float64) *float64 { return &v }

func testAdapters() []driver.Adapter {
	return []driver.Adapter{
		&fakeAdapter{name: "alpha", findings: []salve.RawFinding{{
			ID: "a-1", Scanner: "alpha", CVE: "CVE-2024-0001", Title: "openssl RCE",
			Severity: salve.High, CVSS: cvss(7.5), Package: "openssl",
			Assets: []string{"a", "b"},
		}}},
		&fakeAdapter{name: "beta", findings: []salve.RawFinding{{
			ID: "b-9", Scanner: "beta", CVE: "CVE-2024-0001", Title: "openssl RCE",
			Severity: salve.Critical, CVSS: cvss(9.0), Package: "openssl",
			Assets: []string{"b", "c"},
		}}},
	}
}

func TestRunScanCycle(t *testing.T) {
	t.Parallel()
	ctx := zlog.Test(context.Background(), t)
	store := newMemStore()
	l, err := New(ctx, &Options{
		Adapters:  testAdapters(),
		Store:     store,
		Enricher:  testEnricher(t),
		FleetSize: 10,
	})
	if err != nil {
		t.Fatal(err)
	}

	report, err := l.RunScanCycle(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if report.Fetched != 2 || report.Merged != 1 || report.Stored != 1 {
		t.Errorf("report: %+v", report)
	}
	f, err := store.FindingByCVE(ctx, "CVE-2024-0001")
	if err != nil {
		t.Fatal(err)
	}
	if f.Severity != salve.Critical {
		t.Errorf("severity: %v", f.Severity)
	}
	if f.CVSS == nil || *f.CVSS != 9.0 {
		t.Errorf("cvss: %v", f.CVSS)
	}
	if got, want := fmt.Sprint(f.Assets), "[a b c]"; got != want {
		t.Errorf("assets: got %v, want %v", got, want)
	}
	if f.EPSS == nil || *f.EPSS != 0.85 {
		t.Errorf("epss: %v", f.EPSS)
	}
	if f.Priority <= 0 {
		t.Errorf("priority: %v", f.Priority)
	}
}

func TestRunScanCyclePartialFailure(t *testing.T) {
	t.Parallel()
	ctx := zlog.Test(context.Background(), t)
	store := newMemStore()
	adapters := testAdapters()
	adapters = append(adapters, &fakeAdapter{
		name: "gamma",
		err:  &salve.Error{Kind: salve.ErrFetch, Op: "test", Message: "connection refused"},
	})
	l, err := New(ctx, &Options{
		Adapters: adapters,
		Store:    store,
		Enricher: testEnricher(t),
	})
	if err != nil {
		t.Fatal(err)
	}

	report, err := l.RunScanCycle(ctx, nil)
	if err != nil {
		t.Fatalf("one broken source must not abort the cycle: %v", err)
	}
	if len(report.SourceErrors) != 1 {
		t.Errorf("source errors: %v", report.SourceErrors)
	}
	if _, ok := report.SourceErrors["gamma"]; !ok {
		t.Errorf("source errors: %v", report.SourceErrors)
	}
	if report.Stored != 1 {
		t.Errorf("report: %+v", report)
	}
}

func TestRunScanCycleAllSourcesFail(t *testing.T) {
	t.Parallel()
	ctx := zlog.Test(context.Background(), t)
	l, err := New(ctx, &Options{
		Adapters: []driver.Adapter{
			&fakeAdapter{name: "alpha", err: fmt.Errorf("down")},
			&fakeAdapter{name: "beta", err: fmt.Errorf("down")},
		},
		Store:    newMemStore(),
		Enricher: testEnricher(t),
	})
	if err != nil {
		t.Fatal(err)
	}
	report, err := l.RunScanCycle(ctx, nil)
	if !salve.IsKind(err, salve.ErrFetch) {
		t.Errorf("got %v", err)
	}
	if len(report.SourceErrors) != 2 {
		t.Errorf("source errors: %v", report.SourceErrors)
	}
}

func TestEnrichFinding(t *testing.T) {
	t.Parallel()
	ctx := zlog.Test(context.Background(), t)
	store := newMemStore()
	l, err := New(ctx, &Options{
		Adapters:  testAdapters(),
		Store:     store,
		Enricher:  testEnricher(t),
		FleetSize: 10,
	})
	if err != nil {
		t.Fatal(err)
	}

	stale := &salve.EnrichedFinding{RawFinding: salve.RawFinding{
		ID: "a-1", Scanner: "alpha", CVE: "CVE-2024-0001",
		Severity: salve.High, Package: "openssl", Assets: []string{"a"},
	}}
	if err := store.UpsertFinding(ctx, stale); err != nil {
		t.Fatal(err)
	}

	got, err := l.EnrichFinding(ctx, "CVE-2024-0001")
	if err != nil {
		t.Fatal(err)
	}
	if got.EPSS == nil || *got.EPSS != 0.85 {
		t.Errorf("epss: %v", got.EPSS)
	}
	if got.Severity != salve.Critical {
		t.Errorf("severity: %v", got.Severity)
	}
	stored, err := store.FindingByCVE(ctx, "CVE-2024-0001")
	if err != nil {
		t.Fatal(err)
	}
	if stored.EnrichedAt.IsZero() {
		t.Error("refreshed finding not persisted")
	}
}

func TestEnrichFindingUnknownCVE(t *testing.T) {
	t.Parallel()
	ctx := zlog.Test(context.Background(), t)
	l, err := New(ctx, &Options{
		Adapters: testAdapters(),
		Store:    newMemStore(),
		Enricher: testEnricher(t),
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.EnrichFinding(ctx, "CVE-1999-9999"); !salve.IsKind(err, salve.ErrNotFound) {
		t.Errorf("got %v", err)
	}
}

func TestRecomputePriorities(t *testing.T) {
	t.Parallel()
	ctx := zlog.Test(context.Background(), t)
	store := newMemStore()
	l, err := New(ctx, &Options{
		Adapters:  testAdapters(),
		Store:     store,
		Enricher:  testEnricher(t),
		FleetSize: 10,
	})
	if err != nil {
		t.Fatal(err)
	}

	f := &salve.EnrichedFinding{RawFinding: salve.RawFinding{
		ID: "a-1", Scanner: "alpha", CVE: "CVE-2024-0001",
		Severity: salve.Critical, CVSS: cvss(9.0), Assets: []string{"a", "b"},
	}}
	// stale score from an earlier fleet size.
	f.Priority = 1
	if err := store.UpsertFinding(ctx, f); err != nil {
		t.Fatal(err)
	}

	n, err := l.RecomputePriorities(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("updated: %d", n)
	}
	// a second pass is a no-op.
	n, err = l.RecomputePriorities(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("second pass updated: %d", n)
	}
}
