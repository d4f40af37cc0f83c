package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/quay/zlog"

	"github.com/salvus/salve"
	"github.com/salvus/salve/datastore"
	"github.com/salvus/salve/test/integration"
)

func testStore(ctx context.Context, t *testing.T) *Store {
	t.Helper()
	integration.Skip(t)
	db, err := integration.NewDB(ctx, t)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close(ctx, t) })
	s, err := Init(ctx, db.DSN(), t.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close(ctx) })
	return s
}

func testFinding(cve, pkg string, sev salve.Severity, prio float64) *salve.EnrichedFinding {
	cvss := 9.8
	return &salve.EnrichedFinding{
		RawFinding: salve.RawFinding{
			ID:       "f-" + cve,
			Scanner:  "nessus",
			CVE:      cve,
			Title:    cve + " in " + pkg,
			Severity: sev,
			CVSS:     &cvss,
			Package:  pkg,
			Assets:   []string{"web-01"},
		},
		Priority:   prio,
		EnrichedAt: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestFindingRoundTrip(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	s := testStore(ctx, t)

	want := testFinding("CVE-2024-0001", "openssl", salve.Critical, 80)
	if err := s.UpsertFinding(ctx, want); err != nil {
		t.Fatal(err)
	}
	got, err := s.FindingByCVE(ctx, "CVE-2024-0001")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("round trip (-want +got):\n%s", diff)
	}

	// same dedup key overwrites rather than duplicates.
	want.Priority = 90
	if err := s.UpsertFinding(ctx, want); err != nil {
		t.Fatal(err)
	}
	all, err := s.Findings(ctx, datastore.FindingsOpts{CVE: "CVE-2024-0001"})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 || all[0].Priority != 90 {
		t.Errorf("upsert produced %d rows", len(all))
	}
}

func TestFindingByCVENotFound(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	s := testStore(ctx, t)

	_, err := s.FindingByCVE(ctx, "CVE-1999-0000")
	if !salve.IsKind(err, salve.ErrNotFound) {
		t.Errorf("got %v", err)
	}
}

func TestFindingsFilters(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	s := testStore(ctx, t)

	fs := []*salve.EnrichedFinding{
		testFinding("CVE-2024-0001", "openssl", salve.Critical, 90),
		testFinding("CVE-2024-0002", "nginx", salve.High, 60),
		testFinding("CVE-2024-0003", "curl", salve.Low, 10),
	}
	n, err := s.UpsertFindings(ctx, fs)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("stored %d", n)
	}

	high := salve.High
	got, err := s.Findings(ctx, datastore.FindingsOpts{MinSeverity: &high})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("severity filter: %d rows", len(got))
	}
	// ordered by priority, highest first.
	if got[0].CVE != "CVE-2024-0001" || got[1].CVE != "CVE-2024-0002" {
		t.Errorf("order: %s, %s", got[0].CVE, got[1].CVE)
	}

	minPrio := 50.0
	got, err = s.Findings(ctx, datastore.FindingsOpts{MinPriority: &minPrio, Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].CVE != "CVE-2024-0001" {
		t.Errorf("priority filter: %+v", got)
	}

	got, err = s.Findings(ctx, datastore.FindingsOpts{Package: "nginx"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].CVE != "CVE-2024-0002" {
		t.Errorf("package filter: %+v", got)
	}
}

func TestPatchRoundTrip(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	s := testStore(ctx, t)

	want := &salve.PatchArtifact{
		ID:        uuid.New(),
		FindingID: "CVE-2024-0001:openssl",
		CVE:       "CVE-2024-0001",
		Strategy:  salve.StrategyPackageUpdate,
		Script:    "#!/bin/bash\napt-get install -y openssl\n",
		Model:     "m-1",
		Status:    salve.PatchValidated,
		CreatedAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		UpdatedAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := s.SavePatch(ctx, want); err != nil {
		t.Fatal(err)
	}
	got, err := s.PatchByID(ctx, want.ID)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("round trip (-want +got):\n%s", diff)
	}

	if err := s.UpdatePatchStatus(ctx, want.ID, salve.PatchTestPassed); err != nil {
		t.Fatal(err)
	}
	got, err = s.PatchByID(ctx, want.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != salve.PatchTestPassed {
		t.Errorf("status: %v", got.Status)
	}

	if err := s.UpdatePatchStatus(ctx, uuid.New(), salve.PatchTestPassed); !salve.IsKind(err, salve.ErrNotFound) {
		t.Errorf("got %v", err)
	}
}

func TestSandboxTestRoundTrip(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	s := testStore(ctx, t)

	p := &salve.PatchArtifact{
		ID:        uuid.New(),
		FindingID: "CVE-2024-0001:openssl",
		Status:    salve.PatchTestPassed,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.SavePatch(ctx, p); err != nil {
		t.Fatal(err)
	}
	st := &salve.SandboxTest{
		ID:         uuid.New(),
		PatchID:    p.ID,
		AssetID:    "web-01",
		Image:      "docker.io/library/ubuntu:22.04",
		Status:     salve.TestPassed,
		Confidence: 100,
		StartedAt:  time.Now().UTC(),
		FinishedAt: time.Now().UTC(),
	}
	if err := s.SaveSandboxTest(ctx, st); err != nil {
		t.Fatal(err)
	}
	// saving again with a new status overwrites.
	st.Status = salve.TestFailed
	if err := s.SaveSandboxTest(ctx, st); err != nil {
		t.Fatal(err)
	}
}
