package enricher

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/quay/zlog"

	"github.com/salvus/salve"
	"github.com/salvus/salve/enricher/epss"
	"github.com/salvus/salve/enricher/kev"
	"github.com/salvus/salve/enricher/nvd"
)

type counters struct {
	nvd  atomic.Int32
	epss atomic.Int32
}

// testEnricher wires an Enricher against httptest services that know one
// CVE. The returned counters track upstream request volume.
func testEnricher(t *testing.T, nvdDown bool) (*Enricher, *counters) {
	t.Helper()
	var cnt counters

	nvdSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cnt.nvd.Add(1)
		if nvdDown {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if r.URL.Query().Get("cveId") != "CVE-2024-1111" {
			fmt.Fprint(w, `{"totalResults":0,"vulnerabilities":[]}`)
			return
		}
		fmt.Fprint(w, `{"totalResults":1,"vulnerabilities":[{"cve":{
			"id":"CVE-2024-1111",
			"published":"2024-02-01T10:00:00.000",
			"lastModified":"2024-03-01T10:00:00.000",
			"descriptions":[{"lang":"en","value":"Heap overflow."}],
			"metrics":{"cvssMetricV31":[{"cvssData":{"vectorString":"CVSS:3.1/AV:N","baseScore":9.8,"baseSeverity":"CRITICAL"}}]},
			"weaknesses":[{"description":[{"lang":"en","value":"CWE-122"}]}],
			"references":[{"url":"https://example.com/a","source":"example"}]
		}}]}`)
	}))
	t.Cleanup(nvdSrv.Close)

	epssSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cnt.epss.Add(1)
		if r.URL.Query().Get("cve") != "CVE-2024-1111" {
			fmt.Fprint(w, `{"data":[]}`)
			return
		}
		fmt.Fprint(w, `{"data":[{"cve":"CVE-2024-1111","epss":"0.97312","percentile":"0.99881","date":"2024-03-01"}]}`)
	}))
	t.Cleanup(epssSrv.Close)

	kevSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"count":2,"vulnerabilities":[
			{"cveID":"CVE-2024-1111"},
			{"cveID":"CVE-2024-2222","knownRansomwareCampaignUse":"Known"}
		]}`)
	}))
	t.Cleanup(kevSrv.Close)

	nc, err := nvd.NewClient(nvdSrv.Client(), nvdSrv.URL, "key")
	if err != nil {
		t.Fatal(err)
	}
	ec, err := epss.NewClient(epssSrv.Client(), epssSrv.URL)
	if err != nil {
		t.Fatal(err)
	}
	kc, err := kev.NewClient(kevSrv.Client(), kevSrv.URL, 0)
	if err != nil {
		t.Fatal(err)
	}
	e, err := New(context.Background(), Options{NVD: nc, EPSS: ec, KEV: kc})
	if err != nil {
		t.Fatal(err)
	}
	// keep degraded-path tests fast: one attempt, no retry delays.
	e.retry.MaxAttempts = 1
	return e, &cnt
}

func TestEnrich(t *testing.T) {
	t.Parallel()
	ctx := zlog.Test(context.Background(), t)
	e, _ := testEnricher(t, false)

	cvss := 3.1
	got, err := e.Enrich(ctx, salve.RawFinding{
		ID: "f-1", CVE: "CVE-2024-1111", Severity: salve.High, CVSS: &cvss,
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.CVSS == nil || *got.CVSS != 9.8 {
		t.Errorf("adapter CVSS not replaced by NVD score: %v", got.CVSS)
	}
	if got.Severity != salve.Critical {
		t.Errorf("severity not raised: %v", got.Severity)
	}
	if got.EPSS == nil || *got.EPSS != 0.97312 {
		t.Errorf("EPSS missing: %v", got.EPSS)
	}
	if !got.InKEV || !got.ExploitAvailable {
		t.Error("KEV status not applied")
	}
	if got.ExploitMaturity != "functional" {
		t.Errorf("got maturity %q, want functional for a KEV hit without ransomware use", got.ExploitMaturity)
	}
	if len(got.CWEs) != 1 || got.CWEs[0] != "CWE-122" {
		t.Errorf("CWEs: %v", got.CWEs)
	}
	if got.EnrichedAt.IsZero() {
		t.Error("EnrichedAt not stamped")
	}
}

func TestMalformedCVESkipsLookups(t *testing.T) {
	t.Parallel()
	ctx := zlog.Test(context.Background(), t)
	e, cnt := testEnricher(t, false)

	for _, id := range []string{"", "QID-1234", "CVE-24-1", "CVE-2024-1111x"} {
		got, err := e.Enrich(ctx, salve.RawFinding{ID: "f", CVE: id, Severity: salve.Low})
		if err != nil {
			t.Fatal(err)
		}
		if got.EPSS != nil || got.InKEV {
			t.Errorf("%q: enriched a malformed CVE", id)
		}
	}
	if cnt.nvd.Load() != 0 || cnt.epss.Load() != 0 {
		t.Errorf("made %d NVD / %d EPSS calls for malformed CVEs", cnt.nvd.Load(), cnt.epss.Load())
	}
}

func TestExploitMaturity(t *testing.T) {
	t.Parallel()
	ctx := zlog.Test(context.Background(), t)
	e, _ := testEnricher(t, false)

	// ransomware campaign use escalates to weaponized.
	got, err := e.Enrich(ctx, salve.RawFinding{ID: "f-2", CVE: "CVE-2024-2222", Severity: salve.High})
	if err != nil {
		t.Fatal(err)
	}
	if got.ExploitMaturity != "weaponized" {
		t.Errorf("got maturity %q, want weaponized", got.ExploitMaturity)
	}

	// a CVE outside the catalog reports maturity explicitly.
	got, err = e.Enrich(ctx, salve.RawFinding{ID: "f-3", CVE: "CVE-2024-3333", Severity: salve.Low})
	if err != nil {
		t.Fatal(err)
	}
	if got.InKEV || got.ExploitAvailable {
		t.Error("KEV status applied to an uncataloged CVE")
	}
	if got.ExploitMaturity != "none" {
		t.Errorf("got maturity %q, want none", got.ExploitMaturity)
	}
}

func TestNVDFailureDegrades(t *testing.T) {
	t.Parallel()
	ctx := zlog.Test(context.Background(), t)
	e, _ := testEnricher(t, true)

	got, err := e.Enrich(ctx, salve.RawFinding{ID: "f-1", CVE: "CVE-2024-1111", Severity: salve.High})
	if err != nil {
		t.Fatal(err)
	}
	// NVD fields absent, EPSS and KEV still applied.
	if got.Description != "" || len(got.CWEs) != 0 {
		t.Error("NVD fields set despite the service being down")
	}
	if got.EPSS == nil {
		t.Error("EPSS lost to an unrelated NVD failure")
	}
	if !got.InKEV {
		t.Error("KEV lost to an unrelated NVD failure")
	}
}

func TestCacheCollapsesLookups(t *testing.T) {
	t.Parallel()
	ctx := zlog.Test(context.Background(), t)
	e, cnt := testEnricher(t, false)

	for i := 0; i < 4; i++ {
		if _, err := e.Enrich(ctx, salve.RawFinding{ID: "f", CVE: "CVE-2024-1111"}); err != nil {
			t.Fatal(err)
		}
	}
	if cnt.nvd.Load() != 1 {
		t.Errorf("made %d NVD calls, want 1 within TTL", cnt.nvd.Load())
	}
	if cnt.epss.Load() != 1 {
		t.Errorf("made %d EPSS calls, want 1 within TTL", cnt.epss.Load())
	}
}

func TestEnrichAll(t *testing.T) {
	t.Parallel()
	ctx := zlog.Test(context.Background(), t)
	e, _ := testEnricher(t, false)

	fs := []salve.RawFinding{
		{ID: "f-1", CVE: "CVE-2024-1111", Severity: salve.High},
		{ID: "f-2", CVE: "", Title: "adhoc", Severity: salve.Low},
		{ID: "f-3", CVE: "CVE-2020-0000", Severity: salve.Medium},
	}
	got := e.EnrichAll(ctx, fs)
	if len(got) != 3 {
		t.Fatalf("got %d findings", len(got))
	}
	for i := range fs {
		if got[i].ID != fs[i].ID {
			t.Fatalf("order not preserved: %v", got)
		}
	}
	if got[0].EPSS == nil {
		t.Error("first finding not enriched")
	}
	if got[1].EPSS != nil || got[2].EPSS != nil {
		t.Error("unenrichable findings gained scores")
	}
}

func TestRequiredClients(t *testing.T) {
	t.Parallel()
	if _, err := New(context.Background(), Options{}); !salve.IsKind(err, salve.ErrConfig) {
		t.Fatalf("got %v, want config error", err)
	}
}
