// Package mock provides a deterministic synthetic scanner adapter.
//
// Findings are synthesized from a fixed seed, so two adapters constructed
// with the same seed report identical inventories. Tests use it to drive
// the ingestion pipeline without network access.
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/salvus/salve"
	"github.com/salvus/salve/scanner/driver"
)

func init() {
	driver.Register("mock", func(_ context.Context, name string) (driver.Adapter, error) {
		return New(name, 1, 20), nil
	})
}

var _ driver.Adapter = (*Adapter)(nil)

// rows the generator draws from. Two rows intentionally lack a CVE, and one
// of those also lacks a package, exercising the degenerate dedup key.
var catalog = []struct {
	CVE     string
	Package string
	Fixed   string
	Title   string
	CVSS    float64
}{
	{"CVE-2024-0001", "openssl", "3.0.13-1", "OpenSSL denial of service", 7.5},
	{"CVE-2024-0002", "nginx", "1.24.0-2", "nginx request smuggling", 8.1},
	{"CVE-2023-4911", "glibc", "2.35-0ubuntu3.4", "Looney Tunables local privilege escalation", 7.8},
	{"CVE-2024-3094", "xz-utils", "5.6.1+really5.4.5-1", "xz backdoor in liblzma", 10},
	{"CVE-2021-44228", "log4j", "2.17.0-1", "Log4Shell remote code execution", 10},
	{"", "openssh-server", "", "Weak SSH ciphers enabled", 4.0},
	{"", "", "", "X11 forwarding enabled", 2.5},
}

var assets = []salve.Asset{
	{ID: "asset-web-1", Hostname: "web-1", OSFamily: "ubuntu", OSVersion: "22.04", PackageManager: "apt", Role: "web_server"},
	{ID: "asset-db-1", Hostname: "db-1", OSFamily: "rocky", OSVersion: "9", PackageManager: "dnf", Role: "database"},
	{ID: "asset-edge-1", Hostname: "edge-1", OSFamily: "alpine", OSVersion: "3.19", PackageManager: "apk"},
}

// Adapter is a synthetic scanner.
type Adapter struct {
	name string
	seed int64
	n    int
}

// New returns an adapter named name producing n findings derived from seed.
func New(name string, seed int64, n int) *Adapter {
	return &Adapter{name: name, seed: seed, n: n}
}

// Name implements driver.Adapter.
func (a *Adapter) Name() string { return a.name }

// Authenticate implements driver.Adapter. It always succeeds.
func (a *Adapter) Authenticate(_ context.Context) error { return nil }

// HealthCheck implements driver.Adapter.
func (a *Adapter) HealthCheck(_ context.Context) bool { return true }

// FetchFindings implements driver.Adapter.
//
// The same adapter always reports the same findings in the same order.
// Severity and since filters are applied client-side, as a real adapter
// would when the vendor API lacks them.
func (a *Adapter) FetchFindings(ctx context.Context, opts driver.FetchOpts) ([]salve.RawFinding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(a.seed))
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	out := make([]salve.RawFinding, 0, a.n)
	for i := 0; i < a.n; i++ {
		row := catalog[rng.Intn(len(catalog))]
		asset := assets[rng.Intn(len(assets))]
		discovered := base.Add(time.Duration(rng.Intn(90*24)) * time.Hour)

		cvss := row.CVSS
		f := salve.RawFinding{
			ID:           fmt.Sprintf("%s-%04d", a.name, i),
			Scanner:      a.name,
			CVE:          row.CVE,
			Title:        row.Title,
			Severity:     driver.FromCVSS(row.CVSS),
			CVSS:         &cvss,
			Package:      row.Package,
			FixedVersion: row.Fixed,
			Assets:       []string{asset.ID},
			DiscoveredAt: discovered,
			Raw: map[string]json.RawMessage{
				a.name: json.RawMessage(fmt.Sprintf(`{"seed":%d,"row":%d}`, a.seed, i)),
			},
		}
		if opts.Since != nil && f.DiscoveredAt.Before(*opts.Since) {
			continue
		}
		if !opts.Want(f.Severity) {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

// AssetDetails implements driver.Adapter.
func (a *Adapter) AssetDetails(_ context.Context, assetID string) (*salve.Asset, error) {
	for i := range assets {
		if assets[i].ID == assetID {
			cp := assets[i]
			return &cp, nil
		}
	}
	return nil, &salve.Error{
		Op:      "mock/Adapter.AssetDetails",
		Kind:    salve.ErrNotFound,
		Message: fmt.Sprintf("unknown asset %q", assetID),
	}
}
