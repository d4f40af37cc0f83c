// Package nessus provides a scanner adapter for the Tenable Nessus REST
// API.
//
// Authentication uses static API keys sent in the X-ApiKeys header, so
// there is no session to establish; Authenticate verifies the keys against
// the server. Findings are assembled from the scan list, per-scan detail,
// and per-plugin attribute lookups.
package nessus

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/quay/zlog"

	"github.com/salvus/salve"
	"github.com/salvus/salve/internal/httputil"
	"github.com/salvus/salve/scanner/driver"
)

func init() {
	driver.Register("nessus", func(_ context.Context, name string) (driver.Adapter, error) {
		return &Adapter{name: name}, nil
	})
}

var (
	_ driver.Adapter      = (*Adapter)(nil)
	_ driver.Configurable = (*Adapter)(nil)
)

// DefaultTimeout bounds individual API requests when the configuration
// does not set one.
const DefaultTimeout = 30 * time.Second

// Adapter talks to one Nessus server.
type Adapter struct {
	name    string
	c       *http.Client
	root    *url.URL
	key     string // rendered X-ApiKeys value
	timeout time.Duration

	// plugin attribute lookups repeat heavily across scans.
	mu      sync.Mutex
	plugins map[int]*pluginDetail
}

// Config is the configuration for Adapter.
type Config struct {
	// server base URL, e.g. "https://nessus.internal:8834".
	Endpoint  *string `json:"endpoint" yaml:"endpoint"`
	AccessKey *string `json:"access_key" yaml:"access_key"`
	SecretKey *string `json:"secret_key" yaml:"secret_key"`
	// per-request timeout; zero means DefaultTimeout.
	Timeout salve.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Configure implements driver.Configurable.
func (a *Adapter) Configure(ctx context.Context, f driver.ConfigUnmarshaler, c *http.Client) error {
	var cfg Config
	a.c = c
	if a.c == nil {
		a.c = http.DefaultClient
	}
	if err := f(&cfg); err != nil {
		return err
	}
	if cfg.Endpoint == nil || cfg.AccessKey == nil || cfg.SecretKey == nil {
		return fmt.Errorf("nessus: endpoint, access_key, and secret_key are required")
	}
	u, err := url.Parse(*cfg.Endpoint)
	if err != nil {
		return fmt.Errorf("nessus: bad endpoint: %w", err)
	}
	a.root = u
	a.key = fmt.Sprintf("accessKey=%s; secretKey=%s", *cfg.AccessKey, *cfg.SecretKey)
	a.timeout = time.Duration(cfg.Timeout)
	if a.timeout <= 0 {
		a.timeout = DefaultTimeout
	}
	a.plugins = make(map[int]*pluginDetail)
	return nil
}

// Name implements driver.Adapter.
func (a *Adapter) Name() string { return a.name }

func (a *Adapter) newRequest(ctx context.Context, path string, query url.Values) (*http.Request, error) {
	u := *a.root
	u.Path = path
	if query != nil {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-ApiKeys", a.key)
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (a *Adapter) getJSON(ctx context.Context, path string, query url.Values, v interface{}) error {
	if a.timeout > 0 {
		var done context.CancelFunc
		ctx, done = context.WithTimeout(ctx, a.timeout)
		defer done()
	}
	req, err := a.newRequest(ctx, path, query)
	if err != nil {
		return err
	}
	res, err := a.c.Do(req)
	if err != nil {
		return &salve.Error{Op: "nessus", Kind: salve.ErrFetch, Inner: err}
	}
	defer res.Body.Close()
	switch res.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &salve.Error{Op: "nessus", Kind: salve.ErrAuthentication, Message: res.Status}
	case http.StatusTooManyRequests:
		return &salve.Error{Op: "nessus", Kind: salve.ErrRateLimit, Message: res.Status}
	case http.StatusNotFound:
		return &salve.Error{Op: "nessus", Kind: salve.ErrNotFound, Message: res.Status}
	}
	if err := httputil.CheckResponse(res, http.StatusOK); err != nil {
		return &salve.Error{Op: "nessus", Kind: salve.ErrFetch, Inner: err}
	}
	if err := json.NewDecoder(res.Body).Decode(v); err != nil {
		return &salve.Error{Op: "nessus", Kind: salve.ErrFetch, Message: "decoding response", Inner: err}
	}
	return nil
}

// Authenticate implements driver.Adapter.
//
// API-key auth is stateless; this verifies the keys are accepted.
func (a *Adapter) Authenticate(ctx context.Context) error {
	ctx = zlog.ContextWithValues(ctx, "component", "scanner/nessus/Adapter.Authenticate")
	var status serverStatus
	if err := a.getJSON(ctx, "/server/status", nil, &status); err != nil {
		if salve.IsKind(err, salve.ErrAuthentication) {
			return err
		}
		return &salve.Error{Op: "nessus/Adapter.Authenticate", Kind: salve.ErrAuthentication, Inner: err}
	}
	zlog.Debug(ctx).Str("status", status.Status).Msg("server reachable")
	return nil
}

// HealthCheck implements driver.Adapter.
func (a *Adapter) HealthCheck(ctx context.Context) bool {
	var status serverStatus
	if err := a.getJSON(ctx, "/server/status", nil, &status); err != nil {
		return false
	}
	return strings.EqualFold(status.Status, "ready")
}

// FetchFindings implements driver.Adapter.
//
// The scan list supports a last_modification_date filter, which is used for
// the since option; severity filtering happens client-side.
func (a *Adapter) FetchFindings(ctx context.Context, opts driver.FetchOpts) ([]salve.RawFinding, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "scanner/nessus/Adapter.FetchFindings")

	q := url.Values{}
	if opts.Since != nil {
		q.Set("last_modification_date", strconv.FormatInt(opts.Since.Unix(), 10))
	}
	var list scanList
	if err := a.getJSON(ctx, "/scans", q, &list); err != nil {
		return nil, err
	}
	zlog.Debug(ctx).Int("scans", len(list.Scans)).Msg("listed scans")

	var out []salve.RawFinding
	for _, sc := range list.Scans {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var detail scanDetail
		if err := a.getJSON(ctx, fmt.Sprintf("/scans/%d", sc.ID), nil, &detail); err != nil {
			return nil, err
		}
		assets := make([]string, 0, len(detail.Hosts))
		for _, h := range detail.Hosts {
			assets = append(assets, h.Hostname)
		}
		for _, v := range detail.Vulnerabilities {
			sev := severityFromInt(v.Severity)
			if !opts.Want(sev) {
				continue
			}
			f, err := a.finding(ctx, sc, v, sev, assets)
			if err != nil {
				return nil, err
			}
			if opts.Since != nil && f.DiscoveredAt.Before(*opts.Since) {
				continue
			}
			out = append(out, *f)
		}
	}
	zlog.Debug(ctx).Int("findings", len(out)).Msg("fetched findings")
	return out, nil
}

func (a *Adapter) finding(ctx context.Context, sc scanInfo, v scanVuln, sev salve.Severity, assets []string) (*salve.RawFinding, error) {
	detail, err := a.pluginDetail(ctx, v.PluginID)
	if err != nil {
		return nil, err
	}
	f := salve.RawFinding{
		ID:           fmt.Sprintf("%d/%d", sc.ID, v.PluginID),
		Scanner:      a.name,
		Title:        v.PluginName,
		Severity:     sev,
		Assets:       assets,
		DiscoveredAt: time.Unix(sc.LastModified, 0).UTC(),
	}
	if detail != nil {
		f.CVE = detail.cve()
		f.Description = detail.attr("description")
		f.CVSSVector = detail.attr("cvss3_vector")
		if s := detail.attr("cvss3_base_score"); s != "" {
			if score, err := strconv.ParseFloat(s, 64); err == nil && score >= 0 && score <= 10 {
				f.CVSS = &score
			}
		}
		raw, err := json.Marshal(detail)
		if err == nil {
			f.Raw = map[string]json.RawMessage{a.name: raw}
		}
	}
	return &f, nil
}

func (a *Adapter) pluginDetail(ctx context.Context, id int) (*pluginDetail, error) {
	a.mu.Lock()
	d, ok := a.plugins[id]
	a.mu.Unlock()
	if ok {
		return d, nil
	}
	var detail pluginDetail
	err := a.getJSON(ctx, fmt.Sprintf("/plugins/plugin/%d", id), nil, &detail)
	switch {
	case err == nil:
	case salve.IsKind(err, salve.ErrNotFound):
		// tolerated; the finding is emitted from scan data alone.
		return nil, nil
	default:
		return nil, err
	}
	a.mu.Lock()
	a.plugins[id] = &detail
	a.mu.Unlock()
	return &detail, nil
}

// AssetDetails implements driver.Adapter.
func (a *Adapter) AssetDetails(ctx context.Context, assetID string) (*salve.Asset, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "scanner/nessus/Adapter.AssetDetails")
	var info assetInfo
	err := a.getJSON(ctx, "/assets/"+url.PathEscape(assetID), nil, &info)
	if err != nil {
		if salve.IsKind(err, salve.ErrNotFound) {
			return nil, &salve.Error{Op: "nessus/Adapter.AssetDetails", Kind: salve.ErrNotFound, Message: fmt.Sprintf("unknown asset %q", assetID)}
		}
		return nil, err
	}
	asset := salve.Asset{
		ID:       assetID,
		Hostname: first(info.Hostnames),
		IP:       first(info.IPv4s),
	}
	asset.OSFamily, asset.OSVersion = parseOS(first(info.OperatingSystems))
	return &asset, nil
}

func first(s []string) string {
	if len(s) == 0 {
		return ""
	}
	return s[0]
}

// parseOS splits a reported OS string like "Ubuntu 22.04" or
// "Rocky Linux 9.3" into a lowercase family and version.
func parseOS(s string) (family, version string) {
	fields := strings.Fields(strings.ToLower(s))
	for _, f := range fields {
		if f == "linux" {
			continue
		}
		if family == "" {
			family = f
			continue
		}
		if f[0] >= '0' && f[0] <= '9' {
			version = f
			break
		}
	}
	return family, version
}

// severityFromInt maps Nessus's 0–4 severity ints.
func severityFromInt(v int) salve.Severity {
	switch v {
	case 4:
		return salve.Critical
	case 3:
		return salve.High
	case 2:
		return salve.Medium
	case 1:
		return salve.Low
	case 0:
		return salve.Info
	}
	return salve.Medium
}

type serverStatus struct {
	Status string `json:"status"`
}

type scanList struct {
	Scans []scanInfo `json:"scans"`
}

type scanInfo struct {
	ID           int    `json:"id"`
	Name         string `json:"name"`
	Status       string `json:"status"`
	LastModified int64  `json:"last_modification_date"`
}

type scanDetail struct {
	Hosts           []scanHost `json:"hosts"`
	Vulnerabilities []scanVuln `json:"vulnerabilities"`
}

type scanHost struct {
	HostID   int    `json:"host_id"`
	Hostname string `json:"hostname"`
}

type scanVuln struct {
	PluginID   int    `json:"plugin_id"`
	PluginName string `json:"plugin_name"`
	Severity   int    `json:"severity"`
	Count      int    `json:"count"`
}

type pluginDetail struct {
	ID         int        `json:"id"`
	Name       string     `json:"name"`
	Attributes []pluginKV `json:"attributes"`
}

type pluginKV struct {
	Name  string `json:"attribute_name"`
	Value string `json:"attribute_value"`
}

func (p *pluginDetail) attr(name string) string {
	for _, kv := range p.Attributes {
		if kv.Name == name {
			return kv.Value
		}
	}
	return ""
}

func (p *pluginDetail) cve() string {
	// plugins can reference several CVEs; the first is used and the full
	// set stays in the raw bag.
	return p.attr("cve")
}

type assetInfo struct {
	Hostnames        []string `json:"hostnames"`
	IPv4s            []string `json:"ipv4s"`
	OperatingSystems []string `json:"operating_systems"`
}
