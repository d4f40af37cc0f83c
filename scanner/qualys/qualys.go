// Package qualys provides a scanner adapter for the Qualys VM/VMDR API.
//
// The API is session-based: a form login establishes the QualysSession
// cookie, held in a cookie jar for the adapter's lifetime. Responses are
// XML, occasionally in non-UTF-8 encodings, so decoding goes through a
// charset-aware reader. Findings join the host detection list with a
// knowledgebase batch lookup for CVE and title data.
package qualys

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/quay/zlog"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"

	"github.com/salvus/salve"
	"github.com/salvus/salve/internal/httputil"
	"github.com/salvus/salve/scanner/driver"
)

func init() {
	driver.Register("qualys", func(_ context.Context, name string) (driver.Adapter, error) {
		return &Adapter{name: name}, nil
	})
}

var (
	_ driver.Adapter      = (*Adapter)(nil)
	_ driver.Configurable = (*Adapter)(nil)
)

// truncationLimit is the page size requested from list endpoints.
const truncationLimit = 1000

// Adapter talks to one Qualys API server.
type Adapter struct {
	name string
	c    *http.Client
	root *url.URL
	user string
	pass string

	mu       sync.Mutex
	loggedIn bool
}

// Config is the configuration for Adapter.
type Config struct {
	// API server base URL, e.g. "https://qualysapi.qg2.apps.qualys.com".
	Endpoint *string `json:"endpoint" yaml:"endpoint"`
	Username *string `json:"username" yaml:"username"`
	Password *string `json:"password" yaml:"password"`
}

// Configure implements driver.Configurable.
//
// The shared client is copied so the adapter can attach its own cookie jar
// without mutating a client other components hold.
func (a *Adapter) Configure(ctx context.Context, f driver.ConfigUnmarshaler, c *http.Client) error {
	var cfg Config
	if c == nil {
		c = http.DefaultClient
	}
	if err := f(&cfg); err != nil {
		return err
	}
	if cfg.Endpoint == nil || cfg.Username == nil || cfg.Password == nil {
		return fmt.Errorf("qualys: endpoint, username, and password are required")
	}
	u, err := url.Parse(*cfg.Endpoint)
	if err != nil {
		return fmt.Errorf("qualys: bad endpoint: %w", err)
	}
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return fmt.Errorf("qualys: constructing cookie jar: %w", err)
	}
	cp := *c
	cp.Jar = jar
	a.c = &cp
	a.root = u
	a.user, a.pass = *cfg.Username, *cfg.Password
	return nil
}

// Name implements driver.Adapter.
func (a *Adapter) Name() string { return a.name }

// Authenticate implements driver.Adapter.
//
// Idempotent: an established session is kept until the server invalidates
// it, at which point the next API call re-authenticates.
func (a *Adapter) Authenticate(ctx context.Context) error {
	ctx = zlog.ContextWithValues(ctx, "component", "scanner/qualys/Adapter.Authenticate")
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.loggedIn {
		return nil
	}
	form := url.Values{
		"action":   []string{"login"},
		"username": []string{a.user},
		"password": []string{a.pass},
	}
	res, err := a.post(ctx, "/api/2.0/fo/session/", form)
	if err != nil {
		return &salve.Error{Op: "qualys/Adapter.Authenticate", Kind: salve.ErrAuthentication, Inner: err}
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden {
		return &salve.Error{Op: "qualys/Adapter.Authenticate", Kind: salve.ErrAuthentication, Message: res.Status}
	}
	if err := httputil.CheckResponse(res, http.StatusOK); err != nil {
		return &salve.Error{Op: "qualys/Adapter.Authenticate", Kind: salve.ErrAuthentication, Inner: err}
	}
	a.loggedIn = true
	zlog.Debug(ctx).Msg("session established")
	return nil
}

// Close logs the session out. Safe to call on an unauthenticated adapter.
func (a *Adapter) Close(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.loggedIn {
		return nil
	}
	res, err := a.post(ctx, "/api/2.0/fo/session/", url.Values{"action": []string{"logout"}})
	if err != nil {
		return err
	}
	res.Body.Close()
	a.loggedIn = false
	return nil
}

func (a *Adapter) post(ctx context.Context, path string, form url.Values) (*http.Response, error) {
	u := *a.root
	u.Path = path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Requested-With", "salve")
	return a.c.Do(req)
}

// getXML performs an authenticated call and decodes the XML response with a
// charset-aware reader.
func (a *Adapter) getXML(ctx context.Context, path string, form url.Values, v interface{}) error {
	if err := a.Authenticate(ctx); err != nil {
		return err
	}
	res, err := a.post(ctx, path, form)
	if err != nil {
		return &salve.Error{Op: "qualys", Kind: salve.ErrFetch, Inner: err}
	}
	defer res.Body.Close()
	switch res.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		a.mu.Lock()
		a.loggedIn = false
		a.mu.Unlock()
		return &salve.Error{Op: "qualys", Kind: salve.ErrAuthentication, Message: res.Status}
	case http.StatusConflict:
		// Qualys signals concurrency and rate limits with 409.
		return &salve.Error{Op: "qualys", Kind: salve.ErrRateLimit, Message: res.Status}
	}
	if err := httputil.CheckResponse(res, http.StatusOK); err != nil {
		return &salve.Error{Op: "qualys", Kind: salve.ErrFetch, Inner: err}
	}
	dec := xml.NewDecoder(res.Body)
	dec.CharsetReader = charsetReader
	if err := dec.Decode(v); err != nil {
		return &salve.Error{Op: "qualys", Kind: salve.ErrFetch, Message: "decoding response", Inner: err}
	}
	return nil
}

func charsetReader(charset string, input io.Reader) (io.Reader, error) {
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return nil, fmt.Errorf("unsupported charset %q: %w", charset, err)
	}
	return transform.NewReader(input, enc.NewDecoder()), nil
}

// HealthCheck implements driver.Adapter.
func (a *Adapter) HealthCheck(ctx context.Context) bool {
	return a.Authenticate(ctx) == nil
}

// FetchFindings implements driver.Adapter.
//
// Detections are paginated with id_min; severity and since filters are
// passed server-side where the API supports them.
func (a *Adapter) FetchFindings(ctx context.Context, opts driver.FetchOpts) ([]salve.RawFinding, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "scanner/qualys/Adapter.FetchFindings")

	hosts, err := a.detections(ctx, opts)
	if err != nil {
		return nil, err
	}

	// one knowledgebase batch resolves QIDs to CVE and title data.
	qidSet := map[string]struct{}{}
	for _, h := range hosts {
		for _, d := range h.Detections {
			qidSet[d.QID] = struct{}{}
		}
	}
	kb, err := a.knowledgebase(ctx, qidSet)
	if err != nil {
		return nil, err
	}

	// detections are per host; fold them up per QID so a finding carries
	// the full affected-asset set.
	byQID := make(map[string]*salve.RawFinding)
	var order []string
	for _, h := range hosts {
		for _, d := range h.Detections {
			if f, ok := byQID[d.QID]; ok {
				f.Assets = append(f.Assets, h.ID)
				continue
			}
			entry := kb[d.QID]
			sev := driver.NormalizeSeverity(d.Severity)
			if entry != nil && entry.Severity != "" {
				sev = driver.NormalizeSeverity(entry.Severity)
			}
			if !opts.Want(sev) {
				continue
			}
			f := &salve.RawFinding{
				ID:           d.QID,
				Scanner:      a.name,
				Title:        fmt.Sprintf("QID-%s", d.QID),
				Severity:     sev,
				Assets:       []string{h.ID},
				DiscoveredAt: parseQualysTime(d.FirstFound),
			}
			if entry != nil {
				f.CVE = entry.firstCVE()
				f.Title = entry.Title
				if s, err := strconv.ParseFloat(entry.CVSS3Base, 64); err == nil && s >= 0 && s <= 10 {
					f.CVSS = &s
				}
			}
			byQID[d.QID] = f
			order = append(order, d.QID)
		}
	}

	out := make([]salve.RawFinding, 0, len(order))
	for _, qid := range order {
		out = append(out, *byQID[qid])
	}
	zlog.Debug(ctx).Int("findings", len(out)).Msg("fetched findings")
	return out, nil
}

func (a *Adapter) detections(ctx context.Context, opts driver.FetchOpts) ([]detectionHost, error) {
	var out []detectionHost
	idMin := "0"
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		form := url.Values{
			"action":           []string{"list"},
			"truncation_limit": []string{strconv.Itoa(truncationLimit)},
			"id_min":           []string{idMin},
		}
		if opts.Since != nil {
			form.Set("detection_updated_since", opts.Since.UTC().Format(time.RFC3339))
		}
		var page detectionOutput
		if err := a.getXML(ctx, "/api/2.0/fo/asset/host/vm/detection/", form, &page); err != nil {
			return nil, err
		}
		out = append(out, page.Response.Hosts...)
		next := page.Response.Warning.nextIDMin()
		if next == "" {
			return out, nil
		}
		idMin = next
	}
}

func (a *Adapter) knowledgebase(ctx context.Context, qids map[string]struct{}) (map[string]*kbVuln, error) {
	if len(qids) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(qids))
	for qid := range qids {
		ids = append(ids, qid)
	}
	form := url.Values{
		"action": []string{"list"},
		"ids":    []string{strings.Join(ids, ",")},
	}
	var kb kbOutput
	if err := a.getXML(ctx, "/api/2.0/fo/knowledge_base/vuln/", form, &kb); err != nil {
		return nil, err
	}
	out := make(map[string]*kbVuln, len(kb.Response.Vulns))
	for i := range kb.Response.Vulns {
		v := &kb.Response.Vulns[i]
		out[v.QID] = v
	}
	return out, nil
}

// AssetDetails implements driver.Adapter.
func (a *Adapter) AssetDetails(ctx context.Context, assetID string) (*salve.Asset, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "scanner/qualys/Adapter.AssetDetails")
	form := url.Values{
		"action":  []string{"list"},
		"ids":     []string{assetID},
		"details": []string{"All"},
	}
	var hosts hostOutput
	if err := a.getXML(ctx, "/api/2.0/fo/asset/host/", form, &hosts); err != nil {
		return nil, err
	}
	if len(hosts.Response.Hosts) == 0 {
		return nil, &salve.Error{Op: "qualys/Adapter.AssetDetails", Kind: salve.ErrNotFound, Message: fmt.Sprintf("unknown asset %q", assetID)}
	}
	h := hosts.Response.Hosts[0]
	asset := salve.Asset{
		ID:       h.ID,
		Hostname: h.DNS,
		IP:       h.IP,
	}
	asset.OSFamily, asset.OSVersion = parseOS(h.OS)
	return &asset, nil
}

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

func parseQualysTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

type detectionOutput struct {
	XMLName  xml.Name `xml:"HOST_LIST_VM_DETECTION_OUTPUT"`
	Response struct {
		Hosts   []detectionHost `xml:"HOST_LIST>HOST"`
		Warning warning         `xml:"WARNING"`
	} `xml:"RESPONSE"`
}

type detectionHost struct {
	ID         string      `xml:"ID"`
	IP         string      `xml:"IP"`
	DNS        string      `xml:"DNS"`
	OS         string      `xml:"OS"`
	Detections []detection `xml:"DETECTION_LIST>DETECTION"`
}

type detection struct {
	QID        string `xml:"QID"`
	Severity   string `xml:"SEVERITY"`
	Status     string `xml:"STATUS"`
	FirstFound string `xml:"FIRST_FOUND_DATETIME"`
	LastFound  string `xml:"LAST_FOUND_DATETIME"`
}

// warning carries the pagination hint: a URL whose id_min query selects the
// next page.
type warning struct {
	Code string `xml:"CODE"`
	URL  string `xml:"URL"`
}

func (w *warning) nextIDMin() string {
	if w.URL == "" {
		return ""
	}
	u, err := url.Parse(w.URL)
	if err != nil {
		return ""
	}
	return u.Query().Get("id_min")
}

type kbOutput struct {
	XMLName  xml.Name `xml:"KNOWLEDGE_BASE_VULN_LIST_OUTPUT"`
	Response struct {
		Vulns []kbVuln `xml:"VULN_LIST>VULN"`
	} `xml:"RESPONSE"`
}

type kbVuln struct {
	QID       string   `xml:"QID"`
	Title     string   `xml:"TITLE"`
	Severity  string   `xml:"SEVERITY_LEVEL"`
	CVSS3Base string   `xml:"CVSS_V3>BASE"`
	CVEs      []string `xml:"CVE_LIST>CVE>ID"`
}

func (v *kbVuln) firstCVE() string {
	if len(v.CVEs) == 0 {
		return ""
	}
	return v.CVEs[0]
}

type hostOutput struct {
	XMLName  xml.Name `xml:"HOST_LIST_OUTPUT"`
	Response struct {
		Hosts []hostInfo `xml:"HOST_LIST>HOST"`
	} `xml:"RESPONSE"`
}

type hostInfo struct {
	ID  string `xml:"ID"`
	IP  string `xml:"IP"`
	DNS string `xml:"DNS"`
	OS  string `xml:"OS"`
}
