// Package wazuh provides a scanner adapter for the Wazuh manager API.
//
// The API authenticates with basic credentials exchanged for a short-lived
// JWT; the adapter refreshes the token ahead of expiry under a mutex so
// concurrent callers never race a refresh. Vulnerability data is read per
// agent with offset/limit pagination.
package wazuh

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/quay/zlog"

	"github.com/salvus/salve"
	"github.com/salvus/salve/internal/httputil"
	"github.com/salvus/salve/scanner/driver"
)

func init() {
	driver.Register("wazuh", func(_ context.Context, name string) (driver.Adapter, error) {
		return &Adapter{name: name}, nil
	})
}

var (
	_ driver.Adapter      = (*Adapter)(nil)
	_ driver.Configurable = (*Adapter)(nil)
)

// tokens are valid for 900s by default; refresh with margin.
const tokenLifetime = 800 * time.Second

// pageSize is the offset/limit window used for list endpoints.
const pageSize = 500

// Adapter talks to one Wazuh manager.
type Adapter struct {
	name string
	c    *http.Client
	root *url.URL
	user string
	pass string

	mu      sync.Mutex
	token   string
	expires time.Time
}

// Config is the configuration for Adapter.
type Config struct {
	// manager API base URL, e.g. "https://wazuh.internal:55000".
	Endpoint *string `json:"endpoint" yaml:"endpoint"`
	Username *string `json:"username" yaml:"username"`
	Password *string `json:"password" yaml:"password"`
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
	if cfg.Endpoint == nil || cfg.Username == nil || cfg.Password == nil {
		return fmt.Errorf("wazuh: endpoint, username, and password are required")
	}
	u, err := url.Parse(*cfg.Endpoint)
	if err != nil {
		return fmt.Errorf("wazuh: bad endpoint: %w", err)
	}
	a.root = u
	a.user, a.pass = *cfg.Username, *cfg.Password
	return nil
}

// Name implements driver.Adapter.
func (a *Adapter) Name() string { return a.name }

// Authenticate implements driver.Adapter.
//
// Idempotent: a live token is reused, an expiring one replaced.
func (a *Adapter) Authenticate(ctx context.Context) error {
	ctx = zlog.ContextWithValues(ctx, "component", "scanner/wazuh/Adapter.Authenticate")
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.token != "" && time.Now().Before(a.expires) {
		return nil
	}
	u := *a.root
	u.Path = "/security/user/authenticate"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(a.user, a.pass)
	res, err := a.c.Do(req)
	if err != nil {
		return &salve.Error{Op: "wazuh/Adapter.Authenticate", Kind: salve.ErrAuthentication, Inner: err}
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden {
		return &salve.Error{Op: "wazuh/Adapter.Authenticate", Kind: salve.ErrAuthentication, Message: res.Status}
	}
	if err := httputil.CheckResponse(res, http.StatusOK); err != nil {
		return &salve.Error{Op: "wazuh/Adapter.Authenticate", Kind: salve.ErrAuthentication, Inner: err}
	}
	var body struct {
		Data struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return &salve.Error{Op: "wazuh/Adapter.Authenticate", Kind: salve.ErrAuthentication, Message: "decoding token response", Inner: err}
	}
	a.token, a.expires = body.Data.Token, time.Now().Add(tokenLifetime)
	zlog.Debug(ctx).Time("expires", a.expires).Msg("token refreshed")
	return nil
}

func (a *Adapter) getJSON(ctx context.Context, path string, query url.Values, v interface{}) error {
	if err := a.Authenticate(ctx); err != nil {
		return err
	}
	a.mu.Lock()
	token := a.token
	a.mu.Unlock()

	u := *a.root
	u.Path = path
	if query != nil {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	res, err := a.c.Do(req)
	if err != nil {
		return &salve.Error{Op: "wazuh", Kind: salve.ErrFetch, Inner: err}
	}
	defer res.Body.Close()
	switch res.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		// token revoked server-side; drop it so the next call re-auths.
		a.mu.Lock()
		a.token = ""
		a.mu.Unlock()
		return &salve.Error{Op: "wazuh", Kind: salve.ErrAuthentication, Message: res.Status}
	case http.StatusNotFound:
		return &salve.Error{Op: "wazuh", Kind: salve.ErrNotFound, Message: res.Status}
	}
	if err := httputil.CheckResponse(res, http.StatusOK); err != nil {
		return &salve.Error{Op: "wazuh", Kind: salve.ErrFetch, Inner: err}
	}
	if err := json.NewDecoder(res.Body).Decode(v); err != nil {
		return &salve.Error{Op: "wazuh", Kind: salve.ErrFetch, Message: "decoding response", Inner: err}
	}
	return nil
}

// HealthCheck implements driver.Adapter.
func (a *Adapter) HealthCheck(ctx context.Context) bool {
	return a.Authenticate(ctx) == nil
}

// FetchFindings implements driver.Adapter.
func (a *Adapter) FetchFindings(ctx context.Context, opts driver.FetchOpts) ([]salve.RawFinding, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "scanner/wazuh/Adapter.FetchFindings")

	agents, err := a.agents(ctx)
	if err != nil {
		return nil, err
	}
	zlog.Debug(ctx).Int("agents", len(agents)).Msg("listed agents")

	var out []salve.RawFinding
	for _, agent := range agents {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vulns, err := a.agentVulnerabilities(ctx, agent.ID)
		if err != nil {
			return nil, err
		}
		for _, v := range vulns {
			sev := driver.NormalizeSeverity(v.Severity)
			if !opts.Want(sev) {
				continue
			}
			pkg, ver := driver.ParsePackage(v.Name)
			if ver == "" {
				ver = v.Version
			}
			discovered := v.published()
			if opts.Since != nil && discovered.Before(*opts.Since) {
				continue
			}
			raw, _ := json.Marshal(v)
			out = append(out, salve.RawFinding{
				ID:                fmt.Sprintf("%s/%s/%s", agent.ID, v.CVE, v.Name),
				Scanner:           a.name,
				CVE:               v.CVE,
				Title:             v.Title,
				Severity:          sev,
				Package:           pkg,
				VulnerableVersion: ver,
				Assets:            []string{agent.ID},
				DiscoveredAt:      discovered,
				Raw:               map[string]json.RawMessage{a.name: raw},
			})
		}
	}
	zlog.Debug(ctx).Int("findings", len(out)).Msg("fetched findings")
	return out, nil
}

func (a *Adapter) agents(ctx context.Context) ([]agentInfo, error) {
	var out []agentInfo
	for offset := 0; ; offset += pageSize {
		q := url.Values{
			"offset": []string{strconv.Itoa(offset)},
			"limit":  []string{strconv.Itoa(pageSize)},
		}
		var page response[agentInfo]
		if err := a.getJSON(ctx, "/agents", q, &page); err != nil {
			return nil, err
		}
		out = append(out, page.Data.AffectedItems...)
		if offset+pageSize >= page.Data.TotalAffectedItems {
			return out, nil
		}
	}
}

func (a *Adapter) agentVulnerabilities(ctx context.Context, agentID string) ([]vulnItem, error) {
	var out []vulnItem
	for offset := 0; ; offset += pageSize {
		q := url.Values{
			"offset": []string{strconv.Itoa(offset)},
			"limit":  []string{strconv.Itoa(pageSize)},
		}
		var page response[vulnItem]
		if err := a.getJSON(ctx, "/vulnerability/"+url.PathEscape(agentID), q, &page); err != nil {
			return nil, err
		}
		out = append(out, page.Data.AffectedItems...)
		if offset+pageSize >= page.Data.TotalAffectedItems {
			return out, nil
		}
	}
}

// AssetDetails implements driver.Adapter.
func (a *Adapter) AssetDetails(ctx context.Context, assetID string) (*salve.Asset, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "scanner/wazuh/Adapter.AssetDetails")
	q := url.Values{"agents_list": []string{assetID}}
	var page response[agentInfo]
	if err := a.getJSON(ctx, "/agents", q, &page); err != nil {
		return nil, err
	}
	if len(page.Data.AffectedItems) == 0 {
		return nil, &salve.Error{Op: "wazuh/Adapter.AssetDetails", Kind: salve.ErrNotFound, Message: fmt.Sprintf("unknown asset %q", assetID)}
	}
	agent := page.Data.AffectedItems[0]
	return &salve.Asset{
		ID:        agent.ID,
		Hostname:  agent.Name,
		IP:        agent.IP,
		OSFamily:  agent.OS.Platform,
		OSVersion: agent.OS.Version,
	}, nil
}

// response is the generic Wazuh list envelope.
type response[T any] struct {
	Data struct {
		AffectedItems      []T `json:"affected_items"`
		TotalAffectedItems int `json:"total_affected_items"`
	} `json:"data"`
}

type agentInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	IP   string `json:"ip"`
	OS   struct {
		Platform string `json:"platform"`
		Version  string `json:"version"`
	} `json:"os"`
}

type vulnItem struct {
	CVE       string `json:"cve"`
	Title     string `json:"title"`
	Name      string `json:"name"`
	Version   string `json:"version"`
	Severity  string `json:"severity"`
	Condition string `json:"condition"`
	Published string `json:"published"`
}

func (v *vulnItem) published() time.Time {
	t, err := time.Parse("2006-01-02", v.Published)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
