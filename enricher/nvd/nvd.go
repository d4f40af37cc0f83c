// Package nvd implements a client for the NVD CVE API 2.0.
//
// The public API enforces a rolling-window rate limit of 5 requests per 30
// seconds without an API key and 50 with one; the client tracks its own
// request timestamps and sleeps before breaching the window rather than
// burning requests into 403s.
package nvd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/quay/zlog"

	"github.com/salvus/salve"
	"github.com/salvus/salve/internal/httputil"
)

// DefaultRoot is the production API endpoint.
const DefaultRoot = `https://services.nvd.nist.gov/rest/json/cves/2.0`

const (
	window        = 30 * time.Second
	keylessBudget = 5
	keyedBudget   = 50
	apiKeyHeader  = "apiKey"
	retryAfter429 = window
)

// Client fetches CVE records.
type Client struct {
	c    *http.Client
	root *url.URL
	key  string

	// rolling window of request start times, oldest first.
	mu    sync.Mutex
	sent  []time.Time
	limit int

	// swappable for tests.
	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// NewClient returns a configured Client. An empty root means DefaultRoot; an
// empty key means the keyless rate budget.
func NewClient(c *http.Client, root, key string) (*Client, error) {
	if c == nil {
		c = http.DefaultClient
	}
	if root == "" {
		root = DefaultRoot
	}
	u, err := url.Parse(root)
	if err != nil {
		return nil, fmt.Errorf("nvd: bad root URL: %w", err)
	}
	limit := keylessBudget
	if key != "" {
		limit = keyedBudget
	}
	return &Client{
		c:     c,
		root:  u,
		key:   key,
		limit: limit,
		now:   time.Now,
		sleep: sleepCtx,
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-t.C:
		return nil
	}
}

// reserve blocks until a request slot is available in the rolling window,
// then records the slot.
func (c *Client) reserve(ctx context.Context) error {
	for {
		c.mu.Lock()
		now := c.now()
		cut := now.Add(-window)
		i := 0
		for i < len(c.sent) && !c.sent[i].After(cut) {
			i++
		}
		c.sent = c.sent[i:]
		if len(c.sent) < c.limit {
			c.sent = append(c.sent, now)
			c.mu.Unlock()
			return nil
		}
		wait := c.sent[0].Add(window).Sub(now)
		c.mu.Unlock()
		if err := c.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// CVE is the subset of an NVD record the enricher consumes.
type CVE struct {
	ID          string
	Description string
	CVSS        *float64
	CVSSVector  string
	Severity    salve.Severity
	CWEs        []string
	References  []salve.Reference
	Published   time.Time
	Modified    time.Time
}

// Fetch retrieves one CVE record. An unknown identifier reports a
// salve.ErrNotFound error.
func (c *Client) Fetch(ctx context.Context, cveID string) (*CVE, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "enricher/nvd/Client.Fetch")
	res, err := c.get(ctx, cveID)
	if err != nil {
		return nil, err
	}
	if res.StatusCode == http.StatusTooManyRequests {
		res.Body.Close()
		// the server disagrees with our bookkeeping; honor the window once.
		zlog.Debug(ctx).Str("cve", cveID).Msg("rate limited upstream, sleeping window")
		if err := c.sleep(ctx, retryAfter429); err != nil {
			return nil, err
		}
		if res, err = c.get(ctx, cveID); err != nil {
			return nil, err
		}
	}
	defer res.Body.Close()
	if err := httputil.Classify("nvd/Client.Fetch", res); err != nil {
		return nil, err
	}

	var doc apiResponse
	if err := json.NewDecoder(res.Body).Decode(&doc); err != nil {
		return nil, &salve.Error{Op: "nvd/Client.Fetch", Kind: salve.ErrFetch, Message: "decoding response", Inner: err}
	}
	if len(doc.Vulnerabilities) == 0 {
		return nil, &salve.Error{Op: "nvd/Client.Fetch", Kind: salve.ErrNotFound, Message: fmt.Sprintf("no record for %q", cveID)}
	}
	return parse(&doc.Vulnerabilities[0].CVE), nil
}

func (c *Client) get(ctx context.Context, cveID string) (*http.Response, error) {
	if err := c.reserve(ctx); err != nil {
		return nil, err
	}
	u := *c.root
	u.RawQuery = url.Values{"cveId": []string{cveID}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if c.key != "" {
		req.Header.Set(apiKeyHeader, c.key)
	}
	res, err := c.c.Do(req)
	if err != nil {
		return nil, &salve.Error{Op: "nvd/Client.Fetch", Kind: salve.ErrFetch, Inner: err}
	}
	return res, nil
}

// parse flattens an API record, preferring CVSS v3.1 metrics, then v3.0,
// then v2.
func parse(rec *cveRecord) *CVE {
	out := CVE{
		ID:        rec.ID,
		Published: rec.Published.Time,
		Modified:  rec.Modified.Time,
	}
	for _, d := range rec.Descriptions {
		if d.Lang == "en" {
			out.Description = d.Value
			break
		}
	}
	for _, ms := range [][]metric{rec.Metrics.V31, rec.Metrics.V30} {
		if len(ms) == 0 {
			continue
		}
		m := ms[0]
		s := m.CVSSData.BaseScore
		out.CVSS = &s
		out.CVSSVector = m.CVSSData.VectorString
		out.Severity = severityFromName(m.CVSSData.BaseSeverity)
		break
	}
	if out.CVSS == nil && len(rec.Metrics.V2) > 0 {
		m := rec.Metrics.V2[0]
		s := m.CVSSData.BaseScore
		out.CVSS = &s
		out.CVSSVector = m.CVSSData.VectorString
		out.Severity = severityFromName(m.BaseSeverity)
	}
	for _, w := range rec.Weaknesses {
		for _, d := range w.Description {
			if d.Lang != "en" {
				continue
			}
			if strings.HasPrefix(d.Value, "CWE-") {
				out.CWEs = append(out.CWEs, d.Value)
			}
		}
	}
	for _, r := range rec.References {
		out.References = append(out.References, salve.Reference{URL: r.URL, Source: r.Source})
	}
	return &out
}

func severityFromName(s string) salve.Severity {
	switch strings.ToUpper(s) {
	case "CRITICAL":
		return salve.Critical
	case "HIGH":
		return salve.High
	case "MEDIUM":
		return salve.Medium
	case "LOW":
		return salve.Low
	case "NONE":
		return salve.Info
	}
	return salve.Unknown
}

// nvdTime handles the fractional-second, zone-less timestamps the API emits.
type nvdTime struct{ time.Time }

func (t *nvdTime) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	for _, layout := range []string{"2006-01-02T15:04:05.000", time.RFC3339} {
		if p, err := time.Parse(layout, s); err == nil {
			t.Time = p.UTC()
			return nil
		}
	}
	return fmt.Errorf("nvd: unparsable timestamp %q", s)
}

type apiResponse struct {
	TotalResults    int `json:"totalResults"`
	Vulnerabilities []struct {
		CVE cveRecord `json:"cve"`
	} `json:"vulnerabilities"`
}

type cveRecord struct {
	ID           string  `json:"id"`
	Published    nvdTime `json:"published"`
	Modified     nvdTime `json:"lastModified"`
	Descriptions []struct {
		Lang  string `json:"lang"`
		Value string `json:"value"`
	} `json:"descriptions"`
	Metrics struct {
		V31 []metric `json:"cvssMetricV31"`
		V30 []metric `json:"cvssMetricV30"`
		V2  []metric `json:"cvssMetricV2"`
	} `json:"metrics"`
	Weaknesses []struct {
		Description []struct {
			Lang  string `json:"lang"`
			Value string `json:"value"`
		} `json:"description"`
	} `json:"weaknesses"`
	References []struct {
		URL    string `json:"url"`
		Source string `json:"source"`
	} `json:"references"`
}

type metric struct {
	CVSSData struct {
		VectorString string  `json:"vectorString"`
		BaseScore    float64 `json:"baseScore"`
		BaseSeverity string  `json:"baseSeverity"`
	} `json:"cvssData"`
	// v2 carries severity beside the data block.
	BaseSeverity string `json:"baseSeverity"`
}
