// Package kev tracks the CISA Known Exploited Vulnerabilities catalog.
//
// The catalog is a single JSON document refreshed on a fixed schedule; the
// client keeps an in-memory index and revalidates with If-None-Match so an
// unchanged catalog costs one conditional request.
package kev

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/quay/zlog"

	"github.com/salvus/salve"
	"github.com/salvus/salve/internal/httputil"
)

// DefaultFeed is the published catalog location.
const DefaultFeed = `https://www.cisa.gov/sites/default/files/feeds/known_exploited_vulnerabilities.json`

// DefaultRefresh is how stale the in-memory index may get before a use
// triggers revalidation.
const DefaultRefresh = 24 * time.Hour

// Entry is one catalog record.
type Entry struct {
	CVE              string `json:"cveID"`
	Vendor           string `json:"vendorProject"`
	Product          string `json:"product"`
	Name             string `json:"vulnerabilityName"`
	DateAdded        string `json:"dateAdded"`
	RequiredAction   string `json:"requiredAction"`
	DueDate          string `json:"dueDate"`
	KnownRansomware  string `json:"knownRansomwareCampaignUse"`
	ShortDescription string `json:"shortDescription"`
}

// Catalog answers known-exploited lookups. Implementations must be safe for
// concurrent use.
type Catalog interface {
	// Known reports whether the CVE appears in the catalog.
	Known(ctx context.Context, cve string) (bool, error)
	// Entry returns the catalog record, or nil when absent.
	Entry(ctx context.Context, cve string) (*Entry, error)
}

// Stub is a Catalog that knows nothing. It stands in when the platform runs
// without outbound access to CISA.
type Stub struct{}

var _ Catalog = Stub{}

func (Stub) Known(context.Context, string) (bool, error)   { return false, nil }
func (Stub) Entry(context.Context, string) (*Entry, error) { return nil, nil }

// Client is a Catalog backed by the live CISA feed.
type Client struct {
	c       *http.Client
	feed    *url.URL
	refresh time.Duration

	mu      sync.RWMutex
	idx     map[string]*Entry
	etag    string
	fetched time.Time

	now func() time.Time
}

var _ Catalog = (*Client)(nil)

// NewClient returns a Client. An empty feed selects the published catalog;
// a zero refresh selects DefaultRefresh. The catalog is fetched lazily on
// first use.
func NewClient(c *http.Client, feed string, refresh time.Duration) (*Client, error) {
	if c == nil {
		c = http.DefaultClient
	}
	if feed == "" {
		feed = DefaultFeed
	}
	u, err := url.Parse(feed)
	if err != nil {
		return nil, fmt.Errorf("kev: bad feed URL: %w", err)
	}
	if refresh <= 0 {
		refresh = DefaultRefresh
	}
	return &Client{c: c, feed: u, refresh: refresh, now: time.Now}, nil
}

// Known implements Catalog.
func (c *Client) Known(ctx context.Context, cve string) (bool, error) {
	e, err := c.Entry(ctx, cve)
	return e != nil, err
}

// Entry implements Catalog.
func (c *Client) Entry(ctx context.Context, cve string) (*Entry, error) {
	if err := c.ensure(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.idx[cve], nil
}

// Len reports the number of catalog entries currently indexed.
func (c *Client) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.idx)
}

func (c *Client) ensure(ctx context.Context) error {
	c.mu.RLock()
	fresh := c.idx != nil && c.now().Sub(c.fetched) < c.refresh
	c.mu.RUnlock()
	if fresh {
		return nil
	}
	return c.load(ctx)
}

func (c *Client) load(ctx context.Context) error {
	ctx = zlog.ContextWithValues(ctx, "component", "enricher/kev/Client.load")
	c.mu.Lock()
	defer c.mu.Unlock()
	// a concurrent load may have finished while this one waited.
	if c.idx != nil && c.now().Sub(c.fetched) < c.refresh {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.feed.String(), nil)
	if err != nil {
		return err
	}
	if c.etag != "" {
		req.Header.Set("If-None-Match", c.etag)
	}
	res, err := c.c.Do(req)
	if err != nil {
		// a stale index beats no index.
		if c.idx != nil {
			zlog.Warn(ctx).Err(err).Msg("catalog refresh failed, serving stale index")
			c.fetched = c.now()
			return nil
		}
		return &salve.Error{Op: "kev/Client.load", Kind: salve.ErrFetch, Inner: err}
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotModified {
		zlog.Debug(ctx).Str("etag", c.etag).Msg("catalog unchanged")
		c.fetched = c.now()
		return nil
	}
	if err := httputil.Classify("kev/Client.load", res); err != nil {
		if c.idx != nil {
			zlog.Warn(ctx).Err(err).Msg("catalog refresh failed, serving stale index")
			c.fetched = c.now()
			return nil
		}
		return err
	}

	var doc struct {
		Count           int     `json:"count"`
		Vulnerabilities []Entry `json:"vulnerabilities"`
	}
	if err := json.NewDecoder(res.Body).Decode(&doc); err != nil {
		return &salve.Error{Op: "kev/Client.load", Kind: salve.ErrFetch, Message: "decoding catalog", Inner: err}
	}
	idx := make(map[string]*Entry, len(doc.Vulnerabilities))
	for i := range doc.Vulnerabilities {
		e := &doc.Vulnerabilities[i]
		idx[e.CVE] = e
	}
	c.idx = idx
	c.etag = res.Header.Get("Etag")
	c.fetched = c.now()
	zlog.Debug(ctx).Int("entries", len(idx)).Msg("catalog loaded")
	return nil
}
