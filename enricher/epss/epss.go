// Package epss implements a client for the FIRST.org EPSS scoring API and
// its daily bulk snapshot.
package epss

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/quay/zlog"
	"golang.org/x/time/rate"

	"github.com/salvus/salve"
	"github.com/salvus/salve/internal/httputil"
)

// DefaultRoot is the production API endpoint.
const DefaultRoot = `https://api.first.org/data/v1/epss`

// DefaultSnapshotRoot hosts the daily full-score CSV dumps.
const DefaultSnapshotRoot = `https://epss.cyentia.com`

// batchMax is the largest cve parameter list sent in one request. The API
// accepts more, but responses degrade well before the documented cap.
const batchMax = 30

// Score is one CVE's exploit prediction.
type Score struct {
	CVE        string
	EPSS       float64
	Percentile float64
	Date       string
}

// Client fetches EPSS scores.
type Client struct {
	c        *http.Client
	root     *url.URL
	snapRoot *url.URL
	// politeness limiter; FIRST.org publishes no hard quota.
	lim *rate.Limiter
}

// NewClient returns a configured Client. An empty root selects the
// production endpoint.
func NewClient(c *http.Client, root string) (*Client, error) {
	if c == nil {
		c = http.DefaultClient
	}
	if root == "" {
		root = DefaultRoot
	}
	u, err := url.Parse(root)
	if err != nil {
		return nil, fmt.Errorf("epss: bad root URL: %w", err)
	}
	su, err := url.Parse(DefaultSnapshotRoot)
	if err != nil {
		panic("programmer error: bad default snapshot root")
	}
	return &Client{
		c:        c,
		root:     u,
		snapRoot: su,
		lim:      rate.NewLimiter(rate.Every(time.Second), 2),
	}, nil
}

// SetSnapshotRoot overrides the snapshot host. Meant for tests and mirrors.
func (c *Client) SetSnapshotRoot(root string) error {
	u, err := url.Parse(root)
	if err != nil {
		return err
	}
	c.snapRoot = u
	return nil
}

// Lookup fetches the score for one CVE. A CVE the model does not cover
// reports a salve.ErrNotFound error.
func (c *Client) Lookup(ctx context.Context, cveID string) (*Score, error) {
	ss, err := c.LookupBatch(ctx, []string{cveID})
	if err != nil {
		return nil, err
	}
	s, ok := ss[cveID]
	if !ok {
		return nil, &salve.Error{Op: "epss/Client.Lookup", Kind: salve.ErrNotFound, Message: fmt.Sprintf("no score for %q", cveID)}
	}
	return s, nil
}

// LookupBatch fetches scores for a set of CVEs, chunking requests. CVEs the
// model does not cover are absent from the returned map.
func (c *Client) LookupBatch(ctx context.Context, cveIDs []string) (map[string]*Score, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "enricher/epss/Client.LookupBatch")
	out := make(map[string]*Score, len(cveIDs))
	for len(cveIDs) > 0 {
		n := len(cveIDs)
		if n > batchMax {
			n = batchMax
		}
		if err := c.page(ctx, cveIDs[:n], out); err != nil {
			return nil, err
		}
		cveIDs = cveIDs[n:]
	}
	return out, nil
}

func (c *Client) page(ctx context.Context, ids []string, out map[string]*Score) error {
	if err := c.lim.Wait(ctx); err != nil {
		return err
	}
	u := *c.root
	u.RawQuery = url.Values{"cve": []string{strings.Join(ids, ",")}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	res, err := c.c.Do(req)
	if err != nil {
		return &salve.Error{Op: "epss/Client.LookupBatch", Kind: salve.ErrFetch, Inner: err}
	}
	defer res.Body.Close()
	if err := httputil.Classify("epss/Client.LookupBatch", res); err != nil {
		return err
	}
	var doc struct {
		Data []struct {
			CVE        string `json:"cve"`
			EPSS       string `json:"epss"`
			Percentile string `json:"percentile"`
			Date       string `json:"date"`
		} `json:"data"`
	}
	if err := json.NewDecoder(res.Body).Decode(&doc); err != nil {
		return &salve.Error{Op: "epss/Client.LookupBatch", Kind: salve.ErrFetch, Message: "decoding response", Inner: err}
	}
	for _, d := range doc.Data {
		s := Score{CVE: d.CVE, Date: d.Date}
		if s.EPSS, err = strconv.ParseFloat(d.EPSS, 64); err != nil {
			continue
		}
		if s.Percentile, err = strconv.ParseFloat(d.Percentile, 64); err != nil {
			continue
		}
		out[d.CVE] = &s
	}
	return nil
}

// Snapshot streams the daily full-model CSV dump for the given day, calling
// fn for every score row. Intended for bulk-priming a cache ahead of a large
// enrichment run.
func (c *Client) Snapshot(ctx context.Context, day time.Time, fn func(Score) error) error {
	ctx = zlog.ContextWithValues(ctx, "component", "enricher/epss/Client.Snapshot")
	u := *c.snapRoot
	u.Path = fmt.Sprintf("/epss_scores-%s.csv.gz", day.UTC().Format("2006-01-02"))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	res, err := c.c.Do(req)
	if err != nil {
		return &salve.Error{Op: "epss/Client.Snapshot", Kind: salve.ErrFetch, Inner: err}
	}
	defer res.Body.Close()
	if err := httputil.Classify("epss/Client.Snapshot", res); err != nil {
		return err
	}
	gz, err := gzip.NewReader(res.Body)
	if err != nil {
		return &salve.Error{Op: "epss/Client.Snapshot", Kind: salve.ErrFetch, Message: "opening gzip stream", Inner: err}
	}
	defer gz.Close()

	n, err := parseSnapshot(gz, fn)
	if err != nil {
		return err
	}
	zlog.Debug(ctx).Int("scores", n).Msg("snapshot loaded")
	return nil
}

// parseSnapshot reads the dump format: a "#model_version:…,score_date:…"
// comment line, a header line, then cve,epss,percentile rows.
func parseSnapshot(r io.Reader, fn func(Score) error) (int, error) {
	sc := bufio.NewScanner(r)
	var date string
	var n int
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "" || strings.HasPrefix(line, "cve,"):
			continue
		case strings.HasPrefix(line, "#"):
			if _, d, ok := strings.Cut(line, "score_date:"); ok {
				date = strings.SplitN(d, "T", 2)[0]
			}
			continue
		}
		parts := strings.SplitN(line, ",", 3)
		if len(parts) != 3 {
			continue
		}
		s := Score{CVE: parts[0], Date: date}
		var err error
		if s.EPSS, err = strconv.ParseFloat(parts[1], 64); err != nil {
			continue
		}
		if s.Percentile, err = strconv.ParseFloat(parts[2], 64); err != nil {
			continue
		}
		if err := fn(s); err != nil {
			return n, err
		}
		n++
	}
	return n, sc.Err()
}
