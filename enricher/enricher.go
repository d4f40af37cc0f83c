// Package enricher augments deduplicated findings with authoritative CVE
// metadata, exploit prediction scores, and known-exploited status.
//
// External services sit behind a cache, a circuit breaker, bounded retries,
// and a request timeout; a service being down degrades the affected fields
// rather than failing the finding.
package enricher

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/quay/zlog"

	"github.com/salvus/salve"
	"github.com/salvus/salve/enricher/epss"
	"github.com/salvus/salve/enricher/kev"
	"github.com/salvus/salve/enricher/nvd"
	"github.com/salvus/salve/internal/cache"
	"github.com/salvus/salve/pkg/resilience"
)

// Defaults for Options fields left zero.
const (
	DefaultCacheTTL       = 24 * time.Hour
	DefaultConcurrency    = 5
	DefaultRequestTimeout = 30 * time.Second
)

// Options configures an Enricher.
type Options struct {
	// NVD is required.
	NVD *nvd.Client
	// EPSS is required.
	EPSS *epss.Client
	// KEV may be nil; kev.Stub is used in its place.
	KEV kev.Catalog
	// CacheTTL bounds how long NVD and EPSS responses are reused.
	CacheTTL time.Duration
	// Concurrency caps in-flight per-finding enrichments in EnrichAll.
	Concurrency int
	// RequestTimeout bounds each upstream request attempt; retries get a
	// fresh timeout.
	RequestTimeout time.Duration
}

// Enricher coordinates the external metadata services.
type Enricher struct {
	nvdC *nvd.Client
	epsC *epss.Client
	kevC kev.Catalog

	nvdCache cache.TTL[nvd.CVE]
	epsCache cache.TTL[epss.Score]

	nvdBreaker *resilience.CircuitBreaker
	epsBreaker *resilience.CircuitBreaker
	retry      resilience.Retry
	timeout    time.Duration
	bulkhead   *resilience.Bulkhead
}

// New returns an Enricher.
func New(ctx context.Context, opts Options) (*Enricher, error) {
	if opts.NVD == nil || opts.EPSS == nil {
		return nil, &salve.Error{Op: "enricher/New", Kind: salve.ErrConfig, Message: "NVD and EPSS clients are required"}
	}
	if opts.KEV == nil {
		opts.KEV = kev.Stub{}
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	e := &Enricher{
		nvdC:       opts.NVD,
		epsC:       opts.EPSS,
		kevC:       opts.KEV,
		nvdBreaker: resilience.NewBreaker("enricher.nvd", resilience.BreakerConfig{}),
		epsBreaker: resilience.NewBreaker("enricher.epss", resilience.BreakerConfig{}),
		retry: resilience.Retry{
			Base:        time.Second,
			MaxAttempts: 3,
			Retryable:   retryable,
		},
		timeout:  opts.RequestTimeout,
		bulkhead: resilience.NewBulkhead("enricher", int64(opts.Concurrency), 0),
	}
	e.nvdCache.Lifetime = opts.CacheTTL
	e.epsCache.Lifetime = opts.CacheTTL
	return e, nil
}

// retryable accepts the transient error classes; authentication and
// validation failures surface immediately.
func retryable(err error) bool {
	return salve.IsKind(err, salve.ErrRateLimit) ||
		salve.IsKind(err, salve.ErrTimeout) ||
		salve.IsKind(err, salve.ErrTransient)
}

// guard wraps one upstream call in timeout, retry, and breaker layers.
func (e *Enricher) guard(ctx context.Context, b *resilience.CircuitBreaker, fn func(context.Context) error) error {
	return b.Do(ctx, func(ctx context.Context) error {
		return e.retry.Do(ctx, func(ctx context.Context) error {
			return resilience.Do(ctx, e.timeout, fn)
		})
	})
}

func (e *Enricher) cve(ctx context.Context, id string) (*nvd.CVE, error) {
	return e.nvdCache.Get(ctx, id, func(ctx context.Context, key string) (*nvd.CVE, error) {
		var rec *nvd.CVE
		err := e.guard(ctx, e.nvdBreaker, func(ctx context.Context) error {
			var err error
			rec, err = e.nvdC.Fetch(ctx, key)
			return err
		})
		return rec, err
	})
}

func (e *Enricher) score(ctx context.Context, id string) (*epss.Score, error) {
	return e.epsCache.Get(ctx, id, func(ctx context.Context, key string) (*epss.Score, error) {
		var s *epss.Score
		err := e.guard(ctx, e.epsBreaker, func(ctx context.Context) error {
			var err error
			s, err = e.epsC.Lookup(ctx, key)
			return err
		})
		return s, err
	})
}

// Enrich augments one finding. A finding without a well-formed CVE passes
// through untouched except for the EnrichedAt stamp on success paths; an
// upstream being unavailable degrades its fields and logs a warning.
func (e *Enricher) Enrich(ctx context.Context, f salve.RawFinding) (salve.EnrichedFinding, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "enricher/Enricher.Enrich")
	out := salve.EnrichedFinding{RawFinding: f}
	if !ValidCVE(f.CVE) {
		if f.CVE != "" {
			zlog.Debug(ctx).Str("cve", f.CVE).Msg("malformed CVE, skipping external lookups")
		}
		return out, nil
	}
	ctx = zlog.ContextWithValues(ctx, "cve", f.CVE)

	var (
		wg     sync.WaitGroup
		rec    *nvd.CVE
		recErr error
		sc     *epss.Score
		scErr  error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		rec, recErr = e.cve(ctx, f.CVE)
	}()
	go func() {
		defer wg.Done()
		sc, scErr = e.score(ctx, f.CVE)
	}()
	wg.Wait()

	switch {
	case recErr == nil:
		applyCVE(&out, rec)
	case salve.IsKind(recErr, salve.ErrNotFound):
		zlog.Debug(ctx).Msg("no NVD record")
	default:
		zlog.Warn(ctx).Err(recErr).Msg("NVD lookup failed, degrading")
	}
	switch {
	case scErr == nil:
		out.EPSS = &sc.EPSS
		out.EPSSPercentile = &sc.Percentile
	case salve.IsKind(scErr, salve.ErrNotFound):
		zlog.Debug(ctx).Msg("no EPSS score")
	default:
		zlog.Warn(ctx).Err(scErr).Msg("EPSS lookup failed, degrading")
	}

	entry, err := e.kevC.Entry(ctx, f.CVE)
	switch {
	case err != nil:
		zlog.Warn(ctx).Err(err).Msg("KEV lookup failed, degrading")
	case entry != nil:
		out.InKEV = true
		out.ExploitAvailable = true
		// KEV membership proves in-the-wild exploitation; the catalog's
		// ransomware-campaign flag is the signal for "weaponized".
		if strings.EqualFold(entry.KnownRansomware, "known") {
			out.ExploitMaturity = "weaponized"
		} else {
			out.ExploitMaturity = "functional"
		}
	}
	if out.ExploitMaturity == "" {
		out.ExploitMaturity = "none"
	}

	out.EnrichedAt = time.Now().UTC()
	return out, nil
}

// applyCVE folds an NVD record into the finding. Adapter-supplied CVSS data
// is replaced only when the record carries a score.
func applyCVE(out *salve.EnrichedFinding, rec *nvd.CVE) {
	if out.Description == "" {
		out.Description = rec.Description
	}
	if rec.CVSS != nil {
		out.CVSS = rec.CVSS
		out.CVSSVector = rec.CVSSVector
	}
	if rec.Severity > out.Severity {
		out.Severity = rec.Severity
	}
	out.CWEs = rec.CWEs
	out.References = rec.References
	out.Published = rec.Published
	out.Modified = rec.Modified
}

// EnrichAll enriches a batch under the concurrency bulkhead. Findings whose
// enrichment is rejected or fails pass through unenriched; the output keeps
// the input order.
func (e *Enricher) EnrichAll(ctx context.Context, fs []salve.RawFinding) []salve.EnrichedFinding {
	ctx = zlog.ContextWithValues(ctx, "component", "enricher/Enricher.EnrichAll")
	out := make([]salve.EnrichedFinding, len(fs))
	var wg sync.WaitGroup
	for i := range fs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := e.bulkhead.Do(ctx, func(ctx context.Context) error {
				ef, err := e.Enrich(ctx, fs[i])
				if err != nil {
					return err
				}
				out[i] = ef
				return nil
			})
			if err != nil {
				zlog.Warn(ctx).Err(err).Str("cve", fs[i].CVE).Msg("enrichment skipped")
				out[i] = salve.EnrichedFinding{RawFinding: fs[i]}
			}
		}(i)
	}
	wg.Wait()
	return out
}
