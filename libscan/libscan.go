// Package libscan composes the ingestion pipeline: scanner adapters feed a
// deduplicator, the survivors are enriched, scored, and persisted. It is
// the surface a scheduler drives.
package libscan

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/quay/zlog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/salvus/salve"
	"github.com/salvus/salve/datastore"
	"github.com/salvus/salve/enricher"
	"github.com/salvus/salve/internal/dedup"
	"github.com/salvus/salve/internal/priority"
	"github.com/salvus/salve/scanner/driver"
)

// DefaultScanInterval is the background cycle period before jitter.
const DefaultScanInterval = 30 * time.Minute

// DefaultBatchSize caps concurrent adapter fetches.
const DefaultBatchSize = 4

// Options configures a Libscan.
type Options struct {
	// the constructed scanner adapters, in configuration order. That
	// order decides dedup tie-breaker fields; see [dedup.Deduplicator].
	Adapters []driver.Adapter
	// persistence. Required.
	Store datastore.Store
	// metadata enrichment. Required.
	Enricher *enricher.Enricher
	// total asset count used for the fleet-exposure priority term.
	FleetSize int
	// concurrent adapter fetches. Zero means DefaultBatchSize.
	BatchSize int
	// background cycle period. Zero means DefaultScanInterval; jitter of
	// ±60s is added to smear load across deployments.
	ScanInterval time.Duration
	// leave Start as a no-op; cycles run only when the scheduler calls
	// RunScanCycle.
	DisableBackgroundScans bool
}

// Libscan is the ingestion orchestrator.
type Libscan struct {
	adapters  []driver.Adapter
	store     datastore.Store
	enricher  *enricher.Enricher
	fleetSize int
	batch     int64
	interval  time.Duration
	noBG      bool
}

// CycleReport summarizes one scan cycle. Per-source failures are isolated
// here rather than aborting the cycle.
type CycleReport struct {
	Started  time.Time
	Finished time.Time
	// raw findings fetched across all sources.
	Fetched int
	// findings after dedup.
	Merged int
	// findings written to the store.
	Stored int
	// fetch failures by source name.
	SourceErrors map[string]error
}

// New validates opts and returns a ready Libscan.
func New(ctx context.Context, opts *Options) (*Libscan, error) {
	switch {
	case opts == nil, opts.Store == nil, opts.Enricher == nil:
		return nil, &salve.Error{
			Kind:    salve.ErrConfig,
			Op:      "libscan.New",
			Message: "a store and an enricher are required",
		}
	case len(opts.Adapters) == 0:
		return nil, &salve.Error{
			Kind:    salve.ErrConfig,
			Op:      "libscan.New",
			Message: "at least one scanner adapter is required",
		}
	}
	batch := opts.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	interval := opts.ScanInterval
	if interval <= 0 {
		interval = DefaultScanInterval
	}
	// ±60 second jitter, rounded to the nearest tenth of a second.
	const jitter = 120000
	ms := time.Duration(rand.Intn(jitter)-(jitter/2)) * time.Microsecond
	interval += ms.Round(100 * time.Millisecond)

	l := &Libscan{
		adapters:  opts.Adapters,
		store:     opts.Store,
		enricher:  opts.Enricher,
		fleetSize: opts.FleetSize,
		batch:     int64(batch),
		interval:  interval,
		noBG:      opts.DisableBackgroundScans,
	}
	zlog.Info(ctx).
		Int("adapters", len(opts.Adapters)).
		Int("batch", batch).
		Dur("interval", interval).
		Msg("ingestion orchestrator configured")
	return l, nil
}

// RunScanCycle fetches from every adapter, deduplicates, enriches, scores,
// and persists. Individual source failures are recorded in the report and
// do not abort the cycle; an error is returned only when every source
// failed or the store write failed.
func (l *Libscan) RunScanCycle(ctx context.Context, since *time.Time) (_ *CycleReport, err error) {
	ctx = zlog.ContextWithValues(ctx, "component", "libscan/Libscan.RunScanCycle")
	ctx, span := tracer.Start(ctx, "Libscan.RunScanCycle",
		trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "cycle error")
			return
		}
		span.SetStatus(codes.Ok, "")
	}()
	report := &CycleReport{
		Started:      time.Now().UTC(),
		SourceErrors: make(map[string]error),
	}
	defer func() { report.Finished = time.Now().UTC() }()

	// fan out, bounded by the batch size. Results land in per-adapter
	// slots so the merged stream keeps configuration order.
	sem := semaphore.NewWeighted(l.batch)
	fetched := make([][]salve.RawFinding, len(l.adapters))
	var mu sync.Mutex
	for i, a := range l.adapters {
		if err := sem.Acquire(ctx, 1); err != nil {
			return report, err
		}
		go func(i int, a driver.Adapter) {
			defer sem.Release(1)
			fctx := zlog.ContextWithValues(ctx, "source", a.Name())
			fs, err := a.FetchFindings(fctx, driver.FetchOpts{Since: since})
			if err != nil {
				zlog.Warn(fctx).Err(err).Msg("source fetch failed")
				mu.Lock()
				report.SourceErrors[a.Name()] = err
				mu.Unlock()
				return
			}
			zlog.Debug(fctx).Int("count", len(fs)).Msg("source fetched")
			fetched[i] = fs
		}(i, a)
	}
	// barrier: wait for every fetch.
	if err := sem.Acquire(ctx, l.batch); err != nil {
		return report, err
	}
	sem.Release(l.batch)

	d := dedup.New()
	for _, fs := range fetched {
		report.Fetched += len(fs)
		d.AddAll(fs)
	}
	merged := d.Findings()
	report.Merged = len(merged)
	if len(report.SourceErrors) == len(l.adapters) {
		return report, &salve.Error{
			Kind:    salve.ErrFetch,
			Op:      "libscan.Libscan.RunScanCycle",
			Message: "every scanner source failed",
		}
	}
	if len(merged) == 0 {
		cycleCount.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "empty")))
		zlog.Info(ctx).Msg("scan cycle found nothing")
		return report, nil
	}

	enriched := l.enricher.EnrichAll(ctx, merged)
	out := make([]*salve.EnrichedFinding, len(enriched))
	for i := range enriched {
		enriched[i].Priority = priority.Score(&enriched[i], l.fleetSize)
		out[i] = &enriched[i]
	}

	n, err := l.store.UpsertFindings(ctx, out)
	report.Stored = n
	if err != nil {
		cycleCount.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "store_error")))
		return report, fmt.Errorf("persisting findings: %w", err)
	}

	cycleCount.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "ok")))
	ingestedCount.Add(ctx, int64(n))
	zlog.Info(ctx).
		Int("fetched", report.Fetched).
		Int("merged", report.Merged).
		Int("stored", report.Stored).
		Int("source_errors", len(report.SourceErrors)).
		Msg("scan cycle done")
	return report, nil
}

// EnrichFinding re-enriches one stored finding by CVE id and persists the
// refreshed copy.
func (l *Libscan) EnrichFinding(ctx context.Context, cve string) (*salve.EnrichedFinding, error) {
	ctx = zlog.ContextWithValues(ctx,
		"component", "libscan/Libscan.EnrichFinding",
		"cve", cve)
	f, err := l.store.FindingByCVE(ctx, cve)
	if err != nil {
		return nil, err
	}
	ef, err := l.enricher.Enrich(ctx, f.RawFinding)
	if err != nil {
		return nil, err
	}
	ef.Priority = priority.Score(&ef, l.fleetSize)
	if err := l.store.UpsertFinding(ctx, &ef); err != nil {
		return nil, err
	}
	zlog.Debug(ctx).Float64("priority", ef.Priority).Msg("finding re-enriched")
	return &ef, nil
}

// RecomputePriorities rescores every stored finding with the current fleet
// size and persists the ones whose score moved. It returns the number of
// findings updated.
func (l *Libscan) RecomputePriorities(ctx context.Context) (int, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "libscan/Libscan.RecomputePriorities")
	fs, err := l.store.Findings(ctx, datastore.FindingsOpts{})
	if err != nil {
		return 0, err
	}
	var changed []*salve.EnrichedFinding
	for _, f := range fs {
		p := priority.Score(f, l.fleetSize)
		if p != f.Priority {
			f.Priority = p
			changed = append(changed, f)
		}
	}
	if len(changed) == 0 {
		return 0, nil
	}
	n, err := l.store.UpsertFindings(ctx, changed)
	if err != nil {
		return n, err
	}
	zlog.Info(ctx).
		Int("scanned", len(fs)).
		Int("updated", n).
		Msg("priorities recomputed")
	return n, nil
}

// Start runs scan cycles on the configured interval until ctx is done. It
// blocks; callers run it in its own goroutine. With background scans
// disabled it returns immediately.
func (l *Libscan) Start(ctx context.Context) error {
	ctx = zlog.ContextWithValues(ctx, "component", "libscan/Libscan.Start")
	if l.noBG {
		zlog.Info(ctx).Msg("background scans disabled")
		return nil
	}
	var since *time.Time
	t := time.NewTimer(l.interval)
	defer t.Stop()
	zlog.Info(ctx).Dur("interval", l.interval).Msg("background scan loop started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			started := time.Now().UTC()
			if _, err := l.RunScanCycle(ctx, since); err != nil {
				zlog.Error(ctx).Err(err).Msg("background scan cycle failed")
			} else {
				since = &started
			}
			t.Reset(l.interval)
		}
	}
}
