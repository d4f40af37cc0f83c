package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/doug-martin/goqu/v8"
	_ "github.com/doug-martin/goqu/v8/dialect/postgres"
	"github.com/jackc/pgx/v5"
	"github.com/quay/zlog"

	"github.com/salvus/salve"
	"github.com/salvus/salve/datastore"
	"github.com/salvus/salve/internal/dedup"
	"github.com/salvus/salve/pkg/microbatch"
)

const upsertFinding = `
INSERT INTO finding (key, cve, package, severity, priority, data, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, now())
ON CONFLICT (key) DO UPDATE
SET cve        = excluded.cve,
    package    = excluded.package,
    severity   = excluded.severity,
    priority   = excluded.priority,
    data       = excluded.data,
    updated_at = now();
`

// UpsertFinding implements datastore.Store.
func (s *Store) UpsertFinding(ctx context.Context, f *salve.EnrichedFinding) (err error) {
	defer observe("upsertFinding", time.Now())(&err)
	ctx = zlog.ContextWithValues(ctx, "component", "datastore/postgres/Store.UpsertFinding")
	b, err := json.Marshal(f)
	if err != nil {
		return &salve.Error{Op: "datastore/postgres/Store.UpsertFinding", Kind: salve.ErrInternal, Inner: err}
	}
	_, err = s.pool.Exec(ctx, upsertFinding,
		dedup.Key(&f.RawFinding), f.CVE, f.Package, int(f.Severity), f.Priority, b)
	return err
}

// UpsertFindings implements datastore.Store. All findings are written in
// one transaction; none are visible if any write fails.
func (s *Store) UpsertFindings(ctx context.Context, fs []*salve.EnrichedFinding) (_ int, err error) {
	defer observe("upsertFindings", time.Now())(&err)
	ctx = zlog.ContextWithValues(ctx, "component", "datastore/postgres/Store.UpsertFindings")
	if len(fs) == 0 {
		return 0, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	batch := microbatch.NewInsert(tx, 500, time.Minute)
	for _, f := range fs {
		b, err := json.Marshal(f)
		if err != nil {
			return 0, &salve.Error{Op: "datastore/postgres/Store.UpsertFindings", Kind: salve.ErrInternal, Inner: err}
		}
		if err := batch.Queue(ctx, upsertFinding,
			dedup.Key(&f.RawFinding), f.CVE, f.Package, int(f.Severity), f.Priority, b); err != nil {
			return 0, err
		}
	}
	if err := batch.Done(ctx); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	zlog.Debug(ctx).Int("count", len(fs)).Msg("findings upserted")
	return len(fs), nil
}

// FindingByCVE implements datastore.Store. When several stored findings
// carry the CVE, the highest-priority one is returned.
func (s *Store) FindingByCVE(ctx context.Context, cve string) (_ *salve.EnrichedFinding, err error) {
	defer observe("findingByCVE", time.Now())(&err)
	const query = `
SELECT data FROM finding WHERE cve = $1 ORDER BY priority DESC LIMIT 1;
`
	var b []byte
	err = s.pool.QueryRow(ctx, query, cve).Scan(&b)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return nil, &salve.Error{
			Op:      "datastore/postgres/Store.FindingByCVE",
			Kind:    salve.ErrNotFound,
			Message: cve,
		}
	case err != nil:
		return nil, err
	}
	var f salve.EnrichedFinding
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, &salve.Error{Op: "datastore/postgres/Store.FindingByCVE", Kind: salve.ErrInternal, Inner: err}
	}
	return &f, nil
}

// Findings implements datastore.Store. Results are ordered by priority,
// highest first.
func (s *Store) Findings(ctx context.Context, opts datastore.FindingsOpts) (_ []*salve.EnrichedFinding, err error) {
	defer observe("findings", time.Now())(&err)
	ctx = zlog.ContextWithValues(ctx, "component", "datastore/postgres/Store.Findings")

	query, args, err := buildFindingsQuery(opts)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*salve.EnrichedFinding
	for rows.Next() {
		var b []byte
		if err := rows.Scan(&b); err != nil {
			return nil, err
		}
		var f salve.EnrichedFinding
		if err := json.Unmarshal(b, &f); err != nil {
			return nil, &salve.Error{Op: "datastore/postgres/Store.Findings", Kind: salve.ErrInternal, Inner: err}
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}

// buildFindingsQuery translates FindingsOpts into SQL.
func buildFindingsQuery(opts datastore.FindingsOpts) (string, []interface{}, error) {
	psql := goqu.Dialect("postgres")
	exps := []goqu.Expression{}
	if opts.CVE != "" {
		exps = append(exps, goqu.Ex{"cve": opts.CVE})
	}
	if opts.Package != "" {
		exps = append(exps, goqu.Ex{"package": opts.Package})
	}
	if opts.MinSeverity != nil {
		exps = append(exps, goqu.C("severity").Gte(int(*opts.MinSeverity)))
	}
	if opts.MinPriority != nil {
		exps = append(exps, goqu.C("priority").Gte(*opts.MinPriority))
	}
	ds := psql.From("finding").
		Select("data").
		Where(exps...).
		Order(goqu.C("priority").Desc())
	if opts.Limit > 0 {
		ds = ds.Limit(uint(opts.Limit))
	}
	return ds.Prepared(true).ToSQL()
}
