package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/doug-martin/goqu/v8"
	_ "github.com/doug-martin/goqu/v8/dialect/sqlite3"
	"github.com/quay/zlog"

	"github.com/salvus/salve"
	"github.com/salvus/salve/datastore"
	"github.com/salvus/salve/internal/dedup"
)

const upsertFinding = `
INSERT INTO finding (key, cve, package, severity, priority, data, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (key) DO UPDATE
SET cve        = excluded.cve,
    package    = excluded.package,
    severity   = excluded.severity,
    priority   = excluded.priority,
    data       = excluded.data,
    updated_at = excluded.updated_at;
`

// UpsertFinding implements datastore.Store.
func (s *Store) UpsertFinding(ctx context.Context, f *salve.EnrichedFinding) error {
	b, err := json.Marshal(f)
	if err != nil {
		return &salve.Error{Op: "datastore/sqlite/Store.UpsertFinding", Kind: salve.ErrInternal, Inner: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, upsertFinding,
		dedup.Key(&f.RawFinding), f.CVE, f.Package, int(f.Severity), f.Priority,
		string(b), time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

// UpsertFindings implements datastore.Store. All findings are written in
// one transaction.
func (s *Store) UpsertFindings(ctx context.Context, fs []*salve.EnrichedFinding) (int, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "datastore/sqlite/Store.UpsertFindings")
	if len(fs) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertFinding)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, f := range fs {
		b, err := json.Marshal(f)
		if err != nil {
			return 0, &salve.Error{Op: "datastore/sqlite/Store.UpsertFindings", Kind: salve.ErrInternal, Inner: err}
		}
		if _, err := stmt.ExecContext(ctx,
			dedup.Key(&f.RawFinding), f.CVE, f.Package, int(f.Severity), f.Priority,
			string(b), now); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	zlog.Debug(ctx).Int("count", len(fs)).Msg("findings upserted")
	return len(fs), nil
}

// FindingByCVE implements datastore.Store. When several stored findings
// carry the CVE, the highest-priority one is returned.
func (s *Store) FindingByCVE(ctx context.Context, cve string) (*salve.EnrichedFinding, error) {
	const query = `
SELECT data FROM finding WHERE cve = ? ORDER BY priority DESC LIMIT 1;
`
	var b []byte
	err := s.db.QueryRowContext(ctx, query, cve).Scan(&b)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, &salve.Error{
			Op:      "datastore/sqlite/Store.FindingByCVE",
			Kind:    salve.ErrNotFound,
			Message: cve,
		}
	case err != nil:
		return nil, err
	}
	var f salve.EnrichedFinding
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, &salve.Error{Op: "datastore/sqlite/Store.FindingByCVE", Kind: salve.ErrInternal, Inner: err}
	}
	return &f, nil
}

// Findings implements datastore.Store. Results are ordered by priority,
// highest first.
func (s *Store) Findings(ctx context.Context, opts datastore.FindingsOpts) ([]*salve.EnrichedFinding, error) {
	query, args, err := buildFindingsQuery(opts)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
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
			return nil, &salve.Error{Op: "datastore/sqlite/Store.Findings", Kind: salve.ErrInternal, Inner: err}
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}

func buildFindingsQuery(opts datastore.FindingsOpts) (string, []interface{}, error) {
	d := goqu.Dialect("sqlite3")
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
	ds := d.From("finding").
		Select("data").
		Where(exps...).
		Order(goqu.C("priority").Desc())
	if opts.Limit > 0 {
		ds = ds.Limit(uint(opts.Limit))
	}
	return ds.Prepared(true).ToSQL()
}
