// Package sqlite implements the datastore.Store interface over an embedded
// SQLite database, for single-node and test deployments.
//
// The schema mirrors the postgres store with JSON documents in text
// columns. SQLite allows one writer at a time, so writes serialize on a
// process-wide mutex instead of surfacing SQLITE_BUSY to callers.
package sqlite

import (
	"context"
	"database/sql"
	"net/url"
	"sync"

	_ "modernc.org/sqlite" // register the sqlite driver

	"github.com/salvus/salve"
	"github.com/salvus/salve/datastore"
)

const schema = `
CREATE TABLE IF NOT EXISTS finding (
    key        TEXT PRIMARY KEY,
    cve        TEXT NOT NULL DEFAULT '',
    package    TEXT NOT NULL DEFAULT '',
    severity   INTEGER NOT NULL DEFAULT 0,
    priority   REAL NOT NULL DEFAULT 0,
    data       TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS finding_cve_idx ON finding (cve);
CREATE INDEX IF NOT EXISTS finding_priority_idx ON finding (priority DESC);

CREATE TABLE IF NOT EXISTS patch (
    id          TEXT PRIMARY KEY,
    finding_key TEXT NOT NULL,
    status      TEXT NOT NULL,
    data        TEXT NOT NULL,
    created_at  TEXT NOT NULL,
    updated_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS patch_finding_key_idx ON patch (finding_key);

CREATE TABLE IF NOT EXISTS sandbox_test (
    id         TEXT PRIMARY KEY,
    patch_id   TEXT NOT NULL,
    status     TEXT NOT NULL,
    data       TEXT NOT NULL,
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS sandbox_test_patch_id_idx ON sandbox_test (patch_id);
`

// Store implements datastore.Store.
type Store struct {
	db *sql.DB

	// serializes writes; see the package comment.
	mu sync.Mutex
}

var _ datastore.Store = (*Store)(nil)

// New opens the named database file, creating it and the schema as needed.
func New(ctx context.Context, file string) (*Store, error) {
	const op = `datastore/sqlite/New`
	u := url.URL{
		Scheme: `file`,
		Opaque: file,
		RawQuery: url.Values{
			"_pragma": {
				"foreign_keys(1)",
				"journal_mode(wal)",
				"busy_timeout(5000)",
			},
		}.Encode(),
	}
	db, err := sql.Open(`sqlite`, u.String())
	if err != nil {
		return nil, &salve.Error{Op: op, Kind: salve.ErrConfig, Message: "failed to open database", Inner: err}
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &salve.Error{Op: op, Kind: salve.ErrConfig, Message: "failed to open database", Inner: err}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, &salve.Error{Op: op, Kind: salve.ErrInternal, Message: "failed to create schema", Inner: err}
	}
	return &Store{db: db}, nil
}

// Close implements datastore.Store.
func (s *Store) Close(_ context.Context) error {
	return s.db.Close()
}
