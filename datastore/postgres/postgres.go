// Package postgres implements the datastore.Store interface over a
// PostgreSQL database.
//
// Findings, patch artifacts, and sandbox tests are stored as JSONB
// documents alongside the handful of columns the dynamic queries filter
// on; the document is always authoritative.
package postgres

import (
	"context"
	"database/sql"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/remind101/migrate"

	"github.com/salvus/salve"
	"github.com/salvus/salve/datastore"
	"github.com/salvus/salve/datastore/postgres/migrations"
)

// Store implements datastore.Store.
type Store struct {
	pool *pgxpool.Pool
}

var _ datastore.Store = (*Store)(nil)

// NewStore returns a Store backed by the pool. The schema must already be
// in place; see Init.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init connects to the database, runs migrations, and returns a ready
// Store.
func Init(ctx context.Context, connString string, applicationName string) (*Store, error) {
	const op = `datastore/postgres/Init`
	pool, err := Connect(ctx, connString, applicationName)
	if err != nil {
		return nil, err
	}
	cfg := pool.Config().ConnConfig
	db := sql.OpenDB(stdlib.GetConnector(*cfg))
	defer db.Close()

	migrator := migrate.NewPostgresMigrator(db)
	migrator.Table = migrations.MigrationTable
	if err := migrator.Exec(migrate.Up, migrations.Migrations...); err != nil {
		pool.Close()
		return nil, &salve.Error{
			Op:      op,
			Kind:    salve.ErrInternal,
			Message: "failed to perform migrations",
			Inner:   err,
		}
	}
	return NewStore(pool), nil
}

// Pool exposes the underlying pool, primarily for tests.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close implements datastore.Store.
func (s *Store) Close(_ context.Context) error {
	s.pool.Close()
	return nil
}
