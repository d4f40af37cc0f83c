package integration

import (
	"context"
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"math/rand"
	"os"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var rng *rand.Rand

func init() {
	// Seed our rng.
	b := make([]byte, 8)
	if _, err := io.ReadFull(crand.Reader, b); err != nil {
		panic(err)
	}
	rng = rand.New(rand.NewSource(int64(binary.BigEndian.Uint64(b))))
}

// EnvDSN names the database server integration tests create throwaway
// databases on.
const EnvDSN = `SALVE_TEST_DSN`

// DefaultDSN is a dsn for a database server usually set up by the project's
// Makefile.
const DefaultDSN = `host=localhost port=5434 user=salve dbname=salve sslmode=disable`

const (
	createRole      = `CREATE ROLE %s LOGIN;`
	createDatabase  = `CREATE DATABASE %[2]s WITH OWNER %[1]s ENCODING 'UTF8';`
	killConnections = `SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = $1;`
	dropDatabase    = `DROP DATABASE %s;`
	dropRole        = `DROP ROLE %s;`
)

// NewDB creates a throwaway database and role on the server named by
// EnvDSN, falling back to DefaultDSN when unset.
func NewDB(ctx context.Context, t testing.TB) (*DB, error) {
	dsn := os.Getenv(EnvDSN)
	if dsn == "" {
		dsn = DefaultDSN
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}

	database := fmt.Sprintf("db%x", rng.Uint64())
	role := fmt.Sprintf("role%x", rng.Uint64())

	conn, err := pgx.ConnectConfig(ctx, cfg.ConnConfig)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(ctx, fmt.Sprintf(createRole, role)); err != nil {
		return nil, err
	}
	if _, err := conn.Exec(ctx, fmt.Sprintf(createDatabase, role, database)); err != nil {
		return nil, err
	}
	if err := conn.Close(ctx); err != nil {
		return nil, err
	}

	cfg.ConnConfig.Database = database
	cfg.ConnConfig.User = role
	t.Logf("database %q role %q created", database, role)

	return &DB{
		dsn: dsn,
		cfg: cfg,
	}, nil
}

// DB is a handle for connecting to and cleaning up a created database.
type DB struct {
	dsn string
	cfg *pgxpool.Config
}

// Config returns a pgxpool.Config for the created database.
func (db *DB) Config() *pgxpool.Config {
	return db.cfg
}

// DSN returns a connection string for the created database.
func (db *DB) DSN() string {
	// later keywords win, overriding the base dsn's dbname and user.
	return fmt.Sprintf("%s dbname=%s user=%s", db.dsn, db.cfg.ConnConfig.Database, db.cfg.ConnConfig.User)
}

// Close tears down the created database.
func (db *DB) Close(ctx context.Context, t testing.TB) {
	cfg, err := pgxpool.ParseConfig(db.dsn)
	if err != nil {
		panic(err) // Should never happen.
	}
	conn, err := pgx.ConnectConfig(ctx, cfg.ConnConfig)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close(ctx)

	if _, err := conn.Exec(ctx, killConnections, db.cfg.ConnConfig.Database); err != nil {
		t.Error(err)
	}
	if _, err := conn.Exec(ctx, fmt.Sprintf(dropDatabase, db.cfg.ConnConfig.Database)); err != nil {
		t.Error(err)
	}
	if _, err := conn.Exec(ctx, fmt.Sprintf(dropRole, db.cfg.ConnConfig.User)); err != nil {
		t.Error(err)
	}
}
