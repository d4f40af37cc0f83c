package migrations

import (
	"database/sql"
	"embed"

	"github.com/remind101/migrate"
)

// MigrationTable tracks which migrations have been applied.
const MigrationTable = "salve_migrations"

//go:embed */*.sql
var fs embed.FS

func runFile(n string) func(*sql.Tx) error {
	b, err := fs.ReadFile(n)
	return func(tx *sql.Tx) error {
		if err != nil {
			return err
		}
		if _, err := tx.Exec(string(b)); err != nil {
			return err
		}
		return nil
	}
}

// Migrations is the ordered schema history.
var Migrations = []migrate.Migration{
	{
		ID: 1,
		Up: runFile("salve/01-init.sql"),
	},
}
