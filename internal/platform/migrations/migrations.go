// Package migrations applies the schema in /migrations against a
// Postgres database using golang-migrate, the teacher's migration
// tooling dependency (the embedded-FS runner in
// internal/platform/migrations of the teacher repo covers the same
// concern; this wires the real library instead of hand-rolling the
// apply loop).
package migrations

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// Apply runs every pending up migration in dir against db. It is
// idempotent: a database already at the latest version returns nil.
func Apply(db *sql.DB, dir string) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("migrations: build postgres driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(fmt.Sprintf("file://%s", dir), "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrations: load source %s: %w", dir, err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrations: apply: %w", err)
	}
	return nil
}
