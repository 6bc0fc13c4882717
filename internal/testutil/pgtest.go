// Package testutil provides Postgres fixtures for integration tests.
package testutil

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
)

// ErrNoMigrations is returned when no migrations/ directory is found
// above the working directory.
var ErrNoMigrations = errors.New("testutil: migrations directory not found")

var gooseOnce sync.Once

// PGTest returns a migrated database and truncates every firewall table
// when the test finishes. It connects to POSTGRES_URL, or starts a
// container when QFF_TESTCONTAINERS=1, and skips the test otherwise.
//
//	db := testutil.PGTest(t)
func PGTest(t *testing.T) *sql.DB {
	t.Helper()

	dsn := os.Getenv("POSTGRES_URL")
	if dsn == "" && os.Getenv("QFF_TESTCONTAINERS") == "1" {
		dsn = StartPostgres(t)
	}
	if dsn == "" {
		t.Skip("POSTGRES_URL not set, skipping integration test")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("pgtest: open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("pgtest: ping: %v", err)
	}

	dir, err := MigrationsDir()
	if err != nil {
		t.Fatalf("pgtest: %v", err)
	}
	if err := Migrate(ctx, db, dir); err != nil {
		t.Fatalf("pgtest: migrate: %v", err)
	}

	t.Cleanup(func() {
		if err := truncate(context.Background(), db); err != nil {
			t.Logf("pgtest: truncate: %v", err)
		}
	})
	return db
}

// Migrate applies every pending goose migration in dir.
func Migrate(ctx context.Context, db *sql.DB, dir string) error {
	var err error
	gooseOnce.Do(func() {
		goose.SetLogger(goose.NopLogger())
		err = goose.SetDialect("postgres")
	})
	if err != nil {
		return err
	}
	return goose.UpContext(ctx, db, dir)
}

// MigrationsDir walks up from the working directory to the repository's
// migrations/ folder.
func MigrationsDir() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		candidate := filepath.Join(dir, "migrations")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", ErrNoMigrations
		}
		dir = parent
	}
}

// truncate empties the application tables and leaves goose's version
// table alone so later tests skip already-applied migrations. TRUNCATE
// does not fire the ledger's row-level immutability trigger.
func truncate(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, `
		SELECT quote_ident(tablename) FROM pg_tables
		WHERE schemaname = 'public' AND tablename <> 'goose_db_version'
	`)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil || len(tables) == 0 {
		return err
	}
	// #nosec G202 -- identifiers come from pg_tables and are quoted
	_, err = db.ExecContext(ctx, "TRUNCATE "+strings.Join(tables, ", ")+" CASCADE")
	return err
}
