// Package store implements the persistence layer: the single SQLite
// database holding backends, dimensional aggregates, short-lived
// connection records, and retention configuration.
package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/clashmeter/clashmeter/internal/geoip"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the sole owner of persistent state.
type Store struct {
	db   *sql.DB
	path string

	// Optional collaborator used to fill missing country data on ip_stats
	// upserts. Nil disables enrichment.
	geo geoip.Resolver
}

// Open opens (or creates) the database at path, applies pragmas and
// schema migrations, and returns a ready Store.
func Open(path string, geo geoip.Resolver) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store mkdir %s: %w", dir, err)
		}
	}

	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	if err := migrateDB(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, path: path, geo: geo}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Vacuum reclaims free pages in the database file.
func (s *Store) Vacuum() error {
	if _, err := s.db.Exec("VACUUM"); err != nil {
		return fmt.Errorf("vacuum: %w", err)
	}
	return nil
}

// TableCounts returns row counts per table plus the database file size,
// for the db stats endpoint.
func (s *Store) TableCounts() (map[string]int64, int64, error) {
	tables := []string{
		"backends", "hourly_stats", "domain_stats", "ip_stats",
		"proxy_stats", "rule_stats", "device_stats", "country_stats",
		"domain_chain_stats", "ip_domain_stats", "ip_chain_stats",
		"rule_domain_chain_stats", "connections",
	}
	counts := make(map[string]int64, len(tables))
	for _, t := range tables {
		var n int64
		if err := s.db.QueryRow("SELECT COUNT(*) FROM " + t).Scan(&n); err != nil {
			return nil, 0, fmt.Errorf("count %s: %w", t, err)
		}
		counts[t] = n
	}

	var size int64
	if info, err := os.Stat(s.path); err == nil {
		size = info.Size()
	}
	return counts, size, nil
}

// openDB opens a SQLite database at path with recommended pragmas:
// WAL journal mode, synchronous=NORMAL, foreign_keys=ON, busy_timeout=5000.
func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db %s: %w", path, err)
	}

	// Single-writer: only one connection needed.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q on %s: %w", p, path, err)
		}
	}
	return db, nil
}

// migrateDB applies embedded schema migrations. Idempotent on startup.
func migrateDB(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migrate: init source: %w", err)
	}

	dbDriver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{
		MigrationsTable: "schema_migrations",
	})
	if err != nil {
		return fmt.Errorf("migrate: init db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", dbDriver)
	if err != nil {
		return fmt.Errorf("migrate: init migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate: up: %w", err)
	}
	return nil
}
