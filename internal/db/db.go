// Package db provides persistence for vdilab.
//
// This package handles all database operations including:
//   - Connection management for SQLite (default) and PostgreSQL (pgx)
//   - Schema migrations
//   - Versioned session records (optimistic single-writer per session)
//   - The directory task queue with visibility windows
//   - One-time provisioning entries and the service credential
//   - Event logging and querying
//
// Queries are written with "?" placeholders and rebound for the active
// driver, so the same statements run on both backends.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

const (
	dataDirPerms = 0o750 // Permissions for database directory (owner full, group read+exec)

	// DriverSQLite selects the embedded modernc SQLite driver.
	DriverSQLite = "sqlite"
	// DriverPostgres selects PostgreSQL through the pgx stdlib driver.
	DriverPostgres = "pgx"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrVersionConflict is returned when a versioned write loses a race.
	ErrVersionConflict = errors.New("record version conflict")
)

// Store holds the database handle for vdilabd.
//
// For SQLite the store uses a single connection with WAL mode; writes are
// serialized by the connection and readers never block. For PostgreSQL the
// pool is sized by the driver defaults.
//
// Example usage:
//
//	store, err := db.Open("/var/lib/vdilab/vdilab.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer store.Close()
//
//	session, err := store.GetSession(ctx, id)
type Store struct {
	Path   string
	Driver string
	DB     *sql.DB
}

// Open connects to a SQLite file, applies pragmas, and runs migrations.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("db path is required")
	}
	if err := ensureDir(filepath.Dir(path)); err != nil {
		return nil, err
	}
	return OpenDSN(DriverSQLite, path)
}

// OpenDSN connects using the named driver and runs migrations.
//
// Supported drivers are DriverSQLite (dsn is a file path) and DriverPostgres
// (dsn is a postgres:// URL).
func OpenDSN(driver, dsn string) (*Store, error) {
	driver = strings.TrimSpace(driver)
	if driver == "" {
		driver = DriverSQLite
	}
	if driver == "postgres" || driver == "postgresql" {
		driver = DriverPostgres
	}
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported db driver %q", driver)
	}
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("db dsn is required")
	}
	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		conn.SetMaxOpenConns(1)
		conn.SetMaxIdleConns(1)
		if err := applyPragmas(conn); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	store := &Store{Path: dsn, Driver: driver, DB: conn}
	if err := store.migrate(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return store, nil
}

// Close releases the underlying database connection.
//
// It is safe to call Close on a nil Store or a Store with a nil DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// rebind rewrites "?" placeholders to "$n" for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.Driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func ensureDir(path string) error {
	if path == "" {
		return errors.New("db directory is required")
	}
	if err := os.MkdirAll(path, dataDirPerms); err != nil {
		return fmt.Errorf("create db dir %s: %w", path, err)
	}
	return nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}
	return nil
}
