// Database schema migrations and version management.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// migration represents a single schema migration with version, name, and SQL statements.
// Statements must be portable between SQLite and PostgreSQL.
type migration struct {
	version    int
	name       string
	statements []string
}

var migrations = []migration{
	{
		version: 1,
		name:    "init_sessions",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS sessions (
				id TEXT PRIMARY KEY,
				owner TEXT NOT NULL,
				project TEXT NOT NULL,
				name TEXT NOT NULL,
				software_stack TEXT NOT NULL,
				state TEXT NOT NULL,
				version BIGINT NOT NULL,
				instance_id TEXT,
				private_ip TEXT,
				hostname TEXT,
				hibernate INTEGER NOT NULL DEFAULT 0,
				idle_action TEXT NOT NULL,
				schedule_json TEXT,
				stop_reason TEXT,
				failure_reason TEXT,
				created_at TEXT NOT NULL,
				state_changed_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				booted_at TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_state ON sessions(state)`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_owner ON sessions(owner, project)`,
			`CREATE TABLE IF NOT EXISTS events (
				id TEXT PRIMARY KEY,
				ts TEXT NOT NULL,
				kind TEXT NOT NULL,
				session_id TEXT,
				task_id TEXT,
				msg TEXT,
				json TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id)`,
			`CREATE INDEX IF NOT EXISTS idx_events_task ON events(task_id)`,
		},
	},
	{
		version: 2,
		name:    "add_directory_tasks",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS tasks (
				id TEXT PRIMARY KEY,
				type TEXT NOT NULL,
				payload TEXT NOT NULL,
				idempotency_key TEXT,
				status TEXT NOT NULL,
				attempts INTEGER NOT NULL DEFAULT 0,
				max_attempts INTEGER NOT NULL,
				enqueued_at TEXT NOT NULL,
				visible_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				last_error TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_visible ON tasks(status, visible_at)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_pending_key ON tasks(idempotency_key)
				WHERE status = 'pending' AND idempotency_key IS NOT NULL`,
		},
	},
	{
		version: 3,
		name:    "add_provisioning_entries",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS provisioning_entries (
				token TEXT PRIMARY KEY,
				session_id TEXT NOT NULL,
				instance_id TEXT NOT NULL,
				hostname TEXT NOT NULL,
				hostname_prefix TEXT NOT NULL,
				otp TEXT,
				domain_controller TEXT,
				status TEXT NOT NULL,
				error_message TEXT,
				expires_at TEXT NOT NULL,
				consumed_at TEXT,
				created_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_provisioning_entries_session ON provisioning_entries(session_id)`,
			`CREATE INDEX IF NOT EXISTS idx_provisioning_entries_expires ON provisioning_entries(expires_at)`,
		},
	},
	{
		version: 4,
		name:    "add_service_credentials",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS service_credentials (
				username TEXT PRIMARY KEY,
				secret TEXT NOT NULL,
				generation INTEGER NOT NULL DEFAULT 0,
				password_last_set TEXT,
				max_age_seconds BIGINT NOT NULL DEFAULT 0,
				rotation_in_progress INTEGER NOT NULL DEFAULT 0,
				rotation_started_at TEXT,
				updated_at TEXT NOT NULL
			)`,
		},
	},
}

// migrate runs any pending migrations against the store.
//
// This function:
//   - Validates migration definitions (no duplicates, ordered versions)
//   - Ensures schema_migrations table exists
//   - Loads previously applied migration versions
//   - Verifies applied migrations are still known
//   - Applies any pending migrations in transaction
//
// Migrations are applied in version order. Each migration runs in a
// separate transaction for atomicity.
func (s *Store) migrate() error {
	if s == nil || s.DB == nil {
		return errors.New("db is nil")
	}
	if err := validateMigrations(); err != nil {
		return err
	}
	if err := ensureSchemaMigrations(s.DB); err != nil {
		return err
	}
	applied, err := loadAppliedVersions(s.DB)
	if err != nil {
		return err
	}
	if err := verifyKnownMigrations(applied); err != nil {
		return err
	}
	for _, m := range migrations {
		if _, ok := applied[m.version]; ok {
			continue
		}
		if err := s.applyMigration(m); err != nil {
			return err
		}
	}
	return nil
}

// SchemaVersion returns the highest applied migration version.
func (s *Store) SchemaVersion() (int, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("db store is nil")
	}
	row := s.DB.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`)
	var version int
	if err := row.Scan(&version); err != nil {
		return 0, fmt.Errorf("scan schema version: %w", err)
	}
	return version, nil
}

// ensureSchemaMigrations creates the schema_migrations tracking table if it doesn't exist.
func ensureSchemaMigrations(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TEXT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	return nil
}

// loadAppliedVersions returns a set of migration versions that have been applied.
func loadAppliedVersions(db *sql.DB) (map[int]struct{}, error) {
	rows, err := db.Query(`SELECT version FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("list schema_migrations: %w", err)
	}
	defer rows.Close()
	applied := make(map[int]struct{})
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan schema_migrations: %w", err)
		}
		applied[version] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schema_migrations: %w", err)
	}
	return applied, nil
}

// verifyKnownMigrations ensures all applied migrations still exist in the codebase.
//
// A migration that was applied and later removed from the code would mean
// schema drift, so startup refuses to continue.
func verifyKnownMigrations(applied map[int]struct{}) error {
	known := make(map[int]struct{}, len(migrations))
	for _, m := range migrations {
		known[m.version] = struct{}{}
	}
	for version := range applied {
		if _, ok := known[version]; !ok {
			return fmt.Errorf("unknown schema migration version %d", version)
		}
	}
	return nil
}

// applyMigration executes a single migration within a transaction.
func (s *Store) applyMigration(m migration) error {
	if len(m.statements) == 0 {
		return fmt.Errorf("migration %d has no statements", m.version)
	}
	tx, err := s.DB.Begin()
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", m.version, err)
	}
	for _, stmt := range m.statements {
		trimmed := strings.TrimSpace(stmt)
		if trimmed == "" {
			continue
		}
		if _, err := tx.Exec(trimmed); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("exec migration %d: %w", m.version, err)
		}
	}
	appliedAt := formatTime(time.Now())
	if _, err := tx.Exec(s.rebind(`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`), m.version, m.name, appliedAt); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record migration %d: %w", m.version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", m.version, err)
	}
	return nil
}

// validateMigrations checks that all migrations are properly defined.
func validateMigrations() error {
	if len(migrations) == 0 {
		return errors.New("no migrations defined")
	}
	seen := make(map[int]struct{}, len(migrations))
	prev := 0
	for _, m := range migrations {
		if m.version <= 0 {
			return fmt.Errorf("migration version must be positive: %d", m.version)
		}
		if _, ok := seen[m.version]; ok {
			return fmt.Errorf("duplicate migration version %d", m.version)
		}
		if m.version < prev {
			return fmt.Errorf("migration version %d is out of order", m.version)
		}
		if strings.TrimSpace(m.name) == "" {
			return fmt.Errorf("migration %d missing name", m.version)
		}
		seen[m.version] = struct{}{}
		prev = m.version
	}
	return nil
}
