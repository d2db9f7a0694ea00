package store

import (
	"database/sql"
	"fmt"
	"log/slog"
)

// schemaVersion is the current expected schema version.
const schemaVersion = 3

type migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations are applied in order, each exactly once, tracked in schema_version.
var migrations = []migration{
	{
		Version:     1,
		Description: "analysis runs",
		SQL: `
		CREATE TABLE IF NOT EXISTS runs (
			id           TEXT PRIMARY KEY,
			started_at   INTEGER NOT NULL,
			exit_code    INTEGER NOT NULL,
			duration_ms  INTEGER NOT NULL DEFAULT 0,
			timed_out    INTEGER NOT NULL DEFAULT 0,
			error        TEXT NOT NULL DEFAULT '',
			stdout       TEXT NOT NULL DEFAULT '',
			stderr       TEXT NOT NULL DEFAULT '',
			report       TEXT NOT NULL DEFAULT '{}',
			report_error TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
		`,
	},
	{
		Version:     2,
		Description: "feedback log integrity checks",
		SQL: `
		CREATE TABLE IF NOT EXISTS feedback_checks (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			path        TEXT NOT NULL,
			lines       INTEGER NOT NULL,
			invalid     INTEGER NOT NULL,
			checked_at  INTEGER NOT NULL
		);
		`,
	},
	{
		Version:     3,
		Description: "output truncation flags on runs",
		SQL: `
		ALTER TABLE runs ADD COLUMN stdout_truncated INTEGER NOT NULL DEFAULT 0;
		ALTER TABLE runs ADD COLUMN stderr_truncated INTEGER NOT NULL DEFAULT 0;
		`,
	},
}

// RunMigrations applies all pending schema migrations inside one transaction each.
func RunMigrations(db *sql.DB, logger *slog.Logger) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version     INTEGER PRIMARY KEY,
			description TEXT,
			applied_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current, err := GetSchemaVersion(db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		logger.Info("applying migration", "version", m.Version, "description", m.Description)

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration v%d: %w", m.Version, err)
		}
		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration v%d: %w", m.Version, err)
		}
		if _, err := tx.Exec(
			"INSERT OR REPLACE INTO schema_version (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.Version, err)
		}
	}
	return nil
}

// GetSchemaVersion returns the highest applied migration, or 0 on a fresh database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	var name string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='schema_version'").Scan(&name)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query schema version: %w", err)
	}

	var version int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("query schema version: %w", err)
	}
	return version, nil
}
