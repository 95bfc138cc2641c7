package client

import (
	"database/sql"
	"fmt"
	"log/slog"
)

// schemaStep upgrades the state database by one version. The version is kept
// in SQLite's user_version header, so an existing file is upgraded in place.
type schemaStep struct {
	version int
	name    string
	sql     string
}

var stateSchema = []schemaStep{
	{
		version: 1,
		name:    "settings and connection history",
		sql: `
			CREATE TABLE IF NOT EXISTS Config (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL
			);

			CREATE TABLE IF NOT EXISTS ConnectionHistory (
				server_address TEXT PRIMARY KEY,
				last_transport TEXT NOT NULL,
				last_success_at INTEGER NOT NULL,
				success_count INTEGER NOT NULL DEFAULT 0
			);
		`,
	},
	{
		version: 2,
		name:    "login history",
		sql: `
			CREATE TABLE IF NOT EXISTS LoginHistory (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				server_address TEXT NOT NULL,
				nickname TEXT NOT NULL,
				accepted INTEGER NOT NULL,
				reply TEXT NOT NULL,
				attempted_at INTEGER NOT NULL
			);

			CREATE INDEX IF NOT EXISTS idx_login_history_server ON LoginHistory (server_address, attempted_at);
		`,
	},
}

// latestSchemaVersion is the version a freshly opened State ends up at
func latestSchemaVersion() int {
	return stateSchema[len(stateSchema)-1].version
}

func schemaVersion(db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

// upgradeSchema applies every step above the current version up to target.
// Each step and its version bump commit together.
func upgradeSchema(db *sql.DB, logger *slog.Logger, target int) error {
	current, err := schemaVersion(db)
	if err != nil {
		return err
	}
	if current > latestSchemaVersion() {
		return fmt.Errorf("state database is version %d, newer than this client (%d)", current, latestSchemaVersion())
	}

	for _, step := range stateSchema {
		if step.version <= current || step.version > target {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("schema %d: %w", step.version, err)
		}
		if _, err := tx.Exec(step.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("schema %d (%s) failed: %w", step.version, step.name, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", step.version)); err != nil {
			tx.Rollback()
			return fmt.Errorf("schema %d: failed to record version: %w", step.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("schema %d: %w", step.version, err)
		}

		logger.Debug("Upgraded client state", "version", step.version, "name", step.name)
	}
	return nil
}
