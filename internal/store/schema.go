package store

import (
	"database/sql"
	"fmt"
)

const currentSchemaVersion = 1

// initializeSchema creates all tables for a new database.
func (b *sqliteBackend) initializeSchema() error {
	return b.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			CREATE TABLE IF NOT EXISTS schema_version (
				version INTEGER NOT NULL
			)
		`); err != nil {
			return fmt.Errorf("failed to create schema_version table: %w", err)
		}

		if _, err := tx.Exec(`
			CREATE TABLE IF NOT EXISTS projects (
				id TEXT PRIMARY KEY,
				root_path TEXT NOT NULL UNIQUE,
				document TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)
		`); err != nil {
			return fmt.Errorf("failed to create projects table: %w", err)
		}

		if _, err := tx.Exec(`DELETE FROM schema_version`); err != nil {
			return err
		}
		if _, err := tx.Exec(`INSERT INTO schema_version (version) VALUES (?)`, currentSchemaVersion); err != nil {
			return fmt.Errorf("failed to set schema version: %w", err)
		}

		b.logger.Info("Project database schema initialized", "version", currentSchemaVersion)
		return nil
	})
}

// runMigrations brings an existing database up to currentSchemaVersion.
func (b *sqliteBackend) runMigrations() error {
	version, err := b.schemaVersion()
	if err != nil {
		return err
	}

	if version == currentSchemaVersion {
		b.logger.Debug("Project database schema is up to date", "version", version)
		return nil
	}
	if version > currentSchemaVersion {
		return corrupt(b.path, fmt.Errorf("schema version %d is newer than supported %d", version, currentSchemaVersion))
	}

	b.logger.Info("Migrating project database", "fromVersion", version, "toVersion", currentSchemaVersion)
	// Future migrations go here, one step per version.
	return nil
}

func (b *sqliteBackend) schemaVersion() (int, error) {
	var version int
	err := b.conn.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&version)
	if err != nil {
		if isCorruption(err) {
			return 0, corrupt(b.path, err)
		}
		// A database without our tables is not ours.
		return 0, corrupt(b.path, fmt.Errorf("failed to read schema version: %w", err))
	}
	return version, nil
}
