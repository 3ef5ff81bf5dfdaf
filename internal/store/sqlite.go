package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"precomp/internal/project"
)

// sqliteBackend stores one JSON document per project row.
type sqliteBackend struct {
	conn   *sql.DB
	logger *slog.Logger
	path   string
}

func openSQLite(path string, logger *slog.Logger) (*sqliteBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	exists := fileExists(path)

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps writes ordered and avoids SQLITE_BUSY between
	// pooled connections of the same process.
	conn.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			_ = conn.Close()
			if isCorruption(err) {
				return nil, corrupt(path, err)
			}
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	b := &sqliteBackend{
		conn:   conn,
		logger: logger,
		path:   path,
	}

	if !exists {
		logger.Info("Creating new project database", "path", path)
		err = b.initializeSchema()
	} else {
		err = b.runMigrations()
	}
	if err != nil {
		_ = conn.Close()
		if isCorruption(err) {
			return nil, corrupt(path, err)
		}
		return nil, err
	}

	return b, nil
}

func (b *sqliteBackend) Path() string { return b.path }

// Load reads every project row.
func (b *sqliteBackend) Load() (map[string]*project.Project, error) {
	rows, err := b.conn.Query(`SELECT id, document FROM projects`)
	if err != nil {
		if isCorruption(err) {
			return nil, corrupt(b.path, err)
		}
		return nil, fmt.Errorf("failed to query projects: %w", err)
	}
	defer rows.Close()

	projects := make(map[string]*project.Project)
	for rows.Next() {
		var id, doc string
		if err := rows.Scan(&id, &doc); err != nil {
			return nil, corrupt(b.path, err)
		}
		p := &project.Project{}
		if err := json.Unmarshal([]byte(doc), p); err != nil {
			return nil, corrupt(b.path, fmt.Errorf("project %s: %w", id, err))
		}
		if p.ID != id {
			return nil, corrupt(b.path, fmt.Errorf("row %s holds document for %s", id, p.ID))
		}
		projects[id] = p
	}
	if err := rows.Err(); err != nil {
		if isCorruption(err) {
			return nil, corrupt(b.path, err)
		}
		return nil, err
	}
	return projects, nil
}

// Put upserts one project row in its own transaction.
func (b *sqliteBackend) Put(p *project.Project) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode project %s: %w", p.ID, err)
	}
	return b.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO projects (id, root_path, document, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				root_path = excluded.root_path,
				document = excluded.document,
				updated_at = excluded.updated_at
		`, p.ID, p.RootPath, string(doc), time.Now().UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("failed to write project %s: %w", p.ID, err)
		}
		return nil
	})
}

// Update rewrites one project row from its current document.
func (b *sqliteBackend) Update(id string, fn func(*project.Project) error) (*project.Project, error) {
	var out *project.Project
	err := b.withTx(func(tx *sql.Tx) error {
		// Take the write lock before reading so no other process commits in between.
		res, err := tx.Exec(`UPDATE projects SET updated_at = updated_at WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to lock project %s: %w", id, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return errProjectMissing
		}

		var doc string
		if err := tx.QueryRow(`SELECT document FROM projects WHERE id = ?`, id).Scan(&doc); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return errProjectMissing
			}
			return fmt.Errorf("failed to read project %s: %w", id, err)
		}
		p := &project.Project{}
		if err := json.Unmarshal([]byte(doc), p); err != nil {
			return corrupt(b.path, fmt.Errorf("project %s: %w", id, err))
		}

		if err := fn(p); err != nil {
			if errors.Is(err, SkipWrite) {
				out = p
			}
			return err
		}

		next, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("failed to encode project %s: %w", id, err)
		}
		if _, err := tx.Exec(`UPDATE projects SET document = ?, updated_at = ? WHERE id = ?`,
			string(next), time.Now().UTC().Format(time.RFC3339Nano), id); err != nil {
			return fmt.Errorf("failed to write project %s: %w", id, err)
		}
		out = p
		return nil
	})
	if errors.Is(err, SkipWrite) {
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes one project row.
func (b *sqliteBackend) Delete(id string) error {
	return b.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM projects WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete project %s: %w", id, err)
		}
		return nil
	})
}

// Checkpoint folds the WAL into the main file so a file copy is complete.
func (b *sqliteBackend) Checkpoint() error {
	_, err := b.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

func (b *sqliteBackend) Close() error {
	if b.conn == nil {
		return nil
	}
	err := b.conn.Close()
	b.conn = nil
	return err
}

// withTx runs fn in a transaction, rolling back when fn fails.
func (b *sqliteBackend) withTx(fn func(*sql.Tx) error) error {
	tx, err := b.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			b.logger.Error("Failed to roll back transaction", "error", err, "rollbackError", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Size() > 0
}
