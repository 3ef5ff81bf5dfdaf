// Package store persists the project database.
//
// A Store keeps the authoritative in-memory snapshot of every project and
// writes each mutation through a Backend before it becomes visible to
// readers. Two backends exist: SQLite (default) and a single JSON document
// replaced atomically on every write.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"precomp/internal/config"
	perrors "precomp/internal/errors"
	"precomp/internal/paths"
	"precomp/internal/project"
)

// Backend is the durable side of a Store.
type Backend interface {
	// Load returns every persisted project. Unreadable data yields a
	// CORRUPT_STORE error.
	Load() (map[string]*project.Project, error)
	// Put inserts or replaces one project document.
	Put(p *project.Project) error
	// Update reads the persisted document of id, applies fn and writes the
	// result, with no other writer of the same file in between. It returns
	// errProjectMissing when no document exists. When fn returns SkipWrite
	// the document is returned unchanged.
	Update(id string, fn func(*project.Project) error) (*project.Project, error)
	// Delete removes a project document. Deleting a missing id is not an error.
	Delete(id string) error
	// Path is the file holding the data.
	Path() string
	Close() error
}

// OpenBackend opens the backend selected by cfg inside home.
func OpenBackend(cfg config.StoreConfig, home string, logger *slog.Logger) (Backend, error) {
	path := FilePath(cfg, home)
	switch cfg.Backend {
	case "", "sqlite":
		return openSQLite(path, logger)
	case "json":
		return openJSONFile(path, logger)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// FilePath returns the store file cfg selects inside home.
func FilePath(cfg config.StoreConfig, home string) string {
	if cfg.Path != "" {
		return cfg.Path
	}
	return paths.StoreFile(home, cfg.Backend)
}

var errProjectMissing = errors.New("project document missing")

func corrupt(path string, cause error) error {
	return perrors.New(perrors.CorruptStore, fmt.Sprintf("project store %s is unreadable", path), cause).
		WithDetails(map[string]string{"path": path})
}

// isCorruption recognizes SQLite errors that mean the file is not a usable database.
func isCorruption(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not a database") ||
		strings.Contains(msg, "malformed") ||
		strings.Contains(msg, "file is encrypted")
}
