package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"precomp/internal/paths"
	"precomp/internal/project"
)

const jsonStoreVersion = 1

// jsonDocument is the on-disk layout of the JSON backend.
type jsonDocument struct {
	Version  int                        `json:"version"`
	Projects map[string]json.RawMessage `json:"projects"`
}

// jsonFileBackend keeps every project in one JSON file. Each write locks
// the file, re-reads it, changes one project and rewrites the whole file
// through a temp file and rename, so a reader never sees a partial
// document and writers in other processes do not lose each other's changes.
type jsonFileBackend struct {
	path     string
	lockPath string
	logger   *slog.Logger
}

func openJSONFile(path string, logger *slog.Logger) (*jsonFileBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &jsonFileBackend{
		path:     path,
		lockPath: paths.LockFile(path),
		logger:   logger,
	}, nil
}

func (b *jsonFileBackend) Path() string { return b.path }

// Load reads the file. A missing file is an empty store.
func (b *jsonFileBackend) Load() (map[string]*project.Project, error) {
	docs, err := b.readDocs()
	if err != nil {
		return nil, err
	}
	projects := make(map[string]*project.Project, len(docs))
	for id, raw := range docs {
		p, err := b.decode(id, raw)
		if err != nil {
			return nil, err
		}
		projects[id] = p
	}
	return projects, nil
}

// Put replaces one project and rewrites the file.
func (b *jsonFileBackend) Put(p *project.Project) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode project %s: %w", p.ID, err)
	}
	return b.mutate(func(docs map[string]json.RawMessage) error {
		docs[p.ID] = raw
		return nil
	})
}

// Update rewrites one project from its current document.
func (b *jsonFileBackend) Update(id string, fn func(*project.Project) error) (*project.Project, error) {
	var out *project.Project
	err := b.mutate(func(docs map[string]json.RawMessage) error {
		raw, ok := docs[id]
		if !ok {
			return errProjectMissing
		}
		p, err := b.decode(id, raw)
		if err != nil {
			return err
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
		docs[id] = next
		out = p
		return nil
	})
	if err != nil && !errors.Is(err, SkipWrite) {
		return nil, err
	}
	return out, nil
}

// Delete drops one project and rewrites the file.
func (b *jsonFileBackend) Delete(id string) error {
	err := b.mutate(func(docs map[string]json.RawMessage) error {
		if _, ok := docs[id]; !ok {
			return SkipWrite
		}
		delete(docs, id)
		return nil
	})
	if errors.Is(err, SkipWrite) {
		return nil
	}
	return err
}

func (b *jsonFileBackend) Close() error { return nil }

// readDocs returns the raw project documents currently on disk.
func (b *jsonFileBackend) readDocs() (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]json.RawMessage), nil
		}
		return nil, fmt.Errorf("failed to read store: %w", err)
	}

	var doc jsonDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, corrupt(b.path, err)
	}
	if doc.Version > jsonStoreVersion {
		return nil, corrupt(b.path, fmt.Errorf("store version %d is newer than supported %d", doc.Version, jsonStoreVersion))
	}
	if doc.Projects == nil {
		doc.Projects = make(map[string]json.RawMessage)
	}
	return doc.Projects, nil
}

func (b *jsonFileBackend) decode(id string, raw json.RawMessage) (*project.Project, error) {
	p := &project.Project{}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, corrupt(b.path, fmt.Errorf("project %s: %w", id, err))
	}
	if p.ID != id {
		return nil, corrupt(b.path, fmt.Errorf("key %s holds document for %s", id, p.ID))
	}
	return p, nil
}

// mutate applies fn to the documents on disk and writes the result, holding
// the file lock throughout. Nothing is written when fn fails.
func (b *jsonFileBackend) mutate(fn func(docs map[string]json.RawMessage) error) error {
	lock, err := acquireLock(b.lockPath)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() { _ = lock.release() }()

	docs, err := b.readDocs()
	if err != nil {
		return err
	}
	if err := fn(docs); err != nil {
		return err
	}
	return b.write(docs)
}

// write replaces the file with docs. Caller holds the file lock.
func (b *jsonFileBackend) write(docs map[string]json.RawMessage) error {
	data, err := json.MarshalIndent(jsonDocument{Version: jsonStoreVersion, Projects: docs}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode store: %w", err)
	}

	suffix, err := gonanoid.New(8)
	if err != nil {
		return fmt.Errorf("failed to name temp file: %w", err)
	}
	tmpPath := b.path + ".tmp-" + suffix

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to write store: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write store: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync store: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write store: %w", err)
	}
	if err := os.Rename(tmpPath, b.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename store: %w", err)
	}

	b.logger.Debug("Store written", "path", b.path, "projects", len(docs))
	return nil
}
