package store

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"precomp/internal/config"
	perrors "precomp/internal/errors"
	"precomp/internal/project"
)

// Store is the process-wide project database. Readers get deep copies from
// the current snapshot; writers are serialized and persist through the
// backend before the snapshot changes, so a failed write leaves memory as
// it was.
type Store struct {
	backend Backend
	logger  *slog.Logger

	writeMu  sync.Mutex   // serializes persist+swap
	mu       sync.RWMutex // guards projects
	projects map[string]*project.Project
}

// Open opens the configured backend inside home. Call Load before use.
func Open(cfg config.StoreConfig, home string, logger *slog.Logger) (*Store, error) {
	backend, err := OpenBackend(cfg, home, logger)
	if err != nil {
		return nil, err
	}
	return New(backend, logger), nil
}

// New wraps an already opened backend.
func New(backend Backend, logger *slog.Logger) *Store {
	return &Store{
		backend:  backend,
		logger:   logger.With("component", "store"),
		projects: make(map[string]*project.Project),
	}
}

// Path returns the backend's data file.
func (s *Store) Path() string { return s.backend.Path() }

// Load replaces the snapshot with the persisted projects. On error the
// snapshot is left empty and CORRUPT_STORE is returned for unreadable data.
func (s *Store) Load() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	loaded, err := s.backend.Load()
	if err != nil {
		s.mu.Lock()
		s.projects = make(map[string]*project.Project)
		s.mu.Unlock()
		return err
	}

	roots := make(map[string]string, len(loaded))
	for id, p := range loaded {
		if other, dup := roots[p.RootPath]; dup {
			return corrupt(s.backend.Path(), fmt.Errorf("projects %s and %s share root %s", other, id, p.RootPath))
		}
		roots[p.RootPath] = id
	}

	s.mu.Lock()
	s.projects = loaded
	s.mu.Unlock()

	s.logger.Info("Project store loaded", "path", s.backend.Path(), "projects", len(loaded))
	return nil
}

// Get returns a copy of the project with id.
func (s *Store) Get(id string) (*project.Project, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// All returns copies of every project ordered by root path.
func (s *Store) All() []*project.Project {
	s.mu.RLock()
	out := make([]*project.Project, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, p.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].RootPath < out[j].RootPath
	})
	return out
}

// FindByRoot returns a copy of the project registered at root.
func (s *Store) FindByRoot(root string) (*project.Project, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.projects {
		if p.RootPath == root {
			return p.Clone(), true
		}
	}
	return nil, false
}

// LookupFile returns the file id of sourcePath within a project, if tracked.
func (s *Store) LookupFile(projectID, sourcePath string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[projectID]
	if !ok {
		return "", false
	}
	rec, ok := p.FileByPath(sourcePath)
	if !ok {
		return "", false
	}
	return rec.ID, true
}

// File returns a copy of one file record together with its resolved output.
func (s *Store) File(projectID, fileID string) (*project.FileRecord, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[projectID]
	if !ok {
		return nil, "", perrors.Newf(perrors.NotFound, "project %s not found", projectID)
	}
	rec, ok := p.Files[fileID]
	if !ok {
		return nil, "", perrors.Newf(perrors.NotFound, "file %s not found in project %s", fileID, projectID)
	}
	return rec.Clone(), p.ResolveOutput(rec), nil
}

// Upsert persists p and makes it visible. No other project may share its root.
func (s *Store) Upsert(p *project.Project) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	for id, existing := range s.projects {
		if id != p.ID && existing.RootPath == p.RootPath {
			s.mu.RUnlock()
			return perrors.Newf(perrors.DuplicateProject, "root %s is already registered", p.RootPath)
		}
	}
	s.mu.RUnlock()

	return s.commit(p.Clone())
}

// Remove deletes the project with id.
func (s *Store) Remove(id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	_, ok := s.projects[id]
	s.mu.RUnlock()
	if !ok {
		return perrors.Newf(perrors.NotFound, "project %s not found", id)
	}

	if err := s.backend.Delete(id); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.projects, id)
	s.mu.Unlock()
	return nil
}

// SkipWrite may be returned by a Modify function that made no change. The
// snapshot is refreshed from the persisted copy and nothing is written.
var SkipWrite = errors.New("store: skip write")

// Modify re-reads the persisted copy of project id, applies fn to it and
// commits the result. Other processes sharing the store file may have
// written the project since it was loaded, so fn must set only the fields
// its caller owns. fn must not change the ID or root path.
func (s *Store) Modify(id string, fn func(*project.Project) error) (*project.Project, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	_, ok := s.projects[id]
	s.mu.RUnlock()
	if !ok {
		return nil, perrors.Newf(perrors.NotFound, "project %s not found", id)
	}

	p, err := s.backend.Update(id, func(p *project.Project) error {
		root := p.RootPath
		err := fn(p)
		p.ID, p.RootPath = id, root
		return err
	})
	if errors.Is(err, errProjectMissing) {
		s.mu.Lock()
		delete(s.projects, id)
		s.mu.Unlock()
		s.logger.Warn("Project was removed by another process", "projectId", id)
		return nil, perrors.Newf(perrors.NotFound, "project %s not found", id)
	}
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.projects[id] = p
	s.mu.Unlock()
	return p.Clone(), nil
}

// Fresh returns the persisted copy of project id and refreshes the snapshot
// with it.
func (s *Store) Fresh(id string) (*project.Project, error) {
	return s.Modify(id, func(*project.Project) error { return SkipWrite })
}

// UpdateFile applies fn to one file record of the persisted project and
// commits the result. fn must not change the record's ID or source path.
func (s *Store) UpdateFile(projectID, fileID string, fn func(*project.FileRecord)) error {
	_, err := s.Modify(projectID, func(p *project.Project) error {
		rec, ok := p.Files[fileID]
		if !ok {
			return perrors.Newf(perrors.NotFound, "file %s not found in project %s", fileID, projectID)
		}
		id, src := rec.ID, rec.SourcePath
		fn(rec)
		rec.ID, rec.SourcePath = id, src
		return nil
	})
	return err
}

// Close releases the backend.
func (s *Store) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.backend.Close()
}

// commit persists p then swaps it into the snapshot. Caller holds writeMu.
func (s *Store) commit(p *project.Project) error {
	if err := s.backend.Put(p); err != nil {
		return err
	}
	s.mu.Lock()
	s.projects[p.ID] = p
	s.mu.Unlock()
	return nil
}
