// Package manager owns the lifecycle of projects: registration, rescans,
// per-file settings and removal.
package manager

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"sync"
	"time"

	"precomp/internal/catalog"
	"precomp/internal/classify"
	perrors "precomp/internal/errors"
	"precomp/internal/events"
	"precomp/internal/imports"
	"precomp/internal/paths"
	"precomp/internal/project"
	"precomp/internal/store"
)

// Detacher releases everything it holds for a project. The manager calls
// every detacher before a project's records are removed, and calls
// AttachProject in reverse order when the removal then fails.
type Detacher interface {
	DetachProject(projectID string)
	AttachProject(projectID, root string)
}

// Options configures a Manager.
type Options struct {
	Logger         *slog.Logger
	Sink           events.Sink
	IgnorePatterns []string         // entry-name globs excluded from every project
	Imports        *imports.Scanner // nil disables dependency tracking
}

// FileUpdate carries the user-editable fields of a file record.
type FileUpdate struct {
	OutputPath     string // "" restores the default
	CompileEnabled bool
}

// Manager serializes all project mutations. Each operation validates,
// computes the next project state, persists it once and then emits events;
// a failed operation leaves the store unchanged.
type Manager struct {
	store   *store.Store
	logger  *slog.Logger
	sink    events.Sink
	ignore  []string
	imports *imports.Scanner

	mu        sync.Mutex
	detachers []Detacher
}

// New creates a manager over an opened and loaded store.
func New(st *store.Store, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sink := opts.Sink
	if sink == nil {
		sink = events.Nop
	}
	return &Manager{
		store:   st,
		logger:  logger.With("component", "manager"),
		sink:    sink,
		ignore:  append([]string(nil), opts.IgnorePatterns...),
		imports: opts.Imports,
	}
}

// AddDetacher registers a component to release projects before deletion.
func (m *Manager) AddDetacher(d Detacher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.detachers = append(m.detachers, d)
}

// AddProject registers the directory at path and catalogs its sources.
func (m *Manager) AddProject(path string) (*project.Project, error) {
	root, err := resolveRoot(path)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.store.FindByRoot(root); ok {
		return nil, perrors.Newf(perrors.DuplicateProject, "%s is already registered as project %s", root, existing.ID).
			WithDetails(map[string]string{"projectId": existing.ID, "rootPath": root})
	}

	settings, err := project.LoadSettings(root)
	if err != nil {
		return nil, err
	}

	p := project.New(root)
	p.Settings = settings
	p.Files = m.scan(root, settings)

	if err := m.store.Upsert(p); err != nil {
		return nil, err
	}

	m.logger.Info("Project added",
		"projectId", p.ID,
		"root", root,
		"files", len(p.Files),
	)
	m.emit(events.Event{Type: events.ProjectAdded, ProjectID: p.ID, RootPath: root})
	return p.Clone(), nil
}

// DeleteProject releases and removes a project. Files on disk are untouched.
func (m *Manager) DeleteProject(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.store.Get(id)
	if !ok {
		return notFoundProject(id)
	}

	for _, d := range m.detachers {
		d.DetachProject(id)
	}

	if err := m.store.Remove(id); err != nil {
		for i := len(m.detachers) - 1; i >= 0; i-- {
			m.detachers[i].AttachProject(id, p.RootPath)
		}
		m.logger.Warn("Project removal failed, project reattached", "projectId", id, "error", err)
		return err
	}
	if m.imports != nil {
		for _, rec := range p.Files {
			m.imports.Invalidate(rec.SourcePath)
		}
	}

	m.logger.Info("Project removed", "projectId", id, "root", p.RootPath)
	m.emit(events.Event{Type: events.ProjectRemoved, ProjectID: id, RootPath: p.RootPath})
	return nil
}

// RefreshProject rescans the project root. Records of vanished sources are
// dropped, new sources get default records, and existing records are kept
// as they are. It returns the resulting file set ordered by path.
func (m *Manager) RefreshProject(id string) ([]*project.FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.store.Get(id)
	if !ok {
		return nil, notFoundProject(id)
	}
	if info, err := os.Stat(p.RootPath); err != nil || !info.IsDir() {
		return nil, perrors.Newf(perrors.InvalidPath, "project root %s is no longer a directory", p.RootPath).
			WithDetails(map[string]string{"projectId": id, "rootPath": p.RootPath})
	}

	settings, err := project.LoadSettings(p.RootPath)
	if err != nil {
		return nil, err
	}

	found := m.scan(p.RootPath, settings)

	var added, removed []string
	next, err := m.store.Modify(id, func(cur *project.Project) error {
		added, removed = nil, nil
		for fid, rec := range cur.Files {
			if _, ok := found[fid]; !ok {
				delete(cur.Files, fid)
				removed = append(removed, rec.SourcePath)
			}
		}
		for fid, rec := range found {
			if _, ok := cur.Files[fid]; !ok {
				cur.Files[fid] = rec
				added = append(added, rec.SourcePath)
			}
		}
		if len(added) == 0 && len(removed) == 0 && sameSettings(settings, cur.Settings) {
			return store.SkipWrite
		}
		cur.Settings = settings
		return nil
	})
	if err != nil {
		return nil, err
	}
	if m.imports != nil {
		for _, path := range removed {
			m.imports.Invalidate(path)
		}
	}

	if len(added) > 0 || len(removed) > 0 {
		sort.Strings(added)
		sort.Strings(removed)
		m.logger.Info("Project refreshed",
			"projectId", id,
			"added", len(added),
			"removed", len(removed),
		)
		m.emit(events.Event{
			Type:      events.FileListChanged,
			ProjectID: id,
			RootPath:  next.RootPath,
			Added:     added,
			Removed:   removed,
		})
	}
	return next.SortedFiles(), nil
}

// UpdateFile applies the editable fields of update to one file record. A
// relative output path is taken relative to the project root.
func (m *Manager) UpdateFile(projectID, fileID string, update FileUpdate) (*project.FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, rec, err := m.lookup(projectID, fileID)
	if err != nil {
		return nil, err
	}

	out := update.OutputPath
	if out != "" {
		if !filepath.IsAbs(out) {
			out = filepath.Join(p.RootPath, out)
		}
		out = filepath.Clean(out)
		if !classify.ValidOutput(rec.Kind, out) {
			return nil, perrors.Newf(perrors.InvalidOutput, "output %s must end in %s for %s source %s",
				out, classify.OutputExt(rec.Kind), rec.Kind, filepath.Base(rec.SourcePath)).
				WithDetails(map[string]string{
					"kind":     string(rec.Kind),
					"expected": classify.OutputExt(rec.Kind),
					"output":   out,
				})
		}
	}

	var updated *project.FileRecord
	err = m.store.UpdateFile(projectID, fileID, func(r *project.FileRecord) {
		r.OutputPath = out
		r.CompileEnabled = update.CompileEnabled
		updated = r.Clone()
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("File updated",
		"projectId", projectID,
		"fileId", fileID,
		"output", out,
		"compileEnabled", update.CompileEnabled,
	)
	return updated, nil
}

// ChangeFileCompile enables or disables compilation of one file.
func (m *Manager) ChangeFileCompile(projectID, fileID string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, _, err := m.lookup(projectID, fileID); err != nil {
		return err
	}
	if err := m.store.UpdateFile(projectID, fileID, func(r *project.FileRecord) {
		r.CompileEnabled = enabled
	}); err != nil {
		return err
	}

	m.logger.Info("File compile toggled",
		"projectId", projectID,
		"fileId", fileID,
		"enabled", enabled,
	)
	return nil
}

// Project returns a copy of one project.
func (m *Manager) Project(id string) (*project.Project, error) {
	p, ok := m.store.Get(id)
	if !ok {
		return nil, notFoundProject(id)
	}
	return p, nil
}

// Projects returns copies of all projects ordered by root.
func (m *Manager) Projects() []*project.Project {
	return m.store.All()
}

// Find resolves a project by ID or by root path.
func (m *Manager) Find(ref string) (*project.Project, error) {
	if p, ok := m.store.Get(ref); ok {
		return p, nil
	}
	if abs, err := paths.Abs(ref); err == nil {
		if p, ok := m.store.FindByRoot(abs); ok {
			return p, nil
		}
		if real, err := filepath.EvalSymlinks(abs); err == nil {
			if p, ok := m.store.FindByRoot(real); ok {
				return p, nil
			}
		}
	}
	return nil, notFoundProject(ref)
}

// Dependents returns the IDs of tracked files in a project that import
// path, directly or transitively, ordered by source path.
func (m *Manager) Dependents(projectID, path string) []string {
	if m.imports == nil {
		return nil
	}
	p, ok := m.store.Get(projectID)
	if !ok {
		return nil
	}

	sources := make([]string, 0, len(p.Files))
	for _, rec := range p.Files {
		if rec.Kind == classify.Stylesheet {
			sources = append(sources, rec.SourcePath)
		}
	}
	m.imports.Invalidate(path)

	var ids []string
	for _, dep := range m.imports.Dependents(filepath.Clean(path), sources) {
		if rec, ok := p.FileByPath(dep); ok {
			ids = append(ids, rec.ID)
		}
	}
	return ids
}

func (m *Manager) lookup(projectID, fileID string) (*project.Project, *project.FileRecord, error) {
	p, ok := m.store.Get(projectID)
	if !ok {
		return nil, nil, notFoundProject(projectID)
	}
	rec, ok := p.Files[fileID]
	if !ok {
		return nil, nil, perrors.Newf(perrors.NotFound, "file %s not found in project %s", fileID, projectID).
			WithDetails(map[string]string{"projectId": projectID, "fileId": fileID})
	}
	return p, rec, nil
}

// scan catalogs the compilable sources under root.
func (m *Manager) scan(root string, settings project.Settings) map[string]*project.FileRecord {
	exclude := newExcluder(root, m.ignore, settings.Ignore, m.logger)
	files := make(map[string]*project.FileRecord)
	for _, path := range catalog.ListFiles(root, exclude.match) {
		if rec, ok := project.NewFileRecord(path); ok {
			files[rec.ID] = rec
		}
	}
	return files
}

// sameSettings compares settings the way they survive a store round trip.
func sameSettings(a, b project.Settings) bool {
	if a.IsZero() && b.IsZero() {
		return true
	}
	return reflect.DeepEqual(a, b)
}

func (m *Manager) emit(e events.Event) {
	e.Time = time.Now().UTC()
	m.sink.Emit(e)
}

func notFoundProject(id string) error {
	return perrors.Newf(perrors.NotFound, "project %s not found", id).
		WithDetails(map[string]string{"projectId": id})
}

// resolveRoot makes path absolute, resolves symlinks, and requires a directory.
func resolveRoot(path string) (string, error) {
	abs, err := paths.Abs(path)
	if err != nil {
		return "", perrors.New(perrors.InvalidPath, fmt.Sprintf("invalid path %q", path), err)
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", perrors.New(perrors.InvalidPath, fmt.Sprintf("%s does not exist", abs), err).
			WithDetails(map[string]string{"path": abs})
	}
	info, err := os.Stat(real)
	if err != nil {
		return "", perrors.New(perrors.InvalidPath, fmt.Sprintf("%s is not accessible", abs), err)
	}
	if !info.IsDir() {
		return "", perrors.Newf(perrors.InvalidPath, "%s is not a directory", abs).
			WithDetails(map[string]string{"path": abs})
	}
	return real, nil
}
