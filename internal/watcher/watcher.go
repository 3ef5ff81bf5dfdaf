// Package watcher turns filesystem activity under project roots into
// debounced per-file change intents.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"precomp/internal/catalog"
	"precomp/internal/classify"
	"precomp/internal/config"
	"precomp/internal/paths"
)

// ChangeKind is the normalized kind of a change.
type ChangeKind string

const (
	Created  ChangeKind = "created"
	Modified ChangeKind = "modified"
	Removed  ChangeKind = "removed"
)

// Intent reports that a path under a project changed. FileID is empty when
// the path is not a tracked file yet. A Removed intent may name a directory.
type Intent struct {
	ProjectID string
	FileID    string
	Path      string
	Kind      ChangeKind
}

// Handler receives intents. It is called from timer goroutines and must not
// block for long.
type Handler func(Intent)

// Resolver maps a path to the file record tracking it.
type Resolver interface {
	LookupFile(projectID, path string) (string, bool)
}

// Watcher watches project roots
type Watcher struct {
	config   config.WatchConfig
	resolver Resolver
	logger   *slog.Logger
	handler  Handler

	fw        *fsnotify.Watcher
	debouncer *Debouncer
	projects  map[string]*watchedProject // projectID -> watch state

	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.RWMutex
	wg      sync.WaitGroup
	started bool
}

// watchedProject is the watch state of one project root
type watchedProject struct {
	root string
	dirs map[string]bool
}

// New creates a watcher. Nothing is observed until Start.
func New(cfg config.WatchConfig, resolver Resolver, logger *slog.Logger, handler Handler) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	delay := time.Duration(cfg.DebounceMs) * time.Millisecond
	if delay <= 0 {
		delay = 150 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		config:    cfg,
		resolver:  resolver,
		logger:    logger.With("component", "watcher"),
		handler:   handler,
		fw:        fw,
		debouncer: NewDebouncer(delay),
		projects:  make(map[string]*watchedProject),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Start begins delivering intents
func (w *Watcher) Start() error {
	if !w.config.Enabled {
		w.logger.Info("File watcher is disabled")
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return nil
	}
	w.started = true

	w.logger.Info("Starting file watcher", "debounceMs", w.config.DebounceMs)
	w.wg.Add(1)
	go w.run()
	return nil
}

// Stop stops watching and drops pending intents
func (w *Watcher) Stop() error {
	w.logger.Info("Stopping file watcher")
	w.cancel()
	w.debouncer.Cancel()
	err := w.fw.Close()
	w.wg.Wait()

	w.mu.Lock()
	w.projects = make(map[string]*watchedProject)
	w.mu.Unlock()

	w.logger.Info("File watcher stopped")
	return err
}

// Watch subscribes to changes under root for projectID.
func (w *Watcher) Watch(projectID, root string) error {
	if !w.config.Enabled {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, exists := w.projects[projectID]; exists {
		return nil // Already watching
	}

	wp := &watchedProject{root: filepath.Clean(root), dirs: make(map[string]bool)}
	if err := w.addTree(wp, wp.root); err != nil {
		for dir := range wp.dirs {
			_ = w.fw.Remove(dir)
		}
		return err
	}
	w.projects[projectID] = wp

	w.logger.Info("Watching project",
		"projectId", projectID,
		"root", wp.root,
		"dirs", len(wp.dirs),
	)
	return nil
}

// Unwatch cancels the subscription of a project and its pending intents.
func (w *Watcher) Unwatch(projectID string) {
	w.mu.Lock()
	wp, exists := w.projects[projectID]
	if exists {
		delete(w.projects, projectID)
		for dir := range wp.dirs {
			if !w.watchedByOtherLocked(dir) {
				_ = w.fw.Remove(dir)
			}
		}
	}
	w.mu.Unlock()

	if !exists {
		return
	}
	w.debouncer.CancelWhere(func(key string) bool {
		id, _, _ := strings.Cut(key, "\x00")
		return id == projectID
	})
	w.logger.Info("Stopped watching project", "projectId", projectID)
}

// DetachProject is Unwatch; it lets the manager release the project.
func (w *Watcher) DetachProject(projectID string) {
	w.Unwatch(projectID)
}

// AttachProject watches root again after a failed removal.
func (w *Watcher) AttachProject(projectID, root string) {
	if err := w.Watch(projectID, root); err != nil {
		w.logger.Warn("Failed to rewatch project", "projectId", projectID, "root", root, "error", err)
	}
}

// WatchedProjects returns the IDs of watched projects, sorted.
func (w *Watcher) WatchedProjects() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()

	ids := make([]string, 0, len(w.projects))
	for id := range w.projects {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stats returns watcher statistics
func (w *Watcher) Stats() map[string]interface{} {
	w.mu.RLock()
	defer w.mu.RUnlock()

	dirs := 0
	for _, wp := range w.projects {
		dirs += len(wp.dirs)
	}
	return map[string]interface{}{
		"enabled":         w.config.Enabled,
		"watchedProjects": len(w.projects),
		"watchedDirs":     dirs,
		"debounceMs":      w.config.DebounceMs,
		"pendingIntents":  w.debouncer.Pending(),
	}
}

// IsIgnored reports whether any component of path below root matches an
// ignore pattern.
func (w *Watcher) IsIgnored(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		return false
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if catalog.IsOSDir(part) || catalog.IsOSFile(part) {
			return true
		}
		for _, pattern := range w.config.IgnorePatterns {
			if matched, _ := filepath.Match(pattern, part); matched {
				return true
			}
		}
	}
	return false
}

func (w *Watcher) run() {
	defer w.wg.Done()

	for {
		select {
		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Filesystem watch error", "error", err.Error())
		case <-w.ctx.Done():
			return
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op == fsnotify.Chmod {
		return
	}
	path := filepath.Clean(event.Name)

	w.mu.Lock()
	projectID, wp, ok := w.ownerLocked(path)
	if !ok || w.IsIgnored(wp.root, path) {
		w.mu.Unlock()
		return
	}

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			if err := w.addTree(wp, path); err != nil {
				w.logger.Warn("Failed to watch new directory", "path", path, "error", err.Error())
			}
			w.mu.Unlock()
			// Files may land before the directory is watched.
			for _, f := range catalog.ListFiles(path, w.excluder(wp.root)) {
				if classify.IsSource(f) {
					w.schedule(projectID, f)
				}
			}
			return
		}
	}

	if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		if wp.dirs[path] {
			for dir := range wp.dirs {
				if paths.IsWithinRoot(dir, path) {
					delete(wp.dirs, dir)
				}
			}
			w.mu.Unlock()
			w.schedule(projectID, path)
			return
		}
	}
	w.mu.Unlock()

	if !classify.IsSource(path) {
		return
	}
	w.schedule(projectID, path)
}

// schedule debounces an intent for path. The kind is decided when it fires.
func (w *Watcher) schedule(projectID, path string) {
	w.debouncer.Trigger(projectID+"\x00"+path, func() {
		w.flush(projectID, path)
	})
}

// flush reconciles the collapsed events for path against the disk.
func (w *Watcher) flush(projectID, path string) {
	w.mu.RLock()
	_, watched := w.projects[projectID]
	w.mu.RUnlock()
	if !watched || w.ctx.Err() != nil {
		return
	}

	intent := Intent{ProjectID: projectID, Path: path}
	fileID, known := w.resolver.LookupFile(projectID, path)
	if known {
		intent.FileID = fileID
	}

	info, err := os.Stat(path)
	switch {
	case err != nil:
		intent.Kind = Removed
	case info.IsDir():
		return
	case known:
		intent.Kind = Modified
	default:
		intent.Kind = Created
	}

	w.logger.Debug("Change detected",
		"projectId", projectID,
		"path", path,
		"kind", string(intent.Kind),
	)
	if w.handler != nil {
		w.handler(intent)
	}
}

// addTree watches dir and every non-ignored directory below it, following
// symlinked directories the way the catalog does. Caller holds w.mu.
func (w *Watcher) addTree(wp *watchedProject, dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}

	dirs := catalog.ListDirs(dir, w.excluder(wp.root))
	if len(dirs) == 0 {
		return fmt.Errorf("cannot read directory %s", dir)
	}
	for i, path := range dirs {
		if wp.dirs[path] {
			continue
		}
		if err := w.fw.Add(path); err != nil {
			if i == 0 {
				return err
			}
			w.logger.Debug("Cannot watch directory", "path", path, "error", err.Error())
			continue
		}
		wp.dirs[path] = true
	}
	return nil
}

func (w *Watcher) excluder(root string) catalog.ExcludeFunc {
	return func(path, _ string) bool {
		return w.IsIgnored(root, path)
	}
}

// ownerLocked finds the project whose root most specifically contains path.
func (w *Watcher) ownerLocked(path string) (string, *watchedProject, bool) {
	var (
		bestID string
		best   *watchedProject
	)
	for id, wp := range w.projects {
		if !paths.IsWithinRoot(path, wp.root) {
			continue
		}
		if best == nil || len(wp.root) > len(best.root) {
			bestID, best = id, wp
		}
	}
	return bestID, best, best != nil
}

func (w *Watcher) watchedByOtherLocked(dir string) bool {
	for _, wp := range w.projects {
		if wp.dirs[dir] {
			return true
		}
	}
	return false
}
