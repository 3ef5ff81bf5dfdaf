// Package daemon wires the store, manager, build coordinator and watcher
// into one running service and routes change intents to builds.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"precomp/internal/build"
	"precomp/internal/compiler"
	"precomp/internal/config"
	perrors "precomp/internal/errors"
	"precomp/internal/events"
	"precomp/internal/imports"
	"precomp/internal/manager"
	"precomp/internal/paths"
	"precomp/internal/project"
	"precomp/internal/store"
	"precomp/internal/version"
	"precomp/internal/watcher"
)

const shutdownTimeout = 30 * time.Second

// Options selects how a Daemon runs.
type Options struct {
	Home     string            // data directory
	Sink     events.Sink       // extra event consumer, may be nil
	Compiler compiler.Compiler // nil runs the configured commands
	Watch    bool              // observe project roots and hold the PID file
}

// Daemon is a running precomp service.
type Daemon struct {
	config *config.Config
	opts   Options
	logger *slog.Logger
	pid    *PIDFile

	// Components
	store       *store.Store
	manager     *manager.Manager
	coordinator *build.Coordinator
	watcher     *watcher.Watcher

	// File-list refreshes, coalesced per project
	refresher *watcher.Debouncer
	refreshMu sync.Mutex
	changes   map[string]*pendingChanges

	// Shutdown coordination
	ctx    context.Context
	cancel context.CancelFunc

	// State
	startedAt time.Time
	mu        sync.RWMutex
	running   bool
	stopped   bool
}

// pendingChanges holds the created and removed paths of one project that
// wait for its next refresh.
type pendingChanges struct {
	created map[string]bool
	removed map[string]bool
}

// State represents the current daemon state
type State struct {
	PID             int         `json:"pid"`
	StartedAt       time.Time   `json:"startedAt"`
	Version         string      `json:"version"`
	Uptime          string      `json:"uptime"`
	Projects        int         `json:"projects"`
	WatchedProjects int         `json:"watchedProjects"`
	Build           build.Stats `json:"build"`
}

// New opens the store and assembles the components. A corrupt store fails
// here with CORRUPT_STORE.
func New(cfg *config.Config, opts Options, logger *slog.Logger) (*Daemon, error) {
	if opts.Home == "" {
		home, err := paths.GetHome()
		if err != nil {
			return nil, err
		}
		opts.Home = home
	}

	st, err := store.Open(cfg.Store, opts.Home, logger)
	if err != nil {
		return nil, err
	}
	if err := st.Load(); err != nil {
		_ = st.Close()
		return nil, err
	}

	scanner, err := imports.NewScanner(cfg.Imports.CacheSize, logger)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to create import scanner: %w", err)
	}

	sinks := events.MultiSink{events.NewLogSink(logger)}
	if opts.Sink != nil {
		sinks = append(sinks, opts.Sink)
	}

	comp := opts.Compiler
	if comp == nil {
		comp = compiler.NewCommandCompiler(cfg.Build, logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		config: cfg,
		opts:   opts,
		logger: logger.With("component", "daemon"),
		store:  st,
		ctx:    ctx,
		cancel: cancel,

		refresher: watcher.NewDebouncer(time.Duration(cfg.Watch.DebounceMs) * time.Millisecond),
		changes:   make(map[string]*pendingChanges),
	}

	d.coordinator = build.New(st, comp, sinks, logger, build.Config{
		Workers: cfg.Build.Workers,
		Timeout: time.Duration(cfg.Build.TimeoutMs) * time.Millisecond,
	})
	d.manager = manager.New(st, manager.Options{
		Logger:         logger,
		Sink:           sinks,
		IgnorePatterns: cfg.Watch.IgnorePatterns,
		Imports:        scanner,
	})

	if opts.Watch {
		w, err := watcher.New(cfg.Watch, st, logger, d.onIntent)
		if err != nil {
			cancel()
			_ = st.Close()
			return nil, fmt.Errorf("failed to create watcher: %w", err)
		}
		d.watcher = w
		d.manager.AddDetacher(w)
	}
	d.manager.AddDetacher(d.coordinator)

	return d, nil
}

// Manager returns the project manager.
func (d *Daemon) Manager() *manager.Manager { return d.manager }

// Coordinator returns the build coordinator.
func (d *Daemon) Coordinator() *build.Coordinator { return d.coordinator }

// Start starts the workers and, in watch mode, the PID file and watcher.
func (d *Daemon) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return nil
	}
	if d.stopped {
		return fmt.Errorf("daemon already stopped")
	}

	if d.opts.Watch {
		pid := NewPIDFile(paths.PIDFile(d.opts.Home))
		if err := pid.Acquire(); err != nil {
			return fmt.Errorf("failed to acquire PID file: %w", err)
		}
		d.pid = pid
	}

	d.startedAt = time.Now()
	d.coordinator.Start()

	if d.watcher != nil {
		if err := d.watcher.Start(); err != nil {
			d.logger.Warn("Failed to start watcher", "error", err.Error())
		}
		for _, p := range d.store.All() {
			if err := d.watcher.Watch(p.ID, p.RootPath); err != nil {
				d.logger.Warn("Failed to watch project",
					"projectId", p.ID,
					"root", p.RootPath,
					"error", err.Error(),
				)
			}
		}
	}

	d.running = true
	d.logger.Info("Daemon started", "version", version.Version, "pid", os.Getpid(), "watch", d.opts.Watch)
	return nil
}

// Stop shuts the components down and closes the store.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return nil
	}
	d.stopped = true

	d.logger.Info("Stopping daemon")
	d.cancel()
	d.refresher.Cancel()

	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			d.logger.Warn("Watcher shutdown error", "error", err.Error())
		}
	}
	if err := d.coordinator.Stop(shutdownTimeout); err != nil {
		d.logger.Warn("Build coordinator shutdown error", "error", err.Error())
	}

	err := d.store.Close()

	if d.pid != nil {
		if perr := d.pid.Release(); perr != nil {
			d.logger.Warn("Failed to release PID file", "error", perr.Error())
		}
	}

	d.running = false
	d.logger.Info("Daemon stopped")
	return err
}

// Wait blocks until the daemon receives a shutdown signal
func (d *Daemon) Wait() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		d.logger.Info("Received signal", "signal", sig.String())
	case <-d.ctx.Done():
		d.logger.Info("Context cancelled")
	}
}

// AddProject registers a project and, in watch mode, starts watching it.
func (d *Daemon) AddProject(path string) (*project.Project, error) {
	p, err := d.manager.AddProject(path)
	if err != nil {
		return nil, err
	}
	if d.watcher != nil {
		if err := d.watcher.Watch(p.ID, p.RootPath); err != nil {
			d.logger.Warn("Failed to watch project", "projectId", p.ID, "error", err.Error())
		}
	}
	return p, nil
}

// DeleteProject stops watching and building a project, then removes it.
func (d *Daemon) DeleteProject(id string) error {
	return d.manager.DeleteProject(id)
}

// CompileNow requests manual builds of the given files, or of every file in
// the project when none are given. Pending file-list refreshes run first.
// It returns the number of accepted requests.
func (d *Daemon) CompileNow(projectID string, fileIDs ...string) (int, error) {
	d.refresher.Flush()

	p, err := d.manager.Project(projectID)
	if err != nil {
		return 0, err
	}

	if len(fileIDs) == 0 {
		for _, rec := range p.SortedFiles() {
			fileIDs = append(fileIDs, rec.ID)
		}
	}
	for _, id := range fileIDs {
		if _, ok := p.Files[id]; !ok {
			return 0, perrors.Newf(perrors.NotFound, "file %s not found in project %s", id, projectID)
		}
	}

	accepted := 0
	for _, id := range fileIDs {
		if d.coordinator.Submit(build.Request{ProjectID: projectID, FileID: id, Reason: build.ReasonManual}) {
			accepted++
		}
	}
	return accepted, nil
}

// onIntent turns a change intent into builds. Created and removed sources
// change the file list, so they wait for a coalesced project refresh.
func (d *Daemon) onIntent(intent watcher.Intent) {
	if d.ctx.Err() != nil {
		return
	}

	switch intent.Kind {
	case watcher.Created, watcher.Removed:
		d.queueRefresh(intent)
		return
	}

	if intent.FileID != "" {
		d.coordinator.Submit(build.Request{ProjectID: intent.ProjectID, FileID: intent.FileID, Reason: build.ReasonChange})
	}
	d.submitDependents(intent.ProjectID, intent.Path)
}

// queueRefresh records a created or removed path and schedules one refresh
// of its project.
func (d *Daemon) queueRefresh(intent watcher.Intent) {
	d.refreshMu.Lock()
	pc, ok := d.changes[intent.ProjectID]
	if !ok {
		pc = &pendingChanges{created: make(map[string]bool), removed: make(map[string]bool)}
		d.changes[intent.ProjectID] = pc
	}
	if intent.Kind == watcher.Created {
		pc.created[intent.Path] = true
		delete(pc.removed, intent.Path)
	} else {
		pc.removed[intent.Path] = true
		delete(pc.created, intent.Path)
	}
	d.refreshMu.Unlock()

	projectID := intent.ProjectID
	d.refresher.Trigger(projectID, func() { d.refresh(projectID) })
}

// refresh rescans a project once for every change queued since the last
// refresh, then builds new sources and the importers of every changed path.
func (d *Daemon) refresh(projectID string) {
	d.refreshMu.Lock()
	pc := d.changes[projectID]
	delete(d.changes, projectID)
	d.refreshMu.Unlock()
	if pc == nil || d.ctx.Err() != nil {
		return
	}

	log := d.logger.With("projectId", projectID)
	if _, err := d.manager.RefreshProject(projectID); err != nil {
		if !perrors.Is(err, perrors.NotFound) {
			log.Warn("Refresh after change failed", "error", err.Error())
		}
		return
	}
	log.Debug("Project refreshed after changes", "created", len(pc.created), "removed", len(pc.removed))

	for _, path := range sortedKeys(pc.created) {
		if fileID, ok := d.store.LookupFile(projectID, path); ok {
			d.coordinator.Submit(build.Request{ProjectID: projectID, FileID: fileID, Reason: build.ReasonChange})
		}
		d.submitDependents(projectID, path)
	}
	for _, path := range sortedKeys(pc.removed) {
		d.submitDependents(projectID, path)
	}
}

func (d *Daemon) submitDependents(projectID, path string) {
	for _, dep := range d.manager.Dependents(projectID, path) {
		d.coordinator.Submit(build.Request{ProjectID: projectID, FileID: dep, Reason: build.ReasonDependency})
	}
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// State returns the current daemon state
func (d *Daemon) State() *State {
	d.mu.RLock()
	defer d.mu.RUnlock()

	state := &State{
		PID:       os.Getpid(),
		StartedAt: d.startedAt,
		Version:   version.Version,
		Uptime:    time.Since(d.startedAt).Round(time.Second).String(),
		Projects:  len(d.store.All()),
		Build:     d.coordinator.Stats(),
	}
	if d.watcher != nil {
		state.WatchedProjects = len(d.watcher.WatchedProjects())
	}
	return state
}

// IsRunning checks if a watch daemon is running for home
func IsRunning(home string) (bool, int, error) {
	pid := &PIDFile{path: paths.PIDFile(home)}
	return pid.IsRunning()
}

// StopRemote sends a stop signal to a running watch daemon
func StopRemote(home string) error {
	pid := &PIDFile{path: paths.PIDFile(home)}
	running, processID, err := pid.IsRunning()
	if err != nil {
		return err
	}

	if !running {
		return fmt.Errorf("watcher is not running")
	}

	// Send SIGTERM to the daemon process
	process, err := os.FindProcess(processID)
	if err != nil {
		return fmt.Errorf("failed to find process: %w", err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to send signal: %w", err)
	}

	// Wait for process to exit (with timeout)
	timeout := time.After(shutdownTimeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-timeout:
			return fmt.Errorf("timeout waiting for watcher to stop")
		case <-ticker.C:
			running, _, _ := pid.IsRunning()
			if !running {
				return nil
			}
		}
	}
}
