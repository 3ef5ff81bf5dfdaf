// Package build schedules compilations. Each output target moves through
// idle -> queued -> compiling and back; requests that arrive while a target is
// queued or compiling collapse into at most one pending rebuild. Distinct
// targets compile in parallel up to the worker count.
package build

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"precomp/internal/compiler"
	perrors "precomp/internal/errors"
	"precomp/internal/events"
	"precomp/internal/project"
	"precomp/internal/store"
)

// Reason says why a build was requested.
type Reason string

const (
	ReasonChange     Reason = "change"     // watcher saw the source change
	ReasonManual     Reason = "manual"     // user asked
	ReasonDependency Reason = "dependency" // an imported file changed
)

// Request asks for one file to be built.
type Request struct {
	ProjectID string
	FileID    string
	Reason    Reason
}

type targetState int

const (
	stateQueued targetState = iota
	stateCompiling
)

// target is the scheduling unit, keyed by resolved output path. A target
// absent from Coordinator.targets is idle.
type target struct {
	key       string
	projectID string
	state     targetState
	current   Request
	pending   *Request
	cancel    context.CancelFunc
}

// Config contains coordinator settings.
type Config struct {
	Workers int
	Timeout time.Duration // per compile
}

// DefaultConfig returns the default coordinator configuration.
func DefaultConfig() Config {
	return Config{
		Workers: 4,
		Timeout: 30 * time.Second,
	}
}

// Stats is a point-in-time view of the coordinator.
type Stats struct {
	Workers   int   `json:"workers"`
	Queued    int   `json:"queued"`
	Compiling int   `json:"compiling"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Skipped   int64 `json:"skipped"`
	Collapsed int64 `json:"collapsed"`
}

// Coordinator runs builds against the project store.
type Coordinator struct {
	store    *store.Store
	compiler compiler.Compiler
	sink     events.Sink
	logger   *slog.Logger

	workers int
	timeout time.Duration

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu       sync.Mutex
	wake     *sync.Cond
	queue    []string // keys of queued targets, FIFO
	targets  map[string]*target
	detached map[string]bool
	changed  chan struct{} // closed and replaced when a target goes idle
	started  bool
	stopped  bool

	wg sync.WaitGroup

	succeeded int64
	failed    int64
	skipped   int64
	collapsed int64
}

// New creates a coordinator. Call Start to launch the workers.
func New(st *store.Store, c compiler.Compiler, sink events.Sink, logger *slog.Logger, cfg Config) *Coordinator {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if sink == nil {
		sink = events.Nop
	}

	ctx, cancel := context.WithCancel(context.Background())
	co := &Coordinator{
		store:      st,
		compiler:   c,
		sink:       sink,
		logger:     logger.With("component", "build"),
		workers:    cfg.Workers,
		timeout:    cfg.Timeout,
		baseCtx:    ctx,
		baseCancel: cancel,
		targets:    make(map[string]*target),
		detached:   make(map[string]bool),
		changed:    make(chan struct{}),
	}
	co.wake = sync.NewCond(&co.mu)
	return co
}

// Start launches the worker pool.
func (c *Coordinator) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.stopped {
		return
	}
	c.started = true

	c.logger.Info("Starting build coordinator",
		"workers", c.workers,
		"timeout", c.timeout.String(),
	)
	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go c.worker(i)
	}
}

// Stop cancels running compiles, discards queued ones and waits for the
// workers to exit.
func (c *Coordinator) Stop(timeout time.Duration) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.logger.Info("Stopping build coordinator")
	c.stopped = true
	for _, key := range c.queue {
		delete(c.targets, key)
	}
	c.queue = nil
	for _, t := range c.targets {
		t.pending = nil
	}
	c.baseCancel()
	c.wake.Broadcast()
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.logger.Info("Build coordinator stopped cleanly")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("build coordinator shutdown timed out after %v", timeout)
	}
}

// Submit enqueues a build without blocking. It returns false when the request
// was dropped: the coordinator is stopped, the project is detached, or the
// file is no longer tracked.
func (c *Coordinator) Submit(req Request) bool {
	if req.Reason == "" {
		req.Reason = ReasonManual
	}
	_, key, err := c.store.File(req.ProjectID, req.FileID)
	if err != nil {
		c.logger.Debug("Dropping build request for unknown file",
			"projectId", req.ProjectID,
			"fileId", req.FileID,
		)
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped || c.detached[req.ProjectID] {
		return false
	}

	if t, ok := c.targets[key]; ok {
		c.collapsed++
		if t.state == stateQueued {
			t.current = merge(t.current, req)
		} else if t.pending == nil {
			t.pending = &req
		} else {
			merged := merge(*t.pending, req)
			t.pending = &merged
		}
		return true
	}

	c.targets[key] = &target{
		key:       key,
		projectID: req.ProjectID,
		state:     stateQueued,
		current:   req,
	}
	c.queue = append(c.queue, key)
	c.wake.Signal()
	return true
}

// merge keeps the latest request, except that a change request never
// downgrades a manual or dependency one; only change requests may be skipped
// for unchanged content.
func merge(prev, next Request) Request {
	if next.Reason == ReasonChange && prev.Reason != ReasonChange {
		next.Reason = prev.Reason
	}
	return next
}

// DetachProject discards queued builds of a project, cancels its running
// ones and waits for them to finish. Later requests for the project are
// dropped.
func (c *Coordinator) DetachProject(projectID string) {
	c.mu.Lock()
	c.detached[projectID] = true

	kept := c.queue[:0]
	for _, key := range c.queue {
		if c.targets[key].projectID == projectID {
			delete(c.targets, key)
			continue
		}
		kept = append(kept, key)
	}
	c.queue = kept

	for _, t := range c.targets {
		if t.projectID == projectID {
			t.pending = nil
			if t.cancel != nil {
				t.cancel()
			}
		}
	}
	c.mu.Unlock()

	c.logger.Debug("Detaching project from builds", "projectId", projectID)
	_ = c.waitUntil(context.Background(), func() bool {
		for _, t := range c.targets {
			if t.projectID == projectID {
				return false
			}
		}
		return true
	})
}

// AttachProject lets requests for a detached project through again.
func (c *Coordinator) AttachProject(projectID, _ string) {
	c.mu.Lock()
	delete(c.detached, projectID)
	c.mu.Unlock()
	c.logger.Debug("Project attached to builds", "projectId", projectID)
}

// Wait blocks until no target is queued or compiling.
func (c *Coordinator) Wait(ctx context.Context) error {
	return c.waitUntil(ctx, func() bool { return len(c.targets) == 0 })
}

// waitUntil blocks until cond, evaluated under c.mu, holds.
func (c *Coordinator) waitUntil(ctx context.Context, cond func() bool) error {
	for {
		c.mu.Lock()
		if cond() {
			c.mu.Unlock()
			return nil
		}
		ch := c.changed
		c.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stats returns coordinator statistics.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Workers:   c.workers,
		Queued:    len(c.queue),
		Succeeded: c.succeeded,
		Failed:    c.failed,
		Skipped:   c.skipped,
		Collapsed: c.collapsed,
	}
	for _, t := range c.targets {
		if t.state == stateCompiling {
			s.Compiling++
		}
	}
	return s
}

// worker takes queued targets until the coordinator stops.
func (c *Coordinator) worker(id int) {
	defer c.wg.Done()
	c.logger.Debug("Build worker started", "workerId", id)

	for {
		c.mu.Lock()
		for len(c.queue) == 0 && !c.stopped {
			c.wake.Wait()
		}
		if c.stopped {
			c.mu.Unlock()
			c.logger.Debug("Build worker stopping", "workerId", id)
			return
		}

		key := c.queue[0]
		c.queue = c.queue[1:]
		t := c.targets[key]
		ctx, cancel := context.WithCancel(c.baseCtx)
		t.state = stateCompiling
		t.cancel = cancel
		req := t.current
		c.mu.Unlock()

		outcome := c.process(ctx, req)
		cancel()

		c.mu.Lock()
		switch outcome {
		case outcomeSucceeded:
			c.succeeded++
		case outcomeFailed:
			c.failed++
		case outcomeSkipped:
			c.skipped++
		}
		t.cancel = nil
		if t.pending != nil && !c.stopped && !c.detached[t.projectID] {
			t.current = *t.pending
			t.pending = nil
			t.state = stateQueued
			c.queue = append(c.queue, key)
			c.wake.Signal()
		} else {
			delete(c.targets, key)
		}
		close(c.changed)
		c.changed = make(chan struct{})
		c.mu.Unlock()
	}
}

type outcome int

const (
	outcomeDropped outcome = iota
	outcomeSucceeded
	outcomeFailed
	outcomeSkipped
)

// process builds one file. Nothing is written or emitted once ctx is
// cancelled, and a file removed meanwhile is dropped silently.
func (c *Coordinator) process(ctx context.Context, req Request) outcome {
	// Settings may have been changed by another process sharing the store.
	p, err := c.store.Fresh(req.ProjectID)
	if perrors.Is(err, perrors.NotFound) {
		return outcomeDropped
	}
	if err != nil {
		c.logger.Warn("Failed to re-read project, using cached copy", "projectId", req.ProjectID, "error", err.Error())
		var ok bool
		if p, ok = c.store.Get(req.ProjectID); !ok {
			return outcomeDropped
		}
	}
	rec, ok := p.Files[req.FileID]
	if !ok {
		return outcomeDropped
	}
	out := p.ResolveOutput(rec)

	base := events.Event{
		ProjectID:  p.ID,
		FileID:     rec.ID,
		SourcePath: rec.SourcePath,
		OutputPath: out,
		Reason:     string(req.Reason),
	}

	if !rec.CompileEnabled {
		c.emit(ctx, base, events.BuildSkipped, func(e *events.Event) { e.Message = "compilation disabled" })
		return outcomeSkipped
	}

	source, err := os.ReadFile(rec.SourcePath)
	if err != nil {
		return c.fail(ctx, req, base, &compiler.CompileError{Message: fmt.Sprintf("cannot read source: %v", err)}, "", 0)
	}
	hash := contentHash(source)

	if req.Reason == ReasonChange && rec.SourceHash == hash && rec.LastStatus == project.StatusOK && exists(out) {
		c.emit(ctx, base, events.BuildSkipped, func(e *events.Event) { e.Message = "source unchanged" })
		return outcomeSkipped
	}

	c.emit(ctx, base, events.BuildStarted, nil)
	start := time.Now()

	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	artifact, err := c.compiler.Compile(cctx, compiler.Request{
		SourcePath: rec.SourcePath,
		OutputPath: out,
		Kind:       rec.Kind,
		Lang:       rec.Lang,
		Options:    p.Settings.Options[rec.Lang],
	})
	cancel()

	if ctx.Err() != nil {
		c.logger.Debug("Build cancelled", "source", rec.SourcePath)
		return outcomeDropped
	}
	if err == nil {
		err = writeOutput(out, artifact)
	}
	duration := time.Since(start)

	if err != nil {
		ce, ok := compiler.AsCompileError(err)
		if !ok {
			if errors.Is(err, context.DeadlineExceeded) {
				ce = &compiler.CompileError{Message: fmt.Sprintf("compile timed out after %s", c.timeout)}
			} else {
				ce = &compiler.CompileError{Message: err.Error()}
			}
		}
		return c.fail(ctx, req, base, ce, hash, duration)
	}

	now := time.Now().UTC()
	err = c.store.UpdateFile(req.ProjectID, req.FileID, func(r *project.FileRecord) {
		r.LastStatus = project.StatusOK
		r.LastError = ""
		r.LastBuiltAt = &now
		r.SourceHash = hash
	})
	if !c.recorded(err, req) {
		return outcomeDropped
	}

	c.emit(ctx, base, events.BuildSucceeded, func(e *events.Event) { e.Duration = duration })
	return outcomeSucceeded
}

func (c *Coordinator) fail(ctx context.Context, req Request, base events.Event, ce *compiler.CompileError, hash string, duration time.Duration) outcome {
	now := time.Now().UTC()
	err := c.store.UpdateFile(req.ProjectID, req.FileID, func(r *project.FileRecord) {
		r.LastStatus = project.StatusError
		r.LastError = ce.Message
		r.LastBuiltAt = &now
		r.SourceHash = hash
	})
	if !c.recorded(err, req) {
		return outcomeDropped
	}

	c.emit(ctx, base, events.BuildFailed, func(e *events.Event) {
		e.Message = ce.Message
		e.Line = ce.Line
		e.Column = ce.Column
		e.Duration = duration
	})
	return outcomeFailed
}

// recorded reports whether the status write landed. Writes to records that
// no longer exist are dropped without error.
func (c *Coordinator) recorded(err error, req Request) bool {
	if err == nil {
		return true
	}
	if perrors.Is(err, perrors.NotFound) {
		c.logger.Debug("Build result for removed file dropped",
			"projectId", req.ProjectID,
			"fileId", req.FileID,
		)
		return false
	}
	c.logger.Error("Failed to record build result",
		"projectId", req.ProjectID,
		"fileId", req.FileID,
		"error", err.Error(),
	)
	return true
}

func (c *Coordinator) emit(ctx context.Context, base events.Event, typ events.Type, fill func(*events.Event)) {
	if ctx.Err() != nil {
		return
	}
	e := base
	e.Type = typ
	e.Time = time.Now().UTC()
	if fill != nil {
		fill(&e)
	}
	c.sink.Emit(e)
}

func contentHash(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
