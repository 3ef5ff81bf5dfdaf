// Package events carries notifications from the core to whatever presents
// them. Delivery is best effort; no sink may block the emitter.
package events

import (
	"log/slog"
	"sync/atomic"
	"time"
)

// Type names an event.
type Type string

const (
	ProjectAdded    Type = "projectAdded"
	ProjectRemoved  Type = "projectRemoved"
	FileListChanged Type = "fileListChanged"
	BuildStarted    Type = "buildStarted"
	BuildSucceeded  Type = "buildSucceeded"
	BuildFailed     Type = "buildFailed"
	BuildSkipped    Type = "buildSkipped"
)

// Event is one notification. Fields unrelated to the Type are zero.
type Event struct {
	Type      Type      `json:"type"`
	Time      time.Time `json:"time"`
	ProjectID string    `json:"projectId"`
	RootPath  string    `json:"rootPath,omitempty"`

	// File-level events.
	FileID     string        `json:"fileId,omitempty"`
	SourcePath string        `json:"sourcePath,omitempty"`
	OutputPath string        `json:"outputPath,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	Message    string        `json:"message,omitempty"`
	Line       int           `json:"line,omitempty"`
	Column     int           `json:"column,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`

	// FileListChanged.
	Added   []string `json:"added,omitempty"`
	Removed []string `json:"removed,omitempty"`
}

// Sink receives events. Emit must return promptly.
type Sink interface {
	Emit(Event)
}

// Nop discards every event.
var Nop Sink = nopSink{}

type nopSink struct{}

func (nopSink) Emit(Event) {}

// ChannelSink buffers events on a channel and drops them when the buffer is full.
type ChannelSink struct {
	ch      chan Event
	dropped atomic.Int64
}

// NewChannelSink creates a sink with the given buffer size.
func NewChannelSink(size int) *ChannelSink {
	if size < 1 {
		size = 1
	}
	return &ChannelSink{ch: make(chan Event, size)}
}

func (s *ChannelSink) Emit(e Event) {
	select {
	case s.ch <- e:
	default:
		s.dropped.Add(1)
	}
}

// Events returns the receive side of the buffer.
func (s *ChannelSink) Events() <-chan Event { return s.ch }

// Dropped reports how many events were discarded because the buffer was full.
func (s *ChannelSink) Dropped() int64 { return s.dropped.Load() }

// LogSink writes each event to a logger.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With("component", "events")}
}

func (s *LogSink) Emit(e Event) {
	switch e.Type {
	case BuildFailed:
		s.logger.Warn("Build failed",
			"projectId", e.ProjectID,
			"source", e.SourcePath,
			"line", e.Line,
			"column", e.Column,
			"error", e.Message,
		)
	case BuildSucceeded:
		s.logger.Info("Build succeeded",
			"source", e.SourcePath,
			"output", e.OutputPath,
			"duration", e.Duration.Round(time.Millisecond),
		)
	case BuildSkipped:
		s.logger.Debug("Build skipped", "source", e.SourcePath, "reason", e.Reason)
	case BuildStarted:
		s.logger.Debug("Build started", "source", e.SourcePath, "reason", e.Reason)
	case FileListChanged:
		s.logger.Info("File list changed",
			"projectId", e.ProjectID,
			"added", len(e.Added),
			"removed", len(e.Removed),
		)
	default:
		s.logger.Info(string(e.Type), "projectId", e.ProjectID, "root", e.RootPath)
	}
}

// MultiSink fans an event out to several sinks in order.
type MultiSink []Sink

func (m MultiSink) Emit(e Event) {
	for _, s := range m {
		s.Emit(e)
	}
}
