// Package slogutil provides the log/slog handler and logger constructors used
// across precomp.
package slogutil

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

// componentKey is lifted out of the attribute list into the line prefix.
const componentKey = "component"

// Handler writes one line per record:
//
//	2026-01-02T15:04:05Z [info] build: Build succeeded | target=/p/a.css duration=12ms
//
// The component attribute, when set, becomes the "build:" prefix. Values
// containing spaces or quotes are quoted.
type Handler struct {
	w         io.Writer
	level     slog.Leveler
	component string
	attrs     []slog.Attr
	groups    []string
	mu        *sync.Mutex
}

// NewHandler creates a text handler writing to w.
func NewHandler(w io.Writer, opts *slog.HandlerOptions) *Handler {
	var level slog.Leveler = slog.LevelInfo
	if opts != nil && opts.Level != nil {
		level = opts.Level
	}
	return &Handler{w: w, level: level, mu: &sync.Mutex{}}
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	component := h.component
	attrs := append([]slog.Attr(nil), h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == componentKey && len(h.groups) == 0 {
			component = a.Value.String()
			return true
		}
		attrs = append(attrs, h.qualify(a))
		return true
	})

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s [%s] ", ts.UTC().Format(time.RFC3339), levelString(r.Level))
	if component != "" {
		buf.WriteString(component)
		buf.WriteString(": ")
	}
	buf.WriteString(r.Message)

	sep := " | "
	for _, a := range attrs {
		if a.Key == "" {
			continue
		}
		buf.WriteString(sep)
		sep = " "
		buf.WriteString(a.Key)
		buf.WriteByte('=')
		buf.WriteString(formatValue(a.Value))
	}
	buf.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(buf.Bytes())
	return err
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := h.clone()
	for _, a := range attrs {
		if a.Key == componentKey && len(h.groups) == 0 {
			next.component = a.Value.String()
			continue
		}
		next.attrs = append(next.attrs, h.qualify(a))
	}
	return next
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := h.clone()
	next.groups = append(next.groups, name)
	return next
}

func (h *Handler) clone() *Handler {
	return &Handler{
		w:         h.w,
		level:     h.level,
		component: h.component,
		attrs:     append([]slog.Attr(nil), h.attrs...),
		groups:    append([]string(nil), h.groups...),
		mu:        h.mu,
	}
}

// qualify prefixes a key with the open groups.
func (h *Handler) qualify(a slog.Attr) slog.Attr {
	if len(h.groups) == 0 {
		return a
	}
	return slog.Attr{Key: strings.Join(h.groups, ".") + "." + a.Key, Value: a.Value}
}

func levelString(level slog.Level) string {
	switch {
	case level < slog.LevelInfo:
		return "debug"
	case level < slog.LevelWarn:
		return "info"
	case level < slog.LevelError:
		return "warn"
	default:
		return "error"
	}
}

func formatValue(v slog.Value) string {
	v = v.Resolve()
	var s string
	switch v.Kind() {
	case slog.KindString:
		s = v.String()
	case slog.KindTime:
		s = v.Time().UTC().Format(time.RFC3339)
	case slog.KindDuration:
		s = v.Duration().Round(time.Microsecond).String()
	default:
		s = fmt.Sprint(v.Any())
	}
	if s == "" || strings.ContainsAny(s, " \t\n\"=") {
		return strconv.Quote(s)
	}
	return s
}
