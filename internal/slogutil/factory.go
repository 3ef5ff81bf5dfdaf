package slogutil

import (
	"io"
	"log/slog"

	"precomp/internal/config"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// FromConfig builds the process logger from the logging section of the config.
// Records go to console; when cfg.File is set they are also appended to a
// rotating file. The returned closer releases the file.
func FromConfig(cfg config.LoggingConfig, console io.Writer) (*slog.Logger, io.Closer, error) {
	level := LevelFromString(cfg.Level)
	opts := &slog.HandlerOptions{Level: level}

	newHandler := func(w io.Writer) slog.Handler {
		if cfg.Format == "json" {
			return slog.NewJSONHandler(w, opts)
		}
		return NewHandler(w, opts)
	}

	if cfg.File == "" {
		return slog.New(newHandler(console)), nopCloser{}, nil
	}

	rf, err := OpenRotatingFile(cfg.File, int64(cfg.MaxSizeMB)*1024*1024, cfg.MaxBackups)
	if err != nil {
		return nil, nil, err
	}
	return slog.New(NewTeeHandler(newHandler(console), newHandler(rf))), rf, nil
}
