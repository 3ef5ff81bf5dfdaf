package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	perrors "precomp/internal/errors"
	"precomp/internal/project"
)

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// printError reports err with its code and any suggested fixes.
func printError(w io.Writer, err error) {
	var pe *perrors.PrecompError
	if !errors.As(err, &pe) {
		fmt.Fprintf(w, "Error: %v\n", err)
		return
	}

	fmt.Fprintf(w, "Error [%s]: %s\n", pe.Code, pe.Message)
	for _, fix := range pe.SuggestedFixes {
		switch {
		case fix.Command != "":
			fmt.Fprintf(w, "  Try: %s\n", fix.Command)
		case fix.Description != "":
			fmt.Fprintf(w, "  Hint: %s\n", fix.Description)
		}
	}
}

// relTo shows path relative to root when it lies inside it.
func relTo(root, path string) string {
	if path == "" {
		return ""
	}
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return path
	}
	return rel
}

func enabledLabel(enabled bool) string {
	if enabled {
		return "yes"
	}
	return "no"
}

// statusLabel renders a file's last build status.
func statusLabel(rec *project.FileRecord) string {
	switch rec.LastStatus {
	case project.StatusOK:
		return "ok"
	case project.StatusError:
		return "error"
	default:
		return "-"
	}
}
