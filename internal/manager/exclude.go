package manager

import (
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	gitignore "github.com/denormal/go-gitignore"
)

// excluder decides which catalog entries a project skips: global name
// patterns, the project's own ignore globs, and its root .gitignore.
type excluder struct {
	root     string
	names    []string
	patterns []string
	git      gitignore.GitIgnore
}

func newExcluder(root string, global, project []string, logger *slog.Logger) *excluder {
	e := &excluder{
		root:     root,
		names:    global,
		patterns: project,
	}

	ignorePath := filepath.Join(root, ".gitignore")
	if f, err := os.Open(ignorePath); err == nil {
		e.git = gitignore.New(f, root, func(err gitignore.Error) bool {
			logger.Debug("Skipping malformed .gitignore line", "path", ignorePath, "error", err.Error())
			return true
		})
		_ = f.Close()
	}
	return e
}

// match implements catalog.ExcludeFunc.
func (e *excluder) match(p, name string) bool {
	for _, pattern := range e.names {
		if ok, _ := filepath.Match(pattern, name); ok {
			return true
		}
	}

	rel, err := filepath.Rel(e.root, p)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return false
	}
	rel = filepath.ToSlash(rel)

	for _, pattern := range e.patterns {
		pattern = strings.TrimSuffix(pattern, "/")
		if ok, _ := path.Match(pattern, name); ok {
			return true
		}
		if ok, _ := path.Match(pattern, rel); ok {
			return true
		}
		if strings.HasPrefix(rel, pattern+"/") {
			return true
		}
	}

	if e.git != nil {
		isDir := false
		if info, err := os.Stat(p); err == nil {
			isDir = info.IsDir()
		}
		if m := e.git.Relative(rel, isDir); m != nil && m.Ignore() {
			return true
		}
	}
	return false
}
