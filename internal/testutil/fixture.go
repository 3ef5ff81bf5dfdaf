// Package testutil provides project-tree fixtures and golden-file helpers
// for tests.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// Fixture is a project tree on disk plus the directory holding its expected
// outputs.
type Fixture struct {
	// Root is the symlink-free project directory
	Root string

	// ExpectedDir holds golden files, relative to the test's package
	ExpectedDir string
}

// NewFixture creates a project tree from files and points ExpectedDir at
// testdata/expected of the calling package.
func NewFixture(t *testing.T, files map[string]string) *Fixture {
	t.Helper()
	return &Fixture{
		Root:        Tree(t, files),
		ExpectedDir: filepath.Join("testdata", "expected"),
	}
}

// ExpectedPath returns the golden file path for name.
func (f *Fixture) ExpectedPath(name string) string {
	return filepath.Join(f.ExpectedDir, name+".json")
}

// Tree creates a temporary directory holding files (slash-separated relative
// path -> content) and returns its symlink-free path.
func Tree(t *testing.T, files map[string]string) string {
	t.Helper()

	root, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to resolve temp dir: %v", err)
	}
	for rel, content := range files {
		WriteFile(t, filepath.Join(root, filepath.FromSlash(rel)), content)
	}
	return root
}

// WriteFile writes content to path, creating parent directories.
func WriteFile(t *testing.T, path, content string) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("Failed to create %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
}
