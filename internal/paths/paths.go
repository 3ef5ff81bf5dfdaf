// Package paths resolves where precomp keeps its state and normalizes
// project-relative paths.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	// HomeEnvVar overrides the data directory.
	HomeEnvVar = "PRECOMP_HOME"
	// DefaultHome is the data directory name under the user's home.
	DefaultHome = ".precomp"
)

// GetHome returns the data directory: $PRECOMP_HOME or ~/.precomp.
func GetHome() (string, error) {
	if home := os.Getenv(HomeEnvVar); home != "" {
		return home, nil
	}
	userHome, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(userHome, DefaultHome), nil
}

// EnsureDir creates dir (and parents) if missing and returns it.
func EnsureDir(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", dir, err)
	}
	return dir, nil
}

// StoreFile returns the store file name for a backend inside home.
func StoreFile(home, backend string) string {
	if backend == "json" {
		return filepath.Join(home, "projects.json")
	}
	return filepath.Join(home, "projects.db")
}

// LockFile returns the advisory lock path guarding a store file.
func LockFile(storePath string) string {
	return storePath + ".lock"
}

// LogFile returns the default log path for the watch command.
func LogFile(home string) string {
	return filepath.Join(home, "logs", "precomp.log")
}

// PIDFile returns the PID file written while `precomp watch` runs.
func PIDFile(home string) string {
	return filepath.Join(home, "watch.pid")
}

// BackupFile returns a timestamped, zstd-suffixed backup name next to storePath.
func BackupFile(storePath string, now time.Time) string {
	return fmt.Sprintf("%s.%s.bak.zst", storePath, now.UTC().Format("20060102T150405Z"))
}

// CanonicalizePath converts an absolute path to a root-relative slash path.
// Symlinks are resolved when the target exists.
func CanonicalizePath(absolutePath string, root string) (string, error) {
	resolved, err := filepath.EvalSymlinks(absolutePath)
	if err != nil {
		if !os.IsNotExist(err) {
			return "", err
		}
		resolved = absolutePath
	}

	rootResolved, err := filepath.EvalSymlinks(root)
	if err != nil {
		if !os.IsNotExist(err) {
			return "", err
		}
		rootResolved = root
	}

	rel, err := filepath.Rel(rootResolved, resolved)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}

// IsWithinRoot reports whether path lies inside root (root itself included).
func IsWithinRoot(path string, root string) bool {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// NormalizePath converts backslashes to forward slashes.
func NormalizePath(path string) string {
	return filepath.ToSlash(path)
}

// JoinRootPath joins a root with a slash-separated relative path.
func JoinRootPath(root string, rel string) string {
	parts := strings.Split(strings.ReplaceAll(rel, "\\", "/"), "/")
	return filepath.Join(append([]string{root}, parts...)...)
}

// Abs returns the cleaned absolute form of path.
func Abs(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve path: %w", err)
	}
	return filepath.Clean(abs), nil
}
