// Package catalog enumerates files under a project root.
//
// It keeps no state. OS housekeeping entries (Finder metadata, Spotlight
// indexes, Windows thumbnail caches) are always skipped; callers add their
// own exclusions through an ExcludeFunc.
package catalog

import (
	"os"
	"path/filepath"
	"regexp"
)

// ExcludeFunc reports whether an entry should be skipped. It sees both
// directories and files; returning true for a directory prunes its subtree.
type ExcludeFunc func(path, name string) bool

var (
	osDirPattern     = regexp.MustCompile(`^\.(fseventsd|Spotlight-V100|TemporaryItems|Trashes)$`)
	osFilePattern    = regexp.MustCompile(`^\.(_|DS_Store$)`)
	winThumbsPattern = regexp.MustCompile(`(?i)^thumbs\.db$`)
)

// IsOSDir reports whether name is an OS housekeeping directory.
func IsOSDir(name string) bool {
	return osDirPattern.MatchString(name)
}

// IsOSFile reports whether name is an OS housekeeping file.
func IsOSFile(name string) bool {
	return osFilePattern.MatchString(name) || winThumbsPattern.MatchString(name)
}

// ListFiles returns absolute paths of all regular files under root.
//
// A missing root yields nil. Entries are visited in name order, so the result
// is stable for an unchanged tree. Unreadable subdirectories are skipped, and a
// symlinked directory is descended into only once per real path, which breaks
// cycles.
func ListFiles(root string, exclude ExcludeFunc) []string {
	w := walkRoot(root, exclude)
	if w == nil {
		return nil
	}
	return w.files
}

// ListDirs returns root and every directory ListFiles descends into, by the
// path they are reached through, in visit order. A missing root yields nil.
func ListDirs(root string, exclude ExcludeFunc) []string {
	w := walkRoot(root, exclude)
	if w == nil {
		return nil
	}
	return w.dirs
}

func walkRoot(root string, exclude ExcludeFunc) *walker {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return nil
	}

	w := &walker{exclude: exclude, seen: make(map[string]bool)}
	w.walk(filepath.Clean(abs))
	return w
}

type walker struct {
	exclude ExcludeFunc
	seen    map[string]bool
	files   []string
	dirs    []string
}

func (w *walker) walk(dir string) {
	real, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return
	}
	if w.seen[real] {
		return
	}
	w.seen[real] = true

	// os.ReadDir sorts by filename.
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	w.dirs = append(w.dirs, dir)

	for _, entry := range entries {
		name := entry.Name()
		path := filepath.Join(dir, name)

		// Follow symlinks to learn what the entry really is.
		info, err := os.Stat(path)
		if err != nil {
			continue
		}

		if info.IsDir() {
			if IsOSDir(name) || w.skip(path, name) {
				continue
			}
			w.walk(path)
			continue
		}

		if !info.Mode().IsRegular() || IsOSFile(name) || w.skip(path, name) {
			continue
		}
		w.files = append(w.files, path)
	}
}

func (w *walker) skip(path, name string) bool {
	return w.exclude != nil && w.exclude(path, name)
}
