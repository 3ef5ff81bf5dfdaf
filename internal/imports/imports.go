// Package imports finds which stylesheets pull in which others, so a change to
// a shared partial can rebuild every file that depends on it.
package imports

import (
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"precomp/internal/classify"
)

const DefaultCacheSize = 2048

var (
	blockComment = regexp.MustCompile(`(?s)/\*.*?\*/`)
	lineComment  = regexp.MustCompile(`(?m)(^|[^:])//.*$`)

	// @import (reference) "a", 'b';
	braceImport = regexp.MustCompile(`@import\s*(?:\([^)]*\)\s*)?([^;]+);`)
	// indented sass: @import a, b
	lineImport = regexp.MustCompile(`(?m)^\s*@import\s+(.+?)\s*$`)
	// scss module system
	useImport = regexp.MustCompile(`@(?:use|forward)\s+["']([^"']+)["']`)
)

type entry struct {
	modTime time.Time
	size    int64
	deps    []string
}

// Scanner resolves the import edges of stylesheet sources. Results are cached
// per path and revalidated against the file's size and modification time.
type Scanner struct {
	cache  *lru.Cache[string, entry]
	logger *slog.Logger
}

// NewScanner creates a scanner holding up to size cached files.
func NewScanner(size int, logger *slog.Logger) (*Scanner, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[string, entry](size)
	if err != nil {
		return nil, err
	}
	return &Scanner{
		cache:  cache,
		logger: logger.With("component", "imports"),
	}, nil
}

// Imports returns the existing files that path imports directly, sorted.
// Non-stylesheets and unreadable files import nothing.
func (s *Scanner) Imports(path string) []string {
	c, ok := classify.Classify(path)
	if !ok || c.Kind != classify.Stylesheet {
		return nil
	}

	info, err := os.Stat(path)
	if err != nil {
		s.cache.Remove(path)
		return nil
	}
	if e, ok := s.cache.Get(path); ok && e.modTime.Equal(info.ModTime()) && e.size == info.Size() {
		return e.deps
	}

	data, err := os.ReadFile(path)
	if err != nil {
		s.logger.Debug("Failed to read source for import scan", "path", path, "error", err)
		return nil
	}

	dir := filepath.Dir(path)
	seen := make(map[string]bool)
	var deps []string
	for _, ref := range Parse(data, c.Lang) {
		if resolved, ok := Resolve(dir, ref, c.Lang); ok && !seen[resolved] && resolved != path {
			seen[resolved] = true
			deps = append(deps, resolved)
		}
	}
	sort.Strings(deps)

	s.cache.Add(path, entry{modTime: info.ModTime(), size: info.Size(), deps: deps})
	return deps
}

// Invalidate drops the cached scan of path.
func (s *Scanner) Invalidate(path string) {
	s.cache.Remove(path)
}

// Dependents returns every source among sources that imports target directly
// or transitively. target itself is never included.
func (s *Scanner) Dependents(target string, sources []string) []string {
	importers := make(map[string][]string)
	for _, src := range sources {
		for _, dep := range s.Imports(src) {
			importers[dep] = append(importers[dep], src)
		}
	}

	visited := map[string]bool{target: true}
	queue := []string{target}
	var out []string
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, imp := range importers[cur] {
			if visited[imp] {
				continue
			}
			visited[imp] = true
			out = append(out, imp)
			queue = append(queue, imp)
		}
	}
	sort.Strings(out)
	return out
}

// Parse extracts the import specifiers of a stylesheet written in lang.
// url(...), remote and plain .css imports are left out since they are not
// compiled into the output.
func Parse(content []byte, lang string) []string {
	text := blockComment.ReplaceAllString(string(content), "")
	text = lineComment.ReplaceAllString(text, "$1")

	var raw []string
	if lang == "sass" {
		for _, m := range lineImport.FindAllStringSubmatch(text, -1) {
			raw = append(raw, splitList(m[1])...)
		}
	} else {
		for _, m := range braceImport.FindAllStringSubmatch(text, -1) {
			raw = append(raw, splitList(m[1])...)
		}
	}
	if lang == "scss" || lang == "sass" {
		for _, m := range useImport.FindAllStringSubmatch(text, -1) {
			if !strings.HasPrefix(m[1], "sass:") {
				raw = append(raw, m[1])
			}
		}
	}

	var refs []string
	for _, r := range raw {
		if ref, ok := cleanRef(r); ok {
			refs = append(refs, ref)
		}
	}
	return refs
}

func splitList(s string) []string {
	return strings.Split(strings.TrimSuffix(strings.TrimSpace(s), ";"), ",")
}

func cleanRef(raw string) (string, bool) {
	ref := strings.TrimSpace(raw)
	if strings.HasPrefix(ref, "url(") {
		return "", false
	}
	ref = strings.Trim(ref, `"'`)
	if ref == "" ||
		strings.HasPrefix(ref, "http://") ||
		strings.HasPrefix(ref, "https://") ||
		strings.HasPrefix(ref, "//") ||
		strings.EqualFold(filepath.Ext(ref), ".css") {
		return "", false
	}
	return ref, true
}

// Resolve maps an import specifier to an existing file relative to dir.
func Resolve(dir, ref, lang string) (string, bool) {
	base := ref
	if !filepath.IsAbs(base) {
		base = filepath.Join(dir, filepath.FromSlash(ref))
	}
	for _, cand := range candidates(base, lang) {
		if info, err := os.Stat(cand); err == nil && !info.IsDir() {
			return filepath.Clean(cand), true
		}
	}
	return "", false
}

func candidates(base, lang string) []string {
	ext := filepath.Ext(base)
	if lang == "less" {
		if ext != "" {
			return []string{base, base + ".less"}
		}
		return []string{base + ".less"}
	}

	dir, name := filepath.Split(base)
	partial := filepath.Join(dir, "_"+name)
	if ext == ".scss" || ext == ".sass" {
		return []string{base, partial}
	}
	var out []string
	for _, e := range []string{".scss", ".sass"} {
		out = append(out, base+e, partial+e)
	}
	for _, e := range []string{".scss", ".sass"} {
		out = append(out, filepath.Join(base, "_index"+e), filepath.Join(base, "index"+e))
	}
	return out
}
