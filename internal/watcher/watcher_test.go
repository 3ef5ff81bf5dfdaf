package watcher

import (
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"precomp/internal/config"
	"precomp/internal/slogutil"
)

// mapResolver resolves paths from a fixed table.
type mapResolver struct {
	mu    sync.Mutex
	files map[string]string
}

func (r *mapResolver) LookupFile(_ string, path string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.files[path]
	return id, ok
}

func testConfig() config.WatchConfig {
	return config.WatchConfig{
		Enabled:        true,
		DebounceMs:     40,
		IgnorePatterns: []string{"node_modules", ".git", "*.swp"},
	}
}

type harness struct {
	w       *Watcher
	root    string
	intents chan Intent
}

func startWatcher(t *testing.T, resolver Resolver) *harness {
	t.Helper()
	return startWatcherAt(t, resolver, tempRoot(t))
}

func tempRoot(t *testing.T) string {
	t.Helper()
	root, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return root
}

func startWatcherAt(t *testing.T, resolver Resolver, root string) *harness {
	t.Helper()
	if resolver == nil {
		resolver = &mapResolver{files: map[string]string{}}
	}

	intents := make(chan Intent, 64)
	w, err := New(testConfig(), resolver, slogutil.NewDiscardLogger(), func(i Intent) { intents <- i })
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { _ = w.Stop() })

	if err := w.Watch("p1", root); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	return &harness{w: w, root: root, intents: intents}
}

func (h *harness) expect(t *testing.T, kind ChangeKind, path string) Intent {
	t.Helper()
	select {
	case i := <-h.intents:
		if i.Kind != kind || i.Path != path || i.ProjectID != "p1" {
			t.Fatalf("got intent %+v, want %s %s", i, kind, path)
		}
		return i
	case <-time.After(3 * time.Second):
		t.Fatalf("no %s intent for %s", kind, path)
	}
	return Intent{}
}

func (h *harness) expectNone(t *testing.T) {
	t.Helper()
	select {
	case i := <-h.intents:
		t.Fatalf("unexpected intent %+v", i)
	case <-time.After(300 * time.Millisecond):
	}
}

func write(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestWatcherCreatedModifiedRemoved(t *testing.T) {
	resolver := &mapResolver{files: map[string]string{}}
	h := startWatcher(t, resolver)
	src := filepath.Join(h.root, "a.less")

	write(t, src, "a {}")
	i := h.expect(t, Created, src)
	if i.FileID != "" {
		t.Errorf("new file got FileID %q", i.FileID)
	}

	resolver.mu.Lock()
	resolver.files[src] = "file-a"
	resolver.mu.Unlock()

	write(t, src, "b {}")
	i = h.expect(t, Modified, src)
	if i.FileID != "file-a" {
		t.Errorf("FileID = %q, want file-a", i.FileID)
	}

	if err := os.Remove(src); err != nil {
		t.Fatal(err)
	}
	h.expect(t, Removed, src)
}

func TestWatcherDebouncesBurst(t *testing.T) {
	h := startWatcher(t, nil)
	src := filepath.Join(h.root, "a.scss")

	for i := 0; i < 10; i++ {
		write(t, src, "x")
		time.Sleep(5 * time.Millisecond)
	}
	h.expect(t, Created, src)
	h.expectNone(t)
}

func TestWatcherSaveViaRename(t *testing.T) {
	resolver := &mapResolver{files: map[string]string{}}
	h := startWatcher(t, resolver)
	src := filepath.Join(h.root, "a.less")
	write(t, src, "a {}")
	h.expect(t, Created, src)

	resolver.mu.Lock()
	resolver.files[src] = "file-a"
	resolver.mu.Unlock()

	// Editors often write a temp file and rename it over the original.
	tmp := filepath.Join(h.root, "a.less.swp")
	write(t, tmp, "b {}")
	if err := os.Rename(tmp, src); err != nil {
		t.Fatal(err)
	}
	h.expect(t, Modified, src)
	h.expectNone(t)
}

func TestWatcherIgnoresNonSources(t *testing.T) {
	h := startWatcher(t, nil)

	write(t, filepath.Join(h.root, "notes.txt"), "x")
	write(t, filepath.Join(h.root, "a.css"), "x")
	if err := os.MkdirAll(filepath.Join(h.root, "node_modules", "pkg"), 0755); err != nil {
		t.Fatal(err)
	}
	write(t, filepath.Join(h.root, "node_modules", "pkg", "x.less"), "x")
	h.expectNone(t)
}

func TestWatcherNewDirectory(t *testing.T) {
	h := startWatcher(t, nil)
	dir := filepath.Join(h.root, "styles", "partials")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	// Give the watcher a moment to add the new directories.
	time.Sleep(100 * time.Millisecond)

	src := filepath.Join(dir, "_vars.scss")
	write(t, src, "$c: red;")
	h.expect(t, Created, src)
}

func TestWatcherRemovedDirectory(t *testing.T) {
	h := startWatcher(t, nil)
	dir := filepath.Join(h.root, "styles")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	h.expectNone(t)

	if err := os.RemoveAll(dir); err != nil {
		t.Fatal(err)
	}
	h.expect(t, Removed, dir)
}

func TestWatcherUnwatch(t *testing.T) {
	h := startWatcher(t, nil)
	src := filepath.Join(h.root, "a.less")

	write(t, src, "x")
	h.w.Unwatch("p1")
	h.expectNone(t)

	write(t, src, "y")
	h.expectNone(t)

	if got := h.w.WatchedProjects(); len(got) != 0 {
		t.Errorf("WatchedProjects = %v", got)
	}
}

func TestWatcherAttachAfterDetach(t *testing.T) {
	h := startWatcher(t, nil)
	h.w.DetachProject("p1")
	h.w.AttachProject("p1", h.root)

	if got := h.w.WatchedProjects(); len(got) != 1 || got[0] != "p1" {
		t.Fatalf("WatchedProjects = %v", got)
	}
	src := filepath.Join(h.root, "a.less")
	write(t, src, "x")
	h.expect(t, Created, src)
}

func TestWatcherFollowsSymlinkedDirectory(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	root := tempRoot(t)
	shared := tempRoot(t)
	if err := os.Symlink(shared, filepath.Join(root, "linked")); err != nil {
		t.Fatalf("Symlink failed: %v", err)
	}
	h := startWatcherAt(t, nil, root)

	src := filepath.Join(root, "linked", "a.less")
	write(t, src, "x")
	h.expect(t, Created, src)
}

func TestWatcherDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	w, err := New(cfg, &mapResolver{}, slogutil.NewDiscardLogger(), nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer w.Stop()

	if err := w.Start(); err != nil {
		t.Errorf("Start failed: %v", err)
	}
	if err := w.Watch("p1", t.TempDir()); err != nil {
		t.Errorf("Watch failed: %v", err)
	}
	if got := w.WatchedProjects(); len(got) != 0 {
		t.Errorf("disabled watcher tracks %v", got)
	}
}

func TestWatchMissingRoot(t *testing.T) {
	w, err := New(testConfig(), &mapResolver{}, slogutil.NewDiscardLogger(), nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer w.Stop()

	if err := w.Watch("p1", filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected error for missing root")
	}
}

func TestWatcherIsIgnored(t *testing.T) {
	w, err := New(testConfig(), &mapResolver{}, slogutil.NewDiscardLogger(), nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer w.Stop()

	root := filepath.FromSlash("/p")
	tests := []struct {
		path string
		want bool
	}{
		{"/p/a.less", false},
		{"/p/node_modules/x/a.less", true},
		{"/p/.git/HEAD", true},
		{"/p/src/a.less.swp", true},
		{"/p/.DS_Store", true},
		{"/p/src/deep/a.less", false},
		{"/p", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := w.IsIgnored(root, filepath.FromSlash(tt.path)); got != tt.want {
				t.Errorf("IsIgnored(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestDebouncerTrigger(t *testing.T) {
	d := NewDebouncer(50 * time.Millisecond)

	var mu sync.Mutex
	calls := map[string]int{}
	last := ""

	for i := 0; i < 5; i++ {
		i := i
		d.Trigger("a", func() {
			mu.Lock()
			calls["a"]++
			last = string(rune('0' + i))
			mu.Unlock()
		})
		d.Trigger("b", func() {
			mu.Lock()
			calls["b"]++
			mu.Unlock()
		})
		time.Sleep(10 * time.Millisecond)
	}

	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls["a"] != 1 || calls["b"] != 1 {
		t.Errorf("calls = %v, want one per key", calls)
	}
	if last != "4" {
		t.Errorf("latest function should win, got %q", last)
	}
}

func TestDebouncerCancelWhere(t *testing.T) {
	d := NewDebouncer(50 * time.Millisecond)

	var mu sync.Mutex
	var fired []string
	for _, key := range []string{"p1\x00a", "p1\x00b", "p2\x00a"} {
		key := key
		d.Trigger(key, func() {
			mu.Lock()
			fired = append(fired, key)
			mu.Unlock()
		})
	}
	d.CancelWhere(func(key string) bool { return key[:2] == "p1" })
	if d.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", d.Pending())
	}

	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(fired) != 1 || fired[0] != "p2\x00a" {
		t.Errorf("fired = %q", fired)
	}
}

func TestDebouncerFlush(t *testing.T) {
	d := NewDebouncer(time.Hour)

	var called int
	d.Trigger("a", func() { called++ })
	d.Trigger("b", func() { called++ })
	d.Flush()

	if called != 2 {
		t.Errorf("called = %d, want 2", called)
	}
	if d.Pending() != 0 {
		t.Errorf("Pending() = %d after flush", d.Pending())
	}
	d.Flush() // Should not panic
	d.Cancel()
}
