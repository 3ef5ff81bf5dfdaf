package catalog

import (
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"testing"
)

func writeTree(t *testing.T, root string, files ...string) {
	t.Helper()
	for _, f := range files {
		path := filepath.Join(root, filepath.FromSlash(f))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func relAll(t *testing.T, root string, files []string) []string {
	t.Helper()
	out := make([]string, 0, len(files))
	for _, f := range files {
		rel, err := filepath.Rel(root, f)
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, filepath.ToSlash(rel))
	}
	return out
}

func TestIsOSDir(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{".fseventsd", true},
		{".Spotlight-V100", true},
		{".TemporaryItems", true},
		{".Trashes", true},
		{".Trashes2", false},
		{"styles", false},
		{".git", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsOSDir(tt.name); got != tt.want {
				t.Errorf("IsOSDir(%q) = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}

func TestIsOSFile(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{".DS_Store", true},
		{"._site.less", true},
		{"Thumbs.db", true},
		{"THUMBS.DB", true},
		{".DS_Store.bak", false},
		{"site.less", false},
		{".hidden.less", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsOSFile(tt.name); got != tt.want {
				t.Errorf("IsOSFile(%q) = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}

func TestListFiles_SkipsHousekeeping(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root,
		"a.less",
		".DS_Store",
		"._a.less",
		"Thumbs.db",
		".Trashes/b.less",
		"sub/.Spotlight-V100/c.scss",
		"sub/d.scss",
	)

	got := relAll(t, root, ListFiles(root, nil))
	want := []string{"a.less", "sub/d.scss"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ListFiles() = %v, want %v", got, want)
	}
	for _, p := range got {
		if strings.Contains(p, ".Trashes") || strings.Contains(p, ".Spotlight-V100") {
			t.Errorf("entry %q lies inside a housekeeping directory", p)
		}
	}
}

func TestListFiles_ExcludePredicate(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, "a.less", "node_modules/lib.less", "b.coffee", "notes.txt")

	exclude := func(path, name string) bool {
		return name == "node_modules" || strings.HasSuffix(name, ".txt")
	}
	got := relAll(t, root, ListFiles(root, exclude))
	want := []string{"a.less", "b.coffee"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ListFiles() = %v, want %v", got, want)
	}
}

func TestListFiles_MissingRoot(t *testing.T) {
	if got := ListFiles(filepath.Join(t.TempDir(), "nope"), nil); len(got) != 0 {
		t.Errorf("ListFiles(missing) = %v, want empty", got)
	}
}

func TestListFiles_RootIsFile(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, "a.less")
	if got := ListFiles(filepath.Join(root, "a.less"), nil); len(got) != 0 {
		t.Errorf("ListFiles(file) = %v, want empty", got)
	}
}

func TestListFiles_Deterministic(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, "z.less", "a/b.scss", "m.coffee", "a/a.sass")

	first := ListFiles(root, nil)
	second := ListFiles(root, nil)
	if !reflect.DeepEqual(first, second) {
		t.Errorf("ListFiles not deterministic: %v vs %v", first, second)
	}
}

func TestListFiles_SymlinkCycle(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	root := t.TempDir()
	writeTree(t, root, "sub/a.less")
	if err := os.Symlink(root, filepath.Join(root, "sub", "loop")); err != nil {
		t.Fatalf("Symlink failed: %v", err)
	}

	got := relAll(t, root, ListFiles(root, nil))
	want := []string{"sub/a.less"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ListFiles() = %v, want %v", got, want)
	}
}

func TestListFiles_UnreadableSubdir(t *testing.T) {
	if runtime.GOOS == "windows" || os.Geteuid() == 0 {
		t.Skip("permission bits are not enforced here")
	}
	root := t.TempDir()
	writeTree(t, root, "ok.less", "locked/hidden.less")
	locked := filepath.Join(root, "locked")
	if err := os.Chmod(locked, 0); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chmod(locked, 0755) })

	got := relAll(t, root, ListFiles(root, nil))
	want := []string{"ok.less"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ListFiles() = %v, want %v", got, want)
	}
}

func TestListDirs_FollowsSymlinks(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	root := t.TempDir()
	shared := t.TempDir()
	writeTree(t, root, "sub/a.less", "node_modules/x/b.less")
	writeTree(t, shared, "c.less")
	if err := os.Symlink(shared, filepath.Join(root, "linked")); err != nil {
		t.Fatalf("Symlink failed: %v", err)
	}
	if err := os.Symlink(root, filepath.Join(root, "sub", "loop")); err != nil {
		t.Fatalf("Symlink failed: %v", err)
	}

	exclude := func(_, name string) bool { return name == "node_modules" }
	got := relAll(t, root, ListDirs(root, exclude))
	want := []string{".", "linked", "sub"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ListDirs() = %v, want %v", got, want)
	}

	files := relAll(t, root, ListFiles(root, exclude))
	if want := []string{"linked/c.less", "sub/a.less"}; !reflect.DeepEqual(files, want) {
		t.Errorf("ListFiles() = %v, want %v", files, want)
	}

	if dirs := ListDirs(filepath.Join(root, "missing"), nil); dirs != nil {
		t.Errorf("ListDirs(missing) = %v, want nil", dirs)
	}
}
