package build

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"precomp/internal/compiler"
	"precomp/internal/config"
	"precomp/internal/events"
	"precomp/internal/project"
	"precomp/internal/slogutil"
	"precomp/internal/store"
)

// fakeCompiler upper-cases the source, fails sources containing "fail", and
// records concurrent invocations per source.
type fakeCompiler struct {
	mu      sync.Mutex
	calls   map[string]int
	active  map[string]int
	overlap bool

	delay   time.Duration
	started chan string   // receives the source of each compile, if set
	block   chan struct{} // compiles wait on this or ctx, if set
}

func newFakeCompiler() *fakeCompiler {
	return &fakeCompiler{
		calls:  make(map[string]int),
		active: make(map[string]int),
	}
}

func (f *fakeCompiler) Compile(ctx context.Context, req compiler.Request) ([]byte, error) {
	f.mu.Lock()
	f.calls[req.SourcePath]++
	f.active[req.SourcePath]++
	if f.active[req.SourcePath] > 1 {
		f.overlap = true
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.active[req.SourcePath]--
		f.mu.Unlock()
	}()

	if f.started != nil {
		f.started <- req.SourcePath
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	data, err := os.ReadFile(req.SourcePath)
	if err != nil {
		return nil, err
	}
	if strings.Contains(string(data), "fail") {
		return nil, &compiler.CompileError{Message: "unexpected token", Line: 2, Column: 5}
	}
	return []byte(strings.ToUpper(string(data))), nil
}

func (f *fakeCompiler) callCount(src string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[src]
}

type fixture struct {
	root  string
	store *store.Store
	proj  *project.Project
	sink  *events.ChannelSink
	comp  *fakeCompiler
	coord *Coordinator
}

func newFixture(t *testing.T, files map[string]string, cfg Config) *fixture {
	t.Helper()
	logger := slogutil.NewDiscardLogger()

	st, err := store.Open(config.StoreConfig{Backend: "json"}, t.TempDir(), logger)
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	if err := st.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	root := t.TempDir()
	p := project.New(root)
	for name, content := range files {
		path := filepath.Join(root, name)
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
		rec, ok := project.NewFileRecord(path)
		if !ok {
			t.Fatalf("%s is not a source", name)
		}
		p.Files[rec.ID] = rec
	}
	if err := st.Upsert(p); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	f := &fixture{
		root:  root,
		store: st,
		proj:  p,
		sink:  events.NewChannelSink(256),
		comp:  newFakeCompiler(),
	}
	f.coord = New(st, f.comp, f.sink, logger, cfg)
	t.Cleanup(func() {
		_ = f.coord.Stop(5 * time.Second)
		_ = st.Close()
	})
	return f
}

func (f *fixture) path(name string) string { return filepath.Join(f.root, name) }

func (f *fixture) fileID(name string) string { return project.FileID(f.path(name)) }

func (f *fixture) submit(name string, reason Reason) bool {
	return f.coord.Submit(Request{ProjectID: f.proj.ID, FileID: f.fileID(name), Reason: reason})
}

func (f *fixture) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := f.coord.Wait(ctx); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
}

func (f *fixture) record(t *testing.T, name string) *project.FileRecord {
	t.Helper()
	rec, _, err := f.store.File(f.proj.ID, f.fileID(name))
	if err != nil {
		t.Fatalf("File(%s) failed: %v", name, err)
	}
	return rec
}

func (f *fixture) drain() []events.Event {
	var out []events.Event
	for {
		select {
		case e := <-f.sink.Events():
			out = append(out, e)
		default:
			return out
		}
	}
}

func types(evs []events.Event) []events.Type {
	out := make([]events.Type, len(evs))
	for i, e := range evs {
		out[i] = e.Type
	}
	return out
}

func TestBuildSucceeds(t *testing.T) {
	f := newFixture(t, map[string]string{"a.less": "a { b: c }"}, Config{Workers: 2})
	f.coord.Start()

	if !f.submit("a.less", ReasonManual) {
		t.Fatal("Submit returned false")
	}
	f.wait(t)

	out, err := os.ReadFile(f.path("a.css"))
	if err != nil {
		t.Fatalf("output not written: %v", err)
	}
	if string(out) != "A { B: C }" {
		t.Errorf("output = %q", out)
	}

	rec := f.record(t, "a.less")
	if rec.LastStatus != project.StatusOK || rec.LastError != "" {
		t.Errorf("status = %s (%q)", rec.LastStatus, rec.LastError)
	}
	if rec.LastBuiltAt == nil || rec.SourceHash == "" {
		t.Error("lastBuiltAt and sourceHash must be recorded")
	}

	got := types(f.drain())
	if len(got) != 2 || got[0] != events.BuildStarted || got[1] != events.BuildSucceeded {
		t.Errorf("events = %v", got)
	}
}

func TestBuildFailureIsIsolated(t *testing.T) {
	f := newFixture(t, map[string]string{
		"bad.less":  "please fail",
		"good.less": "ok",
	}, Config{Workers: 2})
	f.coord.Start()

	f.submit("bad.less", ReasonManual)
	f.submit("good.less", ReasonManual)
	f.wait(t)

	bad := f.record(t, "bad.less")
	if bad.LastStatus != project.StatusError || bad.LastError != "unexpected token" {
		t.Errorf("bad status = %s (%q)", bad.LastStatus, bad.LastError)
	}
	if good := f.record(t, "good.less"); good.LastStatus != project.StatusOK {
		t.Errorf("good status = %s", good.LastStatus)
	}
	if _, err := os.Stat(f.path("bad.css")); !os.IsNotExist(err) {
		t.Error("failed build must not write output")
	}

	var failed *events.Event
	for _, e := range f.drain() {
		if e.Type == events.BuildFailed {
			e := e
			failed = &e
		}
	}
	if failed == nil {
		t.Fatal("no BuildFailed event")
	}
	if failed.Message != "unexpected token" || failed.Line != 2 || failed.Column != 5 {
		t.Errorf("failure event = %+v", failed)
	}

	stats := f.coord.Stats()
	if stats.Succeeded != 1 || stats.Failed != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestDisabledFileIsSkipped(t *testing.T) {
	f := newFixture(t, map[string]string{"a.less": "x"}, Config{})
	if err := f.store.UpdateFile(f.proj.ID, f.fileID("a.less"), func(r *project.FileRecord) {
		r.CompileEnabled = false
	}); err != nil {
		t.Fatal(err)
	}
	f.coord.Start()

	f.submit("a.less", ReasonManual)
	f.wait(t)

	if n := f.comp.callCount(f.path("a.less")); n != 0 {
		t.Errorf("compiler called %d times for disabled file", n)
	}
	if rec := f.record(t, "a.less"); rec.LastStatus != project.StatusUnbuilt {
		t.Errorf("status = %s, want unbuilt", rec.LastStatus)
	}
	got := types(f.drain())
	if len(got) != 1 || got[0] != events.BuildSkipped {
		t.Errorf("events = %v", got)
	}
}

func TestUnchangedSourceIsSkippedOnChange(t *testing.T) {
	f := newFixture(t, map[string]string{"a.less": "x"}, Config{})
	f.coord.Start()
	src := f.path("a.less")

	f.submit("a.less", ReasonManual)
	f.wait(t)

	f.submit("a.less", ReasonChange)
	f.wait(t)
	if n := f.comp.callCount(src); n != 1 {
		t.Errorf("unchanged change request compiled: %d calls", n)
	}

	f.submit("a.less", ReasonManual)
	f.wait(t)
	if n := f.comp.callCount(src); n != 2 {
		t.Errorf("manual request must always compile: %d calls", n)
	}

	if err := os.WriteFile(src, []byte("y"), 0644); err != nil {
		t.Fatal(err)
	}
	f.submit("a.less", ReasonChange)
	f.wait(t)
	if n := f.comp.callCount(src); n != 3 {
		t.Errorf("changed content must compile: %d calls", n)
	}
}

func TestBurstCollapsesPerTarget(t *testing.T) {
	f := newFixture(t, map[string]string{"a.less": "x", "b.less": "y"}, Config{Workers: 4})
	f.comp.delay = 30 * time.Millisecond
	f.coord.Start()

	for i := 0; i < 25; i++ {
		f.submit("a.less", ReasonManual)
		f.submit("b.less", ReasonManual)
	}
	f.wait(t)

	for _, name := range []string{"a.less", "b.less"} {
		if n := f.comp.callCount(f.path(name)); n < 1 || n > 2 {
			t.Errorf("%s compiled %d times, want 1 or 2", name, n)
		}
	}
	if f.comp.overlap {
		t.Error("two compiles of the same target overlapped")
	}
	if f.coord.Stats().Collapsed == 0 {
		t.Error("expected collapsed requests")
	}
}

func TestSharedOutputIsOneTarget(t *testing.T) {
	f := newFixture(t, map[string]string{"a.less": "x", "b.less": "y"}, Config{Workers: 4})
	shared := f.path("out.css")
	for _, name := range []string{"a.less", "b.less"} {
		if err := f.store.UpdateFile(f.proj.ID, f.fileID(name), func(r *project.FileRecord) {
			r.OutputPath = shared
		}); err != nil {
			t.Fatal(err)
		}
	}
	f.comp.block = make(chan struct{})
	f.comp.started = make(chan string, 4)
	f.coord.Start()

	f.submit("a.less", ReasonManual)
	<-f.comp.started
	f.submit("b.less", ReasonManual)
	if s := f.coord.Stats(); s.Compiling != 1 || s.Queued != 0 {
		t.Errorf("stats while compiling = %+v", s)
	}
	close(f.comp.block)
	f.wait(t)

	out, err := os.ReadFile(shared)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != "Y" {
		t.Errorf("latest request must win the target, got %q", out)
	}
}

func TestDetachProjectCancelsBuilds(t *testing.T) {
	f := newFixture(t, map[string]string{"a.less": "x", "b.less": "y"}, Config{Workers: 1})
	f.comp.block = make(chan struct{})
	f.comp.started = make(chan string, 4)
	f.coord.Start()

	f.submit("a.less", ReasonManual)
	f.submit("b.less", ReasonManual)
	<-f.comp.started

	done := make(chan struct{})
	go func() {
		f.coord.DetachProject(f.proj.ID)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("DetachProject did not return")
	}

	for _, e := range f.drain() {
		if e.Type == events.BuildSucceeded || e.Type == events.BuildFailed {
			t.Errorf("unexpected %s event after detach", e.Type)
		}
	}
	if f.submit("a.less", ReasonManual) {
		t.Error("Submit accepted a request for a detached project")
	}
	if n := f.comp.callCount(f.path("b.less")); n != 0 {
		t.Errorf("queued build ran after detach: %d calls", n)
	}
	if rec := f.record(t, "a.less"); rec.LastStatus != project.StatusUnbuilt {
		t.Errorf("cancelled build changed status to %s", rec.LastStatus)
	}
	if s := f.coord.Stats(); s.Queued != 0 || s.Compiling != 0 {
		t.Errorf("stats after detach = %+v", s)
	}
}

func TestAttachProjectAcceptsBuildsAgain(t *testing.T) {
	f := newFixture(t, map[string]string{"a.less": "x"}, Config{Workers: 1})
	f.coord.Start()

	f.coord.DetachProject(f.proj.ID)
	if f.submit("a.less", ReasonManual) {
		t.Fatal("Submit accepted a request for a detached project")
	}

	f.coord.AttachProject(f.proj.ID, f.root)
	if !f.submit("a.less", ReasonManual) {
		t.Fatal("Submit dropped a request after AttachProject")
	}
	f.wait(t)
	if rec := f.record(t, "a.less"); rec.LastStatus != project.StatusOK {
		t.Errorf("LastStatus = %s, want ok", rec.LastStatus)
	}
}

func TestBuildSeesSettingsWrittenByAnotherStore(t *testing.T) {
	f := newFixture(t, map[string]string{"a.less": "x"}, Config{})
	other, err := store.Open(config.StoreConfig{Backend: "json", Path: f.store.Path()}, t.TempDir(), slogutil.NewDiscardLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := other.Load(); err != nil {
		t.Fatal(err)
	}
	defer other.Close()
	if err := other.UpdateFile(f.proj.ID, f.fileID("a.less"), func(r *project.FileRecord) {
		r.CompileEnabled = false
	}); err != nil {
		t.Fatal(err)
	}

	f.coord.Start()
	f.submit("a.less", ReasonManual)
	f.wait(t)

	if n := f.comp.callCount(f.path("a.less")); n != 0 {
		t.Errorf("file disabled elsewhere was compiled %d times", n)
	}
	skipped := false
	for _, e := range f.drain() {
		if e.Type == events.BuildSkipped {
			skipped = true
		}
	}
	if !skipped {
		t.Error("expected a skip event")
	}
}

func TestCompileTimeout(t *testing.T) {
	f := newFixture(t, map[string]string{"a.less": "x"}, Config{Timeout: 50 * time.Millisecond})
	f.comp.block = make(chan struct{})
	defer close(f.comp.block)
	f.coord.Start()

	f.submit("a.less", ReasonManual)
	f.wait(t)

	rec := f.record(t, "a.less")
	if rec.LastStatus != project.StatusError || !strings.Contains(rec.LastError, "timed out") {
		t.Errorf("status = %s (%q)", rec.LastStatus, rec.LastError)
	}
}

func TestSubmitUnknownFile(t *testing.T) {
	f := newFixture(t, map[string]string{"a.less": "x"}, Config{})
	if f.coord.Submit(Request{ProjectID: f.proj.ID, FileID: "nope"}) {
		t.Error("Submit accepted an unknown file")
	}
	if f.coord.Submit(Request{ProjectID: "nope", FileID: f.fileID("a.less")}) {
		t.Error("Submit accepted an unknown project")
	}
}

func TestSubmitAfterStop(t *testing.T) {
	f := newFixture(t, map[string]string{"a.less": "x"}, Config{})
	f.coord.Start()
	if err := f.coord.Stop(time.Second); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if f.submit("a.less", ReasonManual) {
		t.Error("Submit accepted a request after Stop")
	}
}

func TestMergeKeepsStrongerReason(t *testing.T) {
	tests := []struct {
		prev, next, want Reason
	}{
		{ReasonManual, ReasonChange, ReasonManual},
		{ReasonDependency, ReasonChange, ReasonDependency},
		{ReasonChange, ReasonManual, ReasonManual},
		{ReasonChange, ReasonChange, ReasonChange},
	}
	for _, tt := range tests {
		got := merge(Request{Reason: tt.prev}, Request{Reason: tt.next})
		if got.Reason != tt.want {
			t.Errorf("merge(%s, %s) = %s, want %s", tt.prev, tt.next, got.Reason, tt.want)
		}
	}
}

func TestWriteOutputCreatesDirectories(t *testing.T) {
	path := filepath.Join(t.TempDir(), "public", "css", "site.css")
	if err := writeOutput(path, []byte("a")); err != nil {
		t.Fatalf("writeOutput failed: %v", err)
	}
	if err := writeOutput(path, []byte("b")); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "b" {
		t.Errorf("content = %q, %v", data, err)
	}
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("temp files left behind: %d entries", len(entries))
	}
}
