package compiler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"testing"
	"time"

	"precomp/internal/classify"
	"precomp/internal/config"
	"precomp/internal/slogutil"
)

func TestParseCompileError(t *testing.T) {
	tests := []struct {
		name       string
		output     string
		wantLine   int
		wantColumn int
	}{
		{"lessc", "ParseError: Unrecognised input in /p/a.less on line 3, column 7:\n2 a {\n3   color: ;", 3, 7},
		{"coffee", "/p/b.coffee:12:4: error: unexpected indentation", 12, 4},
		{"sass", "Error: expected \"}\".\n  ╷\n  │ a {\n  ╵\n  main.scss 5:2  root stylesheet", 5, 2},
		{"line only", "Syntax error on line 9", 9, 0},
		{"no position", "something broke", 0, 0},
		{"empty", "   ", 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ce := ParseCompileError(tt.output)
			if ce.Line != tt.wantLine || ce.Column != tt.wantColumn {
				t.Errorf("position = %d:%d, want %d:%d", ce.Line, ce.Column, tt.wantLine, tt.wantColumn)
			}
			if ce.Message == "" {
				t.Error("message must not be empty")
			}
		})
	}
}

func TestCompileErrorMessage(t *testing.T) {
	if got := (&CompileError{Message: "bad"}).Error(); got != "bad" {
		t.Errorf("Error() = %q", got)
	}
	if got := (&CompileError{Message: "bad", Line: 2, Column: 3}).Error(); got != "line 2, column 3: bad" {
		t.Errorf("Error() = %q", got)
	}

	wrapped := errors.Join(errors.New("outer"), &CompileError{Message: "inner"})
	if ce, ok := AsCompileError(wrapped); !ok || ce.Message != "inner" {
		t.Errorf("AsCompileError = %v, %v", ce, ok)
	}
}

func TestBuildArgs(t *testing.T) {
	c := NewCommandCompiler(config.BuildConfig{
		Options: map[string]map[string]string{
			"less": {"strict-math": "on", "verbose": "true"},
		},
	}, slogutil.NewDiscardLogger())

	args := c.buildArgs(
		config.CompilerCommand{Command: "lessc", Args: []string{"{source}", "--out={output}"}},
		Request{
			SourcePath: "/p/a.less",
			OutputPath: "/p/a.css",
			Lang:       "less",
			Options:    map[string]string{"verbose": "false", "compress": ""},
		},
	)

	want := []string{"--compress", "--strict-math=on", "/p/a.less", "--out=/p/a.css"}
	if !reflect.DeepEqual(args, want) {
		t.Errorf("args = %v, want %v", args, want)
	}
}

func shellCompiler(t *testing.T, script string) *CommandCompiler {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	return NewCommandCompiler(config.BuildConfig{
		Compilers: map[string]config.CompilerCommand{
			"less": {Command: "sh", Args: []string{"-c", script, "sh", "{source}"}},
		},
	}, slogutil.NewDiscardLogger())
}

func TestCommandCompilerSuccess(t *testing.T) {
	src := filepath.Join(t.TempDir(), "a.less")
	if err := os.WriteFile(src, []byte("a { color: red }"), 0644); err != nil {
		t.Fatal(err)
	}

	c := shellCompiler(t, `cat "$1"`)
	out, err := c.Compile(context.Background(), Request{SourcePath: src, Kind: classify.Stylesheet, Lang: "less"})
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if string(out) != "a { color: red }" {
		t.Errorf("output = %q", out)
	}
}

func TestCommandCompilerFailure(t *testing.T) {
	c := shellCompiler(t, `echo "ParseError in $1 on line 4, column 2" >&2; exit 1`)
	_, err := c.Compile(context.Background(), Request{SourcePath: "/tmp/a.less", Lang: "less"})

	ce, ok := AsCompileError(err)
	if !ok {
		t.Fatalf("expected CompileError, got %v", err)
	}
	if ce.Line != 4 || ce.Column != 2 {
		t.Errorf("position = %d:%d", ce.Line, ce.Column)
	}
}

func TestCommandCompilerUnknownLang(t *testing.T) {
	c := shellCompiler(t, "true")
	_, err := c.Compile(context.Background(), Request{SourcePath: "/tmp/b.coffee", Lang: "coffee"})
	if _, ok := AsCompileError(err); !ok {
		t.Fatalf("expected CompileError, got %v", err)
	}
}

func TestCommandCompilerMissingExecutable(t *testing.T) {
	c := NewCommandCompiler(config.BuildConfig{
		Compilers: map[string]config.CompilerCommand{
			"less": {Command: "precomp-no-such-compiler", Args: []string{"{source}"}},
		},
	}, slogutil.NewDiscardLogger())

	_, err := c.Compile(context.Background(), Request{SourcePath: "/tmp/a.less", Lang: "less"})
	if _, ok := AsCompileError(err); !ok {
		t.Fatalf("expected CompileError, got %v", err)
	}
}

func TestCommandCompilerHonorsDeadline(t *testing.T) {
	c := shellCompiler(t, "sleep 10")
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.Compile(ctx, Request{SourcePath: "/tmp/a.less", Lang: "less"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("compile did not stop at the deadline")
	}
}
