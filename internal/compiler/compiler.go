// Package compiler invokes the external preprocessors that turn sources into
// artifacts.
package compiler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"precomp/internal/classify"
	"precomp/internal/config"
)

// Request describes one compilation.
type Request struct {
	SourcePath string
	OutputPath string
	Kind       classify.Kind
	Lang       string
	Options    map[string]string
}

// Compiler turns a source file into output bytes. Implementations must honor
// ctx cancellation. A failure in the source is reported as *CompileError.
type Compiler interface {
	Compile(ctx context.Context, req Request) ([]byte, error)
}

// CompileError is a failure reported by the preprocessor for one source.
type CompileError struct {
	Message string
	Line    int // 0 when unknown
	Column  int // 0 when unknown
}

func (e *CompileError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("line %d, column %d: %s", e.Line, e.Column, e.Message)
	}
	return e.Message
}

// AsCompileError extracts a *CompileError from err.
func AsCompileError(err error) (*CompileError, bool) {
	var ce *CompileError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// maxMessageLen caps the message stored on a file record.
const maxMessageLen = 2000

var (
	// lessc: "... in /p/a.less on line 3, column 7:"
	lessPosition = regexp.MustCompile(`(?i)line (\d+), column (\d+)`)
	// coffee, sass and most tools: "file:3:7" or "file 3:7"
	genericPosition = regexp.MustCompile(`(?m)(?:^|[\s:(])(\d+):(\d+)(?:[\s:)]|$)`)
	lineOnly        = regexp.MustCompile(`(?i)\bline:? (\d+)\b`)
)

// ParseCompileError builds a CompileError from a preprocessor's diagnostic
// output, extracting the first line/column pair it can find.
func ParseCompileError(output string) *CompileError {
	msg := strings.TrimSpace(output)
	if msg == "" {
		msg = "compilation failed"
	}
	if len(msg) > maxMessageLen {
		msg = msg[:maxMessageLen] + "..."
	}

	ce := &CompileError{Message: msg}
	if m := lessPosition.FindStringSubmatch(output); m != nil {
		ce.Line, _ = strconv.Atoi(m[1])
		ce.Column, _ = strconv.Atoi(m[2])
	} else if m := genericPosition.FindStringSubmatch(output); m != nil {
		ce.Line, _ = strconv.Atoi(m[1])
		ce.Column, _ = strconv.Atoi(m[2])
	} else if m := lineOnly.FindStringSubmatch(output); m != nil {
		ce.Line, _ = strconv.Atoi(m[1])
	}
	return ce
}

// CommandCompiler runs a configured executable per language. The command's
// stdout is the artifact; its stderr is the diagnostic.
type CommandCompiler struct {
	commands map[string]config.CompilerCommand
	options  map[string]map[string]string
	logger   *slog.Logger
}

// NewCommandCompiler creates a compiler from the build configuration.
func NewCommandCompiler(cfg config.BuildConfig, logger *slog.Logger) *CommandCompiler {
	return &CommandCompiler{
		commands: cfg.Compilers,
		options:  cfg.Options,
		logger:   logger.With("component", "compiler"),
	}
}

// Compile runs the command configured for req.Lang.
func (c *CommandCompiler) Compile(ctx context.Context, req Request) ([]byte, error) {
	cc, ok := c.commands[req.Lang]
	if !ok || cc.Command == "" {
		return nil, &CompileError{Message: fmt.Sprintf("no compiler configured for %q", req.Lang)}
	}

	args := c.buildArgs(cc, req)
	cmd := exec.CommandContext(ctx, cc.Command, args...)
	cmd.Dir = filepath.Dir(req.SourcePath)
	cmd.Env = os.Environ()
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	c.logger.Debug("Compiler finished",
		"command", cc.Command,
		"source", req.SourcePath,
		"duration", time.Since(start),
		"error", err,
	)

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			diag := stderr.String()
			if strings.TrimSpace(diag) == "" {
				diag = stdout.String()
			}
			return nil, ParseCompileError(diag)
		}
		return nil, &CompileError{Message: fmt.Sprintf("failed to run %s: %v", cc.Command, err)}
	}
	return stdout.Bytes(), nil
}

// buildArgs expands placeholders and prepends options as --key=value flags.
// Request options override configured options for the same key.
func (c *CommandCompiler) buildArgs(cc config.CompilerCommand, req Request) []string {
	merged := make(map[string]string)
	for k, v := range c.options[req.Lang] {
		merged[k] = v
	}
	for k, v := range req.Options {
		merged[k] = v
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := make([]string, 0, len(keys)+len(cc.Args))
	for _, k := range keys {
		switch v := merged[k]; v {
		case "", "true":
			args = append(args, "--"+k)
		case "false":
		default:
			args = append(args, "--"+k+"="+v)
		}
	}
	r := strings.NewReplacer("{source}", req.SourcePath, "{output}", req.OutputPath)
	for _, a := range cc.Args {
		args = append(args, r.Replace(a))
	}
	return args
}
