package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"precomp/internal/daemon"
	"precomp/internal/events"
)

var buildCmd = &cobra.Command{
	Use:   "build <project> [file...]",
	Short: "Compile a project's sources now",
	Long: `Compile the given files of a project, or every file when none are given.

Disabled files are skipped. The command exits non-zero when any file fails.

Examples:
  precomp build ~/sites/blog
  precomp build ~/sites/blog css/site.less`,
	Args: cobra.MinimumNArgs(1),
	RunE: runBuild,
}

var buildJSON bool

func init() {
	rootCmd.AddCommand(buildCmd)
	buildCmd.Flags().BoolVar(&buildJSON, "json", false, "Output results as JSON")
}

// resultSink keeps build outcome events.
type resultSink struct {
	mu      sync.Mutex
	results []events.Event
}

func (s *resultSink) Emit(e events.Event) {
	switch e.Type {
	case events.BuildSucceeded, events.BuildFailed, events.BuildSkipped:
		s.mu.Lock()
		s.results = append(s.results, e)
		s.mu.Unlock()
	}
}

func (s *resultSink) sorted() []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]events.Event(nil), s.results...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].SourcePath < out[j].SourcePath
	})
	return out
}

func runBuild(cmd *cobra.Command, args []string) error {
	e, err := loadEnv(cmd, true)
	if err != nil {
		return err
	}
	defer e.Close()

	sink := &resultSink{}
	d, err := e.openDaemon(daemon.Options{Sink: sink})
	if err != nil {
		return err
	}
	defer func() { _ = d.Stop() }()

	p, err := d.Manager().Find(args[0])
	if err != nil {
		return err
	}
	var fileIDs []string
	for _, ref := range args[1:] {
		rec, err := resolveFile(p, ref)
		if err != nil {
			return err
		}
		fileIDs = append(fileIDs, rec.ID)
	}

	if err := d.Start(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	started := time.Now()
	if _, err := d.CompileNow(p.ID, fileIDs...); err != nil {
		return err
	}
	if err := d.Coordinator().Wait(ctx); err != nil {
		return fmt.Errorf("build interrupted: %w", err)
	}

	results := sink.sorted()
	out := cmd.OutOrStdout()
	if buildJSON {
		if err := printJSON(out, results); err != nil {
			return err
		}
	}

	var ok, failed, skipped int
	for _, r := range results {
		src := relTo(p.RootPath, r.SourcePath)
		switch r.Type {
		case events.BuildSucceeded:
			ok++
			if !buildJSON {
				fmt.Fprintf(out, "ok    %s -> %s (%s)\n", src, relTo(p.RootPath, r.OutputPath), r.Duration.Round(time.Millisecond))
			}
		case events.BuildFailed:
			failed++
			if !buildJSON {
				fmt.Fprintf(out, "FAIL  %s\n", formatLocation(src, r.Line, r.Column))
				fmt.Fprintf(out, "      %s\n", r.Message)
			}
		case events.BuildSkipped:
			skipped++
			if !buildJSON {
				fmt.Fprintf(out, "skip  %s (%s)\n", src, r.Message)
			}
		}
	}

	if !buildJSON {
		fmt.Fprintf(out, "\n%d built, %d failed, %d skipped in %s\n", ok, failed, skipped, time.Since(started).Round(time.Millisecond))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d files failed to compile", failed, len(results))
	}
	return nil
}

func formatLocation(path string, line, column int) string {
	switch {
	case line > 0 && column > 0:
		return fmt.Sprintf("%s:%d:%d", path, line, column)
	case line > 0:
		return fmt.Sprintf("%s:%d", path, line)
	default:
		return path
	}
}
