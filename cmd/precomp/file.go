package main

import (
	"fmt"
	"io"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"precomp/internal/daemon"
	perrors "precomp/internal/errors"
	"precomp/internal/manager"
	"precomp/internal/paths"
	"precomp/internal/project"
)

var fileCmd = &cobra.Command{
	Use:   "file",
	Short: "Configure individual source files",
	Long: `Configure how individual source files are compiled.

Files are referenced by ID, by a path relative to the project root, or by an
absolute path.`,
}

var fileOutputCmd = &cobra.Command{
	Use:   "output <project> <file> [output]",
	Short: "Set or reset a file's output path",
	Long: `Set the output path of a source file.

A relative output is taken relative to the project root. Stylesheet sources
must write .css and script sources .js. Without an output argument the file
goes back to its default output.`,
	Args: cobra.RangeArgs(2, 3),
	RunE: runFileOutput,
}

var fileEnableCmd = &cobra.Command{
	Use:   "enable <project> <file>...",
	Short: "Enable compilation of files",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFileCompile(cmd, args, true)
	},
}

var fileDisableCmd = &cobra.Command{
	Use:   "disable <project> <file>...",
	Short: "Disable compilation of files",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFileCompile(cmd, args, false)
	},
}

func init() {
	rootCmd.AddCommand(fileCmd)

	fileCmd.AddCommand(fileOutputCmd)
	fileCmd.AddCommand(fileEnableCmd)
	fileCmd.AddCommand(fileDisableCmd)
}

// resolveFile finds a file of p by ID or path.
func resolveFile(p *project.Project, ref string) (*project.FileRecord, error) {
	if rec, ok := p.Files[ref]; ok {
		return rec, nil
	}

	candidates := []string{paths.JoinRootPath(p.RootPath, ref)}
	if filepath.IsAbs(ref) {
		candidates = []string{filepath.Clean(ref)}
	} else if abs, err := paths.Abs(ref); err == nil {
		candidates = append(candidates, abs)
	}
	for _, c := range candidates {
		if rec, ok := p.FileByPath(c); ok {
			return rec, nil
		}
		if real, err := filepath.EvalSymlinks(c); err == nil {
			if rec, ok := p.FileByPath(real); ok {
				return rec, nil
			}
		}
	}
	return nil, perrors.Newf(perrors.NotFound, "file %s not found in project %s", ref, p.ID)
}

func runFileOutput(cmd *cobra.Command, args []string) error {
	return withDaemon(cmd, func(d *daemon.Daemon) error {
		p, err := d.Manager().Find(args[0])
		if err != nil {
			return err
		}
		rec, err := resolveFile(p, args[1])
		if err != nil {
			return err
		}

		update := manager.FileUpdate{CompileEnabled: rec.CompileEnabled}
		if len(args) == 3 {
			update.OutputPath = args[2]
		}
		updated, err := d.Manager().UpdateFile(p.ID, rec.ID, update)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		target := p.ResolveOutput(updated)
		if updated.OutputPath == "" {
			fmt.Fprintf(out, "%s -> %s (default)\n", relTo(p.RootPath, updated.SourcePath), relTo(p.RootPath, target))
		} else {
			fmt.Fprintf(out, "%s -> %s\n", relTo(p.RootPath, updated.SourcePath), relTo(p.RootPath, target))
		}
		return nil
	})
}

func runFileCompile(cmd *cobra.Command, args []string, enabled bool) error {
	return withDaemon(cmd, func(d *daemon.Daemon) error {
		p, err := d.Manager().Find(args[0])
		if err != nil {
			return err
		}

		records := make([]*project.FileRecord, 0, len(args)-1)
		for _, ref := range args[1:] {
			rec, err := resolveFile(p, ref)
			if err != nil {
				return err
			}
			records = append(records, rec)
		}

		verb := "Disabled"
		if enabled {
			verb = "Enabled"
		}
		for _, rec := range records {
			if err := d.Manager().ChangeFileCompile(p.ID, rec.ID, enabled); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", verb, relTo(p.RootPath, rec.SourcePath))
		}
		return nil
	})
}

// printFiles renders the file table of p.
func printFiles(out io.Writer, p *project.Project) {
	files := p.SortedFiles()
	if len(files) == 0 {
		fmt.Fprintln(out, "No source files.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSOURCE\tOUTPUT\tENABLED\tSTATUS")
	for _, rec := range files {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			rec.ID,
			relTo(p.RootPath, rec.SourcePath),
			relTo(p.RootPath, p.ResolveOutput(rec)),
			enabledLabel(rec.CompileEnabled),
			statusLabel(rec),
		)
	}
	_ = w.Flush()

	for _, rec := range files {
		if rec.LastStatus == project.StatusError && rec.LastError != "" {
			fmt.Fprintf(out, "\n%s:\n  %s\n", relTo(p.RootPath, rec.SourcePath), rec.LastError)
		}
	}
}
