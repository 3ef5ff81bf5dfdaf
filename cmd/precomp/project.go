package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"precomp/internal/daemon"
	"precomp/internal/project"
)

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage registered projects",
	Long: `Manage the projects precomp tracks.

A project is a directory whose LESS, Sass/SCSS and CoffeeScript sources are
discovered recursively. Projects are referenced by ID or by root path.`,
}

var projectAddCmd = &cobra.Command{
	Use:   "add [path]",
	Short: "Register a project root",
	Long: `Register a directory as a project and discover its sources.

If path is omitted, uses the current working directory.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runProjectAdd,
}

var projectRemoveCmd = &cobra.Command{
	Use:   "remove <project>",
	Short: "Unregister a project",
	Long:  "Unregister a project. Sources and outputs on disk are left untouched.",
	Args:  cobra.ExactArgs(1),
	RunE:  runProjectRemove,
}

var projectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered projects",
	Args:  cobra.NoArgs,
	RunE:  runProjectList,
}

var projectShowCmd = &cobra.Command{
	Use:   "show <project>",
	Short: "Show a project and its files",
	Args:  cobra.ExactArgs(1),
	RunE:  runProjectShow,
}

var projectRefreshCmd = &cobra.Command{
	Use:   "refresh <project>",
	Short: "Rescan a project root for added and removed sources",
	Args:  cobra.ExactArgs(1),
	RunE:  runProjectRefresh,
}

var (
	projectAddJSON     bool
	projectListJSON    bool
	projectShowJSON    bool
	projectRefreshJSON bool
)

func init() {
	rootCmd.AddCommand(projectCmd)

	projectCmd.AddCommand(projectAddCmd)
	projectCmd.AddCommand(projectRemoveCmd)
	projectCmd.AddCommand(projectListCmd)
	projectCmd.AddCommand(projectShowCmd)
	projectCmd.AddCommand(projectRefreshCmd)

	projectAddCmd.Flags().BoolVar(&projectAddJSON, "json", false, "Output as JSON")
	projectListCmd.Flags().BoolVar(&projectListJSON, "json", false, "Output as JSON")
	projectShowCmd.Flags().BoolVar(&projectShowJSON, "json", false, "Output as JSON")
	projectRefreshCmd.Flags().BoolVar(&projectRefreshJSON, "json", false, "Output as JSON")
}

// projectSummary is the JSON form of a project row.
type projectSummary struct {
	ID       string    `json:"id"`
	RootPath string    `json:"rootPath"`
	AddedAt  time.Time `json:"addedAt"`
	Files    int       `json:"files"`
	Enabled  int       `json:"enabled"`
	Errors   int       `json:"errors"`
}

func summarize(p *project.Project) projectSummary {
	s := projectSummary{ID: p.ID, RootPath: p.RootPath, AddedAt: p.AddedAt, Files: len(p.Files)}
	for _, rec := range p.Files {
		if rec.CompileEnabled {
			s.Enabled++
		}
		if rec.LastStatus == project.StatusError {
			s.Errors++
		}
	}
	return s
}

func runProjectAdd(cmd *cobra.Command, args []string) error {
	path := ""
	if len(args) == 1 {
		path = args[0]
	} else {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to get current directory: %w", err)
		}
		path = cwd
	}

	return withDaemon(cmd, func(d *daemon.Daemon) error {
		p, err := d.AddProject(path)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if projectAddJSON {
			return printJSON(out, summarize(p))
		}
		fmt.Fprintf(out, "Added %s\n", p.ID)
		fmt.Fprintf(out, "  Root:  %s\n", p.RootPath)
		fmt.Fprintf(out, "  Files: %d\n", len(p.Files))
		return nil
	})
}

func runProjectRemove(cmd *cobra.Command, args []string) error {
	return withDaemon(cmd, func(d *daemon.Daemon) error {
		p, err := d.Manager().Find(args[0])
		if err != nil {
			return err
		}
		if err := d.DeleteProject(p.ID); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %s (%s)\n", p.ID, p.RootPath)
		return nil
	})
}

func runProjectList(cmd *cobra.Command, args []string) error {
	return withDaemon(cmd, func(d *daemon.Daemon) error {
		projects := d.Manager().Projects()
		out := cmd.OutOrStdout()

		if projectListJSON {
			summaries := make([]projectSummary, 0, len(projects))
			for _, p := range projects {
				summaries = append(summaries, summarize(p))
			}
			return printJSON(out, summaries)
		}

		if len(projects) == 0 {
			fmt.Fprintln(out, "No projects registered.")
			fmt.Fprintln(out, "Use 'precomp project add <path>' to register one.")
			return nil
		}

		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tROOT\tFILES\tERRORS")
		for _, p := range projects {
			s := summarize(p)
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\n", s.ID, s.RootPath, s.Files, s.Errors)
		}
		return w.Flush()
	})
}

func runProjectShow(cmd *cobra.Command, args []string) error {
	return withDaemon(cmd, func(d *daemon.Daemon) error {
		p, err := d.Manager().Find(args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if projectShowJSON {
			return printJSON(out, p)
		}

		fmt.Fprintf(out, "Project %s\n", p.ID)
		fmt.Fprintf(out, "  Root:  %s\n", p.RootPath)
		fmt.Fprintf(out, "  Added: %s\n", p.AddedAt.Local().Format(time.RFC3339))
		fmt.Fprintln(out)
		printFiles(out, p)
		return nil
	})
}

func runProjectRefresh(cmd *cobra.Command, args []string) error {
	return withDaemon(cmd, func(d *daemon.Daemon) error {
		p, err := d.Manager().Find(args[0])
		if err != nil {
			return err
		}
		before := p.Files

		files, err := d.Manager().RefreshProject(p.ID)
		if err != nil {
			return err
		}

		var added, removed []string
		after := make(map[string]bool, len(files))
		for _, rec := range files {
			after[rec.ID] = true
			if _, ok := before[rec.ID]; !ok {
				added = append(added, relTo(p.RootPath, rec.SourcePath))
			}
		}
		for _, rec := range p.SortedFiles() {
			if !after[rec.ID] {
				removed = append(removed, relTo(p.RootPath, rec.SourcePath))
			}
		}

		out := cmd.OutOrStdout()
		if projectRefreshJSON {
			return printJSON(out, map[string]interface{}{
				"projectId": p.ID,
				"files":     len(files),
				"added":     added,
				"removed":   removed,
			})
		}

		fmt.Fprintf(out, "Refreshed %s: %d files (%d added, %d removed)\n", p.RootPath, len(files), len(added), len(removed))
		for _, path := range added {
			fmt.Fprintf(out, "  + %s\n", path)
		}
		for _, path := range removed {
			fmt.Fprintf(out, "  - %s\n", path)
		}
		return nil
	})
}
