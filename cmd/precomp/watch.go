package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/spf13/cobra"

	"precomp/internal/daemon"
	"precomp/internal/paths"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch all projects and rebuild on change",
	Long: `Watch every registered project and compile sources as they change.

Adding a source file registers it; removing one drops it. Changing a partial
rebuilds the files that import it. Runs in the foreground until interrupted
unless --background is given.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

var watchStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether a watcher is running",
	Args:  cobra.NoArgs,
	RunE:  runWatchStatus,
}

var watchStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running watcher",
	Args:  cobra.NoArgs,
	RunE:  runWatchStop,
}

var (
	watchBackground bool
	watchNoBuild    bool
)

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.AddCommand(watchStatusCmd)
	watchCmd.AddCommand(watchStopCmd)

	watchCmd.Flags().BoolVar(&watchBackground, "background", false, "Detach and log to the data directory")
	watchCmd.Flags().BoolVar(&watchNoBuild, "no-build", false, "Skip the initial build of all projects")
}

func runWatch(cmd *cobra.Command, args []string) error {
	e, err := loadEnv(cmd, false)
	if err != nil {
		return err
	}
	defer e.Close()

	running, pid, err := daemon.IsRunning(e.home)
	if err != nil {
		return fmt.Errorf("failed to check watcher status: %w", err)
	}
	if running {
		fmt.Fprintf(cmd.OutOrStdout(), "Watcher is already running (PID: %d)\n", pid)
		return nil
	}
	if !e.cfg.Watch.Enabled {
		e.logger.Warn("File watching is disabled in the configuration; only the initial build runs")
	}

	if watchBackground {
		return runWatchBackground(cmd, e.home)
	}

	d, err := e.openDaemon(daemon.Options{Watch: true})
	if err != nil {
		return err
	}
	if err := d.Start(); err != nil {
		_ = d.Stop()
		return err
	}

	projects := d.Manager().Projects()
	if !watchNoBuild {
		for _, p := range projects {
			if _, err := d.CompileNow(p.ID); err != nil {
				e.logger.Warn("Initial build failed", "projectId", p.ID, "error", err.Error())
			}
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Watching %d projects (PID: %d). Press Ctrl+C to stop.\n", len(projects), os.Getpid())

	d.Wait()
	return d.Stop()
}

func runWatchBackground(cmd *cobra.Command, home string) error {
	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	args := []string{"watch", "--data-dir", home}
	if logLevel != "" {
		args = append(args, "--log-level", logLevel)
	}
	if watchNoBuild {
		args = append(args, "--no-build")
	}
	child := exec.Command(executable, args...)
	setDetachedSysProcAttr(child)

	logPath := paths.LogFile(home)
	if _, err := paths.EnsureDir(filepath.Dir(logPath)); err != nil {
		return err
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	child.Stdout = logFile
	child.Stderr = logFile

	if err := child.Start(); err != nil {
		_ = logFile.Close()
		return fmt.Errorf("failed to start watcher: %w", err)
	}
	_ = logFile.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Watcher started (PID: %d)\n", child.Process.Pid)
	fmt.Fprintf(out, "Log file: %s\n", logPath)
	return nil
}

func runWatchStatus(cmd *cobra.Command, args []string) error {
	e, err := loadEnv(cmd, true)
	if err != nil {
		return err
	}
	defer e.Close()

	running, pid, err := daemon.IsRunning(e.home)
	if err != nil {
		return fmt.Errorf("failed to check watcher status: %w", err)
	}
	out := cmd.OutOrStdout()
	if !running {
		fmt.Fprintln(out, "Status: stopped")
		return nil
	}
	fmt.Fprintln(out, "Status: running")
	fmt.Fprintf(out, "PID: %d\n", pid)
	return nil
}

func runWatchStop(cmd *cobra.Command, args []string) error {
	e, err := loadEnv(cmd, true)
	if err != nil {
		return err
	}
	defer e.Close()

	running, pid, err := daemon.IsRunning(e.home)
	if err != nil {
		return fmt.Errorf("failed to check watcher status: %w", err)
	}
	out := cmd.OutOrStdout()
	if !running {
		fmt.Fprintln(out, "Watcher is not running")
		return nil
	}

	fmt.Fprintf(out, "Stopping watcher (PID: %d)...\n", pid)
	if err := daemon.StopRemote(e.home); err != nil {
		return fmt.Errorf("failed to stop watcher: %w", err)
	}
	fmt.Fprintln(out, "Watcher stopped")
	return nil
}
