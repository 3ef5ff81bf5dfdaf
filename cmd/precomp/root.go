package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"precomp/internal/config"
	"precomp/internal/daemon"
	"precomp/internal/paths"
	"precomp/internal/slogutil"
	"precomp/internal/version"
)

var (
	// dataDir is the --data-dir flag value
	dataDir string
	// logLevel is the --log-level flag value
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "precomp",
	Short: "precomp - compile LESS, Sass and CoffeeScript projects on change",
	Long: `precomp keeps a database of web projects and the preprocessor sources in
them (LESS, Sass/SCSS, CoffeeScript). It compiles them on demand or watches
project roots and rebuilds outputs as sources change.

State lives in the data directory: $PRECOMP_HOME or ~/.precomp.`,
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate("precomp version {{.Version}}\n")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "",
		"Data directory (default: $PRECOMP_HOME or ~/.precomp)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level: debug, info, warn, error (default: warn, or the config level for watch)")
}

// env is the resolved data directory, configuration and logger of one command.
type env struct {
	home   string
	cfg    *config.Config
	logger *slog.Logger
	closer io.Closer
}

// loadEnv resolves the data directory and loads its configuration.
// Short-lived commands log at warn unless --log-level says otherwise.
func loadEnv(cmd *cobra.Command, quiet bool) (*env, error) {
	home := dataDir
	if home == "" {
		var err error
		if home, err = paths.GetHome(); err != nil {
			return nil, err
		}
	}
	home, err := paths.EnsureDir(home)
	if err != nil {
		return nil, err
	}

	cfg, err := config.LoadConfig(home)
	if err != nil {
		return nil, err
	}
	switch {
	case logLevel != "":
		cfg.Logging.Level = logLevel
	case quiet:
		cfg.Logging.Level = "warn"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, closer, err := slogutil.FromConfig(cfg.Logging, cmd.ErrOrStderr())
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return &env{home: home, cfg: cfg, logger: logger, closer: closer}, nil
}

func (e *env) Close() {
	_ = e.closer.Close()
}

// openDaemon assembles the core against the environment's store.
func (e *env) openDaemon(opts daemon.Options) (*daemon.Daemon, error) {
	opts.Home = e.home
	return daemon.New(e.cfg, opts, e.logger)
}

// withDaemon runs fn against a non-watching core and shuts it down afterwards.
func withDaemon(cmd *cobra.Command, fn func(*daemon.Daemon) error) error {
	e, err := loadEnv(cmd, true)
	if err != nil {
		return err
	}
	defer e.Close()

	d, err := e.openDaemon(daemon.Options{})
	if err != nil {
		return err
	}
	runErr := fn(d)
	if err := d.Stop(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}
