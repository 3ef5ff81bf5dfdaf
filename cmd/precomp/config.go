package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"precomp/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage precomp configuration",
	Long: `View and create the configuration file in the data directory.

config.json, config.toml and config.yaml are read; PRECOMP_* environment
variables override file values (for example PRECOMP_BUILD_WORKERS).`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration",
	Args:  cobra.NoArgs,
	RunE:  runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

var (
	configFormat string
	configForce  bool
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)

	configInitCmd.Flags().StringVar(&configFormat, "format", "json", "File format (json, toml)")
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite an existing configuration file")
	configShowCmd.Flags().StringVar(&configFormat, "format", "json", "Output format (json, toml)")
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	if configFormat != "json" && configFormat != "toml" {
		return fmt.Errorf("unsupported format %q (use json or toml)", configFormat)
	}
	e, err := loadEnv(cmd, true)
	if err != nil {
		return err
	}
	defer e.Close()

	path := filepath.Join(e.home, "config."+configFormat)
	if !configForce {
		for _, ext := range []string{"json", "toml", "yaml", "yml"} {
			existing := filepath.Join(e.home, "config."+ext)
			if _, err := os.Stat(existing); err == nil {
				return fmt.Errorf("%s already exists (use --force to overwrite)", existing)
			}
		}
	}

	if err := config.DefaultConfig().Save(path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	e, err := loadEnv(cmd, true)
	if err != nil {
		return err
	}
	defer e.Close()

	out := cmd.OutOrStdout()
	switch configFormat {
	case "json":
		return printJSON(out, e.cfg)
	case "toml":
		data, err := toml.Marshal(e.cfg)
		if err != nil {
			return fmt.Errorf("failed to encode config: %w", err)
		}
		_, err = out.Write(data)
		return err
	default:
		return fmt.Errorf("unsupported format %q (use json or toml)", configFormat)
	}
}
