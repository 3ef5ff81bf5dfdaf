package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"precomp/internal/version"
)

var versionJSON bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if versionJSON {
			return printJSON(cmd.OutOrStdout(), map[string]string{
				"version":   version.Version,
				"commit":    version.Commit,
				"buildDate": version.BuildDate,
			})
		}
		fmt.Fprintln(cmd.OutOrStdout(), version.Full())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().BoolVar(&versionJSON, "json", false, "Output as JSON")
}
