// Package cmd implements the refreshd command line interface.
package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/refreshd/refreshd/internal/build"
)

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "refreshd",
		Short:   "Per-source refresh scheduling daemon",
		Long:    "refreshd keeps a set of data sources fresh: it schedules per-source refreshes, backs off failing sources with circuit breakers, and rides out clock jumps, sleep/wake cycles, and connectivity loss.",
		Version: build.Version,
	}

	cmd.PersistentFlags().String("config", "", "configuration file path")
	cmd.PersistentFlags().Bool("quiet", false, "suppress console log output")
	cmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	cmd.AddCommand(startCmd())
	cmd.AddCommand(versionCmd())
	return cmd
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
