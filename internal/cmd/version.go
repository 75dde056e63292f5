package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/refreshd/refreshd/internal/build"
)

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Printf("refreshd %s (%s)\n", build.Version, runtime.Version())
		},
	}
}
