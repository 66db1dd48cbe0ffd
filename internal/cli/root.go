// Package cli implements the synthd command-line interface using Cobra.
// Subcommands operate on the local data directory: serve runs the
// daemon, the rest are operator tools over the same store.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "synthd",
	Short: "synthd — credit-metered generation scheduler",
	Long: `synthd schedules voice and image generation tasks against a pool of
upstream API credentials, metered by prepaid expiring credit packages.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
