// Package cli implements the Ziggurat command-line interface using Cobra.
// Each subcommand maps to one engine operation: serving the pipeline,
// submitting tasks, and inspecting or repairing task, payment, verification
// and agent records.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "ziggurat",
	Short: "Ziggurat: explainable-task rewards with cross-network verification",
	Long: `Ziggurat scores the explanation behind each AI task, quotes a reward,
verifies the explanation across independent networks and settles the reward
exactly once on a payment rail.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default $ZIGGURAT_HOME/config.toml)")
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
