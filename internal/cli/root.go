// Package cli implements the maestro command-line interface using Cobra.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "maestro",
	Short: "Maestro — local multi-model LLM orchestrator",
	Long: `Maestro orchestrates a fleet of local llama-server instances:
it discovers GGUF models, supervises their servers, routes queries by
complexity tier, and grounds answers with dense retrieval.`,
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
