// Posey is a multi-agent assistant backend: an orchestrator plans each
// request, delegates the steps to specialized minions and synthesizes
// one answer.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "posey",
	Short: "Posey is a multi-agent assistant backend.",
	Long: `Posey answers requests by planning them into steps, running each step
on a specialized minion (research, web navigation, memory, image generation,
content analysis) and synthesizing the results into one answer.

Running posey without a subcommand starts the server.`,
	RunE:          runServe, // Default to serve.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, queryCmd, migrateCmd, minionsCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
