package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath   string
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:   "cairn",
	Short: "Background coding agent orchestrator",
	Long: `Cairn runs coding agents in the background. A run is one agent working a
task: SWE agents change a repository and open a pull request, PM agents plan
a change and delegate it to SWE children, and the FullstackPlanner splits a
cross-repository task into one PM run per repository.

Runs live in a SQLite store shared by every cairn process. Start the
supervisor with 'cairn serve', then create runs with 'cairn create' or
POST /v1/runs.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ~/.config/cairn/config.yaml and .cairn.yaml)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "text", "Output format: text, yaml or json")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(rerunCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(materializeCmd)
	rootCmd.AddCommand(composeCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
