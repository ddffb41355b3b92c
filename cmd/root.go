// Package cmd provides command-line interface commands for gzstream
package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/dimasma0305/gzstream/internal/gzstream/config"
	"github.com/dimasma0305/gzstream/internal/log"
)

var configPath string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "gzstream",
	Short: "Live output streaming for attack scenarios",
	Long: `gzstream - realtime console for the attack orchestration backend

Keeps a websocket session to the backend alive and turns the raw stream of
attack output into a deduplicated, severity-tagged log per scenario.

Features:
  • Automatic reconnection with health-aware backoff
  • Per-attack output with failure diagnosis
  • Execution history in SQLite or PostgreSQL
  • Transcripts, Discord and email notifications
  • Daemon mode`,
	Example: `  # Stream a scenario
  gzstream stream web-recon

  # Start a new execution with three attacks and run in the background
  gzstream stream web-recon --attacks 1,2,3 --start --daemon

  # Follow the transcript of a scenario
  gzstream logs web-recon -f

  # Stop every attack of a scenario
  gzstream stop web-recon --attacks 1,2,3`,
	PersistentPreRun: func(cmd *cobra.Command, _ []string) {
		if debug, _ := cmd.Flags().GetBool("debug"); debug {
			log.SetDebugMode(true)
			log.Debug("Debug mode enabled")
		}
	},
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Path to the config file")
}
