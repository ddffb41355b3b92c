package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dimasma0305/gzstream/internal/gzstream/daemon"
	"github.com/dimasma0305/gzstream/internal/log"
)

var (
	statusJSON     bool
	stopGrace      time.Duration
	daemonFollow   bool
	daemonLogLines int
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Manage a stream running in the background",
	Long: `Inspect and control a stream started with 'gzstream stream --daemon'.

The daemon is tracked through the PID file configured under daemon.pid_file.`,
	Example: `  # Check the daemon
  gzstream status

  # Stop it
  gzstream daemon stop

  # Follow its log
  gzstream daemon logs -f`,
}

var statusCmd = &cobra.Command{
	Use:     "status",
	Short:   "Show daemon status",
	Long:    `Display the current status of the background stream.`,
	Example: `  gzstream status --json`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st := daemon.GetStatus(cfg.Daemon.PidFile)

		if statusJSON {
			data, err := json.MarshalIndent(st, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		}

		switch st.State {
		case daemon.StateRunning:
			log.Success("gzstream daemon is running (PID: %d)", st.PID)
			log.InfoH2("Log file: %s", cfg.Daemon.LogFile)
		case daemon.StateError:
			log.Error("Unable to read daemon status: %s", st.Message)
		default:
			log.Info("gzstream daemon is not running (%s)", st.Message)
		}
		return nil
	},
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the background stream",
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return daemon.Stop(cfg.Daemon.PidFile, stopGrace)
	},
}

var daemonLogsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show the daemon log",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return showFile(cmd, cfg.Daemon.LogFile, daemonLogLines, daemonFollow)
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(statusCmd)
	daemonCmd.AddCommand(daemonStopCmd)
	daemonCmd.AddCommand(daemonLogsCmd)

	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output status in JSON format")
	daemonStopCmd.Flags().DurationVar(&stopGrace, "grace", 2*time.Second, "Time to wait before killing the process")
	daemonLogsCmd.Flags().BoolVarP(&daemonFollow, "follow", "f", false, "Follow new log lines")
	daemonLogsCmd.Flags().IntVarP(&daemonLogLines, "lines", "n", 100, "Number of lines to show, 0 for all")
}
