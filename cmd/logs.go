package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dimasma0305/gzstream/internal/gzstream/transcript"
)

var (
	logsFollow bool
	logsLines  int
)

var logsCmd = &cobra.Command{
	Use:   "logs <scenarioId>",
	Short: "Show the transcript of a scenario",
	Long:  `Print the last lines of a scenario's transcript, optionally following new output.`,
	Example: `  # Last 100 lines
  gzstream logs web-recon

  # Follow the transcript
  gzstream logs web-recon -f`,
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: validScenarioIDs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return showFile(cmd, transcript.Path(cfg.Storage.TranscriptDir, args[0]), logsLines, logsFollow)
	},
}

// showFile prints the last n lines of path and, with follow, every line
// appended afterwards until interrupted
func showFile(cmd *cobra.Command, path string, n int, follow bool) error {
	out := cmd.OutOrStdout()

	lines, err := transcript.Last(path, n)
	switch {
	case err == nil:
		for _, line := range lines {
			fmt.Fprintln(out, line)
		}
	case os.IsNotExist(err) && follow:
	case os.IsNotExist(err):
		return fmt.Errorf("%s does not exist yet", path)
	default:
		return err
	}
	if !follow {
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return transcript.Follow(ctx, path, false, func(line string) {
		fmt.Fprintln(out, line)
	})
}

func init() {
	rootCmd.AddCommand(logsCmd)

	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "Follow new output")
	logsCmd.Flags().IntVarP(&logsLines, "lines", "n", 100, "Number of lines to show, 0 for all")
}
