package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	gzerrors "github.com/dimasma0305/gzstream/internal/gzstream/errors"
	"github.com/dimasma0305/gzstream/internal/gzstream/transcript"
	"github.com/dimasma0305/gzstream/internal/gzstream/types"
)

var (
	historyJSON      bool
	historyLimit     int
	historyExecution string
)

var historyCmd = &cobra.Command{
	Use:   "history <scenarioId>",
	Short: "List past executions of a scenario",
	Long: `List the executions recorded for a scenario, newest first.

With --execution the full output of one execution is printed instead.`,
	Example: `  # Last 20 executions
  gzstream history web-recon

  # Everything, as JSON
  gzstream history web-recon --limit 0 --json

  # Output of one execution
  gzstream history web-recon --execution 6f1c...`,
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: validScenarioIDs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := context.Background()
		store, err := openHistory(ctx, cfg)
		if err != nil {
			return err
		}
		if store == nil {
			return gzerrors.ErrHistoryDisabled
		}
		defer func() { _ = store.Close() }()

		out := cmd.OutOrStdout()
		if historyExecution != "" {
			rec, err := store.GetExecution(ctx, historyExecution)
			if err != nil {
				return err
			}
			if rec.ScenarioID != args[0] {
				return gzerrors.Wrapf(gzerrors.ErrExecutionNotFound, "%s in scenario %s", historyExecution, args[0])
			}
			if historyJSON {
				return writeJSON(out, rec)
			}
			writeExecution(out, rec, time.Now())
			return nil
		}

		records, err := store.ListExecutions(ctx, args[0], historyLimit)
		if err != nil {
			return err
		}
		if historyJSON {
			return writeJSON(out, records)
		}
		if len(records) == 0 {
			fmt.Fprintf(out, "No executions recorded for %s\n", args[0])
			return nil
		}
		return writeExecutionTable(out, records, time.Now())
	},
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// attackSummary counts attacks per status, e.g. "2 completed, 1 failed"
func attackSummary(attacks []types.AttackRecord) string {
	order := []types.AttackStatus{
		types.AttackCompleted, types.AttackFailed, types.AttackError,
		types.AttackStopped, types.AttackRunning, types.AttackPending,
	}
	counts := make(map[types.AttackStatus]int, len(order))
	for _, at := range attacks {
		counts[at.Status]++
	}

	summary := ""
	for _, st := range order {
		if counts[st] == 0 {
			continue
		}
		if summary != "" {
			summary += ", "
		}
		summary += fmt.Sprintf("%d %s", counts[st], st)
	}
	if summary == "" {
		return "-"
	}
	return summary
}

func writeExecutionTable(w io.Writer, records []types.ExecutionRecord, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tDURATION\tSTATUS\tATTACKS")
	for i := range records {
		rec := &records[i]
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			rec.ID,
			rec.StartTime.Local().Format("2006-01-02 15:04:05"),
			rec.Duration(now).Round(time.Second),
			rec.Status,
			attackSummary(rec.Attacks),
		)
	}
	return tw.Flush()
}

func writeExecution(w io.Writer, rec *types.ExecutionRecord, now time.Time) {
	fmt.Fprintf(w, "Execution %s (%s, %s)\n", rec.ID, rec.Status, rec.Duration(now).Round(time.Second))
	for _, at := range rec.Attacks {
		fmt.Fprintf(w, "  %s: %s\n", at.AttackID, at.Status)
	}
	for _, line := range rec.GlobalOutput {
		fmt.Fprintln(w, transcript.Format(line))
	}
}

func init() {
	rootCmd.AddCommand(historyCmd)

	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output in JSON format")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Maximum number of executions, 0 for all")
	historyCmd.Flags().StringVarP(&historyExecution, "execution", "e", "", "Print the output of one execution")
}
