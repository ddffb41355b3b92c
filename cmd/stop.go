package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dimasma0305/gzstream/internal/gzstream/aggregate"
	"github.com/dimasma0305/gzstream/internal/gzstream/bus"
	"github.com/dimasma0305/gzstream/internal/log"
)

var (
	stopAttacks []string
	stopTimeout time.Duration
)

var stopCmd = &cobra.Command{
	Use:   "stop <scenarioId>",
	Short: "Stop the attacks of a scenario",
	Long: `Send a stop request for every listed attack, then stop the scenario itself.

The command waits until the requests have been delivered or --timeout expires.`,
	Example: `  # Stop three attacks and the scenario
  gzstream stop web-recon --attacks 1,2,3

  # Attacks running in terminal tabs
  gzstream stop web-recon --attacks nmap:tab-1,nikto:tab-2`,
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: validScenarioIDs,
	RunE: func(_ *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		scenario, err := scenarioFromFlags(args[0], stopAttacks)
		if err != nil {
			return err
		}

		b := bus.New()
		manager, err := newManager(cfg, b)
		if err != nil {
			return err
		}
		defer manager.Disconnect()

		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()

		// no snapshot store: stopping must not rewrite a running stream's state
		agg, err := aggregate.New(ctx, scenario.ID, cfg.AggregateOptions(), aggregate.Deps{Sender: manager})
		if err != nil {
			return err
		}
		agg.OnFlush(printLines)

		manager.Connect()
		if err := agg.StopAllProcesses(scenario); err != nil {
			agg.Close()
			return err
		}
		agg.Close()

		if err := manager.Flush(ctx); err != nil {
			return fmt.Errorf("stop requests not delivered: %w", err)
		}
		log.Success("Stop requested for %d attack(s) of %s", len(scenario.Attacks), scenario.ID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(stopCmd)

	stopCmd.Flags().StringSliceVarP(&stopAttacks, "attacks", "a", []string{}, "Attack ids to stop, as id or id:tabId")
	stopCmd.Flags().DurationVar(&stopTimeout, "timeout", 15*time.Second, "How long to wait for the backend")
}
