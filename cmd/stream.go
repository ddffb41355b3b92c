package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dimasma0305/gzstream/internal/gzstream/aggregate"
	"github.com/dimasma0305/gzstream/internal/gzstream/bus"
	"github.com/dimasma0305/gzstream/internal/gzstream/config"
	"github.com/dimasma0305/gzstream/internal/gzstream/conn"
	"github.com/dimasma0305/gzstream/internal/gzstream/daemon"
	"github.com/dimasma0305/gzstream/internal/gzstream/notify"
	"github.com/dimasma0305/gzstream/internal/gzstream/snapshot"
	"github.com/dimasma0305/gzstream/internal/gzstream/throttle"
	"github.com/dimasma0305/gzstream/internal/gzstream/transcript"
	"github.com/dimasma0305/gzstream/internal/gzstream/types"
	"github.com/dimasma0305/gzstream/internal/log"
)

var (
	streamAttacks   []string
	streamStart     bool
	streamDaemon    bool
	streamKeepAlive bool
	streamClear     bool
)

var streamCmd = &cobra.Command{
	Use:   "stream <scenarioId>",
	Short: "Stream live output of a scenario",
	Long: `Connect to the backend, subscribe to a scenario and print its output as it arrives.

Output is deduplicated, tagged by severity and written to a transcript. When the
current execution finishes the outcome is sent to the configured notifiers and,
unless --keep-alive is set, the command exits.

Runs in the foreground by default. Use --daemon to detach.`,
	Example: `  # Stream a scenario
  gzstream stream web-recon

  # Declare the attacks and start a new execution record
  gzstream stream web-recon --attacks 1,2,3 --start

  # Attacks bound to a terminal tab
  gzstream stream web-recon --attacks nmap:tab-1,nikto:tab-2

  # Keep streaming across executions, in the background
  gzstream stream web-recon --keep-alive --daemon`,
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: validScenarioIDs,
	RunE: func(_ *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := cfg.RequireServer(); err != nil {
			return err
		}
		scenario, err := scenarioFromFlags(args[0], streamAttacks)
		if err != nil {
			return err
		}

		if streamDaemon {
			parent, err := daemon.Detach(cfg.Daemon.PidFile, cfg.Daemon.LogFile, os.Args)
			if err != nil {
				return err
			}
			if parent {
				return nil
			}
			defer func() { _ = daemon.PIDFile(cfg.Daemon.PidFile).Remove() }()
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runStream(ctx, cfg, scenario)
	},
}

// completionEvent converts a finished execution into an alert
func completionEvent(scenarioID string, c aggregate.Completion) notify.Event {
	return notify.Event{
		Kind:        notify.KindExecutionFinished,
		ScenarioID:  scenarioID,
		ExecutionID: c.ExecutionID,
		Status:      c.Status,
		Mixed:       c.Mixed,
		Message:     c.Message,
		Succeeded:   c.Succeeded,
		Failed:      c.Failed,
		Stopped:     c.Stopped,
		At:          time.Now(),
	}
}

func runStream(ctx context.Context, cfg *config.Config, scenario types.Scenario) error {
	store, err := openHistory(ctx, cfg)
	if err != nil {
		return err
	}
	if store != nil {
		defer func() { _ = store.Close() }()
	}

	snapshots, err := snapshot.NewFileStore(cfg.Storage.SnapshotDir)
	if err != nil {
		return err
	}
	writer, err := transcript.Open(cfg.Storage.TranscriptDir, scenario.ID)
	if err != nil {
		return err
	}
	defer func() { _ = writer.Close() }()

	notifier, err := buildNotifier(cfg)
	if err != nil {
		return err
	}

	b := bus.New()
	manager, err := newManager(cfg, b)
	if err != nil {
		return err
	}
	defer manager.Disconnect()

	deps := aggregate.Deps{Store: snapshots, Sender: manager}
	if store != nil {
		deps.History = store
	}
	agg, err := aggregate.New(ctx, scenario.ID, cfg.AggregateOptions(), deps)
	if err != nil {
		return err
	}
	defer agg.Close()

	if streamClear {
		if err := agg.Clear(); err != nil {
			return err
		}
		log.Info("Cleared previous output of %s", scenario.ID)
	} else if lines := agg.GlobalOutput(); len(lines) > 0 {
		log.Info("Restored %d lines from the previous session", len(lines))
		printLines(lines)
	}

	agg.OnFlush(func(batch []types.OutputLine) {
		printLines(batch)
		if err := writer.Append(batch); err != nil {
			log.Error("Failed to write transcript: %v", err)
		}
	})

	spacer := throttle.New(cfg.Connection.QuerySpacing.D())
	defer spacer.Close()

	router := aggregate.NewRouter(agg, scenario, b, manager, spacer)
	defer func() {
		router.Close()
		flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := manager.Flush(flushCtx); err != nil {
			log.Debug("Unsent messages dropped: %v", err)
		}
	}()

	done := make(chan aggregate.Completion, 1)
	router.OnComplete(func(c aggregate.Completion) {
		deliver(notifier, completionEvent(scenario.ID, c))
		select {
		case done <- c:
		default:
		}
	})

	canPrompt := !streamDaemon && interactive()
	b.On(bus.TopicConnectionFailed, func(data any) {
		failure, ok := data.(conn.ConnectionFailure)
		if !ok {
			return
		}
		go deliver(notifier, notify.Event{
			Kind:       notify.KindConnectionFailed,
			ScenarioID: scenario.ID,
			Message:    failure.Message,
			At:         time.Now(),
		})
		if canPrompt {
			go func() {
				if confirmRetry(failure) {
					failure.Retry()
				}
			}()
		}
	})
	b.On(bus.TopicError, func(data any) {
		if err, ok := data.(error); ok {
			log.Debug("Stream error: %v", err)
		}
	})

	if err := config.Watch(ctx, configPath, config.DefaultDebounce, func(c *config.Config) {
		debugFlag, _ := rootCmd.PersistentFlags().GetBool("debug")
		log.SetDebugMode(debugFlag || c.Debug)
		spacer.SetSpacing(c.Connection.QuerySpacing.D())
	}); err != nil {
		log.Debug("Config hot reload disabled: %v", err)
	}

	agg.Start()
	manager.Connect()

	if streamStart {
		id, err := agg.StartExecution(ctx, scenario)
		if err != nil {
			return err
		}
		log.Success("Started execution %s with %d attack(s)", id, len(scenario.Attacks))
	}

	log.Info("Streaming %s. Press Ctrl+C to stop.", scenario.ID)
	for {
		select {
		case <-ctx.Done():
			log.Info("Shutting down stream...")
			return nil
		case c := <-done:
			log.Info("%s", c.Message)
			if !streamKeepAlive {
				return nil
			}
		}
	}
}

func init() {
	rootCmd.AddCommand(streamCmd)

	streamCmd.Flags().StringSliceVarP(&streamAttacks, "attacks", "a", []string{}, "Attack ids of the scenario, as id or id:tabId")
	streamCmd.Flags().BoolVar(&streamStart, "start", false, "Record a new execution as soon as the stream starts")
	streamCmd.Flags().BoolVar(&streamDaemon, "daemon", false, "Run detached in the background")
	streamCmd.Flags().BoolVar(&streamKeepAlive, "keep-alive", false, "Keep streaming after the execution finishes")
	streamCmd.Flags().BoolVar(&streamClear, "clear", false, "Discard the output saved by a previous session")
}
