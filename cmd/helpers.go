package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/AlecAivazis/survey/v2"
	"github.com/mattn/go-isatty"

	"github.com/dimasma0305/gzstream/internal/gzstream/bus"
	"github.com/dimasma0305/gzstream/internal/gzstream/config"
	"github.com/dimasma0305/gzstream/internal/gzstream/conn"
	"github.com/dimasma0305/gzstream/internal/gzstream/history"
	"github.com/dimasma0305/gzstream/internal/gzstream/notify"
	"github.com/dimasma0305/gzstream/internal/gzstream/types"
	"github.com/dimasma0305/gzstream/internal/log"
)

// loadConfig reads the --config file. A debug flag in the file turns on
// debug logging as well.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if cfg.Debug {
		log.SetDebugMode(true)
	}
	return cfg, nil
}

// scenarioFromFlags builds the scenario to stream. Each attack is given as
// "id" or "id:tabId".
func scenarioFromFlags(scenarioID string, attacks []string) (types.Scenario, error) {
	scenario := types.Scenario{ID: strings.TrimSpace(scenarioID)}
	if scenario.ID == "" {
		return scenario, fmt.Errorf("scenario id must not be empty")
	}

	seen := make(map[string]bool, len(attacks))
	for _, raw := range attacks {
		id, tab, _ := strings.Cut(strings.TrimSpace(raw), ":")
		id = strings.TrimSpace(id)
		if id == "" {
			return scenario, fmt.Errorf("invalid attack %q", raw)
		}
		if seen[id] {
			return scenario, fmt.Errorf("attack %q listed twice", id)
		}
		seen[id] = true
		scenario.Attacks = append(scenario.Attacks, types.Attack{ID: id, TabID: strings.TrimSpace(tab)})
	}
	return scenario, nil
}

// openHistory opens the configured history store, or returns nil when
// history is disabled
func openHistory(ctx context.Context, cfg *config.Config) (history.Store, error) {
	if !cfg.History.Enabled {
		return nil, nil
	}
	store, err := history.Open(ctx, cfg.History.Driver, cfg.History.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open history: %w", err)
	}
	return store, nil
}

// buildNotifier returns every configured notifier. An empty result notifies
// nobody.
func buildNotifier(cfg *config.Config) (notify.Multi, error) {
	var notifiers notify.Multi
	if cfg.Notify.DiscordWebhook != "" {
		d, err := notify.NewDiscord(cfg.Notify.DiscordWebhook, cfg.Notify.DiscordIcon)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, d)
	}
	if len(cfg.Notify.EmailTo) > 0 {
		e, err := notify.NewEmail(cfg.Notify.SMTP, cfg.Notify.EmailTo)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, e)
	}
	return notifiers, nil
}

// newManager wires a connection manager to b. The dialer and the health
// probe share one cookie jar so a session cookie set by either is reused.
func newManager(cfg *config.Config, b *bus.Bus) (*conn.Manager, error) {
	if err := cfg.RequireServer(); err != nil {
		return nil, err
	}
	jar := conn.NewCookieJar()

	header := http.Header{}
	header.Set("User-Agent", "gzstream")
	dialer := &conn.WebsocketDialer{Jar: jar, Header: header, Insecure: cfg.Server.Insecure}

	prober, err := conn.NewHTTPProber(cfg.Server.URL, cfg.Server.HealthPath, cfg.Connection.HealthTimeout.D(), jar, cfg.Server.Insecure)
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	log.Debug("Health endpoint: %s", prober.URL())

	return conn.NewManager(cfg.ConnConfig(), dialer, prober, b), nil
}

// interactive reports whether a user can answer prompts
func interactive() bool {
	return isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd())
}

// confirmRetry asks whether to reconnect now
func confirmRetry(failure conn.ConnectionFailure) bool {
	retry := false
	prompt := &survey.Confirm{
		Message: fmt.Sprintf("Connection lost (%s). Retry now?", failure.Message),
		Default: true,
	}
	if err := survey.AskOne(prompt, &retry); err != nil {
		log.Debug("Retry prompt aborted: %v", err)
		return false
	}
	return retry
}

// deliver sends ev and logs delivery failures
func deliver(n notify.Notifier, ev notify.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := n.Notify(ctx, ev); err != nil {
		log.Warn("Failed to send notification: %v", err)
	}
}

// printLines renders a flushed batch to the terminal
func printLines(batch []types.OutputLine) {
	for _, line := range batch {
		log.Line(string(line.Severity), line.Timestamp.Format("15:04:05"), line.AttackID, line.Content)
	}
}
