package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/webhook"

	"github.com/dimasma0305/gzstream/internal/gzstream/types"
	"github.com/dimasma0305/gzstream/internal/log"
)

const footer = "gzstream"

// Embed colors
const (
	colorSuccess = 0x2ECC71
	colorFailure = 0xE74C3C
	colorWarning = 0xF1C40F
	colorNeutral = 0x3498DB
)

// Discord posts events as embeds through a webhook
type Discord struct {
	client  *webhook.Client
	iconURL string
}

// NewDiscord creates the webhook client
func NewDiscord(webhookURL, iconURL string) (*Discord, error) {
	if webhookURL == "" {
		return nil, fmt.Errorf("webhook URL is required")
	}
	client, err := webhook.NewWithURL(webhookURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create webhook client: %w", err)
	}
	return &Discord{client: client, iconURL: iconURL}, nil
}

func color(ev Event) int {
	switch {
	case ev.Kind == KindConnectionFailed:
		return colorFailure
	case ev.Mixed, ev.Status == types.ExecutionStopped:
		return colorWarning
	case ev.Status == types.ExecutionCompleted:
		return colorSuccess
	case ev.Status == types.ExecutionFailed:
		return colorFailure
	}
	return colorNeutral
}

// Embed renders ev for Discord
func Embed(ev Event, iconURL string) discord.Embed {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}

	b := discord.NewEmbedBuilder().
		SetTitle(ev.Title()).
		SetDescription(ev.Message).
		SetColor(color(ev)).
		SetTimestamp(at).
		SetFooter(footer, iconURL)

	if ev.ScenarioID != "" {
		b.AddField("Scenario", fmt.Sprintf("`%s`", ev.ScenarioID), true)
	}
	if ev.ExecutionID != "" {
		b.AddField("Execution", fmt.Sprintf("`%s`", ev.ExecutionID), true)
	}
	if ev.Kind == KindExecutionFinished {
		b.AddField("Attacks", fmt.Sprintf("%d succeeded • %d failed • %d stopped", ev.Succeeded, ev.Failed, ev.Stopped), false)
	}
	return b.Build()
}

func (d *Discord) Notify(_ context.Context, ev Event) error {
	if _, err := d.client.CreateEmbeds([]discord.Embed{Embed(ev, d.iconURL)}); err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	log.Debug("Sent %s notification to Discord", ev.Kind)
	return nil
}
