package notify

import (
	"context"
	"fmt"
	"html"
	"strings"

	"gopkg.in/gomail.v2"
)

// SMTP holds mail server settings
type SMTP struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

// MailSender delivers composed messages; *gomail.Dialer satisfies it
type MailSender interface {
	DialAndSend(m ...*gomail.Message) error
}

// Email sends events to a fixed list of recipients
type Email struct {
	from   string
	to     []string
	sender MailSender
}

// NewEmail builds an SMTP notifier. From defaults to the username.
func NewEmail(cfg SMTP, to []string) (*Email, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("SMTP host is required")
	}
	if len(to) == 0 {
		return nil, fmt.Errorf("at least one recipient is required")
	}
	from := cfg.From
	if from == "" {
		from = cfg.Username
	}
	return &Email{
		from:   from,
		to:     to,
		sender: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
	}, nil
}

// Body renders the HTML body for ev
func Body(ev Event) string {
	var b strings.Builder
	b.WriteString("<html><body style=\"font-family: Arial, sans-serif; color: #333;\">")
	fmt.Fprintf(&b, "<h2>%s</h2>", html.EscapeString(ev.Title()))
	if ev.Message != "" {
		fmt.Fprintf(&b, "<p>%s</p>", html.EscapeString(ev.Message))
	}
	b.WriteString("<table>")
	row := func(k, v string) {
		fmt.Fprintf(&b, "<tr><td><strong>%s</strong></td><td>%s</td></tr>", k, html.EscapeString(v))
	}
	if ev.ScenarioID != "" {
		row("Scenario", ev.ScenarioID)
	}
	if ev.ExecutionID != "" {
		row("Execution", ev.ExecutionID)
	}
	if ev.Kind == KindExecutionFinished {
		row("Attacks", fmt.Sprintf("%d succeeded, %d failed, %d stopped", ev.Succeeded, ev.Failed, ev.Stopped))
	}
	if !ev.At.IsZero() {
		row("Time", ev.At.Format("2006-01-02 15:04:05 MST"))
	}
	b.WriteString("</table></body></html>")
	return b.String()
}

func (e *Email) Notify(_ context.Context, ev Event) error {
	m := gomail.NewMessage()
	m.SetHeader("From", e.from)
	m.SetHeader("To", e.to...)
	m.SetHeader("Subject", ev.Title())
	m.SetBody("text/html", Body(ev))

	if err := e.sender.DialAndSend(m); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}
