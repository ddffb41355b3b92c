// Package notify delivers execution and connectivity alerts to Discord and
// email.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dimasma0305/gzstream/internal/gzstream/types"
)

// Kind distinguishes alert types
type Kind string

const (
	KindExecutionFinished Kind = "execution_finished"
	KindConnectionFailed  Kind = "connection_failed"
)

// Event is one alert
type Event struct {
	Kind        Kind
	ScenarioID  string
	ExecutionID string
	// Status is set for finished executions
	Status    types.ExecutionStatus
	Mixed     bool
	Message   string
	Succeeded int
	Failed    int
	Stopped   int
	At        time.Time
}

// Title renders a one-line headline for the event
func (e Event) Title() string {
	if e.Kind == KindConnectionFailed {
		return "🔌 Connection lost"
	}
	switch {
	case e.Mixed:
		return fmt.Sprintf("⚠️ Scenario %s finished with mixed results", e.ScenarioID)
	case e.Status == types.ExecutionCompleted:
		return fmt.Sprintf("✅ Scenario %s completed", e.ScenarioID)
	case e.Status == types.ExecutionFailed:
		return fmt.Sprintf("❌ Scenario %s failed", e.ScenarioID)
	case e.Status == types.ExecutionStopped:
		return fmt.Sprintf("⏹️ Scenario %s stopped", e.ScenarioID)
	}
	return fmt.Sprintf("Scenario %s", e.ScenarioID)
}

// Notifier delivers events
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Multi fans an event out to every notifier and joins their errors
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
