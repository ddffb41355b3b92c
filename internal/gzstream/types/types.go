// Package types holds the domain values shared by the streaming pipeline:
// output lines, severities, scenarios and execution records.
package types

import (
	"time"
)

// Severity classifies a line of attack output
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeveritySuccess Severity = "success"
)

// ParseSeverity maps a level string onto a Severity. Aliases used by
// different producers ("warn", "err", "ok") are accepted.
func ParseSeverity(s string) (Severity, bool) {
	switch s {
	case "info", "INFO", "Info":
		return SeverityInfo, true
	case "error", "ERROR", "Error", "err":
		return SeverityError, true
	case "warning", "WARNING", "Warning", "warn", "WARN":
		return SeverityWarning, true
	case "success", "SUCCESS", "Success", "ok":
		return SeveritySuccess, true
	}
	return "", false
}

// OutputLine is one immutable line of streamed output
type OutputLine struct {
	Content   string    `json:"content"`
	Severity  Severity  `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
	AttackID  string    `json:"attackId,omitempty"`
}

// AttackStatus is the lifecycle state of a single attack
type AttackStatus string

const (
	AttackPending   AttackStatus = "pending"
	AttackRunning   AttackStatus = "running"
	AttackCompleted AttackStatus = "completed"
	AttackFailed    AttackStatus = "failed"
	AttackStopped   AttackStatus = "stopped"
	AttackError     AttackStatus = "error"
)

// ParseAttackStatus normalizes a status reported by the backend
func ParseAttackStatus(s string) (AttackStatus, bool) {
	switch s {
	case "pending", "queued":
		return AttackPending, true
	case "running", "started", "launching":
		return AttackRunning, true
	case "completed", "complete", "finished", "success":
		return AttackCompleted, true
	case "failed", "failure":
		return AttackFailed, true
	case "stopped", "cancelled", "canceled", "killed":
		return AttackStopped, true
	case "error":
		return AttackError, true
	}
	return "", false
}

// Terminal reports whether no further transition is allowed
func (s AttackStatus) Terminal() bool {
	switch s {
	case AttackCompleted, AttackFailed, AttackStopped, AttackError:
		return true
	}
	return false
}

// Failed reports whether the status counts as a failure
func (s AttackStatus) Failed() bool {
	return s == AttackFailed || s == AttackError
}

func (s AttackStatus) rank() int {
	switch s {
	case AttackPending:
		return 0
	case AttackRunning:
		return 1
	}
	if s.Terminal() {
		return 2
	}
	return -1
}

// CanAdvance reports whether moving from s to next respects the forward-only
// order pending -> running -> terminal. Terminal statuses never change.
func (s AttackStatus) CanAdvance(next AttackStatus) bool {
	if next.rank() < 0 {
		return false
	}
	if s == "" {
		return true
	}
	if s.Terminal() {
		return false
	}
	return next.rank() > s.rank()
}

// ExecutionStatus is the lifecycle state of an execution
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionStopped   ExecutionStatus = "stopped"
)

// Terminal reports whether the execution is finalized
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionStopped
}

// Attack is one configured tool invocation within a scenario
type Attack struct {
	ID    string `json:"id" yaml:"id"`
	Name  string `json:"name,omitempty" yaml:"name,omitempty"`
	TabID string `json:"tabId,omitempty" yaml:"tabId,omitempty"`
}

// Scenario is a named unit of attacks executed together
type Scenario struct {
	ID      string   `json:"id" yaml:"id"`
	Name    string   `json:"name,omitempty" yaml:"name,omitempty"`
	Attacks []Attack `json:"attacks" yaml:"attacks"`
}

// AttackRecord tracks one attack inside an execution
type AttackRecord struct {
	AttackID string       `json:"attackId"`
	Status   AttackStatus `json:"status"`
}

// ExecutionRecord is one run of a scenario
type ExecutionRecord struct {
	ID           string                  `json:"id"`
	ScenarioID   string                  `json:"scenarioId"`
	StartTime    time.Time               `json:"startTime"`
	EndTime      *time.Time              `json:"endTime,omitempty"`
	Status       ExecutionStatus         `json:"status"`
	Attacks      []AttackRecord          `json:"attacks"`
	GlobalOutput []OutputLine            `json:"globalOutput"`
	AttackOutput map[string][]OutputLine `json:"attackOutput"`
}

// Duration returns how long the execution ran, or has been running as of now
func (r *ExecutionRecord) Duration(now time.Time) time.Duration {
	if r.EndTime != nil {
		return r.EndTime.Sub(r.StartTime)
	}
	return now.Sub(r.StartTime)
}
