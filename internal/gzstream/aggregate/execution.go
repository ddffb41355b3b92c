package aggregate

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dimasma0305/gzstream/internal/gzstream/classify"
	gzerrors "github.com/dimasma0305/gzstream/internal/gzstream/errors"
	"github.com/dimasma0305/gzstream/internal/gzstream/protocol"
	"github.com/dimasma0305/gzstream/internal/gzstream/types"
	"github.com/dimasma0305/gzstream/internal/log"
)

// Completion is the outcome of a completion check
type Completion struct {
	Completed   bool
	Status      types.ExecutionStatus
	Message     string
	Mixed       bool
	ExecutionID string
	Succeeded   int
	Failed      int
	Stopped     int
}

// AttackUpdate is a status event for one attack
type AttackUpdate struct {
	AttackID string
	Status   types.AttackStatus
	// Error is the failure reason reported by the backend, if any
	Error string
}

var (
	launchMarker    = regexp.MustCompile(`(?i)launching attack (\d+)`)
	completedMarker = regexp.MustCompile(`(?i)attack (\d+) completed`)
	failedMarker    = regexp.MustCompile(`(?i)attack (\d+) (?:failed|errored)`)
	stoppedMarker   = regexp.MustCompile(`(?i)attack (\d+) stopped`)
)

// attackKeys returns the canonical key of every attack in the scenario
func attackKeys(scenario types.Scenario) []string {
	keys := make([]string, 0, len(scenario.Attacks))
	for i, at := range scenario.Attacks {
		key := classify.Target(at.ID, scenario.ID)
		if key == "" {
			key = classify.AttackKey(i + 1)
		}
		keys = append(keys, key)
	}
	return keys
}

// StartExecution records a new execution of scenario and makes it the active one
func (a *Aggregator) StartExecution(ctx context.Context, scenario types.Scenario) (string, error) {
	if a.deps.History == nil {
		return "", gzerrors.ErrHistoryDisabled
	}

	keys := attackKeys(scenario)
	normalized := types.Scenario{ID: scenario.ID, Name: scenario.Name}
	for i, at := range scenario.Attacks {
		normalized.Attacks = append(normalized.Attacks, types.Attack{ID: keys[i], Name: at.Name, TabID: at.TabID})
	}

	id, err := a.deps.History.StartExecution(ctx, normalized)
	if err != nil {
		return "", gzerrors.Wrapf(err, "start execution of %s", scenario.ID)
	}

	a.mu.Lock()
	a.executionID = id
	a.executionStart = a.now()
	a.beginRunLocked(keys)
	a.mu.Unlock()
	a.save()

	log.Info("Execution %s started for scenario %s", id, scenario.ID)
	return id, nil
}

// BeginRun starts tracking a new run of scenario without a history record.
// Statuses of the previous run are forgotten and completion markers are only
// read from output appended from now on.
func (a *Aggregator) BeginRun(scenario types.Scenario) {
	keys := attackKeys(scenario)
	a.mu.Lock()
	a.beginRunLocked(keys)
	a.mu.Unlock()
	a.save()
	log.DebugH2("New run of scenario %s", scenario.ID)
}

func (a *Aggregator) beginRunLocked(keys []string) {
	a.statuses = make(map[string]types.AttackStatus, len(keys))
	for _, key := range keys {
		a.statuses[key] = types.AttackPending
	}
	a.markerStart = len(a.global) + len(a.pending)
	a.run++
	a.settled = false
}

// AttackStatus returns the last accepted status of an attack in the current execution
func (a *Aggregator) AttackStatus(attackID string) types.AttackStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.statuses[attackID]
}

// advance applies a status transition if it moves forward. Once the run has
// settled, a pending or running status opens the next run and late terminal
// statuses are dropped.
func (a *Aggregator) advance(attackID string, status types.AttackStatus) (execID string, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.settled {
		if status.Terminal() {
			log.DebugH2("Ignoring %s for %s after the run finished", status, attackID)
			return a.executionID, false
		}
		a.beginRunLocked(nil)
	}

	current := a.statuses[attackID]
	if !current.CanAdvance(status) {
		log.DebugH2("Ignoring %s -> %s for %s", current, status, attackID)
		return a.executionID, false
	}
	a.statuses[attackID] = status
	return a.executionID, true
}

// UpdateAttackStatus records a forward transition and forwards it to history.
// Regressions are ignored.
func (a *Aggregator) UpdateAttackStatus(ctx context.Context, attackID string, status types.AttackStatus) error {
	_, err := a.updateAttackStatus(ctx, attackID, status)
	return err
}

func (a *Aggregator) updateAttackStatus(ctx context.Context, attackID string, status types.AttackStatus) (bool, error) {
	execID, ok := a.advance(attackID, status)
	if !ok {
		return false, nil
	}
	if execID == "" || a.deps.History == nil {
		return true, nil
	}
	if err := a.deps.History.UpdateAttackStatus(ctx, execID, attackID, status); err != nil {
		return true, gzerrors.Wrapf(err, "record status of %s", attackID)
	}
	return true, nil
}

// HandleAttackStatus applies a status event, writes the matching output line
// and checks whether the execution is complete
func (a *Aggregator) HandleAttackStatus(ctx context.Context, scenario types.Scenario, upd AttackUpdate) (Completion, error) {
	applied, err := a.updateAttackStatus(ctx, upd.AttackID, upd.Status)
	if err != nil {
		log.Warn("%v", err)
	}
	if !applied {
		return Completion{}, nil
	}

	label := classify.AttackLabel(upd.AttackID)
	switch upd.Status {
	case types.AttackRunning:
		a.AppendOutput(fmt.Sprintf("🚀 Launching %s", label), types.SeverityInfo, upd.AttackID)
	case types.AttackCompleted:
		a.AppendOutput(fmt.Sprintf("✅ %s completed", label), types.SeveritySuccess, upd.AttackID)
	case types.AttackStopped:
		a.AppendOutput(fmt.Sprintf("⏹️ %s stopped", label), types.SeverityWarning, upd.AttackID)
	case types.AttackFailed, types.AttackError:
		a.reportFailure(upd.AttackID, label, upd.Error)
	}

	if !upd.Status.Terminal() {
		return Completion{}, nil
	}
	return a.CheckExecutionCompletion(ctx, scenario)
}

// reportFailure shows one failure line per attack per execution, enriched from
// recent output when the backend gave no useful reason
func (a *Aggregator) reportFailure(attackID, label, reason string) {
	a.mu.Lock()
	shownKey := fmt.Sprintf("%s/%d/%s", a.executionID, a.run, attackID)
	a.mu.Unlock()
	if _, fresh := a.shown.InsertIfAbsent(shownKey); !fresh {
		return
	}

	msg := fmt.Sprintf("❌ %s failed", label)
	if descriptive(reason) {
		msg += ": " + strings.TrimSpace(reason)
	} else if detail, ok := a.deps.Diagnoser.Diagnose(a.recentLines(attackID)); ok {
		msg += ": " + detail
	}
	a.AppendOutput(msg, types.SeverityError, attackID)
}

// recentLines returns up to EnrichWindow of the attack's latest lines,
// including ones still waiting for a flush
func (a *Aggregator) recentLines(attackID string) []types.OutputLine {
	a.mu.Lock()
	defer a.mu.Unlock()

	lines := append([]types.OutputLine(nil), a.attacks[attackID]...)
	for _, l := range a.pending {
		if l.AttackID == attackID {
			lines = append(lines, l)
		}
	}
	if len(lines) > a.opts.EnrichWindow {
		lines = lines[len(lines)-a.opts.EnrichWindow:]
	}
	return lines
}

// Outcome folds attack statuses into an execution result. It reports
// Completed=false while any attack is still pending or running.
func Outcome(statuses []types.AttackStatus) Completion {
	if len(statuses) == 0 {
		return Completion{}
	}

	var c Completion
	for _, s := range statuses {
		switch {
		case !s.Terminal():
			return Completion{}
		case s == types.AttackCompleted:
			c.Succeeded++
		case s.Failed():
			c.Failed++
		case s == types.AttackStopped:
			c.Stopped++
		}
	}

	c.Completed = true
	switch {
	case c.Succeeded > 0 && c.Failed == 0:
		c.Status = types.ExecutionCompleted
		c.Message = fmt.Sprintf("✅ Execution completed: %d/%d attacks succeeded", c.Succeeded, len(statuses))
	case c.Succeeded > 0:
		c.Status = types.ExecutionCompleted
		c.Mixed = true
		c.Message = fmt.Sprintf("⚠️ Execution completed with mixed results: %d succeeded, %d failed", c.Succeeded, c.Failed)
	case c.Failed > 0:
		c.Status = types.ExecutionFailed
		c.Message = fmt.Sprintf("❌ Execution failed: %d/%d attacks failed", c.Failed, len(statuses))
	default:
		c.Status = types.ExecutionStopped
		c.Message = "⏹️ Execution stopped"
	}
	return c
}

func (c Completion) severity() types.Severity {
	switch {
	case c.Status == types.ExecutionFailed:
		return types.SeverityError
	case c.Mixed, c.Status == types.ExecutionStopped:
		return types.SeverityWarning
	}
	return types.SeveritySuccess
}

// CheckExecutionCompletion decides whether every attack reached a terminal
// status. With an active execution the history record is authoritative;
// otherwise launch/completed/failed markers in the current run's global output
// are parsed. A run that already settled is not reported twice.
func (a *Aggregator) CheckExecutionCompletion(ctx context.Context, scenario types.Scenario) (Completion, error) {
	a.mu.Lock()
	execID, settled := a.executionID, a.settled
	a.mu.Unlock()
	if settled {
		return Completion{}, nil
	}

	var (
		statuses []types.AttackStatus
		err      error
	)
	if execID != "" && a.deps.History != nil {
		statuses, err = a.historyStatuses(ctx, execID, scenario)
		if err != nil {
			return Completion{}, err
		}
	} else {
		statuses = a.markerStatuses(scenario)
	}

	c := Outcome(statuses)
	if !c.Completed {
		return c, nil
	}
	c.ExecutionID = execID

	a.AppendOutput(c.Message, c.severity(), "")
	if execID != "" && a.deps.History != nil {
		if err := a.deps.History.CompleteExecution(ctx, execID, c.Status); err != nil {
			log.Warn("Failed to finalize execution %s: %v", execID, err)
		}
	}
	a.finish(execID, c)
	return c, nil
}

// finish clears the active execution and notifies completion listeners
func (a *Aggregator) finish(execID string, c Completion) {
	a.mu.Lock()
	if execID != "" && a.executionID != execID {
		a.mu.Unlock()
		return
	}
	a.executionID = ""
	a.settled = true
	a.markerStart = len(a.global) + len(a.pending)
	listeners := append([]CompletionListener(nil), a.doneListeners...)
	a.mu.Unlock()
	a.save()

	for _, fn := range listeners {
		callSafely("completion listener", func() { fn(c) })
	}
}

func (a *Aggregator) historyStatuses(ctx context.Context, execID string, scenario types.Scenario) ([]types.AttackStatus, error) {
	rec, err := a.deps.History.GetExecution(ctx, execID)
	if err != nil {
		return nil, gzerrors.Wrapf(err, "load execution %s", execID)
	}

	byID := make(map[string]types.AttackStatus, len(rec.Attacks))
	var order []string
	for _, at := range rec.Attacks {
		if _, dup := byID[at.AttackID]; !dup {
			order = append(order, at.AttackID)
		}
		byID[at.AttackID] = at.Status
	}
	for _, key := range attackKeys(scenario) {
		if _, ok := byID[key]; !ok {
			byID[key] = types.AttackPending
			order = append(order, key)
		}
	}

	statuses := make([]types.AttackStatus, 0, len(order))
	for _, id := range order {
		statuses = append(statuses, byID[id])
	}
	return statuses, nil
}

// markerStatuses infers statuses from the free-text global output of the
// current run
func (a *Aggregator) markerStatuses(scenario types.Scenario) []types.AttackStatus {
	a.mu.Lock()
	lines := append([]types.OutputLine(nil), a.global...)
	lines = append(lines, a.pending...)
	lines = lines[min(a.markerStart, len(lines)):]
	a.mu.Unlock()

	found := make(map[string]types.AttackStatus)
	var order []string
	mark := func(n string, status types.AttackStatus) {
		num, err := strconv.Atoi(n)
		if err != nil {
			return
		}
		key := classify.AttackKey(num)
		current, seen := found[key]
		if !seen {
			order = append(order, key)
		}
		if current.CanAdvance(status) {
			found[key] = status
		}
	}
	for _, line := range lines {
		if m := launchMarker.FindStringSubmatch(line.Content); m != nil {
			mark(m[1], types.AttackRunning)
		}
		if m := completedMarker.FindStringSubmatch(line.Content); m != nil {
			mark(m[1], types.AttackCompleted)
		}
		if m := failedMarker.FindStringSubmatch(line.Content); m != nil {
			mark(m[1], types.AttackFailed)
		}
		if m := stoppedMarker.FindStringSubmatch(line.Content); m != nil {
			mark(m[1], types.AttackStopped)
		}
	}

	keys := attackKeys(scenario)
	if len(keys) == 0 {
		keys = order
	}
	statuses := make([]types.AttackStatus, 0, len(keys))
	for _, key := range keys {
		s, ok := found[key]
		if !ok {
			s = types.AttackPending
		}
		statuses = append(statuses, s)
	}
	return statuses
}

// StopAllProcesses asks the backend to stop every attack and then the
// scenario itself. It does not wait for confirmation.
func (a *Aggregator) StopAllProcesses(scenario types.Scenario) error {
	if a.deps.Sender == nil {
		return gzerrors.ErrNotConnected
	}

	now := a.now()
	keys := attackKeys(scenario)
	for i, at := range scenario.Attacks {
		tabID := at.TabID
		if tabID == "" {
			tabID = keys[i]
		}
		if err := a.deps.Sender.Send(protocol.Stop(tabID, scenario.ID, now)); err != nil {
			return gzerrors.Wrapf(err, "stop %s", keys[i])
		}
		a.AppendOutput(fmt.Sprintf("⏹️ Stopping %s", classify.AttackLabel(keys[i])), types.SeverityWarning, "")
	}

	if err := a.deps.Sender.Send(protocol.StopScenario(scenario.ID, now)); err != nil {
		return gzerrors.Wrapf(err, "stop scenario %s", scenario.ID)
	}
	a.AppendOutput(fmt.Sprintf("⏹️ Stopping scenario %s", scenario.ID), types.SeverityWarning, "")
	return nil
}

// SweepStale force-fails the active execution once it has run longer than
// MaxExecutionDuration
func (a *Aggregator) SweepStale(ctx context.Context) (Completion, error) {
	a.mu.Lock()
	execID, started := a.executionID, a.executionStart
	a.mu.Unlock()
	if execID == "" {
		return Completion{}, nil
	}

	if a.deps.History != nil {
		rec, err := a.deps.History.GetExecution(ctx, execID)
		if err != nil {
			return Completion{}, gzerrors.Wrapf(err, "load execution %s", execID)
		}
		if rec.Status.Terminal() {
			a.finish(execID, Completion{Completed: true, Status: rec.Status, ExecutionID: execID})
			return Completion{}, nil
		}
		started = rec.StartTime
	}
	if started.IsZero() {
		return Completion{}, nil
	}

	elapsed := a.now().Sub(started)
	if elapsed <= a.opts.MaxExecutionDuration {
		return Completion{}, nil
	}

	c := Completion{
		Completed:   true,
		Status:      types.ExecutionFailed,
		ExecutionID: execID,
		Message: fmt.Sprintf("⚠️ Execution timed out after %s without a completion signal, marking as failed",
			a.opts.MaxExecutionDuration.Round(time.Second)),
	}
	a.AppendOutput(c.Message, types.SeverityWarning, "")
	if a.deps.History != nil {
		if err := a.deps.History.CompleteExecution(ctx, execID, types.ExecutionFailed); err != nil {
			log.Warn("Failed to finalize stale execution %s: %v", execID, err)
		}
	}
	a.finish(execID, c)
	return c, nil
}
