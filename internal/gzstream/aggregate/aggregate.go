// Package aggregate turns classified output lines into a deduplicated global
// sequence plus per-attack sequences, and tracks the lifecycle of the
// scenario's current execution.
package aggregate

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/twmb/murmur3"

	gzerrors "github.com/dimasma0305/gzstream/internal/gzstream/errors"
	"github.com/dimasma0305/gzstream/internal/gzstream/expiring"
	"github.com/dimasma0305/gzstream/internal/gzstream/snapshot"
	"github.com/dimasma0305/gzstream/internal/gzstream/types"
	"github.com/dimasma0305/gzstream/internal/log"
)

// History records executions durably
type History interface {
	StartExecution(ctx context.Context, scenario types.Scenario) (string, error)
	GetExecution(ctx context.Context, id string) (*types.ExecutionRecord, error)
	AddOutputLine(ctx context.Context, id string, line types.OutputLine) error
	AddAttackOutputLine(ctx context.Context, id, attackID string, line types.OutputLine) error
	UpdateAttackStatus(ctx context.Context, id, attackID string, status types.AttackStatus) error
	CompleteExecution(ctx context.Context, id string, status types.ExecutionStatus) error
}

// Sender transmits control messages to the backend
type Sender interface {
	Send(msg any) error
}

// SnapshotStore persists output state per scenario
type SnapshotStore interface {
	Load(scenarioID string) (snapshot.Snapshot, error)
	Save(scenarioID string, snap snapshot.Snapshot) error
	Delete(scenarioID string) error
}

// Options tunes batching, deduplication and the execution watchdog
type Options struct {
	BatchDelay           time.Duration
	GlobalDedupTTL       time.Duration
	AttackDedupTTL       time.Duration
	EnrichWindow         int
	EnrichShownTTL       time.Duration
	SweepInterval        time.Duration
	MaxExecutionDuration time.Duration
	// Now is the clock; nil means time.Now
	Now func() time.Time
}

// DefaultOptions returns the production tuning
func DefaultOptions() Options {
	return Options{
		BatchDelay:           100 * time.Millisecond,
		GlobalDedupTTL:       10 * time.Second,
		AttackDedupTTL:       5 * time.Second,
		EnrichWindow:         15,
		EnrichShownTTL:       30 * time.Second,
		SweepInterval:        2 * time.Minute,
		MaxExecutionDuration: 30 * time.Minute,
	}
}

// Deps are the aggregator's collaborators; any of them may be nil
type Deps struct {
	History   History
	Store     SnapshotStore
	Sender    Sender
	Diagnoser Diagnoser
}

// FlushListener receives each batch after it was appended
type FlushListener func(batch []types.OutputLine)

// CompletionListener receives every finalized execution
type CompletionListener func(c Completion)

// Aggregator owns the output state of one scenario
type Aggregator struct {
	scenarioID string
	opts       Options
	deps       Deps
	now        func() time.Time

	// recordMu keeps history mirroring in enqueue order
	recordMu  sync.Mutex
	// persistMu keeps snapshot writes in the order they were taken
	persistMu sync.Mutex

	mu             sync.Mutex
	global         []types.OutputLine
	attacks        map[string][]types.OutputLine
	pending        []types.OutputLine
	batchTimer     *time.Timer
	executionID    string
	executionStart time.Time
	statuses       map[string]types.AttackStatus
	// markerStart is the index in global where the current run begins
	markerStart    int
	run            int
	// settled is set once the current run reached its outcome
	settled        bool
	flushListeners []FlushListener
	doneListeners  []CompletionListener
	closed         bool

	globalSeen *expiring.Cache
	attackSeen *expiring.Cache
	shown      *expiring.Cache

	stopChan chan struct{}
	wg       sync.WaitGroup
	started  bool
}

// New creates the aggregator for scenarioID and rehydrates any persisted
// snapshot before returning
func New(ctx context.Context, scenarioID string, opts Options, deps Deps) (*Aggregator, error) {
	defaults := DefaultOptions()
	if opts.BatchDelay <= 0 {
		opts.BatchDelay = defaults.BatchDelay
	}
	if opts.GlobalDedupTTL <= 0 {
		opts.GlobalDedupTTL = defaults.GlobalDedupTTL
	}
	if opts.AttackDedupTTL <= 0 {
		opts.AttackDedupTTL = defaults.AttackDedupTTL
	}
	if opts.EnrichWindow <= 0 {
		opts.EnrichWindow = defaults.EnrichWindow
	}
	if opts.EnrichShownTTL <= 0 {
		opts.EnrichShownTTL = defaults.EnrichShownTTL
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaults.SweepInterval
	}
	if opts.MaxExecutionDuration <= 0 {
		opts.MaxExecutionDuration = defaults.MaxExecutionDuration
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	if deps.Diagnoser == nil {
		deps.Diagnoser = PatternDiagnoser{}
	}

	a := &Aggregator{
		scenarioID: scenarioID,
		opts:       opts,
		deps:       deps,
		now:        now,
		attacks:    make(map[string][]types.OutputLine),
		statuses:   make(map[string]types.AttackStatus),
		globalSeen: expiring.New(opts.GlobalDedupTTL, expiring.WithClock(now)),
		attackSeen: expiring.New(opts.AttackDedupTTL, expiring.WithClock(now)),
		shown:      expiring.New(opts.EnrichShownTTL, expiring.WithClock(now)),
		stopChan:   make(chan struct{}),
	}

	if err := a.rehydrate(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Aggregator) rehydrate(ctx context.Context) error {
	if a.deps.Store == nil {
		return nil
	}
	snap, err := a.deps.Store.Load(a.scenarioID)
	if err != nil {
		if gzerrors.Is(err, gzerrors.ErrSnapshotNotFound) {
			return nil
		}
		return gzerrors.Wrapf(err, "load snapshot for %s", a.scenarioID)
	}

	a.global = append(a.global, snap.GlobalOutput...)
	for id, lines := range snap.AttackOutput {
		a.attacks[id] = append([]types.OutputLine(nil), lines...)
	}
	a.executionID = snap.ExecutionID
	a.markerStart = min(snap.MarkerStart, len(a.global))
	log.Debug("Restored %d lines for scenario %s", len(a.global), a.scenarioID)

	if a.executionID == "" || a.deps.History == nil {
		return nil
	}
	rec, err := a.deps.History.GetExecution(ctx, a.executionID)
	if err != nil {
		log.Warn("Dropping unknown execution %s: %v", a.executionID, err)
		a.executionID = ""
		return nil
	}
	if rec.Status.Terminal() {
		a.executionID = ""
		return nil
	}
	a.executionStart = rec.StartTime
	for _, at := range rec.Attacks {
		a.statuses[at.AttackID] = at.Status
	}
	return nil
}

// ScenarioID returns the scenario this aggregator serves
func (a *Aggregator) ScenarioID() string {
	return a.scenarioID
}

func normalizeContent(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// fingerprint identifies a line within its dedup scope
func fingerprint(scope, content string, severity types.Severity) string {
	key := scope + ":" + normalizeContent(content) + ":" + string(severity)
	return strconv.FormatUint(murmur3.Sum64([]byte(key)), 16)
}

// AppendOutput queues a line for the next batch. It returns false for blank
// content and for duplicates still inside their dedup window.
func (a *Aggregator) AppendOutput(content string, severity types.Severity, attackID string) bool {
	if strings.TrimSpace(content) == "" {
		return false
	}
	if severity == "" {
		severity = types.SeverityInfo
	}

	a.recordMu.Lock()
	defer a.recordMu.Unlock()

	seen, scope := a.globalSeen, "global"
	if attackID != "" {
		seen, scope = a.attackSeen, attackID
	}
	if _, fresh := seen.InsertIfAbsent(fingerprint(scope, content, severity)); !fresh {
		return false
	}

	line := types.OutputLine{
		Content:   content,
		Severity:  severity,
		Timestamp: a.now(),
		AttackID:  attackID,
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return false
	}
	a.pending = append(a.pending, line)
	if a.batchTimer == nil {
		a.batchTimer = time.AfterFunc(a.opts.BatchDelay, a.Flush)
	}
	execID := a.executionID
	a.mu.Unlock()

	if execID != "" && a.deps.History != nil {
		a.mirror(execID, line)
	}
	return true
}

func (a *Aggregator) mirror(execID string, line types.OutputLine) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var err error
	if line.AttackID == "" {
		err = a.deps.History.AddOutputLine(ctx, execID, line)
	} else {
		err = a.deps.History.AddAttackOutputLine(ctx, execID, line.AttackID, line)
	}
	if err != nil {
		log.DebugH2("Failed to record output for %s: %v", execID, err)
	}
}

// Flush appends every queued line to the global sequence, and lines of an
// attack to that attack's sequence, then persists and notifies listeners
func (a *Aggregator) Flush() {
	a.persistMu.Lock()
	a.mu.Lock()
	if a.batchTimer != nil {
		a.batchTimer.Stop()
		a.batchTimer = nil
	}
	batch := a.pending
	a.pending = nil
	if len(batch) == 0 {
		a.mu.Unlock()
		a.persistMu.Unlock()
		return
	}
	for _, line := range batch {
		a.global = append(a.global, line)
		if line.AttackID != "" {
			a.attacks[line.AttackID] = append(a.attacks[line.AttackID], line)
		}
	}
	snap := a.snapshotLocked()
	listeners := append([]FlushListener(nil), a.flushListeners...)
	a.mu.Unlock()

	a.persist(snap)
	a.persistMu.Unlock()
	for _, fn := range listeners {
		callSafely("flush listener", func() { fn(batch) })
	}
}

// OnFlush registers fn for every flushed batch
func (a *Aggregator) OnFlush(fn FlushListener) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.flushListeners = append(a.flushListeners, fn)
}

// OnCompletion registers fn for every finalized execution
func (a *Aggregator) OnCompletion(fn CompletionListener) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.doneListeners = append(a.doneListeners, fn)
}

func callSafely(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("%s panicked: %v", what, r)
		}
	}()
	fn()
}

func (a *Aggregator) snapshotLocked() snapshot.Snapshot {
	attacks := make(map[string][]types.OutputLine, len(a.attacks))
	for id, lines := range a.attacks {
		attacks[id] = lines[:len(lines):len(lines)]
	}
	return snapshot.Snapshot{
		ScenarioID:   a.scenarioID,
		GlobalOutput: a.global[:len(a.global):len(a.global)],
		AttackOutput: attacks,
		ExecutionID:  a.executionID,
		MarkerStart:  a.markerStart,
		SavedAt:      a.now(),
	}
}

func (a *Aggregator) persist(snap snapshot.Snapshot) {
	if a.deps.Store == nil {
		return
	}
	if err := a.deps.Store.Save(a.scenarioID, snap); err != nil {
		log.Warn("Failed to save snapshot for %s: %v", a.scenarioID, err)
	}
}

func (a *Aggregator) save() {
	a.persistMu.Lock()
	defer a.persistMu.Unlock()

	a.mu.Lock()
	snap := a.snapshotLocked()
	a.mu.Unlock()
	a.persist(snap)
}

// GlobalOutput returns a copy of the flushed global sequence
func (a *Aggregator) GlobalOutput() []types.OutputLine {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]types.OutputLine(nil), a.global...)
}

// AttackOutput returns a copy of one attack's flushed sequence
func (a *Aggregator) AttackOutput(attackID string) []types.OutputLine {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]types.OutputLine(nil), a.attacks[attackID]...)
}

// AttackOutputs returns a copy of every per-attack sequence
func (a *Aggregator) AttackOutputs() map[string][]types.OutputLine {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string][]types.OutputLine, len(a.attacks))
	for id, lines := range a.attacks {
		out[id] = append([]types.OutputLine(nil), lines...)
	}
	return out
}

// ExecutionID returns the active execution id, or "" when none is running
func (a *Aggregator) ExecutionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.executionID
}

// Clear forgets all output and the active execution, and removes the snapshot
func (a *Aggregator) Clear() error {
	a.persistMu.Lock()
	defer a.persistMu.Unlock()

	a.mu.Lock()
	if a.batchTimer != nil {
		a.batchTimer.Stop()
		a.batchTimer = nil
	}
	a.global = nil
	a.pending = nil
	a.attacks = make(map[string][]types.OutputLine)
	a.statuses = make(map[string]types.AttackStatus)
	a.executionID = ""
	a.markerStart = 0
	a.run++
	a.settled = false
	a.mu.Unlock()

	a.globalSeen.Reset()
	a.attackSeen.Reset()
	a.shown.Reset()

	if a.deps.Store == nil {
		return nil
	}
	return a.deps.Store.Delete(a.scenarioID)
}

// Start launches the stale-execution watchdog
func (a *Aggregator) Start() {
	a.mu.Lock()
	if a.started || a.closed {
		a.mu.Unlock()
		return
	}
	a.started = true
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(a.opts.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				a.globalSeen.Prune()
				a.attackSeen.Prune()
				a.shown.Prune()
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				if _, err := a.SweepStale(ctx); err != nil {
					log.Warn("Stale execution check failed: %v", err)
				}
				cancel()
			case <-a.stopChan:
				return
			}
		}
	}()
}

// Close stops the watchdog and flushes queued lines. Safe to call repeatedly.
func (a *Aggregator) Close() {
	a.Flush()

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	a.mu.Unlock()

	close(a.stopChan)
	a.wg.Wait()
}
