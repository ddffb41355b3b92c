// Package history records scenario executions, their per-attack statuses and
// the output produced while they ran.
package history

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	gzerrors "github.com/dimasma0305/gzstream/internal/gzstream/errors"
	"github.com/dimasma0305/gzstream/internal/gzstream/types"
)

// MemoryStore keeps executions in process memory
type MemoryStore struct {
	mu         sync.RWMutex
	executions map[string]*types.ExecutionRecord
	now        func() time.Time
}

// NewMemoryStore creates an empty store. A nil clock means time.Now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		executions: make(map[string]*types.ExecutionRecord),
		now:        now,
	}
}

func (s *MemoryStore) StartExecution(_ context.Context, scenario types.Scenario) (string, error) {
	rec := &types.ExecutionRecord{
		ID:           uuid.NewString(),
		ScenarioID:   scenario.ID,
		StartTime:    s.now(),
		Status:       types.ExecutionRunning,
		AttackOutput: make(map[string][]types.OutputLine),
	}
	for _, at := range scenario.Attacks {
		rec.Attacks = append(rec.Attacks, types.AttackRecord{AttackID: at.ID, Status: types.AttackPending})
	}

	s.mu.Lock()
	s.executions[rec.ID] = rec
	s.mu.Unlock()
	return rec.ID, nil
}

func (s *MemoryStore) lookup(id string) (*types.ExecutionRecord, error) {
	rec, ok := s.executions[id]
	if !ok {
		return nil, gzerrors.Wrapf(gzerrors.ErrExecutionNotFound, "execution %s", id)
	}
	return rec, nil
}

// GetExecution returns a deep copy of the record
func (s *MemoryStore) GetExecution(_ context.Context, id string) (*types.ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	return clone(rec), nil
}

func clone(rec *types.ExecutionRecord) *types.ExecutionRecord {
	out := *rec
	if rec.EndTime != nil {
		end := *rec.EndTime
		out.EndTime = &end
	}
	out.Attacks = append([]types.AttackRecord(nil), rec.Attacks...)
	out.GlobalOutput = append([]types.OutputLine(nil), rec.GlobalOutput...)
	out.AttackOutput = make(map[string][]types.OutputLine, len(rec.AttackOutput))
	for id, lines := range rec.AttackOutput {
		out.AttackOutput[id] = append([]types.OutputLine(nil), lines...)
	}
	return &out
}

func (s *MemoryStore) AddOutputLine(_ context.Context, id string, line types.OutputLine) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.lookup(id)
	if err != nil {
		return err
	}
	rec.GlobalOutput = append(rec.GlobalOutput, line)
	return nil
}

// AddAttackOutputLine records the line in the attack's sequence and in the
// global one
func (s *MemoryStore) AddAttackOutputLine(_ context.Context, id, attackID string, line types.OutputLine) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.lookup(id)
	if err != nil {
		return err
	}
	line.AttackID = attackID
	rec.GlobalOutput = append(rec.GlobalOutput, line)
	rec.AttackOutput[attackID] = append(rec.AttackOutput[attackID], line)
	return nil
}

// UpdateAttackStatus applies forward transitions only; regressions are
// silently ignored
func (s *MemoryStore) UpdateAttackStatus(_ context.Context, id, attackID string, status types.AttackStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.lookup(id)
	if err != nil {
		return err
	}
	for i := range rec.Attacks {
		if rec.Attacks[i].AttackID != attackID {
			continue
		}
		if rec.Attacks[i].Status.CanAdvance(status) {
			rec.Attacks[i].Status = status
		}
		return nil
	}
	rec.Attacks = append(rec.Attacks, types.AttackRecord{AttackID: attackID, Status: status})
	return nil
}

func (s *MemoryStore) CompleteExecution(_ context.Context, id string, status types.ExecutionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.lookup(id)
	if err != nil {
		return err
	}
	if rec.Status.Terminal() {
		return gzerrors.Wrapf(gzerrors.ErrExecutionFinalized, "execution %s", id)
	}
	end := s.now()
	rec.Status = status
	rec.EndTime = &end
	return nil
}

// ListExecutions returns the scenario's executions, newest first, without
// their output. limit <= 0 returns all of them.
func (s *MemoryStore) ListExecutions(_ context.Context, scenarioID string, limit int) ([]types.ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.ExecutionRecord
	for _, rec := range s.executions {
		if rec.ScenarioID != scenarioID {
			continue
		}
		c := clone(rec)
		c.GlobalOutput = nil
		c.AttackOutput = nil
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartTime.After(out[j].StartTime)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
