package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	gzerrors "github.com/dimasma0305/gzstream/internal/gzstream/errors"
	"github.com/dimasma0305/gzstream/internal/gzstream/types"
)

var testScenario = types.Scenario{
	ID:   "s1",
	Name: "recon",
	Attacks: []types.Attack{
		{ID: "attack-1", Name: "nmap"},
		{ID: "attack-2", Name: "nikto"},
	},
}

func openSQLite(t *testing.T) *SQLStore {
	t.Helper()
	s, err := Open(context.Background(), DriverSQLite, filepath.Join(t.TempDir(), "db", "history.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// stores runs fn against every backend
func stores(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore(nil)) })
	t.Run("sqlite", func(t *testing.T) { fn(t, openSQLite(t)) })
}

func statuses(rec *types.ExecutionRecord) map[string]types.AttackStatus {
	out := make(map[string]types.AttackStatus)
	for _, at := range rec.Attacks {
		out[at.AttackID] = at.Status
	}
	return out
}

func TestStore_Lifecycle(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id, err := s.StartExecution(ctx, testScenario)
		if err != nil {
			t.Fatalf("StartExecution() error = %v", err)
		}

		rec, err := s.GetExecution(ctx, id)
		if err != nil {
			t.Fatalf("GetExecution() error = %v", err)
		}
		if rec.Status != types.ExecutionRunning || rec.EndTime != nil {
			t.Errorf("new execution = %s end=%v, want running without end", rec.Status, rec.EndTime)
		}
		want := map[string]types.AttackStatus{"attack-1": types.AttackPending, "attack-2": types.AttackPending}
		if diff := cmp.Diff(want, statuses(rec)); diff != "" {
			t.Errorf("attacks mismatch (-want +got):\n%s", diff)
		}

		if err := s.CompleteExecution(ctx, id, types.ExecutionCompleted); err != nil {
			t.Fatalf("CompleteExecution() error = %v", err)
		}
		rec, err = s.GetExecution(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if rec.Status != types.ExecutionCompleted || rec.EndTime == nil {
			t.Errorf("completed execution = %s end=%v", rec.Status, rec.EndTime)
		}

		err = s.CompleteExecution(ctx, id, types.ExecutionFailed)
		if !errors.Is(err, gzerrors.ErrExecutionFinalized) {
			t.Errorf("second CompleteExecution() error = %v, want ErrExecutionFinalized", err)
		}
	})
}

func TestStore_StatusForwardOnly(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id, err := s.StartExecution(ctx, testScenario)
		if err != nil {
			t.Fatal(err)
		}

		steps := []types.AttackStatus{
			types.AttackRunning,
			types.AttackPending,
			types.AttackCompleted,
			types.AttackRunning,
			types.AttackFailed,
		}
		for _, st := range steps {
			if err := s.UpdateAttackStatus(ctx, id, "attack-1", st); err != nil {
				t.Fatalf("UpdateAttackStatus(%s) error = %v", st, err)
			}
		}

		rec, err := s.GetExecution(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if got := statuses(rec)["attack-1"]; got != types.AttackCompleted {
			t.Errorf("attack-1 status = %s, want completed", got)
		}
	})
}

func TestStore_UnknownAttackIsAdded(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id, err := s.StartExecution(ctx, testScenario)
		if err != nil {
			t.Fatal(err)
		}
		if err := s.UpdateAttackStatus(ctx, id, "attack-9", types.AttackRunning); err != nil {
			t.Fatal(err)
		}
		rec, err := s.GetExecution(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if len(rec.Attacks) != 3 || rec.Attacks[2].AttackID != "attack-9" {
			t.Errorf("attacks = %+v, want attack-9 appended", rec.Attacks)
		}
	})
}

func TestStore_Output(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id, err := s.StartExecution(ctx, testScenario)
		if err != nil {
			t.Fatal(err)
		}

		ts := time.Unix(1700000000, 0)
		global := types.OutputLine{Content: "Launching", Severity: types.SeverityInfo, Timestamp: ts}
		scoped := types.OutputLine{Content: "open port 22", Severity: types.SeveritySuccess, Timestamp: ts.Add(time.Second)}
		if err := s.AddOutputLine(ctx, id, global); err != nil {
			t.Fatal(err)
		}
		if err := s.AddAttackOutputLine(ctx, id, "attack-1", scoped); err != nil {
			t.Fatal(err)
		}

		rec, err := s.GetExecution(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		scoped.AttackID = "attack-1"
		opt := cmp.Comparer(func(a, b time.Time) bool { return a.Equal(b) })
		if diff := cmp.Diff([]types.OutputLine{global, scoped}, rec.GlobalOutput, opt); diff != "" {
			t.Errorf("global output mismatch (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff([]types.OutputLine{scoped}, rec.AttackOutput["attack-1"], opt); diff != "" {
			t.Errorf("attack output mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestStore_NotFound(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		if _, err := s.GetExecution(ctx, "missing"); !errors.Is(err, gzerrors.ErrExecutionNotFound) {
			t.Errorf("GetExecution() error = %v", err)
		}
		if err := s.AddOutputLine(ctx, "missing", types.OutputLine{Content: "x"}); !errors.Is(err, gzerrors.ErrExecutionNotFound) {
			t.Errorf("AddOutputLine() error = %v", err)
		}
		if err := s.UpdateAttackStatus(ctx, "missing", "attack-1", types.AttackRunning); !errors.Is(err, gzerrors.ErrExecutionNotFound) {
			t.Errorf("UpdateAttackStatus() error = %v", err)
		}
		if err := s.CompleteExecution(ctx, "missing", types.ExecutionFailed); !errors.Is(err, gzerrors.ErrExecutionNotFound) {
			t.Errorf("CompleteExecution() error = %v", err)
		}
	})
}

func TestStore_ListExecutions(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		var ids []string
		for i := 0; i < 3; i++ {
			id, err := s.StartExecution(ctx, testScenario)
			if err != nil {
				t.Fatal(err)
			}
			ids = append(ids, id)
			time.Sleep(2 * time.Millisecond)
		}
		if _, err := s.StartExecution(ctx, types.Scenario{ID: "other"}); err != nil {
			t.Fatal(err)
		}

		got, err := s.ListExecutions(ctx, "s1", 2)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 2 || got[0].ID != ids[2] || got[1].ID != ids[1] {
			var gotIDs []string
			for _, r := range got {
				gotIDs = append(gotIDs, r.ID)
			}
			t.Errorf("ListExecutions() = %v, want [%s %s]", gotIDs, ids[2], ids[1])
		}
		if len(got) > 0 && len(got[0].Attacks) != 2 {
			t.Errorf("listed execution attacks = %d, want 2", len(got[0].Attacks))
		}

		all, err := s.ListExecutions(ctx, "s1", 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(all) != 3 {
			t.Errorf("ListExecutions(limit 0) = %d records, want 3", len(all))
		}
	})
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "x")
	if !errors.Is(err, gzerrors.ErrInvalidConfig) {
		t.Errorf("Open() error = %v, want ErrInvalidConfig", err)
	}
}

func TestRebind(t *testing.T) {
	pg := &SQLStore{driver: DriverPostgres}
	if got := pg.rebind("a = ? AND b = ?"); got != "a = $1 AND b = $2" {
		t.Errorf("postgres rebind = %q", got)
	}
	lite := &SQLStore{driver: DriverSQLite}
	if got := lite.rebind("a = ?"); got != "a = ?" {
		t.Errorf("sqlite rebind = %q", got)
	}
}
