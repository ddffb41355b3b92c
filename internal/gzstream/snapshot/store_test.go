package snapshot

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	gzerrors "github.com/dimasma0305/gzstream/internal/gzstream/errors"
	"github.com/dimasma0305/gzstream/internal/gzstream/types"
)

func TestFileStore_RoundTrip(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	ts := time.Date(2026, 3, 4, 5, 6, 7, 890_000_000, time.FixedZone("WIB", 7*3600))
	want := Snapshot{
		GlobalOutput: []types.OutputLine{
			{Content: "Launching attack 1", Severity: types.SeverityInfo, Timestamp: ts},
			{Content: "Error: connection refused", Severity: types.SeverityError, Timestamp: ts.Add(time.Second), AttackID: "attack-1"},
		},
		AttackOutput: map[string][]types.OutputLine{
			"attack-1": {
				{Content: "Error: connection refused", Severity: types.SeverityError, Timestamp: ts.Add(time.Second), AttackID: "attack-1"},
			},
		},
		ExecutionID: "exec-1",
		SavedAt:     ts,
	}

	if err := store.Save("scenario/1", want); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := store.Load("scenario/1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	want.ScenarioID = "scenario/1"

	// time.Time carries a location pointer, so compare instants explicitly
	opt := cmp.Comparer(func(a, b time.Time) bool { return a.Equal(b) })
	if diff := cmp.Diff(want, got, opt); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestFileStore_LoadMissing(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	_, err = store.Load("nope")
	if !errors.Is(err, gzerrors.ErrSnapshotNotFound) {
		t.Errorf("Load() error = %v, want ErrSnapshotNotFound", err)
	}
}

func TestFileStore_SaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if err := store.Save("s1", Snapshot{ExecutionID: "e"}); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "s1.json" {
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("directory contents = %v, want [s1.json]", names)
	}
}

func TestFileStore_Delete(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}

	if err := store.Save("s1", Snapshot{}); err != nil {
		t.Fatal(err)
	}
	if err := store.Delete("s1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "s1.json")); !os.IsNotExist(err) {
		t.Errorf("snapshot still present: %v", err)
	}
	if err := store.Delete("s1"); err != nil {
		t.Errorf("second Delete() error = %v", err)
	}
}

func TestFileStore_PathSanitized(t *testing.T) {
	store := &FileStore{dir: "/tmp/x"}
	if got := store.Path("../../etc/passwd"); got != filepath.Join("/tmp/x", ".._.._etc_passwd.json") {
		t.Errorf("Path() = %q", got)
	}
}
