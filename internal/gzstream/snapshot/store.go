// Package snapshot persists a scenario's aggregated output so a restarted
// stream resumes where it left off.
package snapshot

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"sync"
	"time"

	gzerrors "github.com/dimasma0305/gzstream/internal/gzstream/errors"
	"github.com/dimasma0305/gzstream/internal/gzstream/types"
)

// Snapshot is the persisted output state of one scenario
type Snapshot struct {
	ScenarioID   string                        `json:"scenarioId"`
	GlobalOutput []types.OutputLine            `json:"globalOutput"`
	AttackOutput map[string][]types.OutputLine `json:"attackOutput"`
	ExecutionID  string                        `json:"executionId,omitempty"`
	// MarkerStart is where the output of the current run begins
	MarkerStart  int                           `json:"markerStart,omitempty"`
	SavedAt      time.Time                     `json:"savedAt"`
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// FileStore keeps one JSON file per scenario under a directory
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates the store directory if needed
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Path returns the file holding scenarioID's snapshot
func (s *FileStore) Path(scenarioID string) string {
	return filepath.Join(s.dir, unsafeChars.ReplaceAllString(scenarioID, "_")+".json")
}

// Save atomically replaces the scenario's snapshot
func (s *FileStore) Save(scenarioID string, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap.ScenarioID = scenarioID

	tmpFile, err := os.CreateTemp(s.dir, "tmp-")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	bw := bufio.NewWriterSize(tmpFile, 32*1024)
	if err := json.NewEncoder(bw).Encode(snap); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("encoding failed: %w", err)
	}
	if err := bw.Flush(); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("buffer flush failed: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("temp file close failed: %w", err)
	}

	if err := renameWithRetry(tmpPath, s.Path(scenarioID)); err != nil {
		return fmt.Errorf("failed to finalize snapshot: %w", err)
	}
	return nil
}

// Load reads the scenario's snapshot. A missing file yields ErrSnapshotNotFound.
func (s *FileStore) Load(scenarioID string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	//nolint:gosec // G304: snapshot files are created by the application itself
	file, err := os.Open(s.Path(scenarioID))
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{}, gzerrors.Wrapf(gzerrors.ErrSnapshotNotFound, "scenario %s", scenarioID)
		}
		return Snapshot{}, fmt.Errorf("snapshot access error: %w", err)
	}
	defer func() { _ = file.Close() }()

	var snap Snapshot
	if err := json.NewDecoder(bufio.NewReader(file)).Decode(&snap); err != nil {
		return Snapshot{}, fmt.Errorf("decoding error: %w", err)
	}
	if snap.AttackOutput == nil {
		snap.AttackOutput = make(map[string][]types.OutputLine)
	}
	return snap, nil
}

// Delete removes the scenario's snapshot; a missing file is not an error
func (s *FileStore) Delete(scenarioID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.Path(scenarioID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deletion error: %w", err)
	}
	return nil
}

// renameWithRetry handles file renaming with retry logic for Windows
func renameWithRetry(src, dst string) error {
	const maxRetries = 5
	const retryDelay = 10 * time.Millisecond

	var lastErr error
	for i := 0; i < maxRetries; i++ {
		// os.Rename does not replace an existing file on Windows
		if runtime.GOOS == "windows" {
			_ = os.Remove(dst)
		}

		err := os.Rename(src, dst)
		if err == nil {
			return nil
		}

		lastErr = err
		if runtime.GOOS == "windows" {
			time.Sleep(retryDelay * time.Duration(i+1))
			continue
		}
		return err
	}

	return lastErr
}
