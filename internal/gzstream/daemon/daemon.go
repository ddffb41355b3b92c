// Package daemon runs a stream detached from the terminal and manages it
// through its PID file.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	godaemon "github.com/sevlyar/go-daemon"

	gzerrors "github.com/dimasma0305/gzstream/internal/gzstream/errors"
	"github.com/dimasma0305/gzstream/internal/log"
)

// Process states reported by Status
const (
	StateRunning = "running"
	StateStopped = "stopped"
	StateDead    = "dead"
	StateError   = "error"
)

// Status describes the daemon behind a PID file
type Status struct {
	State   string `json:"status"`
	PID     int    `json:"pid,omitempty"`
	PIDFile string `json:"pid_file"`
	Message string `json:"message"`
}

// Running reports whether the daemon process is alive
func (s Status) Running() bool {
	return s.State == StateRunning
}

// PIDFile is where a detached stream records its process id
type PIDFile string

// Read returns the recorded pid. A missing file yields ErrDaemonNotRunning,
// unreadable content ErrInvalidPIDFile.
func (f PIDFile) Read() (int, error) {
	data, err := os.ReadFile(string(f))
	if os.IsNotExist(err) {
		return 0, gzerrors.Wrapf(gzerrors.ErrDaemonNotRunning, "no PID file at %s", f)
	}
	if err != nil {
		return 0, gzerrors.Wrapf(err, "read %s", f)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, gzerrors.Wrapf(gzerrors.ErrInvalidPIDFile, "%s holds %q", f, strings.TrimSpace(string(data)))
	}
	return pid, nil
}

// Write records pid, creating the parent directory when needed
func (f PIDFile) Write(pid int) error {
	if err := mkdirParents(string(f)); err != nil {
		return err
	}
	if err := os.WriteFile(string(f), []byte(strconv.Itoa(pid)+"\n"), 0600); err != nil {
		return gzerrors.Wrapf(err, "write %s", f)
	}
	return nil
}

// Remove deletes the file; a missing file is not an error
func (f PIDFile) Remove() error {
	if err := os.Remove(string(f)); err != nil && !os.IsNotExist(err) {
		return gzerrors.Wrapf(err, "remove %s", f)
	}
	return nil
}

func mkdirParents(paths ...string) error {
	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
			return gzerrors.Wrapf(err, "create directory for %s", path)
		}
	}
	return nil
}

// Detach forks the current command into the background. The parent gets
// parent=true once the child has started and should exit; the child gets
// parent=false and carries on. Output of the child goes to logFile.
func Detach(pidFile, logFile string, args []string) (parent bool, err error) {
	if err := mkdirParents(pidFile, logFile); err != nil {
		return false, err
	}

	if godaemon.WasReborn() {
		pid := os.Getpid()
		log.Info("🚀 gzstream daemon started (PID: %d)", pid)
		if err := PIDFile(pidFile).Write(pid); err != nil {
			return false, err
		}
		return false, nil
	}

	if st := GetStatus(pidFile); st.Running() {
		return false, fmt.Errorf("daemon already running (PID %d)", st.PID)
	}

	ctx := &godaemon.Context{
		PidFileName: pidFile,
		PidFilePerm: 0644,
		LogFileName: logFile,
		LogFilePerm: 0640,
		WorkDir:     "./",
		Umask:       027,
		Args:        args,
	}
	child, err := ctx.Reborn()
	if err != nil {
		return false, fmt.Errorf("failed to fork daemon: %w", err)
	}
	if child == nil {
		return false, fmt.Errorf("unexpected daemon state")
	}

	log.Success("gzstream daemon started")
	log.Info("📄 PID: %d (saved to %s)", child.Pid, pidFile)
	log.Info("📝 Logs: %s", logFile)
	return true, nil
}

// GetStatus inspects the process recorded in pidFile. A stale PID file is
// removed.
func GetStatus(pidFile string) Status {
	st := Status{PIDFile: pidFile}

	pid, err := PIDFile(pidFile).Read()
	if err != nil {
		if gzerrors.Is(err, gzerrors.ErrDaemonNotRunning) {
			st.State = StateStopped
			st.Message = "PID file not found"
		} else {
			st.State = StateError
			st.Message = err.Error()
		}
		return st
	}
	st.PID = pid

	if !alive(pid) {
		st.State = StateDead
		if removeErr := PIDFile(pidFile).Remove(); removeErr != nil {
			st.Message = fmt.Sprintf("Process not running, failed to clean stale PID file: %v", removeErr)
		} else {
			st.Message = "Process not running (cleaned up stale PID file)"
		}
		return st
	}

	st.State = StateRunning
	st.Message = "Daemon is running"
	return st
}

func alive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	defer func() { _ = process.Release() }()
	// signal 0 probes for existence
	return process.Signal(syscall.Signal(0)) == nil
}

// Stop sends SIGTERM, waits up to grace for the process to exit, then
// SIGKILLs it and removes the PID file
func Stop(pidFile string, grace time.Duration) error {
	pid, err := PIDFile(pidFile).Read()
	if err != nil {
		return err
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process: %w", err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to send SIGTERM to process %d: %w", pid, err)
	}

	deadline := time.Now().Add(grace)
	for alive(pid) && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if alive(pid) {
		log.Info("Process still running, sending SIGKILL...")
		if err := process.Kill(); err != nil {
			return fmt.Errorf("failed to kill process %d: %w", pid, err)
		}
	}

	if err := PIDFile(pidFile).Remove(); err != nil {
		return err
	}
	log.Success("gzstream daemon stopped")
	return nil
}
