package daemon

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	gzerrors "github.com/dimasma0305/gzstream/internal/gzstream/errors"
)

func TestPIDFile_RoundTrip(t *testing.T) {
	f := PIDFile(filepath.Join(t.TempDir(), "nested", "gzstream.pid"))
	if err := f.Write(4242); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	pid, err := f.Read()
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if pid != 4242 {
		t.Errorf("Read() = %d, want 4242", pid)
	}

	if err := f.Remove(); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := f.Read(); !errors.Is(err, gzerrors.ErrDaemonNotRunning) {
		t.Errorf("Read() after Remove() error = %v, want ErrDaemonNotRunning", err)
	}
	if err := f.Remove(); err != nil {
		t.Errorf("second Remove() error = %v", err)
	}
}

func TestPIDFile_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"empty", "  \n"},
		{"garbage", "abc"},
		{"negative", "-7"},
		{"zero", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pidFile := filepath.Join(t.TempDir(), "x.pid")
			if err := os.WriteFile(pidFile, []byte(tt.content), 0600); err != nil {
				t.Fatal(err)
			}
			if _, err := PIDFile(pidFile).Read(); !errors.Is(err, gzerrors.ErrInvalidPIDFile) {
				t.Errorf("Read() of %q error = %v, want ErrInvalidPIDFile", tt.content, err)
			}
		})
	}
}

func TestGetStatus(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing", func(t *testing.T) {
		st := GetStatus(filepath.Join(dir, "missing.pid"))
		if st.State != StateStopped {
			t.Errorf("State = %q, want %q", st.State, StateStopped)
		}
	})

	t.Run("running", func(t *testing.T) {
		pidFile := filepath.Join(dir, "self.pid")
		if err := PIDFile(pidFile).Write(os.Getpid()); err != nil {
			t.Fatal(err)
		}
		st := GetStatus(pidFile)
		if !st.Running() || st.PID != os.Getpid() {
			t.Errorf("GetStatus() = %+v, want running self", st)
		}
	})

	t.Run("dead", func(t *testing.T) {
		cmd := exec.Command(os.Args[0], "-test.run=^$")
		if err := cmd.Run(); err != nil {
			t.Fatalf("helper process: %v", err)
		}
		pidFile := filepath.Join(dir, "dead.pid")
		if err := PIDFile(pidFile).Write(cmd.Process.Pid); err != nil {
			t.Fatal(err)
		}
		st := GetStatus(pidFile)
		if st.State != StateDead {
			t.Errorf("State = %q, want %q", st.State, StateDead)
		}
		if _, err := os.Stat(pidFile); !os.IsNotExist(err) {
			t.Errorf("stale PID file left behind: %v", err)
		}
	})
}

func TestStop(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Skipf("sleep unavailable: %v", err)
	}
	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()

	pidFile := filepath.Join(t.TempDir(), "gzstream.pid")
	if err := PIDFile(pidFile).Write(cmd.Process.Pid); err != nil {
		t.Fatal(err)
	}
	if err := Stop(pidFile, 2*time.Second); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		t.Fatal("process still running after Stop()")
	}
	if _, err := os.Stat(pidFile); !os.IsNotExist(err) {
		t.Errorf("PID file not removed: %v", err)
	}
}

func TestStop_NotRunning(t *testing.T) {
	err := Stop(filepath.Join(t.TempDir(), "none.pid"), time.Second)
	if !errors.Is(err, gzerrors.ErrDaemonNotRunning) {
		t.Errorf("Stop() without a PID file error = %v, want ErrDaemonNotRunning", err)
	}
}
