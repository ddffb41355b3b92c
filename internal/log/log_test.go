//nolint:errcheck,gosec // Test file with acceptable error handling patterns
package log

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/fatih/color"
)

func captureOutput(t *testing.T) (*bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	var out, errOut bytes.Buffer
	noColor := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = noColor })
	SetOutput(&out, &errOut)
	t.Cleanup(func() { SetOutput(os.Stdout, os.Stderr) })
	return &out, &errOut
}

func TestSetDebugMode(t *testing.T) {
	original := IsDebug()
	defer SetDebugMode(original)

	tests := []struct {
		name    string
		enabled bool
	}{
		{name: "enable debug", enabled: true},
		{name: "disable debug", enabled: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetDebugMode(tt.enabled)
			if IsDebug() != tt.enabled {
				t.Errorf("SetDebugMode(%v) did not set debug mode correctly", tt.enabled)
			}
		})
	}
}

func TestDebugOutput(t *testing.T) {
	original := IsDebug()
	defer SetDebugMode(original)
	out, _ := captureOutput(t)

	SetDebugMode(true)
	Debug("test %s", "message")

	output := out.String()
	if !strings.Contains(output, "test message") {
		t.Errorf("Debug() did not output expected message, got: %s", output)
	}
	if !strings.Contains(output, "[DEBUG]") {
		t.Errorf("Debug() did not include [DEBUG] prefix, got: %s", output)
	}
}

func TestDebugDisabled(t *testing.T) {
	original := IsDebug()
	defer SetDebugMode(original)
	out, _ := captureOutput(t)

	SetDebugMode(false)
	Debug("should not appear")
	DebugH2("should not appear")
	DebugH3("should not appear")

	if out.Len() != 0 {
		t.Errorf("debug output written while disabled: %q", out.String())
	}
}

func TestErrorAndWarnGoToStderr(t *testing.T) {
	out, errOut := captureOutput(t)

	Error("boom %d", 1)
	ErrorH2("nested")
	Warn("careful")

	if out.Len() != 0 {
		t.Errorf("stdout = %q, want empty", out.String())
	}
	for _, want := range []string{"boom 1", "nested", "careful", "[!]"} {
		if !strings.Contains(errOut.String(), want) {
			t.Errorf("stderr missing %q, got: %s", want, errOut.String())
		}
	}
}

func TestInfoLevels(t *testing.T) {
	out, _ := captureOutput(t)

	Info("level one")
	InfoH2("level two")
	InfoH3("level three")
	Success("done")

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("got %d lines, want 4: %q", len(lines), out.String())
	}
	if !strings.HasPrefix(lines[1], "  [x] ") {
		t.Errorf("InfoH2 indentation wrong: %q", lines[1])
	}
	if !strings.HasPrefix(lines[2], "    [x] ") {
		t.Errorf("InfoH3 indentation wrong: %q", lines[2])
	}
	if !strings.HasPrefix(lines[3], "[+] ") {
		t.Errorf("Success prefix wrong: %q", lines[3])
	}
}

func TestLine(t *testing.T) {
	out, _ := captureOutput(t)

	Line("error", "12:00:01", "attack-2", "Error: connection refused")
	Line("info", "12:00:02", "", "plain")

	output := out.String()
	if !strings.Contains(output, "[12:00:01] [attack-2] Error: connection refused") {
		t.Errorf("scoped line not rendered, got: %q", output)
	}
	if !strings.Contains(output, "[12:00:02] plain") {
		t.Errorf("global line not rendered, got: %q", output)
	}
}
