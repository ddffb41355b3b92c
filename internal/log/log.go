//nolint:revive // Package name kept as "log" for stable internal imports.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fatih/color"
)

var (
	debugMode atomic.Bool

	outMu  sync.Mutex
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

// SetDebugMode enables or disables debug logging
func SetDebugMode(enabled bool) {
	debugMode.Store(enabled)
}

// IsDebug reports whether debug logging is enabled
func IsDebug() bool {
	return debugMode.Load()
}

// SetOutput replaces the writers used for regular and error output.
// A nil writer leaves the current one in place.
func SetOutput(out, errOut io.Writer) {
	outMu.Lock()
	defer outMu.Unlock()
	if out != nil {
		stdout = out
	}
	if errOut != nil {
		stderr = errOut
	}
}

func writeLine(w *io.Writer, prefix, msg string) {
	outMu.Lock()
	defer outMu.Unlock()
	fmt.Fprintln(*w, prefix+msg)
}

// Debug logs debug messages when debug mode is enabled
func Debug(format string, elem ...any) {
	if debugMode.Load() {
		writeLine(&stdout, color.CyanString("[DEBUG] "), fmt.Sprintf(format, elem...))
	}
}

// DebugH2 logs indented debug messages when debug mode is enabled
func DebugH2(format string, elem ...any) {
	if debugMode.Load() {
		writeLine(&stdout, color.CyanString("  [DEBUG] "), fmt.Sprintf(format, elem...))
	}
}

// DebugH3 logs more indented debug messages when debug mode is enabled
func DebugH3(format string, elem ...any) {
	if debugMode.Load() {
		writeLine(&stdout, color.CyanString("    [DEBUG] "), fmt.Sprintf(format, elem...))
	}
}

// Fatal logs an error message and exits the program
func Fatal(args ...interface{}) {
	var message string

	switch len(args) {
	case 0:
		message = "fatal error occurred"
	case 1:
		switch v := args[0].(type) {
		case error:
			message = v.Error()
		case string:
			message = v
		default:
			message = fmt.Sprintf("%v", v)
		}
	default:
		if format, ok := args[0].(string); ok && strings.Contains(format, "%") {
			message = fmt.Sprintf(format, args[1:]...)
		} else {
			message = fmt.Sprint(args...)
		}
	}

	for _, line := range strings.Split(strings.TrimSpace(message), "\n") {
		writeLine(&stderr, color.RedString("[x] "), line)
	}
	os.Exit(1)
}

// Error logs an error message to stderr
func Error(format string, elem ...any) {
	writeLine(&stderr, color.RedString("[x] "), fmt.Sprintf(format, elem...))
}

// ErrorH2 logs an indented error message to stderr
func ErrorH2(format string, elem ...any) {
	writeLine(&stderr, color.RedString("  [x] "), fmt.Sprintf(format, elem...))
}

// Warn logs a warning to stderr
func Warn(format string, elem ...any) {
	writeLine(&stderr, color.YellowString("[!] "), fmt.Sprintf(format, elem...))
}

// Info logs an informational message
func Info(format string, elem ...any) {
	writeLine(&stdout, color.BlueString("[x] "), fmt.Sprintf(format, elem...))
}

// InfoH2 logs an indented informational message
func InfoH2(format string, elem ...any) {
	writeLine(&stdout, color.GreenString("  [x] "), fmt.Sprintf(format, elem...))
}

// InfoH3 logs a double-indented informational message
func InfoH3(format string, elem ...any) {
	writeLine(&stdout, color.YellowString("    [x] "), fmt.Sprintf(format, elem...))
}

// Success logs a completed operation
func Success(format string, elem ...any) {
	writeLine(&stdout, color.GreenString("[+] "), fmt.Sprintf(format, elem...))
}

// Line prints a line of streamed attack output colored by its severity.
// Unknown severities print uncolored.
func Line(severity, timestamp, scope, content string) {
	var paint func(format string, a ...interface{}) string
	switch severity {
	case "error":
		paint = color.RedString
	case "warning":
		paint = color.YellowString
	case "success":
		paint = color.GreenString
	default:
		paint = fmt.Sprintf
	}

	prefix := color.HiBlackString("[%s] ", timestamp)
	if scope != "" {
		prefix += color.MagentaString("[%s] ", scope)
	}
	writeLine(&stdout, prefix, paint("%s", content))
}
