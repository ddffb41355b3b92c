package aggregate

import (
	"regexp"
	"strings"

	"github.com/dimasma0305/gzstream/internal/gzstream/types"
)

// Diagnoser extracts a one-line failure reason from an attack's recent output
type Diagnoser interface {
	Diagnose(lines []types.OutputLine) (string, bool)
}

// DiagnoserFunc adapts a function to Diagnoser
type DiagnoserFunc func(lines []types.OutputLine) (string, bool)

func (f DiagnoserFunc) Diagnose(lines []types.OutputLine) (string, bool) {
	return f(lines)
}

type pattern struct {
	re     *regexp.Regexp
	detail string
}

// infrastructure failures that deserve a fixed explanation
var knownFailures = []pattern{
	{regexp.MustCompile(`(?i)cannot connect to the docker daemon|docker daemon is not running|docker\.sock`), "Docker daemon is not reachable"},
	{regexp.MustCompile(`(?i)pull access denied|repository does not exist|manifest unknown|manifest for .* not found`), "container image could not be pulled"},
	{regexp.MustCompile(`(?i)unauthorized: authentication required|denied: requested access`), "registry access denied"},
	{regexp.MustCompile(`(?i)no space left on device`), "no space left on device"},
}

var (
	genericFailure = regexp.MustCompile(`(?i)cannot|failed to|timed? ?out|refused|unreachable|denied`)
	errorPrefix    = regexp.MustCompile(`(?i)^\s*(error|fatal|err)\s*:\s*`)
)

const maxDetailLength = 160

// PatternDiagnoser matches docker and generic connectivity failures,
// newest line first
type PatternDiagnoser struct{}

// Diagnose prefers a known infrastructure failure anywhere in the window over
// a generic failure phrase
func (PatternDiagnoser) Diagnose(lines []types.OutputLine) (string, bool) {
	for i := len(lines) - 1; i >= 0; i-- {
		for _, p := range knownFailures {
			if p.re.MatchString(lines[i].Content) {
				return p.detail, true
			}
		}
	}
	for i := len(lines) - 1; i >= 0; i-- {
		content := strings.TrimSpace(lines[i].Content)
		if genericFailure.MatchString(content) {
			return cleanDetail(content), true
		}
	}
	return "", false
}

func cleanDetail(s string) string {
	s = errorPrefix.ReplaceAllString(s, "")
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > maxDetailLength {
		s = s[:maxDetailLength] + "..."
	}
	return s
}

// generic status messages that say nothing about the cause
var vagueErrors = map[string]bool{
	"":                 true,
	"error":            true,
	"failed":           true,
	"failure":          true,
	"unknown":          true,
	"unknown error":    true,
	"attack failed":    true,
	"process failed":   true,
	"execution failed": true,
}

func descriptive(msg string) bool {
	msg = strings.ToLower(strings.TrimSpace(msg))
	if vagueErrors[msg] {
		return false
	}
	return !strings.HasPrefix(msg, "process exited with code")
}
