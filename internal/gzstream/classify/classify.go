// Package classify decides what an inbound payload says, how severe it is and
// which output sequence it belongs to. Everything here is stateless.
package classify

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/dimasma0305/gzstream/internal/gzstream/protocol"
	"github.com/dimasma0305/gzstream/internal/gzstream/types"
)

// maxDepth bounds how far nested data/terminal objects are followed
const maxDepth = 8

var (
	contentKeys = []string{"content", "message", "output"}
	nestedKeys  = []string{"data", "terminal"}

	exitCodeRe      = regexp.MustCompile(`exited with code (-?\d+)`)
	trailingDigitRe = regexp.MustCompile(`(\d+)$`)
	attackKeyRe     = regexp.MustCompile(`^attack-(\d+)$`)

	errorMarkers   = []string{"error", "failed", "cannot", "denied", "timeout", "exception", "invalid", "not found"}
	warningMarkers = []string{"warning", "deprecated", "caution"}
	successMarkers = []string{"success", "completed", "established"}
)

// Line is a classified piece of output ready for aggregation
type Line struct {
	Content  string
	Severity types.Severity
	// AttackID is empty for scenario-wide output
	AttackID string
}

// ExtractContent finds the displayable text of a raw JSON payload
func ExtractContent(raw string) string {
	return extract(gjson.Parse(raw), 0)
}

func extract(v gjson.Result, depth int) string {
	if depth > maxDepth || !v.IsObject() {
		return ""
	}
	for _, key := range contentKeys {
		f := v.Get(key)
		if f.Type == gjson.String && strings.TrimSpace(f.Str) != "" {
			return f.Str
		}
	}
	for _, key := range nestedKeys {
		f := v.Get(key)
		if f.Type == gjson.String && strings.TrimSpace(f.Str) != "" {
			return f.Str
		}
		if s := extract(f, depth+1); s != "" {
			return s
		}
	}
	return ""
}

// Severity infers a severity from free text.
// Error markers win over warning markers, which win over success markers.
func Severity(text string) types.Severity {
	lower := strings.ToLower(text)

	exitCode, hasExit := -1, false
	if m := exitCodeRe.FindStringSubmatch(lower); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			exitCode, hasExit = n, true
		}
	}

	if containsAny(lower, errorMarkers) || (hasExit && exitCode != 0) {
		return types.SeverityError
	}
	if containsAny(lower, warningMarkers) {
		return types.SeverityWarning
	}
	if containsAny(lower, successMarkers) || (hasExit && exitCode == 0) {
		return types.SeveritySuccess
	}
	return types.SeverityInfo
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// ExplicitSeverity returns the level or severity field of a payload when it
// names a known severity
func ExplicitSeverity(raw string) (types.Severity, bool) {
	for _, path := range []string{"level", "severity", "data.level", "data.severity"} {
		if s, ok := types.ParseSeverity(gjson.Get(raw, path).String()); ok {
			return s, true
		}
	}
	return "", false
}

// Target maps a correlating id to the canonical attack key.
// It returns "" for scenario-wide output.
func Target(id, scenarioID string) string {
	id = strings.TrimSpace(id)
	if id == "" || id == scenarioID {
		return ""
	}
	if m := trailingDigitRe.FindStringSubmatch(id); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			return AttackKey(n)
		}
	}
	return id
}

// AttackKey renders the canonical key of the n-th attack
func AttackKey(n int) string {
	return "attack-" + strconv.Itoa(n)
}

// AttackLabel renders a key for people: attack-2 becomes Attack 2
func AttackLabel(key string) string {
	if m := attackKeyRe.FindStringSubmatch(key); m != nil {
		return "Attack " + m[1]
	}
	return key
}

// Classify combines content extraction, severity and routing for one message.
// Content is empty when the payload carries nothing displayable.
func Classify(msg protocol.Message, scenarioID string) Line {
	content := ExtractContent(msg.Raw)

	severity, ok := ExplicitSeverity(msg.Raw)
	if !ok {
		severity = Severity(content)
	}

	id := msg.AttackID
	if id == "" {
		id = msg.TabID
	}

	return Line{
		Content:  content,
		Severity: severity,
		AttackID: Target(id, scenarioID),
	}
}
