// Package protocol describes the frames exchanged with the orchestration backend.
//
// Inbound frames are normalized once by Decode into a Message carrying a Kind.
// Outbound control frames are built with the constructors in control.go.
package protocol

import (
	"fmt"

	"github.com/tidwall/gjson"

	gzerrors "github.com/dimasma0305/gzstream/internal/gzstream/errors"
)

// Bare keep-alive tokens
const (
	Ping = "ping"
	Pong = "pong"
)

// Kind is the normalized discriminator of an inbound message
type Kind int

const (
	KindUnknown Kind = iota
	KindTerminalOutput
	KindAttackStatus
	KindScenarioStatus
	KindScenarioStarted
	KindExecutionHistory
	KindPortStatus
	KindAuthenticated
	KindError
)

var kindNames = map[Kind]string{
	KindUnknown:          "unknown",
	KindTerminalOutput:   "terminal-output",
	KindAttackStatus:     "attack-status",
	KindScenarioStatus:   "scenario-status",
	KindScenarioStarted:  "scenario-started",
	KindExecutionHistory: "execution-history",
	KindPortStatus:       "port-status",
	KindAuthenticated:    "authenticated",
	KindError:            "error",
}

// type field aliases seen on the wire
var kindAliases = map[string]Kind{
	"terminal-output":   KindTerminalOutput,
	"terminal_output":   KindTerminalOutput,
	"output":            KindTerminalOutput,
	"log":               KindTerminalOutput,
	"attack-status":     KindAttackStatus,
	"attack_status":     KindAttackStatus,
	"scenario-status":   KindScenarioStatus,
	"scenario_status":   KindScenarioStatus,
	"scenario-started":  KindScenarioStarted,
	"scenario_started":  KindScenarioStarted,
	"execution-history": KindExecutionHistory,
	"execution_history": KindExecutionHistory,
	"port-status":       KindPortStatus,
	"port_status":       KindPortStatus,
	"authenticated":     KindAuthenticated,
	"error":             KindError,
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// KindOf maps a wire type onto its Kind
func KindOf(typ string) Kind {
	if k, ok := kindAliases[typ]; ok {
		return k
	}
	return KindUnknown
}

// Message is a decoded inbound frame
type Message struct {
	Kind Kind
	// Type is the type field exactly as received
	Type       string
	ScenarioID string
	TabID      string
	AttackID   string
	Status     string
	Error      string
	Raw        string
}

// Get looks up an arbitrary field of the original payload
func (m Message) Get(path string) gjson.Result {
	return gjson.Get(m.Raw, path)
}

// IDs returns the distinct correlating ids in the order scenario, tab, attack
func (m Message) IDs() []string {
	ids := make([]string, 0, 3)
	seen := make(map[string]bool, 3)
	for _, id := range []string{m.ScenarioID, m.TabID, m.AttackID} {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

// ParseError reports a frame that could not be decoded
type ParseError struct {
	Raw string
	Err error
}

func (e *ParseError) Error() string {
	raw := e.Raw
	if len(raw) > 120 {
		raw = raw[:120] + "..."
	}
	return fmt.Sprintf("%v: %q", e.Err, raw)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Decode validates a text frame and normalizes it into a Message
func Decode(raw []byte) (Message, error) {
	if !gjson.ValidBytes(raw) {
		return Message{}, &ParseError{Raw: string(raw), Err: gzerrors.ErrInvalidMessage}
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return Message{}, &ParseError{Raw: string(raw), Err: gzerrors.ErrInvalidMessage}
	}

	typ := root.Get("type")
	if typ.Type != gjson.String || typ.Str == "" {
		return Message{}, &ParseError{Raw: string(raw), Err: gzerrors.ErrMissingType}
	}

	msg := Message{
		Kind:       KindOf(typ.Str),
		Type:       typ.Str,
		ScenarioID: field(root, "scenarioId", "data.scenarioId"),
		TabID:      field(root, "tabId", "data.tabId"),
		AttackID:   field(root, "attackId", "terminalId", "data.attackId", "data.terminalId"),
		Status:     field(root, "status", "data.status"),
		Error:      field(root, "error", "data.error"),
		Raw:        root.Raw,
	}
	return msg, nil
}

// field returns the first path holding a scalar, rendered as a string.
// Numeric ids are accepted since some producers send tab indexes as numbers.
func field(root gjson.Result, paths ...string) string {
	for _, p := range paths {
		v := root.Get(p)
		switch v.Type {
		case gjson.String:
			if v.Str != "" {
				return v.Str
			}
		case gjson.Number:
			return v.Raw
		}
	}
	return ""
}
