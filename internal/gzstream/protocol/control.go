package protocol

import (
	"time"
)

// Outbound control message types
const (
	TypeAuthenticate            = "authenticate"
	TypeSubscribeScenario       = "subscribe-scenario"
	TypeUnsubscribeScenario     = "unsubscribe-scenario"
	TypeRequestExecutionHistory = "request-execution-history"
	TypeGetScenarioStatus       = "get_scenario_status"
	TypeGetScenarioInfo         = "get_scenario_info"
	TypeCheckPort               = "checkPort"
	TypeStop                    = "stop"
	TypeStopScenario            = "stop-scenario"
)

// Control is an outbound control frame. Unused fields are omitted on the wire.
type Control struct {
	Type       string `json:"type"`
	Token      string `json:"token,omitempty"`
	ScenarioID string `json:"scenarioId,omitempty"`
	TabID      string `json:"tabId,omitempty"`
	Port       int    `json:"port,omitempty"`
	Timestamp  int64  `json:"timestamp,omitempty"`
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func Authenticate(token string) Control {
	return Control{Type: TypeAuthenticate, Token: token}
}

func SubscribeScenario(scenarioID string) Control {
	return Control{Type: TypeSubscribeScenario, ScenarioID: scenarioID}
}

func UnsubscribeScenario(scenarioID string) Control {
	return Control{Type: TypeUnsubscribeScenario, ScenarioID: scenarioID}
}

func RequestExecutionHistory(scenarioID string) Control {
	return Control{Type: TypeRequestExecutionHistory, ScenarioID: scenarioID}
}

func GetScenarioStatus(scenarioID string, at time.Time) Control {
	return Control{Type: TypeGetScenarioStatus, ScenarioID: scenarioID, Timestamp: millis(at)}
}

func GetScenarioInfo(scenarioID string, at time.Time) Control {
	return Control{Type: TypeGetScenarioInfo, ScenarioID: scenarioID, Timestamp: millis(at)}
}

func CheckPort(port int, tabID string) Control {
	return Control{Type: TypeCheckPort, Port: port, TabID: tabID}
}

// Stop asks the backend to kill the process behind tabID
func Stop(tabID, scenarioID string, at time.Time) Control {
	return Control{Type: TypeStop, TabID: tabID, ScenarioID: scenarioID, Timestamp: millis(at)}
}

// StopScenario asks the backend to stop every process of a scenario
func StopScenario(scenarioID string, at time.Time) Control {
	return Control{Type: TypeStopScenario, ScenarioID: scenarioID, Timestamp: millis(at)}
}
