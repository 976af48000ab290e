// Package events provides event subjects and payload types for the crewd event system.
package events

// Event subjects for agent sessions
const (
	SessionCreated   = "session.created"
	SessionReady     = "session.ready"
	SessionStatus    = "session.status"
	SessionOutput    = "session.output"
	SessionHeartbeat = "session.heartbeat"
)

// Event subjects for the check-in scheduler
const (
	CheckScheduled = "scheduler.check.scheduled"
	CheckFired     = "scheduler.check.fired"
	CheckCancelled = "scheduler.check.cancelled"
)

// Event subjects for requests forwarded from in-session MCP tools
const (
	SessionActivity   = "session.activity"
	CheckRequested    = "scheduler.check.requested"
	TaskStatusChanged = "task.status_changed"
)

// Event subjects for the resource watchdog
const (
	WatchdogAlert = "watchdog.alert"
)

// Event subjects for the checkpoint store
const (
	CheckpointSaved = "checkpoint.saved"
)

// Status-change reasons carried on session.status events.
const (
	ReasonRuntimeExited    = "runtime_exited"
	ReasonKilled           = "killed"
	ReasonReadinessTimeout = "readiness_timeout"
	ReasonRestarted        = "restarted"
)

// SessionCreatedData is the payload of session.created events.
type SessionCreatedData struct {
	Name   string `json:"name"`
	Role   string `json:"role"`
	TeamID string `json:"team_id,omitempty"`
}

// SessionReadyData is the payload of session.ready events.
type SessionReadyData struct {
	Name string `json:"name"`
}

// SessionStatusData is the payload of session.status events.
type SessionStatusData struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Reason string `json:"reason"`
	Error  string `json:"error,omitempty"`
}

// SessionOutputData is the payload of session.output events when output
// mirroring is enabled.
type SessionOutputData struct {
	Name  string `json:"name"`
	Bytes []byte `json:"bytes"`
}

// CheckFiredData is the payload of scheduler.check.fired events.
type CheckFiredData struct {
	CheckID   string `json:"check_id"`
	Target    string `json:"target"`
	Message   string `json:"message"`
	Recurring bool   `json:"recurring"`
}

// SessionActivityData is the payload of session.activity events, an
// explicit self-report from the runtime inside a session.
type SessionActivityData struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// CheckRequestedData is the payload of scheduler.check.requested
// events. The daemon turns these into one-shot scheduled checks.
type CheckRequestedData struct {
	Target  string `json:"target"`
	Message string `json:"message"`
	Minutes int    `json:"minutes"`
}

// TaskStatusChangedData is the payload of task.status_changed events.
type TaskStatusChangedData struct {
	TaskID    string `json:"task_id"`
	Status    string `json:"status"`
	ChangedBy string `json:"changed_by"`
}

// WatchdogAlertData is the payload of watchdog.alert events.
type WatchdogAlertData struct {
	Key      string  `json:"key"`
	Severity string  `json:"severity"`
	Message  string  `json:"message"`
	Value    float64 `json:"value"`
	TS       string  `json:"ts"`
}
