package registry

import "time"

// Status is the lifecycle state of a session.
type Status string

const (
	StatusStarting Status = "starting"
	StatusReady    Status = "ready"
	StatusActive   Status = "active"
	StatusIdle     Status = "idle"
	StatusInactive Status = "inactive"
	StatusExiting  Status = "exiting"
)

// Session is a named, long-lived PTY with a runtime attached.
// The registry owns the entity; consumers receive copies and refer
// to sessions by name, never by pointer.
type Session struct {
	Name               string    `json:"name"`
	Cwd                string    `json:"cwd"`
	Pid                int       `json:"pid"`
	RuntimeKind        string    `json:"runtime_kind"`
	Role               string    `json:"role"`
	TeamID             string    `json:"team_id,omitempty"`
	MemberID           string    `json:"member_id,omitempty"`
	ResumableSessionID string    `json:"resumable_session_id,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	Status             Status    `json:"status"`
	Cols               int       `json:"cols"`
	Rows               int       `json:"rows"`
}
