package scheduler

import "time"

// CheckStatus is the lifecycle state of a scheduled check.
type CheckStatus string

const (
	CheckPending   CheckStatus = "pending"
	CheckFired     CheckStatus = "fired"
	CheckCancelled CheckStatus = "cancelled"
)

// Check is one scheduled check-in: a message delivered to a target
// session at a wall-clock deadline, optionally recurring.
type Check struct {
	ID          string      `json:"id"`
	Target      string      `json:"target"`
	FireAt      time.Time   `json:"fireAt"`
	Message     string      `json:"message"`
	Recurring   bool        `json:"recurring"`
	IntervalSec int         `json:"intervalSec,omitempty"`
	Status      CheckStatus `json:"status"`
}

func (c *Check) interval() time.Duration {
	return time.Duration(c.IntervalSec) * time.Second
}

// stateFile is the persisted scheduler state. The whole pending set is
// rewritten atomically on every mutation.
type stateFile struct {
	Version int     `json:"version"`
	Checks  []Check `json:"checks"`
}

const stateVersion = 1
