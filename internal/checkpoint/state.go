package checkpoint

import "time"

// stateSchemaVersion is checked on load. Mismatches are rejected loudly
// and the loader falls back to backups; implicit migration is out of
// scope.
const stateSchemaVersion = 1

// Task statuses the resume logic cares about.
const (
	TaskInProgress = "in_progress"
	TaskPaused     = "paused"
)

// Message is one entry of a conversation snapshot.
type Message struct {
	Sender  string    `json:"sender"`
	Content string    `json:"content"`
	SentAt  time.Time `json:"sentAt"`
}

// ConversationSnapshot is the retained slice of one conversation.
// Messages beyond the configured cap are dropped oldest-first.
type ConversationSnapshot struct {
	ID             string    `json:"id"`
	Source         string    `json:"source"`
	RecentMessages []Message `json:"recentMessages"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

// TaskState is the checkpointed view of a task.
type TaskState struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Status     string    `json:"status"`
	Progress   int       `json:"progress"`
	AssignedTo string    `json:"assignedTo,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// AgentState is the checkpointed view of an agent session.
type AgentState struct {
	Name      string    `json:"name"`
	Role      string    `json:"role"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ProjectState is the checkpointed view of a project.
type ProjectState struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SelfImprovement records an improvement cycle in flight across a
// restart.
type SelfImprovement struct {
	Description string    `json:"description"`
	Phase       string    `json:"phase"`
	StartedAt   time.Time `json:"startedAt"`
}

// Metadata identifies the process that wrote the checkpoint.
type Metadata struct {
	Hostname     string    `json:"hostname"`
	PID          int       `json:"pid"`
	StartedAt    time.Time `json:"startedAt"`
	UptimeSec    int64     `json:"uptimeSec"`
	RestartCount int       `json:"restartCount"`
}

// State is a complete snapshot of the orchestrator's in-memory state.
// Every written file carries the whole thing, never a delta.
type State struct {
	ID               string                 `json:"id"`
	Version          int                    `json:"version"`
	CheckpointedAt   time.Time              `json:"checkpointedAt"`
	CheckpointReason string                 `json:"checkpointReason"`
	Conversations    []ConversationSnapshot `json:"conversations"`
	Tasks            []TaskState            `json:"tasks"`
	Agents           []AgentState           `json:"agents"`
	Projects         []ProjectState         `json:"projects"`
	SelfImprovement  *SelfImprovement       `json:"selfImprovement,omitempty"`
	Metadata         Metadata               `json:"metadata"`
}

// Notification is a resume-time message for the orchestrator.
type Notification struct {
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// ResumeInstructions tells a freshly restarted orchestrator what to
// pick back up.
type ResumeInstructions struct {
	TasksToResume         []TaskState            `json:"tasksToResume"`
	ConversationsToResume []ConversationSnapshot `json:"conversationsToResume"`
	Notifications         []Notification         `json:"notifications"`
}

// clone deep-copies the state so saves never race mutators.
func (s *State) clone() State {
	out := *s
	out.Conversations = make([]ConversationSnapshot, len(s.Conversations))
	for i, c := range s.Conversations {
		cc := c
		cc.RecentMessages = append([]Message(nil), c.RecentMessages...)
		out.Conversations[i] = cc
	}
	out.Tasks = append([]TaskState(nil), s.Tasks...)
	out.Agents = append([]AgentState(nil), s.Agents...)
	out.Projects = append([]ProjectState(nil), s.Projects...)
	if s.SelfImprovement != nil {
		si := *s.SelfImprovement
		out.SelfImprovement = &si
	}
	return out
}
