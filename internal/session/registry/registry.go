package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/crewd/crewd/internal/common/logger"
	"github.com/crewd/crewd/internal/session/pty"
)

var (
	// ErrSessionNotFound indicates an unknown session name.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExists indicates a duplicate session name on create.
	ErrSessionExists = errors.New("session already exists")
)

// Registry is the serialized name -> session map. All mutations go
// through its lock; the lock is never held while touching a pane or
// invoking a PTY operation, so registry methods are safe to call from
// PTY listener callbacks.
type Registry struct {
	logger *logger.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	session   Session
	proc      *pty.Process
	pane      *terminalPane
	unsubData func()
}

// NewRegistry creates an empty session registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		logger:  log.WithFields(zap.String("component", "session_registry")),
		entries: make(map[string]*entry),
	}
}

// Register adds a session and its PTY process. The registry attaches a
// terminal pane to the process output for later capture. Duplicate
// names are rejected before any listener is installed.
func (r *Registry) Register(sess Session, proc *pty.Process) error {
	r.mu.Lock()
	if _, ok := r.entries[sess.Name]; ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionExists, sess.Name)
	}

	e := &entry{
		session: sess,
		proc:    proc,
		pane:    newTerminalPane(sess.Cols, sess.Rows),
	}
	r.entries[sess.Name] = e
	r.mu.Unlock()

	pane := e.pane
	unsub, err := proc.OnData(func(data []byte) {
		pane.feed(data)
	})
	if err != nil {
		r.mu.Lock()
		delete(r.entries, sess.Name)
		r.mu.Unlock()
		return fmt.Errorf("attach pane to %s: %w", sess.Name, err)
	}

	r.mu.Lock()
	e.unsubData = unsub
	r.mu.Unlock()

	r.logger.Info("session registered",
		zap.String("name", sess.Name),
		zap.Int("pid", sess.Pid),
		zap.String("runtime", sess.RuntimeKind),
		zap.String("role", sess.Role),
	)
	return nil
}

// Get returns a copy of the named session.
func (r *Registry) Get(name string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, name)
	}
	return e.session, nil
}

// Process returns the PTY process backing the named session.
func (r *Registry) Process(name string) (*pty.Process, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, name)
	}
	return e.proc, nil
}

// Exists reports whether the name is registered.
func (r *Registry) Exists(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[name]
	return ok
}

// List returns copies of all sessions sorted by creation time.
func (r *Registry) List() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Session, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.session)
	}
	sortSessions(out)
	return out
}

// UpdateStatus transitions the named session's lifecycle status.
func (r *Registry) UpdateStatus(name string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, name)
	}
	e.session.Status = status
	return nil
}

// SetResumableID records the runtime-level conversation id.
func (r *Registry) SetResumableID(name, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, name)
	}
	e.session.ResumableSessionID = id
	return nil
}

// Rename moves a session to a new unique name.
func (r *Registry) Rename(oldName, newName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[oldName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, oldName)
	}
	if _, ok := r.entries[newName]; ok {
		return fmt.Errorf("%w: %s", ErrSessionExists, newName)
	}
	delete(r.entries, oldName)
	e.session.Name = newName
	r.entries[newName] = e
	return nil
}

// Remove drops the session and detaches its pane subscription.
// The PTY process itself is the supervisor's to kill.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	e, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, name)
	}
	delete(r.entries, name)
	unsub := e.unsubData
	r.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	r.logger.Info("session removed", zap.String("name", name))
	return nil
}

// CaptureTail returns up to the last n lines of the session's visible
// terminal as one string. It does not consume anything.
func (r *Registry) CaptureTail(name string, n int) (string, error) {
	r.mu.Lock()
	e, ok := r.entries[name]
	r.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSessionNotFound, name)
	}
	return e.pane.captureTail(n), nil
}

// ResizePane keeps the capture pane in step with a PTY resize.
func (r *Registry) ResizePane(name string, cols, rows int) error {
	r.mu.Lock()
	e, ok := r.entries[name]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, name)
	}
	e.pane.resize(cols, rows)

	r.mu.Lock()
	e.session.Cols = cols
	e.session.Rows = rows
	r.mu.Unlock()
	return nil
}

func sortSessions(sessions []Session) {
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].Name < sessions[j].Name
		}
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
}
