// Package monitor watches session output for runtime exits. Detection
// runs off the rolling buffer with a startup grace window, a debounce
// re-check and a per-session confirmation latch, plus a process
// liveness poll for runtimes that die without printing anything.
package monitor

import (
	"context"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crewd/crewd/internal/common/config"
	"github.com/crewd/crewd/internal/common/logger"
	"github.com/crewd/crewd/internal/events"
	"github.com/crewd/crewd/internal/events/bus"
	"github.com/crewd/crewd/internal/session/registry"
)

// ExitInfo describes the session whose runtime exit was confirmed.
type ExitInfo struct {
	Name        string
	RuntimeKind string
	Role        string
	TeamID      string
	MemberID    string
}

// ExitCallback is invoked once per confirmed exit.
type ExitCallback func(info ExitInfo)

// MemoryService receives a best-effort snapshot of the dying session.
type MemoryService interface {
	SnapshotExit(ctx context.Context, sessionName, role, tail string) error
}

// Monitor owns one watch per monitored session.
type Monitor struct {
	cfg      config.MonitorConfig
	sessCfg  config.SessionConfig
	registry *registry.Registry
	bus      bus.EventBus
	logger   *logger.Logger

	onExit ExitCallback
	memory MemoryService

	mu      sync.Mutex
	watches map[string]*watch
}

type watch struct {
	info         ExitInfo
	exitPatterns []*regexp.Regexp
	buf          *rollingBuffer
	startedAt    time.Time
	alive        func() bool
	unsubData    func()
	stopCh       chan struct{}
	stopOnce     sync.Once

	mu         sync.Mutex
	latched    bool
	confirming bool
}

// NewMonitor creates an output monitor publishing on eventBus.
func NewMonitor(
	cfg config.MonitorConfig,
	sessCfg config.SessionConfig,
	reg *registry.Registry,
	eventBus bus.EventBus,
	log *logger.Logger,
) *Monitor {
	return &Monitor{
		cfg:      cfg,
		sessCfg:  sessCfg,
		registry: reg,
		bus:      eventBus,
		logger:   log.WithFields(zap.String("component", "output_monitor")),
		watches:  make(map[string]*watch),
	}
}

// SetExitCallback installs the supervisor's exit handler.
func (m *Monitor) SetExitCallback(cb ExitCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExit = cb
}

// SetMemoryService installs the optional snapshot sink.
func (m *Monitor) SetMemoryService(ms MemoryService) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.memory = ms
}

// StartMonitoring begins exit detection for the session. Calling it
// again for the same name cancels the previous subscription first, so
// exactly one subscription exists at rest. Restarts go through here,
// which also clears the confirmation latch.
func (m *Monitor) StartMonitoring(sess registry.Session, exitPatterns []*regexp.Regexp) error {
	proc, err := m.registry.Process(sess.Name)
	if err != nil {
		return err
	}

	m.stop(sess.Name)

	w := &watch{
		info: ExitInfo{
			Name:        sess.Name,
			RuntimeKind: sess.RuntimeKind,
			Role:        sess.Role,
			TeamID:      sess.TeamID,
			MemberID:    sess.MemberID,
		},
		exitPatterns: exitPatterns,
		buf:          newRollingBuffer(m.cfg.BufferMaxBytes),
		startedAt:    time.Now(),
		alive:        proc.Alive,
		stopCh:       make(chan struct{}),
	}

	unsub, err := proc.OnData(func(data []byte) {
		m.handleData(w, data)
	})
	if err != nil {
		return err
	}
	w.unsubData = unsub

	m.mu.Lock()
	m.watches[sess.Name] = w
	m.mu.Unlock()

	go m.pollLiveness(w)

	m.logger.Debug("monitoring started",
		zap.String("session", sess.Name),
		zap.Int("exit_patterns", len(exitPatterns)),
	)
	return nil
}

// StopMonitoring cancels the session's watch, if any.
func (m *Monitor) StopMonitoring(name string) {
	m.stop(name)
}

// StopAll cancels every watch. Used by shutdown.
func (m *Monitor) StopAll() {
	m.mu.Lock()
	names := make([]string, 0, len(m.watches))
	for name := range m.watches {
		names = append(names, name)
	}
	m.mu.Unlock()

	for _, name := range names {
		m.stop(name)
	}
}

// BufferContents returns the rolling buffer for introspection.
func (m *Monitor) BufferContents(name string) (string, bool) {
	m.mu.Lock()
	w, ok := m.watches[name]
	m.mu.Unlock()
	if !ok {
		return "", false
	}
	return w.buf.String(), true
}

func (m *Monitor) stop(name string) {
	m.mu.Lock()
	w, ok := m.watches[name]
	if ok {
		delete(m.watches, name)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	w.stopOnce.Do(func() { close(w.stopCh) })
	if w.unsubData != nil {
		w.unsubData()
	}
}

// handleData runs on the PTY listener goroutine; it must not block.
func (m *Monitor) handleData(w *watch, data []byte) {
	w.buf.Append(data)

	if m.sessCfg.MirrorOutput {
		go m.publishOutput(w.info.Name, data)
	}

	if time.Since(w.startedAt) < m.cfg.StartupGrace() {
		return
	}
	if !m.matchesExit(w) {
		return
	}

	w.mu.Lock()
	if w.latched || w.confirming {
		w.mu.Unlock()
		return
	}
	w.confirming = true
	w.mu.Unlock()

	go m.confirm(w)
}

// confirm waits out the debounce and re-checks the buffer. Patterns
// that scroll off during normal output no longer match and the match
// is dropped.
func (m *Monitor) confirm(w *watch) {
	select {
	case <-w.stopCh:
		return
	case <-time.After(m.cfg.ConfirmDelay()):
	}

	stillMatches := m.matchesExit(w)

	w.mu.Lock()
	w.confirming = false
	w.mu.Unlock()

	if stillMatches {
		m.confirmExit(w)
	}
}

// pollLiveness waits out its own grace window, then checks the child
// at a fixed interval. A dead child also confirms exit.
func (m *Monitor) pollLiveness(w *watch) {
	select {
	case <-w.stopCh:
		return
	case <-time.After(m.cfg.ProcessPollGrace()):
	}

	ticker := time.NewTicker(m.cfg.ProcessPollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			if !w.alive() {
				m.confirmExit(w)
				return
			}
		}
	}
}

// confirmExit fires the exit sequence exactly once per watch.
func (m *Monitor) confirmExit(w *watch) {
	w.mu.Lock()
	if w.latched {
		w.mu.Unlock()
		return
	}
	w.latched = true
	w.mu.Unlock()

	m.logger.Info("runtime exit confirmed",
		zap.String("session", w.info.Name),
		zap.String("runtime", w.info.RuntimeKind),
	)

	// Tail captured before the supervisor tears the session down.
	tail, _ := m.registry.CaptureTail(w.info.Name, 100)

	m.mu.Lock()
	onExit := m.onExit
	memory := m.memory
	m.mu.Unlock()

	// The status event goes out before the restart callback so bus
	// consumers never see the replacement's session.created ahead of
	// the old incarnation's exit notice.
	m.publishExit(w.info)

	if onExit != nil {
		onExit(w.info)
	}

	if memory != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := memory.SnapshotExit(ctx, w.info.Name, w.info.Role, tail); err != nil {
			m.logger.Warn("memory snapshot failed",
				zap.String("session", w.info.Name),
				zap.Error(err),
			)
		}
	}
}

func (m *Monitor) matchesExit(w *watch) bool {
	content := w.buf.String()
	for _, re := range w.exitPatterns {
		if re.MatchString(content) {
			return true
		}
	}
	return false
}

// publishExit broadcasts the exit on session.status. The event type
// distinguishes the orchestrator session from team members.
func (m *Monitor) publishExit(info ExitInfo) {
	eventType := "member_runtime_exited"
	if info.Name == m.sessCfg.OrchestratorName {
		eventType = "orchestrator_runtime_exited"
	}

	event := bus.NewEvent(eventType, "output_monitor", map[string]interface{}{
		"name":   info.Name,
		"status": string(registry.StatusExiting),
		"reason": events.ReasonRuntimeExited,
	})
	if err := m.bus.Publish(context.Background(), events.SessionStatus, event); err != nil {
		m.logger.Warn("failed to publish exit event",
			zap.String("session", info.Name),
			zap.Error(err),
		)
	}
}

func (m *Monitor) publishOutput(name string, data []byte) {
	event := bus.NewEvent("session_output", "output_monitor", map[string]interface{}{
		"name":  name,
		"bytes": data,
	})
	if err := m.bus.Publish(context.Background(), events.SessionOutput, event); err != nil {
		m.logger.Debug("failed to mirror output", zap.Error(err))
	}
}
