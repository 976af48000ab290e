// Package supervisor owns the session lifecycle: create with runtime
// initialization, restart-on-exit decisions, and kill escalation.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/crewd/crewd/internal/common/config"
	"github.com/crewd/crewd/internal/common/logger"
	"github.com/crewd/crewd/internal/events"
	"github.com/crewd/crewd/internal/events/bus"
	"github.com/crewd/crewd/internal/session/activity"
	"github.com/crewd/crewd/internal/session/command"
	"github.com/crewd/crewd/internal/session/monitor"
	"github.com/crewd/crewd/internal/session/pty"
	"github.com/crewd/crewd/internal/session/registry"
	"github.com/crewd/crewd/internal/session/runtime"
)

var (
	// ErrReadyTimeout indicates the runtime never confirmed readiness.
	ErrReadyTimeout = errors.New("session readiness timeout")
	// ErrStartupFailed indicates a fatal error pattern during init.
	ErrStartupFailed = errors.New("runtime startup failed")
	// ErrInvalidName indicates a session name outside [A-Za-z0-9_-]+.
	ErrInvalidName = errors.New("invalid session name")
)

var sessionNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// SessionOptions is the input to CreateSession.
type SessionOptions struct {
	Name         string
	Cwd          string
	RuntimeKind  runtime.Kind
	Role         string
	TeamID       string
	MemberID     string
	Shell        string
	Env          map[string]string
	Cols         int
	Rows         int
	RuntimeFlags []string
}

// TaskStatus mirrors the external task registry's states.
type TaskStatus string

const (
	TaskOpen     TaskStatus = "open"
	TaskAssigned TaskStatus = "assigned"
	TaskActive   TaskStatus = "active"
	TaskBlocked  TaskStatus = "blocked"
	TaskDone     TaskStatus = "done"
	TaskFailed   TaskStatus = "failed"
)

// Task is the slice of the external task model the supervisor reads.
type Task struct {
	ID               string
	Title            string
	AssignedMemberID string
	Status           TaskStatus
	TaskFilePath     string
}

// TaskRegistry is the external task source consulted on runtime exit.
type TaskRegistry interface {
	TasksForMember(ctx context.Context, memberID string) ([]Task, error)
}

// Gateway is the outward notification surface (chat, Slack, UI). It is
// resolved lazily because gateways themselves depend on session
// services; the late-bound setter breaks that cycle.
type Gateway interface {
	NotifySessionEvent(ctx context.Context, sessionName, eventType, detail string) error
}

// Supervisor coordinates backend, registry, monitor, activity tracker
// and runtime adapters for every session.
type Supervisor struct {
	cfg      config.SessionConfig
	backend  *pty.Backend
	registry *registry.Registry
	commands *command.Helper
	monitor  *monitor.Monitor
	activity *activity.Tracker
	bus      bus.EventBus
	logger   *logger.Logger
	tasks    TaskRegistry

	adapterDeps runtime.Deps

	mu      sync.Mutex
	options map[string]SessionOptions
	gateway Gateway
}

// NewSupervisor wires the supervisor and installs itself as the
// monitor's exit callback.
func NewSupervisor(
	cfg config.SessionConfig,
	backend *pty.Backend,
	reg *registry.Registry,
	cmds *command.Helper,
	mon *monitor.Monitor,
	tracker *activity.Tracker,
	eventBus bus.EventBus,
	tasks TaskRegistry,
	log *logger.Logger,
) *Supervisor {
	s := &Supervisor{
		cfg:      cfg,
		backend:  backend,
		registry: reg,
		commands: cmds,
		monitor:  mon,
		activity: tracker,
		bus:      eventBus,
		logger:   log.WithFields(zap.String("component", "session_supervisor")),
		tasks:    tasks,
		options:  make(map[string]SessionOptions),
		adapterDeps: runtime.Deps{
			Commands: cmds,
			Config:   cfg,
			Logger:   log,
		},
	}
	mon.SetExitCallback(s.HandleRuntimeExit)
	return s
}

// SetGateway late-binds the outward gateway after full initialization.
func (s *Supervisor) SetGateway(gw Gateway) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gateway = gw
}

// Gateway returns the late-bound gateway, nil before SetGateway.
func (s *Supervisor) Gateway() Gateway {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gateway
}

// SetAdapterHome overrides the home directory adapters use for
// conversation discovery. Intended for tests.
func (s *Supervisor) SetAdapterHome(home string) {
	s.adapterDeps.Home = home
}

// CreateSession spawns a shell in a fresh PTY, boots the runtime in it
// and waits for readiness. On any failure after spawn the PTY is torn
// down before the error is returned.
func (s *Supervisor) CreateSession(ctx context.Context, opts SessionOptions) (registry.Session, error) {
	if !sessionNamePattern.MatchString(opts.Name) {
		return registry.Session{}, fmt.Errorf("%w: %q", ErrInvalidName, opts.Name)
	}
	if s.registry.Exists(opts.Name) {
		// Checked before spawn so a duplicate never costs a PTY.
		return registry.Session{}, fmt.Errorf("%w: %s", registry.ErrSessionExists, opts.Name)
	}

	adapter, err := runtime.For(opts.RuntimeKind, s.adapterDeps)
	if err != nil {
		return registry.Session{}, err
	}
	if err := runtime.CheckInstalled(ctx, adapter, s.cfg); err != nil {
		// The caller may retry with KindShell to get a bare session.
		return registry.Session{}, err
	}

	s.applyDefaults(&opts)

	proc, err := s.backend.Spawn(pty.SpawnRequest{
		Command: []string{opts.Shell},
		Dir:     opts.Cwd,
		Env:     opts.Env,
		Cols:    opts.Cols,
		Rows:    opts.Rows,
	})
	if err != nil {
		s.publishStatus(opts.Name, registry.StatusInactive, "spawn_failed", err.Error())
		return registry.Session{}, err
	}

	sess := registry.Session{
		Name:        opts.Name,
		Cwd:         opts.Cwd,
		Pid:         proc.Pid(),
		RuntimeKind: string(opts.RuntimeKind),
		Role:        opts.Role,
		TeamID:      opts.TeamID,
		MemberID:    opts.MemberID,
		CreatedAt:   time.Now(),
		Status:      registry.StatusStarting,
		Cols:        opts.Cols,
		Rows:        opts.Rows,
	}
	if err := s.registry.Register(sess, proc); err != nil {
		_ = proc.Kill()
		return registry.Session{}, err
	}

	s.mu.Lock()
	s.options[opts.Name] = opts
	s.mu.Unlock()

	s.publishCreated(sess)

	// Activity source one: PTY byte arrival.
	name := opts.Name
	if _, err := proc.OnData(func([]byte) { s.activity.RecordPtyActivity(name) }); err != nil {
		s.teardownFailed(opts.Name, proc)
		return registry.Session{}, err
	}

	resumeID, err := adapter.DetectResumableID(opts.Cwd)
	if err != nil {
		s.logger.Debug("resumable id discovery failed",
			zap.String("session", opts.Name),
			zap.Error(err),
		)
		resumeID = ""
	}
	if resumeID != "" {
		_ = s.registry.SetResumableID(opts.Name, resumeID)
		sess.ResumableSessionID = resumeID
	}

	if err := s.bootRuntime(ctx, proc, adapter, opts, resumeID); err != nil {
		reason := events.ReasonReadinessTimeout
		if !errors.Is(err, ErrReadyTimeout) {
			reason = "startup_failed"
		}
		s.publishStatus(opts.Name, registry.StatusInactive, reason, err.Error())
		s.teardownFailed(opts.Name, proc)
		return registry.Session{}, err
	}

	_ = s.registry.UpdateStatus(opts.Name, registry.StatusReady)
	sess.Status = registry.StatusReady

	if err := s.monitor.StartMonitoring(sess, adapter.ExitPatterns()); err != nil {
		s.teardownFailed(opts.Name, proc)
		return registry.Session{}, err
	}
	s.activity.RecordPtyActivity(opts.Name)

	if err := adapter.PostInitialize(opts.Name, opts.Cwd); err != nil {
		// Post-init side effects are non-fatal.
		s.logger.Warn("post-initialize failed",
			zap.String("session", opts.Name),
			zap.Error(err),
		)
	}

	s.publishReady(opts.Name)
	s.logger.Info("session created",
		zap.String("name", opts.Name),
		zap.String("runtime", string(opts.RuntimeKind)),
		zap.Int("pid", sess.Pid),
	)
	return sess, nil
}

// KillSession tears a session down with signal escalation and removes
// it from the registry.
func (s *Supervisor) KillSession(ctx context.Context, name string) error {
	proc, err := s.registry.Process(name)
	if err != nil {
		return err
	}

	_ = s.registry.UpdateStatus(name, registry.StatusExiting)
	s.monitor.StopMonitoring(name)

	s.escalateKill(ctx, proc)

	_ = s.registry.Remove(name)
	s.activity.Remove(name)
	s.mu.Lock()
	delete(s.options, name)
	s.mu.Unlock()

	s.publishStatus(name, registry.StatusInactive, events.ReasonKilled, "")
	s.logger.Info("session killed", zap.String("name", name))
	return nil
}

// HandleRuntimeExit is the monitor's exit callback. The orchestrator
// session is never auto-restarted; members with live tasks are.
func (s *Supervisor) HandleRuntimeExit(info monitor.ExitInfo) {
	log := s.logger.WithFields(zap.String("session", info.Name))
	log.Info("handling runtime exit", zap.String("runtime", info.RuntimeKind))

	if info.Name == s.cfg.OrchestratorName {
		s.markInactive(info.Name, events.ReasonRuntimeExited, "")
		return
	}

	if s.shouldRestart(info) {
		if err := s.restart(info.Name); err != nil {
			log.Error("restart failed, falling back to inactive", zap.Error(err))
			s.markInactive(info.Name, events.ReasonRuntimeExited, err.Error())
			return
		}
		log.Info("session restarted after runtime exit")
		return
	}

	s.markInactive(info.Name, events.ReasonRuntimeExited, "")
}

// Shutdown stops all monitors and kills every session in parallel with
// the escalation sequence.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.monitor.StopAll()

	sessions := s.registry.List()
	g, gctx := errgroup.WithContext(ctx)
	for _, sess := range sessions {
		name := sess.Name
		g.Go(func() error {
			if err := s.KillSession(gctx, name); err != nil && !errors.Is(err, registry.ErrSessionNotFound) {
				return fmt.Errorf("kill %s: %w", name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (s *Supervisor) applyDefaults(opts *SessionOptions) {
	if opts.Shell == "" {
		opts.Shell = s.cfg.Shell
	}
	if opts.Cols == 0 {
		opts.Cols = s.cfg.DefaultCols
	}
	if opts.Rows == 0 {
		opts.Rows = s.cfg.DefaultRows
	}
	if opts.Cwd == "" {
		opts.Cwd = "/"
	}
}

// bootRuntime sends the adapter's init script and waits for a ready
// pattern, failing fast on a fatal error pattern.
func (s *Supervisor) bootRuntime(
	ctx context.Context,
	proc *pty.Process,
	adapter runtime.Adapter,
	opts SessionOptions,
	resumeID string,
) error {
	var mu sync.Mutex
	var seen strings.Builder
	unsub, err := proc.OnData(func(data []byte) {
		mu.Lock()
		seen.Write(data)
		mu.Unlock()
	})
	if err != nil {
		return err
	}
	defer unsub()

	for _, line := range adapter.InitCommands(opts.Cwd, resumeID, opts.RuntimeFlags) {
		if err := s.commands.SendMessage(opts.Name, line); err != nil {
			return fmt.Errorf("send init command: %w", err)
		}
	}

	deadline := time.NewTimer(s.cfg.ReadyTimeout())
	defer deadline.Stop()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("%w: %s after %s", ErrReadyTimeout, opts.Name, s.cfg.ReadyTimeout())
		case <-ticker.C:
			mu.Lock()
			output := seen.String()
			mu.Unlock()
			// The pane catches output that raced the data listener.
			if pane, err := s.registry.CaptureTail(opts.Name, 0); err == nil {
				output += "\n" + pane
			}

			for _, p := range adapter.ErrorPatterns() {
				if strings.Contains(output, p) {
					return fmt.Errorf("%w: matched %q", ErrStartupFailed, p)
				}
			}
			for _, p := range adapter.ReadyPatterns() {
				if strings.Contains(output, p) {
					return nil
				}
			}
		}
	}
}

// escalateKill sends SIGTERM, waits out the escalation delay, then
// SIGKILLs both the pid and the process group. ESRCH at any step is
// benign, the process was already gone.
func (s *Supervisor) escalateKill(ctx context.Context, proc *pty.Process) {
	_ = proc.Signal(syscall.SIGTERM)

	select {
	case <-proc.Done():
		return
	case <-ctx.Done():
	case <-time.After(s.cfg.ForceKillDelay()):
	}

	_ = proc.Signal(syscall.SIGKILL)
	_ = proc.SignalGroup(syscall.SIGKILL)

	select {
	case <-proc.Done():
	case <-time.After(5 * time.Second):
		s.logger.Warn("process did not reap after SIGKILL", zap.Int("pid", proc.Pid()))
	}
}

// shouldRestart consults the external task registry: a member with at
// least one assigned, active or blocked task comes back up.
func (s *Supervisor) shouldRestart(info monitor.ExitInfo) bool {
	if s.tasks == nil || info.MemberID == "" {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tasks, err := s.tasks.TasksForMember(ctx, info.MemberID)
	if err != nil {
		s.logger.Warn("task registry lookup failed",
			zap.String("member_id", info.MemberID),
			zap.Error(err),
		)
		return false
	}

	for _, task := range tasks {
		switch task.Status {
		case TaskAssigned, TaskActive, TaskBlocked:
			return true
		}
	}
	return false
}

// restart recreates the session under its original options. The old
// PTY is escalation-killed first; the create flow then republishes
// created and ready events.
func (s *Supervisor) restart(name string) error {
	s.mu.Lock()
	opts, ok := s.options[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no stored options for %s", name)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ReadyTimeout()+30*time.Second)
	defer cancel()

	if proc, err := s.registry.Process(name); err == nil {
		s.monitor.StopMonitoring(name)
		s.escalateKill(ctx, proc)
		_ = s.registry.Remove(name)
	}

	if _, err := s.CreateSession(ctx, opts); err != nil {
		return err
	}
	s.publishStatus(name, registry.StatusReady, events.ReasonRestarted, "")
	s.notifyGateway(name, "session_restarted", "")
	return nil
}

// markInactive is the no-restart exit path. The registry entry stays
// with status Inactive; the PTY shell, if still alive, is killed.
func (s *Supervisor) markInactive(name, reason, errDetail string) {
	s.monitor.StopMonitoring(name)
	if proc, err := s.registry.Process(name); err == nil && proc.Alive() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ForceKillDelay()+10*time.Second)
		s.escalateKill(ctx, proc)
		cancel()
	}
	_ = s.registry.UpdateStatus(name, registry.StatusInactive)
	s.publishStatus(name, registry.StatusInactive, reason, errDetail)
	s.notifyGateway(name, "session_inactive", reason)
}

func (s *Supervisor) teardownFailed(name string, proc *pty.Process) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ForceKillDelay()+10*time.Second)
	defer cancel()
	s.monitor.StopMonitoring(name)
	s.escalateKill(ctx, proc)
	_ = s.registry.Remove(name)
	s.activity.Remove(name)
	s.mu.Lock()
	delete(s.options, name)
	s.mu.Unlock()
}

func (s *Supervisor) publishCreated(sess registry.Session) {
	event := bus.NewEvent("session_created", "supervisor", map[string]interface{}{
		"name":    sess.Name,
		"role":    sess.Role,
		"team_id": sess.TeamID,
	})
	if err := s.bus.Publish(context.Background(), events.SessionCreated, event); err != nil {
		s.logger.Warn("failed to publish session.created", zap.Error(err))
	}
}

func (s *Supervisor) publishReady(name string) {
	event := bus.NewEvent("session_ready", "supervisor", map[string]interface{}{
		"name": name,
	})
	if err := s.bus.Publish(context.Background(), events.SessionReady, event); err != nil {
		s.logger.Warn("failed to publish session.ready", zap.Error(err))
	}
}

func (s *Supervisor) publishStatus(name string, status registry.Status, reason, errDetail string) {
	data := map[string]interface{}{
		"name":   name,
		"status": string(status),
		"reason": reason,
	}
	if errDetail != "" {
		data["error"] = errDetail
	}
	event := bus.NewEvent("session_status", "supervisor", data)
	if err := s.bus.Publish(context.Background(), events.SessionStatus, event); err != nil {
		s.logger.Warn("failed to publish session.status", zap.Error(err))
	}
}

func (s *Supervisor) notifyGateway(name, eventType, detail string) {
	gw := s.Gateway()
	if gw == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := gw.NotifySessionEvent(ctx, name, eventType, detail); err != nil {
		s.logger.Debug("gateway notification failed",
			zap.String("session", name),
			zap.Error(err),
		)
	}
}
