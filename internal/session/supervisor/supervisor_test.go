//go:build !windows

package supervisor

import (
	"context"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

type fakeTasks struct {
	mu    sync.Mutex
	tasks map[string][]Task
}

func (f *fakeTasks) TasksForMember(ctx context.Context, memberID string) ([]Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tasks[memberID], nil
}

type fakeGateway struct {
	mu     sync.Mutex
	events []string
}

func (g *fakeGateway) NotifySessionEvent(ctx context.Context, name, eventType, detail string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.events = append(g.events, name+":"+eventType)
	return nil
}

func (g *fakeGateway) seen() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.events...)
}

type statusRecorder struct {
	mu     sync.Mutex
	events []*bus.Event
}

func (r *statusRecorder) handle(ctx context.Context, e *bus.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *statusRecorder) matching(status, reason string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Data["status"] == status && e.Data["reason"] == reason {
			n++
		}
	}
	return n
}

type fixture struct {
	sup     *Supervisor
	reg     *registry.Registry
	bus     *bus.MemoryEventBus
	tasks   *fakeTasks
	tracker *activity.Tracker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	sessCfg := config.SessionConfig{
		OrchestratorName: "orchestrator",
		Shell:            "/bin/sh",
		DefaultCols:      80,
		DefaultRows:      24,
		MaxCols:          500,
		MaxRows:          300,
		MaxDataListeners: 16,
		MaxExitListeners: 16,
		SendCRDelayMS:    20,
		ReadyTimeoutS:    10,
		ForceKillS:       1,
		SettleDelayMS:    20,
		DetectProbeMS:    100,
		ExternalToolMS:   2000,
	}
	monCfg := config.MonitorConfig{
		BufferMaxBytes:    16 * 1024,
		StartupGraceMS:    0,
		ConfirmDelayMS:    100,
		ProcessPollMS:     100,
		ProcessPollGraceS: 0,
	}

	reg := registry.NewRegistry(log)
	backend := pty.NewBackend(sessCfg, log)
	cmds := command.NewHelper(reg, sessCfg, log)
	memBus := bus.NewMemoryEventBus(log)
	mon := monitor.NewMonitor(monCfg, sessCfg, reg, memBus, log)
	tracker := activity.NewTracker(config.ActivityConfig{ActiveTTLS: 300, IdleTTLS: 1800}, log)
	tasks := &fakeTasks{tasks: make(map[string][]Task)}

	sup := NewSupervisor(sessCfg, backend, reg, cmds, mon, tracker, memBus, tasks, log)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = sup.Shutdown(ctx)
	})

	return &fixture{sup: sup, reg: reg, bus: memBus, tasks: tasks, tracker: tracker}
}

func shellOptions(name string) SessionOptions {
	return SessionOptions{
		Name:        name,
		Cwd:         "/tmp",
		RuntimeKind: runtime.KindShell,
		Role:        "developer",
		MemberID:    "m-" + name,
	}
}

func TestCreateShellSession(t *testing.T) {
	f := newFixture(t)

	rec := &statusRecorder{}
	_, err := f.bus.Subscribe("session.>", rec.handle)
	require.NoError(t, err)

	sess, err := f.sup.CreateSession(context.Background(), shellOptions("dev-1"))
	require.NoError(t, err)
	assert.Equal(t, registry.StatusReady, sess.Status)
	assert.NotZero(t, sess.Pid)

	got, err := f.reg.Get("dev-1")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusReady, got.Status)
	assert.Equal(t, activity.StatusActive, f.tracker.Status("dev-1"))

	// created precedes ready
	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		var createdIdx, readyIdx = -1, -1
		for i, e := range rec.events {
			switch e.Type {
			case "session_created":
				createdIdx = i
			case "session_ready":
				readyIdx = i
			}
		}
		return createdIdx >= 0 && readyIdx > createdIdx
	}, 5*time.Second, 20*time.Millisecond)
}

func TestCreateInvalidName(t *testing.T) {
	f := newFixture(t)
	_, err := f.sup.CreateSession(context.Background(), shellOptions("bad name!"))
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestCreateDuplicateName(t *testing.T) {
	f := newFixture(t)

	_, err := f.sup.CreateSession(context.Background(), shellOptions("dev-1"))
	require.NoError(t, err)

	_, err = f.sup.CreateSession(context.Background(), shellOptions("dev-1"))
	assert.ErrorIs(t, err, registry.ErrSessionExists)
}

func TestCreateUnknownRuntime(t *testing.T) {
	f := newFixture(t)
	opts := shellOptions("dev-1")
	opts.RuntimeKind = runtime.Kind("vim")
	_, err := f.sup.CreateSession(context.Background(), opts)
	assert.ErrorIs(t, err, runtime.ErrUnknownRuntime)
}

func TestKillSessionRemovesEntry(t *testing.T) {
	f := newFixture(t)

	rec := &statusRecorder{}
	_, err := f.bus.Subscribe(events.SessionStatus, rec.handle)
	require.NoError(t, err)

	sess, err := f.sup.CreateSession(context.Background(), shellOptions("dev-1"))
	require.NoError(t, err)
	pid := sess.Pid

	require.NoError(t, f.sup.KillSession(context.Background(), "dev-1"))

	_, err = f.reg.Get("dev-1")
	assert.ErrorIs(t, err, registry.ErrSessionNotFound)

	require.Eventually(t, func() bool {
		return syscall.Kill(pid, 0) != nil
	}, 10*time.Second, 50*time.Millisecond, "pid must be gone after escalation")

	require.Eventually(t, func() bool {
		return rec.matching("inactive", events.ReasonKilled) == 1
	}, 5*time.Second, 20*time.Millisecond)
}

func TestKillUnknownSession(t *testing.T) {
	f := newFixture(t)
	err := f.sup.KillSession(context.Background(), "ghost")
	assert.ErrorIs(t, err, registry.ErrSessionNotFound)
}

func TestExitWithoutTasksGoesInactive(t *testing.T) {
	f := newFixture(t)

	rec := &statusRecorder{}
	_, err := f.bus.Subscribe(events.SessionStatus, rec.handle)
	require.NoError(t, err)

	gw := &fakeGateway{}
	f.sup.SetGateway(gw)

	sess, err := f.sup.CreateSession(context.Background(), shellOptions("dev-1"))
	require.NoError(t, err)

	proc, err := f.reg.Process("dev-1")
	require.NoError(t, err)
	require.NoError(t, proc.SignalGroup(syscall.SIGKILL))

	require.Eventually(t, func() bool {
		got, err := f.reg.Get("dev-1")
		return err == nil && got.Status == registry.StatusInactive
	}, 10*time.Second, 50*time.Millisecond)

	require.Eventually(t, func() bool {
		return rec.matching("inactive", events.ReasonRuntimeExited) == 1
	}, 5*time.Second, 20*time.Millisecond)

	// The event fires once, even though the liveness poll keeps running.
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, 1, rec.matching("inactive", events.ReasonRuntimeExited))

	assert.Contains(t, gw.seen(), "dev-1:session_inactive")
	_ = sess
}

func TestRestartOnExitWithLiveTask(t *testing.T) {
	f := newFixture(t)

	rec := &statusRecorder{}
	_, err := f.bus.Subscribe(events.SessionStatus, rec.handle)
	require.NoError(t, err)

	f.tasks.mu.Lock()
	f.tasks.tasks["m-dev-1"] = []Task{{ID: "t1", AssignedMemberID: "m-dev-1", Status: TaskActive}}
	f.tasks.mu.Unlock()

	sess, err := f.sup.CreateSession(context.Background(), shellOptions("dev-1"))
	require.NoError(t, err)
	oldPid := sess.Pid

	proc, err := f.reg.Process("dev-1")
	require.NoError(t, err)
	require.NoError(t, proc.SignalGroup(syscall.SIGKILL))

	require.Eventually(t, func() bool {
		got, err := f.reg.Get("dev-1")
		return err == nil && got.Status == registry.StatusReady && got.Pid != oldPid
	}, 15*time.Second, 50*time.Millisecond, "session must come back with a fresh pid")

	require.Eventually(t, func() bool {
		return rec.matching("ready", events.ReasonRestarted) == 1
	}, 5*time.Second, 20*time.Millisecond)

	// Restart supersedes the inactive transition.
	assert.Zero(t, rec.matching("inactive", events.ReasonRuntimeExited))
}

func TestDoneTasksDoNotRestart(t *testing.T) {
	f := newFixture(t)

	f.tasks.mu.Lock()
	f.tasks.tasks["m-dev-1"] = []Task{{ID: "t1", Status: TaskDone}, {ID: "t2", Status: TaskFailed}}
	f.tasks.mu.Unlock()

	sess, err := f.sup.CreateSession(context.Background(), shellOptions("dev-1"))
	require.NoError(t, err)
	_ = sess

	proc, err := f.reg.Process("dev-1")
	require.NoError(t, err)
	require.NoError(t, proc.SignalGroup(syscall.SIGKILL))

	require.Eventually(t, func() bool {
		got, err := f.reg.Get("dev-1")
		return err == nil && got.Status == registry.StatusInactive
	}, 10*time.Second, 50*time.Millisecond)
}

func TestOrchestratorNeverAutoRestarts(t *testing.T) {
	f := newFixture(t)

	opts := shellOptions("orchestrator")
	opts.MemberID = "m-orch"
	f.tasks.mu.Lock()
	f.tasks.tasks["m-orch"] = []Task{{ID: "t1", Status: TaskActive}}
	f.tasks.mu.Unlock()

	_, err := f.sup.CreateSession(context.Background(), opts)
	require.NoError(t, err)

	proc, err := f.reg.Process("orchestrator")
	require.NoError(t, err)
	require.NoError(t, proc.SignalGroup(syscall.SIGKILL))

	require.Eventually(t, func() bool {
		got, err := f.reg.Get("orchestrator")
		return err == nil && got.Status == registry.StatusInactive
	}, 10*time.Second, 50*time.Millisecond, "orchestrator must go inactive, never restart")
}

func TestShutdownKillsAllSessions(t *testing.T) {
	f := newFixture(t)

	for _, name := range []string{"dev-1", "dev-2", "dev-3"} {
		_, err := f.sup.CreateSession(context.Background(), shellOptions(name))
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, f.sup.Shutdown(ctx))

	assert.Empty(t, f.reg.List())
}

func TestGatewayLazyResolution(t *testing.T) {
	f := newFixture(t)

	assert.Nil(t, f.sup.Gateway())

	gw := &fakeGateway{}
	f.sup.SetGateway(gw)
	assert.NotNil(t, f.sup.Gateway())
}

func TestSessionOptionsDefaults(t *testing.T) {
	f := newFixture(t)

	opts := SessionOptions{Name: "dev-1", RuntimeKind: runtime.KindShell, Role: "dev"}
	sess, err := f.sup.CreateSession(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, 80, sess.Cols)
	assert.Equal(t, 24, sess.Rows)
}
