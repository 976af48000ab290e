//go:build !windows

package pty

import (
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewd/crewd/internal/common/config"
	"github.com/crewd/crewd/internal/common/logger"
)

func testSessionConfig() config.SessionConfig {
	return config.SessionConfig{
		DefaultCols:      80,
		DefaultRows:      24,
		MaxCols:          500,
		MaxRows:          300,
		MaxDataListeners: 4,
		MaxExitListeners: 4,
	}
}

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return NewBackend(testSessionConfig(), log)
}

func TestSpawnCapturesOutputAndExit(t *testing.T) {
	b := newTestBackend(t)

	p, err := b.Spawn(SpawnRequest{
		Command: []string{"/bin/sh", "-c", "echo crewd-hello"},
	})
	require.NoError(t, err)

	var mu sync.Mutex
	var out strings.Builder
	unsub, err := p.OnData(func(data []byte) {
		mu.Lock()
		out.Write(data)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer unsub()

	exitCh := make(chan int, 1)
	_, err = p.OnExit(func(code int, signal string) {
		exitCh <- code
	})
	require.NoError(t, err)

	select {
	case code := <-exitCh:
		assert.Equal(t, 0, code)
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit in time")
	}

	// Output may race the exit notification by a scheduler tick.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return strings.Contains(out.String(), "crewd-hello")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSpawnEmptyCommand(t *testing.T) {
	b := newTestBackend(t)

	_, err := b.Spawn(SpawnRequest{})
	assert.ErrorIs(t, err, ErrSpawn)
}

func TestSpawnInvalidDimensions(t *testing.T) {
	b := newTestBackend(t)

	_, err := b.Spawn(SpawnRequest{
		Command: []string{"/bin/sh"},
		Cols:    1000,
		Rows:    24,
	})
	assert.ErrorIs(t, err, ErrInvalidDimensions)
}

func TestResizeValidation(t *testing.T) {
	b := newTestBackend(t)

	p, err := b.Spawn(SpawnRequest{Command: []string{"/bin/sh", "-c", "sleep 5"}})
	require.NoError(t, err)
	defer p.Kill()

	assert.ErrorIs(t, p.Resize(0, 10), ErrInvalidDimensions)
	assert.ErrorIs(t, p.Resize(80, 999), ErrInvalidDimensions)
	assert.NoError(t, p.Resize(120, 40))
}

func TestWriteAfterKillFails(t *testing.T) {
	b := newTestBackend(t)

	p, err := b.Spawn(SpawnRequest{Command: []string{"/bin/sh", "-c", "sleep 30"}})
	require.NoError(t, err)

	require.NoError(t, p.Kill())

	err = p.Write([]byte("echo hi\r"))
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.ErrorIs(t, p.Resize(80, 24), ErrSessionClosed)
}

func TestKillClearsListeners(t *testing.T) {
	b := newTestBackend(t)

	p, err := b.Spawn(SpawnRequest{Command: []string{"/bin/sh", "-c", "sleep 30"}})
	require.NoError(t, err)

	_, err = p.OnData(func([]byte) {})
	require.NoError(t, err)

	require.NoError(t, p.Kill())

	p.mu.Lock()
	dataCount := len(p.dataListeners)
	exitCount := len(p.exitListeners)
	p.mu.Unlock()
	assert.Zero(t, dataCount)
	assert.Zero(t, exitCount)

	_, err = p.OnData(func([]byte) {})
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestListenerCap(t *testing.T) {
	b := newTestBackend(t)

	p, err := b.Spawn(SpawnRequest{Command: []string{"/bin/sh", "-c", "sleep 5"}})
	require.NoError(t, err)
	defer p.Kill()

	for i := 0; i < testSessionConfig().MaxDataListeners; i++ {
		_, err := p.OnData(func([]byte) {})
		require.NoError(t, err)
	}
	_, err = p.OnData(func([]byte) {})
	assert.ErrorIs(t, err, ErrTooManyListeners)
}

func TestUnsubscribeFreesSlot(t *testing.T) {
	b := newTestBackend(t)

	p, err := b.Spawn(SpawnRequest{Command: []string{"/bin/sh", "-c", "sleep 5"}})
	require.NoError(t, err)
	defer p.Kill()

	var unsubs []func()
	for i := 0; i < testSessionConfig().MaxDataListeners; i++ {
		unsub, err := p.OnData(func([]byte) {})
		require.NoError(t, err)
		unsubs = append(unsubs, unsub)
	}
	unsubs[0]()

	_, err = p.OnData(func([]byte) {})
	assert.NoError(t, err)
}

func TestOnExitAfterExitFiresImmediately(t *testing.T) {
	b := newTestBackend(t)

	p, err := b.Spawn(SpawnRequest{Command: []string{"/bin/true"}})
	require.NoError(t, err)

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}

	fired := make(chan int, 1)
	_, err = p.OnExit(func(code int, signal string) { fired <- code })
	require.NoError(t, err)

	select {
	case code := <-fired:
		assert.Equal(t, 0, code)
	case <-time.After(time.Second):
		t.Fatal("late exit listener never fired")
	}
}

func TestAliveReflectsKernelState(t *testing.T) {
	b := newTestBackend(t)

	p, err := b.Spawn(SpawnRequest{Command: []string{"/bin/sh", "-c", "sleep 30"}})
	require.NoError(t, err)

	assert.True(t, p.Alive())
	assert.True(t, b.ChildAlive(p.Pid()))

	require.NoError(t, p.Kill())

	// Reaped by wait(), so the pid must be gone.
	require.Eventually(t, func() bool {
		return !p.Alive()
	}, 5*time.Second, 20*time.Millisecond)
}

func TestExitStateRecordsSignal(t *testing.T) {
	b := newTestBackend(t)

	p, err := b.Spawn(SpawnRequest{Command: []string{"/bin/sh", "-c", "sleep 30"}})
	require.NoError(t, err)

	require.NoError(t, p.Signal(syscall.SIGTERM))

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit after SIGTERM")
	}

	code, sig := p.ExitState()
	assert.Equal(t, -1, code)
	assert.Equal(t, "terminated", sig)
}

func TestSpawnAppliesEnv(t *testing.T) {
	b := newTestBackend(t)

	p, err := b.Spawn(SpawnRequest{
		Command: []string{"/bin/sh", "-c", "echo marker-$CREWD_TEST_VAR"},
		Env:     map[string]string{"CREWD_TEST_VAR": "wired"},
	})
	require.NoError(t, err)

	var mu sync.Mutex
	var out strings.Builder
	_, err = p.OnData(func(data []byte) {
		mu.Lock()
		out.Write(data)
		mu.Unlock()
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return strings.Contains(out.String(), "marker-wired")
	}, 5*time.Second, 10*time.Millisecond)
}
