//go:build !windows

package command

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewd/crewd/internal/common/config"
	"github.com/crewd/crewd/internal/common/logger"
	"github.com/crewd/crewd/internal/session/pty"
	"github.com/crewd/crewd/internal/session/registry"
)

func testHelper(t *testing.T) (*Helper, *registry.Registry, *pty.Backend) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	sessCfg := config.SessionConfig{
		DefaultCols:      80,
		DefaultRows:      24,
		MaxCols:          500,
		MaxRows:          300,
		MaxDataListeners: 16,
		MaxExitListeners: 16,
		SendCRDelayMS:    100,
		SettleDelayMS:    50,
	}
	reg := registry.NewRegistry(log)
	backend := pty.NewBackend(sessCfg, log)
	return NewHelper(reg, sessCfg, log), reg, backend
}

func startShell(t *testing.T, reg *registry.Registry, backend *pty.Backend, name, script string) {
	t.Helper()
	proc, err := backend.Spawn(pty.SpawnRequest{Command: []string{"/bin/sh", "-c", script}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = proc.Kill() })
	require.NoError(t, reg.Register(registry.Session{
		Name:      name,
		Pid:       proc.Pid(),
		CreatedAt: time.Now(),
		Status:    registry.StatusReady,
		Cols:      80,
		Rows:      24,
	}, proc))
}

func TestSendMessageDeliversTextThenCR(t *testing.T) {
	h, reg, backend := testHelper(t)
	// read completes only once the CR arrives, so the echoed reply
	// proves the text and the CR both landed, in order.
	startShell(t, reg, backend, "dev-1", "read line; echo got-$line; sleep 2")

	start := time.Now()
	require.NoError(t, h.SendMessage("dev-1", "hello"))
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	require.Eventually(t, func() bool {
		tail, err := reg.CaptureTail("dev-1", 100)
		return err == nil && strings.Contains(tail, "got-hello")
	}, 5*time.Second, 20*time.Millisecond)
}

func TestSendMessageUnknownSession(t *testing.T) {
	h, _, _ := testHelper(t)
	err := h.SendMessage("ghost", "hello")
	assert.ErrorIs(t, err, registry.ErrSessionNotFound)
}

func TestSendMessageLongText(t *testing.T) {
	h, reg, backend := testHelper(t)
	startShell(t, reg, backend, "dev-1", "read line; echo len-done; sleep 2")

	long := strings.Repeat("x", 2000)
	require.NoError(t, h.SendMessage("dev-1", long))

	require.Eventually(t, func() bool {
		tail, _ := reg.CaptureTail("dev-1", 100)
		return strings.Contains(tail, "len-done")
	}, 5*time.Second, 20*time.Millisecond)
}

func TestSendKeyKnownSequences(t *testing.T) {
	tests := []struct {
		key  string
		want []byte
	}{
		{"Enter", []byte{'\r'}},
		{"Escape", []byte{0x1b}},
		{"C-c", []byte{0x03}},
		{"C-u", []byte{0x15}},
		{"Tab", []byte{'\t'}},
		{"Up", []byte("\x1b[A")},
		{"Down", []byte("\x1b[B")},
		{"Left", []byte("\x1b[D")},
		{"Right", []byte("\x1b[C")},
		{"PageUp", []byte("\x1b[5~")},
		{"PageDown", []byte("\x1b[6~")},
	}
	for _, tt := range tests {
		seq, ok := keySequences[tt.key]
		require.True(t, ok, "missing key %s", tt.key)
		assert.Equal(t, tt.want, seq, "key %s", tt.key)
	}
}

func TestSendKeyLiteralFallback(t *testing.T) {
	h, reg, backend := testHelper(t)
	startShell(t, reg, backend, "dev-1", "read line; echo got-$line; sleep 2")

	require.NoError(t, h.SendKey("dev-1", "abc"))
	require.NoError(t, h.SendKey("dev-1", "Enter"))

	require.Eventually(t, func() bool {
		tail, _ := reg.CaptureTail("dev-1", 100)
		return strings.Contains(tail, "got-abc")
	}, 5*time.Second, 20*time.Millisecond)
}

func TestClearCommandLine(t *testing.T) {
	h, reg, backend := testHelper(t)
	startShell(t, reg, backend, "dev-1", "read line; echo got-$line; sleep 2")

	proc, err := reg.Process("dev-1")
	require.NoError(t, err)
	require.NoError(t, proc.Write([]byte("partial-input")))

	start := time.Now()
	require.NoError(t, h.ClearCommandLine("dev-1"))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestSetEnvEscaping(t *testing.T) {
	assert.Equal(t, `plain`, escapeEnvValue(`plain`))
	assert.Equal(t, `say \"hi\"`, escapeEnvValue(`say "hi"`))
	assert.Equal(t, `back\\slash`, escapeEnvValue(`back\slash`))
	assert.Equal(t, `\\\"`, escapeEnvValue(`\"`))
}

func TestSetEnvRejectsBadKey(t *testing.T) {
	h, _, _ := testHelper(t)
	assert.ErrorIs(t, h.SetEnv("dev-1", "1BAD", "v"), ErrInvalidKeyName)
	assert.ErrorIs(t, h.SetEnv("dev-1", "BAD-NAME", "v"), ErrInvalidKeyName)
	assert.ErrorIs(t, h.SetEnv("dev-1", "", "v"), ErrInvalidKeyName)
}

func TestSetEnvExportsVariable(t *testing.T) {
	h, reg, backend := testHelper(t)
	// An interactive shell so the export and the echo run in sequence.
	startShell(t, reg, backend, "dev-1", "/bin/sh")

	require.NoError(t, h.SetEnv("dev-1", "CREWD_PROBE", "wired"))
	require.NoError(t, h.SendMessage("dev-1", "echo value-$CREWD_PROBE"))

	require.Eventually(t, func() bool {
		tail, _ := reg.CaptureTail("dev-1", 100)
		return strings.Contains(tail, "value-wired")
	}, 5*time.Second, 20*time.Millisecond)
}

func TestCapturePaneDefaultLines(t *testing.T) {
	h, reg, backend := testHelper(t)
	startShell(t, reg, backend, "dev-1", "echo visible; sleep 5")

	require.Eventually(t, func() bool {
		pane, err := h.CapturePane("dev-1", 0)
		return err == nil && strings.Contains(pane, "visible")
	}, 5*time.Second, 20*time.Millisecond)
}
