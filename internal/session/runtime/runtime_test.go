package runtime

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewd/crewd/internal/common/config"
	"github.com/crewd/crewd/internal/common/logger"
)

func testDeps(t *testing.T, home string) Deps {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return Deps{
		Config: config.SessionConfig{DetectProbeMS: 100, ExternalToolMS: 1000},
		Logger: log,
		Home:   home,
	}
}

func TestForKnownKinds(t *testing.T) {
	deps := testDeps(t, "")
	for _, kind := range Kinds() {
		a, err := For(kind, deps)
		require.NoError(t, err, "kind %s", kind)
		assert.Equal(t, kind, a.Kind())
		assert.NotEmpty(t, a.DisplayName())
	}
}

func TestForUnknownKind(t *testing.T) {
	_, err := For(Kind("emacs"), testDeps(t, ""))
	assert.ErrorIs(t, err, ErrUnknownRuntime)
}

func TestClaudeCodeInitCommands(t *testing.T) {
	a := NewClaudeCode(testDeps(t, ""))

	lines := a.InitCommands("/tmp/proj", "", nil)
	require.Len(t, lines, 2)
	assert.Equal(t, "cd '/tmp/proj'", lines[0])
	assert.Contains(t, lines[1], "claude")
	assert.Contains(t, lines[1], "--permission-mode acceptEdits")
	assert.NotContains(t, lines[1], "--resume")
}

func TestClaudeCodeInitCommandsResumeAndFlags(t *testing.T) {
	a := NewClaudeCode(testDeps(t, ""))

	lines := a.InitCommands("/tmp/proj", "conv-42", []string{"--model", "opus"})
	cmd := lines[1]
	assert.Contains(t, cmd, "--resume conv-42")
	assert.Contains(t, cmd, "--model opus")

	// Caller flags come before the permission flag and never after it.
	assert.Less(t,
		strings.Index(cmd, "--model"),
		strings.Index(cmd, "--permission-mode"),
	)
	assert.True(t, strings.HasSuffix(cmd, "--permission-mode acceptEdits"))
}

func TestInitCommandsQuoteCwd(t *testing.T) {
	a := NewGeminiCLI(testDeps(t, ""))
	lines := a.InitCommands("/tmp/my proj", "", nil)
	assert.Equal(t, "cd '/tmp/my proj'", lines[0])
}

func TestReadyPatternsMatchBanners(t *testing.T) {
	tests := []struct {
		adapter Adapter
		banner  string
	}{
		{NewClaudeCode(testDeps(t, "")), "* Welcome to Claude Code v2.1"},
		{NewClaudeCode(testDeps(t, "")), "claude-code> "},
		{NewGeminiCLI(testDeps(t, "")), "Gemini CLI (v0.9) ready"},
		{NewCodex(testDeps(t, "")), "OpenAI Codex (research preview)"},
		{NewAmp(testDeps(t, "")), "Amp - New thread started"},
	}
	for _, tt := range tests {
		matched := false
		for _, p := range tt.adapter.ReadyPatterns() {
			if strings.Contains(tt.banner, p) {
				matched = true
				break
			}
		}
		assert.True(t, matched, "%s should match %q", tt.adapter.Kind(), tt.banner)
	}
}

func TestExitPatternsMatchPowerDown(t *testing.T) {
	for _, a := range []Adapter{
		NewClaudeCode(testDeps(t, "")),
		NewGeminiCLI(testDeps(t, "")),
		NewCodex(testDeps(t, "")),
		NewAmp(testDeps(t, "")),
	} {
		matched := false
		for _, re := range a.ExitPatterns() {
			if re.MatchString("...\nAgent powering down\n") {
				matched = true
				break
			}
		}
		assert.True(t, matched, "%s exit corpus must include the power-down line", a.Kind())
	}
}

func TestExitPatternsIgnoreNormalOutput(t *testing.T) {
	a := NewClaudeCode(testDeps(t, ""))
	for _, re := range a.ExitPatterns() {
		assert.False(t, re.MatchString("I updated the agent powering logic in power.go"),
			"pattern %s matched normal output", re)
	}
}

func TestClaudeCodeDetectResumableID(t *testing.T) {
	home := t.TempDir()
	projDir := filepath.Join(home, ".claude", "projects", encodeProjectPath("/tmp/proj"))
	require.NoError(t, os.MkdirAll(projDir, 0o755))

	older := filepath.Join(projDir, "conv-old.jsonl")
	newer := filepath.Join(projDir, "conv-new.jsonl")
	require.NoError(t, os.WriteFile(older, []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(newer, []byte("{}"), 0o644))
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(older, past, past))

	a := NewClaudeCode(testDeps(t, home))
	id, err := a.DetectResumableID("/tmp/proj")
	require.NoError(t, err)
	assert.Equal(t, "conv-new", id)
}

func TestDetectResumableIDMissingDir(t *testing.T) {
	a := NewClaudeCode(testDeps(t, t.TempDir()))
	id, err := a.DetectResumableID("/tmp/never-seen")
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestCodexDetectResumableIDExtractsUUID(t *testing.T) {
	home := t.TempDir()
	dir := filepath.Join(home, ".codex", "sessions", "2026", "08", "24")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	name := "rollout-2026-08-24T10-00-00-0199a213-81e0-7800-8aa1-52e81577d4fc.jsonl"
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0o644))

	a := NewCodex(testDeps(t, home))
	id, err := a.DetectResumableID("/tmp/proj")
	require.NoError(t, err)
	assert.Equal(t, "0199a213-81e0-7800-8aa1-52e81577d4fc", id)
}

func TestClaudeCodePostInitializePreservesUserFields(t *testing.T) {
	proj := t.TempDir()
	existing := map[string]interface{}{
		"mcpServers": map[string]interface{}{
			"user-server": map[string]interface{}{"command": "my-tool"},
		},
		"customSetting": true,
	}
	raw, err := json.Marshal(existing)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(proj, ".mcp.json"), raw, 0o644))

	a := NewClaudeCode(testDeps(t, t.TempDir()))
	require.NoError(t, a.PostInitialize("dev-1", proj))

	out, err := os.ReadFile(filepath.Join(proj, ".mcp.json"))
	require.NoError(t, err)
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(out, &doc))

	assert.Equal(t, true, doc["customSetting"])
	servers := doc["mcpServers"].(map[string]interface{})
	assert.Contains(t, servers, "user-server")
	assert.Contains(t, servers, "crewd")
}

func TestClaudeCodePostInitializeFreshProject(t *testing.T) {
	proj := t.TempDir()
	a := NewClaudeCode(testDeps(t, t.TempDir()))
	require.NoError(t, a.PostInitialize("dev-1", proj))

	out, err := os.ReadFile(filepath.Join(proj, ".mcp.json"))
	require.NoError(t, err)
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(out, &doc))
	servers := doc["mcpServers"].(map[string]interface{})
	assert.Contains(t, servers, "crewd")

	crewd := servers["crewd"].(map[string]interface{})
	env := crewd["env"].(map[string]interface{})
	assert.Equal(t, "dev-1", env["CREWD_SESSION_NAME"])
}

func TestAmpInitCommandsResumeByThread(t *testing.T) {
	a := NewAmp(testDeps(t, ""))

	lines := a.InitCommands("/tmp/proj", "", nil)
	require.Len(t, lines, 2)
	assert.Equal(t, "cd '/tmp/proj'", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "amp "))
	assert.NotContains(t, lines[1], "threads continue")

	lines = a.InitCommands("/tmp/proj", "T-123", nil)
	assert.Contains(t, lines[1], "amp threads continue T-123")
}

func TestAmpDetectResumableID(t *testing.T) {
	home := t.TempDir()
	dir := filepath.Join(home, ".amp", "threads")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	older := filepath.Join(dir, "T-old.json")
	newer := filepath.Join(dir, "T-new.json")
	require.NoError(t, os.WriteFile(older, []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(newer, []byte("{}"), 0o644))
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(older, past, past))

	a := NewAmp(testDeps(t, home))
	id, err := a.DetectResumableID("/tmp/proj")
	require.NoError(t, err)
	assert.Equal(t, "T-new", id)
}

func TestEncodeProjectPath(t *testing.T) {
	assert.Equal(t, "-tmp-proj", encodeProjectPath("/tmp/proj"))
	assert.Equal(t, "-home-user-my-app", encodeProjectPath("/home/user/my.app"))
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, "'/tmp/p'", shellQuote("/tmp/p"))
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
}
