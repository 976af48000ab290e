package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/crewd/crewd/internal/common/logger"
)

var _ Adapter = (*ClaudeCode)(nil)

var claudeCodeExitPatterns = []*regexp.Regexp{
	regexp.MustCompile(`Agent powering down`),
	regexp.MustCompile(`(?i)claude(\s+code)? (session )?(exited|ended|terminated)`),
	regexp.MustCompile(`Goodbye!`),
}

// ClaudeCode drives the claude CLI inside a session PTY.
type ClaudeCode struct {
	deps   Deps
	logger *logger.Logger
}

func NewClaudeCode(deps Deps) *ClaudeCode {
	return &ClaudeCode{
		deps:   deps,
		logger: deps.Logger.WithFields(zap.String("runtime", string(KindClaudeCode))),
	}
}

func (a *ClaudeCode) Kind() Kind          { return KindClaudeCode }
func (a *ClaudeCode) DisplayName() string { return "Claude Code" }
func (a *ClaudeCode) Binary() string      { return "claude" }

func (a *ClaudeCode) InitCommands(cwd, resumeID string, flags []string) []string {
	parts := []string{"claude"}
	parts = append(parts, flags...)
	if resumeID != "" {
		parts = append(parts, "--resume", resumeID)
	}
	// Permission flag stays last so caller flags cannot displace it.
	parts = append(parts, "--permission-mode", "acceptEdits")

	return []string{
		"cd " + shellQuote(cwd),
		strings.Join(parts, " "),
	}
}

func (a *ClaudeCode) ReadyPatterns() []string {
	return []string{
		"Welcome to Claude",
		"claude-code>",
		"Ready to assist",
	}
}

func (a *ClaudeCode) ErrorPatterns() []string {
	return []string{
		"claude: command not found",
		"Invalid API key",
		"Error: unknown option",
		"npm ERR!",
	}
}

func (a *ClaudeCode) ExitPatterns() []*regexp.Regexp {
	return claudeCodeExitPatterns
}

// Detect types "/" into the session; the claude TUI opens a slash
// command palette, so the pane must change.
func (a *ClaudeCode) Detect(ctx context.Context, sessionName string) (bool, error) {
	settle := a.deps.Config.DetectProbe()
	return probePaneDelta(ctx, a.deps.Commands, sessionName, "/", settle)
}

// PostInitialize materializes .mcp.json in the project so the runtime
// sees the crewd MCP endpoint. Existing user fields are preserved.
func (a *ClaudeCode) PostInitialize(sessionName, projectCwd string) error {
	path := filepath.Join(projectCwd, ".mcp.json")

	doc := map[string]interface{}{}
	if raw, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("parse existing %s: %w", path, err)
		}
	}

	servers, _ := doc["mcpServers"].(map[string]interface{})
	if servers == nil {
		servers = map[string]interface{}{}
	}
	servers["crewd"] = map[string]interface{}{
		"command": "crewd",
		"args":    []string{"mcp", "serve"},
		"env": map[string]string{
			"CREWD_SESSION_NAME": sessionName,
		},
	}
	doc["mcpServers"] = servers

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", tmp, err)
	}

	a.logger.Debug("wrote mcp configuration",
		zap.String("session", sessionName),
		zap.String("path", path),
	)
	return nil
}

// DetectResumableID finds the newest conversation file the claude CLI
// stored for this project under ~/.claude/projects/<encoded-cwd>/.
func (a *ClaudeCode) DetectResumableID(projectCwd string) (string, error) {
	dir := filepath.Join(a.deps.homeDir(), ".claude", "projects", encodeProjectPath(projectCwd))
	id := newestFileStem(dir, ".jsonl")
	if id != "" {
		a.logger.Debug("found resumable conversation",
			zap.String("cwd", projectCwd),
			zap.String("conversation_id", id),
		)
	}
	return id, nil
}
