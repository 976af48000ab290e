package runtime

import (
	"context"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/crewd/crewd/internal/common/logger"
)

var _ Adapter = (*Codex)(nil)

var codexExitPatterns = []*regexp.Regexp{
	regexp.MustCompile(`Agent powering down`),
	regexp.MustCompile(`(?i)codex (session )?(exited|ended)`),
	regexp.MustCompile(`Token usage:`),
}

// Codex drives the codex CLI inside a session PTY.
type Codex struct {
	deps   Deps
	logger *logger.Logger
}

func NewCodex(deps Deps) *Codex {
	return &Codex{
		deps:   deps,
		logger: deps.Logger.WithFields(zap.String("runtime", string(KindCodex))),
	}
}

func (a *Codex) Kind() Kind          { return KindCodex }
func (a *Codex) DisplayName() string { return "Codex" }
func (a *Codex) Binary() string      { return "codex" }

func (a *Codex) InitCommands(cwd, resumeID string, flags []string) []string {
	parts := []string{"codex"}
	if resumeID != "" {
		parts = append(parts, "resume", resumeID)
	}
	parts = append(parts, flags...)
	parts = append(parts, "--ask-for-approval", "on-failure")

	return []string{
		"cd " + shellQuote(cwd),
		strings.Join(parts, " "),
	}
}

func (a *Codex) ReadyPatterns() []string {
	return []string{
		"OpenAI Codex",
		"codex>",
		"Ctrl+C to exit",
	}
}

func (a *Codex) ErrorPatterns() []string {
	return []string{
		"codex: command not found",
		"Unauthorized",
		"error: unexpected argument",
	}
}

func (a *Codex) ExitPatterns() []*regexp.Regexp {
	return codexExitPatterns
}

// Detect types "/" into the session; the codex TUI opens a slash
// command popup, so the pane must change.
func (a *Codex) Detect(ctx context.Context, sessionName string) (bool, error) {
	settle := a.deps.Config.DetectProbe()
	return probePaneDelta(ctx, a.deps.Commands, sessionName, "/", settle)
}

func (a *Codex) PostInitialize(sessionName, projectCwd string) error {
	return nil
}

// DetectResumableID finds the newest rollout file under
// ~/.codex/sessions. Codex keys sessions globally, not per project,
// so the project path only gates whether discovery runs at all.
func (a *Codex) DetectResumableID(projectCwd string) (string, error) {
	if projectCwd == "" {
		return "", nil
	}
	dir := filepath.Join(a.deps.homeDir(), ".codex", "sessions")
	stem := newestFileStem(dir, ".jsonl")
	// rollout-2026-01-02T15-04-05-<uuid>.jsonl
	if uuid := rolloutUUIDPattern.FindString(stem); uuid != "" {
		return uuid, nil
	}
	return stem, nil
}

var rolloutUUIDPattern = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
