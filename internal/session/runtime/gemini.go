package runtime

import (
	"context"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/crewd/crewd/internal/common/logger"
)

var _ Adapter = (*GeminiCLI)(nil)

var geminiExitPatterns = []*regexp.Regexp{
	regexp.MustCompile(`Agent powering down`),
	regexp.MustCompile(`(?i)gemini (session )?(exited|ended)`),
	regexp.MustCompile(`Quitting\.\.\.`),
}

// GeminiCLI drives the gemini CLI inside a session PTY.
type GeminiCLI struct {
	deps   Deps
	logger *logger.Logger
}

func NewGeminiCLI(deps Deps) *GeminiCLI {
	return &GeminiCLI{
		deps:   deps,
		logger: deps.Logger.WithFields(zap.String("runtime", string(KindGeminiCLI))),
	}
}

func (a *GeminiCLI) Kind() Kind          { return KindGeminiCLI }
func (a *GeminiCLI) DisplayName() string { return "Gemini CLI" }
func (a *GeminiCLI) Binary() string      { return "gemini" }

func (a *GeminiCLI) InitCommands(cwd, resumeID string, flags []string) []string {
	parts := []string{"gemini"}
	parts = append(parts, flags...)
	if resumeID != "" {
		parts = append(parts, "--resume", resumeID)
	}
	parts = append(parts, "--approval-mode", "auto_edit")

	return []string{
		"cd " + shellQuote(cwd),
		strings.Join(parts, " "),
	}
}

func (a *GeminiCLI) ReadyPatterns() []string {
	return []string{
		"Gemini CLI",
		"gemini>",
		"Type your message",
	}
}

func (a *GeminiCLI) ErrorPatterns() []string {
	return []string{
		"gemini: command not found",
		"API key not valid",
		"FetchError",
	}
}

func (a *GeminiCLI) ExitPatterns() []*regexp.Regexp {
	return geminiExitPatterns
}

// Detect types "/" into the session; the gemini TUI opens a command
// suggestion list, so the pane must change.
func (a *GeminiCLI) Detect(ctx context.Context, sessionName string) (bool, error) {
	settle := a.deps.Config.DetectProbe()
	return probePaneDelta(ctx, a.deps.Commands, sessionName, "/", settle)
}

func (a *GeminiCLI) PostInitialize(sessionName, projectCwd string) error {
	return nil
}

// DetectResumableID finds the newest chat file the gemini CLI stored
// for this project under ~/.gemini/tmp/<encoded-cwd>/chats/.
func (a *GeminiCLI) DetectResumableID(projectCwd string) (string, error) {
	dir := filepath.Join(a.deps.homeDir(), ".gemini", "tmp", encodeProjectPath(projectCwd), "chats")
	return newestFileStem(dir, ".json"), nil
}
