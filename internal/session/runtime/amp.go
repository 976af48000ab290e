package runtime

import (
	"context"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/crewd/crewd/internal/common/logger"
)

var _ Adapter = (*Amp)(nil)

var ampExitPatterns = []*regexp.Regexp{
	regexp.MustCompile(`Agent powering down`),
	regexp.MustCompile(`(?i)amp (thread|session) (closed|ended)`),
	regexp.MustCompile(`Goodbye!`),
}

// Amp drives the Sourcegraph amp CLI inside a session PTY.
type Amp struct {
	deps   Deps
	logger *logger.Logger
}

func NewAmp(deps Deps) *Amp {
	return &Amp{
		deps:   deps,
		logger: deps.Logger.WithFields(zap.String("runtime", string(KindAmp))),
	}
}

func (a *Amp) Kind() Kind          { return KindAmp }
func (a *Amp) DisplayName() string { return "Amp" }
func (a *Amp) Binary() string      { return "amp" }

// InitCommands resumes an existing thread when a resume id is known;
// amp reopens threads by id rather than taking a resume flag.
func (a *Amp) InitCommands(cwd, resumeID string, flags []string) []string {
	parts := []string{"amp"}
	if resumeID != "" {
		parts = append(parts, "threads", "continue", resumeID)
	}
	parts = append(parts, flags...)
	parts = append(parts, "--dangerously-allow-all=false")

	return []string{
		"cd " + shellQuote(cwd),
		strings.Join(parts, " "),
	}
}

func (a *Amp) ReadyPatterns() []string {
	return []string{
		"Amp",
		"amp>",
		"New thread",
	}
}

func (a *Amp) ErrorPatterns() []string {
	return []string{
		"amp: command not found",
		"Not authenticated",
		"Failed to connect",
	}
}

func (a *Amp) ExitPatterns() []*regexp.Regexp {
	return ampExitPatterns
}

// Detect types "/" into the session; the amp TUI opens its command
// palette, so the pane must change.
func (a *Amp) Detect(ctx context.Context, sessionName string) (bool, error) {
	settle := a.deps.Config.DetectProbe()
	return probePaneDelta(ctx, a.deps.Commands, sessionName, "/", settle)
}

func (a *Amp) PostInitialize(sessionName, projectCwd string) error {
	return nil
}

// DetectResumableID finds the newest thread file amp stored for this
// machine under ~/.amp/threads/. Threads are not keyed by project, so
// the newest thread is the best available guess.
func (a *Amp) DetectResumableID(projectCwd string) (string, error) {
	dir := filepath.Join(a.deps.homeDir(), ".amp", "threads")
	return newestFileStem(dir, ".json"), nil
}
