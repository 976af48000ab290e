package runtime

import (
	"context"
	"regexp"
)

var _ Adapter = (*Shell)(nil)

// Shell is the degenerate adapter for sessions with no agent runtime.
// It lets callers keep a plain shell session when the requested runtime
// binary is absent.
type Shell struct {
	deps Deps
}

func NewShell(deps Deps) *Shell {
	return &Shell{deps: deps}
}

func (a *Shell) Kind() Kind          { return KindShell }
func (a *Shell) DisplayName() string { return "Shell" }

// Binary is empty: the session's own shell is the runtime.
func (a *Shell) Binary() string { return "" }

func (a *Shell) InitCommands(cwd, resumeID string, flags []string) []string {
	return []string{"cd " + shellQuote(cwd)}
}

func (a *Shell) ReadyPatterns() []string {
	return []string{"$", "#"}
}

func (a *Shell) ErrorPatterns() []string { return nil }

// ExitPatterns is empty: a shell prints no exit banner, so only the
// liveness poll detects its death.
func (a *Shell) ExitPatterns() []*regexp.Regexp { return nil }

func (a *Shell) Detect(ctx context.Context, sessionName string) (bool, error) {
	return true, nil
}

func (a *Shell) PostInitialize(sessionName, projectCwd string) error { return nil }

func (a *Shell) DetectResumableID(projectCwd string) (string, error) { return "", nil }
