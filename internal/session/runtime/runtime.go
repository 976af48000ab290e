// Package runtime defines the adapter strategy for the in-PTY agent
// CLIs. Each adapter owns its init command lines and its pattern
// corpora; the core never hard-codes runtime-specific strings.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"

	"github.com/crewd/crewd/internal/common/config"
	"github.com/crewd/crewd/internal/common/logger"
	"github.com/crewd/crewd/internal/session/command"
)

// Kind identifies a supported runtime.
type Kind string

const (
	KindClaudeCode Kind = "claude-code"
	KindGeminiCLI  Kind = "gemini-cli"
	KindCodex      Kind = "codex"
	KindAmp        Kind = "amp"
	// KindShell is a bare shell session with no agent runtime attached.
	KindShell Kind = "shell"
)

var (
	// ErrUnknownRuntime indicates an unrecognized runtime kind.
	ErrUnknownRuntime = errors.New("unknown runtime kind")
	// ErrToolAbsent indicates the runtime binary is not on PATH.
	ErrToolAbsent = errors.New("runtime binary not found")
)

// Adapter is the fixed strategy surface each runtime implements.
// Adapters hold no global state; they receive their collaborators
// through Deps.
type Adapter interface {
	Kind() Kind
	DisplayName() string
	// Binary is the executable name probed for presence on PATH.
	Binary() string

	// InitCommands yields the shell lines that start the runtime in cwd.
	// A non-empty resumeID splices the runtime's resume flag; extra
	// flags are spliced before the permission flag.
	InitCommands(cwd, resumeID string, flags []string) []string

	// ReadyPatterns are substrings confirming initialization when seen
	// in session output within the ready timeout.
	ReadyPatterns() []string
	// ErrorPatterns are substrings indicating a fatal startup error.
	ErrorPatterns() []string
	// ExitPatterns are matched against the rolling buffer to detect
	// runtime exit.
	ExitPatterns() []*regexp.Regexp

	// Detect probes whether the configured runtime is truly the one in
	// the PTY by typing a character and comparing pane deltas.
	Detect(ctx context.Context, sessionName string) (bool, error)

	// PostInitialize runs side effects after readiness, e.g.
	// materializing configuration files in the project directory.
	PostInitialize(sessionName, projectCwd string) error

	// DetectResumableID discovers an externally stored conversation id
	// for the project, best effort. Empty id with nil error means none.
	DetectResumableID(projectCwd string) (string, error)
}

// Deps are the collaborators every adapter receives.
type Deps struct {
	Commands *command.Helper
	Config   config.SessionConfig
	Logger   *logger.Logger
	// Home overrides the user home directory for conversation
	// discovery. Empty means the real home.
	Home string
}

func (d Deps) homeDir() string {
	if d.Home != "" {
		return d.Home
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

// For returns the adapter for the given kind.
func For(kind Kind, deps Deps) (Adapter, error) {
	switch kind {
	case KindClaudeCode:
		return NewClaudeCode(deps), nil
	case KindGeminiCLI:
		return NewGeminiCLI(deps), nil
	case KindCodex:
		return NewCodex(deps), nil
	case KindAmp:
		return NewAmp(deps), nil
	case KindShell:
		return NewShell(deps), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownRuntime, kind)
	}
}

// Kinds lists every supported runtime kind.
func Kinds() []Kind {
	return []Kind{KindClaudeCode, KindGeminiCLI, KindCodex, KindAmp, KindShell}
}

// CheckInstalled probes PATH for the adapter's binary with a bounded
// external call. Shell sessions always pass.
func CheckInstalled(ctx context.Context, a Adapter, cfg config.SessionConfig) error {
	if a.Binary() == "" {
		return nil
	}
	probeCtx, cancel := context.WithTimeout(ctx, cfg.ExternalToolTimeout())
	defer cancel()
	if err := exec.CommandContext(probeCtx, "which", a.Binary()).Run(); err != nil {
		return fmt.Errorf("%w: %s", ErrToolAbsent, a.Binary())
	}
	return nil
}

// shellQuote single-quotes s for POSIX shells.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
