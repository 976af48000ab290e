// Package command provides the keystroke-level interface to sessions:
// message delivery, named keys, line editing and environment setup.
package command

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/crewd/crewd/internal/common/config"
	"github.com/crewd/crewd/internal/common/logger"
	"github.com/crewd/crewd/internal/session/registry"
)

// ErrInvalidKeyName indicates an environment variable name that is not
// a valid POSIX identifier.
var ErrInvalidKeyName = errors.New("invalid environment variable name")

var envKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// keySequences maps named keys to the byte sequences written to the PTY.
// Unknown keys fall through to a literal write.
var keySequences = map[string][]byte{
	"Enter":    {'\r'},
	"Escape":   {0x1b},
	"C-c":      {0x03},
	"C-u":      {0x15},
	"Tab":      {'\t'},
	"PageUp":   []byte("\x1b[5~"),
	"PageDown": []byte("\x1b[6~"),
	"Up":       []byte("\x1b[A"),
	"Down":     []byte("\x1b[B"),
	"Right":    []byte("\x1b[C"),
	"Left":     []byte("\x1b[D"),
}

// Helper performs terminal input operations against registered sessions.
type Helper struct {
	registry *registry.Registry
	cfg      config.SessionConfig
	logger   *logger.Logger
}

// NewHelper creates a command helper bound to the registry.
func NewHelper(reg *registry.Registry, cfg config.SessionConfig, log *logger.Logger) *Helper {
	return &Helper{
		registry: reg,
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "command_helper")),
	}
}

// SendMessage writes text without a trailing newline, waits the
// configured delay, then writes a single CR. Two-phase because some
// runtime REPLs coalesce a same-frame CR with the text and treat the
// message as incomplete.
func (h *Helper) SendMessage(name, text string) error {
	proc, err := h.registry.Process(name)
	if err != nil {
		return err
	}
	if err := proc.Write([]byte(text)); err != nil {
		return fmt.Errorf("write message to %s: %w", name, err)
	}
	time.Sleep(h.cfg.SendCRDelay())
	if err := proc.Write([]byte{'\r'}); err != nil {
		return fmt.Errorf("write CR to %s: %w", name, err)
	}

	h.logger.Debug("message sent",
		zap.String("session", name),
		zap.Int("bytes", len(text)),
	)
	return nil
}

// SendKey writes the byte sequence for a named key, or the literal
// string when the key is not in the map.
func (h *Helper) SendKey(name, key string) error {
	proc, err := h.registry.Process(name)
	if err != nil {
		return err
	}
	seq, ok := keySequences[key]
	if !ok {
		seq = []byte(key)
	}
	if err := proc.Write(seq); err != nil {
		return fmt.Errorf("write key %q to %s: %w", key, name, err)
	}
	return nil
}

// ClearCommandLine aborts a partially typed input: interrupt, kill the
// line, then let the runtime settle.
func (h *Helper) ClearCommandLine(name string) error {
	if err := h.SendKey(name, "C-c"); err != nil {
		return err
	}
	if err := h.SendKey(name, "C-u"); err != nil {
		return err
	}
	time.Sleep(h.cfg.SettleDelay())
	return nil
}

// CapturePane returns up to the last lines of the session's visible
// terminal. Zero lines means the default of 100.
func (h *Helper) CapturePane(name string, lines int) (string, error) {
	if lines <= 0 {
		lines = 100
	}
	return h.registry.CaptureTail(name, lines)
}

// SetEnv exports an environment variable in the session's shell using
// POSIX double-quoting. Inner quotes and backslashes are escaped.
func (h *Helper) SetEnv(name, key, value string) error {
	if !envKeyPattern.MatchString(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKeyName, key)
	}
	line := fmt.Sprintf(`export %s="%s"`, key, escapeEnvValue(value))
	return h.SendMessage(name, line)
}

// escapeEnvValue escapes backslashes and double quotes for inclusion
// inside a POSIX double-quoted string. Backslash first so the quote
// escapes are not doubled.
func escapeEnvValue(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `"`, `\"`)
	return v
}
