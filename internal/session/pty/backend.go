package pty

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"

	"go.uber.org/zap"

	"github.com/crewd/crewd/internal/common/config"
	"github.com/crewd/crewd/internal/common/logger"
)

var (
	// ErrSpawn indicates the child process could not be started.
	ErrSpawn = errors.New("failed to spawn process")
	// ErrSessionClosed indicates an operation on a killed or exited process.
	ErrSessionClosed = errors.New("session closed")
	// ErrInvalidDimensions indicates terminal dimensions outside the allowed range.
	ErrInvalidDimensions = errors.New("invalid terminal dimensions")
	// ErrTooManyListeners indicates the per-process listener cap was reached.
	ErrTooManyListeners = errors.New("too many listeners")
)

// SpawnRequest describes a process to run inside a fresh PTY.
type SpawnRequest struct {
	Command []string
	Dir     string
	Env     map[string]string
	Cols    int
	Rows    int
}

// Backend spawns and tracks processes attached to pseudo-terminals.
type Backend struct {
	cfg    config.SessionConfig
	logger *logger.Logger
}

// NewBackend creates a PTY backend with dimension and listener limits
// taken from the session config.
func NewBackend(cfg config.SessionConfig, log *logger.Logger) *Backend {
	return &Backend{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "pty_backend")),
	}
}

// Spawn starts the requested command in a new PTY and returns the
// running process. Defaults for dimensions come from config when the
// request leaves them zero.
func (b *Backend) Spawn(req SpawnRequest) (*Process, error) {
	if len(req.Command) == 0 {
		return nil, fmt.Errorf("%w: empty command", ErrSpawn)
	}

	cols := req.Cols
	rows := req.Rows
	if cols == 0 {
		cols = b.cfg.DefaultCols
	}
	if rows == 0 {
		rows = b.cfg.DefaultRows
	}
	if err := b.validateDimensions(cols, rows); err != nil {
		return nil, err
	}

	cmd := exec.Command(req.Command[0], req.Command[1:]...)
	cmd.Dir = req.Dir
	cmd.Env = mergeEnv(os.Environ(), req.Env)

	ptmx, err := startPTYWithSize(cmd, cols, rows)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	p := newProcess(cmd, ptmx, b.cfg, b.logger)
	p.start()

	b.logger.Info("spawned pty process",
		zap.Int("pid", p.Pid()),
		zap.String("command", req.Command[0]),
		zap.Int("cols", cols),
		zap.Int("rows", rows),
	)
	return p, nil
}

// ChildAlive reports whether the OS still tracks pid. The check goes to
// the kernel each time; no liveness state is cached.
func (b *Backend) ChildAlive(pid int) bool {
	return processAlive(pid)
}

func (b *Backend) validateDimensions(cols, rows int) error {
	if cols < 1 || rows < 1 || cols > b.cfg.MaxCols || rows > b.cfg.MaxRows {
		return fmt.Errorf("%w: %dx%d (max %dx%d)",
			ErrInvalidDimensions, cols, rows, b.cfg.MaxCols, b.cfg.MaxRows)
	}
	return nil
}

// mergeEnv overlays extra on base, keeping the result deterministic for tests.
func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(base)+len(extra))
	out = append(out, base...)
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return out
}
