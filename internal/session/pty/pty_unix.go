//go:build !windows

package pty

import (
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
)

// unixPTY wraps a Unix PTY master file descriptor.
type unixPTY struct {
	f *os.File
}

func (p *unixPTY) Read(b []byte) (int, error)  { return p.f.Read(b) }
func (p *unixPTY) Write(b []byte) (int, error) { return p.f.Write(b) }
func (p *unixPTY) Close() error                { return p.f.Close() }

func (p *unixPTY) Resize(cols, rows uint16) error {
	return pty.Setsize(p.f, &pty.Winsize{Cols: cols, Rows: rows})
}

// startPTYWithSize starts the command in a Unix PTY with the given dimensions.
// pty.StartWithSize makes the child a session leader on its own controlling
// terminal, so the process group id equals the child pid.
func startPTYWithSize(cmd *exec.Cmd, cols, rows int) (Handle, error) {
	f, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: uint16(cols),
		Rows: uint16(rows),
	})
	if err != nil {
		return nil, err
	}
	return &unixPTY{f: f}, nil
}

// processAlive reports whether the OS still knows the pid.
// Signal 0 performs the existence check without delivering anything.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	// EPERM means the process exists but belongs to another user.
	return err == syscall.EPERM
}

// signalPid sends sig to a single process. ESRCH is reported so callers
// can treat an already-gone process as benign.
func signalPid(pid int, sig syscall.Signal) error {
	return syscall.Kill(pid, sig)
}

// signalGroup sends sig to the whole process group of pid.
// In-PTY runtimes commonly spawn children (LSPs, language runtimes);
// signaling only the leader would leak them.
func signalGroup(pid int, sig syscall.Signal) error {
	return syscall.Kill(-pid, sig)
}

// isESRCH reports whether err is "no such process".
func isESRCH(err error) bool {
	return err == syscall.ESRCH
}
