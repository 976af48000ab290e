package pty

import "io"

// Handle abstracts PTY operations across platforms.
// On Unix this wraps creack/pty (*os.File).
type Handle interface {
	io.ReadWriteCloser
	// Resize changes the PTY window size.
	Resize(cols, rows uint16) error
}
