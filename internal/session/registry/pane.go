package registry

import (
	"strings"
	"sync"

	"github.com/tuzig/vt10x"
)

// terminalPane keeps a virtual terminal emulator fed with a session's
// PTY output so the visible screen can be captured at any time.
// It has its own lock so PTY data listeners never touch the registry lock.
type terminalPane struct {
	mu   sync.Mutex
	term vt10x.Terminal
	cols int
	rows int
}

func newTerminalPane(cols, rows int) *terminalPane {
	return &terminalPane{
		term: vt10x.New(vt10x.WithSize(cols, rows)),
		cols: cols,
		rows: rows,
	}
}

// feed writes raw PTY output into the emulator.
func (p *terminalPane) feed(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = p.term.Write(data)
}

func (p *terminalPane) resize(cols, rows int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.term.Resize(cols, rows)
	p.cols = cols
	p.rows = rows
}

// captureTail renders the visible screen and returns up to the last
// n non-trailing-blank lines joined by newlines.
func (p *terminalPane) captureTail(n int) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	lines := make([]string, p.rows)
	for row := 0; row < p.rows; row++ {
		var rowChars []rune
		for col := 0; col < p.cols; col++ {
			g := p.term.Cell(col, row)
			if g.Char == 0 {
				rowChars = append(rowChars, ' ')
			} else {
				rowChars = append(rowChars, g.Char)
			}
		}
		lines[row] = strings.TrimRight(string(rowChars), " ")
	}

	// Drop trailing blank rows below the cursor.
	end := len(lines)
	for end > 0 && lines[end-1] == "" {
		end--
	}
	lines = lines[:end]

	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
