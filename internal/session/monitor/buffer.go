package monitor

import "sync"

// rollingBuffer is a bounded append-only byte buffer trimmed from the
// front on overflow. It is the exit-detection source of truth and is
// never shared outside its owning watch.
type rollingBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newRollingBuffer(max int) *rollingBuffer {
	return &rollingBuffer{max: max}
}

func (b *rollingBuffer) Append(p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.max {
		// Reallocate so the backing array does not grow without bound.
		trimmed := make([]byte, b.max)
		copy(trimmed, b.buf[len(b.buf)-b.max:])
		b.buf = trimmed
	}
}

func (b *rollingBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

func (b *rollingBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}
