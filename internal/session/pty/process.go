package pty

import (
	"os/exec"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/crewd/crewd/internal/common/config"
	"github.com/crewd/crewd/internal/common/logger"
)

// DataListener receives raw PTY output chunks. The slice is only valid
// for the duration of the call.
type DataListener func(data []byte)

// ExitListener is invoked once when the child exits. signal is the
// terminating signal name, empty on a normal exit.
type ExitListener func(exitCode int, signal string)

// Process is a child running inside a PTY. Listener registration returns
// an unsubscribe func; listeners are invoked outside the process lock.
type Process struct {
	cmd    *exec.Cmd
	ptmx   Handle
	pid    int
	cfg    config.SessionConfig
	logger *logger.Logger

	mu             sync.Mutex
	closed         bool
	nextListenerID int
	dataListeners  map[int]DataListener
	exitListeners  map[int]ExitListener

	waitDone chan struct{}
	exitCode int
	exitSig  string
}

func newProcess(cmd *exec.Cmd, ptmx Handle, cfg config.SessionConfig, log *logger.Logger) *Process {
	pid := 0
	if cmd.Process != nil {
		pid = cmd.Process.Pid
	}
	return &Process{
		cmd:           cmd,
		ptmx:          ptmx,
		pid:           pid,
		cfg:           cfg,
		logger:        log.WithFields(zap.Int("pid", pid)),
		dataListeners: make(map[int]DataListener),
		exitListeners: make(map[int]ExitListener),
		waitDone:      make(chan struct{}),
	}
}

// start launches the output pump and the reaper.
func (p *Process) start() {
	go p.readLoop()
	go p.wait()
}

// Pid returns the child pid. With a PTY session leader the process
// group id equals this value.
func (p *Process) Pid() int { return p.pid }

// Write sends bytes to the child's stdin via the PTY master.
func (p *Process) Write(data []byte) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrSessionClosed
	}
	ptmx := p.ptmx
	p.mu.Unlock()

	_, err := ptmx.Write(data)
	return err
}

// Resize changes the PTY window size after validating dimensions.
func (p *Process) Resize(cols, rows int) error {
	if cols < 1 || rows < 1 || cols > p.cfg.MaxCols || rows > p.cfg.MaxRows {
		return ErrInvalidDimensions
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrSessionClosed
	}
	ptmx := p.ptmx
	p.mu.Unlock()

	return ptmx.Resize(uint16(cols), uint16(rows))
}

// OnData registers an output listener and returns its unsubscribe func.
func (p *Process) OnData(fn DataListener) (func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrSessionClosed
	}
	if len(p.dataListeners) >= p.cfg.MaxDataListeners {
		return nil, ErrTooManyListeners
	}
	id := p.nextListenerID
	p.nextListenerID++
	p.dataListeners[id] = fn
	return func() {
		p.mu.Lock()
		delete(p.dataListeners, id)
		p.mu.Unlock()
	}, nil
}

// OnExit registers an exit listener and returns its unsubscribe func.
// Registering after the child exited invokes fn immediately.
func (p *Process) OnExit(fn ExitListener) (func(), error) {
	p.mu.Lock()
	if p.closed {
		code, sig := p.exitCode, p.exitSig
		p.mu.Unlock()
		fn(code, sig)
		return func() {}, nil
	}
	defer p.mu.Unlock()
	if len(p.exitListeners) >= p.cfg.MaxExitListeners {
		return nil, ErrTooManyListeners
	}
	id := p.nextListenerID
	p.nextListenerID++
	p.exitListeners[id] = fn
	return func() {
		p.mu.Lock()
		delete(p.exitListeners, id)
		p.mu.Unlock()
	}, nil
}

// Alive asks the kernel whether the child still exists. It never
// consults a cached flag, so it stays correct across unexpected exits.
func (p *Process) Alive() bool {
	return processAlive(p.pid)
}

// ExitState returns the recorded exit code and signal. Valid only
// after Done() is closed.
func (p *Process) ExitState() (int, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, p.exitSig
}

// Done is closed once the child has been reaped.
func (p *Process) Done() <-chan struct{} { return p.waitDone }

// Signal delivers sig to the child process only.
func (p *Process) Signal(sig syscall.Signal) error {
	err := signalPid(p.pid, sig)
	if err != nil && isESRCH(err) {
		return nil
	}
	return err
}

// SignalGroup delivers sig to the child's whole process group.
func (p *Process) SignalGroup(sig syscall.Signal) error {
	err := signalGroup(p.pid, sig)
	if err != nil && isESRCH(err) {
		return nil
	}
	return err
}

// Kill sends SIGKILL to the process group and closes the PTY.
// After Kill the process accepts no writes and holds no listeners.
func (p *Process) Kill() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	if err := p.SignalGroup(syscall.SIGKILL); err != nil {
		p.logger.Warn("kill process group failed", zap.Error(err))
	}
	if err := p.Signal(syscall.SIGKILL); err != nil {
		p.logger.Warn("kill process failed", zap.Error(err))
	}
	// The reaper observes the exit, closes the PTY and clears listeners.
	<-p.waitDone
	return nil
}

// readLoop pumps PTY output to data listeners. Listeners are copied
// under the lock and invoked without it so they may call back into
// the process.
func (p *Process) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := p.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])

			p.mu.Lock()
			listeners := make([]DataListener, 0, len(p.dataListeners))
			for _, fn := range p.dataListeners {
				listeners = append(listeners, fn)
			}
			p.mu.Unlock()

			for _, fn := range listeners {
				fn(chunk)
			}
		}
		if err != nil {
			// EIO on Linux when the child side closes; normal shutdown.
			return
		}
	}
}

// wait reaps the child, records its exit state, notifies exit listeners
// and releases all process resources.
func (p *Process) wait() {
	err := p.cmd.Wait()

	exitCode := 0
	exitSig := ""
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				exitSig = ws.Signal().String()
			}
		} else {
			exitCode = -1
		}
	}

	p.mu.Lock()
	p.closed = true
	p.exitCode = exitCode
	p.exitSig = exitSig
	listeners := make([]ExitListener, 0, len(p.exitListeners))
	for _, fn := range p.exitListeners {
		listeners = append(listeners, fn)
	}
	p.dataListeners = make(map[int]DataListener)
	p.exitListeners = make(map[int]ExitListener)
	p.mu.Unlock()

	_ = p.ptmx.Close()
	close(p.waitDone)

	for _, fn := range listeners {
		fn(exitCode, exitSig)
	}

	p.logger.Debug("process exited",
		zap.Int("exit_code", exitCode),
		zap.String("signal", exitSig),
	)
}
