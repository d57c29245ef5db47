// Package pty runs a program attached to a pseudo-terminal and exposes its
// output as a channel and its termination as a one-shot event.
package pty

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/remote-agent-terminal/ptyrelay/internal/logging"
	"github.com/remote-agent-terminal/ptyrelay/internal/model"
)

const (
	// DefaultReadBufferSize is the buffer size for reading PTY output.
	DefaultReadBufferSize = 4096

	// DefaultOutputQueue is the number of chunks buffered between the PTY
	// reader and the consumer of Output.
	DefaultOutputQueue = 64

	// DefaultExitDrain bounds how long output is drained after exit.
	DefaultExitDrain = 500 * time.Millisecond

	// DefaultKillGrace is how long Kill waits before SIGKILL.
	DefaultKillGrace = 3 * time.Second

	DefaultCols = 80
	DefaultRows = 24
)

var log = logging.ForComponent(logging.CompPTY)

// StartOptions contains options for starting a PTY process.
type StartOptions struct {
	// Command is the program to execute.
	Command string

	// Args are the arguments to pass to the command.
	Args []string

	// Env is added on top of the current process environment.
	Env []string

	// Dir is the working directory for the process.
	Dir string

	InitialCols uint16
	InitialRows uint16

	// ExitDrain bounds how long remaining output is read after the process
	// exits. Zero means DefaultExitDrain.
	ExitDrain time.Duration

	// KillGrace is how long the process group may outlive SIGHUP and SIGTERM
	// before it is sent SIGKILL. Zero means DefaultKillGrace.
	KillGrace time.Duration
}

// Process is a program running on a pseudo-terminal.
type Process struct {
	cmd  *exec.Cmd
	ptmx *os.File
	pid  int

	output   chan []byte
	readDone chan struct{}
	done     chan struct{}
	exitCode int

	killGrace time.Duration

	mu     sync.RWMutex
	exited bool

	closeOnce sync.Once
	killOnce  sync.Once
}

// Start starts opts.Command on a new pseudo-terminal. Errors wrap model.ErrSpawn.
func Start(opts StartOptions) (*Process, error) {
	if opts.Command == "" {
		return nil, fmt.Errorf("%w: command is required", model.ErrSpawn)
	}
	if opts.InitialCols == 0 {
		opts.InitialCols = DefaultCols
	}
	if opts.InitialRows == 0 {
		opts.InitialRows = DefaultRows
	}
	if opts.ExitDrain <= 0 {
		opts.ExitDrain = DefaultExitDrain
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = DefaultKillGrace
	}

	cmd := exec.Command(opts.Command, opts.Args...)
	cmd.Dir = opts.Dir
	cmd.Env = buildEnv(os.Environ(), opts.Env)

	// pty.StartWithSize sets Setsid and Setctty for us.
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: opts.InitialCols,
		Rows: opts.InitialRows,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", model.ErrSpawn, opts.Command, err)
	}

	p := &Process{
		cmd:      cmd,
		ptmx:     ptmx,
		pid:      cmd.Process.Pid,
		output:   make(chan []byte, DefaultOutputQueue),
		readDone: make(chan struct{}),
		done:     make(chan struct{}),

		killGrace: opts.KillGrace,
	}

	go p.readLoop()
	go p.waitLoop(opts.ExitDrain)

	log.Debug("process started", "pid", p.pid, "command", opts.Command, "dir", opts.Dir)
	return p, nil
}

func buildEnv(base, extra []string) []string {
	env := make([]string, 0, len(base)+len(extra)+1)
	env = append(env, base...)
	env = append(env, extra...)
	for _, kv := range env {
		if strings.HasPrefix(kv, "TERM=") {
			return env
		}
	}
	return append(env, "TERM=xterm-256color")
}

// readLoop copies PTY output into the output channel until the read side ends.
func (p *Process) readLoop() {
	defer close(p.readDone)
	defer close(p.output)

	buf := make([]byte, DefaultReadBufferSize)
	for {
		n, err := p.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			p.output <- chunk
		}
		if err != nil {
			// EIO is what Linux returns once the slave side is gone.
			if !errors.Is(err, io.EOF) && !errors.Is(err, syscall.EIO) && !errors.Is(err, os.ErrClosed) {
				log.Debug("pty read ended", "pid", p.pid, "error", err)
			}
			return
		}
	}
}

// waitLoop reaps the process, gives the reader a bounded window to drain, then
// closes the PTY and publishes the exit.
func (p *Process) waitLoop(drain time.Duration) {
	code := waitExitCode(p.cmd.Wait())

	p.mu.Lock()
	p.exited = true
	p.exitCode = code
	p.mu.Unlock()

	timer := time.NewTimer(drain)
	select {
	case <-p.readDone:
		timer.Stop()
	case <-timer.C:
		// Something else still holds the slave open.
	}
	p.closePTY()
	<-p.readDone

	log.Debug("process exited", "pid", p.pid, "code", code)
	close(p.done)
}

func waitExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// -1 when terminated by a signal
		return exitErr.ExitCode()
	}
	return -1
}

func (p *Process) closePTY() {
	p.closeOnce.Do(func() {
		p.ptmx.Close()
	})
}

// Output returns the stream of output chunks. It has a single consumer,
// carries only bytes produced after the consumer starts reading, and is
// closed when the PTY read side ends.
func (p *Process) Output() <-chan []byte {
	return p.output
}

// Done is closed once the process has exited and its output has been drained.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// ExitCode returns the exit status. Only meaningful after Done is closed.
func (p *Process) ExitCode() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.exitCode
}

// Exited reports whether the process has terminated.
func (p *Process) Exited() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.exited
}

// PID returns the process ID.
func (p *Process) PID() int {
	return p.pid
}

// Write forwards data to the terminal input. It returns model.ErrProcessExited
// if the process is gone; callers treat that as a dropped write.
func (p *Process) Write(data []byte) error {
	if p.Exited() {
		return model.ErrProcessExited
	}
	if _, err := p.ptmx.Write(data); err != nil {
		if errors.Is(err, os.ErrClosed) {
			return model.ErrProcessExited
		}
		return fmt.Errorf("write to pty: %w", err)
	}
	return nil
}

// Resize changes the terminal window size. Same best-effort contract as Write.
func (p *Process) Resize(cols, rows uint16) error {
	if p.Exited() {
		return model.ErrProcessExited
	}
	if err := pty.Setsize(p.ptmx, &pty.Winsize{Cols: cols, Rows: rows}); err != nil {
		if errors.Is(err, os.ErrClosed) {
			return model.ErrProcessExited
		}
		return fmt.Errorf("resize pty: %w", err)
	}
	return nil
}

// Kill terminates the process group and closes the terminal. A group still
// running after the kill grace period gets SIGKILL. It is idempotent and
// returns nil when the process has already exited.
func (p *Process) Kill() error {
	var err error
	p.killOnce.Do(func() {
		if !p.Exited() {
			var pgid int
			pgid, err = signalGroup(p.pid)
			if err == nil && pgid > 0 {
				go p.escalate(pgid)
			}
		}
		p.closePTY()
	})
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// escalate kills the group outright if the process survives the grace period.
// The leader is not reaped until exited is set, so pgid cannot be reused
// while the check holds.
func (p *Process) escalate(pgid int) {
	timer := time.NewTimer(p.killGrace)
	defer timer.Stop()
	select {
	case <-p.done:
	case <-timer.C:
		if !p.Exited() {
			log.Warn("process ignored termination, sending SIGKILL", "pid", p.pid)
			if err := killGroup(pgid); err != nil {
				log.Debug("SIGKILL failed", "pid", p.pid, "error", err)
			}
		}
	}
}
