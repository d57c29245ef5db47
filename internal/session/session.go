// Package session owns the long-lived terminal sessions, keyed by working
// directory, and the registry that creates and garbage-collects them.
package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/remote-agent-terminal/ptyrelay/internal/buffer"
	"github.com/remote-agent-terminal/ptyrelay/internal/logging"
	"github.com/remote-agent-terminal/ptyrelay/internal/model"
	"github.com/remote-agent-terminal/ptyrelay/internal/recorder"
)

var log = logging.ForComponent(logging.CompSession)

// Process is the running program behind a session. *pty.Process implements it.
type Process interface {
	// Output yields output chunks and is closed once the program's output ends.
	Output() <-chan []byte
	// Done is closed after the program has exited and Output has been closed.
	Done() <-chan struct{}
	ExitCode() int
	PID() int
	Write(data []byte) error
	Resize(cols, rows uint16) error
	Kill() error
}

// Reason tells a subscriber why its stream ended.
type Reason int

const (
	// ReasonNone means the subscription is still live.
	ReasonNone Reason = iota
	// ReasonDetached means the subscriber detached itself.
	ReasonDetached
	// ReasonExited means the session's process exited; see ExitCode.
	ReasonExited
	// ReasonLagged means the subscriber fell too far behind and was dropped.
	ReasonLagged
)

func (r Reason) String() string {
	switch r {
	case ReasonDetached:
		return "detached"
	case ReasonExited:
		return "exited"
	case ReasonLagged:
		return "lagged"
	}
	return "live"
}

// Subscription is one observer's view of a session's live output.
// C is closed when the subscription ends; Reason and ExitCode are valid after that.
type Subscription struct {
	session  *Session
	ch       chan []byte
	reason   Reason
	exitCode int
}

// C returns the stream of output chunks published after the attach snapshot.
func (s *Subscription) C() <-chan []byte {
	return s.ch
}

// Session returns the session this subscription observes.
func (s *Subscription) Session() *Session {
	return s.session
}

// Reason reports why the subscription ended. Only valid after C is closed.
func (s *Subscription) Reason() Reason {
	return s.reason
}

// ExitCode is the process exit code when Reason is ReasonExited.
func (s *Subscription) ExitCode() int {
	return s.exitCode
}

// end must be called with the session lock held.
func (s *Subscription) end(reason Reason, code int) {
	s.reason = reason
	s.exitCode = code
	close(s.ch)
}

// Options configures a session's replay buffer and subscriber queues.
type Options struct {
	BufferCeiling int
	BufferSlack   float64
	QueueLength   int
}

func (o Options) withDefaults() Options {
	if o.BufferCeiling <= 0 {
		o.BufferCeiling = buffer.DefaultCeiling
	}
	if o.BufferSlack < 1 {
		o.BufferSlack = buffer.DefaultSlack
	}
	if o.QueueLength <= 0 {
		o.QueueLength = 256
	}
	return o
}

// Session is one running program plus its replay buffer and observers.
type Session struct {
	cwd       string
	proc      Process
	createdAt time.Time
	queueLen  int
	rec       *recorder.Recorder
	log       *slog.Logger

	// mu guards the buffer, the observer set and liveness. publish holds it
	// for one critical section per chunk; Attach holds it while taking the
	// replay snapshot, so no chunk is lost or delivered twice.
	mu       sync.Mutex
	buf      *buffer.RingBuffer
	subs     map[*Subscription]struct{}
	alive    bool
	exitCode int

	onExit func(*Session)
	done   chan struct{}
}

func newSession(cwd string, proc Process, opts Options, rec *recorder.Recorder, onExit func(*Session)) *Session {
	opts = opts.withDefaults()
	return &Session{
		cwd:       cwd,
		proc:      proc,
		createdAt: time.Now(),
		queueLen:  opts.QueueLength,
		rec:       rec,
		log:       log.With("cwd", cwd, "pid", proc.PID()),
		buf:       buffer.NewRingBuffer(opts.BufferCeiling, opts.BufferSlack),
		subs:      make(map[*Subscription]struct{}),
		alive:     true,
		onExit:    onExit,
		done:      make(chan struct{}),
	}
}

// start launches the output pump. It is the only writer of the replay buffer.
func (s *Session) start() {
	go s.pump()
}

func (s *Session) pump() {
	for chunk := range s.proc.Output() {
		s.publish(chunk)
	}
	<-s.proc.Done()
	s.finish(s.proc.ExitCode())
}

// publish appends chunk to the replay buffer and fans it out. A subscriber
// whose queue is full is dropped rather than allowed to stall the others.
func (s *Session) publish(chunk []byte) {
	s.mu.Lock()
	s.buf.Write(chunk)
	for sub := range s.subs {
		select {
		case sub.ch <- chunk:
		default:
			delete(s.subs, sub)
			sub.end(ReasonLagged, 0)
			s.log.Warn("dropping lagging observer", "queue", s.queueLen)
		}
	}
	s.mu.Unlock()

	if s.rec != nil {
		if err := s.rec.WriteOutput(chunk); err != nil {
			s.log.Debug("recording output failed", "error", err)
		}
	}
}

// finish marks the session dead, tells every observer, and unregisters it.
func (s *Session) finish(code int) {
	s.mu.Lock()
	s.alive = false
	s.exitCode = code
	observers := len(s.subs)
	for sub := range s.subs {
		sub.end(ReasonExited, code)
	}
	s.subs = make(map[*Subscription]struct{})
	s.mu.Unlock()

	s.log.Info("session exited", "code", code, "observers", observers)

	if s.rec != nil {
		s.rec.Close()
	}
	if s.onExit != nil {
		s.onExit(s)
	}
	close(s.done)
}

// Attach registers a new observer and returns it together with the current
// replay buffer. Bytes in the snapshot are never repeated on the
// subscription and no byte published afterwards is missed. Attaching to a
// dead session returns model.ErrProcessExited.
func (s *Session) Attach() (*Subscription, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.alive {
		return nil, nil, model.ErrProcessExited
	}
	sub := &Subscription{
		session: s,
		ch:      make(chan []byte, s.queueLen),
	}
	s.subs[sub] = struct{}{}
	return sub, s.buf.Bytes(), nil
}

// Detach removes the observer. It never affects the process and is a no-op
// for subscriptions that have already ended.
func (s *Session) Detach(sub *Subscription) {
	if sub == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subs[sub]; !ok {
		return
	}
	delete(s.subs, sub)
	sub.end(ReasonDetached, 0)
}

// Write forwards input to the process. It reports whether the bytes were
// delivered; a dead process simply drops them.
func (s *Session) Write(data []byte) bool {
	if len(data) == 0 {
		return true
	}
	if err := s.proc.Write(data); err != nil {
		if !errors.Is(err, model.ErrProcessExited) {
			s.log.Debug("write failed", "error", err)
		}
		return false
	}
	if s.rec != nil {
		if err := s.rec.WriteInput(data); err != nil {
			s.log.Debug("recording input failed", "error", err)
		}
	}
	return true
}

// Resize changes the terminal size. Same best-effort contract as Write.
func (s *Session) Resize(cols, rows uint16) bool {
	if err := s.proc.Resize(cols, rows); err != nil {
		if !errors.Is(err, model.ErrProcessExited) {
			s.log.Debug("resize failed", "error", err)
		}
		return false
	}
	if s.rec != nil {
		_ = s.rec.WriteResize(cols, rows)
	}
	return true
}

// Kill terminates the process. Observers are notified through the normal
// exit path once it is gone. Killing a dead session is a no-op.
func (s *Session) Kill() error {
	return s.proc.Kill()
}

// Cwd returns the canonical working directory that keys this session.
func (s *Session) Cwd() string {
	return s.cwd
}

// PID returns the process ID.
func (s *Session) PID() int {
	return s.proc.PID()
}

// Alive reports whether the process is still running.
func (s *Session) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alive
}

// Done is closed after the session has exited and been unregistered.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// ExitCode returns the exit code. Only meaningful after Done is closed.
func (s *Session) ExitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode
}

// ObserverCount returns the number of attached observers.
func (s *Session) ObserverCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Info returns a snapshot of the session's state.
func (s *Session) Info() model.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := model.SessionStatusRunning
	if !s.alive {
		status = model.SessionStatusExited
	}
	return model.SessionInfo{
		Cwd:           s.cwd,
		PID:           s.proc.PID(),
		Status:        status,
		Observers:     len(s.subs),
		BufferedBytes: s.buf.Len(),
		CreatedAt:     s.createdAt,
	}
}
