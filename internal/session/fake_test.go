package session

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/remote-agent-terminal/ptyrelay/internal/model"
)

// fakeProcess is an in-memory Process driven by the test.
type fakeProcess struct {
	pid  int
	out  chan []byte
	done chan struct{}

	mu      sync.Mutex
	code    int
	exited  bool
	input   bytes.Buffer
	resizes [][2]uint16
	kills   int

	exitOnce sync.Once
}

var nextPID int32 = 1000

func newFakeProcess() *fakeProcess {
	return &fakeProcess{
		pid:  int(atomic.AddInt32(&nextPID, 1)),
		out:  make(chan []byte, 1024),
		done: make(chan struct{}),
	}
}

func (f *fakeProcess) emit(s string) { f.out <- []byte(s) }

func (f *fakeProcess) exit(code int) {
	f.exitOnce.Do(func() {
		f.mu.Lock()
		f.exited = true
		f.code = code
		f.mu.Unlock()
		close(f.out)
		close(f.done)
	})
}

func (f *fakeProcess) Output() <-chan []byte { return f.out }
func (f *fakeProcess) Done() <-chan struct{} { return f.done }
func (f *fakeProcess) PID() int              { return f.pid }

func (f *fakeProcess) ExitCode() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.code
}

func (f *fakeProcess) Write(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.exited {
		return model.ErrProcessExited
	}
	f.input.Write(data)
	return nil
}

func (f *fakeProcess) Resize(cols, rows uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.exited {
		return model.ErrProcessExited
	}
	f.resizes = append(f.resizes, [2]uint16{cols, rows})
	return nil
}

func (f *fakeProcess) Kill() error {
	f.mu.Lock()
	f.kills++
	f.mu.Unlock()
	f.exit(-1)
	return nil
}

// fakeSpawner hands out fakeProcesses and remembers them.
type fakeSpawner struct {
	mu     sync.Mutex
	procs  []*fakeProcess
	calls  int32
	delay  time.Duration
	failOn map[string]error
}

func (s *fakeSpawner) spawn(ctx context.Context, cwd string) (Process, error) {
	atomic.AddInt32(&s.calls, 1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failOn[cwd]; err != nil {
		return nil, err
	}
	p := newFakeProcess()
	s.procs = append(s.procs, p)
	return p, nil
}

func (s *fakeSpawner) last() *fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[len(s.procs)-1]
}

func (s *fakeSpawner) count() int {
	return int(atomic.LoadInt32(&s.calls))
}

// startFakeSession builds a running session around a fresh fakeProcess.
func startFakeSession(opts Options) (*Session, *fakeProcess) {
	p := newFakeProcess()
	s := newSession("/tmp/fake", p, opts, nil, nil)
	s.start()
	return s, p
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func receive(t *testing.T, sub *Subscription) []byte {
	t.Helper()
	select {
	case chunk, ok := <-sub.C():
		if !ok {
			t.Fatalf("subscription closed early (%s)", sub.Reason())
		}
		return chunk
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for output")
	}
	return nil
}

// drain reads a subscription until it is closed.
func drain(t *testing.T, sub *Subscription) []byte {
	t.Helper()
	var out []byte
	timeout := time.After(5 * time.Second)
	for {
		select {
		case chunk, ok := <-sub.C():
			if !ok {
				return out
			}
			out = append(out, chunk...)
		case <-timeout:
			t.Fatal("timed out draining subscription")
		}
	}
}
