package session

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/remote-agent-terminal/ptyrelay/internal/model"
)

func TestSession_AttachDetachReattach(t *testing.T) {
	s, p := startFakeSession(Options{})

	sub1, replay, err := s.Attach()
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	if len(replay) != 0 {
		t.Errorf("expected empty replay, got %q", replay)
	}

	p.emit("hello")
	if got := receive(t, sub1); string(got) != "hello" {
		t.Errorf("expected 'hello', got %q", got)
	}

	s.Detach(sub1)
	if sub1.Reason() != ReasonDetached {
		t.Errorf("expected detached reason, got %s", sub1.Reason())
	}
	if _, ok := <-sub1.C(); ok {
		t.Error("expected detached subscription channel to be closed")
	}

	p.emit(" world")
	waitFor(t, "buffered output", func() bool { return s.Info().BufferedBytes == 11 })

	sub2, replay, err := s.Attach()
	if err != nil {
		t.Fatalf("reattach failed: %v", err)
	}
	if string(replay) != "hello world" {
		t.Errorf("expected replay 'hello world', got %q", replay)
	}

	p.emit("!")
	if got := receive(t, sub2); string(got) != "!" {
		t.Errorf("expected only live '!', got %q", got)
	}

	if !s.Alive() {
		t.Error("detaching must not end the session")
	}
	if p.kills != 0 {
		t.Error("detaching must not kill the process")
	}
}

func TestSession_DetachIsIdempotent(t *testing.T) {
	s, _ := startFakeSession(Options{})
	sub, _, _ := s.Attach()

	s.Detach(sub)
	s.Detach(sub)
	s.Detach(nil)

	if sub.Reason() != ReasonDetached {
		t.Errorf("expected detached reason, got %s", sub.Reason())
	}
	if s.ObserverCount() != 0 {
		t.Errorf("expected no observers, got %d", s.ObserverCount())
	}
}

// Replay plus live stream reconstructs everything published, even when the
// attach races with publishing.
func TestSession_AttachDuringPublishIsGapFree(t *testing.T) {
	for run := 0; run < 20; run++ {
		s, p := startFakeSession(Options{BufferCeiling: 1 << 20, QueueLength: 4096})

		var all strings.Builder
		for i := 0; i < 500; i++ {
			all.WriteString(fmt.Sprintf("<%d>", i))
		}

		go func() {
			for i := 0; i < 500; i++ {
				p.emit(fmt.Sprintf("<%d>", i))
			}
			p.exit(0)
		}()

		time.Sleep(time.Duration(run) * 50 * time.Microsecond)
		sub, replay, err := s.Attach()
		if errors.Is(err, model.ErrProcessExited) {
			continue
		}
		if err != nil {
			t.Fatalf("Attach failed: %v", err)
		}

		live := drain(t, sub)
		if sub.Reason() != ReasonExited {
			t.Fatalf("expected exited reason, got %s", sub.Reason())
		}
		got := string(replay) + string(live)
		if got != all.String() {
			t.Fatalf("run %d: replay+live mismatch\n got %q\nwant %q", run, got, all.String())
		}
	}
}

func TestSession_ReplayIsSuffixOfOutput(t *testing.T) {
	s, p := startFakeSession(Options{BufferCeiling: 10, BufferSlack: 1.5})

	var all bytes.Buffer
	for i := 0; i < 20; i++ {
		chunk := fmt.Sprintf("%02d", i)
		all.WriteString(chunk)
		p.emit(chunk)
	}
	waitFor(t, "published output", func() bool {
		sub, replay, _ := s.Attach()
		s.Detach(sub)
		return bytes.HasSuffix(replay, []byte("19"))
	})

	sub, replay, _ := s.Attach()
	defer s.Detach(sub)
	if len(replay) < 10 || len(replay) > 15 {
		t.Errorf("replay length %d outside [ceiling, ceiling*slack]", len(replay))
	}
	if !bytes.HasSuffix(all.Bytes(), replay) {
		t.Errorf("replay %q is not a suffix of %q", replay, all.String())
	}
}

func TestSession_FanOutIdenticalOrderProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50

	properties := gopter.NewProperties(parameters)

	properties.Property("every observer sees the same bytes in the same order", prop.ForAll(
		func(numObservers int, chunks []string) bool {
			s, p := startFakeSession(Options{QueueLength: len(chunks) + 1})

			subs := make([]*Subscription, numObservers)
			for i := range subs {
				subs[i], _, _ = s.Attach()
			}

			var want strings.Builder
			for _, c := range chunks {
				if c == "" {
					continue
				}
				want.WriteString(c)
				p.emit(c)
			}
			p.exit(7)

			var wg sync.WaitGroup
			got := make([]string, numObservers)
			for i, sub := range subs {
				wg.Add(1)
				go func(i int, sub *Subscription) {
					defer wg.Done()
					var b strings.Builder
					for chunk := range sub.C() {
						b.Write(chunk)
					}
					got[i] = b.String()
				}(i, sub)
			}
			wg.Wait()

			for i, sub := range subs {
				if got[i] != want.String() || sub.Reason() != ReasonExited || sub.ExitCode() != 7 {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 8),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

func TestSession_LaggingObserverIsDropped(t *testing.T) {
	s, p := startFakeSession(Options{QueueLength: 2})

	slow, _, _ := s.Attach()
	fast, _, _ := s.Attach()

	for i := 0; i < 5; i++ {
		chunk := fmt.Sprintf("%d", i)
		p.emit(chunk)
		if got := receive(t, fast); string(got) != chunk {
			t.Fatalf("fast observer expected %q, got %q", chunk, got)
		}
	}

	got := drain(t, slow)
	if slow.Reason() != ReasonLagged {
		t.Errorf("expected lagged reason, got %s", slow.Reason())
	}
	if string(got) != "01" {
		t.Errorf("slow observer should keep what was queued, got %q", got)
	}
	if s.ObserverCount() != 1 {
		t.Errorf("expected 1 remaining observer, got %d", s.ObserverCount())
	}
}

func TestSession_ExitNotifiesAllObservers(t *testing.T) {
	exited := make(chan *Session, 1)
	p := newFakeProcess()
	s := newSession("/tmp/fake", p, Options{}, nil, func(s *Session) { exited <- s })
	s.start()

	a, _, _ := s.Attach()
	b, _, _ := s.Attach()

	p.emit("bye")
	p.exit(42)

	for _, sub := range []*Subscription{a, b} {
		out := drain(t, sub)
		if string(out) != "bye" {
			t.Errorf("expected final output before exit, got %q", out)
		}
		if sub.Reason() != ReasonExited || sub.ExitCode() != 42 {
			t.Errorf("expected exited(42), got %s(%d)", sub.Reason(), sub.ExitCode())
		}
	}

	select {
	case got := <-exited:
		if got != s {
			t.Error("onExit called with wrong session")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("onExit not called")
	}

	<-s.Done()
	if s.Alive() || s.ExitCode() != 42 {
		t.Errorf("expected dead session with code 42, alive=%v code=%d", s.Alive(), s.ExitCode())
	}
	if _, _, err := s.Attach(); !errors.Is(err, model.ErrProcessExited) {
		t.Errorf("expected ErrProcessExited attaching to dead session, got %v", err)
	}

	// Detach after exit is harmless
	s.Detach(a)
}

func TestSession_WriteAndResizeAreBestEffort(t *testing.T) {
	s, p := startFakeSession(Options{})

	if !s.Write([]byte("ls\r")) {
		t.Error("expected write to succeed")
	}
	if !s.Resize(100, 30) {
		t.Error("expected resize to succeed")
	}
	if p.input.String() != "ls\r" {
		t.Errorf("expected input forwarded, got %q", p.input.String())
	}
	if len(p.resizes) != 1 || p.resizes[0] != [2]uint16{100, 30} {
		t.Errorf("unexpected resizes %v", p.resizes)
	}

	p.exit(0)
	<-s.Done()

	if s.Write([]byte("x")) {
		t.Error("expected write after exit to be dropped")
	}
	if s.Resize(80, 24) {
		t.Error("expected resize after exit to be dropped")
	}
	if err := s.Kill(); err != nil {
		t.Errorf("Kill on dead session should not error: %v", err)
	}
	if err := s.Kill(); err != nil {
		t.Errorf("second Kill should not error: %v", err)
	}
}

func TestSession_Info(t *testing.T) {
	s, p := startFakeSession(Options{})
	sub, _, _ := s.Attach()
	p.emit("abc")
	receive(t, sub)

	info := s.Info()
	if info.Cwd != "/tmp/fake" || info.PID != p.pid {
		t.Errorf("unexpected identity: %+v", info)
	}
	if info.Status != model.SessionStatusRunning || info.Observers != 1 || info.BufferedBytes != 3 {
		t.Errorf("unexpected state: %+v", info)
	}
	if info.Uptime() < 0 {
		t.Error("uptime must not be negative")
	}
}

func TestReasonString(t *testing.T) {
	cases := map[Reason]string{
		ReasonNone:     "live",
		ReasonDetached: "detached",
		ReasonExited:   "exited",
		ReasonLagged:   "lagged",
	}
	for r, want := range cases {
		if r.String() != want {
			t.Errorf("Reason(%d).String() = %q, want %q", r, r.String(), want)
		}
	}
}
