package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/remote-agent-terminal/ptyrelay/internal/model"
	"github.com/remote-agent-terminal/ptyrelay/internal/pty"
	"github.com/remote-agent-terminal/ptyrelay/internal/recorder"
)

// SpawnFunc starts the program for a session rooted at cwd.
type SpawnFunc func(ctx context.Context, cwd string) (Process, error)

// ProgramConfig describes the program started in every session.
type ProgramConfig struct {
	Command   string
	Args      []string
	Env       []string
	Cols      uint16
	Rows      uint16
	ExitDrain time.Duration
	KillGrace time.Duration
}

// NewPTYSpawner returns a SpawnFunc that starts prog on a pseudo-terminal.
func NewPTYSpawner(prog ProgramConfig) SpawnFunc {
	return func(ctx context.Context, cwd string) (Process, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p, err := pty.Start(pty.StartOptions{
			Command:     prog.Command,
			Args:        prog.Args,
			Env:         prog.Env,
			Dir:         cwd,
			InitialCols: prog.Cols,
			InitialRows: prog.Rows,
			ExitDrain:   prog.ExitDrain,
			KillGrace:   prog.KillGrace,
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

// Config holds configuration for the registry.
type Config struct {
	Session Options

	// MaxSessions caps the number of live sessions; 0 means unlimited.
	MaxSessions int

	// RecordingDir enables asciinema recordings when non-empty.
	RecordingDir string

	// Cols and Rows are written to recording headers.
	Cols uint16
	Rows uint16
}

// Registry maps canonical working directories to live sessions. The key
// space only changes through GetOrCreate and through sessions removing
// themselves when their process exits.
type Registry struct {
	spawn  SpawnFunc
	config Config

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
	// pending counts spawns in progress against MaxSessions.
	pending int

	// group collapses concurrent spawns for the same key into one.
	group singleflight.Group
}

// NewRegistry creates a registry that uses spawn to start new sessions.
func NewRegistry(spawn SpawnFunc, config Config) *Registry {
	if config.Cols == 0 {
		config.Cols = pty.DefaultCols
	}
	if config.Rows == 0 {
		config.Rows = pty.DefaultRows
	}
	return &Registry{
		spawn:    spawn,
		config:   config,
		sessions: make(map[string]*Session),
	}
}

// Canonical turns a client-supplied path into the registry key: "~" is
// expanded, the path is made absolute and cleaned.
func Canonical(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", fmt.Errorf("%w: empty path", model.ErrInvalidPath)
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("%w: %v", model.ErrInvalidPath, err)
		}
		path = filepath.Join(home, path[1:])
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", model.ErrInvalidPath, err)
	}
	return filepath.Clean(abs), nil
}

// Validate reports whether path exists and is a directory.
func Validate(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// GetOrCreate returns the live session for path, spawning one if needed.
// The path is validated before anything else; an invalid path returns
// model.ErrInvalidPath and leaves the registry untouched. Concurrent calls
// for the same key spawn at most one process and all receive the same
// session; created is true only for the caller whose spawn ran.
func (r *Registry) GetOrCreate(ctx context.Context, path string) (s *Session, created bool, err error) {
	key, err := Canonical(path)
	if err != nil {
		return nil, false, err
	}
	if !Validate(key) {
		return nil, false, fmt.Errorf("%w: %s is not a directory", model.ErrInvalidPath, key)
	}

	if s := r.Get(key); s != nil {
		return s, false, nil
	}

	v, err, _ := r.group.Do(key, func() (any, error) {
		// Another flight may have finished between Get and Do.
		if s := r.Get(key); s != nil {
			return s, nil
		}
		// The spawn is shared by every caller waiting on key, so it must not
		// end when the first caller goes away.
		s, err := r.create(context.WithoutCancel(ctx), key)
		if err != nil {
			return nil, err
		}
		created = true
		return s, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.(*Session), created, nil
}

func (r *Registry) create(ctx context.Context, key string) (*Session, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: registry is shut down", model.ErrSpawn)
	}
	if r.config.MaxSessions > 0 && len(r.sessions)+r.pending >= r.config.MaxSessions {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w (%d)", model.ErrSessionLimit, r.config.MaxSessions)
	}
	r.pending++
	r.mu.Unlock()

	proc, err := r.spawn(ctx, key)
	if err != nil {
		r.mu.Lock()
		r.pending--
		r.mu.Unlock()
		if !errors.Is(err, model.ErrSpawn) {
			err = fmt.Errorf("%w: %v", model.ErrSpawn, err)
		}
		log.Warn("spawn failed", "cwd", key, "error", err)
		return nil, err
	}

	var rec *recorder.Recorder
	if r.config.RecordingDir != "" {
		rec, err = recorder.Create(r.config.RecordingDir, key, int(r.config.Cols), int(r.config.Rows))
		if err != nil {
			log.Warn("recording disabled for session", "cwd", key, "error", err)
			rec = nil
		}
	}

	s := newSession(key, proc, r.config.Session, rec, r.remove)

	r.mu.Lock()
	r.pending--
	if r.closed {
		r.mu.Unlock()
		proc.Kill()
		go func() {
			for range proc.Output() {
			}
		}()
		if rec != nil {
			rec.Close()
		}
		return nil, fmt.Errorf("%w: registry is shut down", model.ErrSpawn)
	}
	r.sessions[key] = s
	r.mu.Unlock()

	// Start pumping only once the session is reachable, so an immediate
	// exit still finds its own entry to remove.
	s.start()

	log.Info("session spawned", "cwd", key, "pid", proc.PID())
	return s, nil
}

// remove drops the entry for s, unless the key already points elsewhere.
func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[s.cwd]; ok && cur == s {
		delete(r.sessions, s.cwd)
	}
}

// Get returns the live session for a canonical key, or nil.
func (r *Registry) Get(key string) *Session {
	r.mu.Lock()
	s := r.sessions[key]
	r.mu.Unlock()

	if s == nil || !s.Alive() {
		return nil
	}
	return s
}

// Lookup canonicalizes path and returns its live session.
func (r *Registry) Lookup(path string) (*Session, error) {
	key, err := Canonical(path)
	if err != nil {
		return nil, err
	}
	s := r.Get(key)
	if s == nil {
		return nil, model.ErrSessionNotFound
	}
	return s, nil
}

// Kill terminates the session for path. Its observers receive the normal
// exit notification.
func (r *Registry) Kill(path string) error {
	s, err := r.Lookup(path)
	if err != nil {
		return err
	}
	return s.Kill()
}

// List returns a snapshot of every live session ordered by cwd.
func (r *Registry) List() []model.SessionInfo {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	infos := make([]model.SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		if info := s.Info(); info.Status == model.SessionStatusRunning {
			infos = append(infos, info)
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Cwd < infos[j].Cwd })
	return infos
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close stops accepting new sessions, kills every live one and waits for
// them to finish or for ctx to expire.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		if err := s.Kill(); err != nil {
			log.Warn("kill failed during shutdown", "cwd", s.cwd, "error", err)
		}
	}
	for _, s := range sessions {
		select {
		case <-s.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
