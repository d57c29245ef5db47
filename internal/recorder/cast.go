// Package recorder writes session traffic as asciinema v2 casts.
package recorder

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Header is the first line of an asciinema v2 cast.
type Header struct {
	Version   int               `json:"version"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Timestamp int64             `json:"timestamp"`
	Title     string            `json:"title,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// Event is one [time, type, data] line of a cast. Type is "o" for output,
// "i" for input and "r" for a resize ("COLSxROWS").
type Event struct {
	Time float64
	Type string
	Data string
}

// MarshalJSON encodes the event as a three-element array.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.Time, e.Type, e.Data})
}

// UnmarshalJSON decodes a three-element array.
func (e *Event) UnmarshalJSON(data []byte) error {
	var arr []any
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	if len(arr) != 3 {
		return fmt.Errorf("invalid event: expected 3 elements, got %d", len(arr))
	}

	var ok bool
	if e.Time, ok = arr[0].(float64); !ok {
		return fmt.Errorf("invalid event time")
	}
	if e.Type, ok = arr[1].(string); !ok {
		return fmt.Errorf("invalid event type")
	}
	if e.Data, ok = arr[2].(string); !ok {
		return fmt.Errorf("invalid event data")
	}
	return nil
}

// Recorder appends events to a cast. It is safe for concurrent use: output
// comes from the session pump while input comes from connection goroutines.
type Recorder struct {
	w     io.Writer
	file  *os.File // only set if we own the file
	path  string
	start time.Time
	mu    sync.Mutex
}

// Create opens a new cast file in dir for the session rooted at cwd and
// writes its header.
func Create(dir, cwd string, cols, rows int) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create recording dir: %w", err)
	}

	path := filepath.Join(dir, FileName(cwd))
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create recording: %w", err)
	}

	r := &Recorder{w: file, file: file, path: path, start: time.Now()}
	if err := r.WriteHeader(cols, rows, cwd); err != nil {
		file.Close()
		return nil, err
	}
	return r, nil
}

// NewWithWriter creates a Recorder that writes to w. The header is not written.
func NewWithWriter(w io.Writer) *Recorder {
	return &Recorder{w: w, start: time.Now()}
}

// FileName derives a unique, filesystem-safe cast name from a working directory.
func FileName(cwd string) string {
	base := strings.Trim(strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, cwd), "_.")
	if base == "" {
		base = "root"
	}
	if len(base) > 64 {
		base = base[len(base)-64:]
	}
	return fmt.Sprintf("%s-%s.cast", base, uuid.NewString()[:8])
}

// WriteHeader writes the cast header.
func (r *Recorder) WriteHeader(cols, rows int, title string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := json.Marshal(Header{
		Version:   2,
		Width:     cols,
		Height:    rows,
		Timestamp: r.start.Unix(),
		Title:     title,
		Env:       map[string]string{"TERM": "xterm-256color"},
	})
	if err != nil {
		return fmt.Errorf("marshal header: %w", err)
	}
	if _, err := r.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	return nil
}

// WriteOutput records process output.
func (r *Recorder) WriteOutput(data []byte) error {
	return r.writeEvent("o", string(data))
}

// WriteInput records client input.
func (r *Recorder) WriteInput(data []byte) error {
	return r.writeEvent("i", string(data))
}

// WriteResize records a terminal resize.
func (r *Recorder) WriteResize(cols, rows uint16) error {
	return r.writeEvent("r", fmt.Sprintf("%dx%d", cols, rows))
}

func (r *Recorder) writeEvent(typ, data string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	line, err := json.Marshal(Event{
		Time: time.Since(r.start).Seconds(),
		Type: typ,
		Data: data,
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := r.w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// Path returns the cast file path, or "" for writer-backed recorders.
func (r *Recorder) Path() string {
	return r.path
}

// Close closes the cast file if the recorder owns it.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}
