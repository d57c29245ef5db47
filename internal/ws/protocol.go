package ws

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/remote-agent-terminal/ptyrelay/internal/model"
)

// FrameKind identifies a client-to-server frame by its leading tag byte.
type FrameKind int

const (
	FrameInput FrameKind = iota
	FrameResize
	FrameSelect
)

func (k FrameKind) String() string {
	switch k {
	case FrameInput:
		return "input"
	case FrameResize:
		return "resize"
	case FrameSelect:
		return "select"
	}
	return "unknown"
}

// ControlTag prefixes every server-to-client control frame.
const ControlTag byte = 0x01

// Control message types sent to clients.
const (
	ControlReady    = "ready"
	ControlSpawned  = "spawned"
	ControlAttached = "attached"
	ControlExited   = "exited"
	ControlError    = "error"
)

// Frame is a parsed client frame.
type Frame struct {
	Kind FrameKind

	// Data is the raw terminal input for FrameInput.
	Data []byte

	// Cols and Rows are set for FrameResize.
	Cols uint16
	Rows uint16

	// Cwd is the selected project for FrameSelect.
	Cwd string
}

// selectPayload is the JSON body of a select frame.
type selectPayload struct {
	Cwd string `json:"cwd"`
}

// ParseFrame decodes one client frame. The tag may be sent either as the
// byte value (0, 1, 2) or as its ASCII digit ('0', '1', '2'). Errors wrap
// model.ErrProtocol; callers drop such frames.
func ParseFrame(msg []byte) (Frame, error) {
	if len(msg) == 0 {
		return Frame{}, fmt.Errorf("%w: empty frame", model.ErrProtocol)
	}

	payload := msg[1:]
	switch msg[0] {
	case 0, '0':
		return Frame{Kind: FrameInput, Data: payload}, nil

	case 1, '1':
		cols, rows, err := parseSize(string(payload))
		if err != nil {
			return Frame{}, err
		}
		return Frame{Kind: FrameResize, Cols: cols, Rows: rows}, nil

	case 2, '2':
		var sel selectPayload
		if err := json.Unmarshal(payload, &sel); err != nil {
			return Frame{}, fmt.Errorf("%w: select payload: %v", model.ErrProtocol, err)
		}
		return Frame{Kind: FrameSelect, Cwd: sel.Cwd}, nil
	}
	return Frame{}, fmt.Errorf("%w: unknown tag 0x%02x", model.ErrProtocol, msg[0])
}

// parseSize parses "<cols>,<rows>" where both are positive decimal integers
// that fit a terminal dimension.
func parseSize(s string) (uint16, uint16, error) {
	c, r, ok := strings.Cut(s, ",")
	if !ok {
		return 0, 0, fmt.Errorf("%w: resize %q", model.ErrProtocol, s)
	}
	cols, err := strconv.ParseUint(c, 10, 16)
	if err != nil || cols == 0 {
		return 0, 0, fmt.Errorf("%w: resize cols %q", model.ErrProtocol, c)
	}
	rows, err := strconv.ParseUint(r, 10, 16)
	if err != nil || rows == 0 {
		return 0, 0, fmt.Errorf("%w: resize rows %q", model.ErrProtocol, r)
	}
	return uint16(cols), uint16(rows), nil
}

// Bracketed paste mode toggles. The browser terminal manages paste mode on
// its own, so these are removed from input before it reaches the program.
var (
	pasteModeOn     = []byte("\x1b[?2004h")
	pasteModeOff    = []byte("\x1b[?2004l")
	pasteModePrefix = []byte("\x1b[?2004")
)

// SanitizeInput strips bracketed paste mode toggles from client input.
// Removal repeats until no toggle is left, so a toggle spliced into
// another cannot reassemble.
func SanitizeInput(data []byte) []byte {
	for bytes.Contains(data, pasteModePrefix) {
		n := len(data)
		data = bytes.ReplaceAll(data, pasteModeOn, nil)
		data = bytes.ReplaceAll(data, pasteModeOff, nil)
		if len(data) == n {
			break
		}
	}
	return data
}

// minHeldPrefix is the shortest tail held back as a possible toggle. A bare
// escape or CSI start is a normal keypress and is never delayed.
const minHeldPrefix = len("\x1b[?")

// inputFilter sanitizes a stream of input frames. A frame that ends with
// the start of a toggle keeps that tail until the next frame shows whether
// it completes.
type inputFilter struct {
	held []byte
}

// Filter returns the part of data that is safe to forward now.
func (f *inputFilter) Filter(data []byte) []byte {
	if len(f.held) > 0 {
		data = append(f.held, data...)
		f.held = nil
	}
	data = SanitizeInput(data)
	if n := partialToggle(data); n > 0 {
		f.held = append([]byte(nil), data[len(data)-n:]...)
		data = data[:len(data)-n]
	}
	return data
}

// Reset drops any held bytes.
func (f *inputFilter) Reset() {
	f.held = nil
}

// partialToggle returns the length of the longest suffix of data that could
// still grow into a toggle, or 0.
func partialToggle(data []byte) int {
	for n := len(pasteModePrefix); n >= minHeldPrefix; n-- {
		if bytes.HasSuffix(data, pasteModePrefix[:n]) {
			return n
		}
	}
	return 0
}

// Control is the JSON body of a server-to-client control frame.
type Control struct {
	Type    string `json:"type"`
	Cwd     string `json:"cwd,omitempty"`
	PID     int    `json:"pid,omitempty"`
	Code    *int   `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Encode returns the control frame: ControlTag followed by the JSON body.
func (c Control) Encode() []byte {
	body, err := json.Marshal(c)
	if err != nil {
		// Control only holds strings and ints.
		panic(fmt.Sprintf("marshal control frame: %v", err))
	}
	frame := make([]byte, 0, len(body)+1)
	frame = append(frame, ControlTag)
	return append(frame, body...)
}

// DecodeControl parses a control frame produced by Encode.
func DecodeControl(frame []byte) (Control, error) {
	var c Control
	if len(frame) == 0 || frame[0] != ControlTag {
		return c, fmt.Errorf("%w: missing control tag", model.ErrProtocol)
	}
	if err := json.Unmarshal(frame[1:], &c); err != nil {
		return c, fmt.Errorf("%w: control body: %v", model.ErrProtocol, err)
	}
	return c, nil
}

func readyControl() Control {
	return Control{Type: ControlReady}
}

func spawnedControl(cwd string, pid int) Control {
	return Control{Type: ControlSpawned, Cwd: cwd, PID: pid}
}

func attachedControl(cwd string, pid int) Control {
	return Control{Type: ControlAttached, Cwd: cwd, PID: pid}
}

func exitedControl(cwd string, code int) Control {
	return Control{Type: ControlExited, Cwd: cwd, Code: &code}
}

func errorControl(msg string) Control {
	return Control{Type: ControlError, Message: msg}
}
