package ws

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/remote-agent-terminal/ptyrelay/internal/model"
	"github.com/remote-agent-terminal/ptyrelay/internal/session"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// DefaultMaxMessageSize is the largest frame accepted from a client.
	// Pastes arrive as one input frame.
	DefaultMaxMessageSize = 1 << 20

	// DefaultSendQueue is the number of frames buffered per connection.
	DefaultSendQueue = 256
)

// State is the connection's position in its lifecycle.
type State int

const (
	StateIdle State = iota
	StateAttached
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAttached:
		return "attached"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// outbound is one queued websocket message.
type outbound struct {
	messageType int
	data        []byte
}

// Conn is one client connection. It starts Idle, becomes Attached after a
// successful select and is Closed once the transport goes away. At most one
// subscription is held at a time.
type Conn struct {
	id      string
	ws      *websocket.Conn
	handler *Handler
	limiter *rate.Limiter
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	state State
	sub   *session.Subscription
	send  chan outbound

	// input is only touched by the read pump.
	input inputFilter
}

func newConn(h *Handler, wsConn *websocket.Conn) *Conn {
	id := uuid.New().String()
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		id:      id,
		ws:      wsConn,
		handler: h,
		limiter: rate.NewLimiter(rate.Limit(h.config.SelectRate), h.config.SelectBurst),
		log:     log.With("conn", id),
		ctx:     ctx,
		cancel:  cancel,
		send:    make(chan outbound, h.config.SendQueue),
	}
}

// ID returns the connection identifier.
func (c *Conn) ID() string {
	return c.id
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Cwd returns the directory of the attached session, or "".
func (c *Conn) Cwd() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sub == nil {
		return ""
	}
	return c.sub.Session().Cwd()
}

// run drives the connection until the transport closes.
func (c *Conn) run() {
	go c.writePump()
	c.sendControl(readyControl())
	c.readPump()
}

// enqueueLocked queues a message without blocking. A full queue means the
// client cannot keep up, and the connection is closed.
func (c *Conn) enqueueLocked(msg outbound) bool {
	if c.state == StateClosed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		c.log.Warn("send queue full, closing connection")
		c.closeLocked()
		return false
	}
}

func (c *Conn) sendControl(ctl Control) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enqueueLocked(outbound{websocket.TextMessage, ctl.Encode()})
}

// Close detaches from any session and stops the connection. The session
// itself keeps running. Safe to call more than once.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

// closeLocked marks the connection closed. Lock order is always connection
// then session, so detaching here cannot deadlock with publishing.
func (c *Conn) closeLocked() {
	if c.state == StateClosed {
		return
	}
	sub := c.sub
	c.sub = nil
	c.state = StateClosed
	close(c.send)
	c.cancel()
	if sub != nil {
		sub.Session().Detach(sub)
	}
}

// handleFrame dispatches one client frame.
func (c *Conn) handleFrame(msg []byte) {
	frame, err := ParseFrame(msg)
	if err != nil {
		c.log.Debug("dropping malformed frame", "error", err)
		return
	}

	switch frame.Kind {
	case FrameInput:
		if s := c.attached(); s != nil {
			if data := c.input.Filter(frame.Data); len(data) > 0 {
				s.Write(data)
			}
		}
	case FrameResize:
		if s := c.attached(); s != nil {
			s.Resize(frame.Cols, frame.Rows)
		}
	case FrameSelect:
		c.selectProject(frame.Cwd)
	}
}

// attached returns the session of the current subscription, or nil.
func (c *Conn) attached() *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateAttached || c.sub == nil {
		return nil
	}
	return c.sub.Session()
}

// detach drops the current subscription and returns to Idle.
func (c *Conn) detach() {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	if c.state == StateAttached {
		c.state = StateIdle
	}
	c.mu.Unlock()
	if sub != nil {
		sub.Session().Detach(sub)
	}
}

// selectProject attaches the connection to the session rooted at cwd,
// spawning it if needed. A select refused by the rate limit changes
// nothing. Otherwise the previous attachment is dropped first, so a failed
// select leaves the connection Idle.
func (c *Conn) selectProject(cwd string) {
	if !c.limiter.Allow() {
		c.sendControl(errorControl(model.ErrRateLimited.Error()))
		return
	}

	c.detach()
	c.input.Reset()

	sub, replay, created, err := c.attach(cwd)
	if err != nil {
		c.log.Info("select failed", "cwd", cwd, "error", err)
		c.sendControl(errorControl(selectErrorMessage(cwd, err)))
		return
	}
	s := sub.Session()

	ctl := attachedControl(s.Cwd(), s.PID())
	if created {
		ctl = spawnedControl(s.Cwd(), s.PID())
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		s.Detach(sub)
		return
	}
	c.sub = sub
	c.state = StateAttached
	ok := c.enqueueLocked(outbound{websocket.TextMessage, ctl.Encode()})
	if ok && len(replay) > 0 {
		ok = c.enqueueLocked(outbound{websocket.BinaryMessage, replay})
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	c.log.Info("attached", "cwd", s.Cwd(), "pid", s.PID(), "spawned", created)
	go c.forward(sub)

	if c.handler.projects != nil {
		if err := c.handler.projects.Touch(c.ctx, s.Cwd()); err != nil {
			c.log.Warn("recording project failed", "cwd", s.Cwd(), "error", err)
		}
	}
}

// attach resolves cwd to a session and subscribes. A session that exits
// between lookup and attach is retried once against a fresh spawn.
func (c *Conn) attach(cwd string) (*session.Subscription, []byte, bool, error) {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		var s *session.Session
		var created bool
		s, created, err = c.handler.registry.GetOrCreate(c.ctx, cwd)
		if err != nil {
			return nil, nil, false, err
		}
		var sub *session.Subscription
		var replay []byte
		sub, replay, err = s.Attach()
		if err == nil {
			return sub, replay, created, nil
		}
		if !errors.Is(err, model.ErrProcessExited) {
			return nil, nil, false, err
		}
	}
	return nil, nil, false, err
}

func selectErrorMessage(cwd string, err error) string {
	switch {
	case errors.Is(err, model.ErrInvalidPath):
		return "invalid project directory: " + cwd
	case errors.Is(err, model.ErrSessionLimit):
		return "too many running sessions"
	}
	return err.Error()
}

// forward relays one subscription's output to the client and reports how
// it ended. Chunks are only sent while sub is still the current
// subscription, so output from a previous session never follows the
// control frame of the next one.
func (c *Conn) forward(sub *session.Subscription) {
	for chunk := range sub.C() {
		c.mu.Lock()
		if c.sub != sub {
			c.mu.Unlock()
			continue
		}
		c.enqueueLocked(outbound{websocket.BinaryMessage, chunk})
		c.mu.Unlock()
	}

	switch sub.Reason() {
	case session.ReasonExited:
		c.mu.Lock()
		if c.sub == sub {
			c.sub = nil
			c.state = StateIdle
			ctl := exitedControl(sub.Session().Cwd(), sub.ExitCode())
			c.enqueueLocked(outbound{websocket.TextMessage, ctl.Encode()})
		}
		c.mu.Unlock()

	case session.ReasonLagged:
		c.mu.Lock()
		current := c.sub == sub
		c.mu.Unlock()
		if current {
			c.log.Warn("client fell behind session output, closing", "cwd", sub.Session().Cwd())
			c.Close()
		}
	}
}

// readPump pumps frames from the websocket connection until it fails.
func (c *Conn) readPump() {
	defer func() {
		c.Close()
		c.ws.Close()
		c.handler.unregister(c)
	}()

	c.ws.SetReadLimit(c.handler.config.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.log.Warn("websocket read error", "error", err)
			}
			return
		}
		c.handleFrame(message)
	}
}

// writePump pumps queued messages to the websocket connection.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The connection was closed
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(msg.messageType, msg.data); err != nil {
				c.log.Debug("websocket write failed", "error", err)
				c.Close()
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}
