package ws

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/remote-agent-terminal/ptyrelay/internal/logging"
	"github.com/remote-agent-terminal/ptyrelay/internal/session"
)

var log = logging.ForComponent(logging.CompWS)

// ProjectTracker records directories that were successfully selected.
type ProjectTracker interface {
	Touch(ctx context.Context, path string) error
}

// Config holds configuration for the handler.
type Config struct {
	// SelectRate is the sustained number of select frames per second
	// allowed on one connection.
	SelectRate float64

	// SelectBurst is the number of selects allowed at once.
	SelectBurst int

	// SendQueue is the number of outbound frames buffered per connection.
	SendQueue int

	// MaxMessageSize is the largest client frame accepted. Anything bigger
	// closes the connection.
	MaxMessageSize int64

	// CheckOrigin overrides the upgrader's origin check. Nil allows all origins.
	CheckOrigin func(r *http.Request) bool
}

// DefaultConfig returns the default handler configuration.
func DefaultConfig() Config {
	return Config{
		SelectRate:     2,
		SelectBurst:    5,
		SendQueue:      DefaultSendQueue,
		MaxMessageSize: DefaultMaxMessageSize,
	}
}

// Handler accepts websocket connections and runs a Conn for each.
type Handler struct {
	registry *session.Registry
	projects ProjectTracker
	config   Config
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[*Conn]struct{}
	closed bool
}

// NewHandler creates a handler that attaches connections to sessions from
// registry. projects may be nil.
func NewHandler(registry *session.Registry, projects ProjectTracker, config Config) *Handler {
	def := DefaultConfig()
	if config.SelectRate <= 0 {
		config.SelectRate = def.SelectRate
	}
	if config.SelectBurst <= 0 {
		config.SelectBurst = def.SelectBurst
	}
	if config.SendQueue <= 0 {
		config.SendQueue = def.SendQueue
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = def.MaxMessageSize
	}
	checkOrigin := config.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}

	return &Handler{
		registry: registry,
		projects: projects,
		config:   config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		conns: make(map[*Conn]struct{}),
	}
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already replied with an HTTP error.
		log.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := newConn(h, wsConn)
	if !h.register(c) {
		wsConn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		wsConn.Close()
		return
	}

	c.log.Info("client connected", "remote", r.RemoteAddr)
	c.run()
	c.log.Info("client disconnected")
}

func (h *Handler) register(c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[c] = struct{}{}
	return true
}

func (h *Handler) unregister(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, c)
}

// ConnectionCount returns the number of open connections.
func (h *Handler) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Close closes every connection and refuses new ones. Sessions keep running.
func (h *Handler) Close() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}
