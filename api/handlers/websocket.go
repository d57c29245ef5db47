package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/remote-agent-terminal/ptyrelay/internal/ws"
)

// WebSocketHandler serves terminal clients.
type WebSocketHandler struct {
	wsHandler *ws.Handler
}

// NewWebSocketHandler creates a new WebSocketHandler.
func NewWebSocketHandler(wsHandler *ws.Handler) *WebSocketHandler {
	return &WebSocketHandler{wsHandler: wsHandler}
}

// Attach handles GET /ws - upgrades to a terminal connection. The
// connection starts idle and picks its session with a select frame.
func (h *WebSocketHandler) Attach(c *gin.Context) {
	h.wsHandler.ServeHTTP(c.Writer, c.Request)
}

// RegisterRoutes registers the WebSocket route.
func (h *WebSocketHandler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/ws", h.Attach)
}
