package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/remote-agent-terminal/ptyrelay/internal/model"
	"github.com/remote-agent-terminal/ptyrelay/internal/session"
)

// statsTimeout bounds how long process statistics may delay a listing.
const statsTimeout = 500 * time.Millisecond

// SessionHandler handles HTTP requests for live sessions.
type SessionHandler struct {
	registry *session.Registry
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(registry *session.Registry) *SessionHandler {
	return &SessionHandler{registry: registry}
}

// SessionResponse represents a live session in API responses.
type SessionResponse struct {
	Cwd           string   `json:"cwd"`
	PID           int      `json:"pid"`
	Status        string   `json:"status"`
	Observers     int      `json:"observers"`
	BufferedBytes int      `json:"bufferedBytes"`
	Uptime        string   `json:"uptime"`
	CreatedAt     string   `json:"createdAt"`
	CPUPercent    *float64 `json:"cpuPercent,omitempty"`
	RSSBytes      *uint64  `json:"rssBytes,omitempty"`
}

func toSessionResponse(info model.SessionInfo) *SessionResponse {
	return &SessionResponse{
		Cwd:           info.Cwd,
		PID:           info.PID,
		Status:        string(info.Status),
		Observers:     info.Observers,
		BufferedBytes: info.BufferedBytes,
		Uptime:        formatDuration(info.Uptime()),
		CreatedAt:     info.CreatedAt.Format(time.RFC3339),
		CPUPercent:    info.CPUPercent,
		RSSBytes:      info.RSSBytes,
	}
}

// addProcessStats fills in CPU and memory usage when the OS reports them.
// Missing statistics are left nil.
func addProcessStats(ctx context.Context, info *model.SessionInfo) {
	p, err := process.NewProcessWithContext(ctx, int32(info.PID))
	if err != nil {
		return
	}
	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		info.CPUPercent = &cpu
	}
	if mem, err := p.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		rss := mem.RSS
		info.RSSBytes = &rss
	}
}

// List handles GET /api/sessions - lists live sessions.
func (h *SessionHandler) List(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), statsTimeout)
	defer cancel()

	infos := h.registry.List()
	response := make([]*SessionResponse, len(infos))
	for i := range infos {
		addProcessStats(ctx, &infos[i])
		response[i] = toSessionResponse(infos[i])
	}

	c.JSON(http.StatusOK, response)
}

// Kill handles DELETE /api/sessions?cwd=... - terminates the session for a directory.
// Attached clients receive the normal exit notification.
func (h *SessionHandler) Kill(c *gin.Context) {
	cwd := c.Query("cwd")
	if cwd == "" {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Query parameter cwd is required")
		return
	}

	if err := h.registry.Kill(cwd); err != nil {
		switch {
		case errors.Is(err, model.ErrSessionNotFound):
			sendError(c, http.StatusNotFound, "SESSION_NOT_FOUND", "No running session for "+cwd)
		case errors.Is(err, model.ErrInvalidPath):
			sendError(c, http.StatusBadRequest, "INVALID_PATH", err.Error())
		default:
			sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to kill session: "+err.Error())
		}
		return
	}

	c.Status(http.StatusNoContent)
}

// RegisterRoutes registers the session handler routes on a Gin router group.
func (h *SessionHandler) RegisterRoutes(rg *gin.RouterGroup) {
	sessions := rg.Group("/sessions")
	{
		sessions.GET("", h.List)
		sessions.DELETE("", h.Kill)
	}
}
