package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/remote-agent-terminal/ptyrelay/internal/model"
	"github.com/remote-agent-terminal/ptyrelay/internal/session"
)

// ProjectStore is the recent projects list.
type ProjectStore interface {
	List(ctx context.Context) ([]*model.Project, error)
	Touch(ctx context.Context, path string) error
	Remove(ctx context.Context, path string) error
}

// ProjectHandler handles HTTP requests for the recent projects list.
type ProjectHandler struct {
	store ProjectStore
}

// NewProjectHandler creates a new ProjectHandler.
func NewProjectHandler(store ProjectStore) *ProjectHandler {
	return &ProjectHandler{store: store}
}

// List handles GET /api/projects - most recently used first.
func (h *ProjectHandler) List(c *gin.Context) {
	projects, err := h.store.List(c.Request.Context())
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list projects: "+err.Error())
		return
	}
	c.JSON(http.StatusOK, projects)
}

// Add handles POST /api/projects - records a directory without starting a session.
func (h *ProjectHandler) Add(c *gin.Context) {
	var req model.AddProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}

	path, err := session.Canonical(req.Path)
	if err != nil || !session.Validate(path) {
		sendError(c, http.StatusBadRequest, "INVALID_PATH", "Not a directory: "+req.Path)
		return
	}

	if err := h.store.Touch(c.Request.Context(), path); err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to add project: "+err.Error())
		return
	}

	c.JSON(http.StatusCreated, gin.H{"path": path})
}

// Remove handles DELETE /api/projects?path=... - forgets a directory.
func (h *ProjectHandler) Remove(c *gin.Context) {
	path := c.Query("path")
	if path == "" {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Query parameter path is required")
		return
	}
	if canonical, err := session.Canonical(path); err == nil {
		path = canonical
	}

	if err := h.store.Remove(c.Request.Context(), path); err != nil {
		if errors.Is(err, model.ErrProjectNotFound) {
			sendError(c, http.StatusNotFound, "PROJECT_NOT_FOUND", "Project "+path+" not found")
			return
		}
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to remove project: "+err.Error())
		return
	}

	c.Status(http.StatusNoContent)
}

// RegisterRoutes registers the project handler routes on a Gin router group.
func (h *ProjectHandler) RegisterRoutes(rg *gin.RouterGroup) {
	projects := rg.Group("/projects")
	{
		projects.GET("", h.List)
		projects.POST("", h.Add)
		projects.DELETE("", h.Remove)
	}
}
