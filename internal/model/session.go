package model

import (
	"time"
)

// SessionStatus represents the liveness of a terminal session.
type SessionStatus string

const (
	SessionStatusRunning SessionStatus = "running"
	SessionStatusExited  SessionStatus = "exited"
)

// SessionInfo is a point-in-time view of a live session.
type SessionInfo struct {
	Cwd           string        `json:"cwd"`
	PID           int           `json:"pid"`
	Status        SessionStatus `json:"status"`
	Observers     int           `json:"observers"`
	BufferedBytes int           `json:"bufferedBytes"`
	CreatedAt     time.Time     `json:"createdAt"`

	// Process statistics, filled in by the HTTP layer when available.
	CPUPercent *float64 `json:"cpuPercent,omitempty"`
	RSSBytes   *uint64  `json:"rssBytes,omitempty"`
}

// Uptime returns how long the session has been running.
func (s *SessionInfo) Uptime() time.Duration {
	return time.Since(s.CreatedAt)
}

// Project is an entry in the recent-projects list.
type Project struct {
	Path     string    `json:"path"`
	LastUsed time.Time `json:"lastUsed"`
}

// AddProjectRequest represents a request to add a project to the recent list.
type AddProjectRequest struct {
	Path string `json:"path" binding:"required"`
}

// Validate validates the add project request.
func (r *AddProjectRequest) Validate() error {
	if r.Path == "" {
		return ErrInvalidPath
	}
	return nil
}
