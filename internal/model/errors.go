package model

import "errors"

var (
	// ErrInvalidPath is returned when a selected directory is missing or is not a directory.
	ErrInvalidPath = errors.New("invalid project path")

	// ErrSpawn is returned when the program could not be started.
	ErrSpawn = errors.New("failed to spawn process")

	// ErrProcessExited is returned by best-effort operations on a process that has already exited.
	ErrProcessExited = errors.New("process has exited")

	// ErrProtocol is returned when a client frame cannot be parsed.
	ErrProtocol = errors.New("malformed frame")

	// ErrSessionNotFound is returned when no live session exists for a key.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionLimit is returned when the maximum number of concurrent sessions is reached.
	ErrSessionLimit = errors.New("concurrent session limit exceeded")

	// ErrProjectNotFound is returned when a project is not in the recent list.
	ErrProjectNotFound = errors.New("project not found")

	// ErrRateLimited is returned when a connection selects projects too quickly.
	ErrRateLimited = errors.New("too many project selections")
)
