package model

import "errors"

var (
	// ErrSpawn is returned when the shell executable cannot be launched.
	ErrSpawn = errors.New("failed to spawn shell")

	// ErrSessionClosed is returned when writing to or resizing a shell that has exited.
	ErrSessionClosed = errors.New("shell session closed")

	// ErrWatch is returned when the workspace watcher fails and its event stream ends.
	ErrWatch = errors.New("workspace watch failed")

	// ErrInvalidPath is returned when a path resolves outside the workspace root.
	ErrInvalidPath = errors.New("invalid path")

	// ErrNotFound is returned when a workspace file does not exist.
	ErrNotFound = errors.New("file not found")

	// ErrIO is returned when a workspace file cannot be read or written.
	ErrIO = errors.New("file i/o error")

	// ErrConnectionOverflow is returned when a connection's outbound buffer exceeds its bound.
	ErrConnectionOverflow = errors.New("connection outbound buffer overflow")

	// ErrCommandRequired is returned when no shell command is configured.
	ErrCommandRequired = errors.New("command is required")
)

// ErrorCode maps an error to the code reported to clients.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidPath):
		return "INVALID_PATH"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrSessionClosed):
		return "SESSION_CLOSED"
	case errors.Is(err, ErrIO):
		return "IO_ERROR"
	default:
		return "INTERNAL_ERROR"
	}
}
