package session

import "errors"

var (
	// ErrAlreadyRunning is returned when Start is called for a key that
	// already has a live handle. The existing handle is never replaced.
	ErrAlreadyRunning = errors.New("session: terminal already running")

	// ErrNotFound is returned by destructive operations (Write, Stop)
	// targeting a key with no live handle.
	ErrNotFound = errors.New("session: terminal not running")

	// ErrExecutableNotFound is returned when no executable can be resolved
	// for the requested terminal kind. Nothing is registered in that case.
	ErrExecutableNotFound = errors.New("session: executable not found")

	// ErrInvalidWorkDir is returned when the requested working directory
	// does not exist or is not a directory.
	ErrInvalidWorkDir = errors.New("session: invalid working directory")
)
