package sessionmgr

import "fmt"

// NotFoundError is returned by Get/Kill for an unknown session id.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("sessionmgr: session %q not found", e.ID)
}

// AlreadyExistsError is returned by Create on an explicit id collision.
type AlreadyExistsError struct {
	ID string
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("sessionmgr: session %q already exists", e.ID)
}

// PathNotFoundError is returned by Create when spec.Cwd does not exist.
type PathNotFoundError struct {
	Path string
}

func (e *PathNotFoundError) Error() string {
	return fmt.Sprintf("sessionmgr: cwd %q does not exist", e.Path)
}

// SpawnFailedError wraps a forwarder-process launch failure.
type SpawnFailedError struct {
	Cause error
}

func (e *SpawnFailedError) Error() string {
	return fmt.Sprintf("sessionmgr: spawn failed: %v", e.Cause)
}

func (e *SpawnFailedError) Unwrap() error {
	return e.Cause
}
