package store

import "errors"

var (
	// ErrBackendUnavailable means the active backend could not be opened or
	// reached. Recoverable: callers retry via ForceInit.
	ErrBackendUnavailable = errors.New("backend_unavailable")

	// ErrNotFound means a lookup for a specific identifier matched no row.
	ErrNotFound = errors.New("not_found")
)
