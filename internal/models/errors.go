package models

import "errors"

// Error kinds shared across packages. Handlers map these to HTTP statuses;
// internal callers branch with errors.Is.
var (
	// ErrInvalidInput marks malformed job ids, invalid config, or a missing
	// required artifact.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConflict marks a state-machine violation: resume while running,
	// merge before process completes, duplicate in-flight submission.
	ErrConflict = errors.New("conflict")

	// ErrNotFound marks an unknown job id or a missing on-disk artifact.
	ErrNotFound = errors.New("not found")

	// ErrCancelled marks cooperative cancellation observed mid-operation.
	ErrCancelled = errors.New("cancelled")
)
