package domain

import "errors"

var (
	// ErrValidation marks malformed input. Nothing is written.
	ErrValidation = errors.New("validation failed")

	// ErrConflict marks a request that contradicts existing state: a reused
	// idempotency key with different parameters, or cancelling a finished task.
	ErrConflict = errors.New("conflict")

	ErrNotFound  = errors.New("task not found")
	ErrForbidden = errors.New("forbidden")

	// ErrUnavailable marks storage or transport failures the caller may retry.
	ErrUnavailable = errors.New("temporarily unavailable")

	// ErrTransition is returned by stores when a conditional state change
	// found the task in a state that does not allow it.
	ErrTransition = errors.New("illegal state transition")

	// ErrDuplicate is returned by stores when (owner, idempotency key) is taken.
	ErrDuplicate = errors.New("idempotency key already used")

	ErrArtifactNotFound = errors.New("artifact not found")
)
