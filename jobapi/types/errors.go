package types

import "errors"

var (
	// ErrNotFound means the requested entity id is unknown.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition means a status guard failed, usually
	// because another actor advanced the entity first. Callers should
	// reload and retry manually.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrDuplicateID means an insert collided on the primary key.
	// With UUIDv4 ids this indicates a bug rather than bad input.
	ErrDuplicateID = errors.New("duplicate id")

	// ErrNoJobAvailable means the queue holds no claimable job.
	ErrNoJobAvailable = errors.New("no job available")
)
