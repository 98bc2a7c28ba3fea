package storage

import "errors"

var (
	// ErrNotFound is returned when exactly one item was requested and it does not exist.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict is returned when a definition version for the key and tenant is already taken.
	ErrVersionConflict = errors.New("definition version already exists")

	// ErrTransient marks failures of the storage backend that can succeed when retried.
	ErrTransient = errors.New("storage unavailable")
)
