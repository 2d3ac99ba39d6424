package storage

import "errors"

// Common storage errors.
var (
	// ErrNotFound is returned when a goal, action or execution does not exist.
	ErrNotFound = errors.New("not found")
)
