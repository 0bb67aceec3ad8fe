package storage

import "errors"

// Common client storage errors
var (
	// ErrRowNotFound indicates that the requested row does not exist locally
	ErrRowNotFound = errors.New("row not found")

	// ErrCursorRegression indicates an attempt to move a replication cursor backward
	ErrCursorRegression = errors.New("cursor regression")

	// ErrStorageClosed indicates that storage is closed
	ErrStorageClosed = errors.New("storage is closed")
)
