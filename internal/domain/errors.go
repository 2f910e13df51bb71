package domain

import "errors"

var (
	// ErrNotFound is returned by stores when no schedule has the given id.
	ErrNotFound = errors.New("schedule not found")

	// ErrStaleWrite is returned by stores when a conditional write loses an
	// optimistic concurrency race. Callers re-fetch and retry.
	ErrStaleWrite = errors.New("stale write: schedule was modified concurrently")
)
