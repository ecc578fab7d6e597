package lock

import "errors"

// Lock-related errors.
var (
	// ErrLockHeld is returned when the per-account lock is already held.
	ErrLockHeld = errors.New("account lock already held")
)
