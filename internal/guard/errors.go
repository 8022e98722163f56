package guard

import "errors"

var (
	// ErrManagerStart is returned when the manager service fails to start.
	ErrManagerStart = errors.New("failed to start virtualization manager")
	// ErrManagerReconcile wraps registry failures. They are logged, never fatal.
	ErrManagerReconcile = errors.New("manager reconcile failed")
	// ErrSessionLocked is returned when another guard session holds the lock.
	ErrSessionLocked = errors.New("another netguard session is running")
)
