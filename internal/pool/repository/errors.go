package repository

import "errors"

// Sentinel errors returned by the repository. Lookup failures use
// replica.ErrNotFound and replica.ErrAlreadyExists.
var (
	ErrIO                      = errors.New("repository I/O failure")
	ErrNotInitialized          = errors.New("repository is not initialized")
	ErrAlreadyInitialized      = errors.New("repository recovery already ran")
	ErrClosed                  = errors.New("repository is closed")
	ErrOverbookedFatal         = errors.New("pool is overbooked and space recovery is disabled")
	ErrOverbookedUnrecoverable = errors.New("pool is overbooked beyond the recoverable limit")
	ErrInvariantViolation      = errors.New("repository invariant violated")
	ErrNoSpace                 = errors.New("not enough free space")
	ErrIllegalTransition       = errors.New("illegal replica state transition")
	ErrIncomplete              = errors.New("replica is incomplete")
	ErrLocked                  = errors.New("replica is in use")
	ErrPendingRemoval          = errors.New("replica was being removed")
	ErrInvalidReservation      = errors.New("invalid space reservation")
	ErrHandleClosed            = errors.New("handle already closed")
	ErrPoolInUse               = errors.New("pool is in use by another process")
	ErrChecksumMismatch        = errors.New("checksum mismatch")
)
