package store

import "errors"

var (
	ErrQueueNotActive    = errors.New("queue not active")
	ErrInvalidCustomer   = errors.New("invalid customer")
	ErrQueueEmpty        = errors.New("queue empty")
	ErrQueueBusy         = errors.New("queue busy")
	ErrInvalidStatus     = errors.New("invalid item status")
	ErrStaleTransition   = errors.New("stale transition")
	ErrDuplicatePosition = errors.New("duplicate position")
	ErrNotFound          = errors.New("not found")
	ErrUnavailable       = errors.New("storage unavailable")
)
