package errors

import "errors"

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")
	// ErrStoreUnavailable is returned when the backing store could not
	// complete an operation. The underlying cause is only attached as text.
	ErrStoreUnavailable = errors.New("store unavailable")
)
