package filter

import "errors"

var (
	// ErrNilAction is reported when a handler returns neither an action nor
	// an error.
	ErrNilAction = errors.New("filter: handler returned nil action")

	// ErrWriteRejected is wrapped by errors that fail a single write without
	// being fatal for the connection. The chain does not close the
	// connection for them.
	ErrWriteRejected = errors.New("filter: write rejected")

	// ErrConnectionClosed is returned when an operation targets a closed
	// connection.
	ErrConnectionClosed = errors.New("filter: connection closed")

	// ErrNotSuspended is returned by Resume on a context that is not parked.
	ErrNotSuspended = errors.New("filter: context is not suspended")

	// ErrFilterNotFound is returned when a filter is not part of a chain.
	ErrFilterNotFound = errors.New("filter: filter not found in chain")
)
