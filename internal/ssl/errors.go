package ssl

import (
	"errors"
	"fmt"

	"github.com/FumingPower3925/tessera/internal/filter"
)

// ErrClientAuthRequired closes a connection whose peer did not present a
// wanted client certificate when the engine cannot handshake again with
// the certificate required.
var ErrClientAuthRequired = errors.New("ssl: client certificate required")

// Error reports a Wrap or Unwrap call that could not make progress.
type Error struct {
	Op     string
	Status Status
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ssl: %s: %s: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("ssl: %s: %s", e.Op, e.Status)
}

func (e *Error) Unwrap() error { return e.Err }

// PendingLimitError is returned for an application write that would push
// the bytes queued during a handshake past the configured budget. It wraps
// filter.ErrWriteRejected, so the chain fails the write without closing
// the connection.
type PendingLimitError struct {
	Pending int
	Size    int
	Limit   int
}

func (e *PendingLimitError) Error() string {
	return fmt.Sprintf("ssl: pending write of %d bytes exceeds budget (%d queued, limit %d)", e.Size, e.Pending, e.Limit)
}

func (e *PendingLimitError) Unwrap() error { return filter.ErrWriteRejected }
