package ssl

import (
	"time"

	"github.com/FumingPower3925/tessera/internal/filter"
)

// Unlimited disables the pending write budget.
const Unlimited = -1

type pendingWrite struct {
	ctx  *filter.Context
	size int
}

// HandshakeContext tracks one outstanding handshake of a connection: who
// waits for it and which application writes are parked behind it. It is
// guarded by the connection lock.
type HandshakeContext struct {
	dones        []func(error)
	pending      []pendingWrite
	pendingBytes int
	max          int
	begun        bool
	engineDone   bool
	completed    bool
	failed       bool
	err          error
	started      time.Time
}

func newHandshakeContext(maxPending int) *HandshakeContext {
	return &HandshakeContext{max: maxPending, started: time.Now()}
}

// Begun reports whether the engine was asked to handshake. Writes may be
// queued on a handshake that has not begun yet.
func (h *HandshakeContext) Begun() bool { return h.begun }

// Done reports whether the handshake completed or failed. A handshake the
// engine finished stays not done until its queued writes were flushed.
func (h *HandshakeContext) Done() bool { return h.completed || h.failed }

// Err returns the failure cause, if the handshake failed.
func (h *HandshakeContext) Err() error { return h.err }

// PendingBytes returns the number of application bytes queued.
func (h *HandshakeContext) PendingBytes() int { return h.pendingBytes }

// PendingLen returns the number of queued writes.
func (h *HandshakeContext) PendingLen() int { return len(h.pending) }

// Elapsed returns the time since the handshake started.
func (h *HandshakeContext) Elapsed() time.Duration { return time.Since(h.started) }

func (h *HandshakeContext) onDone(fn func(error)) {
	if fn != nil {
		h.dones = append(h.dones, fn)
	}
}

// add queues ctx. Queued writes are left untouched when the budget would
// be exceeded.
func (h *HandshakeContext) add(ctx *filter.Context, size int) error {
	if h.max >= 0 && h.pendingBytes+size > h.max {
		return &PendingLimitError{Pending: h.pendingBytes, Size: size, Limit: h.max}
	}
	h.pending = append(h.pending, pendingWrite{ctx: ctx, size: size})
	h.pendingBytes += size
	return nil
}

// pop removes the oldest queued write.
func (h *HandshakeContext) pop() (pendingWrite, bool) {
	if len(h.pending) == 0 {
		return pendingWrite{}, false
	}
	p := h.pending[0]
	h.pending[0] = pendingWrite{}
	h.pending = h.pending[1:]
	h.pendingBytes -= p.size
	return p, true
}

// complete marks the handshake successful and returns the completion
// callbacks. Queued writes must have been popped already.
func (h *HandshakeContext) complete() []func(error) {
	if h.Done() {
		return nil
	}
	h.completed = true
	_, dones := h.drain()
	return dones
}

// fail marks the handshake failed and returns the queued writes and the
// completion callbacks, for the caller to fail outside the connection lock.
// ok is false when the handshake was already done.
func (h *HandshakeContext) fail(err error) (pending []pendingWrite, dones []func(error), ok bool) {
	if h.Done() {
		return nil, nil, false
	}
	h.failed = true
	h.err = err
	pending, dones = h.drain()
	return pending, dones, true
}

func (h *HandshakeContext) drain() ([]pendingWrite, []func(error)) {
	pending, dones := h.pending, h.dones
	h.pending, h.dones, h.pendingBytes = nil, nil, 0
	return pending, dones
}
