package transport

import (
	"sync"

	"github.com/panjf2000/gnet/v2"

	"github.com/FumingPower3925/tessera/internal/buffer"
)

// writer batches outbound buffers into vectored async writes. Only one
// AsyncWritev is in flight per connection; buffers queued meanwhile go out
// together once it completes, which keeps them in order.
type writer struct {
	alloc buffer.Allocator

	mu       sync.Mutex
	pending  [][]byte
	owned    [][]byte
	dones    []func(error)
	inflight bool
	failed   error
}

// enqueue adds bufs to the next batch. done runs when the batch carrying
// them was written or failed. Pooled buffers go back to the allocator once
// gnet is done with them.
func (w *writer) enqueue(bufs [][]byte, pooled bool, done func(error)) error {
	w.mu.Lock()
	if w.failed != nil {
		err := w.failed
		w.mu.Unlock()
		if pooled {
			w.release(bufs)
		}
		return err
	}
	w.pending = append(w.pending, bufs...)
	if pooled {
		w.owned = append(w.owned, bufs...)
	}
	if done != nil {
		w.dones = append(w.dones, done)
	}
	w.mu.Unlock()
	return nil
}

// flush hands the pending batch to gnet unless a write is in flight.
func (w *writer) flush(gc gnet.Conn) {
	w.mu.Lock()
	if w.inflight || len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	batch, owned, dones := w.pending, w.owned, w.dones
	w.pending, w.owned, w.dones = nil, nil, nil
	w.inflight = true
	w.mu.Unlock()

	err := gc.AsyncWritev(batch, func(_ gnet.Conn, err error) error {
		w.complete(gc, owned, dones, err)
		return nil
	})
	if err != nil {
		w.complete(gc, owned, dones, err)
	}
}

// complete runs after gnet wrote or buffered the batch, so owned buffers
// can be reused.
func (w *writer) complete(gc gnet.Conn, owned [][]byte, dones []func(error), err error) {
	w.release(owned)
	for _, done := range dones {
		done(err)
	}
	w.mu.Lock()
	w.inflight = false
	if err != nil && w.failed == nil {
		w.failed = err
	}
	more := len(w.pending) > 0 && w.failed == nil
	w.mu.Unlock()
	if more {
		w.flush(gc)
	}
}

// fail drops queued buffers and reports err to their writers.
func (w *writer) fail(err error) {
	w.mu.Lock()
	if w.failed == nil {
		w.failed = err
	}
	owned, dones := w.owned, w.dones
	w.pending, w.owned, w.dones = nil, nil, nil
	w.mu.Unlock()
	w.release(owned)
	for _, done := range dones {
		done(err)
	}
}

func (w *writer) release(bufs [][]byte) {
	if w.alloc == nil {
		return
	}
	for _, b := range bufs {
		w.alloc.Release(b)
	}
}
