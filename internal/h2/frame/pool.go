package frame

import (
	"sync"
	"sync/atomic"
)

var pooling atomic.Bool

func init() { pooling.Store(true) }

// SetPooling turns frame pooling on or off for the whole process. With
// pooling off every constructor allocates and Recycle only resets, which
// makes use-after-recycle bugs easier to spot.
func SetPooling(enabled bool) { pooling.Store(enabled) }

// Pooling reports whether frames are pooled.
func Pooling() bool { return pooling.Load() }

type pool[T any] struct {
	p sync.Pool
}

func (p *pool[T]) get() *T {
	if pooling.Load() {
		if v, ok := p.p.Get().(*T); ok {
			return v
		}
	}
	return new(T)
}

func (p *pool[T]) put(v *T) {
	if pooling.Load() {
		p.p.Put(v)
	}
}

var (
	dataPool         pool[DataFrame]
	headersPool      pool[HeadersFrame]
	priorityPool     pool[PriorityFrame]
	rstStreamPool    pool[RSTStreamFrame]
	settingsPool     pool[SettingsFrame]
	pushPromisePool  pool[PushPromiseFrame]
	pingPool         pool[PingFrame]
	goAwayPool       pool[GoAwayFrame]
	windowUpdatePool pool[WindowUpdateFrame]
	continuationPool pool[ContinuationFrame]
	unknownPool      pool[UnknownFrame]
)
