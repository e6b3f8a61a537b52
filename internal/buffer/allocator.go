// Package buffer provides the memory manager used by the filter pipeline.
// Filters never allocate raw network buffers directly; they go through an
// Allocator so the transport can pool and reuse memory.
package buffer

import (
	"math/bits"
	"sync"
)

// Allocator is the pluggable memory manager handed to filters.
type Allocator interface {
	// Allocate returns an empty slice with capacity of at least size bytes.
	Allocate(size int) []byte
	// Grow returns a slice holding the contents of old with capacity of at
	// least newSize bytes. old must not be used after Grow returns.
	Grow(old []byte, newSize int) []byte
	// Release hands b back to the allocator. b must not be used afterwards.
	Release(b []byte)
}

// Pooled is a batch of buffers taken from a connection's Allocator. The
// filter that finally consumes a Pooled write releases the buffers once it
// is done with them, so the writer must not touch them afterwards.
type Pooled [][]byte

const (
	minClassShift = 9  // 512 B
	maxClassShift = 20 // 1 MiB
	numClasses    = maxClassShift - minClassShift + 1
)

// PooledAllocator keeps power-of-two size classes in sync.Pools. Requests
// larger than the biggest class are served by make and dropped on Release.
type PooledAllocator struct {
	pools [numClasses]sync.Pool
}

// NewPooledAllocator creates a PooledAllocator.
func NewPooledAllocator() *PooledAllocator {
	a := &PooledAllocator{}
	for i := range a.pools {
		size := 1 << (i + minClassShift)
		a.pools[i].New = func() any {
			b := make([]byte, 0, size)
			return &b
		}
	}
	return a
}

// Default is the process-wide allocator used when a connection does not
// provide its own.
var Default Allocator = NewPooledAllocator()

func classOf(size int) int {
	if size <= 1<<minClassShift {
		return 0
	}
	shift := bits.Len(uint(size - 1))
	if shift > maxClassShift {
		return -1
	}
	return shift - minClassShift
}

// Allocate implements Allocator.
func (a *PooledAllocator) Allocate(size int) []byte {
	if size < 0 {
		size = 0
	}
	c := classOf(size)
	if c < 0 {
		return make([]byte, 0, size)
	}
	bp := a.pools[c].Get().(*[]byte)
	return (*bp)[:0]
}

// Grow implements Allocator.
func (a *PooledAllocator) Grow(old []byte, newSize int) []byte {
	if cap(old) >= newSize {
		return old
	}
	b := a.Allocate(newSize)
	b = append(b, old...)
	a.Release(old)
	return b
}

// Release implements Allocator.
func (a *PooledAllocator) Release(b []byte) {
	c := cap(b)
	if c < 1<<minClassShift || c&(c-1) != 0 {
		return
	}
	class := classOf(c)
	if class < 0 {
		return
	}
	b = b[:0]
	a.pools[class].Put(&b)
}

// HeapAllocator allocates with make and never reuses memory. Tests use it when
// they need to keep buffers around after Release.
type HeapAllocator struct{}

// Allocate implements Allocator.
func (HeapAllocator) Allocate(size int) []byte { return make([]byte, 0, size) }

// Grow implements Allocator.
func (HeapAllocator) Grow(old []byte, newSize int) []byte {
	if cap(old) >= newSize {
		return old
	}
	b := make([]byte, len(old), newSize)
	copy(b, old)
	return b
}

// Release implements Allocator.
func (HeapAllocator) Release([]byte) {}
