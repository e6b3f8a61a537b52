package filter

import (
	"net"
	"sync"

	"github.com/FumingPower3925/tessera/internal/buffer"
)

// CloseListener is notified once when a connection closes. cause is nil for
// an orderly close. Listeners run after the connection released its own
// locks, so they may lock the connection.
type CloseListener func(conn Connection, cause error)

// Connection is the transport-side view of a connection that filters work
// with. The Locker guards read-modify-write sequences that must not
// interleave between the read and write directions.
type Connection interface {
	sync.Locker

	ID() uint64
	LocalAddr() net.Addr
	RemoteAddr() net.Addr

	// Attributes is the connection-scoped side table for filter state.
	Attributes() *Attributes
	// Allocator is the memory manager for buffers produced on behalf of
	// this connection.
	Allocator() buffer.Allocator

	// Processor returns the chain that handles this connection's events.
	Processor() *Chain
	// SetProcessor swaps the chain for subsequent events.
	SetProcessor(chain *Chain)

	AddCloseListener(l CloseListener)
	// Close closes the connection with an optional cause. Close listeners are
	// invoked asynchronously with respect to the caller.
	Close(cause error) error
	IsOpen() bool
}

// TransportFilterProvider is implemented by connections whose transport
// exposes the filter that talks to the wire.
type TransportFilterProvider interface {
	TransportFilter() (Filter, bool)
}

// TransportFilterOf returns the transport filter of conn, if its transport
// exposes one.
func TransportFilterOf(conn Connection) (Filter, bool) {
	if p, ok := conn.(TransportFilterProvider); ok {
		return p.TransportFilter()
	}
	return nil, false
}

// Attributes is a concurrency-safe attribute map owned by one connection.
type Attributes struct {
	mu sync.Mutex
	m  map[any]any
}

func (a *Attributes) get(key any) (any, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.m[key]
	return v, ok
}

func (a *Attributes) set(key, v any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.m == nil {
		a.m = make(map[any]any)
	}
	a.m[key] = v
}

func (a *Attributes) remove(key any) (any, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.m[key]
	if ok {
		delete(a.m, key)
	}
	return v, ok
}

func (a *Attributes) getOrCreate(key any, fn func() any) any {
	a.mu.Lock()
	defer a.mu.Unlock()
	if v, ok := a.m[key]; ok {
		return v
	}
	if a.m == nil {
		a.m = make(map[any]any)
	}
	v := fn()
	a.m[key] = v
	return v
}

// Clear drops every attribute.
func (a *Attributes) Clear() {
	a.mu.Lock()
	a.m = nil
	a.mu.Unlock()
}

// Len reports the number of attributes set.
func (a *Attributes) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.m)
}

// AttributeKey is a typed key into Attributes. Keys compare by identity, so
// create them once at package level.
type AttributeKey[T any] struct {
	name string
}

// NewAttributeKey creates a key. name is used for diagnostics only.
func NewAttributeKey[T any](name string) *AttributeKey[T] {
	return &AttributeKey[T]{name: name}
}

func (k *AttributeKey[T]) String() string { return k.name }

// Get returns the value stored under k.
func (k *AttributeKey[T]) Get(a *Attributes) (T, bool) {
	v, ok := a.get(k)
	if !ok {
		var zero T
		return zero, false
	}
	return v.(T), true
}

// Set stores v under k.
func (k *AttributeKey[T]) Set(a *Attributes, v T) { a.set(k, v) }

// Remove deletes and returns the value stored under k.
func (k *AttributeKey[T]) Remove(a *Attributes) (T, bool) {
	v, ok := a.remove(k)
	if !ok {
		var zero T
		return zero, false
	}
	return v.(T), true
}

// GetOrCreate returns the value stored under k, creating it with fn first if
// needed. fn runs under the attribute lock and must not touch a.
func (k *AttributeKey[T]) GetOrCreate(a *Attributes, fn func() T) T {
	return a.getOrCreate(k, func() any { return fn() }).(T)
}
