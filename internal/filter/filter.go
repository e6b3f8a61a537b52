// Package filter implements the non-blocking protocol pipeline: an ordered
// chain of filters that processes connection I/O events. Read-like events
// travel upstream (ascending index), writes travel downstream (descending
// index). A traversal can stop, keep unparsed or incomplete input for later,
// or suspend and be resumed from another goroutine.
package filter

// Operation is the kind of I/O event being processed.
type Operation uint8

// Operation kinds.
const (
	OpRead Operation = iota
	OpWrite
	OpAccept
	OpConnect
	OpClose
	OpEvent
)

var operationNames = [...]string{
	OpRead:    "read",
	OpWrite:   "write",
	OpAccept:  "accept",
	OpConnect: "connect",
	OpClose:   "close",
	OpEvent:   "event",
}

func (o Operation) String() string {
	if int(o) < len(operationNames) {
		return operationNames[o]
	}
	return "unknown"
}

// Event is a custom event fired through the chain.
type Event interface {
	// Type names the event; filters use it to recognise events they care about.
	Type() string
}

// FlushEvent asks the transport to push any buffered output to the wire.
type FlushEvent struct{}

// Type implements Event.
func (FlushEvent) Type() string { return "flush" }

// Filter is a single unit of work in a chain. Implementations must not keep
// per-connection state in their own fields because one chain serves many
// connections at once; use connection attributes instead.
type Filter interface {
	HandleRead(ctx *Context) (NextAction, error)
	HandleWrite(ctx *Context) (NextAction, error)
	HandleConnect(ctx *Context) (NextAction, error)
	HandleAccept(ctx *Context) (NextAction, error)
	HandleClose(ctx *Context) (NextAction, error)
	HandleEvent(ctx *Context, ev Event) (NextAction, error)

	// OnAdded is called on the filter that was just added to chain.
	OnAdded(chain *Chain)
	// OnRemoved is called on the filter that was just removed from chain.
	OnRemoved(chain *Chain)
	// OnChainChanged is called on every other filter after chain mutated.
	OnChainChanged(chain *Chain)

	// ExceptionOccurred is called on the filter whose handler failed.
	ExceptionOccurred(ctx *Context, err error)
}

// BaseFilter passes every event to the next filter. Embed it and override
// only the handlers you need.
type BaseFilter struct{}

// HandleRead implements Filter.
func (BaseFilter) HandleRead(*Context) (NextAction, error) { return Invoke(), nil }

// HandleWrite implements Filter.
func (BaseFilter) HandleWrite(*Context) (NextAction, error) { return Invoke(), nil }

// HandleConnect implements Filter.
func (BaseFilter) HandleConnect(*Context) (NextAction, error) { return Invoke(), nil }

// HandleAccept implements Filter.
func (BaseFilter) HandleAccept(*Context) (NextAction, error) { return Invoke(), nil }

// HandleClose implements Filter.
func (BaseFilter) HandleClose(*Context) (NextAction, error) { return Invoke(), nil }

// HandleEvent implements Filter.
func (BaseFilter) HandleEvent(*Context, Event) (NextAction, error) { return Invoke(), nil }

// OnAdded implements Filter.
func (BaseFilter) OnAdded(*Chain) {}

// OnRemoved implements Filter.
func (BaseFilter) OnRemoved(*Chain) {}

// OnChainChanged implements Filter.
func (BaseFilter) OnChainChanged(*Chain) {}

// ExceptionOccurred implements Filter.
func (BaseFilter) ExceptionOccurred(*Context, error) {}
