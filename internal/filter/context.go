package filter

import (
	"sync"
)

// Context is the cursor of one in-flight event traversal over one
// connection. Contexts are pooled: once the chain has finished with a
// context (completed, stopped or failed) it is recycled and must not be
// touched again. A suspended context stays valid until it is resumed or
// failed.
type Context struct {
	conn       Connection
	chain      *Chain
	message    any
	op         Operation
	event      Event
	startIdx   int
	endIdx     int
	filterIdx  int
	internal   any
	completion func(error)
	suspended  bool
}

var contextPool = sync.Pool{New: func() any { return new(Context) }}

func acquireContext(chain *Chain, conn Connection, op Operation) *Context {
	ctx := contextPool.Get().(*Context)
	ctx.chain = chain
	ctx.conn = conn
	ctx.op = op
	ctx.startIdx = NoIndex
	ctx.endIdx = NoIndex
	ctx.filterIdx = NoIndex
	return ctx
}

func (ctx *Context) recycle() {
	*ctx = Context{}
	contextPool.Put(ctx)
}

// Connection returns the connection the event belongs to.
func (ctx *Context) Connection() Connection { return ctx.conn }

// Chain returns the chain being traversed.
func (ctx *Context) Chain() *Chain { return ctx.chain }

// Message returns the current message. Its type depends on which filters
// already ran: transports deliver []byte, decoders replace it with
// structured values.
func (ctx *Context) Message() any { return ctx.message }

// SetMessage replaces the current message.
func (ctx *Context) SetMessage(msg any) { ctx.message = msg }

// Operation returns the event kind.
func (ctx *Context) Operation() Operation { return ctx.op }

// Event returns the custom event for OpEvent traversals.
func (ctx *Context) Event() Event { return ctx.event }

// FilterIdx returns the index of the filter currently executing.
func (ctx *Context) FilterIdx() int { return ctx.filterIdx }

// StartIdx returns the first index of the traversal range.
func (ctx *Context) StartIdx() int { return ctx.startIdx }

// EndIdx returns the exclusive end of the traversal range.
func (ctx *Context) EndIdx() int { return ctx.endIdx }

// SetFilterIdx positions the cursor. Only meaningful before Process.
func (ctx *Context) SetFilterIdx(i int) { ctx.filterIdx = i }

// SetStartIdx sets the first index of the range. Only meaningful before Process.
func (ctx *Context) SetStartIdx(i int) { ctx.startIdx = i }

// SetEndIdx sets the exclusive end of the range. Only meaningful before Process.
func (ctx *Context) SetEndIdx(i int) { ctx.endIdx = i }

// Internal returns the transport's event slot this context decorates.
func (ctx *Context) Internal() any { return ctx.internal }

// SetInternal sets the transport's event slot.
func (ctx *Context) SetInternal(v any) { ctx.internal = v }

// SetCompletion registers fn to be called once with the traversal outcome.
func (ctx *Context) SetCompletion(fn func(error)) { ctx.completion = fn }

// TakeCompletion detaches and returns the completion callback. A filter
// that finishes the operation asynchronously (for example a transport
// write) takes it and calls it itself.
func (ctx *Context) TakeCompletion() func(error) {
	fn := ctx.completion
	ctx.completion = nil
	return fn
}

// IsSuspended reports whether the context is parked.
func (ctx *Context) IsSuspended() bool { return ctx.suspended }

// HasNext reports whether a filter follows the current one in the
// traversal direction.
func (ctx *Context) HasNext() bool { return resolveExecutor(ctx).hasNext(ctx) }

// HasPrevious reports whether a filter precedes the current one in the
// traversal direction.
func (ctx *Context) HasPrevious() bool { return resolveExecutor(ctx).hasPrevious(ctx) }

// Suspend marks the context as parked and returns the action the handler
// must return. The context is marked before the handler returns so that
// another goroutine may resume it as soon as it has been handed over.
func (ctx *Context) Suspend() NextAction {
	ctx.suspended = true
	return SuspendAction{}
}

// Resume continues a suspended traversal with the filter after the one
// that suspended it.
func (ctx *Context) Resume() (Result, error) {
	return ctx.ResumeWith(Invoke())
}

// ResumeWith continues a suspended traversal as if the suspending filter
// had returned action.
func (ctx *Context) ResumeWith(action NextAction) (Result, error) {
	if !ctx.suspended {
		return ResultFailed, ErrNotSuspended
	}
	ctx.suspended = false
	return ctx.chain.resume(ctx, action)
}

// Fail finalizes a suspended context with err: the completion callback is
// notified and the context is recycled. The connection is left alone.
func (ctx *Context) Fail(err error) {
	if !ctx.suspended {
		return
	}
	ctx.suspended = false
	if done := ctx.TakeCompletion(); done != nil {
		done(err)
	}
	ctx.recycle()
}

// Write sends msg downstream starting with the filter below the current
// one. It runs synchronously on the calling goroutine; done, if not nil,
// receives the outcome of the write.
func (ctx *Context) Write(msg any, done func(error)) error {
	return ctx.chain.WriteAt(ctx.conn, ctx.filterIdx-1, msg, done)
}

// NotifyUpstream fires ev starting with the filter above the current one.
func (ctx *Context) NotifyUpstream(ev Event, done func(error)) error {
	return ctx.chain.fireEvent(ctx.conn, ev, ctx.filterIdx+1, ctx.chain.Len(), done)
}

// NotifyDownstream fires ev starting with the filter below the current one.
func (ctx *Context) NotifyDownstream(ev Event, done func(error)) error {
	return ctx.chain.fireEvent(ctx.conn, ev, ctx.filterIdx-1, -1, done)
}

// Flush fires a FlushEvent downstream from the current filter.
func (ctx *Context) Flush(done func(error)) error {
	return ctx.NotifyDownstream(FlushEvent{}, done)
}
