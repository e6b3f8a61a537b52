package filter

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
)

// Result is the outcome of processing a context.
type Result uint8

// Traversal outcomes.
const (
	// ResultComplete means every filter in the range was invoked.
	ResultComplete Result = iota
	// ResultStopped means a filter returned Stop.
	ResultStopped
	// ResultSuspended means a filter parked the context.
	ResultSuspended
	// ResultFailed means a handler returned an error.
	ResultFailed
)

var resultNames = [...]string{
	ResultComplete:  "complete",
	ResultStopped:   "stopped",
	ResultSuspended: "suspended",
	ResultFailed:    "failed",
}

func (r Result) String() string {
	if int(r) < len(resultNames) {
		return resultNames[r]
	}
	return "unknown"
}

// Chain is an ordered list of filters. One chain is shared by every
// connection it processes and holds no per-connection data itself; chunks
// left behind by filters live in the connection's attributes.
//
// Filters must be comparable (usually pointers) so the chain can find them.
// Mutation is copy-on-write: a traversal that is already running keeps
// using the snapshot it started with.
type Chain struct {
	mu       sync.Mutex
	filters  atomic.Pointer[[]Filter]
	stateKey *AttributeKey[*filtersState]
}

// NewChain builds a chain from filters in upstream order.
func NewChain(filters ...Filter) *Chain {
	c := &Chain{stateKey: NewAttributeKey[*filtersState]("filter.state")}
	empty := []Filter{}
	c.filters.Store(&empty)
	if len(filters) > 0 {
		c.Add(filters...)
	}
	return c
}

func (c *Chain) snapshot() []Filter { return *c.filters.Load() }

// Len returns the number of filters.
func (c *Chain) Len() int { return len(c.snapshot()) }

// Get returns the filter at index i.
func (c *Chain) Get(i int) Filter { return c.snapshot()[i] }

// Filters returns a copy of the filter list.
func (c *Chain) Filters() []Filter { return slices.Clone(c.snapshot()) }

// IndexOf returns the index of f, or -1.
func (c *Chain) IndexOf(f Filter) int {
	for i, x := range c.snapshot() {
		if x == f {
			return i
		}
	}
	return -1
}

// IndexFunc returns the index of the first filter satisfying fn, or -1.
func (c *Chain) IndexFunc(fn func(Filter) bool) int {
	return slices.IndexFunc(c.snapshot(), fn)
}

// Add appends filters to the end of the chain.
func (c *Chain) Add(filters ...Filter) {
	c.mu.Lock()
	old := c.snapshot()
	next := append(slices.Clone(old), filters...)
	c.filters.Store(&next)
	c.mu.Unlock()
	c.notify(next, filters, nil)
}

// Insert places filters at index i.
func (c *Chain) Insert(i int, filters ...Filter) error {
	c.mu.Lock()
	old := c.snapshot()
	if i < 0 || i > len(old) {
		c.mu.Unlock()
		return fmt.Errorf("filter: insert index %d out of range [0,%d]", i, len(old))
	}
	next := slices.Insert(slices.Clone(old), i, filters...)
	c.filters.Store(&next)
	c.mu.Unlock()
	c.notify(next, filters, nil)
	return nil
}

// Set replaces the filter at index i and returns the previous one.
func (c *Chain) Set(i int, f Filter) (Filter, error) {
	c.mu.Lock()
	old := c.snapshot()
	if i < 0 || i >= len(old) {
		c.mu.Unlock()
		return nil, fmt.Errorf("filter: set index %d out of range [0,%d)", i, len(old))
	}
	next := slices.Clone(old)
	prev := next[i]
	next[i] = f
	c.filters.Store(&next)
	c.mu.Unlock()
	c.notify(next, []Filter{f}, []Filter{prev})
	return prev, nil
}

// RemoveAt removes and returns the filter at index i.
func (c *Chain) RemoveAt(i int) (Filter, error) {
	c.mu.Lock()
	old := c.snapshot()
	if i < 0 || i >= len(old) {
		c.mu.Unlock()
		return nil, fmt.Errorf("filter: remove index %d out of range [0,%d)", i, len(old))
	}
	prev := old[i]
	next := slices.Delete(slices.Clone(old), i, i+1)
	c.filters.Store(&next)
	c.mu.Unlock()
	c.notify(next, nil, []Filter{prev})
	return prev, nil
}

// Remove removes f from the chain and reports whether it was present.
func (c *Chain) Remove(f Filter) bool {
	i := c.IndexOf(f)
	if i < 0 {
		return false
	}
	_, err := c.RemoveAt(i)
	return err == nil
}

// notify tells removed filters they left, added filters they joined and
// every other filter that the chain changed.
func (c *Chain) notify(current, added, removed []Filter) {
	for _, f := range removed {
		f.OnRemoved(c)
	}
	for _, f := range added {
		f.OnAdded(c)
	}
	for _, f := range current {
		if slices.Contains(added, f) {
			continue
		}
		f.OnChainChanged(c)
	}
}

// NewContext obtains a pooled context for op on conn.
func (c *Chain) NewContext(conn Connection, op Operation) *Context {
	return acquireContext(c, conn, op)
}

func (c *Chain) state(conn Connection) *filtersState {
	return c.stateKey.GetOrCreate(conn.Attributes(), func() *filtersState { return new(filtersState) })
}

// ResetState drops every chunk stored for conn by this chain.
func (c *Chain) ResetState(conn Connection) {
	if st, ok := c.stateKey.Remove(conn.Attributes()); ok {
		st.reset()
	}
}

// Process runs ctx through the chain. Unless the result is
// ResultSuspended, ctx has been recycled when Process returns.
//
// A handler error is reported to that filter's ExceptionOccurred, fails the
// context's completion and closes the connection with the error as cause,
// unless the error wraps ErrWriteRejected.
func (c *Chain) Process(ctx *Context) (Result, error) {
	res, err := c.run(ctx, nil)
	c.settle(ctx, res, err)
	return res, err
}

func (c *Chain) resume(ctx *Context, action NextAction) (Result, error) {
	res, err := c.run(ctx, action)
	c.settle(ctx, res, err)
	return res, err
}

func (c *Chain) settle(ctx *Context, res Result, err error) {
	switch res {
	case ResultSuspended:
		return
	case ResultFailed:
		if done := ctx.TakeCompletion(); done != nil {
			done(err)
		}
		if ctx.conn != nil && ctx.op != OpClose && !errors.Is(err, ErrWriteRejected) {
			_ = ctx.conn.Close(err)
		}
	default:
		if done := ctx.TakeCompletion(); done != nil {
			done(nil)
		}
	}
	ctx.recycle()
}

// run executes chain parts until no unparsed remainder is left. pending,
// if set, is applied as the action of the filter at the current index
// instead of invoking it.
func (c *Chain) run(ctx *Context, pending NextAction) (Result, error) {
	filters := c.snapshot()
	ex := resolveExecutor(ctx)
	ex.initIndexes(ctx, len(filters))
	state := c.state(ctx.conn)
	dir := ex.direction()
	for {
		res, err := c.runPart(ctx, ex, filters, state, pending)
		pending = nil
		if err != nil {
			return ResultFailed, err
		}
		if res == ResultSuspended {
			return res, nil
		}
		idx, chunk, ok := state.takeUnparsed(dir, ctx.startIdx, ctx.endIdx)
		if !ok {
			return res, nil
		}
		ctx.message = chunk
		ctx.filterIdx = idx
	}
}

func (c *Chain) runPart(ctx *Context, ex executor, filters []Filter, state *filtersState, pending NextAction) (Result, error) {
	dir := ex.direction()
	i := ctx.filterIdx
	for ex.inRange(i, ctx.endIdx) && i >= 0 && i < len(filters) {
		ctx.filterIdx = i
		f := filters[i]

		action := pending
		pending = nil
		if action == nil {
			if ctx.message != nil {
				if st, ok := state.take(dir, i, chunkIncomplete); ok {
					ctx.message = st.appender.Append(st.chunk, ctx.message)
				}
			}
			a, err := dispatch(f, ctx)
			if err == nil && a == nil {
				err = fmt.Errorf("%w: %T on %s", ErrNilAction, f, ctx.op)
			}
			if err != nil {
				f.ExceptionOccurred(ctx, err)
				return ResultFailed, err
			}
			action = a
		}

		switch a := action.(type) {
		case InvokeAction:
			if a.Chunk != nil {
				if a.Appender != nil {
					state.store(dir, i, chunkIncomplete, a.Chunk, a.Appender)
				} else {
					state.store(dir, i, chunkUnparsed, a.Chunk, nil)
				}
			}
			i = ex.next(i)
		case StopAction:
			if a.Chunk != nil {
				state.store(dir, i, chunkIncomplete, a.Chunk, a.Appender)
			}
			return ResultStopped, nil
		case SuspendAction:
			// ctx.Suspend already marked the context; it may be owned by
			// another goroutine from here on.
			return ResultSuspended, nil
		case RerunAction:
		}
	}
	return ResultComplete, nil
}

// Write sends msg down the whole chain for conn.
func (c *Chain) Write(conn Connection, msg any, done func(error)) error {
	ctx := acquireContext(c, conn, OpWrite)
	ctx.message = msg
	ctx.completion = done
	_, err := c.Process(ctx)
	return err
}

// WriteAt sends msg downstream for conn starting with the filter at index
// start. A negative start completes immediately.
func (c *Chain) WriteAt(conn Connection, start int, msg any, done func(error)) error {
	if start < 0 {
		if done != nil {
			done(nil)
		}
		return nil
	}
	ctx := acquireContext(c, conn, OpWrite)
	ctx.message = msg
	ctx.completion = done
	ctx.startIdx = start
	ctx.filterIdx = start
	_, err := c.Process(ctx)
	return err
}

// Flush fires a FlushEvent down the whole chain for conn.
func (c *Chain) Flush(conn Connection, done func(error)) error {
	return c.FireEventDownstream(conn, FlushEvent{}, done)
}

// FireEventUpstream fires ev through every filter in ascending order.
func (c *Chain) FireEventUpstream(conn Connection, ev Event, done func(error)) error {
	return c.fireEvent(conn, ev, 0, c.Len(), done)
}

// FireEventDownstream fires ev through every filter in descending order.
func (c *Chain) FireEventDownstream(conn Connection, ev Event, done func(error)) error {
	return c.fireEvent(conn, ev, c.Len()-1, -1, done)
}

func (c *Chain) fireEvent(conn Connection, ev Event, start, end int, done func(error)) error {
	if start < 0 || start == end {
		if done != nil {
			done(nil)
		}
		return nil
	}
	ctx := acquireContext(c, conn, OpEvent)
	ctx.event = ev
	ctx.completion = done
	ctx.startIdx = start
	ctx.endIdx = end
	ctx.filterIdx = start
	_, err := c.Process(ctx)
	return err
}
