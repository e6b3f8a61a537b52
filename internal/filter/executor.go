package filter

// NoIndex marks an unset filter index.
const NoIndex = -1

// executor knows the traversal direction of an operation and how to walk
// filter indexes in it.
type executor interface {
	direction() direction
	defaultStart(size int) int
	defaultEnd(size int) int
	next(i int) int
	previous(i int) int
	// inRange reports whether i has not yet passed end.
	inRange(i, end int) bool
	hasNext(ctx *Context) bool
	hasPrevious(ctx *Context) bool
	initIndexes(ctx *Context, size int)
}

type upstreamExecutor struct{}

func (upstreamExecutor) direction() direction    { return dirUpstream }
func (upstreamExecutor) defaultStart(int) int    { return 0 }
func (upstreamExecutor) defaultEnd(size int) int { return size }
func (upstreamExecutor) next(i int) int          { return i + 1 }
func (upstreamExecutor) previous(i int) int      { return i - 1 }
func (upstreamExecutor) inRange(i, end int) bool { return i < end }
func (e upstreamExecutor) hasNext(ctx *Context) bool {
	return e.next(ctx.filterIdx) < ctx.endIdx
}
func (e upstreamExecutor) hasPrevious(ctx *Context) bool {
	return e.previous(ctx.filterIdx) >= ctx.startIdx
}

func (e upstreamExecutor) initIndexes(ctx *Context, size int) {
	if ctx.startIdx == NoIndex {
		ctx.startIdx = e.defaultStart(size)
	}
	if ctx.endIdx == NoIndex {
		ctx.endIdx = e.defaultEnd(size)
	}
	if ctx.filterIdx == NoIndex {
		ctx.filterIdx = ctx.startIdx
	}
}

type downstreamExecutor struct{}

func (downstreamExecutor) direction() direction      { return dirDownstream }
func (downstreamExecutor) defaultStart(size int) int { return size - 1 }
func (downstreamExecutor) defaultEnd(int) int        { return -1 }
func (downstreamExecutor) next(i int) int            { return i - 1 }
func (downstreamExecutor) previous(i int) int        { return i + 1 }
func (downstreamExecutor) inRange(i, end int) bool   { return i > end }
func (e downstreamExecutor) hasNext(ctx *Context) bool {
	return e.next(ctx.filterIdx) > ctx.endIdx
}
func (e downstreamExecutor) hasPrevious(ctx *Context) bool {
	return e.previous(ctx.filterIdx) <= ctx.startIdx
}

// The default downstream end equals NoIndex, so an unset end needs no fixup.
func (e downstreamExecutor) initIndexes(ctx *Context, size int) {
	if ctx.startIdx == NoIndex {
		ctx.startIdx = e.defaultStart(size)
	}
	if ctx.filterIdx == NoIndex {
		ctx.filterIdx = ctx.startIdx
	}
}

var (
	upstream   executor = upstreamExecutor{}
	downstream executor = downstreamExecutor{}
)

// resolveExecutor picks the traversal direction for ctx. Custom events go
// upstream unless the originator pre-set indexes that walk downwards.
func resolveExecutor(ctx *Context) executor {
	switch ctx.op {
	case OpWrite:
		return downstream
	case OpEvent:
		if ctx.filterIdx == NoIndex || ctx.startIdx <= ctx.endIdx {
			return upstream
		}
		return downstream
	default:
		return upstream
	}
}

// dispatch calls the handler matching the context's operation.
func dispatch(f Filter, ctx *Context) (NextAction, error) {
	switch ctx.op {
	case OpRead:
		return f.HandleRead(ctx)
	case OpWrite:
		return f.HandleWrite(ctx)
	case OpAccept:
		return f.HandleAccept(ctx)
	case OpConnect:
		return f.HandleConnect(ctx)
	case OpClose:
		return f.HandleClose(ctx)
	default:
		return f.HandleEvent(ctx, ctx.event)
	}
}
