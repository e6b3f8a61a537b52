package transport

import (
	"fmt"

	"github.com/FumingPower3925/tessera/internal/buffer"
	"github.com/FumingPower3925/tessera/internal/filter"
)

// Filter is the bottom filter of chains served by this package. Writes
// are queued on the connection and sent with vectored async writes; the
// write completes once gnet reported the outcome. Buffers of a
// buffer.Pooled write are released to the connection's allocator
// afterwards; other buffers stay with their owner.
type Filter struct {
	filter.BaseFilter
}

// NewFilter creates the transport filter.
func NewFilter() *Filter { return &Filter{} }

// HandleWrite implements filter.Filter.
func (*Filter) HandleWrite(ctx *filter.Context) (filter.NextAction, error) {
	conn, ok := ctx.Connection().(*Connection)
	if !ok {
		return nil, fmt.Errorf("transport: unexpected connection %T", ctx.Connection())
	}

	var bufs [][]byte
	pooled := false
	switch m := ctx.Message().(type) {
	case []byte:
		bufs = [][]byte{m}
	case [][]byte:
		bufs = m
	case buffer.Pooled:
		bufs, pooled = m, true
	case nil:
	default:
		return nil, fmt.Errorf("transport: cannot write %T", m)
	}

	if err := conn.w.enqueue(bufs, pooled, ctx.TakeCompletion()); err != nil {
		return nil, err
	}
	conn.w.flush(conn.gc)
	return filter.Stop(), nil
}

// HandleEvent implements filter.Filter.
func (*Filter) HandleEvent(ctx *filter.Context, ev filter.Event) (filter.NextAction, error) {
	if _, ok := ev.(filter.FlushEvent); ok {
		if conn, ok := ctx.Connection().(*Connection); ok {
			conn.w.flush(conn.gc)
		}
	}
	return filter.Invoke(), nil
}
