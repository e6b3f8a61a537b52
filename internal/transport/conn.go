package transport

import (
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"

	"github.com/panjf2000/gnet/v2"

	"github.com/FumingPower3925/tessera/internal/buffer"
	"github.com/FumingPower3925/tessera/internal/filter"
)

var nextConnID atomic.Uint64

// errClosed fails writes on a closed connection. It matches both
// filter.ErrConnectionClosed and net.ErrClosed.
var errClosed = fmt.Errorf("%w: %w", filter.ErrConnectionClosed, net.ErrClosed)

// Connection is a gnet connection seen through filter.Connection.
type Connection struct {
	mu sync.Mutex

	id        uint64
	gc        gnet.Conn
	local     net.Addr
	remote    net.Addr
	attrs     filter.Attributes
	alloc     buffer.Allocator
	processor atomic.Pointer[filter.Chain]
	logger    *log.Logger

	stateMu   sync.Mutex
	open      bool
	cause     error
	listeners []filter.CloseListener

	w writer
}

func newConnection(gc gnet.Conn, chain *filter.Chain, alloc buffer.Allocator, logger *log.Logger) *Connection {
	c := &Connection{
		id:     nextConnID.Add(1),
		gc:     gc,
		local:  gc.LocalAddr(),
		remote: gc.RemoteAddr(),
		alloc:  alloc,
		logger: logger,
		open:   true,
	}
	c.w.alloc = alloc
	c.processor.Store(chain)
	return c
}

// Lock implements sync.Locker.
func (c *Connection) Lock() { c.mu.Lock() }

// Unlock implements sync.Locker.
func (c *Connection) Unlock() { c.mu.Unlock() }

// ID implements filter.Connection.
func (c *Connection) ID() uint64 { return c.id }

// LocalAddr implements filter.Connection.
func (c *Connection) LocalAddr() net.Addr { return c.local }

// RemoteAddr implements filter.Connection.
func (c *Connection) RemoteAddr() net.Addr { return c.remote }

// Attributes implements filter.Connection.
func (c *Connection) Attributes() *filter.Attributes { return &c.attrs }

// Allocator implements filter.Connection.
func (c *Connection) Allocator() buffer.Allocator { return c.alloc }

// Processor implements filter.Connection.
func (c *Connection) Processor() *filter.Chain { return c.processor.Load() }

// SetProcessor implements filter.Connection.
func (c *Connection) SetProcessor(chain *filter.Chain) { c.processor.Store(chain) }

// TransportFilter implements filter.TransportFilterProvider.
func (c *Connection) TransportFilter() (filter.Filter, bool) {
	chain := c.Processor()
	if chain == nil || chain.Len() == 0 {
		return nil, false
	}
	f, ok := chain.Get(0).(*Filter)
	return f, ok
}

// AddCloseListener implements filter.Connection. A listener added after
// the connection closed runs right away on its own goroutine.
func (c *Connection) AddCloseListener(l filter.CloseListener) {
	c.stateMu.Lock()
	if c.open {
		c.listeners = append(c.listeners, l)
		c.stateMu.Unlock()
		return
	}
	cause := c.cause
	c.stateMu.Unlock()
	go l(c, cause)
}

// Close implements filter.Connection. The socket is closed by the event
// loop; close listeners run once gnet reported the close.
func (c *Connection) Close(cause error) error {
	c.stateMu.Lock()
	if !c.open {
		c.stateMu.Unlock()
		return nil
	}
	if c.cause == nil {
		c.cause = cause
	}
	c.stateMu.Unlock()
	return c.gc.Close()
}

// IsOpen implements filter.Connection.
func (c *Connection) IsOpen() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.open
}

// Cause returns the error the connection was closed with, if any.
func (c *Connection) Cause() error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.cause
}

// Write sends msg down the connection's chain. A closed connection fails
// the write with filter.ErrConnectionClosed.
func (c *Connection) Write(msg any, done func(error)) error {
	if !c.IsOpen() {
		if done != nil {
			done(errClosed)
		}
		return errClosed
	}
	return c.Processor().Write(c, msg, done)
}

// read runs data through the chain as a read event.
func (c *Connection) read(data []byte) {
	chain := c.Processor()
	ctx := chain.NewContext(c, filter.OpRead)
	ctx.SetMessage(data)
	if _, err := chain.Process(ctx); err != nil && verboseLogging {
		c.logger.Printf("transport: conn %d read: %v", c.id, err)
	}
}

// fire runs a non-read operation through the chain.
func (c *Connection) fire(op filter.Operation) {
	chain := c.Processor()
	if _, err := chain.Process(chain.NewContext(c, op)); err != nil && verboseLogging {
		c.logger.Printf("transport: conn %d %v: %v", c.id, op, err)
	}
}

// closed is called once gnet reported the close. It runs the close event
// through the chain, fails queued writes and notifies listeners.
func (c *Connection) closed(err error) {
	c.stateMu.Lock()
	if !c.open {
		c.stateMu.Unlock()
		return
	}
	c.open = false
	if c.cause == nil {
		c.cause = err
	}
	cause := c.cause
	listeners := c.listeners
	c.listeners = nil
	c.stateMu.Unlock()

	c.fire(filter.OpClose)
	c.w.fail(errClosed)
	go func() {
		for _, l := range listeners {
			l(c, cause)
		}
	}()
}
