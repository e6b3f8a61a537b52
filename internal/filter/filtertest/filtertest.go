// Package filtertest provides an in-memory connection and transport for
// exercising filter chains without sockets.
package filtertest

import (
	"bytes"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/FumingPower3925/tessera/internal/buffer"
	"github.com/FumingPower3925/tessera/internal/filter"
)

var nextID atomic.Uint64

type addr string

func (a addr) Network() string { return "mem" }
func (a addr) String() string  { return string(a) }

// Conn is an in-memory filter.Connection. Bytes that reach the Transport
// filter are recorded on it and, when a peer is set, delivered to the
// peer's chain as read events on a separate goroutine.
type Conn struct {
	mu        sync.Mutex
	id        uint64
	attrs     filter.Attributes
	processor atomic.Pointer[filter.Chain]

	stateMu   sync.Mutex
	listeners []filter.CloseListener
	written   [][]byte
	flushes   int
	closed    bool
	cause     error
	done      chan struct{}

	peer *pump
}

// NewConn creates a connection processed by chain.
func NewConn(chain *filter.Chain) *Conn {
	c := &Conn{id: nextID.Add(1), done: make(chan struct{})}
	c.processor.Store(chain)
	return c
}

// Lock implements sync.Locker.
func (c *Conn) Lock() { c.mu.Lock() }

// Unlock implements sync.Locker.
func (c *Conn) Unlock() { c.mu.Unlock() }

// ID implements filter.Connection.
func (c *Conn) ID() uint64 { return c.id }

// LocalAddr implements filter.Connection.
func (c *Conn) LocalAddr() net.Addr { return addr("local") }

// RemoteAddr implements filter.Connection.
func (c *Conn) RemoteAddr() net.Addr { return addr("remote") }

// Attributes implements filter.Connection.
func (c *Conn) Attributes() *filter.Attributes { return &c.attrs }

// Allocator implements filter.Connection.
func (c *Conn) Allocator() buffer.Allocator { return buffer.HeapAllocator{} }

// Processor implements filter.Connection.
func (c *Conn) Processor() *filter.Chain { return c.processor.Load() }

// SetProcessor implements filter.Connection.
func (c *Conn) SetProcessor(chain *filter.Chain) { c.processor.Store(chain) }

// AddCloseListener implements filter.Connection.
func (c *Conn) AddCloseListener(l filter.CloseListener) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.closed {
		go l(c, c.cause)
		return
	}
	c.listeners = append(c.listeners, l)
}

// Close implements filter.Connection. Listeners run on a new goroutine;
// Done is closed after they returned.
func (c *Conn) Close(cause error) error {
	c.stateMu.Lock()
	if c.closed {
		c.stateMu.Unlock()
		return nil
	}
	c.closed = true
	c.cause = cause
	listeners := c.listeners
	c.listeners = nil
	c.stateMu.Unlock()

	go func() {
		for _, l := range listeners {
			l(c, cause)
		}
		close(c.done)
	}()
	return nil
}

// IsOpen implements filter.Connection.
func (c *Conn) IsOpen() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return !c.closed
}

// Done is closed once Close finished notifying listeners.
func (c *Conn) Done() <-chan struct{} { return c.done }

// WaitClosed waits up to d for the connection to close and reports whether
// it did.
func (c *Conn) WaitClosed(d time.Duration) bool {
	select {
	case <-c.done:
		return true
	case <-time.After(d):
		return false
	}
}

// Cause returns the error the connection was closed with.
func (c *Conn) Cause() error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.cause
}

// Written returns copies of every buffer that reached the transport.
func (c *Conn) Written() [][]byte {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	out := make([][]byte, len(c.written))
	copy(out, c.written)
	return out
}

// WrittenBytes returns everything that reached the transport, concatenated.
func (c *Conn) WrittenBytes() []byte {
	return bytes.Join(c.Written(), nil)
}

// Flushes returns how many flush events reached the transport.
func (c *Conn) Flushes() int {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.flushes
}

func (c *Conn) record(b []byte) {
	c.stateMu.Lock()
	c.written = append(c.written, b)
	p := c.peer
	c.stateMu.Unlock()
	if p != nil {
		p.push(b)
	}
}

// Read delivers msg, usually a []byte, to the connection's chain as a read
// event on the calling goroutine.
func (c *Conn) Read(msg any) (filter.Result, error) {
	chain := c.Processor()
	ctx := chain.NewContext(c, filter.OpRead)
	ctx.SetMessage(msg)
	return chain.Process(ctx)
}

// Fire runs a non-read operation (accept, connect, close) through the chain.
func (c *Conn) Fire(op filter.Operation) (filter.Result, error) {
	chain := c.Processor()
	return chain.Process(chain.NewContext(c, op))
}

// Transport is the bottom filter for in-memory connections. It must sit at
// index 0 of chains whose connections are *Conn.
type Transport struct {
	filter.BaseFilter
}

// HandleWrite records the outbound bytes and completes the write.
func (*Transport) HandleWrite(ctx *filter.Context) (filter.NextAction, error) {
	conn := ctx.Connection().(*Conn)
	data := bytes.Clone(buffer.Flatten(ctx.Message()))
	conn.record(data)
	if done := ctx.TakeCompletion(); done != nil {
		done(nil)
	}
	return filter.Stop(), nil
}

// HandleEvent counts flushes.
func (*Transport) HandleEvent(ctx *filter.Context, ev filter.Event) (filter.NextAction, error) {
	if _, ok := ev.(filter.FlushEvent); ok {
		conn := ctx.Connection().(*Conn)
		conn.stateMu.Lock()
		conn.flushes++
		conn.stateMu.Unlock()
	}
	return filter.Invoke(), nil
}

// Connect wires a and b so that bytes written on one are read by the other.
// Delivery happens in order on one goroutine per direction.
func Connect(a, b *Conn) {
	a.stateMu.Lock()
	a.peer = newPump(b)
	a.stateMu.Unlock()
	b.stateMu.Lock()
	b.peer = newPump(a)
	b.stateMu.Unlock()
}

type pump struct {
	mu    sync.Mutex
	cond  *sync.Cond
	queue [][]byte
	to    *Conn
}

func newPump(to *Conn) *pump {
	p := &pump{to: to}
	p.cond = sync.NewCond(&p.mu)
	go p.run()
	return p
}

func (p *pump) push(b []byte) {
	p.mu.Lock()
	p.queue = append(p.queue, b)
	p.mu.Unlock()
	p.cond.Signal()
}

func (p *pump) run() {
	for {
		p.mu.Lock()
		for len(p.queue) == 0 {
			if !p.to.IsOpen() {
				p.mu.Unlock()
				return
			}
			p.cond.Wait()
		}
		b := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()
		if !p.to.IsOpen() {
			return
		}
		_, _ = p.to.Read(b)
	}
}
