package transport

import (
	"fmt"
	"log"
	"sync"

	"github.com/panjf2000/gnet/v2"

	"github.com/FumingPower3925/tessera/internal/buffer"
	"github.com/FumingPower3925/tessera/internal/filter"
)

// Client dials connections whose events run through a filter chain.
type Client struct {
	gnet.BuiltinEventEngine

	chain  *filter.Chain
	cli    *gnet.Client
	alloc  buffer.Allocator
	logger *log.Logger

	connections sync.Map // map[gnet.Conn]*Connection
}

// NewClient creates a client. Only Multicore, NumEventLoop, TCPKeepAlive,
// Logger and Allocator of cfg apply.
func NewClient(chain *filter.Chain, cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Allocator == nil {
		cfg.Allocator = buffer.Default
	}
	c := &Client{chain: chain, alloc: cfg.Allocator, logger: cfg.Logger}

	options := []gnet.Option{
		gnet.WithMulticore(cfg.Multicore),
		gnet.WithTCPNoDelay(gnet.TCPNoDelay),
		gnet.WithLogger(silentGnetLogger{}),
	}
	if cfg.NumEventLoop > 0 {
		options = append(options, gnet.WithNumEventLoop(cfg.NumEventLoop))
	}
	if cfg.TCPKeepAlive > 0 {
		options = append(options, gnet.WithTCPKeepAlive(cfg.TCPKeepAlive))
	}
	cli, err := gnet.NewClient(c, options...)
	if err != nil {
		return nil, fmt.Errorf("transport: creating client: %w", err)
	}
	c.cli = cli
	return c, nil
}

// Start starts the client event loops.
func (c *Client) Start() error { return c.cli.Start() }

// Stop closes the client event loops and their connections.
func (c *Client) Stop() error { return c.cli.Stop() }

// connFor returns the Connection of gc. Dial and OnOpen race to create it.
func (c *Client) connFor(gc gnet.Conn) *Connection {
	if v, ok := c.connections.Load(gc); ok {
		return v.(*Connection)
	}
	v, _ := c.connections.LoadOrStore(gc, newConnection(gc, c.chain, c.alloc, c.logger))
	return v.(*Connection)
}

// Dial connects to addr over TCP. The chain sees a connect event once the
// event loop registered the connection.
func (c *Client) Dial(addr string) (*Connection, error) {
	gc, err := c.cli.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dialing %s: %w", addr, err)
	}
	return c.connFor(gc), nil
}

// OnOpen implements gnet.EventHandler.
func (c *Client) OnOpen(gc gnet.Conn) ([]byte, gnet.Action) {
	c.connFor(gc).fire(filter.OpConnect)
	return nil, gnet.None
}

// OnTraffic implements gnet.EventHandler.
func (c *Client) OnTraffic(gc gnet.Conn) gnet.Action {
	return traffic(c.connFor(gc), gc)
}

// OnClose implements gnet.EventHandler.
func (c *Client) OnClose(gc gnet.Conn, err error) gnet.Action {
	if v, ok := c.connections.LoadAndDelete(gc); ok {
		v.(*Connection).closed(err)
	}
	return gnet.None
}
