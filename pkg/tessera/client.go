package tessera

import (
	"github.com/FumingPower3925/tessera/internal/ssl"
	"github.com/FumingPower3925/tessera/internal/transport"
)

// Client dials connections that run through an assembled chain. Addr,
// ReusePort, MaxConnections and the accept limits do not apply.
type Client struct {
	config    Config
	pipeline  *pipeline
	transport *transport.Client
}

// NewClient creates a Client whose chain ends with filters.
func NewClient(config Config, filters ...Filter) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	p := buildPipeline(config, true, transport.NewFilter(), filters)
	tc, err := transport.NewClient(p.chain, transport.Config{
		Multicore:    config.Multicore,
		NumEventLoop: config.NumEventLoop,
		TCPKeepAlive: config.TCPKeepAlive,
		Logger:       config.Logger,
	})
	if err != nil {
		return nil, err
	}
	return &Client{config: config, pipeline: p, transport: tc}, nil
}

// Chain returns the client's filter chain.
func (c *Client) Chain() *Chain { return c.pipeline.chain }

// Config returns the validated configuration.
func (c *Client) Config() Config { return c.config }

// TLS returns the TLS filter, or nil when TLS is disabled.
func (c *Client) TLS() *ssl.Filter { return c.pipeline.ssl }

// Start starts the client event loops.
func (c *Client) Start() error { return c.transport.Start() }

// Stop closes the client's connections and event loops.
func (c *Client) Stop() error { return c.transport.Stop() }

// Dial connects to addr. With TLS enabled, writes issued before the
// handshake finished wait for it.
func (c *Client) Dial(addr string) (Connection, error) {
	conn, err := c.transport.Dial(addr)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Handshake calls done once conn's TLS handshake finished. Without TLS done
// is called right away.
func (c *Client) Handshake(conn Connection, done func(error)) error {
	if c.pipeline.ssl == nil {
		done(nil)
		return nil
	}
	return c.pipeline.ssl.Handshake(conn, done)
}

// CloseNotify sends a TLS close_notify and then closes conn.
func (c *Client) CloseNotify(conn Connection) error {
	if c.pipeline.ssl == nil {
		return conn.Close(nil)
	}
	return c.pipeline.ssl.CloseNotify(conn, func(error) {
		_ = conn.Close(nil)
	})
}
