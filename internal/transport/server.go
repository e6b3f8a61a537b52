// Package transport runs filter chains on top of the gnet event engine.
// Every accepted or dialled connection becomes a Connection whose events
// travel through the configured chain; the chain's first filter must be
// this package's Filter.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/gnet/v2"
	"golang.org/x/time/rate"

	"github.com/FumingPower3925/tessera/internal/buffer"
	"github.com/FumingPower3925/tessera/internal/filter"
)

// verboseLogging controls hot-path logging; keep false for performance runs.
const verboseLogging = false

// ErrServerClosed is returned by Start after Stop.
var ErrServerClosed = errors.New("transport: server closed")

// Config holds server configuration
type Config struct {
	Addr           string
	Multicore      bool
	NumEventLoop   int
	ReusePort      bool
	TCPKeepAlive   time.Duration
	MaxConnections int
	// AcceptLimiter, when set, rejects connections accepted faster than it
	// allows.
	AcceptLimiter *rate.Limiter
	Logger        *log.Logger
	Allocator     buffer.Allocator
}

// Server implements the gnet.EventHandler interface for a filter chain.
type Server struct {
	gnet.BuiltinEventEngine

	chain  *filter.Chain
	cfg    Config
	logger *log.Logger

	connections sync.Map // map[gnet.Conn]*Connection
	active      atomic.Int64
	engine      gnet.Engine
	booted      chan struct{}
	bootOnce    sync.Once
	stopped     atomic.Bool
}

// NewServer creates a server that processes every connection with chain.
func NewServer(chain *filter.Chain, cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Allocator == nil {
		cfg.Allocator = buffer.Default
	}
	return &Server{
		chain:  chain,
		cfg:    cfg,
		logger: cfg.Logger,
		booted: make(chan struct{}),
	}
}

func (s *Server) options() []gnet.Option {
	options := []gnet.Option{
		gnet.WithMulticore(s.cfg.Multicore),
		gnet.WithReusePort(s.cfg.ReusePort),
		gnet.WithTCPNoDelay(gnet.TCPNoDelay),
		gnet.WithLogger(silentGnetLogger{}),
		gnet.WithLoadBalancing(gnet.RoundRobin),
	}
	if s.cfg.NumEventLoop > 0 {
		options = append(options, gnet.WithNumEventLoop(s.cfg.NumEventLoop))
	}
	if s.cfg.TCPKeepAlive > 0 {
		options = append(options, gnet.WithTCPKeepAlive(s.cfg.TCPKeepAlive))
	}
	return options
}

// Start runs the event engine in the background and returns once it is
// listening, or with the error that kept it from starting.
func (s *Server) Start() error {
	if s.stopped.Load() {
		return ErrServerClosed
	}
	errc := make(chan error, 1)
	go func() {
		errc <- gnet.Run(s, "tcp://"+s.cfg.Addr, s.options()...)
	}()

	select {
	case <-s.booted:
		s.logger.Printf("Server is listening on %s (multicore: %v)", s.cfg.Addr, s.cfg.Multicore)
		return nil
	case err := <-errc:
		if err == nil {
			err = ErrServerClosed
		}
		return fmt.Errorf("transport: starting server on %s: %w", s.cfg.Addr, err)
	}
}

// Stop closes every connection and stops the engine.
func (s *Server) Stop(ctx context.Context) error {
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}
	s.logger.Println("Initiating graceful shutdown...")

	s.connections.Range(func(_, value any) bool {
		_ = value.(*Connection).Close(ErrServerClosed)
		return true
	})

	select {
	case <-s.booted:
	default:
		return nil
	}
	if err := s.engine.Stop(ctx); err != nil {
		s.logger.Printf("Error stopping gnet engine: %v", err)
		return err
	}
	s.logger.Println("Server shutdown complete")
	return nil
}

// ActiveConnections returns the number of open connections.
func (s *Server) ActiveConnections() int64 { return s.active.Load() }

// OnBoot is called when the server is ready to accept connections
func (s *Server) OnBoot(eng gnet.Engine) gnet.Action {
	s.engine = eng
	s.bootOnce.Do(func() { close(s.booted) })
	return gnet.None
}

// OnOpen is called when a new connection is opened
func (s *Server) OnOpen(c gnet.Conn) ([]byte, gnet.Action) {
	if !s.reserve() {
		s.logger.Printf("Connection rejected from %s: too many connections (%d)", c.RemoteAddr(), s.cfg.MaxConnections)
		return nil, gnet.Close
	}
	if s.cfg.AcceptLimiter != nil && !s.cfg.AcceptLimiter.Allow() {
		s.active.Add(-1)
		if verboseLogging {
			s.logger.Printf("Connection rejected from %s: accept rate exceeded", c.RemoteAddr())
		}
		return nil, gnet.Close
	}

	conn := newConnection(c, s.chain, s.cfg.Allocator, s.logger)
	s.connections.Store(c, conn)
	if verboseLogging {
		s.logger.Printf("New connection from %s", c.RemoteAddr())
	}
	conn.fire(filter.OpAccept)
	return nil, gnet.None
}

// reserve takes a connection slot unless MaxConnections are already open.
func (s *Server) reserve() bool {
	limit := int64(s.cfg.MaxConnections)
	for {
		n := s.active.Load()
		if limit > 0 && n >= limit {
			return false
		}
		if s.active.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// OnTraffic is called when data is received on a connection
func (s *Server) OnTraffic(c gnet.Conn) gnet.Action {
	v, ok := s.connections.Load(c)
	if !ok {
		s.logger.Printf("Connection not found in map")
		return gnet.Close
	}
	return traffic(v.(*Connection), c)
}

// OnClose is called when a connection is closed
func (s *Server) OnClose(c gnet.Conn, err error) gnet.Action {
	v, ok := s.connections.LoadAndDelete(c)
	if !ok {
		return gnet.None
	}
	s.active.Add(-1)
	conn := v.(*Connection)
	conn.closed(err)
	if err != nil && verboseLogging {
		s.logger.Printf("Connection closed with error: %v", err)
	}
	return gnet.None
}

// traffic copies the readable bytes out of gnet's buffer and runs them
// through the chain. Filters may keep the bytes.
func traffic(conn *Connection, c gnet.Conn) gnet.Action {
	buf, err := c.Next(-1)
	if err != nil {
		conn.logger.Printf("Error reading data: %v", err)
		return gnet.Close
	}
	if len(buf) == 0 {
		return gnet.None
	}
	data := append(conn.alloc.Allocate(len(buf)), buf...)
	conn.read(data)
	if !conn.IsOpen() {
		return gnet.Close
	}
	return gnet.None
}
