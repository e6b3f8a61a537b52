package tessera

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/FumingPower3925/tessera/internal/ssl"
	"github.com/FumingPower3925/tessera/internal/transport"
)

// ShutdownTimeout bounds how long Serve waits for the engine to stop.
const ShutdownTimeout = 5 * time.Second

// Server accepts connections and runs them through an assembled chain.
type Server struct {
	config    Config
	pipeline  *pipeline
	transport *transport.Server
}

// New creates a Server whose chain ends with filters.
func New(config Config, filters ...Filter) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	p := buildPipeline(config, false, transport.NewFilter(), filters)

	tcfg := transport.Config{
		Addr:           config.Addr,
		Multicore:      config.Multicore,
		NumEventLoop:   config.NumEventLoop,
		ReusePort:      config.ReusePort,
		TCPKeepAlive:   config.TCPKeepAlive,
		MaxConnections: config.MaxConnections,
		Logger:         config.Logger,
	}
	if config.AcceptRate > 0 {
		tcfg.AcceptLimiter = rate.NewLimiter(rate.Limit(config.AcceptRate), config.AcceptBurst)
	}
	return &Server{
		config:    config,
		pipeline:  p,
		transport: transport.NewServer(p.chain, tcfg),
	}, nil
}

// NewWithDefaults creates a Server with the default configuration.
func NewWithDefaults(filters ...Filter) *Server {
	s, err := New(DefaultConfig(), filters...)
	if err != nil {
		panic(err)
	}
	return s
}

// Chain returns the server's filter chain.
func (s *Server) Chain() *Chain { return s.pipeline.chain }

// Config returns the validated configuration.
func (s *Server) Config() Config { return s.config }

// TLS returns the TLS filter, or nil when TLS is disabled.
func (s *Server) TLS() *ssl.Filter { return s.pipeline.ssl }

// StreamTracer returns the HTTP/2 stream tracing filter, or nil.
func (s *Server) StreamTracer() *StreamTracingFilter { return s.pipeline.tracer }

// Start begins accepting connections and returns once the server listens.
func (s *Server) Start() error {
	return s.transport.Start()
}

// Stop closes every connection and stops the engine.
func (s *Server) Stop(ctx context.Context) error {
	return s.transport.Stop(ctx)
}

// Serve starts the server and blocks until ctx is done, then stops it.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	return s.Stop(stopCtx)
}

// ActiveConnections returns the number of open connections.
func (s *Server) ActiveConnections() int64 { return s.transport.ActiveConnections() }
