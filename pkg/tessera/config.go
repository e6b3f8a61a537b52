// Package tessera assembles non-blocking protocol pipelines on top of gnet:
// a transport, an optional TLS record layer, optional brotli framing, an
// optional HTTP/2 frame codec and the application's own filters.
package tessera

import (
	"crypto/tls"
	"errors"
	"io"
	"log"
	"time"

	"github.com/FumingPower3925/tessera/internal/compress"
	"github.com/FumingPower3925/tessera/internal/h2/codec"
	"github.com/FumingPower3925/tessera/internal/ssl"
)

const (
	minFrameSize = 16384
	maxFrameSize = 1<<24 - 1
)

// ErrNoTLSConfig is returned by Validate when TLS settings are given without
// a tls.Config.
var ErrNoTLSConfig = errors.New("tessera: TLS options set without TLSConfig")

// Config holds the pipeline configuration for servers and clients.
type Config struct {
	Addr           string        // Address to listen on (servers)
	Multicore      bool          // Run one event loop per CPU
	NumEventLoop   int           // Number of event loops (0 for auto-detect)
	ReusePort      bool          // Enable SO_REUSEPORT
	TCPKeepAlive   time.Duration // TCP keep-alive period (0 disables)
	MaxConnections int           // Maximum open connections (0 for unlimited)
	AcceptRate     float64       // Accepted connections per second (0 for unlimited)
	AcceptBurst    int           // Burst allowed above AcceptRate

	TLSConfig                   *tls.Config // Enables the TLS record layer when set
	ServerName                  string      // SNI name used by clients
	MaxPendingBytes             int         // Bytes written during a handshake that may wait for it
	BufferCoefficient           float64     // Growth factor for TLS buffers
	RenegotiateOnClientAuthWant bool        // Require a client certificate when TLSConfig.ClientAuth only requests one

	Compression        bool // Frame the byte stream as brotli blocks
	CompressionLevel   int  // Brotli quality (0-11)
	CompressionMinSize int  // Messages smaller than this are sent raw
	MaxCompressedBlock int  // Largest block accepted from the peer

	EnableH2           bool   // Decode and encode HTTP/2 frames
	MaxFrameSize       uint32 // Largest HTTP/2 frame accepted
	HeaderTableSize    uint32 // HPACK dynamic table size
	MaxHeaderBlockSize int    // Largest assembled header block
	ValidateRequests   bool   // Validate request header blocks on servers

	EnableMetrics bool   // Record Prometheus metrics
	EnableTracing bool   // Trace TLS handshakes and HTTP/2 streams
	TracerName    string // OpenTelemetry tracer name

	Logger *log.Logger // Logger for pipeline events
}

// newSilentLogger creates a silent logger that discards all output
func newSilentLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	brotli := compress.DefaultConfig()
	return Config{
		Addr:               ":9000",
		Multicore:          true,
		NumEventLoop:       0, // Auto-detect
		ReusePort:          true,
		MaxPendingBytes:    ssl.DefaultMaxPendingBytes,
		BufferCoefficient:  ssl.DefaultBufferCoefficient,
		CompressionLevel:   brotli.Level,
		CompressionMinSize: brotli.MinSize,
		MaxCompressedBlock: brotli.MaxBlockSize,
		MaxFrameSize:       minFrameSize,
		HeaderTableSize:    codec.DefaultHeaderTableSize,
		MaxHeaderBlockSize: codec.DefaultMaxHeaderBlockSize,
		EnableMetrics:      true,
		TracerName:         "tessera",
		Logger:             newSilentLogger(),
	}
}

// Validate checks and normalizes the configuration values.
func (c *Config) Validate() error {
	if c.Addr == "" {
		c.Addr = ":9000"
	}
	if c.TLSConfig == nil && (c.ServerName != "" || c.RenegotiateOnClientAuthWant) {
		return ErrNoTLSConfig
	}
	if c.MaxPendingBytes == 0 {
		c.MaxPendingBytes = ssl.DefaultMaxPendingBytes
	}
	if c.BufferCoefficient < 1 {
		c.BufferCoefficient = ssl.DefaultBufferCoefficient
	}
	if c.CompressionLevel < 0 || c.CompressionLevel > 11 {
		c.CompressionLevel = compress.DefaultConfig().Level
	}
	if c.MaxCompressedBlock <= 0 {
		c.MaxCompressedBlock = compress.DefaultConfig().MaxBlockSize
	}
	if c.MaxFrameSize < minFrameSize {
		c.MaxFrameSize = minFrameSize
	}
	if c.MaxFrameSize > maxFrameSize {
		c.MaxFrameSize = maxFrameSize
	}
	if c.HeaderTableSize == 0 {
		c.HeaderTableSize = codec.DefaultHeaderTableSize
	}
	if c.MaxHeaderBlockSize <= 0 {
		c.MaxHeaderBlockSize = codec.DefaultMaxHeaderBlockSize
	}
	if c.AcceptRate > 0 && c.AcceptBurst < 1 {
		c.AcceptBurst = 1
	}
	if c.TracerName == "" {
		c.TracerName = "tessera"
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	return nil
}
