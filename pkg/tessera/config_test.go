package tessera

import (
	"crypto/tls"
	"errors"
	"testing"

	"github.com/FumingPower3925/tessera/internal/compress"
	"github.com/FumingPower3925/tessera/internal/h2/codec"
	"github.com/FumingPower3925/tessera/internal/ssl"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.Addr != ":9000" {
		t.Errorf("Expected default addr :9000, got %s", config.Addr)
	}

	if !config.Multicore {
		t.Error("Expected multicore to be true by default")
	}

	if !config.ReusePort {
		t.Error("Expected ReusePort to be true by default")
	}

	if config.MaxFrameSize != 16384 {
		t.Errorf("Expected MaxFrameSize 16384, got %d", config.MaxFrameSize)
	}

	if config.HeaderTableSize != codec.DefaultHeaderTableSize {
		t.Errorf("Expected HeaderTableSize %d, got %d", codec.DefaultHeaderTableSize, config.HeaderTableSize)
	}

	if config.MaxPendingBytes != ssl.DefaultMaxPendingBytes {
		t.Errorf("Expected MaxPendingBytes %d, got %d", ssl.DefaultMaxPendingBytes, config.MaxPendingBytes)
	}

	if config.BufferCoefficient != ssl.DefaultBufferCoefficient {
		t.Errorf("Expected BufferCoefficient %v, got %v", ssl.DefaultBufferCoefficient, config.BufferCoefficient)
	}

	if config.CompressionLevel != compress.DefaultConfig().Level {
		t.Errorf("Expected CompressionLevel %d, got %d", compress.DefaultConfig().Level, config.CompressionLevel)
	}

	if config.TLSConfig != nil || config.Compression || config.EnableH2 {
		t.Error("Expected TLS, compression and HTTP/2 to be off by default")
	}

	if config.Logger == nil {
		t.Error("Expected a logger")
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name  string
		in    Config
		check func(t *testing.T, c Config)
	}{
		{
			name: "empty addr",
			in:   Config{},
			check: func(t *testing.T, c Config) {
				if c.Addr != ":9000" {
					t.Errorf("Expected addr :9000, got %s", c.Addr)
				}
				if c.Logger == nil {
					t.Error("Expected Validate to set a logger")
				}
			},
		},
		{
			name: "frame size too small",
			in:   Config{MaxFrameSize: 100},
			check: func(t *testing.T, c Config) {
				if c.MaxFrameSize != 16384 {
					t.Errorf("Expected MaxFrameSize 16384, got %d", c.MaxFrameSize)
				}
			},
		},
		{
			name: "frame size too large",
			in:   Config{MaxFrameSize: 1 << 25},
			check: func(t *testing.T, c Config) {
				if c.MaxFrameSize != 1<<24-1 {
					t.Errorf("Expected MaxFrameSize %d, got %d", 1<<24-1, c.MaxFrameSize)
				}
			},
		},
		{
			name: "coefficient below one",
			in:   Config{BufferCoefficient: 0.5},
			check: func(t *testing.T, c Config) {
				if c.BufferCoefficient != ssl.DefaultBufferCoefficient {
					t.Errorf("Expected BufferCoefficient %v, got %v", ssl.DefaultBufferCoefficient, c.BufferCoefficient)
				}
			},
		},
		{
			name: "unlimited pending bytes kept",
			in:   Config{MaxPendingBytes: ssl.Unlimited},
			check: func(t *testing.T, c Config) {
				if c.MaxPendingBytes != ssl.Unlimited {
					t.Errorf("Expected MaxPendingBytes %d, got %d", ssl.Unlimited, c.MaxPendingBytes)
				}
			},
		},
		{
			name: "compression level out of range",
			in:   Config{CompressionLevel: 42},
			check: func(t *testing.T, c Config) {
				if c.CompressionLevel != compress.DefaultConfig().Level {
					t.Errorf("Expected CompressionLevel %d, got %d", compress.DefaultConfig().Level, c.CompressionLevel)
				}
			},
		},
		{
			name: "accept rate without burst",
			in:   Config{AcceptRate: 10},
			check: func(t *testing.T, c Config) {
				if c.AcceptBurst != 1 {
					t.Errorf("Expected AcceptBurst 1, got %d", c.AcceptBurst)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := tt.in
			if err := c.Validate(); err != nil {
				t.Fatalf("Validate() error = %v", err)
			}
			tt.check(t, c)
		})
	}
}

func TestConfig_ValidateTLSOptionsWithoutConfig(t *testing.T) {
	c := Config{ServerName: "localhost"}
	if err := c.Validate(); !errors.Is(err, ErrNoTLSConfig) {
		t.Errorf("Expected ErrNoTLSConfig, got %v", err)
	}

	c = Config{ServerName: "localhost", TLSConfig: &tls.Config{}}
	if err := c.Validate(); err != nil {
		t.Errorf("Expected no error with a TLS config, got %v", err)
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	if _, err := New(Config{RenegotiateOnClientAuthWant: true}); !errors.Is(err, ErrNoTLSConfig) {
		t.Errorf("Expected ErrNoTLSConfig, got %v", err)
	}
}
