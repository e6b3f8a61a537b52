package tessera

import (
	"github.com/FumingPower3925/tessera/internal/compress"
	"github.com/FumingPower3925/tessera/internal/filter"
	"github.com/FumingPower3925/tessera/internal/h2/codec"
	"github.com/FumingPower3925/tessera/internal/h2/frame"
	"github.com/FumingPower3925/tessera/internal/ssl"
)

// Aliases for the pipeline types applications implement against.
type (
	Filter      = filter.Filter
	BaseFilter  = filter.BaseFilter
	Context     = filter.Context
	NextAction  = filter.NextAction
	Connection  = filter.Connection
	Chain       = filter.Chain
	Event       = filter.Event
	HeaderBlock = frame.HeaderBlock
)

// Invoke continues with the next filter.
func Invoke() NextAction { return filter.Invoke() }

// Stop ends the traversal.
func Stop() NextAction { return filter.Stop() }

// InvokeRemainder continues and runs the traversal again with chunk once the
// current one finished.
func InvokeRemainder(chunk any) NextAction { return filter.InvokeRemainder(chunk) }

// StopIncomplete ends the traversal and keeps chunk until more bytes arrive.
func StopIncomplete(chunk any) NextAction { return filter.StopIncomplete(chunk, nil) }

// pipeline is an assembled chain and the filters the owner talks to.
type pipeline struct {
	chain  *filter.Chain
	ssl    *ssl.Filter
	tracer *StreamTracingFilter
}

// buildPipeline lays the standard filters out bottom-up: bottom (the
// transport filter), metrics, TLS, brotli, HTTP/2 frames, header blocks,
// stream tracing and finally the application's filters.
func buildPipeline(config Config, client bool, bottom Filter, filters []Filter) *pipeline {
	p := &pipeline{}
	chain := []filter.Filter{bottom}
	if config.EnableMetrics {
		chain = append(chain, NewMetricsFilter())
	}

	if config.TLSConfig != nil {
		opts := []ssl.Option{
			ssl.WithMaxPendingBytes(config.MaxPendingBytes),
			ssl.WithBufferCoefficient(config.BufferCoefficient),
			ssl.WithRenegotiateOnClientAuthWant(config.RenegotiateOnClientAuthWant),
			ssl.WithLogger(config.Logger),
		}
		if config.EnableMetrics {
			opts = append(opts, ssl.WithHandshakeListener(handshakeMetrics{}))
		}
		if config.EnableTracing {
			opts = append(opts, ssl.WithHandshakeListener(NewHandshakeTracer(TracingConfig{TracerName: config.TracerName})))
		}
		if client {
			p.ssl = ssl.NewFilter(nil, ssl.NewClientConfigurator(config.TLSConfig, config.ServerName), opts...)
		} else {
			p.ssl = ssl.NewFilter(ssl.NewServerConfigurator(config.TLSConfig), nil, opts...)
		}
		chain = append(chain, p.ssl)
	}

	if config.Compression {
		chain = append(chain, compress.NewBrotliFilter(compress.Config{
			Level:        config.CompressionLevel,
			MinSize:      config.CompressionMinSize,
			MaxBlockSize: config.MaxCompressedBlock,
		}))
	}

	if config.EnableH2 {
		fopts := []codec.FrameOption{
			codec.WithMaxFrameSize(int(config.MaxFrameSize)),
			codec.WithFrameLogger(config.Logger),
		}
		if client {
			fopts = append(fopts, codec.WithClientPreface())
		} else {
			fopts = append(fopts, codec.WithServerPreface())
		}
		if config.EnableMetrics {
			fopts = append(fopts, codec.WithFrameObserver(observeFrame))
		}
		hopts := []codec.HeaderOption{
			codec.WithHeaderTableSize(config.HeaderTableSize),
			codec.WithMaxHeaderBlockSize(config.MaxHeaderBlockSize),
			codec.WithHeaderLogger(config.Logger),
		}
		if config.ValidateRequests && !client {
			hopts = append(hopts, codec.WithRequestValidation())
		}
		chain = append(chain, codec.NewFrameFilter(fopts...), codec.NewHeaderBlockFilter(hopts...))
		if config.EnableTracing && !client {
			p.tracer = NewStreamTracingFilter(TracingConfig{TracerName: config.TracerName})
			chain = append(chain, p.tracer)
		}
	}

	p.chain = filter.NewChain(append(chain, filters...)...)
	return p
}
