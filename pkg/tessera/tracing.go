package tessera

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/FumingPower3925/tessera/internal/filter"
	"github.com/FumingPower3925/tessera/internal/h2/frame"
	"github.com/FumingPower3925/tessera/internal/ssl"
)

// TracingConfig defines the configuration options for tracing.
type TracingConfig struct {
	// TracerName is the name of the tracer (default: "tessera")
	TracerName string
	// Propagator extracts the parent context from request headers
	// (default: TraceContext)
	Propagator propagation.TextMapPropagator
}

// DefaultTracingConfig returns a TracingConfig with sensible defaults.
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{
		TracerName: "tessera",
		Propagator: propagation.TraceContext{},
	}
}

func (c *TracingConfig) normalize() {
	if c.TracerName == "" {
		c.TracerName = "tessera"
	}
	if c.Propagator == nil {
		c.Propagator = propagation.TraceContext{}
	}
}

// HandshakeTracer is an ssl.HandshakeListener that records one span per
// TLS handshake.
type HandshakeTracer struct {
	tracer  trace.Tracer
	spanKey *filter.AttributeKey[trace.Span]
}

// NewHandshakeTracer creates a HandshakeTracer.
func NewHandshakeTracer(config TracingConfig) *HandshakeTracer {
	config.normalize()
	return &HandshakeTracer{
		tracer:  otel.Tracer(config.TracerName),
		spanKey: filter.NewAttributeKey[trace.Span]("tessera.tls.span"),
	}
}

// OnHandshakeStart implements ssl.HandshakeListener.
func (h *HandshakeTracer) OnHandshakeStart(conn filter.Connection, client bool) {
	clientKey.Set(conn.Attributes(), client)
	kind := trace.SpanKindServer
	if client {
		kind = trace.SpanKindClient
	}
	_, span := h.tracer.Start(context.Background(), "tls.handshake", trace.WithSpanKind(kind))
	span.SetAttributes(
		attribute.String("net.peer.addr", conn.RemoteAddr().String()),
		attribute.String("tls.side", side(client)),
	)
	h.spanKey.Set(conn.Attributes(), span)
}

// OnHandshakeComplete implements ssl.HandshakeListener.
func (h *HandshakeTracer) OnHandshakeComplete(conn filter.Connection, session ssl.Session, elapsed time.Duration) {
	span, ok := h.spanKey.Remove(conn.Attributes())
	if !ok {
		return
	}
	span.SetAttributes(
		attribute.String("tls.alpn", session.Protocol()),
		attribute.Int("tls.peer_certificates", len(session.PeerCertificates())),
		attribute.Int64("tls.handshake_us", elapsed.Microseconds()),
	)
	span.SetStatus(codes.Ok, "")
	span.End()
}

// OnHandshakeFailure implements ssl.HandshakeListener.
func (h *HandshakeTracer) OnHandshakeFailure(conn filter.Connection, err error, elapsed time.Duration) {
	span, ok := h.spanKey.Remove(conn.Attributes())
	if !ok {
		return
	}
	span.SetAttributes(attribute.Int64("tls.handshake_us", elapsed.Microseconds()))
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.End()
}

// StreamTracingFilter starts a server span for every inbound request header
// block and ends it when the response closes the stream. It sits above the
// header block filter.
type StreamTracingFilter struct {
	filter.BaseFilter

	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
	spansKey   *filter.AttributeKey[*streamSpans]
}

type streamSpans struct {
	mu    sync.Mutex
	spans map[uint32]trace.Span
}

// NewStreamTracingFilter creates a StreamTracingFilter.
func NewStreamTracingFilter(config TracingConfig) *StreamTracingFilter {
	config.normalize()
	return &StreamTracingFilter{
		tracer:     otel.Tracer(config.TracerName),
		propagator: config.Propagator,
		spansKey:   filter.NewAttributeKey[*streamSpans]("tessera.h2.spans"),
	}
}

func (f *StreamTracingFilter) spans(conn filter.Connection) *streamSpans {
	return f.spansKey.GetOrCreate(conn.Attributes(), func() *streamSpans {
		ss := &streamSpans{spans: make(map[uint32]trace.Span)}
		conn.AddCloseListener(func(c filter.Connection, cause error) {
			f.endAll(c, cause)
		})
		return ss
	})
}

// HandleRead implements filter.Filter.
func (f *StreamTracingFilter) HandleRead(ctx *filter.Context) (filter.NextAction, error) {
	var hb *frame.HeaderBlock
	switch m := ctx.Message().(type) {
	case *frame.HeaderBlock:
		hb = m
	case *frame.RSTStreamFrame:
		f.end(ctx.Connection(), m.StreamID(), resetError(m.ErrCode()))
		return filter.Invoke(), nil
	default:
		return filter.Invoke(), nil
	}
	if hb.PromisedID != 0 {
		return filter.Invoke(), nil
	}
	ss := f.spans(ctx.Connection())
	ss.mu.Lock()
	_, exists := ss.spans[hb.StreamID]
	ss.mu.Unlock()
	if exists {
		// trailers
		return filter.Invoke(), nil
	}

	method, _ := hb.Get(":method")
	path, _ := hb.Get(":path")
	parent := f.propagator.Extract(context.Background(), headerCarrier(hb.Fields))
	_, span := f.tracer.Start(parent, method+" "+path, trace.WithSpanKind(trace.SpanKindServer))
	scheme, _ := hb.Get(":scheme")
	authority, _ := hb.Get(":authority")
	span.SetAttributes(
		attribute.String("http.method", method),
		attribute.String("http.target", path),
		attribute.String("http.scheme", scheme),
		attribute.String("http.host", authority),
		attribute.Int64("http2.stream_id", int64(hb.StreamID)),
	)

	ss.mu.Lock()
	if ss.spans == nil {
		ss.mu.Unlock()
		finish(span, errStreamAbandoned)
		return filter.Invoke(), nil
	}
	ss.spans[hb.StreamID] = span
	ss.mu.Unlock()
	return filter.Invoke(), nil
}

// HandleWrite implements filter.Filter.
func (f *StreamTracingFilter) HandleWrite(ctx *filter.Context) (filter.NextAction, error) {
	switch m := ctx.Message().(type) {
	case *frame.HeaderBlock:
		if status, ok := m.Get(":status"); ok {
			f.annotate(ctx.Connection(), m.StreamID, status)
		}
		if m.EndStream {
			f.end(ctx.Connection(), m.StreamID, nil)
		}
	case *frame.DataFrame:
		if m.EndStream() {
			f.end(ctx.Connection(), m.StreamID(), nil)
		}
	case *frame.RSTStreamFrame:
		f.end(ctx.Connection(), m.StreamID(), resetError(m.ErrCode()))
	}
	return filter.Invoke(), nil
}

func (f *StreamTracingFilter) annotate(conn filter.Connection, id uint32, status string) {
	ss, ok := f.spansKey.Get(conn.Attributes())
	if !ok {
		return
	}
	ss.mu.Lock()
	span, ok := ss.spans[id]
	ss.mu.Unlock()
	if !ok {
		return
	}
	span.SetAttributes(attribute.String("http.status_code", status))
	if strings.HasPrefix(status, "4") || strings.HasPrefix(status, "5") {
		span.SetStatus(codes.Error, "HTTP error")
	}
}

func (f *StreamTracingFilter) end(conn filter.Connection, id uint32, err error) {
	ss, ok := f.spansKey.Get(conn.Attributes())
	if !ok {
		return
	}
	ss.mu.Lock()
	span, ok := ss.spans[id]
	delete(ss.spans, id)
	ss.mu.Unlock()
	if !ok {
		return
	}
	finish(span, err)
}

func (f *StreamTracingFilter) endAll(conn filter.Connection, cause error) {
	ss, ok := f.spansKey.Remove(conn.Attributes())
	if !ok {
		return
	}
	if cause == nil {
		cause = errStreamAbandoned
	}
	ss.mu.Lock()
	spans := ss.spans
	ss.spans = nil
	ss.mu.Unlock()
	for _, span := range spans {
		finish(span, cause)
	}
}

var errStreamAbandoned = errors.New("tessera: connection closed with the stream open")

func resetError(code http2.ErrCode) error {
	return fmt.Errorf("tessera: stream reset: %v", code)
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// OpenStreams reports how many traced streams conn has.
func (f *StreamTracingFilter) OpenStreams(conn filter.Connection) int {
	ss, ok := f.spansKey.Get(conn.Attributes())
	if !ok {
		return 0
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return len(ss.spans)
}

// headerCarrier adapts decoded header fields to propagation.TextMapCarrier.
type headerCarrier []hpack.HeaderField

func (hc headerCarrier) Get(key string) string {
	key = strings.ToLower(key)
	for _, f := range hc {
		if f.Name == key {
			return f.Value
		}
	}
	return ""
}

// Set is a no-op; inbound header blocks are read only.
func (hc headerCarrier) Set(string, string) {}

func (hc headerCarrier) Keys() []string {
	keys := make([]string, 0, len(hc))
	for _, f := range hc {
		keys = append(keys, f.Name)
	}
	return keys
}
