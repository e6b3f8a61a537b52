package tessera

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/FumingPower3925/tessera/internal/buffer"
	"github.com/FumingPower3925/tessera/internal/filter"
	"github.com/FumingPower3925/tessera/internal/h2/codec"
	"github.com/FumingPower3925/tessera/internal/h2/frame"
	"github.com/FumingPower3925/tessera/internal/ssl"
)

var (
	chainEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tessera_chain_events_total",
			Help: "Total number of events that reached the transport end of a chain",
		},
		[]string{"operation"},
	)

	connectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tessera_connections_active",
			Help: "Current number of open connections",
		},
	)

	connectionsClosedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tessera_connections_closed_total",
			Help: "Total number of closed connections by outcome",
		},
		[]string{"result"},
	)

	bytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tessera_bytes_total",
			Help: "Total number of bytes moved by the transport",
		},
		[]string{"direction"},
	)

	tlsHandshakesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tessera_tls_handshakes_total",
			Help: "Total number of TLS handshakes",
		},
		[]string{"side", "result"},
	)

	tlsHandshakeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tessera_tls_handshake_duration_seconds",
			Help:    "TLS handshake duration in seconds",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"side", "result"},
	)

	h2FramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tessera_h2_frames_total",
			Help: "Total number of HTTP/2 frames",
		},
		[]string{"direction", "type"},
	)

	h2FrameBytes = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tessera_h2_frame_payload_bytes",
			Help:    "HTTP/2 frame payload size in bytes",
			Buckets: []float64{0, 64, 512, 4096, 16384, 65536, 1 << 20},
		},
		[]string{"direction"},
	)
)

// MetricsHandler returns the HTTP handler that exposes the default registry.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// MetricsFilter counts events and bytes. Place it right above the transport
// filter so it sees what goes over the wire.
type MetricsFilter struct {
	filter.BaseFilter
}

// NewMetricsFilter creates a MetricsFilter.
func NewMetricsFilter() *MetricsFilter { return &MetricsFilter{} }

// HandleAccept implements filter.Filter.
func (f *MetricsFilter) HandleAccept(ctx *filter.Context) (filter.NextAction, error) {
	f.opened(ctx.Connection())
	chainEventsTotal.WithLabelValues(filter.OpAccept.String()).Inc()
	return filter.Invoke(), nil
}

// HandleConnect implements filter.Filter.
func (f *MetricsFilter) HandleConnect(ctx *filter.Context) (filter.NextAction, error) {
	f.opened(ctx.Connection())
	chainEventsTotal.WithLabelValues(filter.OpConnect.String()).Inc()
	return filter.Invoke(), nil
}

func (f *MetricsFilter) opened(conn filter.Connection) {
	connectionsActive.Inc()
	conn.AddCloseListener(func(_ filter.Connection, cause error) {
		connectionsActive.Dec()
		result := "clean"
		if cause != nil {
			result = "error"
		}
		connectionsClosedTotal.WithLabelValues(result).Inc()
	})
}

// HandleRead implements filter.Filter.
func (f *MetricsFilter) HandleRead(ctx *filter.Context) (filter.NextAction, error) {
	chainEventsTotal.WithLabelValues(filter.OpRead.String()).Inc()
	bytesTotal.WithLabelValues("in").Add(float64(buffer.Size(ctx.Message())))
	return filter.Invoke(), nil
}

// HandleWrite implements filter.Filter.
func (f *MetricsFilter) HandleWrite(ctx *filter.Context) (filter.NextAction, error) {
	chainEventsTotal.WithLabelValues(filter.OpWrite.String()).Inc()
	bytesTotal.WithLabelValues("out").Add(float64(buffer.Size(ctx.Message())))
	return filter.Invoke(), nil
}

// HandleClose implements filter.Filter.
func (f *MetricsFilter) HandleClose(*filter.Context) (filter.NextAction, error) {
	chainEventsTotal.WithLabelValues(filter.OpClose.String()).Inc()
	return filter.Invoke(), nil
}

// HandleEvent implements filter.Filter.
func (f *MetricsFilter) HandleEvent(*filter.Context, filter.Event) (filter.NextAction, error) {
	chainEventsTotal.WithLabelValues(filter.OpEvent.String()).Inc()
	return filter.Invoke(), nil
}

// clientKey remembers which side of a handshake a connection is on.
var clientKey = filter.NewAttributeKey[bool]("tessera.tls.client")

func isClientConn(conn filter.Connection) bool {
	client, _ := clientKey.Get(conn.Attributes())
	return client
}

func side(client bool) string {
	if client {
		return "client"
	}
	return "server"
}

// handshakeMetrics records TLS handshake outcomes.
type handshakeMetrics struct{}

func (handshakeMetrics) OnHandshakeStart(conn filter.Connection, client bool) {
	clientKey.Set(conn.Attributes(), client)
}

func (handshakeMetrics) OnHandshakeComplete(conn filter.Connection, _ ssl.Session, elapsed time.Duration) {
	record(conn, "ok", elapsed)
}

func (handshakeMetrics) OnHandshakeFailure(conn filter.Connection, _ error, elapsed time.Duration) {
	record(conn, "error", elapsed)
}

func record(conn filter.Connection, result string, elapsed time.Duration) {
	s := side(isClientConn(conn))
	tlsHandshakesTotal.WithLabelValues(s, result).Inc()
	tlsHandshakeDuration.WithLabelValues(s, result).Observe(elapsed.Seconds())
}

// observeFrame is the codec.FrameObserver that feeds the frame metrics.
func observeFrame(dir codec.Direction, t frame.Type, length int) {
	h2FramesTotal.WithLabelValues(dir.String(), t.String()).Inc()
	h2FrameBytes.WithLabelValues(dir.String()).Observe(float64(length))
}
