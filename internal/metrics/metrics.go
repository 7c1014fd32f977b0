// Package metrics provides Prometheus metrics for TALLOW's peer,
// transfer, and relay components.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "tallow"
)

// Metrics contains all Prometheus metrics for a TALLOW process. The relay
// and signaling servers use the process-wide Default instance, registered
// on the default Prometheus registry; NewMetricsWithRegistry builds an
// isolated instance on a caller-supplied registry.
type Metrics struct {
	// Connection metrics
	PeersConnected  prometheus.Gauge
	PeersTotal      prometheus.Counter
	PeerConnections *prometheus.CounterVec
	PeerDisconnects *prometheus.CounterVec

	// Stream metrics
	StreamsActive     prometheus.Gauge
	StreamsOpened     prometheus.Counter
	StreamsClosed     prometheus.Counter
	StreamOpenLatency prometheus.Histogram
	StreamErrors      *prometheus.CounterVec

	// Data transfer metrics
	BytesSent      *prometheus.CounterVec
	BytesReceived  *prometheus.CounterVec
	FramesSent     *prometheus.CounterVec
	FramesReceived *prometheus.CounterVec

	// Chunk engine metrics
	ChunksSent     prometheus.Counter
	ChunksResent   prometheus.Counter
	ChunkAuthFails prometheus.Counter

	// Transfer state-machine metrics
	TransfersActive    prometheus.Gauge
	TransfersCompleted prometheus.Counter
	TransfersFailed    *prometheus.CounterVec

	// Relay server metrics
	RoomsActive      prometheus.Gauge
	RoomsCreated     prometheus.Counter
	RoomsClosed      *prometheus.CounterVec
	BytesRelayed     prometheus.Counter
	RateLimitRejects *prometheus.CounterVec

	// Protocol metrics
	HandshakeLatency prometheus.Histogram
	HandshakeErrors  *prometheus.CounterVec
	KeepalivesSent   prometheus.Counter
	KeepalivesRecv   prometheus.Counter
	KeepaliveRTT     prometheus.Histogram
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		// Connection metrics
		PeersConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers_connected",
			Help:      "Number of currently connected peers",
		}),
		PeersTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peers_total",
			Help:      "Total number of peer connections established",
		}),
		PeerConnections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_connections_total",
			Help:      "Total peer connections by transport type",
		}, []string{"transport", "direction"}),
		PeerDisconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_disconnects_total",
			Help:      "Total peer disconnections by reason",
		}, []string{"reason"}),

		// Stream metrics
		StreamsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_active",
			Help:      "Number of currently active streams",
		}),
		StreamsOpened: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_opened_total",
			Help:      "Total number of streams opened",
		}),
		StreamsClosed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_closed_total",
			Help:      "Total number of streams closed",
		}),
		StreamOpenLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stream_open_latency_seconds",
			Help:      "Histogram of stream open latency in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		StreamErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_errors_total",
			Help:      "Total stream errors by type",
		}, []string{"error_type"}),

		// Data transfer metrics
		BytesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total bytes sent by type",
		}, []string{"type"}),
		BytesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total bytes received by type",
		}, []string{"type"}),
		FramesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Total frames sent by type",
		}, []string{"frame_type"}),
		FramesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Total frames received by type",
		}, []string{"frame_type"}),

		// Chunk engine metrics
		ChunksSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_sent_total",
			Help:      "Total chunk frames sent",
		}),
		ChunksResent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_resent_total",
			Help:      "Total chunk frames retransmitted after a tag or resend-request failure",
		}),
		ChunkAuthFails: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_auth_failures_total",
			Help:      "Total per-chunk AEAD tag verification failures",
		}),

		// Transfer state-machine metrics
		TransfersActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transfers_active",
			Help:      "Number of transfers currently in TRANSFERRING or PAUSED state",
		}),
		TransfersCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_completed_total",
			Help:      "Total transfers that reached COMPLETED",
		}),
		TransfersFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_failed_total",
			Help:      "Total transfers that reached FAILED or CANCELLED, by reason",
		}, []string{"reason"}),

		// Relay server metrics
		RoomsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_rooms_active",
			Help:      "Number of rooms currently open on the relay",
		}),
		RoomsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_rooms_created_total",
			Help:      "Total rooms created on the relay",
		}),
		RoomsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_rooms_closed_total",
			Help:      "Total rooms closed on the relay, by reason",
		}, []string{"reason"}),
		BytesRelayed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_bytes_relayed_total",
			Help:      "Total opaque bytes pumped between peers by the relay",
		}),
		RateLimitRejects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_rate_limit_rejections_total",
			Help:      "Total requests rejected by a per-IP rate limiter, by kind",
		}, []string{"kind"}),

		// Protocol metrics
		HandshakeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_latency_seconds",
			Help:      "Histogram of peer handshake latency",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		HandshakeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_errors_total",
			Help:      "Total handshake errors by type",
		}, []string{"error_type"}),
		KeepalivesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keepalives_sent_total",
			Help:      "Total keepalive messages sent",
		}),
		KeepalivesRecv: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keepalives_received_total",
			Help:      "Total keepalive messages received",
		}),
		KeepaliveRTT: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "keepalive_rtt_seconds",
			Help:      "Histogram of keepalive round-trip time",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
	}

	return m
}

// RecordPeerConnect records a new peer connection.
func (m *Metrics) RecordPeerConnect(transport, direction string) {
	m.PeersConnected.Inc()
	m.PeersTotal.Inc()
	m.PeerConnections.WithLabelValues(transport, direction).Inc()
}

// RecordPeerDisconnect records a peer disconnection.
func (m *Metrics) RecordPeerDisconnect(reason string) {
	m.PeersConnected.Dec()
	m.PeerDisconnects.WithLabelValues(reason).Inc()
}

// RecordStreamOpen records a stream being opened.
func (m *Metrics) RecordStreamOpen(latencySeconds float64) {
	m.StreamsActive.Inc()
	m.StreamsOpened.Inc()
	m.StreamOpenLatency.Observe(latencySeconds)
}

// RecordStreamClose records a stream being closed.
func (m *Metrics) RecordStreamClose() {
	m.StreamsActive.Dec()
	m.StreamsClosed.Inc()
}

// RecordStreamError records a stream error.
func (m *Metrics) RecordStreamError(errorType string) {
	m.StreamErrors.WithLabelValues(errorType).Inc()
}

// RecordBytesSent records bytes sent.
func (m *Metrics) RecordBytesSent(dataType string, bytes int) {
	m.BytesSent.WithLabelValues(dataType).Add(float64(bytes))
}

// RecordBytesReceived records bytes received.
func (m *Metrics) RecordBytesReceived(dataType string, bytes int) {
	m.BytesReceived.WithLabelValues(dataType).Add(float64(bytes))
}

// RecordFrameSent records a frame being sent.
func (m *Metrics) RecordFrameSent(frameType string) {
	m.FramesSent.WithLabelValues(frameType).Inc()
}

// RecordFrameReceived records a frame being received.
func (m *Metrics) RecordFrameReceived(frameType string) {
	m.FramesReceived.WithLabelValues(frameType).Inc()
}

// RecordChunkSent records a chunk frame transmission.
func (m *Metrics) RecordChunkSent() {
	m.ChunksSent.Inc()
}

// RecordChunkResent records a chunk retransmission.
func (m *Metrics) RecordChunkResent() {
	m.ChunksResent.Inc()
}

// RecordChunkAuthFailure records a per-chunk AEAD tag failure.
func (m *Metrics) RecordChunkAuthFailure() {
	m.ChunkAuthFails.Inc()
}

// RecordTransferStart marks a transfer as active.
func (m *Metrics) RecordTransferStart() {
	m.TransfersActive.Inc()
}

// RecordTransferComplete marks an active transfer as completed.
func (m *Metrics) RecordTransferComplete() {
	m.TransfersActive.Dec()
	m.TransfersCompleted.Inc()
}

// RecordTransferFailed marks an active transfer as failed or cancelled.
func (m *Metrics) RecordTransferFailed(reason string) {
	m.TransfersActive.Dec()
	m.TransfersFailed.WithLabelValues(reason).Inc()
}

// RecordRoomCreated records a room creation on the relay.
func (m *Metrics) RecordRoomCreated() {
	m.RoomsActive.Inc()
	m.RoomsCreated.Inc()
}

// RecordRoomClosed records a room closing on the relay.
func (m *Metrics) RecordRoomClosed(reason string) {
	m.RoomsActive.Dec()
	m.RoomsClosed.WithLabelValues(reason).Inc()
}

// RecordBytesRelayed records bytes pumped through a relay room.
func (m *Metrics) RecordBytesRelayed(n int64) {
	m.BytesRelayed.Add(float64(n))
}

// RecordRateLimitReject records a request rejected by a rate limiter.
func (m *Metrics) RecordRateLimitReject(kind string) {
	m.RateLimitRejects.WithLabelValues(kind).Inc()
}

// RecordHandshake records a successful handshake.
func (m *Metrics) RecordHandshake(latencySeconds float64) {
	m.HandshakeLatency.Observe(latencySeconds)
}

// RecordHandshakeError records a handshake error.
func (m *Metrics) RecordHandshakeError(errorType string) {
	m.HandshakeErrors.WithLabelValues(errorType).Inc()
}

// RecordKeepaliveSent records a keepalive sent.
func (m *Metrics) RecordKeepaliveSent() {
	m.KeepalivesSent.Inc()
}

// RecordKeepaliveRecv records a keepalive received with RTT.
func (m *Metrics) RecordKeepaliveRecv(rttSeconds float64) {
	m.KeepalivesRecv.Inc()
	m.KeepaliveRTT.Observe(rttSeconds)
}
