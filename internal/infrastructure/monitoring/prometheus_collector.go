package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector holds the relay and peer metrics. Relay binaries use
// the Record* methods; peer binaries pass the collector to the registry as
// its ports.SessionMetrics.
type PrometheusCollector struct {
	// Relay
	peersConnected   prometheus.Gauge
	roomPeerCount    *prometheus.GaugeVec
	connectionsTotal prometheus.Counter
	signalsForwarded *prometheus.CounterVec
	framesRejected   *prometheus.CounterVec
	connectionLength prometheus.Histogram

	// Peer
	negotiationEvents *prometheus.CounterVec
	messageRoundTrip  prometheus.Histogram
	delayedMessages   prometheus.Counter
	transferBytes     *prometheus.CounterVec
	sessionsActive    prometheus.Gauge
	queueDepth        *prometheus.GaugeVec
}

// NewPrometheusCollector registers every metric with reg. Pass
// prometheus.DefaultRegisterer in binaries and a fresh registry in tests.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)

	return &PrometheusCollector{
		peersConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "peerlink_relay_peers_connected",
			Help: "Number of peers connected to this relay instance",
		}),

		roomPeerCount: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "peerlink_relay_room_peer_count",
			Help: "Number of locally connected peers in each room",
		}, []string{"room"}),

		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "peerlink_relay_connections_total",
			Help: "Total number of relay websocket connections accepted",
		}),

		signalsForwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peerlink_relay_signals_forwarded_total",
			Help: "Signals forwarded by the relay, by kind",
		}, []string{"kind"}),

		framesRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peerlink_relay_frames_rejected_total",
			Help: "Client frames dropped by the relay, by reason",
		}, []string{"reason"}),

		connectionLength: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "peerlink_relay_connection_duration_seconds",
			Help:    "How long relay websocket connections stay open",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),

		negotiationEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peerlink_negotiation_events_total",
			Help: "Perfect negotiation events, by kind",
		}, []string{"event"}),

		messageRoundTrip: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "peerlink_message_round_trip_seconds",
			Help:    "Time between sending a chat message and receiving its response",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}),

		delayedMessages: factory.NewCounter(prometheus.CounterOpts{
			Name: "peerlink_messages_delayed_total",
			Help: "Chat messages whose response arrived more than a second later",
		}),

		transferBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peerlink_transfer_bytes_total",
			Help: "File transfer payload bytes, by direction",
		}, []string{"direction"}),

		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "peerlink_sessions_active",
			Help: "Number of live peer sessions",
		}),

		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "peerlink_queue_depth",
			Help: "Messages waiting for a peer's chat channel",
		}, []string{"peer_id"}),
	}
}

func (p *PrometheusCollector) RecordPeerConnected(room string) {
	p.peersConnected.Inc()
	p.connectionsTotal.Inc()
	p.roomPeerCount.WithLabelValues(room).Inc()
}

func (p *PrometheusCollector) RecordPeerDisconnected(room string, connected time.Duration) {
	p.peersConnected.Dec()
	p.connectionLength.Observe(connected.Seconds())
	p.roomPeerCount.WithLabelValues(room).Dec()
}

// RecordRoomClosed drops the per-room series once the room is empty.
func (p *PrometheusCollector) RecordRoomClosed(room string) {
	p.roomPeerCount.DeleteLabelValues(room)
}

func (p *PrometheusCollector) RecordSignalForwarded(kind string) {
	p.signalsForwarded.WithLabelValues(kind).Inc()
}

func (p *PrometheusCollector) RecordFrameRejected(reason string) {
	p.framesRejected.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) NegotiationEvent(event string) {
	p.negotiationEvents.WithLabelValues(event).Inc()
}

func (p *PrometheusCollector) MessageRoundTrip(rtt time.Duration, delayed bool) {
	p.messageRoundTrip.Observe(rtt.Seconds())
	if delayed {
		p.delayedMessages.Inc()
	}
}

func (p *PrometheusCollector) TransferBytes(direction string, n int) {
	p.transferBytes.WithLabelValues(direction).Add(float64(n))
}

func (p *PrometheusCollector) SessionsActive(n int) {
	p.sessionsActive.Set(float64(n))
}

func (p *PrometheusCollector) QueueDepth(peer string, n int) {
	if n == 0 {
		p.queueDepth.DeleteLabelValues(peer)
		return
	}
	p.queueDepth.WithLabelValues(peer).Set(float64(n))
}
