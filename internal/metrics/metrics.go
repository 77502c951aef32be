// Package metrics provides Prometheus instruments for the transport.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sst"

// Metrics contains all Prometheus metrics for a host.
type Metrics struct {
	// Channel metrics
	ChannelsActive      prometheus.Gauge
	HandshakesInitiated prometheus.Counter
	HandshakesAccepted  prometheus.Counter
	HandshakeLatency    prometheus.Histogram

	// Link metrics
	LinkTransitions *prometheus.CounterVec

	// Stream metrics
	StreamsOpened  prometheus.Counter
	StreamsActive  prometheus.Gauge
	BytesSent      prometheus.Counter
	BytesReceived  prometheus.Counter

	// Timer metrics
	Retransmits prometheus.Counter
}

// NewMetrics constructs and registers all instruments against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ChannelsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channels_active",
			Help:      "Channels currently established",
		}),
		HandshakesInitiated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_initiated_total",
			Help:      "Key exchanges completed as initiator",
		}),
		HandshakesAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_accepted_total",
			Help:      "Key exchanges completed as responder",
		}),
		HandshakeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_duration_seconds",
			Help:      "Key exchange duration",
			Buckets:   prometheus.DefBuckets,
		}),
		LinkTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "link_transitions_total",
			Help:      "Primary channel link transitions by direction",
		}, []string{"direction"}),
		StreamsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_opened_total",
			Help:      "Top-level streams opened",
		}),
		StreamsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_active",
			Help:      "Streams currently open",
		}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Stream payload bytes sent",
		}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Stream payload bytes received",
		}),
		Retransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retransmits_total",
			Help:      "Stream segments retransmitted",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.ChannelsActive,
			m.HandshakesInitiated,
			m.HandshakesAccepted,
			m.HandshakeLatency,
			m.LinkTransitions,
			m.StreamsOpened,
			m.StreamsActive,
			m.BytesSent,
			m.BytesReceived,
			m.Retransmits,
		)
	}
	return m
}
