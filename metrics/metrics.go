// Package metrics exposes host counters to Prometheus and serves a small
// status router next to them.
//
// Every recording method is safe on a nil *Metrics so components can run
// without instrumentation (tests, embedded hosts).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "notnet"

// Disconnect reasons used as label values.
const (
	ReasonLogout    = "logout"
	ReasonHangup    = "hangup"
	ReasonMalformed = "malformed"
	ReasonIdle      = "idle"
	ReasonError     = "error"
	ReasonShutdown  = "shutdown"
	ReasonKicked    = "kicked"
)

// Delivery outcomes used as label values.
const (
	DeliveryOK           = "delivered"
	DeliverySlowConsumer = "slow_consumer"
	DeliveryClosed       = "closed"
	DeliveryError        = "error"
)

// Metrics holds the host's Prometheus collectors.
type Metrics struct {
	sessionsActive prometheus.Gauge
	admitted       prometheus.Counter
	rejected       *prometheus.CounterVec
	disconnects    *prometheus.CounterVec
	framesReceived *prometheus.CounterVec
	broadcasts     *prometheus.CounterVec
	deliveries     *prometheus.CounterVec
	acceptErrors   prometheus.Counter
}

// New registers the host collectors on reg.
//
// Parameters:
//   - reg: Registerer to use; pass prometheus.NewRegistry() in tests to avoid
//     duplicate registration on the default registry
//
// Returns:
//   - The *Metrics handle
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of registered chat sessions",
		}),
		admitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_admitted_total",
			Help:      "Connections that completed the handshake and registered",
		}),
		rejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_rejected_total",
			Help:      "Connections refused during the handshake, by error code",
		}, []string{"code"}),
		disconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Registered sessions torn down, by reason",
		}, []string{"reason"}),
		framesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Frames decoded from clients, by kind",
		}, []string{"kind"}),
		broadcasts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Frames fanned out to the registry, by kind",
		}, []string{"kind"}),
		deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Per-recipient delivery attempts, by outcome",
		}, []string{"outcome"}),
		acceptErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accept_errors_total",
			Help:      "Failed accept calls on the listener",
		}),
	}
}

func (m *Metrics) SessionAdmitted() {
	if m == nil {
		return
	}

	m.admitted.Inc()
	m.sessionsActive.Inc()
}

func (m *Metrics) SessionRejected(code string) {
	if m == nil {
		return
	}

	m.rejected.WithLabelValues(code).Inc()
}

func (m *Metrics) SessionClosed(reason string) {
	if m == nil {
		return
	}

	m.disconnects.WithLabelValues(reason).Inc()
	m.sessionsActive.Dec()
}

func (m *Metrics) FrameReceived(kind string) {
	if m == nil {
		return
	}

	m.framesReceived.WithLabelValues(kind).Inc()
}

func (m *Metrics) Broadcast(kind string) {
	if m == nil {
		return
	}

	m.broadcasts.WithLabelValues(kind).Inc()
}

// Delivered records n delivery attempts with the given outcome.
func (m *Metrics) Delivered(outcome string, n int) {
	if m == nil || n == 0 {
		return
	}

	m.deliveries.WithLabelValues(outcome).Add(float64(n))
}

func (m *Metrics) AcceptFailed() {
	if m == nil {
		return
	}

	m.acceptErrors.Inc()
}
