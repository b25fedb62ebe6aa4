package websocket

import (
	"github.com/prometheus/client_golang/prometheus"

	ctrader "github.com/bjoelf/ctrader-adapter/adapter"
)

// Metrics exported by a Session. Each Session registers its own set.
type Metrics struct {
	framesReceived *prometheus.CounterVec
	framesSent     *prometheus.CounterVec
	decodeErrors   prometheus.Counter
	handlerErrors  *prometheus.CounterVec
	reconnects     prometheus.Counter
	droppedUpdates *prometheus.CounterVec
	sessionState   prometheus.Gauge
}

// NewMetrics creates and registers the session metrics on reg.
// A nil reg keeps the collectors unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		framesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ctrader",
				Subsystem: "session",
				Name:      "frames_received_total",
				Help:      "Inbound frames by payload type.",
			},
			[]string{"payload_type"},
		),
		framesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ctrader",
				Subsystem: "session",
				Name:      "frames_sent_total",
				Help:      "Outbound frames by payload type.",
			},
			[]string{"payload_type"},
		),
		decodeErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "ctrader",
				Subsystem: "session",
				Name:      "decode_errors_total",
				Help:      "Inbound frames that could not be decoded.",
			},
		),
		handlerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ctrader",
				Subsystem: "session",
				Name:      "handler_errors_total",
				Help:      "Handler failures by payload type.",
			},
			[]string{"payload_type"},
		),
		reconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "ctrader",
				Subsystem: "session",
				Name:      "reconnects_total",
				Help:      "Reconnect attempts after transient failures.",
			},
		),
		droppedUpdates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ctrader",
				Subsystem: "session",
				Name:      "dropped_updates_total",
				Help:      "Updates dropped because the consumer channel was full.",
			},
			[]string{"channel"},
		),
		sessionState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "ctrader",
				Subsystem: "session",
				Name:      "state",
				Help:      "Current session state (0 disconnected, 1 connecting, 2 handshake, 3 ready, 4 closing).",
			},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.framesReceived,
			m.framesSent,
			m.decodeErrors,
			m.handlerErrors,
			m.reconnects,
			m.droppedUpdates,
			m.sessionState,
		)
	}
	return m
}

func (m *Metrics) frameReceived(pt ctrader.PayloadType) {
	m.framesReceived.WithLabelValues(payloadLabel(pt)).Inc()
}

func (m *Metrics) frameSent(pt ctrader.PayloadType) {
	m.framesSent.WithLabelValues(payloadLabel(pt)).Inc()
}

func (m *Metrics) decodeError() {
	m.decodeErrors.Inc()
}

func (m *Metrics) handlerError(pt ctrader.PayloadType) {
	m.handlerErrors.WithLabelValues(payloadLabel(pt)).Inc()
}

func (m *Metrics) reconnect() {
	m.reconnects.Inc()
}

func (m *Metrics) droppedUpdate(channel string) {
	m.droppedUpdates.WithLabelValues(channel).Inc()
}

func (m *Metrics) setState(state SessionState) {
	m.sessionState.Set(float64(state))
}

// Unknown codes share one label to bound cardinality
func payloadLabel(pt ctrader.PayloadType) string {
	if !pt.IsKnown() {
		return "unknown"
	}
	return pt.String()
}
