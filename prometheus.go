// This file contains PrometheusMetrics, a MetricsCollector backed by
// prometheus/client_golang. Register it in Options.Hooks to export gateway
// metrics through the host application's registry.
package beacon

import (
	"github.com/prometheus/client_golang/prometheus"
)

type PrometheusMetrics struct {
	connectionsOpen     prometheus.Gauge
	connectionsTotal    prometheus.Counter
	broadcastsTotal     *prometheus.CounterVec
	broadcastRecipients *prometheus.CounterVec
	presenceTransitions *prometheus.CounterVec
	sweepStaleTotal     prometheus.Counter
	errorsTotal         *prometheus.CounterVec
}

// NewPrometheusMetrics creates and registers the gateway's metric set on the
// given registerer. Pass prometheus.DefaultRegisterer to use the process
// default.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	m := &PrometheusMetrics{
		connectionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "beacon_connections_open",
			Help: "Number of currently open connections.",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "beacon_connections_total",
			Help: "Total connections accepted since start.",
		}),
		broadcastsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_broadcasts_total",
			Help: "Fan-out operations by event name.",
		}, []string{"event"}),
		broadcastRecipients: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_broadcast_recipients_total",
			Help: "Local recipients reached by fan-out operations, by event name.",
		}, []string{"event"}),
		presenceTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_presence_transitions_total",
			Help: "Online/offline presence transitions.",
		}, []string{"state"}),
		sweepStaleTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "beacon_reconciler_stale_total",
			Help: "Stale online flags corrected by the reconciler.",
		}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_errors_total",
			Help: "Errors by component.",
		}, []string{"component"}),
	}
	reg.MustRegister(
		m.connectionsOpen,
		m.connectionsTotal,
		m.broadcastsTotal,
		m.broadcastRecipients,
		m.presenceTransitions,
		m.sweepStaleTotal,
		m.errorsTotal,
	)
	return m
}

func (m *PrometheusMetrics) ConnectionOpened(connID string, identity string) {
	m.connectionsOpen.Inc()

	m.connectionsTotal.Inc()
}

func (m *PrometheusMetrics) ConnectionClosed(connID string, identity string) {
	m.connectionsOpen.Dec()
}

func (m *PrometheusMetrics) MessageBroadcast(scope string, event string, recipientCount int) {
	m.broadcastsTotal.WithLabelValues(event).Inc()

	m.broadcastRecipients.WithLabelValues(event).Add(float64(recipientCount))
}

func (m *PrometheusMetrics) PresenceTransition(identity string, online bool) {
	state := "offline"
	if online {
		state = "online"
	}
	m.presenceTransitions.WithLabelValues(state).Inc()
}

func (m *PrometheusMetrics) SweepCompleted(stale int) {
	m.sweepStaleTotal.Add(float64(stale))
}

func (m *PrometheusMetrics) Error(component string, err error) {
	m.errorsTotal.WithLabelValues(component).Inc()
}
