package server

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus instrumentation. A nil *Metrics is
// valid and records nothing, so tests can run without a registry.
type Metrics struct {
	ConnectionsActive prometheus.Gauge
	RequestsTotal     *prometheus.CounterVec
	GateWaitSeconds   prometheus.Histogram
	IdleEvictions     prometheus.Counter
}

// NewMetrics registers the engine metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "vigil",
			Subsystem: "api",
			Name:      "connections_active",
			Help:      "Number of currently connected HTTP API clients.",
		}),
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Completed API requests by status class.",
		}, []string{"code"}),
		GateWaitSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "vigil",
			Subsystem: "api",
			Name:      "admission_wait_seconds",
			Help:      "Time spent waiting for an admission-gate slot.",
			Buckets:   prometheus.DefBuckets,
		}),
		IdleEvictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "api",
			Name:      "idle_evictions_total",
			Help:      "Connections closed by the liveness watchdog.",
		}),
	}
}

func (m *Metrics) connOpened() {
	if m != nil {
		m.ConnectionsActive.Inc()
	}
}

func (m *Metrics) connClosed() {
	if m != nil {
		m.ConnectionsActive.Dec()
	}
}

func (m *Metrics) requestDone(status int) {
	if m != nil {
		m.RequestsTotal.WithLabelValues(strconv.Itoa(status/100) + "xx").Inc()
	}
}

func (m *Metrics) gateWaited(seconds float64) {
	if m != nil {
		m.GateWaitSeconds.Observe(seconds)
	}
}

func (m *Metrics) idleEvicted() {
	if m != nil {
		m.IdleEvictions.Inc()
	}
}
