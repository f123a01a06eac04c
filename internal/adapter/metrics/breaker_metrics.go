package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/thushan/olla/internal/core/domain"
)

// BreakerMetrics exposes the routing core's circuit-breaker transitions,
// queue depth and in-flight counts as passthrough Prometheus counters and
// gauges. It does not aggregate or window anything itself - that stays an
// external collector's job - it just emits.
type BreakerMetrics struct {
	transitions *prometheus.CounterVec
	state       *prometheus.GaugeVec
	queueDepth  prometheus.Gauge
	inFlight    *prometheus.GaugeVec
}

// NewBreakerMetrics registers its collectors against reg. Passing a fresh
// prometheus.NewRegistry() keeps tests isolated from the global default
// registry.
func NewBreakerMetrics(reg prometheus.Registerer) *BreakerMetrics {
	m := &BreakerMetrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "olla",
			Subsystem: "breaker",
			Name:      "transitions_total",
			Help:      "Circuit breaker state transitions by breaker name and resulting state.",
		}, []string{"breaker", "state"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "olla",
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Current circuit breaker state (0=closed, 1=open, 2=half-open) by breaker name.",
		}, []string{"breaker"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "olla",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Current number of items waiting in the priority queue.",
		}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "olla",
			Subsystem: "servers",
			Name:      "in_flight",
			Help:      "Current in-flight request count by server id.",
		}, []string{"server"}),
	}

	reg.MustRegister(m.transitions, m.state, m.queueDepth, m.inFlight)
	return m
}

// OnBreakerChange is wired as orchestrator.Deps.OnChange.
func (m *BreakerMetrics) OnBreakerChange(name string, from, to domain.BreakerState) {
	m.transitions.WithLabelValues(name, to.String()).Inc()
	m.state.WithLabelValues(name).Set(float64(to))
}

// SetQueueDepth records the priority queue's current size.
func (m *BreakerMetrics) SetQueueDepth(depth int) {
	m.queueDepth.Set(float64(depth))
}

// SetInFlight records a server's current in-flight request count.
func (m *BreakerMetrics) SetInFlight(serverID string, count int64) {
	m.inFlight.WithLabelValues(serverID).Set(float64(count))
}
