package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/janusd/janus/internal/policy"
)

// Metrics exposes decision and store-health counters. A nil *Metrics is
// valid and records nothing, so wiring is optional.
type Metrics struct {
	decisions     *prometheus.CounterVec
	storeFailures prometheus.Counter
	storeLatency  prometheus.Histogram
}

// NewMetrics registers engine metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "janus_decisions_total",
			Help: "Rate limit decisions by action and result.",
		}, []string{"action", "result"}),
		storeFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "janus_store_failures_total",
			Help: "Counter store operations that failed or timed out.",
		}),
		storeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "janus_store_op_seconds",
			Help:    "Latency of atomic counter store operations.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
	}
}

func (m *Metrics) ObserveDecision(action policy.Key, allowed bool) {
	if m == nil {
		return
	}
	result := "allowed"
	if !allowed {
		result = "denied"
	}
	m.decisions.WithLabelValues(string(action), result).Inc()
}

func (m *Metrics) ObserveStoreFailure() {
	if m == nil {
		return
	}
	m.storeFailures.Inc()
}

func (m *Metrics) ObserveStoreOp(d time.Duration) {
	if m == nil {
		return
	}
	m.storeLatency.Observe(d.Seconds())
}
