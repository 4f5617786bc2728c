package gateway

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Mindburn-Labs/veritas/pkg/amount"
)

// Metrics are the gateway's Prometheus collectors.
type Metrics struct {
	challenges prometheus.Counter
	decisions  *prometheus.CounterVec
	verify     prometheus.Histogram
	revenue    prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		challenges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "veritas",
			Subsystem: "gateway",
			Name:      "challenges_total",
			Help:      "Payment challenges issued.",
		}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "veritas",
			Subsystem: "gateway",
			Name:      "decisions_total",
			Help:      "Receipt verification outcomes.",
		}, []string{"outcome", "reason"}),
		verify: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "veritas",
			Subsystem: "gateway",
			Name:      "verify_duration_seconds",
			Help:      "Duration of receipt verification.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		revenue: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "veritas",
			Subsystem: "gateway",
			Name:      "accepted_amount_total",
			Help:      "Sum of accepted payment amounts.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.challenges, m.decisions, m.verify, m.revenue)
	}
	return m
}

func (m *Metrics) challenge() {
	if m != nil {
		m.challenges.Inc()
	}
}

func (m *Metrics) granted(amt amount.Amount, took time.Duration) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues("granted", "").Inc()
	m.verify.Observe(took.Seconds())
	m.revenue.Add(amt.Float64())
}

func (m *Metrics) denied(reason Reason, took time.Duration) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues("denied", string(reason)).Inc()
	m.verify.Observe(took.Seconds())
}
