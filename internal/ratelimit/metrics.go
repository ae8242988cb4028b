package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the rate limiter.
type Metrics struct {
	checks     *prometheus.CounterVec
	violations prometheus.Counter
	blocks     prometheus.Counter
	failOpens  prometheus.Counter
}

// NewMetrics creates rate limiter metrics registered with the default
// registerer.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWithRegisterer(namespace, prometheus.DefaultRegisterer)
}

// NewMetricsWithRegisterer creates rate limiter metrics with a custom
// registerer.
func NewMetricsWithRegisterer(namespace string, registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		checks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ratelimit",
				Name:      "checks_total",
				Help:      "Total number of rate limit checks",
			},
			[]string{"result"},
		),
		violations: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ratelimit",
				Name:      "violations_total",
				Help:      "Total number of rate limit violations",
			},
		),
		blocks: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ratelimit",
				Name:      "ip_blocks_total",
				Help:      "Total number of automatic IP blocks",
			},
		),
		failOpens: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ratelimit",
				Name:      "fail_open_total",
				Help:      "Total number of checks that failed open on store errors",
			},
		),
	}
}

func (m *Metrics) recordCheck(result string) {
	if m == nil {
		return
	}
	m.checks.WithLabelValues(result).Inc()
}

func (m *Metrics) recordViolation() {
	if m == nil {
		return
	}
	m.violations.Inc()
}

func (m *Metrics) recordBlock() {
	if m == nil {
		return
	}
	m.blocks.Inc()
}

func (m *Metrics) recordFailOpen() {
	if m == nil {
		return
	}
	m.failOpens.Inc()
}
