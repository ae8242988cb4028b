package circuitbreaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for circuit breakers.
type Metrics struct {
	state        *prometheus.GaugeVec
	requests     *prometheus.CounterVec
	failures     *prometheus.CounterVec
	stateChanges *prometheus.CounterVec
}

// NewMetrics creates circuit breaker metrics registered with the default
// registerer.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWithRegisterer(namespace, prometheus.DefaultRegisterer)
}

// NewMetricsWithRegisterer creates circuit breaker metrics with a custom
// registerer.
func NewMetricsWithRegisterer(namespace string, registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		state: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "circuit_breaker",
				Name:      "state",
				Help:      "Current state of the circuit breaker (0=closed, 1=open, 2=half-open)",
			},
			[]string{"name"},
		),
		requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "circuit_breaker",
				Name:      "requests_total",
				Help:      "Total number of requests through circuit breakers",
			},
			[]string{"name", "result"},
		),
		failures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "circuit_breaker",
				Name:      "failures_total",
				Help:      "Total number of failures recorded by circuit breakers",
			},
			[]string{"name"},
		),
		stateChanges: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "circuit_breaker",
				Name:      "state_changes_total",
				Help:      "Total number of circuit breaker state changes",
			},
			[]string{"name", "from", "to"},
		),
	}
}

func (m *Metrics) recordRequest(name string, allowed bool) {
	if m == nil {
		return
	}
	result := "allowed"
	if !allowed {
		result = "rejected"
	}
	m.requests.WithLabelValues(name, result).Inc()
}

func (m *Metrics) recordFailure(name string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(name).Inc()
}

func (m *Metrics) recordStateChange(name string, from, to State) {
	if m == nil {
		return
	}
	m.stateChanges.WithLabelValues(name, from.String(), to.String()).Inc()
	m.state.WithLabelValues(name).Set(float64(to))
}
