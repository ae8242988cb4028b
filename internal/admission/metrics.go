package admission

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for admission control.
type Metrics struct {
	rejections     *prometheus.CounterVec
	inFlight       prometheus.Gauge
	queueDepth     prometheus.Gauge
	queueRejects   prometheus.Counter
	queueDiscards  prometheus.Counter
	normalizedLoad prometheus.Gauge
}

// NewMetrics creates admission metrics registered with the default
// registerer.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWithRegisterer(namespace, prometheus.DefaultRegisterer)
}

// NewMetricsWithRegisterer creates admission metrics with a custom
// registerer.
func NewMetricsWithRegisterer(namespace string, registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		rejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "admission",
				Name:      "rejections_total",
				Help:      "Total number of requests rejected by validation",
			},
			[]string{"reason"},
		),
		inFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "admission",
				Name:      "in_flight_requests",
				Help:      "Current number of in-flight requests",
			},
		),
		queueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "admission",
				Name:      "queue_depth",
				Help:      "Current admission queue depth",
			},
		),
		queueRejects: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "admission",
				Name:      "queue_rejections_total",
				Help:      "Total number of enqueue attempts rejected because the queue was full",
			},
		),
		queueDiscards: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "admission",
				Name:      "queue_discards_total",
				Help:      "Total number of queued entries discarded after exceeding max wait",
			},
		),
		normalizedLoad: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "admission",
				Name:      "normalized_load",
				Help:      "One-minute load average normalized by core count",
			},
		),
	}
}

func (m *Metrics) recordRejection(reason string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) setInFlight(n int64) {
	if m == nil {
		return
	}
	m.inFlight.Set(float64(n))
}

func (m *Metrics) setQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) recordQueueRejection() {
	if m == nil {
		return
	}
	m.queueRejects.Inc()
}

func (m *Metrics) recordQueueDiscard() {
	if m == nil {
		return
	}
	m.queueDiscards.Inc()
}

func (m *Metrics) setNormalizedLoad(v float64) {
	if m == nil {
		return
	}
	m.normalizedLoad.Set(v)
}
