package audit

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/fiscalsim/guard/internal/observability"
	"github.com/fiscalsim/guard/internal/persist"
)

// DefaultMaxEvents is the bounded retention window for recent events.
const DefaultMaxEvents = 1000

// artifactName is the durable JSON artifact for the audit log.
const artifactName = "audit-log"

// defaultFlushInterval bounds how often the retained window is rewritten
// to disk. Events logged between flushes stay buffered in memory until the
// next flush or Close.
const defaultFlushInterval = time.Second

// Logger is the audit logger interface.
type Logger interface {
	// Log records an audit event. Durable writes are debounced off the
	// hot path; a failed durable write is logged and dropped.
	Log(ctx context.Context, event *Event)

	// BySubject returns retained events for a subject, newest first.
	BySubject(subject string) []*Event

	// ByType returns retained events of a type, newest first.
	ByType(eventType EventType) []*Event

	// Recent returns the n most recent retained events, newest first.
	Recent(n int) []*Event

	// Close flushes buffered events and closes the logger.
	Close() error
}

// Metrics contains audit metrics.
type Metrics struct {
	eventsTotal *prometheus.CounterVec
}

// NewMetrics creates audit metrics registered with the default registerer.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWithRegisterer(namespace, prometheus.DefaultRegisterer)
}

// NewMetricsWithRegisterer creates audit metrics registered with the
// provided registerer.
func NewMetricsWithRegisterer(namespace string, registerer prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "guard"
	}
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		eventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "audit",
				Name:      "events_total",
				Help:      "Total number of audit events",
			},
			[]string{"type", "action", "outcome"},
		),
	}

	// Duplicate registration is safe because descriptors are identical.
	_ = registerer.Register(m.eventsTotal)

	return m
}

// RecordEvent records an audit event metric.
func (m *Metrics) RecordEvent(eventType EventType, action Action, outcome Outcome) {
	if m == nil || m.eventsTotal == nil {
		return
	}
	m.eventsTotal.WithLabelValues(string(eventType), string(action), string(outcome)).Inc()
}

// logger implements the Logger interface with a bounded in-memory ring
// and a durable JSON artifact.
type logger struct {
	mu         sync.RWMutex
	events     []*Event
	maxEvents  int
	files      *persist.FileStore
	log        observability.Logger
	metrics    *Metrics
	flushEvery time.Duration
	lastFlush  time.Time
	dirty      bool
}

// Option is a functional option for the logger.
type Option func(*logger)

// WithLogger sets the observability logger.
func WithLogger(l observability.Logger) Option {
	return func(lg *logger) {
		lg.log = l
	}
}

// WithMetrics sets the metrics.
func WithMetrics(metrics *Metrics) Option {
	return func(lg *logger) {
		lg.metrics = metrics
	}
}

// WithFileStore sets the durable artifact store. Without one, events are
// retained in memory only.
func WithFileStore(files *persist.FileStore) Option {
	return func(lg *logger) {
		lg.files = files
	}
}

// WithMaxEvents sets the bounded retention window.
func WithMaxEvents(n int) Option {
	return func(lg *logger) {
		if n > 0 {
			lg.maxEvents = n
		}
	}
}

// WithFlushInterval sets how often buffered events are flushed to the
// durable artifact. Zero flushes on every event.
func WithFlushInterval(d time.Duration) Option {
	return func(lg *logger) {
		if d >= 0 {
			lg.flushEvery = d
		}
	}
}

// NewLogger creates a new audit logger. When a file store is configured,
// previously persisted events are reloaded so queries survive restarts.
func NewLogger(opts ...Option) Logger {
	l := &logger{
		maxEvents:  DefaultMaxEvents,
		log:        observability.NopLogger(),
		flushEvery: defaultFlushInterval,
	}

	for _, opt := range opts {
		opt(l)
	}

	if l.metrics == nil {
		l.metrics = NewMetrics("guard")
	}

	if l.files != nil {
		var persisted []*Event
		if err := l.files.Load(artifactName, &persisted); err == nil {
			if len(persisted) > l.maxEvents {
				persisted = persisted[len(persisted)-l.maxEvents:]
			}
			l.events = persisted
		}
	}

	return l
}

// Log implements Logger.
func (l *logger) Log(ctx context.Context, event *Event) {
	if event == nil {
		return
	}

	if event.TraceID == "" {
		event.TraceID, event.SpanID = extractTrace(ctx)
	}

	l.metrics.RecordEvent(event.Type, event.Action, event.Outcome)

	l.mu.Lock()
	l.events = append(l.events, event)
	if len(l.events) > l.maxEvents {
		l.events = l.events[len(l.events)-l.maxEvents:]
	}
	l.dirty = true

	// Rewriting the whole window per event would put a disk write on every
	// denial, so flushes are debounced. The first event after a quiet
	// period flushes immediately.
	var snapshot []*Event
	if l.files != nil && time.Since(l.lastFlush) >= l.flushEvery {
		snapshot = make([]*Event, len(l.events))
		copy(snapshot, l.events)
		l.lastFlush = time.Now()
		l.dirty = false
	}
	l.mu.Unlock()

	if snapshot != nil {
		if err := l.files.Save(artifactName, snapshot); err != nil {
			l.log.Warn("failed to persist audit log", observability.Error(err))
		}
	}
}

// BySubject implements Logger.
func (l *logger) BySubject(subject string) []*Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var result []*Event
	for i := len(l.events) - 1; i >= 0; i-- {
		if l.events[i].Subject == subject {
			result = append(result, l.events[i])
		}
	}
	return result
}

// ByType implements Logger.
func (l *logger) ByType(eventType EventType) []*Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var result []*Event
	for i := len(l.events) - 1; i >= 0; i-- {
		if l.events[i].Type == eventType {
			result = append(result, l.events[i])
		}
	}
	return result
}

// Recent implements Logger.
func (l *logger) Recent(n int) []*Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if n <= 0 || len(l.events) == 0 {
		return nil
	}
	if n > len(l.events) {
		n = len(l.events)
	}

	result := make([]*Event, 0, n)
	for i := len(l.events) - 1; i >= len(l.events)-n; i-- {
		result = append(result, l.events[i])
	}
	return result
}

// Close implements Logger. Buffered events are flushed to the durable
// artifact before the logger shuts down.
func (l *logger) Close() error {
	l.mu.Lock()
	if l.files == nil || !l.dirty {
		l.mu.Unlock()
		return nil
	}
	snapshot := make([]*Event, len(l.events))
	copy(snapshot, l.events)
	l.dirty = false
	l.mu.Unlock()

	return l.files.Save(artifactName, snapshot)
}

// extractTrace pulls trace and span ids from the context, if present.
func extractTrace(ctx context.Context) (string, string) {
	span := trace.SpanContextFromContext(ctx)
	if !span.IsValid() {
		return "", ""
	}
	return span.TraceID().String(), span.SpanID().String()
}

// NopLogger returns a logger that discards all events.
func NopLogger() Logger {
	return &nopLogger{}
}

type nopLogger struct{}

func (n *nopLogger) Log(ctx context.Context, event *Event)  {}
func (n *nopLogger) BySubject(subject string) []*Event      { return nil }
func (n *nopLogger) ByType(eventType EventType) []*Event    { return nil }
func (n *nopLogger) Recent(count int) []*Event              { return nil }
func (n *nopLogger) Close() error                           { return nil }
