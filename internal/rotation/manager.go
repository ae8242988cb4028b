package rotation

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/robfig/cron/v3"

	"github.com/fiscalsim/guard/internal/audit"
	"github.com/fiscalsim/guard/internal/observability"
	"github.com/fiscalsim/guard/internal/persist"
)

// DefaultRotationDays is the rotation interval applied when a schedule is
// registered without one.
const DefaultRotationDays = 90

// DefaultSweepSpec runs the due-rotation sweep hourly.
const DefaultSweepSpec = "@hourly"

const (
	schedulesArtifact = "rotation-schedules"
	historyArtifact   = "rotation-history"
)

// maxHistoryRecords bounds the persisted rotation history.
const maxHistoryRecords = 500

// Schedule tracks the rotation cadence for a single secret.
type Schedule struct {
	// SecretName is the name of the secret.
	SecretName string `json:"secret_name"`
	// SecretType selects the rotation handler.
	SecretType SecretType `json:"secret_type"`
	// RotationDays is the rotation interval in days.
	RotationDays int `json:"rotation_days"`
	// LastRotated is the time of the last successful rotation.
	LastRotated time.Time `json:"last_rotated"`
	// NextRotation is when the next rotation comes due. Always equals
	// LastRotated plus RotationDays.
	NextRotation time.Time `json:"next_rotation"`
	// RotationCount is the number of successful rotations.
	RotationCount int `json:"rotation_count"`
}

// Due reports whether the schedule has come due at the given time.
func (s *Schedule) Due(now time.Time) bool {
	return !now.Before(s.NextRotation)
}

// HistoryRecord records one rotation attempt.
type HistoryRecord struct {
	// SecretName is the rotated secret.
	SecretName string `json:"secret_name"`
	// SecretType is the secret type.
	SecretType SecretType `json:"secret_type"`
	// RotatedAt is when the attempt happened.
	RotatedAt time.Time `json:"rotated_at"`
	// Success reports whether the rotation completed.
	Success bool `json:"success"`
	// Error holds the failure reason, if any.
	Error string `json:"error,omitempty"`
	// Forced reports whether the rotation was forced ahead of schedule.
	Forced bool `json:"forced"`
}

// Metrics holds Prometheus metrics for rotations.
type Metrics struct {
	rotationsTotal *prometheus.CounterVec
	schedulesDue   prometheus.Gauge
}

// NewMetrics creates rotation metrics registered with the default registerer.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWithRegisterer(namespace, prometheus.DefaultRegisterer)
}

// NewMetricsWithRegisterer creates rotation metrics with a custom registerer.
func NewMetricsWithRegisterer(namespace string, registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		rotationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "rotation",
				Name:      "rotations_total",
				Help:      "Total number of secret rotation attempts",
			},
			[]string{"secret_type", "result"},
		),
		schedulesDue: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "rotation",
				Name:      "schedules_due",
				Help:      "Number of rotation schedules currently due",
			},
		),
	}
}

// Manager owns rotation schedules and drives rotations.
type Manager struct {
	logger   observability.Logger
	auditLog audit.Logger
	files    *persist.FileStore
	metrics  *Metrics
	now      func() time.Time

	// onRotated is invoked after each successful rotation, typically to
	// invalidate the secrets cache.
	onRotated func(name string)

	cron *cron.Cron

	mu        sync.RWMutex
	handlers  map[SecretType]Handler
	schedules map[string]*Schedule
	history   []*HistoryRecord
}

// Option is a functional option for the Manager.
type Option func(*Manager)

// WithLogger sets the structured logger.
func WithLogger(l observability.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithAuditLogger sets the audit logger.
func WithAuditLogger(l audit.Logger) Option {
	return func(m *Manager) {
		m.auditLog = l
	}
}

// WithFileStore sets the artifact store for schedules and history.
func WithFileStore(files *persist.FileStore) Option {
	return func(m *Manager) {
		m.files = files
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(metrics *Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithOnRotated sets a callback invoked after each successful rotation.
func WithOnRotated(fn func(name string)) Option {
	return func(m *Manager) {
		m.onRotated = fn
	}
}

// withClock overrides the time source, for tests.
func withClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a rotation manager. Persisted schedules and history are
// reloaded if a file store is configured.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		logger:    observability.NopLogger(),
		auditLog:  audit.NopLogger(),
		now:       time.Now,
		handlers:  make(map[SecretType]Handler),
		schedules: make(map[string]*Schedule),
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.files != nil {
		var schedules map[string]*Schedule
		if err := m.files.Load(schedulesArtifact, &schedules); err == nil {
			if schedules != nil {
				m.schedules = schedules
			}
		} else if !os.IsNotExist(err) {
			m.logger.Warn("failed to reload rotation schedules", observability.Error(err))
		}
		var history []*HistoryRecord
		if err := m.files.Load(historyArtifact, &history); err == nil {
			m.history = history
		} else if !os.IsNotExist(err) {
			m.logger.Warn("failed to reload rotation history", observability.Error(err))
		}
	}

	return m
}

// RegisterHandler installs the handler for a secret type.
func (m *Manager) RegisterHandler(secretType SecretType, handler Handler) {
	m.mu.Lock()
	m.handlers[secretType] = handler
	m.mu.Unlock()
}

// RegisterSchedule adds or replaces the rotation schedule for a secret. A
// zero lastRotated means the secret was never rotated and is due immediately.
func (m *Manager) RegisterSchedule(secretName string, secretType SecretType, rotationDays int, lastRotated time.Time) error {
	if secretName == "" {
		return fmt.Errorf("secret name is required")
	}
	if rotationDays <= 0 {
		rotationDays = DefaultRotationDays
	}

	schedule := &Schedule{
		SecretName:   secretName,
		SecretType:   secretType,
		RotationDays: rotationDays,
		LastRotated:  lastRotated,
		NextRotation: lastRotated.AddDate(0, 0, rotationDays),
	}

	m.mu.Lock()
	m.schedules[secretName] = schedule
	m.mu.Unlock()

	return m.persistSchedules()
}

// Schedule returns the schedule for a secret.
func (m *Manager) Schedule(secretName string) (*Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	schedule, ok := m.schedules[secretName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSecret, secretName)
	}
	copied := *schedule
	return &copied, nil
}

// Schedules returns all schedules.
func (m *Manager) Schedules() []*Schedule {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Schedule, 0, len(m.schedules))
	for _, schedule := range m.schedules {
		copied := *schedule
		result = append(result, &copied)
	}
	return result
}

// History returns recent rotation attempts, newest last.
func (m *Manager) History() []*HistoryRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*HistoryRecord, len(m.history))
	copy(result, m.history)
	return result
}

// Rotate rotates a secret. It is a no-op returning ErrNotDue unless the
// schedule has come due or force is set. A failed rotation never advances
// the schedule.
func (m *Manager) Rotate(ctx context.Context, secretName string, force bool) error {
	m.mu.Lock()
	schedule, ok := m.schedules[secretName]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSecret, secretName)
	}

	now := m.now()
	if !force && !schedule.Due(now) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s due at %s", ErrNotDue, secretName, schedule.NextRotation.Format(time.RFC3339))
	}

	handler, ok := m.handlers[schedule.SecretType]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSecretType, schedule.SecretType)
	}
	secretType := schedule.SecretType
	m.mu.Unlock()

	err := m.performRotation(ctx, handler, secretName)

	m.mu.Lock()
	record := &HistoryRecord{
		SecretName: secretName,
		SecretType: secretType,
		RotatedAt:  now,
		Success:    err == nil,
		Forced:     force,
	}
	if err != nil {
		record.Error = err.Error()
	} else {
		schedule.LastRotated = now
		schedule.NextRotation = now.AddDate(0, 0, schedule.RotationDays)
		schedule.RotationCount++
	}
	m.history = append(m.history, record)
	if len(m.history) > maxHistoryRecords {
		m.history = m.history[len(m.history)-maxHistoryRecords:]
	}
	m.mu.Unlock()

	if perr := m.persistSchedules(); perr != nil {
		m.logger.Error("failed to persist rotation schedules", observability.Error(perr))
	}
	if perr := m.persistHistory(); perr != nil {
		m.logger.Error("failed to persist rotation history", observability.Error(perr))
	}

	if err != nil {
		if m.metrics != nil {
			m.metrics.rotationsTotal.WithLabelValues(string(secretType), "failure").Inc()
		}
		m.auditLog.Log(ctx, audit.RotationEvent(secretName, audit.OutcomeFailure).
			WithDetail("error", err.Error()))
		m.logger.Error("secret rotation failed",
			observability.String("secret", secretName),
			observability.Error(err))
		return err
	}

	if m.metrics != nil {
		m.metrics.rotationsTotal.WithLabelValues(string(secretType), "success").Inc()
	}
	m.auditLog.Log(ctx, audit.RotationEvent(secretName, audit.OutcomeSuccess).
		WithDetail("forced", force))
	m.logger.Info("secret rotated",
		observability.String("secret", secretName),
		observability.String("type", string(secretType)))

	if m.onRotated != nil {
		m.onRotated(secretName)
	}
	return nil
}

// performRotation runs the backup, generate, validate, apply sequence.
func (m *Manager) performRotation(ctx context.Context, handler Handler, secretName string) error {
	if err := handler.BackupCurrent(ctx, secretName); err != nil {
		return fmt.Errorf("backup failed: %w", err)
	}

	value, err := handler.Generate(ctx)
	if err != nil {
		return fmt.Errorf("generate failed: %w", err)
	}

	if err := handler.Validate(ctx, value); err != nil {
		return fmt.Errorf("validate failed: %w", err)
	}

	if err := handler.Apply(ctx, secretName, value); err != nil {
		return fmt.Errorf("apply failed: %w", err)
	}

	return nil
}

// RotateDue rotates every schedule that has come due and returns the number
// of successful rotations. Failures are recorded per schedule and do not
// stop the sweep.
func (m *Manager) RotateDue(ctx context.Context) int {
	now := m.now()

	m.mu.RLock()
	var due []string
	for name, schedule := range m.schedules {
		if schedule.Due(now) {
			due = append(due, name)
		}
	}
	m.mu.RUnlock()

	if m.metrics != nil {
		m.metrics.schedulesDue.Set(float64(len(due)))
	}

	rotated := 0
	for _, name := range due {
		if err := m.Rotate(ctx, name, false); err != nil {
			continue
		}
		rotated++
	}
	return rotated
}

// StartSweeper starts a cron-driven sweep of due rotations. Call Stop to
// shut it down.
func (m *Manager) StartSweeper(spec string) error {
	if spec == "" {
		spec = DefaultSweepSpec
	}

	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		m.RotateDue(context.Background())
	})
	if err != nil {
		return fmt.Errorf("invalid rotation sweep spec %q: %w", spec, err)
	}

	m.mu.Lock()
	m.cron = c
	m.mu.Unlock()

	c.Start()
	m.logger.Info("rotation sweeper started", observability.String("spec", spec))
	return nil
}

// Stop stops the sweeper if it is running.
func (m *Manager) Stop() {
	m.mu.Lock()
	c := m.cron
	m.cron = nil
	m.mu.Unlock()

	if c != nil {
		ctx := c.Stop()
		<-ctx.Done()
	}
}

func (m *Manager) persistSchedules() error {
	if m.files == nil {
		return nil
	}
	m.mu.RLock()
	snapshot := make(map[string]*Schedule, len(m.schedules))
	for name, schedule := range m.schedules {
		copied := *schedule
		snapshot[name] = &copied
	}
	m.mu.RUnlock()
	return m.files.Save(schedulesArtifact, snapshot)
}

func (m *Manager) persistHistory() error {
	if m.files == nil {
		return nil
	}
	m.mu.RLock()
	snapshot := make([]*HistoryRecord, len(m.history))
	copy(snapshot, m.history)
	m.mu.RUnlock()
	return m.files.Save(historyArtifact, snapshot)
}
