package circuitbreaker

import (
	"context"
	"sync"
	"time"

	"github.com/fiscalsim/guard/internal/audit"
	"github.com/fiscalsim/guard/internal/observability"
	"github.com/fiscalsim/guard/internal/store"
	"github.com/fiscalsim/guard/internal/util"
)

// State represents the state of a circuit breaker.
type State int

const (
	// StateClosed indicates the circuit is closed and requests are allowed.
	StateClosed State = iota

	// StateOpen indicates the circuit is open and requests are rejected.
	StateOpen

	// StateHalfOpen indicates the circuit is probing the dependency with a
	// single trial call.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// storeSyncTTL bounds how long breaker state lives in the shared store
// without updates.
const storeSyncTTL = time.Hour

// Breaker implements the circuit breaker state machine for one dependency.
// When a shared store is configured and reachable, the consecutive failure
// count lives there, so processes protecting the same dependency trip the
// threshold jointly. During a store outage each process falls back to its
// local count, and breaker decisions are consistent only within one
// process until the store returns.
type Breaker struct {
	name     string
	config   *Config
	logger   observability.Logger
	auditLog audit.Logger
	shared   store.Store
	metrics  *Metrics
	now      func() time.Time

	mu               sync.Mutex
	state            State
	consecutiveFails int
	totalFailures    int64
	totalSuccesses   int64
	lastFailure      time.Time
	lastStateChange  time.Time
	trialInFlight    bool
}

// Option is a functional option for a Breaker.
type Option func(*Breaker)

// WithLogger sets the structured logger.
func WithLogger(l observability.Logger) Option {
	return func(b *Breaker) {
		b.logger = l
	}
}

// WithAuditLogger sets the audit logger for state transitions.
func WithAuditLogger(l audit.Logger) Option {
	return func(b *Breaker) {
		b.auditLog = l
	}
}

// WithSharedStore sets the shared store used to coordinate failure counts
// across processes.
func WithSharedStore(s store.Store) Option {
	return func(b *Breaker) {
		b.shared = s
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *Metrics) Option {
	return func(b *Breaker) {
		b.metrics = m
	}
}

// withClock overrides the time source, for tests.
func withClock(now func() time.Time) Option {
	return func(b *Breaker) {
		b.now = now
	}
}

// New creates a circuit breaker for the named dependency.
func New(name string, config *Config, opts ...Option) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}
	config.Validate()

	b := &Breaker{
		name:     name,
		config:   config,
		logger:   observability.NopLogger(),
		auditLog: audit.NopLogger(),
		now:      time.Now,
		state:    StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.lastStateChange = b.now()
	return b
}

// Call executes fn with circuit breaker protection. When the breaker is
// open and the recovery timeout has not elapsed, fn is not invoked and a
// CircuitOpenError carrying the remaining cooldown is returned.
func (b *Breaker) Call(ctx context.Context, fn func() error) error {
	if err := b.allow(ctx); err != nil {
		return err
	}

	err := fn()
	if err != nil {
		b.recordFailure(ctx)
		return err
	}
	b.recordSuccess(ctx)
	return nil
}

// allow decides whether a call may proceed, transitioning OPEN to HALF_OPEN
// once the recovery timeout has elapsed since the last failure.
func (b *Breaker) allow(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()

	switch b.state {
	case StateClosed:
		b.metrics.recordRequest(b.name, true)
		return nil

	case StateOpen:
		elapsed := now.Sub(b.lastFailure)
		if elapsed < b.config.RecoveryTimeout {
			b.metrics.recordRequest(b.name, false)
			return &util.CircuitOpenError{
				Service:    b.name,
				RetryAfter: b.config.RecoveryTimeout - elapsed,
			}
		}
		b.transitionTo(ctx, StateHalfOpen)
		b.trialInFlight = true
		b.metrics.recordRequest(b.name, true)
		return nil

	case StateHalfOpen:
		if b.trialInFlight {
			b.metrics.recordRequest(b.name, false)
			return &util.CircuitOpenError{
				Service:    b.name,
				RetryAfter: b.config.RecoveryTimeout,
			}
		}
		b.trialInFlight = true
		b.metrics.recordRequest(b.name, true)
		return nil

	default:
		b.metrics.recordRequest(b.name, false)
		return &util.CircuitOpenError{Service: b.name}
	}
}

// recordSuccess records a successful call.
func (b *Breaker) recordSuccess(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalSuccesses++
	b.consecutiveFails = 0
	b.trialInFlight = false
	b.resetSharedFailures(ctx)

	if b.state == StateHalfOpen {
		b.transitionTo(ctx, StateClosed)
	}
	b.syncToStore(ctx)
}

// recordFailure records a failed call, opening the circuit when the
// consecutive failure count exceeds the threshold. The count is advanced in
// the shared store when one is reachable, so failures seen by sibling
// processes count toward this breaker's threshold too.
func (b *Breaker) recordFailure(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalFailures++
	b.consecutiveFails = b.advanceFailures(ctx)
	b.lastFailure = b.now()
	b.trialInFlight = false
	b.metrics.recordFailure(b.name)

	switch b.state {
	case StateClosed:
		if b.consecutiveFails > b.config.FailureThreshold {
			b.transitionTo(ctx, StateOpen)
		}
	case StateHalfOpen:
		b.transitionTo(ctx, StateOpen)
	}
	b.syncToStore(ctx)
}

// advanceFailures increments the consecutive failure count, preferring the
// shared store. On store error the local count advances alone. Callers
// hold b.mu.
func (b *Breaker) advanceFailures(ctx context.Context) int {
	if b.shared != nil {
		count, err := b.shared.IncrementWithExpiry(ctx, b.storeKey("failures"), 1, storeSyncTTL)
		if err == nil {
			return int(count)
		}
		b.logger.Warn("failed to advance shared circuit failure count",
			observability.String("name", b.name),
			observability.Error(err))
	}
	return b.consecutiveFails + 1
}

// resetSharedFailures clears the shared failure count. Callers hold b.mu.
func (b *Breaker) resetSharedFailures(ctx context.Context) {
	if b.shared == nil {
		return
	}
	if err := b.shared.Delete(ctx, b.storeKey("failures")); err != nil && !store.IsKeyNotFound(err) {
		b.logger.Warn("failed to reset shared circuit failure count",
			observability.String("name", b.name),
			observability.Error(err))
	}
}

// storeKey builds a shared store key for this breaker.
func (b *Breaker) storeKey(field string) string {
	return "circuit:" + b.name + ":" + field
}

// transitionTo moves the breaker to a new state. Callers hold b.mu.
func (b *Breaker) transitionTo(ctx context.Context, newState State) {
	oldState := b.state
	if oldState == newState {
		return
	}
	b.state = newState
	b.lastStateChange = b.now()
	if newState == StateClosed {
		b.consecutiveFails = 0
	}

	b.metrics.recordStateChange(b.name, oldState, newState)
	b.auditLog.Log(ctx, audit.CircuitEvent(b.name, oldState.String(), newState.String()))
	b.logger.Info("circuit breaker state changed",
		observability.String("name", b.name),
		observability.String("from", oldState.String()),
		observability.String("to", newState.String()),
	)
}

// syncToStore mirrors state and last failure time to the shared store for
// sibling processes and diagnostics. The failures key is owned by
// advanceFailures and never written here. Store errors are logged and
// otherwise ignored; the local state stays authoritative. Callers hold
// b.mu.
func (b *Breaker) syncToStore(ctx context.Context) {
	if b.shared == nil {
		return
	}

	var lastFailure int64
	if !b.lastFailure.IsZero() {
		lastFailure = b.lastFailure.Unix()
	}

	if err := b.shared.Set(ctx, b.storeKey("state"), int64(b.state), storeSyncTTL); err != nil {
		b.logger.Warn("failed to mirror circuit state to shared store",
			observability.String("name", b.name),
			observability.Error(err))
		return
	}
	if err := b.shared.Set(ctx, b.storeKey("last_failure"), lastFailure, storeSyncTTL); err != nil {
		b.logger.Warn("failed to mirror circuit last failure to shared store",
			observability.String("name", b.name),
			observability.Error(err))
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Name returns the dependency name.
func (b *Breaker) Name() string {
	return b.name
}

// Reset forces the breaker back to closed with counters cleared.
func (b *Breaker) Reset(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateClosed {
		b.transitionTo(ctx, StateClosed)
	}
	b.consecutiveFails = 0
	b.trialInFlight = false
	b.resetSharedFailures(ctx)
	b.syncToStore(ctx)
}

// Status describes the breaker for observability endpoints.
type Status struct {
	Name             string    `json:"name"`
	State            string    `json:"state"`
	ConsecutiveFails int       `json:"consecutive_failures"`
	FailureThreshold int       `json:"failure_threshold"`
	TotalFailures    int64     `json:"total_failures"`
	TotalSuccesses   int64     `json:"total_successes"`
	LastFailure      time.Time `json:"last_failure,omitempty"`
	LastStateChange  time.Time `json:"last_state_change"`
	RecoveryTimeout  string    `json:"recovery_timeout"`
}

// Status returns the current state, counts, and thresholds.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Status{
		Name:             b.name,
		State:            b.state.String(),
		ConsecutiveFails: b.consecutiveFails,
		FailureThreshold: b.config.FailureThreshold,
		TotalFailures:    b.totalFailures,
		TotalSuccesses:   b.totalSuccesses,
		LastFailure:      b.lastFailure,
		LastStateChange:  b.lastStateChange,
		RecoveryTimeout:  b.config.RecoveryTimeout.String(),
	}
}
