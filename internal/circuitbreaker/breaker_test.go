package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiscalsim/guard/internal/audit"
	"github.com/fiscalsim/guard/internal/store"
	"github.com/fiscalsim/guard/internal/util"
)

var errBackend = errors.New("backend failure")

// testClock is a manually advanced time source.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func fail(b *Breaker) error {
	return b.Call(context.Background(), func() error { return errBackend })
}

func succeed(b *Breaker) error {
	return b.Call(context.Background(), func() error { return nil })
}

func TestBreakerStaysClosedThroughThreshold(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	b := New("database", DefaultConfig().WithFailureThreshold(3), withClock(clock.Now))

	for i := 0; i < 3; i++ {
		require.ErrorIs(t, fail(b), errBackend)
		assert.Equal(t, StateClosed, b.State())
	}

	require.ErrorIs(t, fail(b), errBackend)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerOpenRejectsWithoutInvoking(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	b := New("scraper",
		DefaultConfig().WithFailureThreshold(1).WithRecoveryTimeout(30*time.Second),
		withClock(clock.Now))

	require.ErrorIs(t, fail(b), errBackend)
	require.ErrorIs(t, fail(b), errBackend)
	require.Equal(t, StateOpen, b.State())

	invoked := false
	err := b.Call(context.Background(), func() error {
		invoked = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, invoked)

	var openErr *util.CircuitOpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, "scraper", openErr.Service)
	assert.Greater(t, openErr.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, openErr.RetryAfter, 30*time.Second)
}

func TestBreakerHalfOpenTrialSuccessCloses(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	b := New("database",
		DefaultConfig().WithFailureThreshold(1).WithRecoveryTimeout(30*time.Second),
		withClock(clock.Now))

	require.ErrorIs(t, fail(b), errBackend)
	require.ErrorIs(t, fail(b), errBackend)
	require.Equal(t, StateOpen, b.State())

	clock.Advance(31 * time.Second)

	require.NoError(t, succeed(b))
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.Status().ConsecutiveFails)
}

func TestBreakerHalfOpenTrialFailureReopens(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	b := New("database",
		DefaultConfig().WithFailureThreshold(1).WithRecoveryTimeout(30*time.Second),
		withClock(clock.Now))

	require.ErrorIs(t, fail(b), errBackend)
	require.ErrorIs(t, fail(b), errBackend)
	require.Equal(t, StateOpen, b.State())

	clock.Advance(31 * time.Second)
	require.ErrorIs(t, fail(b), errBackend)
	assert.Equal(t, StateOpen, b.State())

	// The failure clock reset, so calls stay rejected for a fresh timeout.
	clock.Advance(15 * time.Second)
	err := succeed(b)
	var openErr *util.CircuitOpenError
	require.ErrorAs(t, err, &openErr)
}

func TestBreakerSuccessResetsConsecutiveFailures(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	b := New("database", DefaultConfig().WithFailureThreshold(2), withClock(clock.Now))

	require.ErrorIs(t, fail(b), errBackend)
	require.ErrorIs(t, fail(b), errBackend)
	require.NoError(t, succeed(b))

	// The count starts over, so two more failures do not open the circuit.
	require.ErrorIs(t, fail(b), errBackend)
	require.ErrorIs(t, fail(b), errBackend)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerMirrorsStateToSharedStore(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	shared := store.NewMemoryStore()
	defer shared.Close()

	b := New("database",
		DefaultConfig().WithFailureThreshold(1),
		withClock(clock.Now),
		WithSharedStore(shared))

	ctx := context.Background()
	require.ErrorIs(t, fail(b), errBackend)
	require.ErrorIs(t, fail(b), errBackend)

	state, err := shared.Get(ctx, "circuit:database:state")
	require.NoError(t, err)
	assert.Equal(t, int64(StateOpen), state)

	failures, err := shared.Get(ctx, "circuit:database:failures")
	require.NoError(t, err)
	assert.Equal(t, int64(2), failures)

	lastFailure, err := shared.Get(ctx, "circuit:database:last_failure")
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Unix(), lastFailure)
}

func TestBreakerSharesFailureCountAcrossInstances(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	shared := store.NewMemoryStore()
	defer shared.Close()

	first := New("database",
		DefaultConfig().WithFailureThreshold(3),
		withClock(clock.Now),
		WithSharedStore(shared))
	second := New("database",
		DefaultConfig().WithFailureThreshold(3),
		withClock(clock.Now),
		WithSharedStore(shared))

	require.ErrorIs(t, fail(first), errBackend)
	require.ErrorIs(t, fail(first), errBackend)
	require.ErrorIs(t, fail(second), errBackend)
	assert.Equal(t, StateClosed, second.State())

	// The fourth failure across both instances crosses the shared threshold
	// even though neither saw four on its own.
	require.ErrorIs(t, fail(second), errBackend)
	assert.Equal(t, StateOpen, second.State())

	// A success clears the shared count for everyone.
	require.NoError(t, succeed(first))
	require.ErrorIs(t, fail(first), errBackend)
	assert.Equal(t, 1, first.Status().ConsecutiveFails)
}

// brokenStore fails every operation, standing in for a store outage.
type brokenStore struct{}

func (brokenStore) Get(ctx context.Context, key string) (int64, error) { return 0, errBackend }
func (brokenStore) Set(ctx context.Context, key string, value int64, expiration time.Duration) error {
	return errBackend
}
func (brokenStore) IncrementWithExpiry(ctx context.Context, key string, delta int64, expiration time.Duration) (int64, error) {
	return 0, errBackend
}
func (brokenStore) Delete(ctx context.Context, key string) error { return errBackend }
func (brokenStore) Close() error                                 { return nil }

func TestBreakerCountsLocallyDuringStoreOutage(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	b := New("database",
		DefaultConfig().WithFailureThreshold(2),
		withClock(clock.Now),
		WithSharedStore(brokenStore{}))

	require.ErrorIs(t, fail(b), errBackend)
	require.ErrorIs(t, fail(b), errBackend)
	assert.Equal(t, StateClosed, b.State())

	require.ErrorIs(t, fail(b), errBackend)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerHalfOpenAdmitsSingleTrial(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	b := New("database",
		DefaultConfig().WithFailureThreshold(1).WithRecoveryTimeout(time.Second),
		withClock(clock.Now))

	require.ErrorIs(t, fail(b), errBackend)
	require.ErrorIs(t, fail(b), errBackend)
	require.Equal(t, StateOpen, b.State())

	clock.Advance(2 * time.Second)

	started := make(chan struct{})
	release := make(chan struct{})
	trialErr := make(chan error, 1)
	go func() {
		trialErr <- b.Call(context.Background(), func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	// A second call while the trial is in flight is rejected without
	// invoking its function.
	invoked := false
	err := b.Call(context.Background(), func() error {
		invoked = true
		return nil
	})
	var openErr *util.CircuitOpenError
	require.ErrorAs(t, err, &openErr)
	assert.False(t, invoked)
	assert.Equal(t, StateHalfOpen, b.State())

	close(release)
	require.NoError(t, <-trialErr)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerAuditsTransitions(t *testing.T) {
	clock := newTestClock()
	auditLog := audit.NewLogger(audit.WithMetrics(audit.NewMetricsWithRegisterer("guard", prometheus.NewRegistry())))
	defer auditLog.Close()

	b := New("scraper",
		DefaultConfig().WithFailureThreshold(1).WithRecoveryTimeout(time.Second),
		withClock(clock.Now),
		WithAuditLogger(auditLog))

	require.ErrorIs(t, fail(b), errBackend)
	require.ErrorIs(t, fail(b), errBackend)

	clock.Advance(2 * time.Second)
	require.NoError(t, succeed(b))

	// ByType returns newest first.
	events := auditLog.ByType(audit.EventTypeCircuit)
	require.Len(t, events, 3)
	assert.Equal(t, "closed", events[0].Details["to"])
	assert.Equal(t, "half_open", events[1].Details["to"])
	assert.Equal(t, "closed", events[2].Details["from"])
	assert.Equal(t, "open", events[2].Details["to"])
}

func TestBreakerReset(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	b := New("database", DefaultConfig().WithFailureThreshold(1), withClock(clock.Now))

	require.ErrorIs(t, fail(b), errBackend)
	require.ErrorIs(t, fail(b), errBackend)
	require.Equal(t, StateOpen, b.State())

	b.Reset(context.Background())
	assert.Equal(t, StateClosed, b.State())
	require.NoError(t, succeed(b))
}

func TestBreakerStatus(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	b := New("database", DefaultConfig().WithFailureThreshold(5), withClock(clock.Now))

	require.NoError(t, succeed(b))
	require.ErrorIs(t, fail(b), errBackend)

	status := b.Status()
	assert.Equal(t, "database", status.Name)
	assert.Equal(t, "closed", status.State)
	assert.Equal(t, 1, status.ConsecutiveFails)
	assert.Equal(t, 5, status.FailureThreshold)
	assert.Equal(t, int64(1), status.TotalFailures)
	assert.Equal(t, int64(1), status.TotalSuccesses)
}

func TestRegistryGetOrCreate(t *testing.T) {
	t.Parallel()

	r := NewRegistry(DefaultConfig().WithFailureThreshold(2))

	first := r.GetOrCreate("database")
	second := r.GetOrCreate("database")
	assert.Same(t, first, second)

	assert.Nil(t, r.Get("absent"))
	assert.NotNil(t, r.Get("database"))
}

func TestRegistryCallIsolatesDependencies(t *testing.T) {
	t.Parallel()

	r := NewRegistry(DefaultConfig().WithFailureThreshold(1))
	ctx := context.Background()

	require.Error(t, r.Call(ctx, "scraper", func() error { return errBackend }))
	require.Error(t, r.Call(ctx, "scraper", func() error { return errBackend }))
	assert.Equal(t, StateOpen, r.Get("scraper").State())

	require.NoError(t, r.Call(ctx, "database", func() error { return nil }))
	assert.Equal(t, StateClosed, r.Get("database").State())

	statuses := r.Statuses()
	assert.Len(t, statuses, 2)

	r.ResetAll(ctx)
	assert.Equal(t, StateClosed, r.Get("scraper").State())
}
