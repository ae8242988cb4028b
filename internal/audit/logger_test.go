package audit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiscalsim/guard/internal/persist"
)

func TestLoggerRetainsBoundedWindow(t *testing.T) {
	t.Parallel()

	l := NewLogger(
		WithMaxEvents(5),
		WithMetrics(NewMetricsWithRegisterer("test_bounded", prometheus.NewRegistry())),
	)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		event := AuthenticationEvent(ActionTokenIssued, OutcomeSuccess, fmt.Sprintf("user-%d", i))
		l.Log(ctx, event)
	}

	recent := l.Recent(100)
	require.Len(t, recent, 5)
	assert.Equal(t, "user-9", recent[0].Subject)
	assert.Equal(t, "user-5", recent[4].Subject)
}

func TestLoggerQueries(t *testing.T) {
	t.Parallel()

	l := NewLogger(WithMetrics(NewMetricsWithRegisterer("test_queries", prometheus.NewRegistry())))
	ctx := context.Background()

	l.Log(ctx, AuthenticationEvent(ActionLoginSuccess, OutcomeSuccess, "alice"))
	l.Log(ctx, AuthenticationEvent(ActionLoginFailure, OutcomeFailure, "bob"))
	l.Log(ctx, AuthorizationEvent("alice", "manage_users"))
	l.Log(ctx, CircuitEvent("scraper", "closed", "open"))

	bySubject := l.BySubject("alice")
	require.Len(t, bySubject, 2)
	assert.Equal(t, ActionUnauthorizedAccess, bySubject[0].Action)

	byType := l.ByType(EventTypeCircuit)
	require.Len(t, byType, 1)
	assert.Equal(t, "scraper", byType[0].Details["service"])

	assert.Len(t, l.Recent(2), 2)
	assert.Nil(t, l.Recent(0))
}

func TestLoggerPersistsAndReloads(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	files, err := persist.NewFileStore(dir)
	require.NoError(t, err)

	l := NewLogger(
		WithFileStore(files),
		WithMetrics(NewMetricsWithRegisterer("test_persist", prometheus.NewRegistry())),
	)
	l.Log(context.Background(), SessionEvent(ActionSessionStart, "carol", "sess-1"))
	require.NoError(t, l.Close())

	reloaded := NewLogger(
		WithFileStore(files),
		WithMetrics(NewMetricsWithRegisterer("test_persist2", prometheus.NewRegistry())),
	)
	events := reloaded.BySubject("carol")
	require.Len(t, events, 1)
	assert.Equal(t, ActionSessionStart, events[0].Action)
}

func TestLoggerDebouncesDurableWrites(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	files, err := persist.NewFileStore(dir)
	require.NoError(t, err)

	l := NewLogger(
		WithFileStore(files),
		WithFlushInterval(time.Hour),
		WithMetrics(NewMetricsWithRegisterer("test_debounce", prometheus.NewRegistry())),
	)
	ctx := context.Background()

	// The first event after a quiet period flushes immediately.
	l.Log(ctx, AuthenticationEvent(ActionLoginSuccess, OutcomeSuccess, "alice"))
	var persisted []*Event
	require.NoError(t, files.Load(artifactName, &persisted))
	require.Len(t, persisted, 1)

	// Later events stay buffered inside the flush interval, off the disk.
	l.Log(ctx, AuthenticationEvent(ActionLoginFailure, OutcomeFailure, "bob"))
	l.Log(ctx, AuthorizationEvent("bob", "manage_users"))
	persisted = nil
	require.NoError(t, files.Load(artifactName, &persisted))
	require.Len(t, persisted, 1)

	// Close flushes whatever is still buffered.
	require.NoError(t, l.Close())
	persisted = nil
	require.NoError(t, files.Load(artifactName, &persisted))
	assert.Len(t, persisted, 3)
}

func TestEventConstructors(t *testing.T) {
	t.Parallel()

	event := RoleChangeEvent("dave", []string{"user"}, []string{"user", "analyst"}, "admin-1")
	assert.Equal(t, EventTypeAuthorization, event.Type)
	assert.Equal(t, ActionRoleChanged, event.Action)
	assert.Equal(t, "admin-1", event.Details["changed_by"])

	event = RotationEvent("db-password", OutcomeFailure)
	assert.Equal(t, EventTypeRotation, event.Type)
	assert.Equal(t, OutcomeFailure, event.Outcome)

	event = SecurityEvent(ActionIPBlocked, OutcomeDenied, "", map[string]interface{}{"ip": "10.0.0.1"})
	assert.Equal(t, "10.0.0.1", event.Details["ip"])

	event = NewEvent(EventTypeSession, ActionSessionEnd, OutcomeSuccess).
		WithOrigin("10.0.0.2", "test-agent")
	assert.Equal(t, "10.0.0.2", event.IPAddress)
	assert.Equal(t, "test-agent", event.UserAgent)
	assert.NotEmpty(t, event.ID)
}

func TestNopLogger(t *testing.T) {
	t.Parallel()

	l := NopLogger()
	l.Log(context.Background(), NewEvent(EventTypeSecurity, ActionIPBlocked, OutcomeDenied))
	assert.Nil(t, l.Recent(10))
	assert.Nil(t, l.BySubject("x"))
	assert.Nil(t, l.ByType(EventTypeSecurity))
	assert.NoError(t, l.Close())
}
