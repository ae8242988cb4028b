package rotation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiscalsim/guard/internal/persist"
)

// recordingHandler tracks the rotation steps and can fail any of them.
type recordingHandler struct {
	generated string
	applied   map[string]string
	backups   int

	generateErr error
	validateErr error
	applyErr    error
	backupErr   error
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{generated: "new-value-0123456789abcdef", applied: make(map[string]string)}
}

func (h *recordingHandler) Generate(ctx context.Context) (string, error) {
	if h.generateErr != nil {
		return "", h.generateErr
	}
	return h.generated, nil
}

func (h *recordingHandler) Validate(ctx context.Context, value string) error {
	return h.validateErr
}

func (h *recordingHandler) Apply(ctx context.Context, name, value string) error {
	if h.applyErr != nil {
		return h.applyErr
	}
	h.applied[name] = value
	return nil
}

func (h *recordingHandler) BackupCurrent(ctx context.Context, name string) error {
	if h.backupErr != nil {
		return h.backupErr
	}
	h.backups++
	return nil
}

func newTestManager(t *testing.T, now time.Time, opts ...Option) (*Manager, *recordingHandler) {
	t.Helper()

	handler := newRecordingHandler()
	opts = append(opts, withClock(func() time.Time { return now }))
	m := NewManager(opts...)
	m.RegisterHandler(SecretTypeSigningSecret, handler)
	return m, handler
}

func TestRotateNotDue(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	m, handler := newTestManager(t, now)

	lastRotated := now.AddDate(0, 0, -30)
	require.NoError(t, m.RegisterSchedule("signing-secret", SecretTypeSigningSecret, 90, lastRotated))

	err := m.Rotate(context.Background(), "signing-secret", false)
	assert.ErrorIs(t, err, ErrNotDue)
	assert.Empty(t, handler.applied)

	schedule, err := m.Schedule("signing-secret")
	require.NoError(t, err)
	assert.Equal(t, 0, schedule.RotationCount)
}

func TestRotateDueAdvancesSchedule(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 4, 20, 12, 0, 0, 0, time.UTC)
	m, handler := newTestManager(t, now)

	lastRotated := now.AddDate(0, 0, -91)
	require.NoError(t, m.RegisterSchedule("signing-secret", SecretTypeSigningSecret, 90, lastRotated))

	require.NoError(t, m.Rotate(context.Background(), "signing-secret", false))
	assert.Equal(t, handler.generated, handler.applied["signing-secret"])
	assert.Equal(t, 1, handler.backups)

	schedule, err := m.Schedule("signing-secret")
	require.NoError(t, err)
	assert.Equal(t, now, schedule.LastRotated)
	assert.Equal(t, now.AddDate(0, 0, 90), schedule.NextRotation)
	assert.Equal(t, 1, schedule.RotationCount)

	history := m.History()
	require.Len(t, history, 1)
	assert.True(t, history[0].Success)
	assert.False(t, history[0].Forced)
}

func TestRotateForceIgnoresSchedule(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	m, handler := newTestManager(t, now)

	require.NoError(t, m.RegisterSchedule("signing-secret", SecretTypeSigningSecret, 90, now.AddDate(0, 0, -1)))

	require.NoError(t, m.Rotate(context.Background(), "signing-secret", true))
	assert.NotEmpty(t, handler.applied)

	history := m.History()
	require.Len(t, history, 1)
	assert.True(t, history[0].Forced)
}

func TestRotateApplyFailureDoesNotAdvance(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 4, 20, 12, 0, 0, 0, time.UTC)
	m, handler := newTestManager(t, now)
	handler.applyErr = errors.New("backend unavailable")

	lastRotated := now.AddDate(0, 0, -100)
	require.NoError(t, m.RegisterSchedule("signing-secret", SecretTypeSigningSecret, 90, lastRotated))

	err := m.Rotate(context.Background(), "signing-secret", false)
	require.Error(t, err)

	schedule, serr := m.Schedule("signing-secret")
	require.NoError(t, serr)
	assert.Equal(t, lastRotated, schedule.LastRotated)
	assert.Equal(t, lastRotated.AddDate(0, 0, 90), schedule.NextRotation)
	assert.Equal(t, 0, schedule.RotationCount)

	history := m.History()
	require.Len(t, history, 1)
	assert.False(t, history[0].Success)
	assert.Contains(t, history[0].Error, "apply failed")
}

func TestRotateValidateFailureSkipsApply(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 4, 20, 12, 0, 0, 0, time.UTC)
	m, handler := newTestManager(t, now)
	handler.validateErr = ErrValidationFailed

	require.NoError(t, m.RegisterSchedule("signing-secret", SecretTypeSigningSecret, 90, time.Time{}))

	err := m.Rotate(context.Background(), "signing-secret", false)
	require.Error(t, err)
	assert.Empty(t, handler.applied)
}

func TestRotateUnknownSecret(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, time.Now())
	err := m.Rotate(context.Background(), "absent", true)
	assert.ErrorIs(t, err, ErrUnknownSecret)
}

func TestRotateUnknownSecretType(t *testing.T) {
	t.Parallel()

	m := NewManager(withClock(time.Now))
	require.NoError(t, m.RegisterSchedule("db-password", SecretTypeDBPassword, 30, time.Time{}))

	err := m.Rotate(context.Background(), "db-password", true)
	assert.ErrorIs(t, err, ErrUnknownSecretType)
}

func TestRotateDueSweepsOnlyDueSchedules(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 4, 20, 12, 0, 0, 0, time.UTC)
	m, handler := newTestManager(t, now)

	require.NoError(t, m.RegisterSchedule("due-secret", SecretTypeSigningSecret, 90, now.AddDate(0, 0, -91)))
	require.NoError(t, m.RegisterSchedule("fresh-secret", SecretTypeSigningSecret, 90, now.AddDate(0, 0, -1)))

	rotated := m.RotateDue(context.Background())
	assert.Equal(t, 1, rotated)
	assert.Contains(t, handler.applied, "due-secret")
	assert.NotContains(t, handler.applied, "fresh-secret")
}

func TestRotateOnRotatedCallback(t *testing.T) {
	t.Parallel()

	now := time.Now()
	var invalidated []string
	m, _ := newTestManager(t, now, WithOnRotated(func(name string) {
		invalidated = append(invalidated, name)
	}))

	require.NoError(t, m.RegisterSchedule("signing-secret", SecretTypeSigningSecret, 90, time.Time{}))
	require.NoError(t, m.Rotate(context.Background(), "signing-secret", false))
	assert.Equal(t, []string{"signing-secret"}, invalidated)
}

func TestSchedulesPersistAcrossRestart(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	files, err := persist.NewFileStore(dir)
	require.NoError(t, err)

	now := time.Date(2026, 4, 20, 12, 0, 0, 0, time.UTC)
	m, _ := newTestManager(t, now, WithFileStore(files))
	require.NoError(t, m.RegisterSchedule("signing-secret", SecretTypeSigningSecret, 90, time.Time{}))
	require.NoError(t, m.Rotate(context.Background(), "signing-secret", false))

	reloaded := NewManager(WithFileStore(files), withClock(func() time.Time { return now }))
	schedule, err := reloaded.Schedule("signing-secret")
	require.NoError(t, err)
	assert.Equal(t, 1, schedule.RotationCount)
	assert.True(t, schedule.NextRotation.Equal(now.AddDate(0, 0, 90)))

	history := reloaded.History()
	require.Len(t, history, 1)
	assert.True(t, history[0].Success)
}

func TestHandlerGenerateAndValidate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	db := &DBPasswordHandler{}
	password, err := db.Generate(ctx)
	require.NoError(t, err)
	assert.NoError(t, db.Validate(ctx, password))
	assert.Error(t, db.Validate(ctx, "short"))

	signing := &SigningSecretHandler{}
	secret, err := signing.Generate(ctx)
	require.NoError(t, err)
	assert.NoError(t, signing.Validate(ctx, secret))
	assert.Error(t, signing.Validate(ctx, "not-hex"))
	assert.Error(t, signing.Validate(ctx, "abcd"))

	apiKey := &APIKeyHandler{Prefix: "fsk"}
	key, err := apiKey.Generate(ctx)
	require.NoError(t, err)
	assert.NoError(t, apiKey.Validate(ctx, key))
	assert.Error(t, apiKey.Validate(ctx, "wrong_prefix"))
}

func TestStartSweeperInvalidSpec(t *testing.T) {
	t.Parallel()

	m := NewManager()
	assert.Error(t, m.StartSweeper("not a cron spec"))

	require.NoError(t, m.StartSweeper("@hourly"))
	m.Stop()
}
