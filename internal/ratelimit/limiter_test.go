package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiscalsim/guard/internal/store"
	"github.com/fiscalsim/guard/internal/util"
)

// failingStore returns an error on every operation.
type failingStore struct{}

func (f *failingStore) Get(ctx context.Context, key string) (int64, error) {
	return 0, errors.New("store unavailable")
}

func (f *failingStore) Set(ctx context.Context, key string, value int64, expiration time.Duration) error {
	return errors.New("store unavailable")
}

func (f *failingStore) IncrementWithExpiry(ctx context.Context, key string, delta int64, expiration time.Duration) (int64, error) {
	return 0, errors.New("store unavailable")
}

func (f *failingStore) Delete(ctx context.Context, key string) error {
	return errors.New("store unavailable")
}

func (f *failingStore) Close() error { return nil }

func newTestLimiter(t *testing.T, config *Config) (*Limiter, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	redisConfig := store.DefaultRedisConfig()
	redisConfig.Address = mr.Addr()
	shared, err := store.NewRedisStore(redisConfig)
	require.NoError(t, err)
	t.Cleanup(func() { shared.Close() })

	return New(shared, config), mr
}

func TestCheckAllowsUpToLimit(t *testing.T) {
	t.Parallel()

	rl, _ := newTestLimiter(t, nil)
	ctx := context.Background()

	for i := 1; i <= 10; i++ {
		result := rl.Check(ctx, "k1", 10, time.Minute)
		assert.True(t, result.Allowed, "call %d should be allowed", i)
		assert.Equal(t, 10-i, result.Remaining)
	}

	result := rl.Check(ctx, "k1", 10, time.Minute)
	assert.False(t, result.Allowed)
	assert.Greater(t, result.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, result.RetryAfter, time.Minute)
}

func TestCheckWindowResets(t *testing.T) {
	t.Parallel()

	rl, mr := newTestLimiter(t, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		rl.Check(ctx, "k1", 3, time.Minute)
	}
	assert.False(t, rl.Check(ctx, "k1", 3, time.Minute).Allowed)

	mr.FastForward(61 * time.Second)

	assert.True(t, rl.Check(ctx, "k1", 3, time.Minute).Allowed)
}

func TestCheckFailsOpenOnStoreError(t *testing.T) {
	t.Parallel()

	rl := New(&failingStore{}, nil)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		assert.True(t, rl.Check(ctx, "k1", 1, time.Minute).Allowed)
	}
	assert.NoError(t, rl.CheckIP(ctx, "10.0.0.1"))
}

func TestCheckIPDeniesWithRateLimitError(t *testing.T) {
	t.Parallel()

	config := DefaultConfig()
	config.IPLimit = 2
	config.IPWindow = time.Minute
	rl, _ := newTestLimiter(t, config)
	ctx := context.Background()

	require.NoError(t, rl.CheckIP(ctx, "10.0.0.1"))
	require.NoError(t, rl.CheckIP(ctx, "10.0.0.1"))

	err := rl.CheckIP(ctx, "10.0.0.1")
	var rlErr *util.RateLimitError
	require.ErrorAs(t, err, &rlErr)
	assert.Equal(t, "10.0.0.1", rlErr.Key)
	assert.Equal(t, 2, rlErr.Limit)
	assert.LessOrEqual(t, rlErr.RetryAfter, time.Minute)

	// Other IPs are unaffected.
	assert.NoError(t, rl.CheckIP(ctx, "10.0.0.2"))
}

func TestCheckSubjectUsesSeparateCounter(t *testing.T) {
	t.Parallel()

	config := DefaultConfig()
	config.IPLimit = 1
	config.SubjectLimit = 3
	rl, _ := newTestLimiter(t, config)
	ctx := context.Background()

	require.NoError(t, rl.CheckIP(ctx, "10.0.0.1"))
	require.Error(t, rl.CheckIP(ctx, "10.0.0.1"))

	// Subject checks run against their own looser counter.
	for i := 0; i < 3; i++ {
		require.NoError(t, rl.CheckSubject(ctx, "user-1", "10.0.0.1"))
	}
	require.Error(t, rl.CheckSubject(ctx, "user-1", "10.0.0.1"))
}

func TestRepeatedViolationsBlockIP(t *testing.T) {
	t.Parallel()

	config := DefaultConfig()
	config.IPLimit = 1
	config.ViolationLimit = 5
	rl, _ := newTestLimiter(t, config)
	ctx := context.Background()

	require.NoError(t, rl.CheckIP(ctx, "10.0.0.9"))
	assert.False(t, rl.IsBlocked(ctx, "10.0.0.9"))

	for i := 0; i < 4; i++ {
		require.Error(t, rl.CheckIP(ctx, "10.0.0.9"))
		assert.False(t, rl.IsBlocked(ctx, "10.0.0.9"), "not yet blocked after %d violations", i+1)
	}

	require.Error(t, rl.CheckIP(ctx, "10.0.0.9"))
	assert.True(t, rl.IsBlocked(ctx, "10.0.0.9"))

	require.NoError(t, rl.Unblock(ctx, "10.0.0.9"))
	assert.False(t, rl.IsBlocked(ctx, "10.0.0.9"))
}

func TestBlockExpires(t *testing.T) {
	t.Parallel()

	rl, mr := newTestLimiter(t, nil)
	ctx := context.Background()

	require.NoError(t, rl.Block(ctx, "10.0.0.5", time.Minute, "manual"))
	assert.True(t, rl.IsBlocked(ctx, "10.0.0.5"))

	mr.FastForward(61 * time.Second)
	assert.False(t, rl.IsBlocked(ctx, "10.0.0.5"))
}

func TestReset(t *testing.T) {
	t.Parallel()

	rl, _ := newTestLimiter(t, nil)
	ctx := context.Background()

	rl.Check(ctx, "k1", 1, time.Minute)
	assert.False(t, rl.Check(ctx, "k1", 1, time.Minute).Allowed)

	require.NoError(t, rl.Reset(ctx, "k1"))
	assert.True(t, rl.Check(ctx, "k1", 1, time.Minute).Allowed)
}

func TestConfigValidateNormalizesDefaults(t *testing.T) {
	t.Parallel()

	config := &Config{}
	require.NoError(t, config.Validate())
	assert.Equal(t, DefaultConfig(), config)
}

func TestUpdateConfigAppliesNewLimits(t *testing.T) {
	t.Parallel()

	config := DefaultConfig()
	config.IPLimit = 1
	rl, _ := newTestLimiter(t, config)
	ctx := context.Background()

	require.NoError(t, rl.CheckIP(ctx, "10.0.0.7"))
	require.Error(t, rl.CheckIP(ctx, "10.0.0.7"))

	raised := DefaultConfig()
	raised.IPLimit = 10
	rl.UpdateConfig(raised)

	assert.NoError(t, rl.CheckIP(ctx, "10.0.0.7"))
}
