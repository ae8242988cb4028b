package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestRedisStore starts a miniredis instance and connects a store to it.
func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	cfg := DefaultRedisConfig()
	cfg.Address = mr.Addr()
	cfg.Prefix = "test:"

	s, err := NewRedisStore(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s, mr
}

func TestRedisStoreGetSet(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.True(t, IsKeyNotFound(err))

	require.NoError(t, s.Set(ctx, "k", 42, time.Minute))

	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)
}

func TestRedisStoreIncrementWithExpiry(t *testing.T) {
	s, mr := newTestRedisStore(t)
	ctx := context.Background()

	v, err := s.IncrementWithExpiry(ctx, "counter", 1, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	// Expiry is set only when the increment creates the key.
	ttl := mr.TTL("test:counter")
	assert.Greater(t, ttl, time.Duration(0))

	v, err = s.IncrementWithExpiry(ctx, "counter", 2, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)
}

func TestRedisStoreWindowReset(t *testing.T) {
	s, mr := newTestRedisStore(t)
	ctx := context.Background()

	_, err := s.IncrementWithExpiry(ctx, "counter", 5, time.Second)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	v, err := s.IncrementWithExpiry(ctx, "counter", 1, time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func TestRedisStoreDelete(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", 1, time.Minute))
	require.NoError(t, s.Delete(ctx, "k"))

	_, err := s.Get(ctx, "k")
	assert.True(t, IsKeyNotFound(err))
}

func TestRedisStoreContextCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := &RedisStore{prefix: "test:"}

	_, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, context.Canceled)

	err = s.Set(ctx, "k", 1, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)

	_, err = s.IncrementWithExpiry(ctx, "k", 1, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)

	err = s.Delete(ctx, "k")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRedisStoreConnectFailure(t *testing.T) {
	t.Parallel()

	cfg := DefaultRedisConfig()
	cfg.Address = "127.0.0.1:1"
	cfg.DialTimeout = 100 * time.Millisecond
	cfg.MaxRetries = 0

	_, err := NewRedisStore(cfg)
	assert.Error(t, err)
}

func TestRedisStoreCloseIdempotent(t *testing.T) {
	s, _ := newTestRedisStore(t)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}
