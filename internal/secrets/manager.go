package secrets

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// cachedSecret is a resolved secret with its cache expiry.
type cachedSecret struct {
	secret    *Secret
	expiresAt time.Time
}

// Manager resolves named secrets through a Provider with per-name TTL
// caching. Backend failures surface as explicit errors; the manager never
// silently falls back to defaults.
type Manager struct {
	provider Provider
	ttl      time.Duration
	logger   *zap.Logger

	mu    sync.RWMutex
	cache map[string]*cachedSecret
}

// ManagerOption is a functional option for the Manager.
type ManagerOption func(*Manager)

// WithCacheTTL sets the cache TTL for resolved secrets.
func WithCacheTTL(ttl time.Duration) ManagerOption {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithManagerLogger sets the logger.
func WithManagerLogger(logger *zap.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates a new secrets manager backed by the given provider.
func NewManager(provider Provider, opts ...ManagerOption) (*Manager, error) {
	if provider == nil {
		return nil, fmt.Errorf("%w: provider is required", ErrProviderNotConfigured)
	}

	m := &Manager{
		provider: provider,
		ttl:      CacheTTL,
		logger:   zap.NewNop(),
		cache:    make(map[string]*cachedSecret),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m, nil
}

// Get resolves a single-valued secret by name.
func (m *Manager) Get(ctx context.Context, name string) (string, error) {
	secret, err := m.resolve(ctx, name)
	if err != nil {
		return "", err
	}

	value, ok := secret.Value()
	if !ok {
		return "", fmt.Errorf("%w: %s has no value key", ErrSecretNotFound, name)
	}
	return value, nil
}

// GetMap resolves a multi-valued secret by name.
func (m *Manager) GetMap(ctx context.Context, name string) (map[string]string, error) {
	secret, err := m.resolve(ctx, name)
	if err != nil {
		return nil, err
	}

	result := make(map[string]string, len(secret.Data))
	for k, v := range secret.Data {
		result[k] = string(v)
	}
	return result, nil
}

// Invalidate drops the cached entry for a secret, forcing the next Get to
// hit the backend. Used after rotation.
func (m *Manager) Invalidate(name string) {
	m.mu.Lock()
	delete(m.cache, name)
	m.mu.Unlock()
}

// HealthCheck reports backend connectivity.
func (m *Manager) HealthCheck(ctx context.Context) error {
	return m.provider.HealthCheck(ctx)
}

// Close releases provider resources.
func (m *Manager) Close() error {
	return m.provider.Close()
}

// resolve returns the cached secret or fetches it from the provider.
func (m *Manager) resolve(ctx context.Context, name string) (*Secret, error) {
	m.mu.RLock()
	cached, ok := m.cache[name]
	m.mu.RUnlock()

	if ok && time.Now().Before(cached.expiresAt) {
		secretsCacheHits.Inc()
		return cached.secret, nil
	}

	secret, err := m.provider.GetSecret(ctx, name)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.cache[name] = &cachedSecret{
		secret:    secret,
		expiresAt: time.Now().Add(m.ttl),
	}
	m.mu.Unlock()

	return secret, nil
}
