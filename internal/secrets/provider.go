// Package secrets provides a unified interface for secrets resolution
// with support for multiple backends: environment variables, local files,
// and HashiCorp Vault. A caching Manager bounds backend call volume and is
// the process-wide source of credentials for every other component.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ProviderType represents the type of secrets provider.
type ProviderType string

const (
	// ProviderTypeEnv uses environment variables as the backend.
	ProviderTypeEnv ProviderType = "env"
	// ProviderTypeLocal uses local files as the backend.
	ProviderTypeLocal ProviderType = "local"
	// ProviderTypeVault uses HashiCorp Vault as the backend.
	ProviderTypeVault ProviderType = "vault"
)

// Common errors for secrets providers.
var (
	// ErrSecretNotFound is returned when a secret is not found.
	ErrSecretNotFound = errors.New("secret not found")
	// ErrProviderNotConfigured is returned when the provider is not properly configured.
	ErrProviderNotConfigured = errors.New("provider not configured")
	// ErrInvalidName is returned when the secret name is invalid.
	ErrInvalidName = errors.New("invalid secret name")
	// ErrInvalidProviderType is returned when an unknown provider type is specified.
	ErrInvalidProviderType = errors.New("invalid provider type")
)

// Secret represents a named secret with key-value data.
type Secret struct {
	// Name is the name of the secret.
	Name string
	// Data contains the secret key-value pairs.
	Data map[string][]byte
}

// GetString returns a string value from the secret data.
func (s *Secret) GetString(key string) (string, bool) {
	if s == nil || s.Data == nil {
		return "", false
	}
	v, ok := s.Data[key]
	if !ok {
		return "", false
	}
	return string(v), true
}

// Value returns the primary value of a single-valued secret.
func (s *Secret) Value() (string, bool) {
	return s.GetString("value")
}

// Provider is the interface for secrets backends.
type Provider interface {
	// Type returns the provider type.
	Type() ProviderType

	// GetSecret retrieves a secret by name.
	GetSecret(ctx context.Context, name string) (*Secret, error)

	// HealthCheck checks provider connectivity.
	HealthCheck(ctx context.Context) error

	// Close cleans up provider resources.
	Close() error
}

// Prometheus metrics for secrets provider operations.
var (
	secretsOperationTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "guard",
			Subsystem: "secrets",
			Name:      "operation_total",
			Help:      "Total number of secrets provider operations",
		},
		[]string{"provider", "operation", "result"},
	)

	secretsCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "guard",
			Subsystem: "secrets",
			Name:      "cache_hits_total",
			Help:      "Total number of secrets cache hits",
		},
	)
)

// recordOperation records metrics for a secrets provider operation.
func recordOperation(provider ProviderType, operation string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	secretsOperationTotal.WithLabelValues(string(provider), operation, result).Inc()
}

// ValidateProviderType validates that the given string is a valid provider type.
func ValidateProviderType(providerType string) (ProviderType, error) {
	switch ProviderType(providerType) {
	case ProviderTypeEnv, ProviderTypeLocal, ProviderTypeVault:
		return ProviderType(providerType), nil
	default:
		return "", fmt.Errorf("%w: %s, must be one of: env, local, vault", ErrInvalidProviderType, providerType)
	}
}

// CacheTTL is the default TTL for cached secret lookups.
const CacheTTL = 5 * time.Minute
