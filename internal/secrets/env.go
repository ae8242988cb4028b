package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
)

// DefaultEnvPrefix is the default prefix for environment variable secrets.
const DefaultEnvPrefix = "GUARD_SECRET_"

// EnvProviderConfig holds configuration for the environment variable provider.
type EnvProviderConfig struct {
	// Prefix is the prefix for environment variables.
	Prefix string
	// Logger is the logger instance.
	Logger *zap.Logger
}

// EnvProvider implements the Provider interface using environment
// variables. Secret name "db-password" maps to env var
// "{PREFIX}DB_PASSWORD". JSON-encoded values are parsed as key-value
// maps; anything else is stored under the key "value".
type EnvProvider struct {
	prefix string
	logger *zap.Logger
}

// NewEnvProvider creates a new environment variable secrets provider.
func NewEnvProvider(cfg *EnvProviderConfig) (*EnvProvider, error) {
	if cfg == nil {
		cfg = &EnvProviderConfig{}
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &EnvProvider{prefix: prefix, logger: logger}, nil
}

// Type returns the provider type.
func (p *EnvProvider) Type() ProviderType {
	return ProviderTypeEnv
}

// normalizeEnvName converts a secret name to an environment variable name.
func (p *EnvProvider) normalizeEnvName(name string) string {
	envName := strings.ToUpper(name)
	envName = strings.ReplaceAll(envName, "-", "_")
	envName = strings.ReplaceAll(envName, ".", "_")
	envName = strings.ReplaceAll(envName, "/", "_")
	return p.prefix + envName
}

// GetSecret retrieves a secret from environment variables.
func (p *EnvProvider) GetSecret(ctx context.Context, name string) (*Secret, error) {
	if name == "" {
		recordOperation(p.Type(), "get", ErrInvalidName)
		return nil, ErrInvalidName
	}

	envName := p.normalizeEnvName(name)
	value, ok := os.LookupEnv(envName)
	if !ok {
		recordOperation(p.Type(), "get", ErrSecretNotFound)
		return nil, fmt.Errorf("%w: %s (env var %s)", ErrSecretNotFound, name, envName)
	}

	data := make(map[string][]byte)

	var jsonData map[string]string
	if err := json.Unmarshal([]byte(value), &jsonData); err == nil {
		for k, v := range jsonData {
			data[k] = []byte(v)
		}
	} else {
		data["value"] = []byte(value)
	}

	recordOperation(p.Type(), "get", nil)
	return &Secret{Name: name, Data: data}, nil
}

// HealthCheck always succeeds for the environment provider.
func (p *EnvProvider) HealthCheck(ctx context.Context) error {
	return nil
}

// Close implements Provider.
func (p *EnvProvider) Close() error {
	return nil
}
