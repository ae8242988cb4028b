package secrets

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// LocalProviderConfig holds configuration for the local file provider.
type LocalProviderConfig struct {
	// BasePath is the directory containing secret files.
	BasePath string
	// Logger is the logger instance.
	Logger *zap.Logger
}

// LocalProvider implements the Provider interface using local files, the
// self-hosted vault-like layout: each secret is a directory under the base
// path whose files are the secret's keys, or a single flat file whose
// content becomes the "value" key.
type LocalProvider struct {
	basePath string
	logger   *zap.Logger
}

// NewLocalProvider creates a new local file secrets provider.
func NewLocalProvider(cfg *LocalProviderConfig) (*LocalProvider, error) {
	if cfg == nil || cfg.BasePath == "" {
		return nil, fmt.Errorf("%w: base path is required", ErrProviderNotConfigured)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	info, err := os.Stat(cfg.BasePath)
	if err != nil {
		return nil, fmt.Errorf("%w: base path %s: %v", ErrProviderNotConfigured, cfg.BasePath, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: base path %s is not a directory", ErrProviderNotConfigured, cfg.BasePath)
	}

	return &LocalProvider{basePath: cfg.BasePath, logger: logger}, nil
}

// Type returns the provider type.
func (p *LocalProvider) Type() ProviderType {
	return ProviderTypeLocal
}

// GetSecret retrieves a secret from local files.
func (p *LocalProvider) GetSecret(ctx context.Context, name string) (*Secret, error) {
	if name == "" || strings.Contains(name, "..") {
		recordOperation(p.Type(), "get", ErrInvalidName)
		return nil, ErrInvalidName
	}

	secretPath := filepath.Join(p.basePath, name)
	info, err := os.Stat(secretPath)
	if err != nil {
		recordOperation(p.Type(), "get", ErrSecretNotFound)
		return nil, fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}

	data := make(map[string][]byte)

	if info.IsDir() {
		entries, err := os.ReadDir(secretPath)
		if err != nil {
			recordOperation(p.Type(), "get", err)
			return nil, fmt.Errorf("failed to read secret directory %s: %w", name, err)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			content, err := os.ReadFile(filepath.Join(secretPath, entry.Name()))
			if err != nil {
				recordOperation(p.Type(), "get", err)
				return nil, fmt.Errorf("failed to read secret key %s/%s: %w", name, entry.Name(), err)
			}
			data[entry.Name()] = []byte(strings.TrimRight(string(content), "\n"))
		}
	} else {
		content, err := os.ReadFile(secretPath)
		if err != nil {
			recordOperation(p.Type(), "get", err)
			return nil, fmt.Errorf("failed to read secret file %s: %w", name, err)
		}
		data["value"] = []byte(strings.TrimRight(string(content), "\n"))
	}

	recordOperation(p.Type(), "get", nil)
	return &Secret{Name: name, Data: data}, nil
}

// HealthCheck verifies the base path is still readable.
func (p *LocalProvider) HealthCheck(ctx context.Context) error {
	_, err := os.Stat(p.basePath)
	if err != nil {
		return fmt.Errorf("local secrets base path unavailable: %w", err)
	}
	return nil
}

// Close implements Provider.
func (p *LocalProvider) Close() error {
	return nil
}
