package secrets

import (
	"fmt"

	"go.uber.org/zap"
)

// ProviderConfig holds configuration for creating providers.
type ProviderConfig struct {
	// Type is the provider type.
	Type ProviderType
	// EnvPrefix is the prefix for environment variable secrets.
	EnvPrefix string
	// LocalBasePath is the base path for local file secrets.
	LocalBasePath string
	// Vault holds Vault-specific configuration.
	Vault *VaultProviderConfig
	// Logger is the logger instance.
	Logger *zap.Logger
}

// NewProvider creates a new secrets provider based on config. The backend
// is selected at construction time; there is no runtime type branching.
func NewProvider(cfg *ProviderConfig) (Provider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config is required", ErrProviderNotConfigured)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	switch cfg.Type {
	case ProviderTypeEnv:
		return NewEnvProvider(&EnvProviderConfig{
			Prefix: cfg.EnvPrefix,
			Logger: logger,
		})

	case ProviderTypeLocal:
		return NewLocalProvider(&LocalProviderConfig{
			BasePath: cfg.LocalBasePath,
			Logger:   logger,
		})

	case ProviderTypeVault:
		if cfg.Vault == nil {
			return nil, fmt.Errorf("%w: vault config is required for vault provider", ErrProviderNotConfigured)
		}
		cfg.Vault.Logger = logger
		return NewVaultProvider(cfg.Vault)

	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidProviderType, cfg.Type)
	}
}
