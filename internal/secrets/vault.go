package secrets

import (
	"context"
	"fmt"
	"time"

	vaultapi "github.com/hashicorp/vault/api"
	"go.uber.org/zap"
)

// VaultProviderConfig holds configuration for the Vault secrets provider.
type VaultProviderConfig struct {
	// Address is the Vault server address.
	Address string
	// Token is the Vault token for token auth.
	Token string
	// MountPoint is the KV v2 secrets engine mount point.
	MountPoint string
	// Timeout is the request timeout.
	Timeout time.Duration
	// Logger is the logger instance.
	Logger *zap.Logger
}

// VaultProvider implements the Provider interface using HashiCorp Vault's
// KV v2 secrets engine, the managed-secret-service backend.
type VaultProvider struct {
	client     *vaultapi.Client
	mountPoint string
	logger     *zap.Logger
}

// NewVaultProvider creates a new Vault secrets provider.
func NewVaultProvider(cfg *VaultProviderConfig) (*VaultProvider, error) {
	if cfg == nil || cfg.Address == "" {
		return nil, fmt.Errorf("%w: vault address is required", ErrProviderNotConfigured)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	mountPoint := cfg.MountPoint
	if mountPoint == "" {
		mountPoint = "secret"
	}

	apiConfig := vaultapi.DefaultConfig()
	apiConfig.Address = cfg.Address
	if cfg.Timeout > 0 {
		apiConfig.Timeout = cfg.Timeout
	}

	client, err := vaultapi.NewClient(apiConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}

	return &VaultProvider{
		client:     client,
		mountPoint: mountPoint,
		logger:     logger,
	}, nil
}

// Type returns the provider type.
func (p *VaultProvider) Type() ProviderType {
	return ProviderTypeVault
}

// GetSecret retrieves a secret from Vault KV v2.
func (p *VaultProvider) GetSecret(ctx context.Context, name string) (*Secret, error) {
	if name == "" {
		recordOperation(p.Type(), "get", ErrInvalidName)
		return nil, ErrInvalidName
	}

	kvSecret, err := p.client.KVv2(p.mountPoint).Get(ctx, name)
	if err != nil {
		recordOperation(p.Type(), "get", err)
		return nil, fmt.Errorf("%w: %s: %v", ErrSecretNotFound, name, err)
	}

	data := make(map[string][]byte, len(kvSecret.Data))
	for k, v := range kvSecret.Data {
		if s, ok := v.(string); ok {
			data[k] = []byte(s)
		}
	}

	recordOperation(p.Type(), "get", nil)
	return &Secret{Name: name, Data: data}, nil
}

// HealthCheck verifies Vault connectivity via the sys/health endpoint.
func (p *VaultProvider) HealthCheck(ctx context.Context) error {
	health, err := p.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}
	return nil
}

// Close implements Provider.
func (p *VaultProvider) Close() error {
	return nil
}
