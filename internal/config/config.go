// Package config loads and validates the control plane configuration.
package config

import (
	"fmt"
	"time"

	"github.com/fiscalsim/guard/internal/admission"
	"github.com/fiscalsim/guard/internal/circuitbreaker"
	"github.com/fiscalsim/guard/internal/observability"
	"github.com/fiscalsim/guard/internal/ratelimit"
	"github.com/fiscalsim/guard/internal/secrets"
	"github.com/fiscalsim/guard/internal/session"
	"github.com/fiscalsim/guard/internal/token"
)

// ServerConfig holds the HTTP listener configuration.
type ServerConfig struct {
	Address         string        `yaml:"address" json:"address"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// StoreConfig selects and configures the shared counter store.
type StoreConfig struct {
	// Backend is "redis" or "memory".
	Backend string `yaml:"backend" json:"backend"`

	Redis RedisConfig `yaml:"redis" json:"redis"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Address      string        `yaml:"address" json:"address"`
	Password     string        `yaml:"password" json:"password"`
	DB           int           `yaml:"db" json:"db"`
	Prefix       string        `yaml:"prefix" json:"prefix"`
	PoolSize     int           `yaml:"pool_size" json:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns" json:"min_idle_conns"`
	MaxRetries   int           `yaml:"max_retries" json:"max_retries"`
	DialTimeout  time.Duration `yaml:"dial_timeout" json:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
}

// PersistConfig holds the state persistence settings.
type PersistConfig struct {
	// Dir is the directory for persisted state artifacts.
	Dir string `yaml:"dir" json:"dir"`
}

// SecretsConfig selects and configures the secrets backend.
type SecretsConfig struct {
	// Provider is "env", "local", or "vault".
	Provider string `yaml:"provider" json:"provider"`

	EnvPrefix     string      `yaml:"env_prefix" json:"env_prefix"`
	LocalBasePath string      `yaml:"local_base_path" json:"local_base_path"`
	Vault         VaultConfig `yaml:"vault" json:"vault"`

	// SigningSecretName is the secret holding the token signing key.
	SigningSecretName string `yaml:"signing_secret_name" json:"signing_secret_name"`

	// CacheTTL bounds how long fetched secrets are served from cache.
	CacheTTL time.Duration `yaml:"cache_ttl" json:"cache_ttl"`
}

// VaultConfig holds Vault connection settings.
type VaultConfig struct {
	Address    string        `yaml:"address" json:"address"`
	Token      string        `yaml:"token" json:"token"`
	MountPoint string        `yaml:"mount_point" json:"mount_point"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout"`
}

// ScheduleConfig declares one rotation schedule.
type ScheduleConfig struct {
	Name         string `yaml:"name" json:"name"`
	Type         string `yaml:"type" json:"type"`
	RotationDays int    `yaml:"rotation_days" json:"rotation_days"`
}

// RotationConfig holds the rotation sweeper settings.
type RotationConfig struct {
	// SweepSpec is the cron spec for the due-schedule sweep.
	SweepSpec string `yaml:"sweep_spec" json:"sweep_spec"`

	Schedules []ScheduleConfig `yaml:"schedules" json:"schedules"`
}

// AdmissionConfig groups the admission control settings.
type AdmissionConfig struct {
	Validator    admission.ValidatorConfig    `yaml:"validator" json:"validator"`
	Queue        admission.QueueConfig        `yaml:"queue" json:"queue"`
	Backpressure admission.BackpressureConfig `yaml:"backpressure" json:"backpressure"`
}

// Config is the root configuration for the control plane.
type Config struct {
	Server         ServerConfig            `yaml:"server" json:"server"`
	Logging        observability.LogConfig `yaml:"logging" json:"logging"`
	Store          StoreConfig             `yaml:"store" json:"store"`
	Persist        PersistConfig           `yaml:"persist" json:"persist"`
	Secrets        SecretsConfig           `yaml:"secrets" json:"secrets"`
	Rotation       RotationConfig          `yaml:"rotation" json:"rotation"`
	CircuitBreaker circuitbreaker.Config   `yaml:"circuit_breaker" json:"circuit_breaker"`
	RateLimit      ratelimit.Config        `yaml:"rate_limit" json:"rate_limit"`
	Token          token.Config            `yaml:"token" json:"token"`
	Session        session.Config          `yaml:"session" json:"session"`
	Admission      AdmissionConfig         `yaml:"admission" json:"admission"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Logging: observability.DefaultLogConfig(),
		Store: StoreConfig{
			Backend: "memory",
			Redis: RedisConfig{
				Address:      "localhost:6379",
				Prefix:       "guard:",
				PoolSize:     10,
				MinIdleConns: 2,
				MaxRetries:   3,
				DialTimeout:  5 * time.Second,
				ReadTimeout:  3 * time.Second,
				WriteTimeout: 3 * time.Second,
			},
		},
		Persist: PersistConfig{Dir: "data"},
		Secrets: SecretsConfig{
			Provider:          "env",
			EnvPrefix:         "GUARD_SECRET_",
			SigningSecretName: "signing_secret",
			CacheTTL:          5 * time.Minute,
		},
		Rotation: RotationConfig{
			SweepSpec: "@hourly",
		},
		CircuitBreaker: *circuitbreaker.DefaultConfig(),
		RateLimit:      *ratelimit.DefaultConfig(),
		Token:          *token.DefaultConfig(),
		Session:        *session.DefaultConfig(),
		Admission: AdmissionConfig{
			Validator:    *admission.DefaultValidatorConfig(),
			Queue:        *admission.DefaultQueueConfig(),
			Backpressure: *admission.DefaultBackpressureConfig(),
		},
	}
}

// Validate checks cross-field constraints and normalizes component
// settings to their defaults where invalid.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}

	switch c.Store.Backend {
	case "", "memory":
		c.Store.Backend = "memory"
	case "redis":
		if c.Store.Redis.Address == "" {
			return fmt.Errorf("store: redis backend requires an address")
		}
	default:
		return fmt.Errorf("store: unknown backend %q", c.Store.Backend)
	}

	if c.Persist.Dir == "" {
		c.Persist.Dir = "data"
	}

	if c.Secrets.Provider == "" {
		c.Secrets.Provider = "env"
	}
	if _, err := secrets.ValidateProviderType(c.Secrets.Provider); err != nil {
		return fmt.Errorf("secrets: %w", err)
	}
	if c.Secrets.SigningSecretName == "" {
		c.Secrets.SigningSecretName = "signing_secret"
	}

	if c.Rotation.SweepSpec == "" {
		c.Rotation.SweepSpec = "@hourly"
	}
	for i := range c.Rotation.Schedules {
		s := &c.Rotation.Schedules[i]
		if s.Name == "" {
			return fmt.Errorf("rotation: schedule %d has no name", i)
		}
		if s.RotationDays <= 0 {
			s.RotationDays = 90
		}
	}

	c.CircuitBreaker.Validate()
	c.RateLimit.Validate()
	c.Token.Validate()
	c.Session.Validate()
	c.Admission.Validator.Validate()
	c.Admission.Queue.Validate()
	c.Admission.Backpressure.Validate()

	return nil
}
