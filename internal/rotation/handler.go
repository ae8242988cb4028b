// Package rotation manages scheduled rotation of credentials. Each secret
// type has a Handler that knows how to generate, validate, and apply a new
// value; the Manager owns the schedules and drives rotations when they come
// due.
package rotation

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

// SecretType identifies the kind of credential being rotated.
type SecretType string

const (
	// SecretTypeDBPassword is a database password.
	SecretTypeDBPassword SecretType = "db_password"
	// SecretTypeSigningSecret is an API token signing secret.
	SecretTypeSigningSecret SecretType = "signing_secret"
	// SecretTypeAPIKey is an external API key.
	SecretTypeAPIKey SecretType = "api_key"
)

// Common errors for rotation.
var (
	// ErrUnknownSecret is returned when no schedule exists for a secret.
	ErrUnknownSecret = errors.New("unknown secret")
	// ErrUnknownSecretType is returned when no handler exists for a secret type.
	ErrUnknownSecretType = errors.New("unknown secret type")
	// ErrNotDue is returned when a rotation is requested before its due time
	// without force.
	ErrNotDue = errors.New("rotation not due")
	// ErrValidationFailed is returned when a generated credential fails validation.
	ErrValidationFailed = errors.New("generated credential failed validation")
)

// Handler performs the type-specific steps of a rotation.
type Handler interface {
	// Generate produces a new credential value.
	Generate(ctx context.Context) (string, error)

	// Validate checks that a generated value is usable before it is applied.
	Validate(ctx context.Context, value string) error

	// Apply makes the new value active in the backing system.
	Apply(ctx context.Context, name, value string) error

	// BackupCurrent captures the current value so a failed rotation can be
	// rolled back by an operator.
	BackupCurrent(ctx context.Context, name string) error
}

// randomBytes returns n cryptographically random bytes.
func randomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return buf, nil
}

// DBPasswordHandler rotates database passwords. Apply and BackupCurrent
// delegate to caller-supplied functions so the handler stays decoupled from
// any particular database driver.
type DBPasswordHandler struct {
	// Length is the generated password length in bytes of entropy.
	Length int
	// ApplyFunc applies the new password, typically via ALTER USER.
	ApplyFunc func(ctx context.Context, name, value string) error
	// BackupFunc captures the current password.
	BackupFunc func(ctx context.Context, name string) error
}

// Generate produces a URL-safe random password.
func (h *DBPasswordHandler) Generate(ctx context.Context) (string, error) {
	n := h.Length
	if n <= 0 {
		n = 24
	}
	buf, err := randomBytes(n)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Validate enforces a minimum length on the generated password.
func (h *DBPasswordHandler) Validate(ctx context.Context, value string) error {
	if len(value) < 16 {
		return fmt.Errorf("%w: password too short", ErrValidationFailed)
	}
	return nil
}

// Apply applies the new password.
func (h *DBPasswordHandler) Apply(ctx context.Context, name, value string) error {
	if h.ApplyFunc == nil {
		return nil
	}
	return h.ApplyFunc(ctx, name, value)
}

// BackupCurrent captures the current password.
func (h *DBPasswordHandler) BackupCurrent(ctx context.Context, name string) error {
	if h.BackupFunc == nil {
		return nil
	}
	return h.BackupFunc(ctx, name)
}

// SigningSecretHandler rotates token signing secrets.
type SigningSecretHandler struct {
	// Bytes is the secret size; defaults to 32.
	Bytes int
	// ApplyFunc installs the new secret into the token issuer.
	ApplyFunc func(ctx context.Context, name, value string) error
	// BackupFunc captures the current secret.
	BackupFunc func(ctx context.Context, name string) error
}

// Generate produces a hex-encoded random secret.
func (h *SigningSecretHandler) Generate(ctx context.Context) (string, error) {
	n := h.Bytes
	if n <= 0 {
		n = 32
	}
	buf, err := randomBytes(n)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// Validate checks the secret decodes and carries enough entropy.
func (h *SigningSecretHandler) Validate(ctx context.Context, value string) error {
	decoded, err := hex.DecodeString(value)
	if err != nil {
		return fmt.Errorf("%w: not hex encoded", ErrValidationFailed)
	}
	if len(decoded) < 32 {
		return fmt.Errorf("%w: secret shorter than 32 bytes", ErrValidationFailed)
	}
	return nil
}

// Apply installs the new secret.
func (h *SigningSecretHandler) Apply(ctx context.Context, name, value string) error {
	if h.ApplyFunc == nil {
		return nil
	}
	return h.ApplyFunc(ctx, name, value)
}

// BackupCurrent captures the current secret.
func (h *SigningSecretHandler) BackupCurrent(ctx context.Context, name string) error {
	if h.BackupFunc == nil {
		return nil
	}
	return h.BackupFunc(ctx, name)
}

// APIKeyHandler rotates external API keys.
type APIKeyHandler struct {
	// Prefix is prepended to generated keys for identification.
	Prefix string
	// ApplyFunc registers the new key with the external service.
	ApplyFunc func(ctx context.Context, name, value string) error
	// BackupFunc captures the current key.
	BackupFunc func(ctx context.Context, name string) error
}

// Generate produces a prefixed random API key.
func (h *APIKeyHandler) Generate(ctx context.Context) (string, error) {
	buf, err := randomBytes(24)
	if err != nil {
		return "", err
	}
	prefix := h.Prefix
	if prefix == "" {
		prefix = "gk"
	}
	return prefix + "_" + base64.RawURLEncoding.EncodeToString(buf), nil
}

// Validate checks the key carries the expected prefix.
func (h *APIKeyHandler) Validate(ctx context.Context, value string) error {
	prefix := h.Prefix
	if prefix == "" {
		prefix = "gk"
	}
	if len(value) <= len(prefix)+1 || value[:len(prefix)+1] != prefix+"_" {
		return fmt.Errorf("%w: missing key prefix", ErrValidationFailed)
	}
	return nil
}

// Apply registers the new key.
func (h *APIKeyHandler) Apply(ctx context.Context, name, value string) error {
	if h.ApplyFunc == nil {
		return nil
	}
	return h.ApplyFunc(ctx, name, value)
}

// BackupCurrent captures the current key.
func (h *APIKeyHandler) BackupCurrent(ctx context.Context, name string) error {
	if h.BackupFunc == nil {
		return nil
	}
	return h.BackupFunc(ctx, name)
}
