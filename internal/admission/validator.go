// Package admission decides whether a request may enter the system at all:
// payload and header validation, a live concurrent-request ceiling, a
// bounded FIFO queue with starvation protection, and a load-based
// backpressure probe. Denied admission always tells the caller to retry or
// rejects explicitly; nothing is silently dropped.
package admission

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fiscalsim/guard/internal/observability"
	"github.com/fiscalsim/guard/internal/util"
)

// MaxHeaderValueLength is the per-header value ceiling.
const MaxHeaderValueLength = 8 * 1024

// suspiciousHeaders are spoofable forwarding headers stripped before a
// request reaches a handler.
var suspiciousHeaders = map[string]bool{
	"x-forwarded-host":   true,
	"x-forwarded-proto":  true,
	"x-forwarded-server": true,
	"x-original-url":     true,
	"x-rewrite-url":      true,
}

// ValidatorConfig holds request validator configuration.
type ValidatorConfig struct {
	// AllowedContentTypes maps accepted content types to their maximum
	// body size in bytes.
	AllowedContentTypes map[string]int64 `yaml:"allowed_content_types" json:"allowed_content_types"`

	// MaxConcurrent is the live concurrent-request ceiling.
	MaxConcurrent int64 `yaml:"max_concurrent" json:"max_concurrent"`
}

// DefaultValidatorConfig returns a ValidatorConfig with default values.
func DefaultValidatorConfig() *ValidatorConfig {
	return &ValidatorConfig{
		AllowedContentTypes: map[string]int64{
			"application/json":                  1 << 20,
			"application/x-www-form-urlencoded": 256 << 10,
			"multipart/form-data":               10 << 20,
		},
		MaxConcurrent: 100,
	}
}

// Validate normalizes invalid values to defaults.
func (c *ValidatorConfig) Validate() error {
	defaults := DefaultValidatorConfig()
	if len(c.AllowedContentTypes) == 0 {
		c.AllowedContentTypes = defaults.AllowedContentTypes
	}
	if c.MaxConcurrent < 1 {
		c.MaxConcurrent = defaults.MaxConcurrent
	}
	return nil
}

// Validator checks payloads and headers before any handler logic runs.
type Validator struct {
	mu      sync.RWMutex
	config  *ValidatorConfig
	logger  observability.Logger
	metrics *Metrics

	inFlight atomic.Int64
}

// NewValidator creates a request validator.
func NewValidator(config *ValidatorConfig, logger observability.Logger, metrics *Metrics) *Validator {
	if config == nil {
		config = DefaultValidatorConfig()
	}
	config.Validate()
	if logger == nil {
		logger = observability.NopLogger()
	}

	return &Validator{
		config:  config,
		logger:  logger,
		metrics: metrics,
	}
}

// UpdateConfig swaps the validator configuration at runtime. Invalid
// values are normalized to defaults. Requests already in flight are not
// re-counted against a lowered ceiling.
func (v *Validator) UpdateConfig(config *ValidatorConfig) {
	if config == nil {
		return
	}
	config.Validate()

	v.mu.Lock()
	v.config = config
	v.mu.Unlock()
}

// snapshot returns the current configuration.
func (v *Validator) snapshot() *ValidatorConfig {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.config
}

// ValidatePayload checks the content type against the allow-list and the
// declared length against the type-specific ceiling. Requests without a
// body (zero length) pass regardless of content type.
func (v *Validator) ValidatePayload(contentType string, contentLength int64) error {
	if contentLength <= 0 {
		return nil
	}

	// Parameters like charset do not participate in the allow-list match.
	base := contentType
	if idx := strings.Index(base, ";"); idx >= 0 {
		base = base[:idx]
	}
	base = strings.ToLower(strings.TrimSpace(base))

	ceiling, ok := v.snapshot().AllowedContentTypes[base]
	if !ok {
		v.metrics.recordRejection("content_type")
		return &util.ValidationError{
			Code:    util.CodeInvalidRequest,
			Field:   "content-type",
			Message: "unsupported content type " + base,
		}
	}

	if contentLength > ceiling {
		v.metrics.recordRejection("payload_size")
		return &util.ValidationError{
			Code:    util.CodePayloadTooLarge,
			Field:   "content-length",
			Message: "payload exceeds limit for " + base,
		}
	}
	return nil
}

// PayloadCeiling returns the body size ceiling for a content type, false
// when the type is not allowed.
func (v *Validator) PayloadCeiling(contentType string) (int64, bool) {
	base := contentType
	if idx := strings.Index(base, ";"); idx >= 0 {
		base = base[:idx]
	}
	base = strings.ToLower(strings.TrimSpace(base))
	ceiling, ok := v.snapshot().AllowedContentTypes[base]
	return ceiling, ok
}

// SanitizeHeaders strips suspicious headers and rejects header values
// containing control characters or exceeding the length ceiling. All other
// headers pass through unchanged.
func (v *Validator) SanitizeHeaders(headers map[string]string) (map[string]string, error) {
	clean := make(map[string]string, len(headers))
	for name, value := range headers {
		if suspiciousHeaders[strings.ToLower(name)] {
			v.logger.Debug("stripped suspicious header", observability.String("header", name))
			continue
		}

		if len(value) > MaxHeaderValueLength {
			v.metrics.recordRejection("header_length")
			return nil, &util.ValidationError{
				Code:    util.CodeInvalidRequest,
				Field:   name,
				Message: "header value exceeds length ceiling",
			}
		}
		if containsControlChars(value) {
			v.metrics.recordRejection("header_control_chars")
			return nil, &util.ValidationError{
				Code:    util.CodeInvalidRequest,
				Field:   name,
				Message: "header value contains control characters",
			}
		}

		clean[name] = value
	}
	return clean, nil
}

// CanAcceptRequest reports whether the live concurrent-request count is
// below the ceiling.
func (v *Validator) CanAcceptRequest() bool {
	return v.inFlight.Load() < v.snapshot().MaxConcurrent
}

// Begin registers a request as in flight. The returned func must be called
// when the request finishes.
func (v *Validator) Begin() func() {
	count := v.inFlight.Add(1)
	v.metrics.setInFlight(count)

	var done atomic.Bool
	return func() {
		if done.CompareAndSwap(false, true) {
			v.metrics.setInFlight(v.inFlight.Add(-1))
		}
	}
}

// InFlight returns the live concurrent-request count.
func (v *Validator) InFlight() int64 {
	return v.inFlight.Load()
}

// containsControlChars reports whether s contains NUL or other control
// characters. Horizontal tab is allowed per the header grammar.
func containsControlChars(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\t' {
			continue
		}
		if c < 0x20 || c == 0x7f {
			return true
		}
	}
	return false
}
