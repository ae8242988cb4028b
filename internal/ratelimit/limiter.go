// Package ratelimit provides windowed request counters backed by the shared
// store, with per-IP and per-subject call shapes and automatic blocking of
// repeat violators. On store unavailability the limiter fails open,
// prioritizing availability over strict enforcement.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/fiscalsim/guard/internal/audit"
	"github.com/fiscalsim/guard/internal/observability"
	"github.com/fiscalsim/guard/internal/store"
	"github.com/fiscalsim/guard/internal/util"
)

// Config holds rate limiter configuration.
type Config struct {
	// IPLimit is the request limit per window for unauthenticated callers,
	// keyed by IP.
	IPLimit int `yaml:"ip_limit" json:"ip_limit"`

	// IPWindow is the counting window for IP limits.
	IPWindow time.Duration `yaml:"ip_window" json:"ip_window"`

	// SubjectLimit is the request limit per window for authenticated
	// callers, keyed by subject id.
	SubjectLimit int `yaml:"subject_limit" json:"subject_limit"`

	// SubjectWindow is the counting window for subject limits.
	SubjectWindow time.Duration `yaml:"subject_window" json:"subject_window"`

	// ViolationLimit is the number of rate-limit violations within
	// ViolationWindow that triggers an automatic IP block.
	ViolationLimit int `yaml:"violation_limit" json:"violation_limit"`

	// ViolationWindow is the rolling window for violation counting.
	ViolationWindow time.Duration `yaml:"violation_window" json:"violation_window"`

	// BlockDuration is how long an automatic IP block lasts.
	BlockDuration time.Duration `yaml:"block_duration" json:"block_duration"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		IPLimit:         30,
		IPWindow:        time.Minute,
		SubjectLimit:    120,
		SubjectWindow:   5 * time.Minute,
		ViolationLimit:  5,
		ViolationWindow: 5 * time.Minute,
		BlockDuration:   15 * time.Minute,
	}
}

// Validate normalizes invalid values to defaults.
func (c *Config) Validate() error {
	defaults := DefaultConfig()
	if c.IPLimit < 1 {
		c.IPLimit = defaults.IPLimit
	}
	if c.IPWindow < time.Second {
		c.IPWindow = defaults.IPWindow
	}
	if c.SubjectLimit < 1 {
		c.SubjectLimit = defaults.SubjectLimit
	}
	if c.SubjectWindow < time.Second {
		c.SubjectWindow = defaults.SubjectWindow
	}
	if c.ViolationLimit < 1 {
		c.ViolationLimit = defaults.ViolationLimit
	}
	if c.ViolationWindow < time.Second {
		c.ViolationWindow = defaults.ViolationWindow
	}
	if c.BlockDuration < time.Second {
		c.BlockDuration = defaults.BlockDuration
	}
	return nil
}

// Result describes the outcome of a rate limit check.
type Result struct {
	// Allowed indicates whether the request is within the limit.
	Allowed bool

	// Limit is the configured maximum for the window.
	Limit int

	// Remaining is the number of requests left in the current window.
	Remaining int

	// RetryAfter is how long to wait before retrying, set only on denial.
	RetryAfter time.Duration
}

// Limiter enforces fixed-window rate limits via the shared store.
type Limiter struct {
	mu       sync.RWMutex
	config   *Config
	shared   store.Store
	logger   observability.Logger
	auditLog audit.Logger
	metrics  *Metrics
}

// Option is a functional option for the Limiter.
type Option func(*Limiter)

// WithLogger sets the structured logger.
func WithLogger(l observability.Logger) Option {
	return func(rl *Limiter) {
		rl.logger = l
	}
}

// WithAuditLogger sets the audit logger for violations and blocks.
func WithAuditLogger(l audit.Logger) Option {
	return func(rl *Limiter) {
		rl.auditLog = l
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *Metrics) Option {
	return func(rl *Limiter) {
		rl.metrics = m
	}
}

// New creates a rate limiter backed by the shared store.
func New(shared store.Store, config *Config, opts ...Option) *Limiter {
	if config == nil {
		config = DefaultConfig()
	}
	config.Validate()

	rl := &Limiter{
		config:   config,
		shared:   shared,
		logger:   observability.NopLogger(),
		auditLog: audit.NopLogger(),
	}
	for _, opt := range opts {
		opt(rl)
	}
	return rl
}

// UpdateConfig swaps the limiter configuration at runtime. Invalid values
// are normalized to defaults. In-flight windows keep their original TTLs.
func (rl *Limiter) UpdateConfig(config *Config) {
	if config == nil {
		return
	}
	config.Validate()

	rl.mu.Lock()
	rl.config = config
	rl.mu.Unlock()
}

// snapshot returns the current configuration.
func (rl *Limiter) snapshot() *Config {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return rl.config
}

// Check increments the fixed-window counter for key and reports whether the
// request is within limit. The expiry is set when the first request of a
// window creates the counter, so the window resets when it lapses. On store
// errors the check fails open.
func (rl *Limiter) Check(ctx context.Context, key string, limit int, window time.Duration) *Result {
	count, err := rl.shared.IncrementWithExpiry(ctx, "ratelimit:"+key, 1, window)
	if err != nil {
		rl.metrics.recordFailOpen()
		rl.logger.Warn("rate limit store unavailable, failing open",
			observability.String("key", key),
			observability.Error(err))
		return &Result{Allowed: true, Limit: limit, Remaining: limit}
	}

	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}

	if count > int64(limit) {
		rl.metrics.recordCheck("denied")
		return &Result{
			Allowed:    false,
			Limit:      limit,
			Remaining:  0,
			RetryAfter: window,
		}
	}

	rl.metrics.recordCheck("allowed")
	return &Result{Allowed: true, Limit: limit, Remaining: remaining}
}

// CheckIP enforces the stricter unauthenticated limit for an IP. A denial
// counts as a violation and may escalate to an automatic block.
func (rl *Limiter) CheckIP(ctx context.Context, ip string) error {
	cfg := rl.snapshot()
	result := rl.Check(ctx, "ip:"+ip, cfg.IPLimit, cfg.IPWindow)
	if result.Allowed {
		return nil
	}

	rl.recordViolation(ctx, ip)
	return &util.RateLimitError{
		Key:        ip,
		Limit:      result.Limit,
		RetryAfter: result.RetryAfter,
	}
}

// CheckSubject enforces the looser authenticated limit for a subject.
// Violations are still attributed to the caller's IP for escalation.
func (rl *Limiter) CheckSubject(ctx context.Context, subject, ip string) error {
	cfg := rl.snapshot()
	result := rl.Check(ctx, "subject:"+subject, cfg.SubjectLimit, cfg.SubjectWindow)
	if result.Allowed {
		return nil
	}

	rl.recordViolation(ctx, ip)
	return &util.RateLimitError{
		Key:        subject,
		Limit:      result.Limit,
		RetryAfter: result.RetryAfter,
	}
}

// Reset clears the counter for a key.
func (rl *Limiter) Reset(ctx context.Context, key string) error {
	return rl.shared.Delete(ctx, "ratelimit:"+key)
}
