// Package circuitbreaker implements a per-dependency failure-detecting
// state machine. A breaker stays closed through consecutive failures up to
// a threshold, opens once the threshold is exceeded, and probes the
// dependency with a single trial call after the recovery timeout.
package circuitbreaker

import (
	"time"
)

// Config holds configuration for a circuit breaker.
type Config struct {
	// FailureThreshold is the number of consecutive failures tolerated
	// while closed. The breaker opens on the failure after that.
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"`

	// RecoveryTimeout is how long the breaker stays open after the last
	// failure before allowing a trial call.
	RecoveryTimeout time.Duration `yaml:"recovery_timeout" json:"recovery_timeout"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
	}
}

// Validate normalizes invalid values to defaults.
func (c *Config) Validate() error {
	if c.FailureThreshold < 1 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout < time.Millisecond {
		c.RecoveryTimeout = 30 * time.Second
	}
	return nil
}

// WithFailureThreshold sets the consecutive failure threshold.
func (c *Config) WithFailureThreshold(n int) *Config {
	c.FailureThreshold = n
	return c
}

// WithRecoveryTimeout sets the recovery timeout.
func (c *Config) WithRecoveryTimeout(d time.Duration) *Config {
	c.RecoveryTimeout = d
	return c
}
