package circuitbreaker

import (
	"context"
	"sync"

	"github.com/fiscalsim/guard/internal/observability"
)

// Registry owns one breaker per dependency name. It is constructed once at
// process start and injected wherever breakers are needed.
type Registry struct {
	config *Config
	opts   []Option

	breakers sync.Map
}

// NewRegistry creates a circuit breaker registry. The options are applied
// to every breaker the registry creates.
func NewRegistry(config *Config, opts ...Option) *Registry {
	if config == nil {
		config = DefaultConfig()
	}
	return &Registry{
		config: config,
		opts:   opts,
	}
}

// Get returns the breaker for a dependency, or nil if none exists.
func (r *Registry) Get(name string) *Breaker {
	value, ok := r.breakers.Load(name)
	if !ok {
		return nil
	}
	return value.(*Breaker)
}

// GetOrCreate returns the breaker for a dependency, creating it on first use.
func (r *Registry) GetOrCreate(name string) *Breaker {
	if value, ok := r.breakers.Load(name); ok {
		return value.(*Breaker)
	}

	b := New(name, r.config, r.opts...)
	actual, loaded := r.breakers.LoadOrStore(name, b)
	if loaded {
		return actual.(*Breaker)
	}
	return b
}

// Call executes fn through the named dependency's breaker.
func (r *Registry) Call(ctx context.Context, name string, fn func() error) error {
	return r.GetOrCreate(name).Call(ctx, fn)
}

// Statuses returns the status of every registered breaker.
func (r *Registry) Statuses() []Status {
	var statuses []Status
	r.breakers.Range(func(key, value interface{}) bool {
		statuses = append(statuses, value.(*Breaker).Status())
		return true
	})
	return statuses
}

// ResetAll forces every breaker back to closed.
func (r *Registry) ResetAll(ctx context.Context) {
	r.breakers.Range(func(key, value interface{}) bool {
		value.(*Breaker).Reset(ctx)
		return true
	})
}

// LogStatuses logs the status of every breaker, for periodic diagnostics.
func (r *Registry) LogStatuses(logger observability.Logger) {
	for _, status := range r.Statuses() {
		logger.Info("circuit breaker status",
			observability.String("name", status.Name),
			observability.String("state", status.State),
			observability.Int("consecutive_failures", status.ConsecutiveFails),
		)
	}
}
