package admission

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/fiscalsim/guard/internal/observability"
)

// BackpressureConfig holds backpressure manager configuration.
type BackpressureConfig struct {
	// LoadThreshold is the overload cutoff for the one-minute load
	// average normalized by core count.
	LoadThreshold float64 `yaml:"load_threshold" json:"load_threshold"`

	// ProbeInterval bounds how often the load average is re-read.
	ProbeInterval time.Duration `yaml:"probe_interval" json:"probe_interval"`
}

// DefaultBackpressureConfig returns a BackpressureConfig with default values.
func DefaultBackpressureConfig() *BackpressureConfig {
	return &BackpressureConfig{
		LoadThreshold: 0.8,
		ProbeInterval: 5 * time.Second,
	}
}

// Validate normalizes invalid values to defaults.
func (c *BackpressureConfig) Validate() error {
	defaults := DefaultBackpressureConfig()
	if c.LoadThreshold <= 0 || c.LoadThreshold > 10 {
		c.LoadThreshold = defaults.LoadThreshold
	}
	if c.ProbeInterval < 100*time.Millisecond {
		c.ProbeInterval = defaults.ProbeInterval
	}
	return nil
}

// LoadProbe returns the one-minute load average.
type LoadProbe func() (float64, error)

// procLoadAvg reads the one-minute load average from /proc/loadavg.
func procLoadAvg() (float64, error) {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0, fmt.Errorf("failed to read load average: %w", err)
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0, fmt.Errorf("malformed loadavg")
	}
	return strconv.ParseFloat(fields[0], 64)
}

// Backpressure composes the admission queue with a system-load probe to
// flag an overloaded state for diagnostics and alerting. Probe reads are
// smoothed through a rate limiter so hot paths reuse the cached reading.
type Backpressure struct {
	config  *BackpressureConfig
	queue   *Queue
	logger  observability.Logger
	metrics *Metrics
	probe   LoadProbe
	probeOK *rate.Limiter

	mu       sync.Mutex
	lastLoad float64
}

// BackpressureOption is a functional option for Backpressure.
type BackpressureOption func(*Backpressure)

// WithLoadProbe overrides the load probe.
func WithLoadProbe(probe LoadProbe) BackpressureOption {
	return func(b *Backpressure) {
		b.probe = probe
	}
}

// NewBackpressure creates a backpressure manager over the given queue.
func NewBackpressure(config *BackpressureConfig, queue *Queue, logger observability.Logger, metrics *Metrics, opts ...BackpressureOption) *Backpressure {
	if config == nil {
		config = DefaultBackpressureConfig()
	}
	config.Validate()
	if logger == nil {
		logger = observability.NopLogger()
	}

	b := &Backpressure{
		config:  config,
		queue:   queue,
		logger:  logger,
		metrics: metrics,
		probe:   procLoadAvg,
		probeOK: rate.NewLimiter(rate.Every(config.ProbeInterval), 1),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// NormalizedLoad returns the one-minute load average divided by core
// count, cached between probe intervals.
func (b *Backpressure) NormalizedLoad() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.probeOK.Allow() {
		load, err := b.probe()
		if err != nil {
			b.logger.Debug("load probe failed", observability.Error(err))
		} else {
			b.lastLoad = load / float64(runtime.NumCPU())
			b.metrics.setNormalizedLoad(b.lastLoad)
		}
	}
	return b.lastLoad
}

// IsOverloaded reports whether the system is under pressure: the queue is
// at capacity or the normalized load exceeds the threshold.
func (b *Backpressure) IsOverloaded() bool {
	if b.queue != nil && b.queue.Len() >= b.queue.Capacity() {
		return true
	}
	return b.NormalizedLoad() >= b.config.LoadThreshold
}

// Status describes the backpressure state for diagnostics endpoints.
type BackpressureStatus struct {
	Overloaded     bool    `json:"overloaded"`
	NormalizedLoad float64 `json:"normalized_load"`
	QueueDepth     int     `json:"queue_depth"`
	QueueCapacity  int     `json:"queue_capacity"`
}

// Status returns the current backpressure state.
func (b *Backpressure) Status() BackpressureStatus {
	status := BackpressureStatus{
		NormalizedLoad: b.NormalizedLoad(),
	}
	if b.queue != nil {
		status.QueueDepth = b.queue.Len()
		status.QueueCapacity = b.queue.Capacity()
	}
	status.Overloaded = b.IsOverloaded()
	return status
}
