package admission

import (
	"sync"
	"time"

	"github.com/fiscalsim/guard/internal/util"
)

// Entry is a request waiting for admission.
type Entry struct {
	// ID identifies the queued request.
	ID string
	// EnqueuedAt is when the entry joined the queue.
	EnqueuedAt time.Time
	// Payload carries caller context through the queue.
	Payload interface{}
}

// QueueConfig holds request queue configuration.
type QueueConfig struct {
	// Capacity is the maximum number of queued entries.
	Capacity int `yaml:"capacity" json:"capacity"`

	// MaxWait is how long an entry may wait before it is discarded.
	MaxWait time.Duration `yaml:"max_wait" json:"max_wait"`
}

// DefaultQueueConfig returns a QueueConfig with default values.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		Capacity: 50,
		MaxWait:  10 * time.Second,
	}
}

// Validate normalizes invalid values to defaults.
func (c *QueueConfig) Validate() error {
	defaults := DefaultQueueConfig()
	if c.Capacity < 1 {
		c.Capacity = defaults.Capacity
	}
	if c.MaxWait < time.Millisecond {
		c.MaxWait = defaults.MaxWait
	}
	return nil
}

// Queue is a bounded FIFO with starvation protection. Enqueue never blocks;
// a full queue rejects explicitly. Entries older than MaxWait are expired
// on every queue operation, so a transient spike that fills the queue
// cannot hold it full after the entries have aged out.
type Queue struct {
	config  *QueueConfig
	metrics *Metrics
	now     func() time.Time

	mu      sync.Mutex
	entries []*Entry
}

// NewQueue creates a bounded request queue.
func NewQueue(config *QueueConfig, metrics *Metrics) *Queue {
	if config == nil {
		config = DefaultQueueConfig()
	}
	config.Validate()

	return &Queue{
		config:  config,
		metrics: metrics,
		now:     time.Now,
	}
}

// expireLocked drops entries that have waited past MaxWait. Callers hold
// q.mu.
func (q *Queue) expireLocked(now time.Time) {
	kept := q.entries[:0]
	for _, entry := range q.entries {
		if now.Sub(entry.EnqueuedAt) > q.config.MaxWait {
			q.metrics.recordQueueDiscard()
			continue
		}
		kept = append(kept, entry)
	}
	for i := len(kept); i < len(q.entries); i++ {
		q.entries[i] = nil
	}
	q.entries = kept
}

// Enqueue adds an entry, rejecting with an OverloadedError when the queue
// is full of entries still within their wait window.
func (q *Queue) Enqueue(entry *Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	q.expireLocked(now)

	if len(q.entries) >= q.config.Capacity {
		q.metrics.recordQueueRejection()
		return &util.OverloadedError{
			Queued:  false,
			Message: "admission queue full",
		}
	}

	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = now
	}
	q.entries = append(q.entries, entry)
	q.metrics.setQueueDepth(len(q.entries))
	return nil
}

// Dequeue returns the oldest entry still within its wait window, or nothing
// when the queue holds no such entry. Stale entries are discarded, never
// delivered.
func (q *Queue) Dequeue() (*Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.expireLocked(q.now())
	if len(q.entries) == 0 {
		return nil, false
	}

	entry := q.entries[0]
	q.entries[0] = nil
	q.entries = q.entries[1:]
	q.metrics.setQueueDepth(len(q.entries))
	return entry, true
}

// Len returns the current queue depth, not counting expired entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.expireLocked(q.now())
	return len(q.entries)
}

// Capacity returns the queue capacity.
func (q *Queue) Capacity() int {
	return q.config.Capacity
}
