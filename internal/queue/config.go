package queue

import (
	"fmt"
	"time"
)

// Defaults applied by Normalize.
const (
	DefaultMaxRetries          = 3
	DefaultRetryDelay          = 1000 * time.Millisecond
	DefaultVisibilityTimeout   = 30000 * time.Millisecond
	DefaultDrainInterval       = 1000 * time.Millisecond
	DefaultBatchSize           = 10
	DefaultConcurrency         = 5
	DefaultDeadLetterRetention = 30 * 24 * time.Hour
)

// Config describes one named queue.
type Config struct {
	Name string    `json:"name"`
	Type Transport `json:"type"`

	// MaxRetries is the per-message default retry budget applied when a
	// published message carries none.
	MaxRetries int `json:"maxRetries"`
	// RetryDelay is how long a failed message waits before re-ranking.
	RetryDelay time.Duration `json:"retryDelay"`
	// VisibilityTimeout bounds one processing slot; handler invocations are
	// cancelled after this long.
	VisibilityTimeout time.Duration `json:"visibilityTimeout"`
	// DrainInterval is the tick period of the drain loop.
	DrainInterval time.Duration `json:"drainInterval"`
	// BatchSize is the maximum messages fetched per drain tick.
	BatchSize int `json:"batchSize"`
	// Concurrency is retained for configuration parity; messages within one
	// tick are processed sequentially, ticks across queues run concurrently.
	Concurrency int `json:"concurrency"`

	EnableDeadLetter bool `json:"enableDeadLetter"`
	EnableMetrics    bool `json:"enableMetrics"`

	// DeadLetterQueueName optionally overrides where dead letters are
	// recorded; empty means the queue's own dead-letter store.
	DeadLetterQueueName string `json:"deadLetterQueueName,omitempty"`
	// DeadLetterRetention bounds how long dead-letter entries are kept.
	DeadLetterRetention time.Duration `json:"deadLetterRetention"`
}

// DefaultConfig returns the standard configuration for a named queue.
func DefaultConfig(name string, t Transport) Config {
	return Config{
		Name:                name,
		Type:                t,
		MaxRetries:          DefaultMaxRetries,
		RetryDelay:          DefaultRetryDelay,
		VisibilityTimeout:   DefaultVisibilityTimeout,
		DrainInterval:       DefaultDrainInterval,
		BatchSize:           DefaultBatchSize,
		Concurrency:         DefaultConcurrency,
		EnableDeadLetter:    true,
		EnableMetrics:       true,
		DeadLetterRetention: DefaultDeadLetterRetention,
	}
}

// Normalize validates the config and fills unset fields with defaults.
func (c *Config) Normalize() error {
	if c.Name == "" {
		return fmt.Errorf("queue: config missing name")
	}
	if !c.Type.Valid() {
		return fmt.Errorf("queue %q: unknown transport %q", c.Name, c.Type)
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = DefaultDrainInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.DeadLetterRetention <= 0 {
		c.DeadLetterRetention = DefaultDeadLetterRetention
	}
	return nil
}
