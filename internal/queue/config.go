package queue

import (
	"errors"
	"fmt"
	"time"
)

// Config is the per-queue configuration. All fields are validated at
// construction; invalid configuration never surfaces at runtime.
type Config struct {
	Name string `json:"name"`
	// Type is the default job category for messages enqueued without one.
	Type string `json:"type"`

	// MaxRetries is the number of redeliveries granted after the first
	// failure. The (MaxRetries+1)-th failure dead-letters the message.
	MaxRetries int `json:"maxRetries"`
	// RetryDelay is the backoff base: delay = RetryDelay * 2^(attempt-1),
	// capped at BackoffCeiling.
	RetryDelay        time.Duration `json:"retryDelay"`
	VisibilityTimeout time.Duration `json:"visibilityTimeout"`
	BatchSize         int           `json:"batchSize"`
	Concurrency       int           `json:"concurrency"`
	EnableDeadLetter  bool          `json:"enableDeadLetter"`
	EnableMetrics     bool          `json:"enableMetrics"`

	// BackoffCeiling caps exponential growth of the retry delay.
	BackoffCeiling time.Duration `json:"backoffCeiling"`
	// PollInterval is how long a worker sleeps when the queue is empty.
	PollInterval time.Duration `json:"pollInterval"`
	// ReclaimInterval is the lease-expiry sweep cadence.
	ReclaimInterval time.Duration `json:"reclaimInterval"`
	// ShutdownGrace bounds how long in-flight handlers may run after a
	// stop signal; leases of unfinished handlers expire naturally.
	ShutdownGrace time.Duration `json:"shutdownGrace"`
}

// Defaults applied by Validate when optional knobs are zero.
const (
	defaultBackoffCeiling  = 5 * time.Minute
	defaultPollInterval    = 250 * time.Millisecond
	defaultReclaimInterval = time.Second
	defaultShutdownGrace   = 30 * time.Second
	defaultReclaimBatch    = 256
)

// Validate checks the configuration and fills optional defaults.
func (c *Config) Validate() error {
	if c.Name == "" {
		return errors.New("queue: config: name required")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("queue %s: maxRetries must be >= 0, got %d", c.Name, c.MaxRetries)
	}
	if c.RetryDelay <= 0 {
		return fmt.Errorf("queue %s: retryDelay must be > 0, got %s", c.Name, c.RetryDelay)
	}
	if c.VisibilityTimeout <= 0 {
		return fmt.Errorf("queue %s: visibilityTimeout must be > 0, got %s", c.Name, c.VisibilityTimeout)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("queue %s: batchSize must be >= 1, got %d", c.Name, c.BatchSize)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("queue %s: concurrency must be >= 1, got %d", c.Name, c.Concurrency)
	}
	if c.BackoffCeiling == 0 {
		c.BackoffCeiling = defaultBackoffCeiling
	}
	if c.PollInterval == 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.ReclaimInterval == 0 {
		c.ReclaimInterval = defaultReclaimInterval
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = defaultShutdownGrace
	}
	return nil
}

// backoff computes the redelivery delay for the given attempt (1-based).
func (c *Config) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := c.RetryDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.BackoffCeiling {
			return c.BackoffCeiling
		}
	}
	if d > c.BackoffCeiling {
		return c.BackoffCeiling
	}
	return d
}
