package dispatcher

import (
	"fmt"
	"time"

	"github.com/c360/dataplane/errors"
)

// Backpressure selects what Enqueue does when the queue is full
type Backpressure string

const (
	// Reject makes Enqueue fail fast with worker.ErrQueueFull.
	Reject Backpressure = "reject"

	// Block makes Enqueue wait for room until its context ends.
	Block Backpressure = "block"
)

// Config is fixed at construction
type Config struct {
	QueueCapacity int
	Workers       int
	WaitTimeout   time.Duration
	Backpressure  Backpressure
}

// DefaultConfig returns the dispatcher defaults
func DefaultConfig() Config {
	return Config{
		QueueCapacity: 100,
		Workers:       4,
		WaitTimeout:   time.Second,
		Backpressure:  Reject,
	}
}

// withDefaults fills zero values
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.QueueCapacity == 0 {
		c.QueueCapacity = d.QueueCapacity
	}
	if c.Workers == 0 {
		c.Workers = d.Workers
	}
	if c.WaitTimeout == 0 {
		c.WaitTimeout = d.WaitTimeout
	}
	if c.Backpressure == "" {
		c.Backpressure = d.Backpressure
	}
	return c
}

// Validate checks the configuration
func (c Config) Validate() error {
	switch {
	case c.QueueCapacity < 0:
		return errors.WrapInvalid(
			fmt.Errorf("%w: queue capacity %d", errors.ErrInvalidConfig, c.QueueCapacity),
			"dispatcher", "Validate", "check queue capacity")
	case c.Workers < 0:
		return errors.WrapInvalid(
			fmt.Errorf("%w: workers %d", errors.ErrInvalidConfig, c.Workers),
			"dispatcher", "Validate", "check workers")
	case c.WaitTimeout < 0:
		return errors.WrapInvalid(
			fmt.Errorf("%w: wait timeout %s", errors.ErrInvalidConfig, c.WaitTimeout),
			"dispatcher", "Validate", "check wait timeout")
	}
	switch c.Backpressure {
	case "", Reject, Block:
	default:
		return errors.WrapInvalid(
			fmt.Errorf("%w: backpressure %q (want reject or block)", errors.ErrInvalidConfig, c.Backpressure),
			"dispatcher", "Validate", "check backpressure")
	}
	return nil
}
