package enrich

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRetryTimeout is returned by Retry when resubmitted records are still
	// in flight after Config.RetryTimeout. Nothing is rolled back.
	ErrRetryTimeout = errors.New("retry timed out")

	// ErrClosed is returned by submissions after Close.
	ErrClosed = errors.New("enrichment coordinator closed")

	// ErrQueueFull is returned by TrySubmit when no task slot is free.
	ErrQueueFull = errors.New("enrichment queue full")
)

// Config holds the coordinator settings.
type Config struct {
	// Workers is the number of tasks running concurrently.
	Workers int `mapstructure:"workers"`

	// QueueSize bounds the tasks waiting for a worker. Submit blocks when it is full; TrySubmit does not.
	QueueSize int `mapstructure:"queue_size"`

	// RetryTimeout bounds how long Retry waits for resubmitted records.
	RetryTimeout time.Duration `mapstructure:"retry_timeout"`

	// PriceWindow is the scoring window after a first mention. The current
	// price is only looked up while the window is still open.
	PriceWindow time.Duration `mapstructure:"price_window"`

	// PriceWindowMonths is the months argument of the after-window lookup.
	PriceWindowMonths int `mapstructure:"price_window_months"`
}

// DefaultConfig returns 4 workers, a 1024 task queue, a 120s retry wait and a
// 180 day / 6 month price window.
func DefaultConfig() Config {
	return Config{
		Workers:           4,
		QueueSize:         1024,
		RetryTimeout:      120 * time.Second,
		PriceWindow:       180 * 24 * time.Hour,
		PriceWindowMonths: 6,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("workers must be >= 1 (got %d)", c.Workers)
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("queue_size must be >= 1 (got %d)", c.QueueSize)
	}
	if c.RetryTimeout <= 0 {
		return fmt.Errorf("retry_timeout must be > 0 (got %s)", c.RetryTimeout)
	}
	if c.PriceWindow <= 0 {
		return fmt.Errorf("price_window must be > 0 (got %s)", c.PriceWindow)
	}
	if c.PriceWindowMonths < 1 {
		return fmt.Errorf("price_window_months must be >= 1 (got %d)", c.PriceWindowMonths)
	}
	return nil
}
