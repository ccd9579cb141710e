package backfill

import (
	"fmt"
	"time"

	"github.com/Sternrassler/tickertrail/pkg/pagination"
)

// Config holds backfill settings.
type Config struct {
	// PageSize is the number of posts requested per page.
	PageSize int `mapstructure:"page_size"`

	// InterPageDelay is waited between pages on top of the posts rate limiter.
	InterPageDelay time.Duration `mapstructure:"inter_page_delay"`

	// RetentionWindow is the lookback horizon. A backfill completes once a page
	// reaches back this far.
	RetentionWindow time.Duration `mapstructure:"retention_window"`
}

// DefaultConfig returns 100 posts per page, 1s between pages and a 365 day window.
func DefaultConfig() Config {
	return Config{
		PageSize:        100,
		InterPageDelay:  time.Second,
		RetentionWindow: 365 * 24 * time.Hour,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := c.walker().Validate(); err != nil {
		return fmt.Errorf("backfill: %w", err)
	}
	return nil
}

func (c Config) walker() pagination.Config {
	return pagination.Config{
		PageSize:       c.PageSize,
		InterPageDelay: c.InterPageDelay,
		Horizon:        c.RetentionWindow,
	}
}
