// Package ratelimit implements per-service request gating for the upstream
// services tickertrail depends on. Each service gets a fixed-window token
// limiter: the window refills to its capacity every period and queued callers
// are released strictly in arrival order.
package ratelimit

import (
	"errors"
	"fmt"
	"time"
)

// Service names used across the tracker.
const (
	ServicePosts      = "posts"
	ServiceClassifier = "classifier"
	ServicePrices     = "prices"
)

var (
	// ErrUnknownService is returned by the Registry for services without a limiter.
	ErrUnknownService = errors.New("unknown rate limited service")

	// ErrLimiterClosed is returned to callers still waiting when a limiter stops.
	ErrLimiterClosed = errors.New("rate limiter closed")
)

// Config is the quota of one service.
type Config struct {
	// Capacity is the number of requests admitted per window.
	Capacity int `mapstructure:"capacity" json:"capacity"`

	// Period is the window length. Every period the bucket is reset to Capacity.
	Period time.Duration `mapstructure:"period" json:"period"`
}

// DefaultConfig returns a conservative quota of 5 requests per second.
func DefaultConfig() Config {
	return Config{
		Capacity: 5,
		Period:   time.Second,
	}
}

// Validate checks that the quota can admit requests.
func (c Config) Validate() error {
	if c.Capacity < 1 {
		return fmt.Errorf("capacity must be >= 1 (got %d)", c.Capacity)
	}
	if c.Period <= 0 {
		return fmt.Errorf("period must be > 0 (got %s)", c.Period)
	}
	return nil
}

// State is a point-in-time snapshot of a limiter.
type State struct {
	Service   string        `json:"service"`
	Capacity  int           `json:"capacity"`
	Available int           `json:"available"`
	Period    time.Duration `json:"period"`
	Waiting   int           `json:"waiting"`
}

// Exhausted reports whether new callers will have to wait for the next refill.
func (s State) Exhausted() bool {
	return s.Available == 0
}
