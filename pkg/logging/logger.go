// Package logging configures zerolog for tickertrail.
//
// Components never reach for the global logger directly: the binary calls
// Setup once and hands each component a child logger from NewLogger, which
// tags every line with a "component" field.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel `mapstructure:"level"`

	// Pretty enables human-readable console output instead of JSON.
	Pretty bool `mapstructure:"pretty"`

	// Output is the writer logs go to. Nil means os.Stderr.
	Output io.Writer `mapstructure:"-"`
}

// DefaultConfig returns JSON logs at info level on stderr.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Validate rejects unknown levels.
func (c Config) Validate() error {
	if _, ok := levels[LogLevel(strings.ToLower(string(c.Level)))]; !ok && c.Level != "" {
		return fmt.Errorf("unknown log level %q", c.Level)
	}
	return nil
}

var levels = map[LogLevel]zerolog.Level{
	LevelDebug: zerolog.DebugLevel,
	LevelInfo:  zerolog.InfoLevel,
	LevelWarn:  zerolog.WarnLevel,
	"warning":  zerolog.WarnLevel,
	LevelError: zerolog.ErrorLevel,
}

// Setup configures the global zerolog logger and returns it.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output}
	}

	logger := zerolog.New(output).With().Timestamp().Logger()
	log.Logger = logger

	return logger
}

// parseLevel converts LogLevel to zerolog.Level. Unknown levels map to info.
func parseLevel(level LogLevel) zerolog.Level {
	if l, ok := levels[LogLevel(strings.ToLower(string(level)))]; ok {
		return l
	}
	return zerolog.InfoLevel
}

// NewLogger creates a child of the global logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Cache hits and misses (key, TTL)
//   - Pages visited by a backfill
//   - Merged classifications and price lookups
//   - 404 answers from upstream services (no data)
//
// Info: Normal operation events
//   - Lookups, backfill start and finish
//   - Retry runs
//   - Rate limiter and coordinator startup/shutdown
//   - Server startup/shutdown
//
// Warn: Warning conditions that don't prevent operation
//   - Failed classifications and degraded price lookups
//   - Failed upstream requests
//   - Cache and notification errors (the pipeline continues without them)
//   - Backfills ending in the error state
//
// Error: Error conditions requiring attention
//   - Store writes that could not be merged
//   - Server failures
//   - Configuration errors
//
// Context Fields:
//   - component: Emitting component (tracker, enrich, backfill, server, ...)
//   - subject: Subject handle
//   - natural_key: Record key
//   - identifier: Ticker identifier
//   - service: Upstream service (posts, classifier, prices)
//   - status_code: HTTP status code
//   - error_class: Error classification (client, server, rate_limit, network, decode)
//   - generation: Backfill generation
//   - duration: Request or task duration
