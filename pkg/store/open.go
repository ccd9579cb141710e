package store

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/Sternrassler/tickertrail/pkg/record"
)

const (
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// Config selects and locates the record store.
type Config struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

// DefaultConfig returns a SQLite store under ./data.
func DefaultConfig() Config {
	return Config{
		Driver: DriverSQLite,
		Path:   "data/tickertrail.db",
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch strings.TrimSpace(c.Driver) {
	case DriverSQLite:
		if strings.TrimSpace(c.Path) == "" {
			return fmt.Errorf("store path is required for the sqlite driver")
		}
		return nil
	case DriverMemory:
		return nil
	default:
		return fmt.Errorf("unsupported store driver: %q", c.Driver)
	}
}

// Store is a record.Store that holds resources until closed.
type Store interface {
	record.Store
	io.Closer
}

type memoryStore struct {
	*record.MemoryStore
}

func (memoryStore) Close() error { return nil }

// Open returns the store selected by cfg.Driver.
func Open(ctx context.Context, cfg Config) (Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch strings.TrimSpace(cfg.Driver) {
	case DriverMemory:
		return memoryStore{record.NewMemoryStore()}, nil
	default:
		return OpenSQLite(ctx, cfg.Path)
	}
}
