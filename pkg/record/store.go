package record

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation marks malformed input. It is surfaced immediately and never retried.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound indicates the natural key is unknown to the store.
	ErrNotFound = errors.New("record not found")

	// ErrStateConflict is returned by Transition when the stored state does not
	// match the expected one.
	ErrStateConflict = errors.New("record state conflict")
)

// Store is the upsert-by-natural-key record store.
//
// Implementations must keep rows consistent under concurrent writers to the
// same key: every write is a versioned compare-and-swap.
type Store interface {
	// Upsert inserts rec as unprocessed, or updates payload and CreatedAt of an
	// existing row while keeping its enrichment state. It reports whether the
	// row was created.
	Upsert(ctx context.Context, rec Record) (Record, bool, error)

	// Transition moves a record from one state to another and replaces its
	// result. It fails with ErrStateConflict if the current state is not from.
	Transition(ctx context.Context, key string, from, to State, result Result) (Record, error)

	// Get returns the record stored under key.
	Get(ctx context.Context, key string) (Record, error)

	// List returns all records of a subject, newest first.
	List(ctx context.Context, subject string) ([]Record, error)

	// ListByState returns the records of a subject in the given state, newest first.
	ListByState(ctx context.Context, subject string, state State) ([]Record, error)

	// Count returns the number of records stored for a subject.
	Count(ctx context.Context, subject string) (int, error)
}

// Validate checks the fields every stored record needs.
func Validate(rec Record) error {
	if strings.TrimSpace(rec.NaturalKey) == "" {
		return fmt.Errorf("%w: natural key is required", ErrValidation)
	}
	if strings.TrimSpace(rec.Subject) == "" {
		return fmt.Errorf("%w: subject is required", ErrValidation)
	}
	if rec.CreatedAt.IsZero() {
		return fmt.Errorf("%w: created_at is required for %s", ErrValidation, rec.NaturalKey)
	}
	if rec.State != "" && !rec.State.IsValid() {
		return fmt.Errorf("%w: unknown state %q", ErrValidation, rec.State)
	}
	return nil
}
