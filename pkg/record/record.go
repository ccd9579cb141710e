// Package record defines the post records tracked per subject, their enrichment
// lifecycle, and the store contract used to upsert them by natural key.
package record

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// State is the enrichment lifecycle of a record.
type State string

const (
	// StateUnprocessed records are waiting for classification.
	StateUnprocessed State = "unprocessed"

	// StateProcessing records have exactly one classification task in flight.
	StateProcessing State = "processing"

	// StateEnriched records carry identifiers and a direction.
	StateEnriched State = "enriched"

	// StateFailed records keep the error of their last classification attempt.
	// They are only retried on request.
	StateFailed State = "failed"
)

// IsValid reports whether s is a known state.
func (s State) IsValid() bool {
	switch s {
	case StateUnprocessed, StateProcessing, StateEnriched, StateFailed:
		return true
	}
	return false
}

// Direction is the trade direction a post expresses.
type Direction string

const (
	DirectionLong    Direction = "long"
	DirectionShort   Direction = "short"
	DirectionNeutral Direction = "neutral"
	DirectionNA      Direction = "n/a"
)

// ParseDirection normalizes an upstream direction string.
// Unknown values map to DirectionNA.
func ParseDirection(s string) Direction {
	switch Direction(strings.ToLower(strings.TrimSpace(s))) {
	case DirectionLong:
		return DirectionLong
	case DirectionShort:
		return DirectionShort
	case DirectionNeutral:
		return DirectionNeutral
	default:
		return DirectionNA
	}
}

// Directional reports whether d takes part in the direction summary.
func (d Direction) Directional() bool {
	return d == DirectionLong || d == DirectionShort || d == DirectionNeutral
}

// Result holds the outcome of the last enrichment attempt.
type Result struct {
	Identifiers []string   `json:"identifiers,omitempty"`
	Direction   Direction  `json:"direction,omitempty"`
	Confidence  float64    `json:"confidence,omitempty"`
	Error       string     `json:"error,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
}

// Record is one post of a subject, keyed by its upstream id.
//
// Records are values: the store keeps the newest value per key and every
// write bumps Version.
type Record struct {
	NaturalKey string    `json:"natural_key"`
	Subject    string    `json:"subject"`
	CreatedAt  time.Time `json:"created_at"`
	Payload    string    `json:"payload"`
	State      State     `json:"state"`
	Result     Result    `json:"result"`
	Version    int64     `json:"version"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Clone returns a deep copy of r.
func (r Record) Clone() Record {
	out := r
	if r.Result.Identifiers != nil {
		out.Result.Identifiers = append([]string(nil), r.Result.Identifiers...)
	}
	if r.Result.FailedAt != nil {
		t := *r.Result.FailedAt
		out.Result.FailedAt = &t
	}
	return out
}

// HasIdentifiers reports whether enrichment extracted at least one identifier.
func (r Record) HasIdentifiers() bool {
	return len(r.Result.Identifiers) > 0
}

// Page is one page of records returned by an upstream fetch, newest first.
type Page struct {
	Records    []Record
	NextCursor string
}

// Oldest returns the minimum CreatedAt of the page, or zero for an empty page.
func (p Page) Oldest() time.Time {
	var oldest time.Time
	for _, r := range p.Records {
		if oldest.IsZero() || r.CreatedAt.Before(oldest) {
			oldest = r.CreatedAt
		}
	}
	return oldest
}

// Newest returns the maximum CreatedAt of the page, or zero for an empty page.
func (p Page) Newest() time.Time {
	var newest time.Time
	for _, r := range p.Records {
		if r.CreatedAt.After(newest) {
			newest = r.CreatedAt
		}
	}
	return newest
}

// Classification is the answer of the classification service for one payload.
type Classification struct {
	Identifiers []string
	Direction   Direction
	Confidence  float64
}

// PricePoint is a price observation for an identifier.
type PricePoint struct {
	Price float64   `json:"price"`
	Date  time.Time `json:"date"`
}

var subjectPattern = regexp.MustCompile(`^[a-z0-9_]{1,15}$`)

// NormalizeSubject lowercases a subject handle and strips a leading "@".
// It returns ErrValidation for anything that is not a 1-15 character handle.
func NormalizeSubject(subject string) (string, error) {
	s := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(subject), "@"))
	if !subjectPattern.MatchString(s) {
		return "", fmt.Errorf("%w: invalid subject %q", ErrValidation, subject)
	}
	return s, nil
}

var identifierPattern = regexp.MustCompile(`^[A-Z]{1,5}$`)

// NormalizeIdentifiers uppercases, trims a leading "$", drops anything that is
// not 1-5 letters and removes duplicates while keeping first-seen order.
func NormalizeIdentifiers(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.ToUpper(strings.TrimPrefix(strings.TrimSpace(id), "$"))
		if !identifierPattern.MatchString(id) {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
