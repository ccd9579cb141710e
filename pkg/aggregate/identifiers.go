package aggregate

import (
	"sort"
	"time"

	"github.com/Sternrassler/tickertrail/pkg/record"
)

// IdentifierStat summarizes every mention of one identifier by a subject,
// together with the price data gathered for it.
type IdentifierStat struct {
	Identifier   string           `json:"identifier"`
	FirstMention time.Time        `json:"first_mention"`
	Direction    record.Direction `json:"direction"`
	MentionCount int              `json:"mention_count"`

	PriceAtMention   *float64 `json:"price_at_mention"`
	PriceAfterWindow *float64 `json:"price_after_window"`
	PriceCurrent     *float64 `json:"price_current"`
	ReturnWindow     *float64 `json:"return_window"`
	ReturnCurrent    *float64 `json:"return_current"`

	// Loading is set while a price lookup for the identifier is in flight.
	Loading bool `json:"loading"`
	// PriceError holds the failures of the last price lookup, if any.
	PriceError string `json:"price_error,omitempty"`
	// PricedAt is when the last price lookup completed.
	PricedAt *time.Time `json:"priced_at,omitempty"`
}

// Priced reports whether a price lookup has completed for the stat.
func (s IdentifierStat) Priced() bool {
	return s.PricedAt != nil
}

// Return is the return used for scoring: the window return when known,
// otherwise the return to the current price.
func (s IdentifierStat) Return() *float64 {
	if s.ReturnWindow != nil {
		return s.ReturnWindow
	}
	return s.ReturnCurrent
}

// ComputeIdentifierStats groups the identifiers mentioned in records.
//
// Each stat keeps the earliest mention and its direction and counts every
// mention. Stats are ordered by first mention, newest first; equal timestamps
// are ordered by identifier.
func ComputeIdentifierStats(records []record.Record) []IdentifierStat {
	type acc struct {
		stat     IdentifierStat
		firstKey string
	}
	byID := make(map[string]*acc)

	for _, r := range records {
		if !r.HasIdentifiers() {
			continue
		}
		for _, id := range r.Result.Identifiers {
			a, ok := byID[id]
			if !ok {
				byID[id] = &acc{
					stat: IdentifierStat{
						Identifier:   id,
						FirstMention: r.CreatedAt,
						Direction:    r.Result.Direction,
						MentionCount: 1,
					},
					firstKey: r.NaturalKey,
				}
				continue
			}

			a.stat.MentionCount++
			earlier := r.CreatedAt.Before(a.stat.FirstMention) ||
				(r.CreatedAt.Equal(a.stat.FirstMention) && r.NaturalKey < a.firstKey)
			if earlier {
				a.stat.FirstMention = r.CreatedAt
				a.stat.Direction = r.Result.Direction
				a.firstKey = r.NaturalKey
			}
		}
	}

	stats := make([]IdentifierStat, 0, len(byID))
	for _, a := range byID {
		stats = append(stats, a.stat)
	}
	SortStats(stats)
	return stats
}

// SortStats orders stats by first mention descending, then identifier ascending.
func SortStats(stats []IdentifierStat) {
	sort.Slice(stats, func(i, j int) bool {
		if !stats[i].FirstMention.Equal(stats[j].FirstMention) {
			return stats[i].FirstMention.After(stats[j].FirstMention)
		}
		return stats[i].Identifier < stats[j].Identifier
	})
}

// MergePrices overlays price results onto freshly computed stats, matched by
// identifier. A result computed for a different first mention is stale and
// ignored.
func MergePrices(stats []IdentifierStat, priced map[string]IdentifierStat) []IdentifierStat {
	out := make([]IdentifierStat, len(stats))
	for i, s := range stats {
		p, ok := priced[s.Identifier]
		if ok && p.FirstMention.Equal(s.FirstMention) {
			s.PriceAtMention = p.PriceAtMention
			s.PriceAfterWindow = p.PriceAfterWindow
			s.PriceCurrent = p.PriceCurrent
			s.ReturnWindow = p.ReturnWindow
			s.ReturnCurrent = p.ReturnCurrent
			s.Loading = p.Loading
			s.PriceError = p.PriceError
			s.PricedAt = p.PricedAt
		}
		out[i] = s
	}
	return out
}
