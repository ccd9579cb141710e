package aggregate

import (
	"github.com/Sternrassler/tickertrail/pkg/record"
)

// Bucket aggregates the posts of one direction.
type Bucket struct {
	Count     int      `json:"count"`
	Right     int      `json:"right"`
	Wrong     int      `json:"wrong"`
	AvgReturn *float64 `json:"avg_return"`
	HitRate   *float64 `json:"hit_rate"`

	returns []float64
}

func (b *Bucket) add(ret *float64, direction record.Direction) {
	b.Count++
	if ret == nil {
		return
	}
	b.returns = append(b.returns, *ret)

	switch direction {
	case record.DirectionLong:
		if *ret > 0 {
			b.Right++
		} else {
			b.Wrong++
		}
	case record.DirectionShort:
		if *ret < 0 {
			b.Right++
		} else {
			b.Wrong++
		}
	}
}

// finish rounds the bucket mean; the per-post returns stay unrounded.
func (b *Bucket) finish() {
	b.AvgReturn = Mean(b.returns)
	b.HitRate = percentage(b.Right, b.Right+b.Wrong)
}

// Summary scores a subject's directional calls.
type Summary struct {
	Long    Bucket `json:"long"`
	Short   Bucket `json:"short"`
	Neutral Bucket `json:"neutral"`
	// Total pools the long and short posts.
	Total Bucket `json:"total"`
}

// PostReturn is the mean return over the identifiers of r that have one,
// unrounded. Identifiers without price data are left out; nil means none had any.
func PostReturn(r record.Record, byID map[string]IdentifierStat) *float64 {
	var returns []float64
	for _, id := range r.Result.Identifiers {
		stat, ok := byID[id]
		if !ok {
			continue
		}
		if ret := stat.Return(); ret != nil {
			returns = append(returns, *ret)
		}
	}
	m, ok := mean(returns)
	if !ok {
		return nil
	}
	f, _ := m.Float64()
	return &f
}

// ComputeDirectionSummary scores every post that has identifiers and a long,
// short or neutral direction.
//
// A long post is right when its return is positive, a short post when it is
// negative. Neutral posts are counted but never scored. The total bucket
// averages the pooled per-post returns of the long and short buckets rather
// than their bucket means.
func ComputeDirectionSummary(records []record.Record, stats []IdentifierStat) Summary {
	byID := make(map[string]IdentifierStat, len(stats))
	for _, s := range stats {
		byID[s.Identifier] = s
	}

	var sum Summary
	for _, r := range records {
		if !r.HasIdentifiers() || !r.Result.Direction.Directional() {
			continue
		}
		ret := PostReturn(r, byID)

		switch r.Result.Direction {
		case record.DirectionLong:
			sum.Long.add(ret, record.DirectionLong)
			sum.Total.add(ret, record.DirectionLong)
		case record.DirectionShort:
			sum.Short.add(ret, record.DirectionShort)
			sum.Total.add(ret, record.DirectionShort)
		case record.DirectionNeutral:
			sum.Neutral.add(ret, record.DirectionNeutral)
		}
	}

	sum.Long.finish()
	sum.Short.finish()
	sum.Neutral.finish()
	sum.Total.finish()
	return sum
}
