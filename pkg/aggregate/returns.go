// Package aggregate derives per-identifier statistics and the direction
// summary from a subject's records. Nothing here has identity: every view is
// recomputed from the current record set and merged price results.
package aggregate

import (
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// ComputeReturn returns the percentage change from start to end rounded to two
// decimals. It returns nil when start is not positive.
func ComputeReturn(start, end float64) *float64 {
	if start <= 0 {
		return nil
	}
	s := decimal.NewFromFloat(start)
	change := decimal.NewFromFloat(end).Sub(s).Div(s).Mul(hundred).Round(2)
	f, _ := change.Float64()
	return &f
}

// Mean returns the arithmetic mean of values rounded to two decimals, or nil
// for an empty slice.
func Mean(values []float64) *float64 {
	m, ok := mean(values)
	if !ok {
		return nil
	}
	f, _ := m.Round(2).Float64()
	return &f
}

func mean(values []float64) (decimal.Decimal, bool) {
	if len(values) == 0 {
		return decimal.Zero, false
	}
	sum := decimal.Zero
	for _, v := range values {
		sum = sum.Add(decimal.NewFromFloat(v))
	}
	return sum.Div(decimal.NewFromInt(int64(len(values)))), true
}

func percentage(part, whole int) *float64 {
	if whole == 0 {
		return nil
	}
	p := decimal.NewFromInt(int64(part)).Div(decimal.NewFromInt(int64(whole))).Mul(hundred).Round(2)
	f, _ := p.Float64()
	return &f
}
