package enrich

import (
	"context"
	"fmt"
	"strings"

	"github.com/Sternrassler/tickertrail/pkg/aggregate"
	"github.com/Sternrassler/tickertrail/pkg/notify"
	"github.com/Sternrassler/tickertrail/pkg/record"
)

// SubmitPrice starts the price lookup for one identifier of subject. It
// returns false if a lookup for the same identifier is already in flight.
//
// Until the lookup is merged the identifier is reported with Loading set.
func (c *Coordinator) SubmitPrice(ctx context.Context, subject string, stat aggregate.IdentifierStat) (bool, error) {
	if c.isClosed() {
		return false, ErrClosed
	}
	if stat.Identifier == "" || stat.FirstMention.IsZero() {
		return false, fmt.Errorf("%w: price lookup needs an identifier and a first mention", record.ErrValidation)
	}

	t := &task{
		key:     "price:" + subject + ":" + stat.Identifier,
		kind:    KindPrice,
		subject: subject,
		done:    make(chan struct{}),
	}
	if !c.register(t) {
		return false, nil
	}

	loading := stat
	loading.Loading = true

	c.mu.Lock()
	previous, hadPrevious := c.pricedFor(subject)[stat.Identifier]
	c.pricedFor(subject)[stat.Identifier] = loading
	c.mu.Unlock()

	t.run = func(ctx context.Context) func() {
		result, outcome := c.lookupPrices(ctx, stat)
		return func() { c.applyPrice(subject, result, outcome) }
	}
	t.abandon = func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if hadPrevious {
			c.pricedFor(subject)[stat.Identifier] = previous
		} else {
			delete(c.pricedFor(subject), stat.Identifier)
		}
	}

	c.publishStat(ctx, subject, loading)

	if err := c.enqueue(ctx, t, true); err != nil {
		t.abandon()
		c.finish(t)
		return false, err
	}
	return true, nil
}

// PriceStats returns a copy of the merged price results of subject by identifier.
func (c *Coordinator) PriceStats(subject string) map[string]aggregate.IdentifierStat {
	c.mu.Lock()
	defer c.mu.Unlock()

	src := c.priced[subject]
	out := make(map[string]aggregate.IdentifierStat, len(src))
	for id, stat := range src {
		out[id] = stat
	}
	return out
}

// pricedFor returns the price table of subject. c.mu must be held.
func (c *Coordinator) pricedFor(subject string) map[string]aggregate.IdentifierStat {
	table, ok := c.priced[subject]
	if !ok {
		table = make(map[string]aggregate.IdentifierStat)
		c.priced[subject] = table
	}
	return table
}

// lookupPrices runs the lookups of one identifier in sequence: the price at
// first mention, the price after the window and, while the window is still
// open, the most recent price. A failed lookup leaves its field nil and is
// reported in PriceError.
func (c *Coordinator) lookupPrices(ctx context.Context, stat aggregate.IdentifierStat) (aggregate.IdentifierStat, string) {
	id, first := stat.Identifier, stat.FirstMention

	out := stat
	out.PriceAtMention, out.PriceAfterWindow, out.PriceCurrent = nil, nil, nil
	out.ReturnWindow, out.ReturnCurrent = nil, nil
	out.Loading = false

	var (
		errs     []string
		attempts int
	)
	lookup := func(name string, fn func() (*record.PricePoint, error)) *float64 {
		attempts++
		p, err := fn()
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", name, err))
			return nil
		}
		if p == nil {
			return nil
		}
		price := p.Price
		return &price
	}

	out.PriceAtMention = lookup("price at mention", func() (*record.PricePoint, error) {
		return c.prices.PriceOnOrBefore(ctx, id, first)
	})
	out.PriceAfterWindow = lookup("price after window", func() (*record.PricePoint, error) {
		return c.prices.PriceAfter(ctx, id, first, c.cfg.PriceWindowMonths)
	})
	if c.now().Sub(first) < c.cfg.PriceWindow {
		out.PriceCurrent = lookup("current price", func() (*record.PricePoint, error) {
			return c.prices.MostRecentPrice(ctx, id)
		})
	}

	if out.PriceAtMention != nil {
		if out.PriceAfterWindow != nil {
			out.ReturnWindow = aggregate.ComputeReturn(*out.PriceAtMention, *out.PriceAfterWindow)
		}
		if out.PriceCurrent != nil {
			out.ReturnCurrent = aggregate.ComputeReturn(*out.PriceAtMention, *out.PriceCurrent)
		}
	}

	pricedAt := c.now()
	out.PricedAt = &pricedAt
	out.PriceError = strings.Join(errs, "; ")

	outcome := "ok"
	switch {
	case len(errs) == attempts:
		outcome = "failed"
	case len(errs) > 0:
		outcome = "partial"
	}
	return out, outcome
}

func (c *Coordinator) applyPrice(subject string, stat aggregate.IdentifierStat, outcome string) {
	c.mu.Lock()
	c.pricedFor(subject)[stat.Identifier] = stat
	c.mu.Unlock()

	tasksTotal.WithLabelValues(KindPrice, outcome).Inc()

	event := c.logger.Debug()
	if outcome != "ok" {
		event = c.logger.Warn().Str("price_error", stat.PriceError)
	}
	event.Str("subject", subject).
		Str("identifier", stat.Identifier).
		Str("outcome", outcome).
		Msg("Price lookup merged")

	ctx, cancel := context.WithTimeout(context.Background(), mergeTimeout)
	defer cancel()
	c.publishStat(ctx, subject, stat)
}

func (c *Coordinator) publishStat(ctx context.Context, subject string, stat aggregate.IdentifierStat) {
	err := notify.Publish(ctx, c.bus, notify.IdentifiersTopic(subject), notify.TypeIdentifierUpdated, subject, stat)
	if err != nil {
		c.logger.Warn().Err(err).Str("identifier", stat.Identifier).Msg("Failed to publish identifier update")
	}
}
