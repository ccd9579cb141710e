// Package tracker ties the pipeline together: it is built once at process
// start, owns the limiters, the store, the notification bus, the backfill
// jobs and the enrichment coordinator, and is torn down at stop.
//
// All requester-facing operations return promptly. Enrichment and backfill
// progress is published on the subject's topics and reflected in the
// derived views (records, identifier stats, summary).
package tracker

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/tickertrail/pkg/aggregate"
	"github.com/Sternrassler/tickertrail/pkg/backfill"
	"github.com/Sternrassler/tickertrail/pkg/enrich"
	"github.com/Sternrassler/tickertrail/pkg/notify"
	"github.com/Sternrassler/tickertrail/pkg/pagination"
	"github.com/Sternrassler/tickertrail/pkg/ratelimit"
	"github.com/Sternrassler/tickertrail/pkg/record"
)

// Config holds tracker settings.
type Config struct {
	// PageSize is the number of posts fetched by Lookup.
	PageSize int `mapstructure:"page_size"`

	// AutoBackfill starts a backfill on Lookup when none is running for the subject.
	AutoBackfill bool `mapstructure:"auto_backfill"`
}

// DefaultConfig returns a page size of 100 with auto backfill enabled.
func DefaultConfig() Config {
	return Config{PageSize: 100, AutoBackfill: true}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.PageSize < 1 {
		return fmt.Errorf("page_size must be >= 1 (got %d)", c.PageSize)
	}
	return nil
}

// Deps are the components a Tracker owns. Limits and Bus may be nil; without
// a bus Subscribe fails.
type Deps struct {
	Store    record.Store
	Fetcher  pagination.Fetcher
	Backfill *backfill.Controller
	Enrich   *enrich.Coordinator
	Bus      notify.Bus
	Limits   *ratelimit.Registry
}

// LookupResult reports what a Lookup did.
type LookupResult struct {
	Subject   string          `json:"subject"`
	Fetched   int             `json:"fetched"`
	Created   int             `json:"created"`
	Submitted int             `json:"submitted"`
	Deferred  int             `json:"deferred"`
	Resumed   int             `json:"resumed"`
	Backfill  *backfill.Job   `json:"backfill,omitempty"`
	Records   []record.Record `json:"records"`
}

// Tracker is the process-wide context object.
type Tracker struct {
	deps   Deps
	cfg    Config
	logger zerolog.Logger
}

// New creates a tracker from its components. The coordinator is started.
func New(deps Deps, cfg Config, logger zerolog.Logger) (*Tracker, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("record store is required")
	case deps.Fetcher == nil:
		return nil, fmt.Errorf("fetcher is required")
	case deps.Backfill == nil:
		return nil, fmt.Errorf("backfill controller is required")
	case deps.Enrich == nil:
		return nil, fmt.Errorf("enrichment coordinator is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("tracker config: %w", err)
	}

	deps.Enrich.Start()
	return &Tracker{deps: deps, cfg: cfg, logger: logger}, nil
}

// Lookup fetches the newest page of subject, stores it and hands every
// unprocessed record to enrichment without waiting for queue room. It fails
// only on an invalid subject or when the page cannot be fetched; everything
// after that is best effort.
func (t *Tracker) Lookup(ctx context.Context, subject string) (LookupResult, error) {
	subject, err := record.NormalizeSubject(subject)
	if err != nil {
		return LookupResult{}, err
	}
	res := LookupResult{Subject: subject}

	page, err := t.deps.Fetcher.List(ctx, subject, "", t.cfg.PageSize)
	if err != nil {
		return res, fmt.Errorf("fetch newest posts of %s: %w", subject, err)
	}
	res.Fetched = len(page.Records)

	for _, rec := range page.Records {
		rec.Subject = subject
		stored, created, err := t.deps.Store.Upsert(ctx, rec)
		if err != nil {
			t.logger.Warn().Err(err).Str("natural_key", rec.NaturalKey).Msg("Failed to store record")
			continue
		}
		if created {
			res.Created++
		}
		if stored.State != record.StateUnprocessed {
			continue
		}
		if res.Deferred > 0 {
			res.Deferred++
			continue
		}
		ok, err := t.deps.Enrich.TrySubmit(ctx, stored)
		switch {
		case errors.Is(err, enrich.ErrQueueFull):
			res.Deferred++
		case err != nil:
			t.logger.Warn().Err(err).Str("natural_key", rec.NaturalKey).Msg("Failed to submit record")
		case ok:
			res.Submitted++
		}
	}

	// Deferred records stay unprocessed until a later Resume finds room.
	if res.Deferred > 0 {
		t.logger.Info().Str("subject", subject).Int("deferred", res.Deferred).Msg("Enrichment queue full")
	} else if res.Resumed, err = t.deps.Enrich.Resume(ctx, subject); err != nil {
		t.logger.Warn().Err(err).Str("subject", subject).Msg("Failed to resume records")
	}

	if t.cfg.AutoBackfill {
		if job, ok := t.deps.Backfill.Status(subject); !ok || !job.Active() {
			job, err := t.deps.Backfill.Start(ctx, subject)
			if err != nil {
				t.logger.Warn().Err(err).Str("subject", subject).Msg("Failed to start backfill")
			} else {
				res.Backfill = &job
			}
		} else {
			res.Backfill = &job
		}
	}

	if res.Records, err = t.deps.Store.List(ctx, subject); err != nil {
		return res, fmt.Errorf("list records of %s: %w", subject, err)
	}

	t.logger.Info().
		Str("subject", subject).
		Int("fetched", res.Fetched).
		Int("created", res.Created).
		Int("submitted", res.Submitted).
		Msg("Lookup complete")

	return res, nil
}

// StartBackfill starts or restarts the backfill of subject.
func (t *Tracker) StartBackfill(ctx context.Context, subject string) (backfill.Job, error) {
	return t.deps.Backfill.Start(ctx, subject)
}

// BackfillStatus returns the backfill job of subject.
func (t *Tracker) BackfillStatus(subject string) (backfill.Job, bool) {
	return t.deps.Backfill.Status(subject)
}

// WaitBackfill blocks until the running backfill of subject has ended.
func (t *Tracker) WaitBackfill(ctx context.Context, subject string) (backfill.Job, error) {
	return t.deps.Backfill.Wait(ctx, subject)
}

// WaitIdle blocks until enrichment has nothing in flight.
func (t *Tracker) WaitIdle(ctx context.Context) error {
	return t.deps.Enrich.WaitIdle(ctx)
}

// Retry resubmits the failed records of subject and waits for them.
func (t *Tracker) Retry(ctx context.Context, subject string) (enrich.RetryReport, error) {
	subject, err := record.NormalizeSubject(subject)
	if err != nil {
		return enrich.RetryReport{}, err
	}
	return t.deps.Enrich.Retry(ctx, subject)
}

// Records returns the stored records of subject, newest first.
func (t *Tracker) Records(ctx context.Context, subject string) ([]record.Record, error) {
	subject, err := record.NormalizeSubject(subject)
	if err != nil {
		return nil, err
	}
	return t.deps.Store.List(ctx, subject)
}

// IdentifierStats computes the identifier stats of subject with the price
// data gathered so far. Identifiers without price data get a lookup started
// and are returned with Loading set.
func (t *Tracker) IdentifierStats(ctx context.Context, subject string) ([]aggregate.IdentifierStat, error) {
	subject, err := record.NormalizeSubject(subject)
	if err != nil {
		return nil, err
	}
	records, err := t.deps.Store.List(ctx, subject)
	if err != nil {
		return nil, fmt.Errorf("list records of %s: %w", subject, err)
	}

	stats := aggregate.ComputeIdentifierStats(records)
	stats = aggregate.MergePrices(stats, t.deps.Enrich.PriceStats(subject))

	for i := range stats {
		if stats[i].Priced() || stats[i].Loading {
			continue
		}
		if _, err := t.deps.Enrich.SubmitPrice(ctx, subject, stats[i]); err != nil {
			t.logger.Warn().Err(err).Str("identifier", stats[i].Identifier).Msg("Failed to submit price lookup")
			continue
		}
		stats[i].Loading = true
	}
	return stats, nil
}

// Summary scores the directional calls of subject with the price data
// gathered so far. It does not start price lookups.
func (t *Tracker) Summary(ctx context.Context, subject string) (aggregate.Summary, error) {
	subject, err := record.NormalizeSubject(subject)
	if err != nil {
		return aggregate.Summary{}, err
	}
	records, err := t.deps.Store.List(ctx, subject)
	if err != nil {
		return aggregate.Summary{}, fmt.Errorf("list records of %s: %w", subject, err)
	}

	stats := aggregate.ComputeIdentifierStats(records)
	stats = aggregate.MergePrices(stats, t.deps.Enrich.PriceStats(subject))
	return aggregate.ComputeDirectionSummary(records, stats), nil
}

// Subscribe delivers the backfill, record and identifier events of subject.
func (t *Tracker) Subscribe(ctx context.Context, subject string) (*notify.Subscription, error) {
	subject, err := record.NormalizeSubject(subject)
	if err != nil {
		return nil, err
	}
	if t.deps.Bus == nil {
		return nil, errors.New("no notification bus configured")
	}
	return t.deps.Bus.Subscribe(ctx, notify.SubjectTopics(subject)...)
}

// RateLimits returns the state of every limiter.
func (t *Tracker) RateLimits() []ratelimit.State {
	if t.deps.Limits == nil {
		return nil
	}
	return t.deps.Limits.States()
}

// Close stops the backfills, drains the coordinator and releases the
// limiters, the bus and the store, in that order.
func (t *Tracker) Close() error {
	t.deps.Backfill.Close()
	t.deps.Enrich.Close()
	if t.deps.Limits != nil {
		t.deps.Limits.Close()
	}

	var errs []error
	if t.deps.Bus != nil {
		if err := t.deps.Bus.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close bus: %w", err))
		}
	}
	if c, ok := t.deps.Store.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	return errors.Join(errs...)
}
