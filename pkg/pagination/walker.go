package pagination

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/tickertrail/pkg/record"
)

// Reason says why a walk stopped.
type Reason string

const (
	// ReasonHorizonReached: the oldest record of the last page is at or
	// behind the lookback horizon.
	ReasonHorizonReached Reason = "horizon_reached"
	// ReasonEmptyPage: the service returned a page without records.
	ReasonEmptyPage Reason = "empty_page"
	// ReasonNoNextCursor: the last page carried no next cursor.
	ReasonNoNextCursor Reason = "no_next_cursor"
)

// Config holds walker configuration
type Config struct {
	// PageSize is the number of posts requested per page
	PageSize int
	// InterPageDelay is waited between pages, on top of the fetcher's rate limiter
	InterPageDelay time.Duration
	// Horizon is how far back from now the walk goes
	Horizon time.Duration
}

// DefaultConfig returns 100 posts per page, 1s between pages and a 365 day horizon
func DefaultConfig() Config {
	return Config{
		PageSize:       100,
		InterPageDelay: time.Second,
		Horizon:        365 * 24 * time.Hour,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.PageSize < 1 {
		return fmt.Errorf("page size must be >= 1 (got %d)", c.PageSize)
	}
	if c.InterPageDelay < 0 {
		return fmt.Errorf("inter-page delay must be >= 0 (got %s)", c.InterPageDelay)
	}
	if c.Horizon <= 0 {
		return fmt.Errorf("horizon must be > 0 (got %s)", c.Horizon)
	}
	return nil
}

// Fetcher returns one page of a subject's posts, newest first.
// An empty cursor requests the newest page.
type Fetcher interface {
	List(ctx context.Context, subject, cursor string, pageSize int) (record.Page, error)
}

// Visitor is called with every non-empty page in walk order.
// A non-nil error stops the walk and is returned by Walk.
type Visitor func(ctx context.Context, page record.Page) error

// Result is the progress of a walk.
type Result struct {
	Pages   int
	Records int
	// Cursor is the next cursor of the last visited page.
	Cursor string
	Oldest time.Time
	Newest time.Time
	// Reason is set when the walk ended without error.
	Reason Reason
}

// Option configures a Walker.
type Option func(*Walker)

// WithClock replaces the clock used to compute the horizon.
func WithClock(now func() time.Time) Option {
	return func(w *Walker) { w.now = now }
}

// Walker follows the next cursor of a paginated listing.
type Walker struct {
	fetcher Fetcher
	config  Config
	logger  zerolog.Logger
	now     func() time.Time
}

// NewWalker creates a walker
func NewWalker(fetcher Fetcher, config Config, logger zerolog.Logger, opts ...Option) (*Walker, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	w := &Walker{
		fetcher: fetcher,
		config:  config,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Walk fetches the pages of subject from newest to oldest and visits each
// non-empty one. It stops at the first empty page, at the first page reaching
// the horizon or at the first page without a next cursor.
//
// Fetch errors, visitor errors and context cancellation end the walk with the
// progress made so far. Nothing is retried.
func (w *Walker) Walk(ctx context.Context, subject string, visit Visitor) (Result, error) {
	var res Result
	start := time.Now()
	cursor := ""

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		page, err := w.fetcher.List(ctx, subject, cursor, w.config.PageSize)
		if err != nil {
			return res, fmt.Errorf("fetch page %d: %w", res.Pages+1, err)
		}

		if len(page.Records) == 0 {
			res.Reason = ReasonEmptyPage
			break
		}

		res.Pages++
		res.Records += len(page.Records)
		res.Cursor = page.NextCursor
		oldest, newest := page.Oldest(), page.Newest()
		if res.Oldest.IsZero() || oldest.Before(res.Oldest) {
			res.Oldest = oldest
		}
		if newest.After(res.Newest) {
			res.Newest = newest
		}

		if err := visit(ctx, page); err != nil {
			return res, err
		}

		w.logger.Debug().
			Str("subject", subject).
			Int("page", res.Pages).
			Int("records", len(page.Records)).
			Time("oldest", oldest).
			Msg("Page visited")

		if !oldest.After(w.now().Add(-w.config.Horizon)) {
			res.Reason = ReasonHorizonReached
			break
		}
		if page.NextCursor == "" {
			res.Reason = ReasonNoNextCursor
			break
		}
		cursor = page.NextCursor

		if err := w.wait(ctx); err != nil {
			return res, err
		}
	}

	w.logger.Info().
		Str("subject", subject).
		Int("pages", res.Pages).
		Int("records", res.Records).
		Str("reason", string(res.Reason)).
		Dur("duration", time.Since(start)).
		Msg("Walk complete")

	return res, nil
}

func (w *Walker) wait(ctx context.Context) error {
	if w.config.InterPageDelay <= 0 {
		return nil
	}
	timer := time.NewTimer(w.config.InterPageDelay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
