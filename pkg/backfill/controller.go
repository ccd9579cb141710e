// Package backfill walks the history of a subject page by page in the
// background, up to a lookback horizon.
//
// Each subject has at most one active job. Starting a backfill for a subject
// that is already fetching supersedes the running one: the generation is
// bumped and the old continuation turns into a no-op at its next step. Every
// transition is published as a backfill_progress event on the subject's
// backfill topic.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/tickertrail/pkg/notify"
	"github.com/Sternrassler/tickertrail/pkg/pagination"
	"github.com/Sternrassler/tickertrail/pkg/record"
)

// publishTimeout bounds progress publishing of continuations.
const publishTimeout = 5 * time.Second

var (
	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("backfill controller closed")

	errSuperseded = errors.New("superseded by a newer backfill")
)

// Submitter receives every record a backfill upserts.
type Submitter interface {
	Submit(ctx context.Context, rec record.Record) (bool, error)
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock replaces the clock used for timestamps and the horizon.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

type entry struct {
	job    Job
	cancel context.CancelFunc
	done   chan struct{}

	// publishMu orders the check of the generation and the publish that
	// follows it, so a stale continuation never publishes after a newer Start.
	publishMu sync.Mutex
}

// Controller owns the backfill jobs of all subjects.
type Controller struct {
	walker    *pagination.Walker
	store     record.Store
	submitter Submitter
	bus       notify.Publisher
	cfg       Config
	logger    zerolog.Logger
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
	jobs   map[string]*entry
}

// New creates a controller. submitter and bus may be nil.
func New(fetcher pagination.Fetcher, store record.Store, submitter Submitter, bus notify.Publisher, cfg Config, logger zerolog.Logger, opts ...Option) (*Controller, error) {
	if store == nil {
		return nil, fmt.Errorf("record store is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		store:     store,
		submitter: submitter,
		bus:       bus,
		cfg:       cfg,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		ctx:       ctx,
		cancel:    cancel,
		jobs:      make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(c)
	}

	walker, err := pagination.NewWalker(fetcher, cfg.walker(), logger, pagination.WithClock(c.now))
	if err != nil {
		cancel()
		return nil, err
	}
	c.walker = walker
	return c, nil
}

// Start begins a backfill of subject and returns the new job. A running
// backfill of the same subject is superseded.
//
// The continuation runs until it completes, fails, is superseded or the
// controller is closed; ctx only bounds the initial publish.
func (c *Controller) Start(ctx context.Context, subject string) (Job, error) {
	subject, err := record.NormalizeSubject(subject)
	if err != nil {
		return Job{}, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Job{}, ErrClosed
	}
	e, ok := c.jobs[subject]
	if !ok {
		e = &entry{job: Job{Subject: subject, Status: StatusIdle}}
		c.jobs[subject] = e
	}
	c.mu.Unlock()

	e.publishMu.Lock()
	defer e.publishMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Job{}, ErrClosed
	}
	superseded := e.job.Active()
	if e.cancel != nil {
		e.cancel()
	}
	now := c.now()
	e.job = Job{
		Subject:    subject,
		Status:     StatusFetching,
		Generation: e.job.Generation + 1,
		StartedAt:  now,
		UpdatedAt:  now,
	}
	runCtx, cancel := context.WithCancel(c.ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	job, done := e.job, e.done
	c.wg.Add(1)
	c.mu.Unlock()

	jobsActive.Inc()
	go c.run(runCtx, job, done)

	c.logger.Info().
		Str("subject", subject).
		Uint64("generation", job.Generation).
		Bool("superseded", superseded).
		Msg("Backfill started")

	c.publish(ctx, job)
	return job, nil
}

// Status returns the job of subject.
func (c *Controller) Status(subject string) (Job, bool) {
	subject, err := record.NormalizeSubject(subject)
	if err != nil {
		return Job{}, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.jobs[subject]
	if !ok {
		return Job{}, false
	}
	return e.job, true
}

// Jobs returns all jobs ordered by subject.
func (c *Controller) Jobs() []Job {
	c.mu.Lock()
	jobs := make([]Job, 0, len(c.jobs))
	for _, e := range c.jobs {
		jobs = append(jobs, e.job)
	}
	c.mu.Unlock()

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Subject < jobs[j].Subject })
	return jobs
}

// Wait blocks until the current continuation of subject has ended and
// returns its job.
func (c *Controller) Wait(ctx context.Context, subject string) (Job, error) {
	subject, err := record.NormalizeSubject(subject)
	if err != nil {
		return Job{}, err
	}

	c.mu.Lock()
	e, ok := c.jobs[subject]
	var done chan struct{}
	if ok {
		done = e.done
	}
	c.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return Job{}, ctx.Err()
		}
	}

	job, _ := c.Status(subject)
	return job, nil
}

// Close cancels all continuations and waits for them to end.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	c.logger.Info().Msg("Backfill controller stopped")
}

func (c *Controller) run(ctx context.Context, job Job, done chan struct{}) {
	defer c.wg.Done()
	defer close(done)
	defer jobsActive.Dec()

	subject, gen := job.Subject, job.Generation

	res, err := c.walker.Walk(ctx, subject, func(ctx context.Context, page record.Page) error {
		return c.visit(ctx, subject, gen, page)
	})

	switch {
	case errors.Is(err, errSuperseded) || (err != nil && !c.isCurrent(subject, gen)):
		c.logger.Debug().
			Str("subject", subject).
			Uint64("generation", gen).
			Msg("Superseded backfill stopped")
	case err != nil:
		pagesTotal.WithLabelValues("error").Inc()
		c.logger.Warn().
			Err(err).
			Str("subject", subject).
			Uint64("generation", gen).
			Int("pages", res.Pages).
			Msg("Backfill failed")
		c.finish(subject, gen, StatusError, "", err.Error())
	default:
		c.finish(subject, gen, StatusComplete, res.Reason, "backfill complete: "+string(res.Reason))
	}
}

// visit upserts and submits one page for generation gen of subject.
func (c *Controller) visit(ctx context.Context, subject string, gen uint64, page record.Page) error {
	stored := make([]record.Record, 0, len(page.Records))
	for _, rec := range page.Records {
		if !c.isCurrent(subject, gen) {
			return errSuperseded
		}
		rec.Subject = subject
		s, _, err := c.store.Upsert(ctx, rec)
		if err != nil {
			return fmt.Errorf("upsert %s: %w", rec.NaturalKey, err)
		}
		stored = append(stored, s)
	}
	recordsTotal.Add(float64(len(stored)))

	if c.submitter != nil {
		for _, rec := range stored {
			if !c.isCurrent(subject, gen) {
				return errSuperseded
			}
			if _, err := c.submitter.Submit(ctx, rec); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				c.logger.Warn().Err(err).Str("natural_key", rec.NaturalKey).Msg("Failed to submit record")
			}
		}
	}

	ok := c.update(ctx, subject, gen, func(j *Job) {
		j.observe(len(page.Records), page.Oldest(), page.Newest(), page.NextCursor)
		j.Message = fmt.Sprintf("fetched %d records", j.TotalFetched)
	})
	if !ok {
		return errSuperseded
	}
	pagesTotal.WithLabelValues("ok").Inc()
	return nil
}

func (c *Controller) finish(subject string, gen uint64, status Status, reason pagination.Reason, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	ok := c.update(ctx, subject, gen, func(j *Job) {
		j.Status = status
		j.Reason = reason
		j.Message = message
	})
	if !ok {
		return
	}

	c.logger.Info().
		Str("subject", subject).
		Uint64("generation", gen).
		Str("status", string(status)).
		Str("reason", string(reason)).
		Msg("Backfill finished")
}

// update applies mutate to the job of subject and publishes the result if gen
// is still the current generation. It reports whether it did.
func (c *Controller) update(ctx context.Context, subject string, gen uint64, mutate func(*Job)) bool {
	c.mu.Lock()
	e, ok := c.jobs[subject]
	c.mu.Unlock()
	if !ok {
		return false
	}

	e.publishMu.Lock()
	defer e.publishMu.Unlock()

	c.mu.Lock()
	if e.job.Generation != gen {
		c.mu.Unlock()
		return false
	}
	mutate(&e.job)
	e.job.UpdatedAt = c.now()
	job := e.job
	c.mu.Unlock()

	c.publish(ctx, job)
	return true
}

func (c *Controller) isCurrent(subject string, gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.jobs[subject]
	return ok && e.job.Generation == gen
}

func (c *Controller) publish(ctx context.Context, job Job) {
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
	}
	err := notify.Publish(ctx, c.bus, notify.BackfillTopic(job.Subject), notify.TypeBackfillProgress, job.Subject, job)
	if err != nil {
		c.logger.Warn().Err(err).Str("subject", job.Subject).Msg("Failed to publish backfill progress")
	}
}
