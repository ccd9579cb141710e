// Package enrich runs the asynchronous enrichment pipeline: classification of
// records and price lookups for identifiers.
//
// Tasks fan out to a bounded worker pool. Workers only talk to the upstream
// services; each returns a merge step over a result channel and a single
// merger goroutine applies them, so store transitions and the price table are
// never written concurrently. A record or identifier has at most one task in
// flight at a time.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/tickertrail/pkg/aggregate"
	"github.com/Sternrassler/tickertrail/pkg/notify"
	"github.com/Sternrassler/tickertrail/pkg/record"
)

// mergeTimeout bounds the store write of a merge step.
const mergeTimeout = 10 * time.Second

// Classifier extracts identifiers and a direction from a payload.
type Classifier interface {
	Classify(ctx context.Context, payload string) (record.Classification, error)
}

// PriceSource looks up daily prices. A nil point with a nil error means no data.
type PriceSource interface {
	PriceOnOrBefore(ctx context.Context, symbol string, date time.Time) (*record.PricePoint, error)
	PriceAfter(ctx context.Context, symbol string, date time.Time, months int) (*record.PricePoint, error)
	MostRecentPrice(ctx context.Context, symbol string) (*record.PricePoint, error)
}

type task struct {
	key     string
	kind    string
	subject string

	// run does the upstream work and returns the step the merger applies.
	run func(ctx context.Context) func()
	// abandon undoes the submission of a task that never ran.
	abandon func()

	done chan struct{}
}

type completion struct {
	task  *task
	merge func()
}

// Coordinator owns the worker pool, the merger and the per-subject price table.
type Coordinator struct {
	store      record.Store
	classifier Classifier
	prices     PriceSource
	bus        notify.Publisher
	cfg        Config
	logger     zerolog.Logger
	now        func() time.Time

	tasks   chan *task
	results chan completion

	ctx    context.Context
	cancel context.CancelFunc

	sendMu sync.RWMutex
	closed bool

	mu       sync.Mutex
	started  bool
	inflight map[string]*task
	idle     chan struct{}
	priced   map[string]map[string]aggregate.IdentifierStat

	workers    sync.WaitGroup
	mergerDone chan struct{}
	startOnce  sync.Once
	closeOnce  sync.Once
}

// New creates a coordinator. bus may be nil. Call Start to begin processing.
func New(store record.Store, classifier Classifier, prices PriceSource, bus notify.Publisher, cfg Config, logger zerolog.Logger) (*Coordinator, error) {
	if store == nil {
		return nil, fmt.Errorf("record store is required")
	}
	if classifier == nil {
		return nil, fmt.Errorf("classifier is required")
	}
	if prices == nil {
		return nil, fmt.Errorf("price source is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("enrich config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)

	return &Coordinator{
		store:      store,
		classifier: classifier,
		prices:     prices,
		bus:        bus,
		cfg:        cfg,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
		tasks:      make(chan *task, cfg.QueueSize),
		results:    make(chan completion, cfg.Workers),
		ctx:        ctx,
		cancel:     cancel,
		inflight:   make(map[string]*task),
		idle:       idle,
		priced:     make(map[string]map[string]aggregate.IdentifierStat),
		mergerDone: make(chan struct{}),
	}, nil
}

// Start launches the workers and the merger.
func (c *Coordinator) Start() {
	c.startOnce.Do(func() {
		c.mu.Lock()
		c.started = true
		c.mu.Unlock()

		for i := 0; i < c.cfg.Workers; i++ {
			c.workers.Add(1)
			go c.worker(i)
		}
		go c.mergeLoop()

		c.logger.Info().
			Int("workers", c.cfg.Workers).
			Int("queue_size", c.cfg.QueueSize).
			Msg("Enrichment coordinator started")
	})
}

// Close stops the workers after their current task, applies the pending
// merges and hands queued records back to the unprocessed state.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		c.cancel()

		c.sendMu.Lock()
		c.closed = true
		c.sendMu.Unlock()

		c.mu.Lock()
		started := c.started
		c.mu.Unlock()

		if started {
			c.workers.Wait()
			close(c.results)
			<-c.mergerDone
		}

		abandoned := 0
		for drained := false; !drained; {
			select {
			case t := <-c.tasks:
				t.abandon()
				c.finish(t)
				abandoned++
			default:
				drained = true
			}
		}

		c.logger.Info().Int("abandoned", abandoned).Msg("Enrichment coordinator stopped")
	})
}

// Submit starts the classification of rec if it is unprocessed, waiting for
// room in the queue.
//
// The unprocessed to processing transition is a compare-and-swap in the
// store; if it fails because the record moved on, Submit returns false and
// does nothing.
func (c *Coordinator) Submit(ctx context.Context, rec record.Record) (bool, error) {
	t, err := c.submit(ctx, rec, true)
	return t != nil, err
}

// TrySubmit is Submit without the wait: when the queue is full the record
// stays unprocessed and ErrQueueFull is returned. Resume picks it up later.
func (c *Coordinator) TrySubmit(ctx context.Context, rec record.Record) (bool, error) {
	t, err := c.submit(ctx, rec, false)
	return t != nil, err
}

func (c *Coordinator) submit(ctx context.Context, rec record.Record, wait bool) (*task, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	if !wait && len(c.tasks) == cap(c.tasks) {
		return nil, ErrQueueFull
	}

	t := c.recordTask(rec)
	if !c.register(t) {
		return nil, nil
	}
	return c.claim(ctx, t, rec.NaturalKey, wait)
}

func (c *Coordinator) recordTask(rec record.Record) *task {
	return &task{
		key:     "record:" + rec.NaturalKey,
		kind:    KindClassify,
		subject: rec.Subject,
		done:    make(chan struct{}),
	}
}

// claim moves the record of the registered task t from unprocessed to
// processing and queues t. Unless t is returned its key is released.
func (c *Coordinator) claim(ctx context.Context, t *task, key string, wait bool) (*task, error) {
	processing, err := c.store.Transition(ctx, key, record.StateUnprocessed, record.StateProcessing, record.Result{})
	if err != nil {
		c.finish(t)
		if errors.Is(err, record.ErrStateConflict) {
			tasksTotal.WithLabelValues(KindClassify, "skipped").Inc()
			return nil, nil
		}
		return nil, fmt.Errorf("claim %s: %w", key, err)
	}

	t.run = c.classifyRun(processing)
	t.abandon = func() { c.release(processing) }
	c.publishRecord(ctx, processing)

	if err := c.enqueue(ctx, t, wait); err != nil {
		if released, ok := c.release(processing); ok {
			c.publishRecord(context.WithoutCancel(ctx), released)
		}
		c.finish(t)
		return nil, err
	}
	return t, nil
}

// Resume resubmits the records of subject that have no task: unprocessed
// ones left behind by a full queue and processing ones left by a previous
// process that stopped mid-flight. It never waits for room in the queue and
// returns how many were resubmitted.
func (c *Coordinator) Resume(ctx context.Context, subject string) (int, error) {
	if c.isClosed() {
		return 0, ErrClosed
	}

	n := 0
	for _, from := range []record.State{record.StateProcessing, record.StateUnprocessed} {
		recs, err := c.store.ListByState(ctx, subject, from)
		if err != nil {
			return n, fmt.Errorf("list %s records: %w", from, err)
		}

		for _, rec := range recs {
			t := c.recordTask(rec)
			if !c.register(t) {
				continue
			}
			if from == record.StateProcessing {
				_, err := c.store.Transition(ctx, rec.NaturalKey, record.StateProcessing, record.StateUnprocessed, record.Result{})
				if err != nil {
					c.finish(t)
					if errors.Is(err, record.ErrStateConflict) {
						continue
					}
					return n, err
				}
			}

			claimed, err := c.claim(ctx, t, rec.NaturalKey, false)
			if errors.Is(err, ErrQueueFull) {
				c.logger.Debug().Str("subject", subject).Int("records", n).Msg("Queue full, resume deferred")
				return n, nil
			}
			if err != nil {
				return n, err
			}
			if claimed != nil {
				n++
			}
		}
	}

	if n > 0 {
		c.logger.Info().Str("subject", subject).Int("records", n).Msg("Resumed records without a task")
	}
	return n, nil
}

// InFlight returns the number of submitted tasks not yet merged.
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

// WaitIdle blocks until no task is in flight or ctx is done.
func (c *Coordinator) WaitIdle(ctx context.Context) error {
	c.mu.Lock()
	idle := c.idle
	c.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) worker(id int) {
	defer c.workers.Done()
	processed := 0

	for {
		select {
		case <-c.ctx.Done():
			c.logger.Debug().
				Int("worker_id", id).
				Int("tasks_processed", processed).
				Msg("Worker stopping")
			return
		case t := <-c.tasks:
			start := time.Now()
			// Limiter waits are unbounded; the HTTP client bounds each exchange.
			merge := t.run(c.ctx)
			taskDuration.WithLabelValues(t.kind).Observe(time.Since(start).Seconds())

			c.results <- completion{task: t, merge: merge}
			processed++
		}
	}
}

func (c *Coordinator) mergeLoop() {
	defer close(c.mergerDone)
	for comp := range c.results {
		if comp.merge != nil {
			comp.merge()
		}
		c.finish(comp.task)
	}
}

func (c *Coordinator) enqueue(ctx context.Context, t *task, wait bool) error {
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()

	if c.closed {
		return ErrClosed
	}
	if !wait {
		select {
		case c.tasks <- t:
			return nil
		default:
			return ErrQueueFull
		}
	}
	select {
	case c.tasks <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrClosed
	}
}

func (c *Coordinator) isClosed() bool {
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()
	return c.closed
}

// register claims the key of t. It returns false if a task for the key is in flight.
func (c *Coordinator) register(t *task) bool {
	return c.tryRegister(t) == nil
}

// registerWait claims the key of t, first waiting for the task in flight on
// that key, if any, to be merged.
func (c *Coordinator) registerWait(ctx context.Context, t *task) error {
	for {
		busy := c.tryRegister(t)
		if busy == nil {
			return nil
		}
		select {
		case <-busy.done:
		case <-ctx.Done():
			return ctx.Err()
		case <-c.ctx.Done():
			return ErrClosed
		}
	}
}

// tryRegister claims the key of t and returns nil, or returns the task
// already holding it.
func (c *Coordinator) tryRegister(t *task) *task {
	c.mu.Lock()
	defer c.mu.Unlock()

	if busy, ok := c.inflight[t.key]; ok {
		return busy
	}
	if len(c.inflight) == 0 {
		c.idle = make(chan struct{})
	}
	c.inflight[t.key] = t
	tasksInflight.WithLabelValues(t.kind).Inc()
	return nil
}

func (c *Coordinator) finish(t *task) {
	c.mu.Lock()
	delete(c.inflight, t.key)
	if len(c.inflight) == 0 {
		close(c.idle)
	}
	c.mu.Unlock()

	tasksInflight.WithLabelValues(t.kind).Dec()
	close(t.done)
}

func (c *Coordinator) classifyRun(rec record.Record) func(ctx context.Context) func() {
	return func(ctx context.Context) func() {
		cls, err := c.classifier.Classify(ctx, rec.Payload)
		return func() { c.applyClassification(rec, cls, err) }
	}
}

func (c *Coordinator) applyClassification(rec record.Record, cls record.Classification, classifyErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), mergeTimeout)
	defer cancel()

	var (
		to      record.State
		result  record.Result
		outcome string
	)
	switch {
	case classifyErr != nil && c.ctx.Err() != nil:
		to, outcome = record.StateUnprocessed, "abandoned"
	case classifyErr != nil:
		failedAt := c.now()
		to, outcome = record.StateFailed, "failed"
		result = record.Result{Error: classifyErr.Error(), FailedAt: &failedAt}
	default:
		to, outcome = record.StateEnriched, "enriched"
		result = record.Result{
			Identifiers: cls.Identifiers,
			Direction:   cls.Direction,
			Confidence:  cls.Confidence,
		}
	}

	updated, err := c.store.Transition(ctx, rec.NaturalKey, record.StateProcessing, to, result)
	if err != nil {
		tasksTotal.WithLabelValues(KindClassify, "conflict").Inc()
		c.logger.Error().
			Err(err).
			Str("subject", rec.Subject).
			Str("natural_key", rec.NaturalKey).
			Str("to", string(to)).
			Msg("Failed to merge classification")
		return
	}
	tasksTotal.WithLabelValues(KindClassify, outcome).Inc()

	if classifyErr != nil && outcome == "failed" {
		c.logger.Warn().
			Err(classifyErr).
			Str("subject", rec.Subject).
			Str("natural_key", rec.NaturalKey).
			Msg("Classification failed")
	} else {
		c.logger.Debug().
			Str("subject", rec.Subject).
			Str("natural_key", rec.NaturalKey).
			Str("state", string(updated.State)).
			Strs("identifiers", updated.Result.Identifiers).
			Msg("Classification merged")
	}

	if outcome != "abandoned" {
		c.publishRecord(ctx, updated)
	}
}

// release hands a claimed record back to the unprocessed state.
func (c *Coordinator) release(rec record.Record) (record.Record, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), mergeTimeout)
	defer cancel()

	released, err := c.store.Transition(ctx, rec.NaturalKey, record.StateProcessing, record.StateUnprocessed, record.Result{})
	if err != nil {
		c.logger.Warn().Err(err).Str("natural_key", rec.NaturalKey).Msg("Failed to release record")
		return record.Record{}, false
	}
	tasksTotal.WithLabelValues(KindClassify, "abandoned").Inc()
	return released, true
}

func (c *Coordinator) publishRecord(ctx context.Context, rec record.Record) {
	err := notify.Publish(ctx, c.bus, notify.RecordsTopic(rec.Subject), notify.TypeRecordUpdated, rec.Subject, rec)
	if err != nil {
		c.logger.Warn().Err(err).Str("natural_key", rec.NaturalKey).Msg("Failed to publish record update")
	}
}
