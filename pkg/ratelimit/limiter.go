package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for request gating.
var (
	availableTokens = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tickertrail_ratelimit_available_tokens",
		Help: "Tokens left in the current window by service",
	}, []string{"service"})

	waitingCallers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tickertrail_ratelimit_waiting",
		Help: "Callers queued for a token by service",
	}, []string{"service"})

	acquiredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tickertrail_ratelimit_acquired_total",
		Help: "Total tokens handed out by service",
	}, []string{"service"})

	waitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tickertrail_ratelimit_wait_seconds",
		Help:    "Time callers spent waiting for a token by service",
		Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"service"})
)

// waiter is one pending Acquire call. ready is closed when a token is granted.
type waiter struct {
	ready chan struct{}
}

type cancelRequest struct {
	w *waiter
	// removed is true when the waiter was still queued, false when the token
	// had already been granted and was refunded.
	removed chan bool
}

// Limiter admits callers of one service under a fixed-window quota.
//
// A single goroutine owns the token counter and the FIFO queue. Acquire only
// exchanges messages with it, so callers never block the refill timer or
// each other.
type Limiter struct {
	service string
	cfg     Config
	logger  zerolog.Logger

	acquireCh chan *waiter
	cancelCh  chan cancelRequest
	stateCh   chan chan State

	ticker *time.Ticker
	tick   <-chan time.Time

	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

// New creates and starts a limiter for service.
func New(service string, cfg Config, logger zerolog.Logger) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("rate limit %s: %w", service, err)
	}
	ticker := time.NewTicker(cfg.Period)
	l := newLimiter(service, cfg, logger, ticker.C)
	l.ticker = ticker
	return l, nil
}

func newLimiter(service string, cfg Config, logger zerolog.Logger, tick <-chan time.Time) *Limiter {
	l := &Limiter{
		service:   service,
		cfg:       cfg,
		logger:    logger.With().Str("service", service).Logger(),
		acquireCh: make(chan *waiter),
		cancelCh:  make(chan cancelRequest),
		stateCh:   make(chan chan State),
		tick:      tick,
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	availableTokens.WithLabelValues(service).Set(float64(cfg.Capacity))
	waitingCallers.WithLabelValues(service).Set(0)
	go l.run()
	return l
}

// Service returns the service name the limiter gates.
func (l *Limiter) Service() string {
	return l.service
}

// Acquire blocks until a token is available and consumes it.
//
// Exhaustion is never an error: the caller is suspended until a later window.
// If ctx ends first the caller leaves the queue and ctx.Err() is returned; a
// token granted concurrently with the cancellation is handed back.
func (l *Limiter) Acquire(ctx context.Context) error {
	start := time.Now()
	w := &waiter{ready: make(chan struct{})}

	select {
	case l.acquireCh <- w:
	case <-l.stopped:
		return ErrLimiterClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-w.ready:
		acquiredTotal.WithLabelValues(l.service).Inc()
		waitSeconds.WithLabelValues(l.service).Observe(time.Since(start).Seconds())
		return nil
	case <-l.stopped:
		return ErrLimiterClosed
	case <-ctx.Done():
	}

	req := cancelRequest{w: w, removed: make(chan bool, 1)}
	select {
	case l.cancelCh <- req:
		if removed := <-req.removed; removed {
			l.logger.Debug().Dur("waited", time.Since(start)).Msg("Caller abandoned token wait")
		}
	case <-l.stopped:
	}
	return ctx.Err()
}

// State returns a snapshot of the limiter.
func (l *Limiter) State() State {
	reply := make(chan State, 1)
	select {
	case l.stateCh <- reply:
		return <-reply
	case <-l.stopped:
		return State{Service: l.service, Capacity: l.cfg.Capacity, Period: l.cfg.Period}
	}
}

// Close stops the refill timer and fails every queued caller with ErrLimiterClosed.
func (l *Limiter) Close() {
	l.closeOnce.Do(func() {
		close(l.done)
		<-l.stopped
		if l.ticker != nil {
			l.ticker.Stop()
		}
	})
}

func (l *Limiter) run() {
	defer close(l.stopped)

	tokens := l.cfg.Capacity
	var queue []*waiter

	release := func() {
		for tokens > 0 && len(queue) > 0 {
			close(queue[0].ready)
			queue[0] = nil
			queue = queue[1:]
			tokens--
		}
		availableTokens.WithLabelValues(l.service).Set(float64(tokens))
		waitingCallers.WithLabelValues(l.service).Set(float64(len(queue)))
	}

	for {
		select {
		case w := <-l.acquireCh:
			queue = append(queue, w)
			release()

		case req := <-l.cancelCh:
			removed := false
			for i, w := range queue {
				if w == req.w {
					queue = append(queue[:i], queue[i+1:]...)
					removed = true
					break
				}
			}
			if !removed {
				tokens = min(l.cfg.Capacity, tokens+1)
			}
			release()
			req.removed <- removed

		case <-l.tick:
			tokens = min(l.cfg.Capacity, tokens+l.cfg.Capacity)
			if len(queue) > 0 {
				l.logger.Debug().
					Int("waiting", len(queue)).
					Int("tokens", tokens).
					Msg("Window refilled, releasing waiters")
			}
			release()

		case reply := <-l.stateCh:
			reply <- State{
				Service:   l.service,
				Capacity:  l.cfg.Capacity,
				Available: tokens,
				Period:    l.cfg.Period,
				Waiting:   len(queue),
			}

		case <-l.done:
			if len(queue) > 0 {
				l.logger.Warn().Int("waiting", len(queue)).Msg("Limiter closed with queued callers")
			}
			waitingCallers.WithLabelValues(l.service).Set(0)
			return
		}
	}
}
