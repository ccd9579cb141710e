package notify

import (
	"context"
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ErrBusClosed is returned by Publish and Subscribe after Close.
	ErrBusClosed = errors.New("notification bus closed")

	publishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tickertrail_notify_published_total",
		Help: "Events published by bus backend and event type",
	}, []string{"backend", "type"})

	subscribersGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tickertrail_notify_subscribers",
		Help: "Active subscriptions by bus backend",
	}, []string{"backend"})
)

// MemoryBus is an in-process Bus. Each subscriber owns an unbounded queue
// drained by its own goroutine, so Publish never waits on a consumer.
type MemoryBus struct {
	mu     sync.RWMutex
	topics map[string]map[*memorySubscriber]struct{}
	closed bool
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{topics: make(map[string]map[*memorySubscriber]struct{})}
}

type memorySubscriber struct {
	mu      sync.Mutex
	pending []Event
	signal  chan struct{}
	out     chan Event
	done    chan struct{}
	once    sync.Once
}

func newMemorySubscriber() *memorySubscriber {
	s := &memorySubscriber{
		signal: make(chan struct{}, 1),
		out:    make(chan Event),
		done:   make(chan struct{}),
	}
	go s.pump()
	return s
}

func (s *memorySubscriber) enqueue(e Event) {
	s.mu.Lock()
	s.pending = append(s.pending, e)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *memorySubscriber) pump() {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case <-s.signal:
		}

		s.mu.Lock()
		batch := s.pending
		s.pending = nil
		s.mu.Unlock()

		for _, e := range batch {
			select {
			case s.out <- e:
			case <-s.done:
				return
			}
		}
	}
}

func (s *memorySubscriber) stop() {
	s.once.Do(func() {
		close(s.done)
		subscribersGauge.WithLabelValues("memory").Dec()
	})
}

// Publish implements Publisher.
func (b *MemoryBus) Publish(_ context.Context, event Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrBusClosed
	}
	for sub := range b.topics[event.Topic] {
		sub.enqueue(event)
	}
	publishedTotal.WithLabelValues("memory", event.Type).Inc()
	return nil
}

// Subscribe implements Bus. The subscription ends when ctx is done or Close is called.
func (b *MemoryBus) Subscribe(ctx context.Context, topics ...string) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}

	sub := newMemorySubscriber()
	for _, topic := range topics {
		if b.topics[topic] == nil {
			b.topics[topic] = make(map[*memorySubscriber]struct{})
		}
		b.topics[topic][sub] = struct{}{}
	}
	subscribersGauge.WithLabelValues("memory").Inc()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			for _, topic := range topics {
				delete(b.topics[topic], sub)
				if len(b.topics[topic]) == 0 {
					delete(b.topics, topic)
				}
			}
			b.mu.Unlock()
			sub.stop()
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			unsubscribe()
		case <-sub.done:
		}
	}()

	return &Subscription{C: sub.out, close: unsubscribe}, nil
}

// Close ends every subscription.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make(map[*memorySubscriber]struct{})
	for _, set := range b.topics {
		for sub := range set {
			subs[sub] = struct{}{}
		}
	}
	b.topics = make(map[string]map[*memorySubscriber]struct{})
	b.mu.Unlock()

	for sub := range subs {
		sub.stop()
	}
	return nil
}
