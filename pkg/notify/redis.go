package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultChannelPrefix namespaces Redis channels.
const DefaultChannelPrefix = "tickertrail:"

// RedisBus publishes events over Redis pub/sub so several tickertrail
// processes and external consumers can follow the same subjects.
type RedisBus struct {
	client *redis.Client
	prefix string
	logger zerolog.Logger

	mu     sync.Mutex
	subs   map[*redis.PubSub]struct{}
	closed bool
}

// NewRedisBus creates a bus on top of an existing Redis client.
func NewRedisBus(client *redis.Client, prefix string, logger zerolog.Logger) *RedisBus {
	if client == nil {
		panic("redis client cannot be nil")
	}
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &RedisBus{
		client: client,
		prefix: prefix,
		logger: logger,
		subs:   make(map[*redis.PubSub]struct{}),
	}
}

func (b *RedisBus) channel(topic string) string {
	return b.prefix + topic
}

// Publish implements Publisher.
func (b *RedisBus) Publish(ctx context.Context, event Event) error {
	if b.isClosed() {
		return ErrBusClosed
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel(event.Topic), data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", event.Topic, err)
	}

	publishedTotal.WithLabelValues("redis", event.Type).Inc()
	return nil
}

// Subscribe implements Bus. It returns once Redis has confirmed the subscription.
func (b *RedisBus) Subscribe(ctx context.Context, topics ...string) (*Subscription, error) {
	if b.isClosed() {
		return nil, ErrBusClosed
	}
	if len(topics) == 0 {
		return nil, fmt.Errorf("at least one topic is required")
	}

	channels := make([]string, len(topics))
	for i, topic := range topics {
		channels[i] = b.channel(topic)
	}

	pubsub := b.client.Subscribe(ctx, channels...)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	b.mu.Lock()
	b.subs[pubsub] = struct{}{}
	b.mu.Unlock()
	subscribersGauge.WithLabelValues("redis").Inc()

	out := make(chan Event)
	done := make(chan struct{})
	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			close(done)
			b.mu.Lock()
			delete(b.subs, pubsub)
			b.mu.Unlock()
			if err := pubsub.Close(); err != nil {
				b.logger.Debug().Err(err).Msg("Redis pubsub close")
			}
			subscribersGauge.WithLabelValues("redis").Dec()
		})
	}

	go func() {
		defer close(out)
		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				unsubscribe()
				return
			case <-done:
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					b.logger.Warn().
						Err(err).
						Str("channel", msg.Channel).
						Msg("Dropping undecodable event")
					continue
				}
				if event.Topic == "" {
					event.Topic = strings.TrimPrefix(msg.Channel, b.prefix)
				}
				select {
				case out <- event:
				case <-done:
					return
				case <-ctx.Done():
					unsubscribe()
					return
				}
			}
		}
	}()

	return &Subscription{C: out, close: unsubscribe}, nil
}

// Close closes every open subscription. The Redis client itself is owned by the caller.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*redis.PubSub, 0, len(b.subs))
	for ps := range b.subs {
		subs = append(subs, ps)
	}
	b.subs = make(map[*redis.PubSub]struct{})
	b.mu.Unlock()

	for _, ps := range subs {
		_ = ps.Close()
	}
	return nil
}

func (b *RedisBus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
