// Package notify fans out state changes to subscribers per topic.
//
// Delivery is at-least-once with no ordering guarantee across topics; events
// from one publisher on one topic arrive in publish order. Consumers merge
// payloads by key and must tolerate duplicates.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event types.
const (
	TypeBackfillProgress  = "backfill_progress"
	TypeRecordUpdated     = "record_updated"
	TypeIdentifierUpdated = "identifier_updated"
)

// BackfillTopic is the per-subject topic carrying backfill progress.
func BackfillTopic(subject string) string { return "backfill:" + subject }

// RecordsTopic is the per-subject topic carrying record updates.
func RecordsTopic(subject string) string { return "records:" + subject }

// IdentifiersTopic is the per-subject topic carrying priced identifier stats.
func IdentifiersTopic(subject string) string { return "identifiers:" + subject }

// SubjectTopics returns every topic published for subject.
func SubjectTopics(subject string) []string {
	return []string{BackfillTopic(subject), RecordsTopic(subject), IdentifiersTopic(subject)}
}

// Event is the envelope published on a topic.
type Event struct {
	ID         string          `json:"id"`
	Topic      string          `json:"topic"`
	Type       string          `json:"type"`
	Subject    string          `json:"subject"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

// NewEvent wraps payload in an envelope with a fresh id.
func NewEvent(topic, eventType, subject string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Event{
		ID:         uuid.NewString(),
		Topic:      topic,
		Type:       eventType,
		Subject:    subject,
		OccurredAt: time.Now().UTC(),
		Data:       data,
	}, nil
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s event: %w", e.Type, err)
	}
	return nil
}

// Publisher publishes events. Publish must not block on slow subscribers.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Bus is a Publisher that also supports subscriptions.
type Bus interface {
	Publisher
	Subscribe(ctx context.Context, topics ...string) (*Subscription, error)
	Close() error
}

// Subscription delivers the events of one or more topics on C until closed.
type Subscription struct {
	C <-chan Event

	close func()
}

// Close stops delivery. C is closed once pending events are dropped.
func (s *Subscription) Close() {
	if s != nil && s.close != nil {
		s.close()
	}
}

// Publish is a helper that builds an event and publishes it on p.
func Publish(ctx context.Context, p Publisher, topic, eventType, subject string, payload any) error {
	if p == nil {
		return nil
	}
	event, err := NewEvent(topic, eventType, subject, payload)
	if err != nil {
		return err
	}
	return p.Publish(ctx, event)
}
