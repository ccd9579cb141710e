package record

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a Store kept in process memory. It is used by tests and by
// the "memory" store driver.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
	clock   func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]Record),
		clock:   func() time.Time { return time.Now().UTC() },
	}
}

// Upsert implements Store.
func (m *MemoryStore) Upsert(_ context.Context, rec Record) (Record, bool, error) {
	if err := Validate(rec); err != nil {
		return Record{}, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	existing, ok := m.records[rec.NaturalKey]
	if !ok {
		stored := rec.Clone()
		if stored.State == "" {
			stored.State = StateUnprocessed
		}
		stored.Version = 1
		stored.UpdatedAt = now
		m.records[rec.NaturalKey] = stored
		return stored.Clone(), true, nil
	}

	existing.Payload = rec.Payload
	existing.CreatedAt = rec.CreatedAt
	existing.Version++
	existing.UpdatedAt = now
	m.records[rec.NaturalKey] = existing
	return existing.Clone(), false, nil
}

// Transition implements Store.
func (m *MemoryStore) Transition(_ context.Context, key string, from, to State, result Result) (Record, error) {
	if !to.IsValid() {
		return Record{}, fmt.Errorf("%w: unknown state %q", ErrValidation, to)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.records[key]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if existing.State != from {
		return Record{}, fmt.Errorf("%w: %s is %s, expected %s", ErrStateConflict, key, existing.State, from)
	}

	existing.State = to
	existing.Result = Record{Result: result}.Clone().Result
	existing.Version++
	existing.UpdatedAt = m.clock()
	m.records[key] = existing
	return existing.Clone(), nil
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, key string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[key]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return rec.Clone(), nil
}

// List implements Store.
func (m *MemoryStore) List(_ context.Context, subject string) ([]Record, error) {
	return m.filter(func(r Record) bool { return r.Subject == subject }), nil
}

// ListByState implements Store.
func (m *MemoryStore) ListByState(_ context.Context, subject string, state State) ([]Record, error) {
	return m.filter(func(r Record) bool { return r.Subject == subject && r.State == state }), nil
}

// Count implements Store.
func (m *MemoryStore) Count(_ context.Context, subject string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, r := range m.records {
		if r.Subject == subject {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) filter(keep func(Record) bool) []Record {
	m.mu.RLock()
	out := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		if keep(r) {
			out = append(out, r.Clone())
		}
	}
	m.mu.RUnlock()

	SortNewestFirst(out)
	return out
}

// SortNewestFirst orders records by CreatedAt descending, then by key.
func SortNewestFirst(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.After(records[j].CreatedAt)
		}
		return records[i].NaturalKey < records[j].NaturalKey
	})
}
