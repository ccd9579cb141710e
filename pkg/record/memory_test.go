package record

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testRecord(key string, at time.Time) Record {
	return Record{
		NaturalKey: key,
		Subject:    "alice",
		CreatedAt:  at,
		Payload:    "buying $AAPL here",
	}
}

func TestMemoryStoreUpsertKeepsEnrichmentState(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	created, isNew, err := store.Upsert(ctx, testRecord("1", at))
	require.NoError(t, err)
	require.True(t, isNew)
	require.Equal(t, StateUnprocessed, created.State)
	require.Equal(t, int64(1), created.Version)

	_, err = store.Transition(ctx, "1", StateUnprocessed, StateProcessing, Result{})
	require.NoError(t, err)

	refetched := testRecord("1", at)
	refetched.Payload = "edited"
	updated, isNew, err := store.Upsert(ctx, refetched)
	require.NoError(t, err)
	require.False(t, isNew)
	require.Equal(t, StateProcessing, updated.State)
	require.Equal(t, "edited", updated.Payload)
	require.Equal(t, int64(3), updated.Version)

	n, err := store.Count(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestMemoryStoreUpsertValidation(t *testing.T) {
	store := NewMemoryStore()

	_, _, err := store.Upsert(context.Background(), Record{Subject: "alice", CreatedAt: time.Now()})
	require.ErrorIs(t, err, ErrValidation)

	_, _, err = store.Upsert(context.Background(), Record{NaturalKey: "1", Subject: "alice"})
	require.ErrorIs(t, err, ErrValidation)
}

func TestMemoryStoreTransitionIsCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_, _, err := store.Upsert(ctx, testRecord("1", time.Now()))
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Transition(ctx, "1", StateUnprocessed, StateProcessing, Result{})
			if err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
				return
			}
			if !errors.Is(err, ErrStateConflict) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, winners)
}

func TestMemoryStoreTransitionUnknownKey(t *testing.T) {
	_, err := NewMemoryStore().Transition(context.Background(), "missing", StateUnprocessed, StateProcessing, Result{})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreListOrdering(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, key := range []string{"a", "b", "c"} {
		_, _, err := store.Upsert(ctx, testRecord(key, base.Add(time.Duration(i)*time.Hour)))
		require.NoError(t, err)
	}
	_, err := store.Transition(ctx, "b", StateUnprocessed, StateProcessing, Result{})
	require.NoError(t, err)

	all, err := store.List(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, []string{"c", "b", "a"}, keys(all))

	unprocessed, err := store.ListByState(ctx, "alice", StateUnprocessed)
	require.NoError(t, err)
	require.Equal(t, []string{"c", "a"}, keys(unprocessed))
}

func keys(records []Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.NaturalKey
	}
	return out
}
