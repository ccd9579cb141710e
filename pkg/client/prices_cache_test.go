package client

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"

	"github.com/Sternrassler/tickertrail/internal/testutil"
	"github.com/Sternrassler/tickertrail/pkg/cache"
)

// setupTestRedis connects to a local Redis and skips the test when none is running.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available for testing: %v", err)
	}
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test DB: %v", err)
	}

	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})

	return client
}

// testPriceCache checks that a repeated historical lookup is served from
// Redis without another upstream request or limiter token.
func testPriceCache(t *testing.T, redisClient *redis.Client) {
	t.Helper()

	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetPrices("AAPL", []testutil.Price{
		{Date: day("2024-01-02"), Price: 100},
		{Date: day("2024-03-01"), Price: 110},
	})

	gate := newCountingGate()
	prices, err := NewPriceClient(DefaultConfig(mock.URL()), DefaultCacheTTL(), gate, cache.NewManager(redisClient), testLogger())
	if err != nil {
		t.Fatalf("NewPriceClient() error = %v", err)
	}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		p, err := prices.PriceOnOrBefore(ctx, "AAPL", day("2024-01-10"))
		if err != nil {
			t.Fatalf("PriceOnOrBefore() call %d error = %v", i, err)
		}
		if p == nil || p.Price != 100 {
			t.Fatalf("PriceOnOrBefore() call %d = %+v, want 100", i, p)
		}
	}

	if got := mock.Count("/prices/AAPL/on-or-before"); got != 1 {
		t.Errorf("upstream requests = %d, want 1", got)
	}
	if got := gate.count("prices"); got != 1 {
		t.Errorf("gate calls = %d, want 1", got)
	}

	// a missing price is not cached
	for i := 0; i < 2; i++ {
		if p, err := prices.PriceOnOrBefore(ctx, "AAPL", day("2023-01-01")); err != nil || p != nil {
			t.Fatalf("PriceOnOrBefore() = %+v, %v, want nil, nil", p, err)
		}
	}
	if got := mock.Count("/prices/AAPL/on-or-before"); got != 3 {
		t.Errorf("upstream requests = %d, want 3", got)
	}
}

func TestPriceClient_Cache(t *testing.T) {
	testPriceCache(t, setupTestRedis(t))
}
