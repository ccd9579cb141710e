// Package cache stores upstream responses in Redis so repeated price lookups
// do not spend rate-limiter tokens.
//
// Entries live until the expiry the upstream advertised:
//
//   - Cache-Control max-age wins over Expires
//   - Cache-Control no-store (or no-cache) responses are never cached
//   - responses without either header get the caller's fallback TTL
//
// # Basic Usage
//
//	redisClient := redis.NewClient(&redis.Options{
//		Addr: "localhost:6379",
//	})
//	manager := cache.NewManager(redisClient)
//
//	key := cache.Key{
//		Service: "prices",
//		Path:    "/prices/AAPL/on-or-before",
//		Params:  url.Values{"date": []string{"2024-01-02"}},
//	}
//
//	entry, err := manager.Get(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// fetch upstream, then:
//		entry, _ = cache.ResponseToEntry(resp, 24*time.Hour)
//		_ = manager.Set(ctx, key, entry)
//	}
//
// # Metrics
//
//   - tickertrail_cache_hits_total{service}
//   - tickertrail_cache_misses_total{service}
//   - tickertrail_cache_errors_total{operation}
package cache
