package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/tickertrail/internal/config"
	"github.com/Sternrassler/tickertrail/pkg/backfill"
	"github.com/Sternrassler/tickertrail/pkg/cache"
	"github.com/Sternrassler/tickertrail/pkg/client"
	"github.com/Sternrassler/tickertrail/pkg/enrich"
	"github.com/Sternrassler/tickertrail/pkg/logging"
	"github.com/Sternrassler/tickertrail/pkg/notify"
	"github.com/Sternrassler/tickertrail/pkg/ratelimit"
	"github.com/Sternrassler/tickertrail/pkg/store"
	"github.com/Sternrassler/tickertrail/pkg/tracker"
)

// app is the assembled pipeline plus the connections it does not own.
type app struct {
	tracker *tracker.Tracker
	redis   *redis.Client
}

// Close shuts the tracker down before the Redis connection it publishes on.
func (r *app) Close() error {
	err := r.tracker.Close()
	if r.redis != nil {
		if cerr := r.redis.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close redis: %w", cerr))
		}
	}
	return err
}

// build assembles the pipeline described by cfg. With Redis enabled the
// price cache and the event bus share one client; otherwise prices are not
// cached and events stay in process.
func build(ctx context.Context, cfg *config.Config) (rt *app, err error) {
	var cleanup []func()
	defer func() {
		if err != nil {
			for i := len(cleanup) - 1; i >= 0; i-- {
				cleanup[i]()
			}
		}
	}()

	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	cleanup = append(cleanup, func() { _ = st.Close() })

	limits, err := ratelimit.NewRegistry(cfg.RateLimit, logging.NewLogger("ratelimit"))
	if err != nil {
		return nil, fmt.Errorf("rate limits: %w", err)
	}
	cleanup = append(cleanup, limits.Close)

	rt = &app{}
	var (
		bus          notify.Bus
		cacheManager *cache.Manager
	)
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		rt.redis = rdb
		cleanup = append(cleanup, func() { _ = rdb.Close() })
		cacheManager = cache.NewManager(rdb)
		bus = notify.NewRedisBus(rdb, cfg.Redis.ChannelPrefix, logging.NewLogger("notify"))
	} else {
		bus = notify.NewMemoryBus()
	}
	cleanup = append(cleanup, func() { _ = bus.Close() })

	clientLog := logging.NewLogger("client")
	posts, err := client.NewPostsClient(cfg.Posts, limits, clientLog)
	if err != nil {
		return nil, fmt.Errorf("posts client: %w", err)
	}
	classifier, err := client.NewClassifierClient(cfg.Classifier, limits, clientLog)
	if err != nil {
		return nil, fmt.Errorf("classifier client: %w", err)
	}
	prices, err := client.NewPriceClient(cfg.Prices, cfg.PriceCache, limits, cacheManager, clientLog)
	if err != nil {
		return nil, fmt.Errorf("price client: %w", err)
	}

	coord, err := enrich.New(st, classifier, prices, bus, cfg.Enrich, logging.NewLogger("enrich"))
	if err != nil {
		return nil, fmt.Errorf("enrichment: %w", err)
	}
	bf, err := backfill.New(posts, st, coord, bus, cfg.Backfill, logging.NewLogger("backfill"))
	if err != nil {
		return nil, fmt.Errorf("backfill: %w", err)
	}

	rt.tracker, err = tracker.New(tracker.Deps{
		Store:    st,
		Fetcher:  posts,
		Backfill: bf,
		Enrich:   coord,
		Bus:      bus,
		Limits:   limits,
	}, cfg.Tracker, logging.NewLogger("tracker"))
	if err != nil {
		bf.Close()
		return nil, err
	}
	return rt, nil
}

// logStartup records the effective wiring once per process.
func logStartup(logger zerolog.Logger, cfg *config.Config) {
	logger.Info().
		Str("store", cfg.Store.Driver).
		Bool("redis", cfg.Redis.Enabled).
		Str("posts", cfg.Posts.BaseURL).
		Str("classifier", cfg.Classifier.BaseURL).
		Str("prices", cfg.Prices.BaseURL).
		Int("workers", cfg.Enrich.Workers).
		Msg("Tracker configured")
}
