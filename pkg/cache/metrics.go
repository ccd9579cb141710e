package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks cache hits by upstream service
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickertrail_cache_hits_total",
			Help: "Total number of upstream response cache hits",
		},
		[]string{"service"},
	)

	// CacheMisses tracks cache misses by upstream service
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickertrail_cache_misses_total",
			Help: "Total number of upstream response cache misses",
		},
		[]string{"service"},
	)

	// CacheErrors tracks cache operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickertrail_cache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"operation"}, // "get", "set", "delete"
	)
)
