// Package metrics exposes the Prometheus metrics of tickertrail.
// All metrics are defined in their respective packages (ratelimit, client,
// cache, enrich, backfill) with promauto to keep packages independent.
//
// This package provides the HTTP handler and documents every metric.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registerer all tickertrail metrics are registered with.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the gatherer served by Handler.
var Gatherer = prometheus.DefaultGatherer

// Handler serves the metrics in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.InstrumentMetricHandler(Registry, promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{}))
}

// Metrics Documentation
//
// Rate Limit Metrics (pkg/ratelimit):
//   - tickertrail_ratelimit_available_tokens{service} (Gauge): Tokens left in the current window
//   - tickertrail_ratelimit_waiting{service} (Gauge): Callers queued for a token
//   - tickertrail_ratelimit_acquired_total{service} (Counter): Tokens handed out
//   - tickertrail_ratelimit_wait_seconds{service} (Histogram): Time spent waiting for a token
//
// Request Metrics (pkg/client):
//   - tickertrail_upstream_requests_total{service, status} (Counter): Requests by service and HTTP status
//   - tickertrail_upstream_request_duration_seconds{service} (Histogram): Request duration by service
//   - tickertrail_upstream_errors_total{service, class} (Counter): Errors by class (client, server, rate_limit, network, decode)
//
// Cache Metrics (pkg/cache):
//   - tickertrail_cache_hits_total{service} (Counter): Price cache hits
//   - tickertrail_cache_misses_total{service} (Counter): Price cache misses
//   - tickertrail_cache_errors_total{operation} (Counter): Cache operation errors
//
// Enrichment Metrics (pkg/enrich):
//   - tickertrail_enrich_tasks_total{kind, outcome} (Counter): Tasks by kind (classify, price) and outcome
//   - tickertrail_enrich_inflight{kind} (Gauge): Tasks submitted and not yet merged
//   - tickertrail_enrich_task_duration_seconds{kind} (Histogram): Task run time
//
// Backfill Metrics (pkg/backfill):
//   - tickertrail_backfill_pages_total{outcome} (Counter): Pages fetched by outcome
//   - tickertrail_backfill_records_total (Counter): Records upserted by backfills
//   - tickertrail_backfill_active (Gauge): Running continuations
//
// Example Prometheus Queries:
//
//   # Price Cache Hit Rate
//   sum(rate(tickertrail_cache_hits_total[5m])) /
//   (sum(rate(tickertrail_cache_hits_total[5m])) + sum(rate(tickertrail_cache_misses_total[5m])))
//
//   # Classifier Backlog
//   tickertrail_ratelimit_waiting{service="classifier"}
//
//   # Classification Failure Rate
//   rate(tickertrail_enrich_tasks_total{kind="classify",outcome="failed"}[5m])
//
//   # P95 Upstream Latency
//   histogram_quantile(0.95, rate(tickertrail_upstream_request_duration_seconds_bucket[5m]))
