// Package metrics exposes the Prometheus registry the hubcache packages
// register into. Metrics are defined next to the code that records them
// (cache, client, pagination, ratelimit) to avoid import cycles.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registerer all metrics go to via promauto.
var Registry = prometheus.DefaultRegisterer

// Gatherer reads back what Registry holds.
var Gatherer = prometheus.DefaultGatherer

// Handler serves every registered metric in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Cache Metrics (pkg/cache):
//   - hubcache_cache_hits_total{backend} (Counter): Stored entries found
//   - hubcache_cache_misses_total{backend} (Counter): Lookups without an entry
//   - hubcache_cache_size_bytes{backend} (Gauge): Bytes held by the disk or memory store
//   - hubcache_cache_evictions_total (Counter): Disk entries dropped to stay under max size
//   - hubcache_conditional_requests_total (Counter): Requests sent with validators
//   - hubcache_304_responses_total (Counter): 304 Not Modified responses
//   - hubcache_cache_errors_total{operation} (Counter): Store failures (absorbed)
//
// Request Metrics (pkg/client):
//   - hubcache_requests_total{method, status} (Counter): Requests by method and HTTP status
//   - hubcache_request_duration_seconds{method, cache_status} (Histogram): Request duration
//   - hubcache_errors_total{class} (Counter): Errors by class (client, server, rate_limit, network)
//
// Retry Metrics (pkg/client):
//   - hubcache_retries_total{error_class} (Counter): Retry attempts by error class
//   - hubcache_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - hubcache_retry_exhausted_total{error_class} (Counter): Requests that exhausted max retries
//
// Quota Metrics (pkg/ratelimit):
//   - hubcache_rate_limit_remaining{resource} (Gauge): Requests left in the window
//   - hubcache_rate_limit_blocks_total{resource} (Counter): Requests refused locally
//
// Pagination Metrics (pkg/pagination):
//   - hubcache_pages_fetched_total{cache_status} (Counter): Listing pages fetched
//   - hubcache_items_yielded_total (Counter): Items handed to callers
//   - hubcache_streams_finished_total{outcome} (Counter): Listings ended (exhausted, failed, closed)
//
// Example Prometheus Queries:
//
//   # Share of pages answered by revalidation
//   sum(rate(hubcache_pages_fetched_total{cache_status="revalidated"}[5m])) /
//   sum(rate(hubcache_pages_fetched_total[5m]))
//
//   # Quota running low
//   hubcache_rate_limit_remaining < 100
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(hubcache_request_duration_seconds_bucket[5m]))
