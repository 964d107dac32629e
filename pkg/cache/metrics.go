package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks store lookups that returned an entry, by backend
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hubcache_cache_hits_total",
			Help: "Total number of cache store hits",
		},
		[]string{"backend"}, // "disk", "redis"
	)

	// CacheMisses tracks store lookups that found nothing, by backend
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hubcache_cache_misses_total",
			Help: "Total number of cache store misses",
		},
		[]string{"backend"},
	)

	// CacheSize tracks the stored entry bytes of the leveldb backends.
	// Redis expires entries on its own and is not reported.
	CacheSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hubcache_cache_size_bytes",
			Help: "Current size of stored cache entries in bytes",
		},
		[]string{"backend"}, // "disk", "memory"
	)

	// CacheEvictions tracks entries removed to stay under the size bound
	CacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hubcache_cache_evictions_total",
			Help: "Total number of disk cache entries evicted",
		},
	)

	// ConditionalRequestsSent tracks requests sent with validators
	ConditionalRequestsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hubcache_conditional_requests_total",
			Help: "Total number of requests sent with If-None-Match or If-Modified-Since",
		},
	)

	// NotModifiedResponses tracks 304 Not Modified responses served from cache
	NotModifiedResponses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hubcache_304_responses_total",
			Help: "Total number of 304 Not Modified responses answered from cache",
		},
	)

	// CacheErrors tracks cache operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hubcache_cache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"operation"}, // "get", "put", "delete"
	)
)
