// Package cache provides the response cache behind the hubcache client.
//
// The package has two halves:
//
//   - Store implementations that map a request identity (CacheKey) to a
//     stored response (CacheEntry): DiskStore on goleveldb, the default and
//     durable across restarts, and RedisStore for caches shared between
//     processes.
//   - Helpers for conditional requests: validators are taken from the
//     ETag and Last-Modified response headers and sent back as
//     If-None-Match and If-Modified-Since.
//
// # Basic Usage
//
//	store, err := cache.OpenDiskStore("/var/cache/hubcache", cache.DiskOptions{})
//	if err != nil {
//		return err
//	}
//	defer store.Close()
//
//	key := cache.KeyForRequest(req, cache.DefaultVaryHeaders)
//	entry, err := store.Get(ctx, key)
//	if err == cache.ErrCacheMiss {
//		// Cache miss - send unconditionally
//	}
//
// # Conditional Requests
//
//	if cache.ShouldMakeConditionalRequest(entry) {
//		cache.AddConditionalHeaders(req, entry)
//		// Origin answers 304 if the representation is unchanged
//	}
//
// # Failure Semantics
//
// A store read that fails for any reason other than ErrCacheMiss is a
// cache miss for the caller. Corrupt entries are reported with
// ErrInvalidEntry and deleted.
//
// # Metrics
//
//   - hubcache_cache_hits_total{backend} - Store hits
//   - hubcache_cache_misses_total{backend} - Store misses
//   - hubcache_cache_size_bytes{backend} - Stored entry bytes (disk and memory only)
//   - hubcache_cache_evictions_total - Disk entries evicted
//   - hubcache_conditional_requests_total - Requests sent with validators
//   - hubcache_304_responses_total - Revalidated responses
//   - hubcache_cache_errors_total{operation} - Store errors
package cache
