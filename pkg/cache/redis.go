package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces cache keys in a shared Redis database.
const DefaultRedisPrefix = "hubcache:entry:"

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	// Prefix is prepended to every key (default DefaultRedisPrefix)
	Prefix string

	// TTL expires entries after this duration; zero keeps them until overwritten
	TTL time.Duration
}

// RedisStore is a Store backed by Redis, for caches shared between
// processes.
type RedisStore struct {
	redis      *redis.Client
	opts       RedisOptions
	ownsClient bool
}

// NewRedisStore creates a new store on an existing Redis client. Closing the
// store does not close the client.
func NewRedisStore(redisClient *redis.Client, opts RedisOptions) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if opts.Prefix == "" {
		opts.Prefix = DefaultRedisPrefix
	}
	return &RedisStore{
		redis: redisClient,
		opts:  opts,
	}
}

func (r *RedisStore) redisKey(key CacheKey) string {
	return r.opts.Prefix + key.Hash()
}

// Get retrieves a cache entry by key.
func (r *RedisStore) Get(ctx context.Context, key CacheKey) (*CacheEntry, error) {
	data, err := r.redis.Get(ctx, r.redisKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			CacheMisses.WithLabelValues(BackendRedis).Inc()
			return nil, ErrCacheMiss
		}
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	entry, err := decodeEntry(data)
	if err != nil {
		CacheErrors.WithLabelValues("get").Inc()
		_ = r.Delete(ctx, key)
		return nil, err
	}

	if entry.Key != "" && entry.Key != key.String() {
		CacheMisses.WithLabelValues(BackendRedis).Inc()
		return nil, ErrCacheMiss
	}

	CacheHits.WithLabelValues(BackendRedis).Inc()
	return entry, nil
}

// Put stores a cache entry. SET replaces the value atomically.
func (r *RedisStore) Put(ctx context.Context, key CacheKey, entry *CacheEntry) error {
	if entry == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}

	stored := *entry
	stored.Key = key.String()
	data, err := encodeEntry(&stored)
	if err != nil {
		CacheErrors.WithLabelValues("put").Inc()
		return err
	}

	if err := r.redis.Set(ctx, r.redisKey(key), data, r.opts.TTL).Err(); err != nil {
		CacheErrors.WithLabelValues("put").Inc()
		return fmt.Errorf("redis set: %w", err)
	}

	// Overwrites and TTL expiry happen server side, so no CacheSize here
	return nil
}

// Delete removes a cache entry.
func (r *RedisStore) Delete(ctx context.Context, key CacheKey) error {
	if err := r.redis.Del(ctx, r.redisKey(key)).Err(); err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Close releases the Redis client if the store created it.
func (r *RedisStore) Close() error {
	if r.ownsClient {
		return r.redis.Close()
	}
	return nil
}
