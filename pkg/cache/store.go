package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrCacheMiss indicates the requested key was not found in cache
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the cache entry is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// Store is a durable mapping from request identity to cached response.
//
// Implementations must be safe for concurrent use. Put replaces any
// existing entry for the key as a whole; readers never observe a partially
// written entry. Implementations count their own failures in CacheErrors;
// callers must not count them again.
type Store interface {
	// Get returns the entry stored for key, ErrCacheMiss if there is none,
	// or an error wrapping ErrInvalidEntry if the stored bytes are unreadable.
	Get(ctx context.Context, key CacheKey) (*CacheEntry, error)

	// Put stores entry under key, replacing any previous entry.
	Put(ctx context.Context, key CacheKey, entry *CacheEntry) error

	// Delete removes the entry for key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key CacheKey) error

	// Close flushes and releases the backing storage.
	Close() error
}

// Backend names accepted by OpenStore.
const (
	BackendDisk   = "disk"
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendNone   = "none"
)

// StoreConfig selects and configures a Store backend.
type StoreConfig struct {
	// Backend is one of "disk", "memory", "redis" or "none"
	Backend string `yaml:"backend"`

	// Dir is the leveldb directory for the disk backend
	Dir string `yaml:"dir"`

	// MaxSize bounds the disk backend (e.g. "64MB"); empty means unbounded
	MaxSize string `yaml:"max_size"`

	// RedisAddr, RedisDB and RedisPrefix configure the redis backend
	RedisAddr   string `yaml:"redis_addr"`
	RedisDB     int    `yaml:"redis_db"`
	RedisPrefix string `yaml:"redis_prefix"`

	// TTL expires redis entries; zero keeps them until overwritten
	TTL time.Duration `yaml:"ttl"`
}

// OpenStore opens the backend described by cfg. The "none" backend returns
// a nil Store, which disables caching.
func OpenStore(ctx context.Context, cfg StoreConfig) (Store, error) {
	switch cfg.Backend {
	case BackendNone:
		return nil, nil
	case BackendMemory:
		return OpenMemoryStore()
	case "", BackendDisk:
		if cfg.Dir == "" {
			return nil, fmt.Errorf("cache dir is required for the disk backend")
		}
		var maxBytes int64
		if cfg.MaxSize != "" {
			n, err := ParseSize(cfg.MaxSize)
			if err != nil {
				return nil, fmt.Errorf("parse cache max_size: %w", err)
			}
			maxBytes = n
		}
		return OpenDiskStore(cfg.Dir, DiskOptions{MaxBytes: maxBytes})
	case BackendRedis:
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("redis_addr is required for the redis backend")
		}
		client := redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
			DB:   cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		store := NewRedisStore(client, RedisOptions{Prefix: cfg.RedisPrefix, TTL: cfg.TTL})
		store.ownsClient = true
		return store, nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

func encodeEntry(entry *CacheEntry) ([]byte, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("marshal cache entry: %w", err)
	}
	return data, nil
}

func decodeEntry(data []byte) (*CacheEntry, error) {
	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	if entry.StatusCode == 0 {
		return nil, fmt.Errorf("%w: missing status code", ErrInvalidEntry)
	}
	return &entry, nil
}
