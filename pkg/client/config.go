package client

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/Sternrassler/hubcache/pkg/cache"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

// Defaults applied by DefaultConfig.
const (
	DefaultBaseURL      = "https://api.github.com"
	DefaultAccept       = "application/vnd.github+json"
	DefaultTimeout      = 30 * time.Second
	DefaultCacheMaxSize = "64MB"
)

// Config holds the client configuration.
type Config struct {
	// BaseURL is the API root that relative paths resolve against
	BaseURL string `yaml:"base_url"`

	// UserAgent header (REQUIRED)
	// Format: "AppName/Version (contact@example.com)"
	UserAgent string `yaml:"user_agent"`

	// Accept is sent unless the request sets its own
	Accept string `yaml:"accept"`

	// Headers are extra default request headers (e.g. Authorization)
	Headers map[string]string `yaml:"headers"`

	// Timeout bounds one HTTP exchange; zero means no timeout
	Timeout time.Duration `yaml:"timeout"`

	// VaryHeaders are the request headers that take part in the cache key
	VaryHeaders []string `yaml:"vary_headers"`

	// Cache selects the cache backend
	Cache cache.StoreConfig `yaml:"cache"`

	// Retry configures the opt-in retry transport
	Retry RetryConfig `yaml:"retry"`

	// BlockOnExhaustedQuota refuses requests locally with
	// ratelimit.ErrQuotaExhausted while the observed quota is used up
	BlockOnExhaustedQuota bool `yaml:"block_on_exhausted_quota"`

	// Store overrides Cache with an already open store. The client does not
	// close it.
	Store cache.Store `yaml:"-"`

	// Redis mirrors observed quota state so several processes share it
	Redis *redis.Client `yaml:"-"`

	// Transport replaces http.DefaultTransport
	Transport http.RoundTripper `yaml:"-"`
}

// DefaultConfig returns a safe default configuration: disk cache in the
// user cache directory, no retries, no quota gating.
func DefaultConfig(userAgent string) Config {
	return Config{
		BaseURL:     DefaultBaseURL,
		UserAgent:   userAgent,
		Accept:      DefaultAccept,
		Timeout:     DefaultTimeout,
		VaryHeaders: append([]string(nil), cache.DefaultVaryHeaders...),
		Cache: cache.StoreConfig{
			Backend: cache.BackendDisk,
			Dir:     defaultCacheDir(),
			MaxSize: DefaultCacheMaxSize,
		},
		Retry: RetryConfig{MaxAttempts: 1},
	}
}

// LoadConfig reads a YAML config file. Environment variables in the file
// are expanded, unset fields keep their DefaultConfig values.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig("")
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(raw))), &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c Config) Validate() error {
	if c.UserAgent == "" {
		return fmt.Errorf("user-agent is required")
	}

	if c.BaseURL != "" {
		u, err := url.Parse(c.BaseURL)
		if err != nil {
			return fmt.Errorf("invalid base_url: %w", err)
		}
		if u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("base_url must be absolute (got %q)", c.BaseURL)
		}
	}

	if c.Timeout < 0 {
		return fmt.Errorf("timeout must be >= 0 (got %v)", c.Timeout)
	}

	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry.max_attempts must be >= 0 (got %d)", c.Retry.MaxAttempts)
	}

	if c.Store == nil {
		switch c.Cache.Backend {
		case "", cache.BackendDisk, cache.BackendMemory, cache.BackendRedis, cache.BackendNone:
		default:
			return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
		}
		if c.Cache.MaxSize != "" {
			if _, err := cache.ParseSize(c.Cache.MaxSize); err != nil {
				return fmt.Errorf("invalid cache max_size: %w", err)
			}
		}
	}

	return nil
}

func defaultCacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ".hubcache"
	}
	return filepath.Join(dir, "hubcache")
}
