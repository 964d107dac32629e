// Package client provides the HTTP client that answers repeated reads from
// a conditional-request cache while tracking the API's rate limit quota.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Sternrassler/hubcache/pkg/cache"
	"github.com/Sternrassler/hubcache/pkg/logging"
	"github.com/Sternrassler/hubcache/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for client operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hubcache_requests_total",
		Help: "Total requests by method and status",
	}, []string{"method", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hubcache_request_duration_seconds",
		Help:    "Request duration in seconds by method and cache status",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10},
	}, []string{"method", "cache_status"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hubcache_errors_total",
		Help: "Total request errors by class",
	}, []string{"class"})
)

// Client sends requests through the conditional-request cache.
type Client struct {
	httpClient  *http.Client
	store       cache.Store
	ownsStore   bool
	rateLimiter *ratelimit.Tracker
	baseURL     *url.URL
	config      Config
	logger      zerolog.Logger
}

// New creates a new client. Unless cfg.Store is set, the cache backend
// described by cfg.Cache is opened and closed again by Close.
func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := logging.NewLogger("hubcache-client")

	var baseURL *url.URL
	if cfg.BaseURL != "" {
		u, err := url.Parse(cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("parse base_url: %w", err)
		}
		baseURL = u
	}

	if cfg.VaryHeaders == nil {
		cfg.VaryHeaders = cache.DefaultVaryHeaders
	}

	store, ownsStore := cfg.Store, false
	if store == nil {
		opened, err := cache.OpenStore(context.Background(), cfg.Cache)
		if err != nil {
			return nil, fmt.Errorf("open cache: %w", err)
		}
		store, ownsStore = opened, true
		if store != nil {
			logger.Info().
				Str("backend", cfg.Cache.Backend).
				Str("dir", cfg.Cache.Dir).
				Msg("Cache store opened")
		}
	}

	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	if cfg.Retry.MaxAttempts > 1 {
		transport = NewRetryTransport(transport, cfg.Retry)
	}

	return &Client{
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		store:       store,
		ownsStore:   ownsStore,
		rateLimiter: ratelimit.NewTracker(cfg.Redis, logger),
		baseURL:     baseURL,
		config:      cfg,
		logger:      logger,
	}, nil
}

// Do sends req, answering from the cache when the origin confirms the
// cached representation is still current.
//
// Only GET requests without caller-supplied If-None-Match or
// If-Modified-Since participate in caching. A 304 is turned into the cached
// response with the live headers merged over it. A 200 carrying an ETag or
// Last-Modified replaces the cached entry; a 200 without validators removes
// it. Other statuses are returned untouched. Cache failures never surface
// as errors.
//
// Do does not turn error statuses into errors; see CheckResponse.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	start := time.Now()
	cacheStatus := cache.StatusBypass
	defer func() {
		requestDuration.WithLabelValues(req.Method, cacheStatus).Observe(time.Since(start).Seconds())
	}()

	if c.config.BlockOnExhaustedQuota {
		if err := c.checkQuota(ctx, req); err != nil {
			return nil, err
		}
	}

	out := req.Clone(ctx)
	c.applyDefaultHeaders(out)

	if c.store == nil || !cacheable(req) {
		resp, err := c.send(out)
		if err != nil {
			return nil, err
		}
		resp.Header.Set(cache.HeaderCacheStatus, cache.StatusBypass)
		return resp, nil
	}

	key := cache.KeyForRequest(out, c.config.VaryHeaders)
	entry := c.lookup(ctx, key)

	if cache.ShouldMakeConditionalRequest(entry) {
		cache.AddConditionalHeaders(out, entry)
		cache.ConditionalRequestsSent.Inc()
		c.logger.Debug().
			Str("url", key.URL).
			Str("cache_key", key.Hash()).
			Str("etag", entry.ETag).
			Str("last_modified", entry.LastModified).
			Msg("Making conditional request")
	}

	resp, err := c.send(out)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusNotModified && entry != nil:
		cacheStatus = cache.StatusRevalidated
		return c.revalidated(ctx, key, entry, resp, req), nil

	case resp.StatusCode == http.StatusOK:
		fresh, err := cache.ResponseToEntry(resp)
		if err != nil {
			return nil, &TransportError{Method: req.Method, URL: key.URL, Err: err}
		}

		if fresh.Validators().Empty() {
			cacheStatus = cache.StatusUncacheable
			c.delete(ctx, key)
		} else {
			cacheStatus = cache.StatusMiss
			c.put(ctx, key, fresh)
		}
		resp.Header.Set(cache.HeaderCacheStatus, cacheStatus)

		c.logger.Debug().
			Str("url", key.URL).
			Str("cache_key", key.Hash()).
			Str("cache_status", cacheStatus).
			Int("bytes", len(fresh.Data)).
			Msg("Full response received")
		return resp, nil

	default:
		cacheStatus = "none"
		return resp, nil
	}
}

// revalidated answers a 304 from the cached entry. The entry is rewritten
// only when the origin handed out new validators.
func (c *Client) revalidated(ctx context.Context, key cache.CacheKey, entry *cache.CacheEntry, live *http.Response, req *http.Request) *http.Response {
	io.Copy(io.Discard, live.Body)
	live.Body.Close()

	cache.NotModifiedResponses.Inc()
	merged := cache.MergeNotModified(entry, live.Header)

	if merged.Validators() != entry.Validators() {
		merged.CachedAt = time.Now()
		c.put(ctx, key, merged)
	}

	c.logger.Debug().
		Str("url", key.URL).
		Str("cache_key", key.Hash()).
		Str("cache_status", cache.StatusRevalidated).
		Dur("age", entry.Age()).
		Msg("304 Not Modified - using cache")

	resp := cache.EntryToResponse(merged, req)
	resp.Header.Set(cache.HeaderCacheStatus, cache.StatusRevalidated)
	return resp
}

// send performs one HTTP exchange and records its rate limit headers.
func (c *Client) send(req *http.Request) (*http.Response, error) {
	c.logger.Debug().
		Str("method", req.Method).
		Str("url", req.URL.String()).
		Msg("Executing request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		requestsTotal.WithLabelValues(req.Method, "network_error").Inc()
		c.logger.Warn().Err(err).
			Str("method", req.Method).
			Str("url", req.URL.String()).
			Msg("HTTP request failed")
		return nil, &TransportError{Method: req.Method, URL: req.URL.String(), Err: err}
	}

	requestsTotal.WithLabelValues(req.Method, strconv.Itoa(resp.StatusCode)).Inc()
	if errorClass := ClassifyResponse(resp); errorClass != "" {
		errorsTotal.WithLabelValues(string(errorClass)).Inc()
	}

	if err := c.rateLimiter.UpdateFromHeaders(req.Context(), resp.Header); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to update rate limit from headers")
	}

	return resp, nil
}

// checkQuota fails fast with ratelimit.ErrQuotaExhausted while the last
// observed quota is used up. Tracker failures let the request through.
func (c *Client) checkQuota(ctx context.Context, req *http.Request) error {
	allowed, err := c.rateLimiter.ShouldAllowRequest(ctx, ratelimit.DefaultResource)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Rate limit check failed")
		return nil
	}
	if allowed {
		return nil
	}

	requestsTotal.WithLabelValues(req.Method, "blocked").Inc()
	state, _ := c.rateLimiter.GetState(ctx, ratelimit.DefaultResource)
	if state != nil {
		return fmt.Errorf("%w: resets in %v", ratelimit.ErrQuotaExhausted, state.TimeUntilReset().Round(time.Second))
	}
	return ratelimit.ErrQuotaExhausted
}

// lookup reads the cache. Every failure counts as a miss.
func (c *Client) lookup(ctx context.Context, key cache.CacheKey) *cache.CacheEntry {
	entry, err := c.store.Get(ctx, key)
	if err == nil {
		return entry
	}
	// Stores count their own failures
	if !errors.Is(err, cache.ErrCacheMiss) {
		c.logger.Warn().Err(err).
			Str("url", key.URL).
			Str("cache_key", key.Hash()).
			Msg("Cache get error")
	}
	return nil
}

func (c *Client) put(ctx context.Context, key cache.CacheKey, entry *cache.CacheEntry) {
	if err := c.store.Put(ctx, key, entry); err != nil {
		c.logger.Warn().Err(err).
			Str("url", key.URL).
			Str("cache_key", key.Hash()).
			Msg("Failed to cache response")
	}
}

func (c *Client) delete(ctx context.Context, key cache.CacheKey) {
	if err := c.store.Delete(ctx, key); err != nil {
		c.logger.Warn().Err(err).
			Str("url", key.URL).
			Str("cache_key", key.Hash()).
			Msg("Failed to drop uncacheable entry")
	}
}

// cacheable reports whether req takes part in caching. Conditional headers
// set by the caller mean the caller manages validation itself.
func cacheable(req *http.Request) bool {
	return req.Method == http.MethodGet &&
		req.Header.Get("If-None-Match") == "" &&
		req.Header.Get("If-Modified-Since") == ""
}

func (c *Client) applyDefaultHeaders(req *http.Request) {
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}
	if req.Header.Get("Accept") == "" && c.config.Accept != "" {
		req.Header.Set("Accept", c.config.Accept)
	}
	for name, value := range c.config.Headers {
		if req.Header.Get(name) == "" {
			req.Header.Set(name, value)
		}
	}
}

// NewRequest creates a request for path, which is resolved against the
// configured base URL unless it is already absolute.
func (c *Client) NewRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	u, err := url.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("parse request path: %w", err)
	}
	if !u.IsAbs() {
		if c.baseURL == nil {
			return nil, fmt.Errorf("relative path %q needs a base_url", path)
		}
		u = c.baseURL.ResolveReference(u)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

// Get performs a GET request for path.
func (c *Client) Get(ctx context.Context, path string) (*http.Response, error) {
	req, err := c.NewRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// RateLimit returns the last observed quota of every resource.
func (c *Client) RateLimit() map[string]ratelimit.RateLimitState {
	return c.rateLimiter.Snapshot()
}

// Store returns the cache store, or nil when caching is off.
func (c *Client) Store() cache.Store {
	return c.store
}

// Close closes the client and releases the cache store it opened.
func (c *Client) Close() error {
	if c.ownsStore && c.store != nil {
		if err := c.store.Close(); err != nil {
			return fmt.Errorf("close cache: %w", err)
		}
	}
	return nil
}
