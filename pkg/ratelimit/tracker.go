package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisKeyPrefix namespaces shared quota state; the resource name follows.
const RedisKeyPrefix = "hubcache:rate_limit:"

// Prometheus metrics for rate limit tracking.
var (
	rateLimitRemaining = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hubcache_rate_limit_remaining",
		Help: "Requests remaining in the current rate limit window",
	}, []string{"resource"})

	rateLimitBlocksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hubcache_rate_limit_blocks_total",
		Help: "Total number of requests refused locally because the quota was exhausted",
	}, []string{"resource"})
)

// Tracker records the quota observed in responses. With a Redis client the
// state is mirrored so several processes sharing a token see each other's
// consumption.
type Tracker struct {
	redis  *redis.Client
	logger zerolog.Logger

	mu     sync.RWMutex
	states map[string]RateLimitState
}

// NewTracker creates a new rate limit tracker. redisClient may be nil.
func NewTracker(redisClient *redis.Client, logger zerolog.Logger) *Tracker {
	return &Tracker{
		redis:  redisClient,
		logger: logger,
		states: make(map[string]RateLimitState),
	}
}

// UpdateFromHeaders records the quota carried by response headers.
// Responses without rate limit headers are ignored.
func (t *Tracker) UpdateFromHeaders(ctx context.Context, headers http.Header) error {
	state, ok, err := ParseHeaders(headers)
	if err != nil || !ok {
		return err
	}

	t.mu.Lock()
	t.states[state.Resource] = state
	t.mu.Unlock()

	rateLimitRemaining.WithLabelValues(state.Resource).Set(float64(state.Remaining))

	if t.redis != nil {
		pipe := t.redis.Pipeline()
		key := RedisKeyPrefix + state.Resource
		pipe.HSet(ctx, key,
			"limit", state.Limit,
			"remaining", state.Remaining,
			"used", state.Used,
			"reset", state.ResetAt.Unix(),
			"last_update", state.LastUpdate.UnixNano(),
		)
		if ttl := state.TimeUntilReset(); ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("store rate limit state in redis: %w", err)
		}
	}

	logEvent := t.logger.Debug()
	if state.Remaining == 0 {
		logEvent = t.logger.Warn()
	}
	logEvent.
		Str("resource", state.Resource).
		Int("rate_remaining", state.Remaining).
		Int("rate_limit", state.Limit).
		Time("reset_at", state.ResetAt).
		Msg("Rate limit state updated")

	return nil
}

// GetState returns the last observed state for resource, or nil if none has
// been seen by this process or, when configured, in Redis.
func (t *Tracker) GetState(ctx context.Context, resource string) (*RateLimitState, error) {
	t.mu.RLock()
	state, ok := t.states[resource]
	t.mu.RUnlock()
	if ok {
		return &state, nil
	}

	if t.redis == nil {
		return nil, nil
	}

	fields, err := t.redis.HGetAll(ctx, RedisKeyPrefix+resource).Result()
	if err != nil {
		return nil, fmt.Errorf("get rate limit state: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	shared := RateLimitState{Resource: resource}
	var reset, lastUpdate int64
	for _, f := range []struct {
		name string
		dst  any
	}{
		{"limit", &shared.Limit},
		{"remaining", &shared.Remaining},
		{"used", &shared.Used},
		{"reset", &reset},
		{"last_update", &lastUpdate},
	} {
		if err := parseField(fields[f.name], f.dst); err != nil {
			return nil, fmt.Errorf("parse rate limit field %s: %w", f.name, err)
		}
	}
	shared.ResetAt = time.Unix(reset, 0)
	shared.LastUpdate = time.Unix(0, lastUpdate)

	return &shared, nil
}

// Snapshot returns a copy of every state observed by this process.
func (t *Tracker) Snapshot() map[string]RateLimitState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]RateLimitState, len(t.states))
	for k, v := range t.states {
		out[k] = v
	}
	return out
}

// ShouldAllowRequest reports whether a request against resource may be
// sent. It returns false only while the observed quota is exhausted and the
// window has not reset.
func (t *Tracker) ShouldAllowRequest(ctx context.Context, resource string) (bool, error) {
	state, err := t.GetState(ctx, resource)
	if err != nil {
		return false, err
	}
	if state == nil || !state.IsExhausted() {
		return true, nil
	}

	t.logger.Warn().
		Str("resource", resource).
		Dur("wait_duration", state.TimeUntilReset()).
		Msg("Rate limit exhausted - blocking request")
	rateLimitBlocksTotal.WithLabelValues(resource).Inc()

	return false, nil
}

func parseField(value string, dst any) error {
	if value == "" {
		return nil
	}
	switch d := dst.(type) {
	case *int:
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		*d = n
	case *int64:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		*d = n
	default:
		return errors.New("unsupported field type")
	}
	return nil
}
