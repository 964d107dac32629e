package client

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hubcache_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hubcache_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"error_class"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hubcache_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// RetryConfig holds the configuration for retry logic.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the initial
	// request). Values below 2 disable retries.
	MaxAttempts int `yaml:"max_attempts"`

	// InitialBackoff is the initial backoff duration. Zero selects a
	// per-class default.
	InitialBackoff time.Duration `yaml:"initial_backoff"`

	// MaxBackoff is the maximum backoff duration.
	MaxBackoff time.Duration `yaml:"max_backoff"`

	// BackoffMultiplier is the multiplier for exponential backoff.
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
}

// DefaultRetryConfig returns the retry configuration recommended when
// retries are enabled.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// RetryConfigForErrorClass returns the backoff shape for an error class.
func RetryConfigForErrorClass(errorClass ErrorClass) RetryConfig {
	switch errorClass {
	case ErrorClassServer:
		// 5xx server errors - shorter backoff
		return RetryConfig{
			MaxAttempts:       3,
			InitialBackoff:    1 * time.Second,
			MaxBackoff:        10 * time.Second,
			BackoffMultiplier: 2.0,
		}
	case ErrorClassRateLimit:
		// exhausted quota - longer backoff
		return RetryConfig{
			MaxAttempts:       3,
			InitialBackoff:    5 * time.Second,
			MaxBackoff:        60 * time.Second,
			BackoffMultiplier: 2.0,
		}
	case ErrorClassNetwork:
		// Network errors - medium backoff
		return RetryConfig{
			MaxAttempts:       3,
			InitialBackoff:    2 * time.Second,
			MaxBackoff:        30 * time.Second,
			BackoffMultiplier: 2.0,
		}
	default:
		return DefaultRetryConfig()
	}
}

// backoffFor returns the backoff shape to use for errorClass: the
// configured one when set, the class default otherwise.
func (c RetryConfig) backoffFor(errorClass ErrorClass) RetryConfig {
	shape := RetryConfigForErrorClass(errorClass)
	if c.InitialBackoff > 0 {
		shape.InitialBackoff = c.InitialBackoff
	}
	if c.MaxBackoff > 0 {
		shape.MaxBackoff = c.MaxBackoff
	}
	if c.BackoffMultiplier >= 1 {
		shape.BackoffMultiplier = c.BackoffMultiplier
	}
	shape.MaxAttempts = c.MaxAttempts
	return shape
}

// retryWithBackoff runs fn up to config.MaxAttempts times with exponential
// backoff and jitter. fn reports the class of its failure; failures of
// classes that are not retryable end the loop immediately.
func retryWithBackoff(ctx context.Context, config RetryConfig, fn func(attempt int) (ErrorClass, error)) error {
	maxAttempts := config.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	var lastClass ErrorClass
	var backoff time.Duration

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		errorClass, err := fn(attempt)
		if err == nil {
			if attempt > 1 {
				log.Info().
					Str("error_class", string(lastClass)).
					Int("attempt", attempt).
					Msg("Request succeeded after retry")
			}
			return nil
		}

		lastErr = err
		if !shouldRetry(errorClass) {
			return lastErr
		}
		lastClass = errorClass

		// If this was the last attempt, don't wait
		if attempt >= maxAttempts {
			break
		}

		shape := config.backoffFor(errorClass)
		if backoff == 0 {
			backoff = shape.InitialBackoff
		}

		retriesTotal.WithLabelValues(string(errorClass)).Inc()

		// Add jitter (±20% randomness)
		jitter := time.Duration(float64(backoff) * (0.8 + rand.Float64()*0.4))
		retryBackoffSeconds.WithLabelValues(string(errorClass)).Observe(jitter.Seconds())

		log.Debug().
			Str("error_class", string(errorClass)).
			Int("attempt", attempt).
			Dur("backoff", jitter).
			Msg("Retrying request after backoff")

		select {
		case <-ctx.Done():
			log.Warn().
				Str("error_class", string(errorClass)).
				Int("attempt", attempt).
				Msg("Context cancelled during retry backoff")
			return fmt.Errorf("%w: %w", ErrContextCancelled, ctx.Err())
		case <-time.After(jitter):
		}

		backoff = time.Duration(float64(backoff) * shape.BackoffMultiplier)
		if backoff > shape.MaxBackoff {
			backoff = shape.MaxBackoff
		}
	}

	retryExhaustedTotal.WithLabelValues(string(lastClass)).Inc()
	log.Warn().
		Str("error_class", string(lastClass)).
		Int("max_attempts", maxAttempts).
		Msg("Retry attempts exhausted")

	return fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, maxAttempts, lastErr)
}

// RetryTransport is an http.RoundTripper that retries network errors and
// retryable statuses (5xx, exhausted quota). It is never installed by
// default; Client only wraps its transport with it when Config.Retry
// asks for more than one attempt.
//
// When the last attempt still yields a retryable status, that response is
// returned as is so the caller sees the real status.
type RetryTransport struct {
	next   http.RoundTripper
	config RetryConfig
}

// NewRetryTransport wraps next. A nil next uses http.DefaultTransport.
func NewRetryTransport(next http.RoundTripper, config RetryConfig) *RetryTransport {
	if next == nil {
		next = http.DefaultTransport
	}
	return &RetryTransport{next: next, config: config}
}

// RoundTrip implements http.RoundTripper.
func (t *RetryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	config := t.config

	// A body that cannot be replayed allows exactly one attempt
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		config.MaxAttempts = 1
	}

	var resp *http.Response
	err := retryWithBackoff(req.Context(), config, func(attempt int) (ErrorClass, error) {
		attemptReq := req
		if attempt > 1 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return "", fmt.Errorf("rewind request body: %w", err)
			}
			attemptReq = req.Clone(req.Context())
			attemptReq.Body = body
		}

		r, err := t.next.RoundTrip(attemptReq)
		if err != nil {
			return ErrorClassNetwork, err
		}

		errorClass := ClassifyResponse(r)
		if shouldRetry(errorClass) && attempt < config.MaxAttempts {
			io.Copy(io.Discard, r.Body)
			r.Body.Close()
			return errorClass, &APIError{
				StatusCode: r.StatusCode,
				ErrorClass: errorClass,
				Method:     req.Method,
				URL:        req.URL.String(),
				Message:    r.Status,
			}
		}

		resp = r
		return "", nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}
