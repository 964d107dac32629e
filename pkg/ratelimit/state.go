// Package ratelimit tracks the request quota reported by the API in the
// X-RateLimit-* response headers. Responses are never modified; the tracker
// only observes them so callers can account for consumed quota.
package ratelimit

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Rate limit response headers.
const (
	HeaderLimit     = "X-RateLimit-Limit"
	HeaderRemaining = "X-RateLimit-Remaining"
	HeaderUsed      = "X-RateLimit-Used"
	HeaderReset     = "X-RateLimit-Reset"
	HeaderResource  = "X-RateLimit-Resource"
)

// DefaultResource is assumed when a response does not name its quota bucket.
const DefaultResource = "core"

// ErrQuotaExhausted is returned when a request is refused locally because
// the last observed quota is used up and has not reset yet.
var ErrQuotaExhausted = errors.New("rate limit quota exhausted")

// RateLimitState is the last observed quota of one resource bucket.
type RateLimitState struct {
	// Resource is the quota bucket (e.g. "core", "search")
	Resource string `json:"resource"`

	// Limit is the number of requests allowed per window
	Limit int `json:"limit"`

	// Remaining is the number of requests left in the current window
	Remaining int `json:"remaining"`

	// Used is the number of requests consumed in the current window
	Used int `json:"used"`

	// ResetAt is when the current window ends
	ResetAt time.Time `json:"reset_at"`

	// LastUpdate is when this state was observed
	LastUpdate time.Time `json:"last_update"`
}

// ParseHeaders extracts the quota state from response headers. ok is false
// when the response carries no rate limit headers.
func ParseHeaders(h http.Header) (state RateLimitState, ok bool, err error) {
	remainStr := h.Get(HeaderRemaining)
	if remainStr == "" {
		return RateLimitState{}, false, nil
	}

	state.Remaining, err = strconv.Atoi(remainStr)
	if err != nil {
		return RateLimitState{}, false, fmt.Errorf("parse %s header: %w", HeaderRemaining, err)
	}

	if v := h.Get(HeaderLimit); v != "" {
		if state.Limit, err = strconv.Atoi(v); err != nil {
			return RateLimitState{}, false, fmt.Errorf("parse %s header: %w", HeaderLimit, err)
		}
	}

	if v := h.Get(HeaderUsed); v != "" {
		if state.Used, err = strconv.Atoi(v); err != nil {
			return RateLimitState{}, false, fmt.Errorf("parse %s header: %w", HeaderUsed, err)
		}
	} else if state.Limit > 0 {
		state.Used = state.Limit - state.Remaining
	}

	if v := h.Get(HeaderReset); v != "" {
		epoch, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return RateLimitState{}, false, fmt.Errorf("parse %s header: %w", HeaderReset, err)
		}
		state.ResetAt = time.Unix(epoch, 0)
	}

	state.Resource = h.Get(HeaderResource)
	if state.Resource == "" {
		state.Resource = DefaultResource
	}
	state.LastUpdate = time.Now()

	return state, true, nil
}

// IsStale returns true if the state data is older than the given duration.
func (s *RateLimitState) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastUpdate) > maxAge
}

// IsExhausted returns true if no requests remain and the window has not
// reset yet.
func (s *RateLimitState) IsExhausted() bool {
	return s.Remaining <= 0 && time.Now().Before(s.ResetAt)
}

// TimeUntilReset returns the duration until the quota resets.
// Returns 0 if the reset time has already passed.
func (s *RateLimitState) TimeUntilReset() time.Duration {
	duration := time.Until(s.ResetAt)
	if duration < 0 {
		return 0
	}
	return duration
}

// ConsumedSince returns how much quota was used between earlier and s.
// When the window reset in between, Used of the current window is returned.
func (s *RateLimitState) ConsumedSince(earlier RateLimitState) int {
	if !s.ResetAt.Equal(earlier.ResetAt) || s.Used < earlier.Used {
		return s.Used
	}
	return s.Used - earlier.Used
}
