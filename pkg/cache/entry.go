package cache

import (
	"net/http"
	"time"
)

// Validators are the revalidation headers of a response.
type Validators struct {
	// ETag is the raw entity-tag, quotes and weak prefix included
	ETag string

	// LastModified is the raw Last-Modified header value
	LastModified string
}

// ValidatorsFromHeader extracts the validators carried by h.
func ValidatorsFromHeader(h http.Header) Validators {
	return Validators{
		ETag:         h.Get("ETag"),
		LastModified: h.Get("Last-Modified"),
	}
}

// Empty reports whether no validator is present. A response without
// validators cannot be revalidated and is never stored.
func (v Validators) Empty() bool {
	return v.ETag == "" && v.LastModified == ""
}

// CacheEntry represents a cached API response.
type CacheEntry struct {
	// Key is the canonical identity string the entry was stored under
	Key string `json:"key"`

	// Data is the response body
	Data []byte `json:"data"`

	// StatusCode is the HTTP status code of the cached response
	StatusCode int `json:"status_code"`

	// Headers are the response headers
	Headers http.Header `json:"headers"`

	// ETag for conditional requests (If-None-Match)
	ETag string `json:"etag,omitempty"`

	// LastModified for conditional requests (If-Modified-Since)
	LastModified string `json:"last_modified,omitempty"`

	// CachedAt is when we cached this response
	CachedAt time.Time `json:"cached_at"`
}

// Validators returns the validators stored with the entry.
func (e *CacheEntry) Validators() Validators {
	if e == nil {
		return Validators{}
	}
	return Validators{ETag: e.ETag, LastModified: e.LastModified}
}

// Age returns how long ago the entry was stored.
func (e *CacheEntry) Age() time.Duration {
	return time.Since(e.CachedAt)
}
