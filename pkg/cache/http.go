package cache

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// HeaderCacheStatus describes what the cache did with a response. Responses
// with statuses other than 200 and 304 are returned without it.
const HeaderCacheStatus = "X-Hubcache"

// Values of HeaderCacheStatus.
const (
	StatusMiss        = "miss"
	StatusRevalidated = "revalidated"
	StatusUncacheable = "uncacheable"
	StatusBypass      = "bypass"
)

// ResponseToEntry converts an HTTP response to a CacheEntry.
// It reads the response body and restores it for the caller.
func ResponseToEntry(resp *http.Response) (*CacheEntry, error) {
	if resp == nil {
		return nil, fmt.Errorf("response cannot be nil")
	}

	var body []byte
	if resp.Body != nil {
		var err error
		body, err = io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read response body: %w", err)
		}
	}

	// Restore body for caller
	resp.Body = io.NopCloser(bytes.NewReader(body))

	headers := resp.Header.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	headers.Del(HeaderCacheStatus)
	dropRateLimitHeaders(headers)

	validators := ValidatorsFromHeader(resp.Header)
	return &CacheEntry{
		Data:         body,
		StatusCode:   resp.StatusCode,
		Headers:      headers,
		ETag:         validators.ETag,
		LastModified: validators.LastModified,
		CachedAt:     time.Now(),
	}, nil
}

// ShouldMakeConditionalRequest determines if we should add conditional
// request headers (If-None-Match or If-Modified-Since) based on the cache entry.
func ShouldMakeConditionalRequest(entry *CacheEntry) bool {
	if entry == nil {
		return false
	}
	return !entry.Validators().Empty()
}

// AddConditionalHeaders adds If-None-Match and If-Modified-Since headers
// for every validator the entry carries.
func AddConditionalHeaders(req *http.Request, entry *CacheEntry) {
	if entry == nil || req == nil {
		return
	}
	if req.Header == nil {
		req.Header = http.Header{}
	}

	if entry.ETag != "" {
		req.Header.Set("If-None-Match", entry.ETag)
	}
	if entry.LastModified != "" {
		req.Header.Set("If-Modified-Since", entry.LastModified)
	}
}

// MergeNotModified returns a copy of entry whose headers are overlaid with
// every header of a live 304 response. Date and any refreshed validators
// therefore come from the live response. Rate limit counters are only ever
// the live ones: a 304 without them yields a response without them. The
// body is shared with entry and never changes.
func MergeNotModified(entry *CacheEntry, live http.Header) *CacheEntry {
	merged := *entry
	merged.Headers = entry.Headers.Clone()
	if merged.Headers == nil {
		merged.Headers = http.Header{}
	}
	dropRateLimitHeaders(merged.Headers)

	for name, values := range live {
		// A 304 has no body; its framing headers must not describe ours
		if name == "Content-Length" || name == "Transfer-Encoding" {
			continue
		}
		merged.Headers[name] = append([]string(nil), values...)
	}
	merged.Headers.Del(HeaderCacheStatus)

	fresh := ValidatorsFromHeader(live)
	if fresh.ETag != "" {
		merged.ETag = fresh.ETag
	}
	if fresh.LastModified != "" {
		merged.LastModified = fresh.LastModified
	}

	return &merged
}

// EntryToResponse converts a cache entry back to an HTTP response for req.
func EntryToResponse(entry *CacheEntry, req *http.Request) *http.Response {
	headers := entry.Headers.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	headers.Set("Content-Length", strconv.Itoa(len(entry.Data)))

	return &http.Response{
		Status:        fmt.Sprintf("%d %s", entry.StatusCode, http.StatusText(entry.StatusCode)),
		StatusCode:    entry.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        headers,
		Body:          io.NopCloser(bytes.NewReader(entry.Data)),
		ContentLength: int64(len(entry.Data)),
		Request:       req,
	}
}

// dropRateLimitHeaders removes the X-RateLimit-* quota counters from h.
// They describe the exchange that carried them and must not be replayed.
func dropRateLimitHeaders(h http.Header) {
	for name := range h {
		if strings.HasPrefix(http.CanonicalHeaderKey(name), "X-Ratelimit-") {
			delete(h, name)
		}
	}
}
