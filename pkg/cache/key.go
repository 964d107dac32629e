package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// DefaultVaryHeaders are the request headers that take part in a cache key
// unless the client is configured otherwise.
var DefaultVaryHeaders = []string{"Accept", "Authorization"}

// CacheKey identifies a cacheable request: method, URL and the request
// headers that select a representation.
type CacheKey struct {
	// Method is the HTTP method (e.g., "GET")
	Method string

	// URL is the full request URL, taken verbatim
	URL string

	// Headers are the vary headers of the request (canonical name -> value)
	Headers map[string]string
}

// KeyForRequest builds the cache key for req, keeping only the given vary
// headers. Headers the request does not carry are left out.
func KeyForRequest(req *http.Request, varyHeaders []string) CacheKey {
	key := CacheKey{
		Method: req.Method,
		URL:    req.URL.String(),
	}
	if key.Method == "" {
		key.Method = http.MethodGet
	}

	for _, name := range varyHeaders {
		value := req.Header.Get(name)
		if value == "" {
			continue
		}
		if key.Headers == nil {
			key.Headers = make(map[string]string, len(varyHeaders))
		}
		key.Headers[http.CanonicalHeaderKey(name)] = value
	}

	return key
}

// String generates a deterministic cache key string.
// Format: hubcache:METHOD:url:header1=val1:header2=val2
//
// Example:
//
//	hubcache:GET:https://api.github.com/users/octocat/repos?per_page=5:accept=application/json
func (k CacheKey) String() string {
	method := strings.ToUpper(k.Method)
	if method == "" {
		method = http.MethodGet
	}
	parts := []string{"hubcache", method, k.URL}

	// Header names are case-insensitive, values are not
	if len(k.Headers) > 0 {
		names := make([]string, 0, len(k.Headers))
		lowered := make(map[string]string, len(k.Headers))
		for name, value := range k.Headers {
			lower := strings.ToLower(name)
			names = append(names, lower)
			lowered[lower] = value
		}
		sort.Strings(names)

		for _, name := range names {
			parts = append(parts, fmt.Sprintf("%s=%s", name, lowered[name]))
		}
	}

	return strings.Join(parts, ":")
}

// Hash returns the hex encoded SHA-256 of String(). Stores address entries
// by this value so credentials in vary headers never reach the backend.
func (k CacheKey) Hash() string {
	sum := sha256.Sum256([]byte(k.String()))
	return hex.EncodeToString(sum[:])
}
