// Package testutil provides a mock paginated API origin for tests.
package testutil

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Paging defaults of the mock origin.
const (
	DefaultPerPage = 30
	MaxPerPage     = 100
	DefaultQuota   = 5000
)

// MockResponse defines the behavior for a mock endpoint response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

type listing struct {
	items    []json.RawMessage
	field    string
	modified time.Time
	failures map[int]int // page -> status
}

// MockAPI is a configurable mock origin serving GitHub-style listings.
//
// Listings are paginated with the page and per_page query parameters and
// advertise further pages in an absolute Link header. Every page carries an
// ETag derived from its body and answers a matching If-None-Match with 304.
// All responses report quota in X-RateLimit-* headers.
type MockAPI struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]func(w http.ResponseWriter, r *http.Request)
	listings map[string]*listing

	quotaLimit int
	quotaUsed  int
	quotaReset time.Time

	billRevalidations bool

	// Tracking
	RequestCount      int
	ConditionalCount  int
	FullResponses     int
	NotModifiedCount  int
	LastRequestHeader http.Header
	RequestedURLs     []string
}

// NewMockAPI creates a new mock API server.
func NewMockAPI() *MockAPI {
	mock := &MockAPI{
		handlers:   make(map[string]func(w http.ResponseWriter, r *http.Request)),
		listings:   make(map[string]*listing),
		quotaLimit: DefaultQuota,
		quotaReset: time.Now().Add(time.Hour).Truncate(time.Second),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.RequestCount++
		mock.LastRequestHeader = r.Header.Clone()
		mock.RequestedURLs = append(mock.RequestedURLs, r.URL.String())

		if r.Header.Get("If-None-Match") != "" || r.Header.Get("If-Modified-Since") != "" {
			mock.ConditionalCount++
		}
		handler, hasHandler := mock.handlers[r.URL.Path]
		l, hasListing := mock.listings[r.URL.Path]
		mock.mu.Unlock()

		switch {
		case hasHandler:
			mock.charge(w, true)
			handler(w, r)
		case hasListing:
			mock.serveListing(w, r, l)
		default:
			mock.defaultHandler(w, r)
		}
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockAPI) URL() string {
	return m.server.URL
}

// Client returns an HTTP client wired to the mock server.
func (m *MockAPI) Client() *http.Client {
	return m.server.Client()
}

// Close shuts down the mock server.
func (m *MockAPI) Close() {
	m.server.Close()
}

// Reset clears all tracking counters. Quota is left as is.
func (m *MockAPI) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.ConditionalCount = 0
	m.FullResponses = 0
	m.NotModifiedCount = 0
	m.LastRequestHeader = nil
	m.RequestedURLs = nil
}

// SetQuota restarts the quota window with the given limit.
func (m *MockAPI) SetQuota(limit int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotaLimit = limit
	m.quotaUsed = 0
	m.quotaReset = time.Now().Add(time.Hour).Truncate(time.Second)
}

// SetBillRevalidations makes 304 responses consume quota like full ones.
func (m *MockAPI) SetBillRevalidations(bill bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.billRevalidations = bill
}

// QuotaUsed returns the quota consumed in the current window.
func (m *MockAPI) QuotaUsed() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.quotaUsed
}

// SetHandler sets a custom handler for a specific path. Requests to it
// always consume quota.
func (m *MockAPI) SetHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a simple response for a path.
func (m *MockAPI) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}

		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}

		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	})
}

// SetListing serves items as a JSON array listing at path. Calling it again
// replaces the content, which changes the ETags of affected pages.
func (m *MockAPI) SetListing(path string, items []any) {
	m.setListing(path, "", items)
}

// SetWrappedListing serves items under field of a JSON object, the way
// search endpoints do ({"total_count": n, "items": [...]}).
func (m *MockAPI) SetWrappedListing(path, field string, items []any) {
	m.setListing(path, field, items)
}

// FailPage makes one page of a listing answer with status.
func (m *MockAPI) FailPage(path string, page, status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.listings[path]; ok {
		l.failures[page] = status
	}
}

func (m *MockAPI) setListing(path, field string, items []any) {
	raw := make([]json.RawMessage, len(items))
	for i, item := range items {
		b, err := json.Marshal(item)
		if err != nil {
			panic(fmt.Sprintf("testutil: marshal listing item %d: %v", i, err))
		}
		raw[i] = b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.listings[path] = &listing{
		items:    raw,
		field:    field,
		modified: time.Now().UTC().Truncate(time.Second),
		failures: make(map[int]int),
	}
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockAPI) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// GetConditionalCount returns the number of conditional requests.
func (m *MockAPI) GetConditionalCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ConditionalCount
}

// GetFullResponses returns the number of 200 responses that carried a body.
func (m *MockAPI) GetFullResponses() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.FullResponses
}

// GetNotModifiedCount returns the number of 304 responses served.
func (m *MockAPI) GetNotModifiedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.NotModifiedCount
}

// GetLastRequestHeader returns the headers of the most recent request.
func (m *MockAPI) GetLastRequestHeader() http.Header {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.LastRequestHeader.Clone()
}

// GetRequestedURLs returns a copy of every request URL seen, in order.
func (m *MockAPI) GetRequestedURLs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.RequestedURLs...)
}

// charge consumes one unit of quota when billed and writes the quota
// headers. It returns false when the quota is already exhausted.
func (m *MockAPI) charge(w http.ResponseWriter, billed bool) bool {
	return m.chargeRequest(w, billed, false)
}

// chargeRequest is charge for a response that may be a revalidation.
func (m *MockAPI) chargeRequest(w http.ResponseWriter, billed, revalidation bool) bool {
	m.mu.Lock()
	if revalidation {
		billed = m.billRevalidations
	}
	exhausted := m.quotaUsed >= m.quotaLimit
	if billed && !exhausted {
		m.quotaUsed++
	}
	limit, used, reset := m.quotaLimit, m.quotaUsed, m.quotaReset
	m.mu.Unlock()

	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(limit-used))
	h.Set("X-RateLimit-Used", strconv.Itoa(used))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
	h.Set("X-RateLimit-Resource", "core")

	return !exhausted
}

func (m *MockAPI) serveListing(w http.ResponseWriter, r *http.Request, l *listing) {
	q := r.URL.Query()
	page := queryInt(q, "page", 1)
	perPage := queryInt(q, "per_page", DefaultPerPage)
	if perPage > MaxPerPage {
		perPage = MaxPerPage
	}

	m.mu.RLock()
	failStatus := l.failures[page]
	m.mu.RUnlock()

	if failStatus != 0 {
		m.charge(w, true)
		writeJSONError(w, failStatus, http.StatusText(failStatus))
		return
	}

	lastPage := (len(l.items) + perPage - 1) / perPage
	if lastPage == 0 {
		lastPage = 1
	}

	start := (page - 1) * perPage
	if start > len(l.items) {
		start = len(l.items)
	}
	end := start + perPage
	if end > len(l.items) {
		end = len(l.items)
	}

	body, err := encodePage(l.items[start:end], l.field, len(l.items))
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	etag := fmt.Sprintf(`"%x"`, sha256.Sum256(body))

	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("ETag", etag)
	h.Set("Last-Modified", l.modified.Format(http.TimeFormat))
	if link := linkHeader(r, page, lastPage); link != "" {
		h.Set("Link", link)
	}

	notModified := r.Header.Get("If-None-Match") == etag
	if !m.chargeRequest(w, true, notModified) {
		writeJSONError(w, http.StatusForbidden, "API rate limit exceeded")
		return
	}

	m.mu.Lock()
	if notModified {
		m.NotModifiedCount++
	} else {
		m.FullResponses++
	}
	m.mu.Unlock()

	if notModified {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// defaultHandler answers unknown paths with a small cacheable document.
func (m *MockAPI) defaultHandler(w http.ResponseWriter, r *http.Request) {
	const etag = `"default-etag"`
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("ETag", etag)

	notModified := r.Header.Get("If-None-Match") == etag
	if !m.chargeRequest(w, true, notModified) {
		writeJSONError(w, http.StatusForbidden, "API rate limit exceeded")
		return
	}

	m.mu.Lock()
	if notModified {
		m.NotModifiedCount++
	} else {
		m.FullResponses++
	}
	m.mu.Unlock()

	if notModified {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status": "ok"}`))
}

func encodePage(items []json.RawMessage, field string, total int) ([]byte, error) {
	if items == nil {
		items = []json.RawMessage{}
	}
	if field == "" {
		return json.Marshal(items)
	}
	return json.Marshal(map[string]any{
		"total_count": total,
		field:         items,
	})
}

func linkHeader(r *http.Request, page, lastPage int) string {
	base := url.URL{Scheme: "http", Host: r.Host, Path: r.URL.Path}
	link := func(p int, rel string) string {
		q := r.URL.Query()
		q.Set("page", strconv.Itoa(p))
		u := base
		u.RawQuery = q.Encode()
		return fmt.Sprintf(`<%s>; rel="%s"`, u.String(), rel)
	}

	var parts []string
	if page > 1 {
		parts = append(parts, link(page-1, "prev"), link(1, "first"))
	}
	if page < lastPage {
		parts = append(parts, link(page+1, "next"), link(lastPage, "last"))
	}

	return strings.Join(parts, ", ")
}

func queryInt(q url.Values, name string, def int) int {
	n, err := strconv.Atoi(q.Get(name))
	if err != nil || n < 1 {
		return def
	}
	return n
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"message": %q}`, message)
}

// NewHealthyResponse creates a standard 200 OK response with an ETag.
func NewHealthyResponse(data string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       data,
		Headers: map[string]string{
			"ETag":         `"test-etag-123"`,
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}

// NewUncacheableResponse creates a 200 OK response without validators.
func NewUncacheableResponse(data string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       data,
		Headers: map[string]string{
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}

// NewRateLimitResponse creates a 403 response with an exhausted quota.
func NewRateLimitResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusForbidden,
		Body:       `{"message": "API rate limit exceeded"}`,
		Headers: map[string]string{
			"X-RateLimit-Remaining": "0",
			"Content-Type":          "application/json; charset=utf-8",
		},
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"message": "Internal server error"}`,
		Headers: map[string]string{
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}

// NewConditionalHandler creates a handler that responds with 304 for conditional requests.
func NewConditionalHandler(etag string, data string) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")

		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}

		w.Header().Set("ETag", etag)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(data))
	}
}
