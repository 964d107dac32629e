package pagination

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strconv"

	"github.com/Sternrassler/hubcache/pkg/cache"
	"github.com/Sternrassler/hubcache/pkg/client"
	"github.com/Sternrassler/hubcache/pkg/logging"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Done is returned by Stream.Next when the listing has no more items.
var Done = errors.New("no more items")

// Prometheus metrics for listings.
var (
	pagesFetched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hubcache_pages_fetched_total",
		Help: "Total listing pages fetched by cache status",
	}, []string{"cache_status"})

	itemsYielded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hubcache_items_yielded_total",
		Help: "Total listing items handed to callers",
	})

	streamsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hubcache_streams_finished_total",
		Help: "Total listings that ended, by outcome",
	}, []string{"outcome"}) // "exhausted", "failed", "closed"
)

// Doer sends one HTTP request. *client.Client and *http.Client satisfy it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ListOptions are applied to the first page request and carried by the
// server into every next link.
type ListOptions struct {
	// PerPage sets the per_page query parameter; zero leaves the server default
	PerPage int

	// Filters are extra query parameters (e.g. state=open, sort=updated)
	Filters map[string]string
}

type streamState int

const (
	stateStart streamState = iota
	stateYielding
	stateExhausted
	stateFailed
	stateClosed
)

func (s streamState) String() string {
	switch s {
	case stateStart:
		return "start"
	case stateYielding:
		return "yielding"
	case stateExhausted:
		return "exhausted"
	case stateFailed:
		return "failed"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Stream is a lazy sequence of the items of a paginated listing. Pages are
// fetched only when Next runs out of buffered items, so a caller that
// stops early never pays for the remaining pages.
//
// A Stream is not safe for concurrent use; independent streams are.
type Stream[T any] struct {
	id     string
	doer   Doer
	base   *http.Request
	dec    Decoder[T]
	logger zerolog.Logger

	state streamState
	next  string
	buf   []T
	pages int
	items int
	err   error
}

// List returns a stream over the listing requested by req. opts are added
// to the query of req once, here; later pages follow the server's next
// links verbatim. A nil dec decodes JSON arrays.
func List[T any](doer Doer, req *http.Request, opts ListOptions, dec Decoder[T]) *Stream[T] {
	if dec == nil {
		dec = JSONArray[T]()
	}

	base := req.Clone(req.Context())
	// Without options the caller's query is sent as written
	if opts.PerPage > 0 || len(opts.Filters) > 0 {
		q := base.URL.Query()
		if opts.PerPage > 0 {
			q.Set("per_page", strconv.Itoa(opts.PerPage))
		}
		for name, value := range opts.Filters {
			q.Set(name, value)
		}
		base.URL.RawQuery = q.Encode()
	}

	id := uuid.NewString()
	return &Stream[T]{
		id:   id,
		doer: doer,
		base: base,
		dec:  dec,
		logger: logging.NewLogger("pagination").With().
			Str("stream_id", id).
			Logger(),
		state: stateStart,
		next:  base.URL.String(),
	}
}

// Next returns the next item. It returns Done once the listing is
// exhausted or the stream was closed. A fetch or decode failure is
// returned by the call that hit it and by every call after it.
//
// ctx governs the page request Next may have to send.
func (s *Stream[T]) Next(ctx context.Context) (T, error) {
	var zero T

	for {
		switch s.state {
		case stateExhausted, stateClosed:
			return zero, Done
		case stateFailed:
			return zero, s.err
		}

		if len(s.buf) > 0 {
			item := s.buf[0]
			s.buf[0] = zero
			s.buf = s.buf[1:]
			s.items++
			itemsYielded.Inc()
			return item, nil
		}

		if s.state == stateYielding && s.next == "" {
			s.finish(stateExhausted)
			continue
		}

		if err := s.fetch(ctx); err != nil {
			s.err = err
			s.finish(stateFailed)
			return zero, err
		}
		s.state = stateYielding
	}
}

// fetch requests the page at s.next and buffers its items.
func (s *Stream[T]) fetch(ctx context.Context) error {
	pageURL := s.next
	u, err := url.Parse(pageURL)
	if err != nil {
		return fmt.Errorf("parse page url: %w", err)
	}

	req := s.base.Clone(ctx)
	req.URL = u
	req.Host = ""

	resp, err := s.doer.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := client.CheckResponse(resp); err != nil {
		return err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &client.TransportError{Method: req.Method, URL: pageURL, Err: err}
	}

	items, err := s.dec(body)
	if err != nil {
		return asDecodeError(err, pageURL)
	}

	next := NextURL(resp)
	if next == pageURL {
		s.logger.Warn().Str("url", pageURL).Msg("Next link points at the current page - ending listing")
		next = ""
	}

	s.pages++
	s.buf = items
	s.next = next

	cacheStatus := resp.Header.Get(cache.HeaderCacheStatus)
	if cacheStatus == "" {
		cacheStatus = "none"
	}
	pagesFetched.WithLabelValues(cacheStatus).Inc()

	s.logger.Debug().
		Int("page", s.pages).
		Int("items", len(items)).
		Str("url", pageURL).
		Str("cache_status", cacheStatus).
		Bool("has_next", next != "").
		Msg("Page fetched")

	return nil
}

func (s *Stream[T]) finish(state streamState) {
	s.state = state
	s.buf = nil
	streamsFinished.WithLabelValues(state.String()).Inc()

	event := s.logger.Debug()
	if state == stateFailed {
		event = s.logger.Warn().Err(s.err)
	}
	event.
		Int("pages", s.pages).
		Int("items", s.items).
		Str("state", state.String()).
		Msg("Listing finished")
}

// All adapts the stream for range-over-func. Iteration stops after the
// first error, which is yielded with a zero item.
func (s *Stream[T]) All(ctx context.Context) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for {
			item, err := s.Next(ctx)
			if errors.Is(err, Done) {
				return
			}
			if err != nil {
				var zero T
				yield(zero, err)
				return
			}
			if !yield(item, nil) {
				return
			}
		}
	}
}

// Collect drains the stream. On failure the items read so far are
// returned with the error.
func (s *Stream[T]) Collect(ctx context.Context) ([]T, error) {
	var out []T
	for item, err := range s.All(ctx) {
		if err != nil {
			return out, err
		}
		out = append(out, item)
	}
	return out, nil
}

// Close ends the stream. Buffered items are discarded and no further
// requests are sent. Closing a finished stream does nothing.
func (s *Stream[T]) Close() {
	switch s.state {
	case stateExhausted, stateFailed, stateClosed:
		return
	}
	s.finish(stateClosed)
}

// Pages returns the number of pages fetched so far.
func (s *Stream[T]) Pages() int {
	return s.pages
}

// Err returns the error that failed the stream, if any.
func (s *Stream[T]) Err() error {
	return s.err
}

// ID returns the identifier the stream logs under.
func (s *Stream[T]) ID() string {
	return s.id
}
